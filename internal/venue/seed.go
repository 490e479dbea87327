package venue

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedFile is the on-disk format of a venue seed file.
type SeedFile struct {
	Venues []Venue `yaml:"venues"`
}

// LoadSeedFile reads and validates a YAML venue seed file.
func LoadSeedFile(path string) ([]Venue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes YAML seed data and validates every venue.
func ParseSeed(data []byte) ([]Venue, error) {
	var file SeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	seen := make(map[string]bool, len(file.Venues))
	for i := range file.Venues {
		v := &file.Venues[i]
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("venue %d: %w", i, err)
		}
		if seen[v.ID] {
			return nil, fmt.Errorf("venue %d: %w: duplicate id %q", i, ErrInvalidVenue, v.ID)
		}
		seen[v.ID] = true
	}
	return file.Venues, nil
}

// SeedAll stores every venue through repo.
func SeedAll(ctx context.Context, repo Repository, venues []Venue, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for i := range venues {
		if err := repo.Seed(ctx, &venues[i]); err != nil {
			return err
		}
	}
	logger.Info("venues seeded", slog.Int("count", len(venues)))
	return nil
}
