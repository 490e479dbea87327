// Package config provides configuration loading and validation for the vibe
// service binaries. It uses koanf to merge environment variables with
// optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Store backends selectable with STORE_BACKEND.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config holds all configuration values for the service.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Venue store
	StoreBackend  string `koanf:"store_backend"`
	DatabaseURL   string `koanf:"database_url"`
	RedisURL      string `koanf:"redis_url"`
	VenueSeedFile string `koanf:"venue_seed_file"`

	// JWT Authentication
	JWTSecret         string `koanf:"jwt_secret"`
	JWTPreviousSecret string `koanf:"jwt_previous_secret"`

	// Allowed browser origins for CORS and the live feed.
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`

	// Count adjustment retries
	VibeMaxRetries  int `koanf:"vibe_max_retries"`
	VibeRetryBaseMS int `koanf:"vibe_retry_base_ms"`
	VibeRetryMaxMS  int `koanf:"vibe_retry_max_ms"`

	// Geofence tracking
	GeofenceMinDistanceM float64 `koanf:"geofence_min_distance_m"`

	// Manual reports allowed per user per minute
	ReportRateLimitPerMinute int `koanf:"report_rate_limit_per_minute"`

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	TracingExporter   string  `koanf:"tracing_exporter"`
	TracingEndpoint   string  `koanf:"tracing_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
	TracingInsecure   bool    `koanf:"tracing_insecure"`

	// ProfilingEnabled exposes /debug/pprof. Ignored in production.
	ProfilingEnabled bool `koanf:"profiling_enabled"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL     = errors.New("DATABASE_URL is required for the postgres store")
	ErrMissingRedisURL        = errors.New("REDIS_URL is required for the redis store")
	ErrMissingJWTSecret       = errors.New("JWT_SECRET is required")
	ErrInvalidStoreBackend    = errors.New("STORE_BACKEND must be one of memory, postgres, redis")
	ErrInvalidPort            = errors.New("PORT must be between 1 and 65535")
	ErrInvalidNumber          = errors.New("value must be a valid number")
	ErrInvalidRetryPolicy     = errors.New("VIBE_MAX_RETRIES must be at least 1 and VIBE_RETRY_BASE_MS must not exceed VIBE_RETRY_MAX_MS")
	ErrInvalidMinDistance     = errors.New("GEOFENCE_MIN_DISTANCE_M must be positive")
	ErrInvalidReportRateLimit = errors.New("REPORT_RATE_LIMIT_PER_MINUTE must be positive")
	ErrInvalidTracingExporter = errors.New("TRACING_EXPORTER must be otlp-grpc or otlp-http")
	ErrInvalidSampleRate      = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
)

// Default values for non-secret configuration.
const (
	DefaultPort                     = 8080
	DefaultEnv                      = "development"
	DefaultStoreBackend             = StoreMemory
	DefaultVibeMaxRetries           = 5
	DefaultVibeRetryBaseMS          = 10
	DefaultVibeRetryMaxMS           = 200
	DefaultGeofenceMinDistanceM     = 100.0
	DefaultReportRateLimitPerMinute = 20
	DefaultTracingExporter          = "otlp-http"
	DefaultTracingSampleRate        = 0.1
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	collect := func(err error) {
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
	}

	// BOOGIE_PORT wins over the conventional PORT
	port, err := getEnvIntOrDefaultMulti([]string{"BOOGIE_PORT", "PORT"}, k.Int("port"), DefaultPort)
	collect(err)
	maxRetries, err := getEnvIntOrDefault("VIBE_MAX_RETRIES", k.Int("vibe_max_retries"), DefaultVibeMaxRetries)
	collect(err)
	retryBase, err := getEnvIntOrDefault("VIBE_RETRY_BASE_MS", k.Int("vibe_retry_base_ms"), DefaultVibeRetryBaseMS)
	collect(err)
	retryMax, err := getEnvIntOrDefault("VIBE_RETRY_MAX_MS", k.Int("vibe_retry_max_ms"), DefaultVibeRetryMaxMS)
	collect(err)
	reportLimit, err := getEnvIntOrDefault("REPORT_RATE_LIMIT_PER_MINUTE", k.Int("report_rate_limit_per_minute"), DefaultReportRateLimitPerMinute)
	collect(err)
	minDistance, err := getEnvFloatOrDefault("GEOFENCE_MIN_DISTANCE_M", k.Float64("geofence_min_distance_m"), DefaultGeofenceMinDistanceM)
	collect(err)
	sampleRate, err := getEnvFloatOrDefault("TRACING_SAMPLE_RATE", k.Float64("tracing_sample_rate"), DefaultTracingSampleRate)
	collect(err)

	// Build config struct, with env vars taking precedence over file values
	cfg := &Config{
		Port:                     port,
		Env:                      getEnvOrDefaultMulti([]string{"BOOGIE_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		StoreBackend:             strings.ToLower(getEnvOrDefault("STORE_BACKEND", k.String("store_backend"), DefaultStoreBackend)),
		DatabaseURL:              getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:                 getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		VenueSeedFile:            getEnvOrKoanf("VENUE_SEED_FILE", k, "venue_seed_file"),
		JWTSecret:                getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTPreviousSecret:        getEnvOrKoanf("JWT_PREVIOUS_SECRET", k, "jwt_previous_secret"),
		CORSAllowedOrigins:       getEnvListOrKoanf("CORS_ALLOWED_ORIGINS", k, "cors_allowed_origins"),
		VibeMaxRetries:           maxRetries,
		VibeRetryBaseMS:          retryBase,
		VibeRetryMaxMS:           retryMax,
		GeofenceMinDistanceM:     minDistance,
		ReportRateLimitPerMinute: reportLimit,
		TracingEnabled:           getEnvBoolOrKoanf("TRACING_ENABLED", k, "tracing_enabled"),
		TracingExporter:          getEnvOrDefault("TRACING_EXPORTER", k.String("tracing_exporter"), DefaultTracingExporter),
		TracingEndpoint:          getEnvOrKoanf("TRACING_ENDPOINT", k, "tracing_endpoint"),
		TracingSampleRate:        sampleRate,
		TracingInsecure:          getEnvBoolOrKoanf("TRACING_INSECURE", k, "tracing_insecure"),
		ProfilingEnabled:         getEnvBoolOrKoanf("PROFILING_ENABLED", k, "profiling_enabled"),
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// RetryBaseDelay returns the first retry backoff.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.VibeRetryBaseMS) * time.Millisecond
}

// RetryMaxDelay returns the backoff cap.
func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.VibeRetryMaxMS) * time.Millisecond
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvListOrKoanf reads a comma separated list from the environment, or a
// YAML list from the file.
func getEnvListOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) []string {
	if val := os.Getenv(envKey); val != "" {
		var out []string
		for _, part := range strings.Split(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return k.Strings(koanfKey)
}

// getEnvBoolOrKoanf parses a boolean flag. Unrecognized env values fall back
// to the file value.
func getEnvBoolOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) bool {
	if val := os.Getenv(envKey); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return k.Bool(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
// A zero in the YAML file falls back to the default.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	return getEnvIntOrDefaultMulti([]string{envKey}, koanfVal, defaultVal)
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Returns an error if any environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return defaultVal, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidNumber)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as a float.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return defaultVal, fmt.Errorf("%s must be a valid float: %w", envKey, ErrInvalidNumber)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// Validate checks that required values are present and numeric settings are
// in range. Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ErrInvalidPort)
	}
	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}

	switch c.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, ErrMissingDatabaseURL)
		}
	case StoreRedis:
		if c.RedisURL == "" {
			errs = append(errs, ErrMissingRedisURL)
		}
	default:
		errs = append(errs, ErrInvalidStoreBackend)
	}

	if c.VibeMaxRetries < 1 || c.VibeRetryBaseMS < 0 || c.VibeRetryBaseMS > c.VibeRetryMaxMS {
		errs = append(errs, ErrInvalidRetryPolicy)
	}
	if c.GeofenceMinDistanceM <= 0 {
		errs = append(errs, ErrInvalidMinDistance)
	}
	if c.ReportRateLimitPerMinute <= 0 {
		errs = append(errs, ErrInvalidReportRateLimit)
	}

	// Tracing settings only matter when tracing is on.
	if c.TracingEnabled {
		if c.TracingExporter != "otlp-grpc" && c.TracingExporter != "otlp-http" {
			errs = append(errs, ErrInvalidTracingExporter)
		}
		if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
			errs = append(errs, ErrInvalidSampleRate)
		}
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                         strconv.Itoa(c.Port),
		"env":                          c.Env,
		"store_backend":                c.StoreBackend,
		"database_url":                 maskDatabaseURL(c.DatabaseURL),
		"redis_url":                    maskDatabaseURL(c.RedisURL),
		"venue_seed_file":              c.VenueSeedFile,
		"jwt_secret":                   maskSecret(c.JWTSecret),
		"jwt_previous_secret":          maskSecret(c.JWTPreviousSecret),
		"cors_allowed_origins":         strings.Join(c.CORSAllowedOrigins, ","),
		"vibe_max_retries":             strconv.Itoa(c.VibeMaxRetries),
		"vibe_retry_base_ms":           strconv.Itoa(c.VibeRetryBaseMS),
		"vibe_retry_max_ms":            strconv.Itoa(c.VibeRetryMaxMS),
		"geofence_min_distance_m":      strconv.FormatFloat(c.GeofenceMinDistanceM, 'f', -1, 64),
		"report_rate_limit_per_minute": strconv.Itoa(c.ReportRateLimitPerMinute),
		"tracing_enabled":              strconv.FormatBool(c.TracingEnabled),
		"tracing_exporter":             c.TracingExporter,
		"tracing_endpoint":             c.TracingEndpoint,
		"tracing_sample_rate":          strconv.FormatFloat(c.TracingSampleRate, 'f', -1, 64),
		"profiling_enabled":            strconv.FormatBool(c.ProfilingEnabled),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a connection URL.
// Works for postgres://, postgresql:// and redis:// schemes.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	// Look for password pattern: user:password@host
	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.LastIndex(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
