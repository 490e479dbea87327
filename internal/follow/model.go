// Package follow records the venues a user follows, so clients can list them
// and receive their live vibe updates on one connection.
package follow

import (
	"context"
	"errors"
	"sort"
	"time"
)

// MaxPerUser caps how many venues one user can follow.
const MaxPerUser = 200

var (
	// ErrInvalidFollow is returned when the user or venue ID is empty.
	ErrInvalidFollow = errors.New("user and venue are required")

	// ErrLimitReached is returned when a user already follows MaxPerUser
	// venues.
	ErrLimitReached = errors.New("follow limit reached")
)

// Follow is one followed venue.
type Follow struct {
	VenueID    string    `json:"venue_id"`
	FollowedAt time.Time `json:"followed_at"`
}

// Repository persists follows per user. Follow and Unfollow are idempotent.
type Repository interface {
	// Follow records that userID follows venueID. It returns the stored
	// follow and whether this call created it.
	Follow(ctx context.Context, userID, venueID string) (Follow, bool, error)

	// Unfollow removes the follow and reports whether one existed.
	Unfollow(ctx context.Context, userID, venueID string) (bool, error)

	// IsFollowing reports whether userID follows venueID.
	IsFollowing(ctx context.Context, userID, venueID string) (bool, error)

	// List returns the follows of userID, most recent first.
	List(ctx context.Context, userID string) ([]Follow, error)
}

func validate(userID, venueID string) error {
	if userID == "" || venueID == "" {
		return ErrInvalidFollow
	}
	return nil
}

// sortFollows orders most recent first, then by venue ID.
func sortFollows(fs []Follow) {
	sort.Slice(fs, func(i, j int) bool {
		if !fs[i].FollowedAt.Equal(fs[j].FollowedAt) {
			return fs[i].FollowedAt.After(fs[j].FollowedAt)
		}
		return fs[i].VenueID < fs[j].VenueID
	})
}
