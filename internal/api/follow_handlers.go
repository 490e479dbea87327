package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/boogie/internal/broadcast"
	"github.com/onnwee/boogie/internal/follow"
	"github.com/onnwee/boogie/internal/middleware"
	"github.com/onnwee/boogie/internal/venue"
)

// FollowHandlers serves venue following for the authenticated user.
type FollowHandlers struct {
	venues   venue.Repository
	follows  follow.Repository
	hub      *broadcast.Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewFollowHandlers creates FollowHandlers. allowedOrigins restricts browser
// connections to the live stream as in NewLiveHandlers.
func NewFollowHandlers(venues venue.Repository, follows follow.Repository, hub *broadcast.Hub, allowedOrigins []string, logger *slog.Logger) *FollowHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &FollowHandlers{
		venues:   venues,
		follows:  follows,
		hub:      hub,
		upgrader: newUpgrader(allowedOrigins),
		logger:   logger,
	}
}

// FollowStatusResponse is the body of the follow endpoints of one venue.
type FollowStatusResponse struct {
	VenueID    string     `json:"venue_id"`
	Following  bool       `json:"following"`
	FollowedAt *time.Time `json:"followed_at,omitempty"`
}

// FollowedVenue is one entry of GET /me/following.
type FollowedVenue struct {
	follow.Follow
	Venue venue.Snapshot `json:"venue"`
}

// FollowingResponse is the body of GET /me/following.
type FollowingResponse struct {
	Venues []FollowedVenue `json:"venues"`
	Count  int             `json:"count"`
}

// Follow handles PUT /venues/{id}/follow. It answers 201 when the follow is
// new and 200 when the user already followed the venue.
func (h *FollowHandlers) Follow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	venueID := r.PathValue("id")
	if !h.venueExists(w, ctx, venueID) {
		return
	}

	f, created, err := h.follows.Follow(ctx, middleware.GetUserID(ctx), venueID)
	if err != nil {
		h.writeFollowError(w, ctx, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.logger.InfoContext(ctx, "venue followed", slog.String("venue_id", venueID))
	}
	writeJSON(w, ctx, status, FollowStatusResponse{VenueID: venueID, Following: true, FollowedAt: &f.FollowedAt})
}

// Unfollow handles DELETE /venues/{id}/follow. Unfollowing a venue that is
// not followed is not an error.
func (h *FollowHandlers) Unfollow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	venueID := r.PathValue("id")

	removed, err := h.follows.Unfollow(ctx, middleware.GetUserID(ctx), venueID)
	if err != nil {
		h.writeFollowError(w, ctx, err)
		return
	}
	if removed {
		h.logger.InfoContext(ctx, "venue unfollowed", slog.String("venue_id", venueID))
	}
	w.WriteHeader(http.StatusNoContent)
}

// Status handles GET /venues/{id}/follow.
func (h *FollowHandlers) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	venueID := r.PathValue("id")
	if !h.venueExists(w, ctx, venueID) {
		return
	}

	following, err := h.follows.IsFollowing(ctx, middleware.GetUserID(ctx), venueID)
	if err != nil {
		h.writeFollowError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, FollowStatusResponse{VenueID: venueID, Following: following})
}

// List handles GET /me/following: the followed venues with their current
// vibe, most recently followed first.
func (h *FollowHandlers) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	entries, err := h.followedVenues(ctx, middleware.GetUserID(ctx))
	if err != nil {
		h.writeFollowError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, FollowingResponse{Venues: entries, Count: len(entries)})
}

// Live handles GET /me/following/live. The current snapshot of every followed
// venue is sent first, then one message per committed update of any of them.
// The set of venues is fixed for the life of the connection.
func (h *FollowHandlers) Live(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	entries, err := h.followedVenues(ctx, middleware.GetUserID(ctx))
	if err != nil {
		h.writeFollowError(w, ctx, err)
		return
	}
	snaps := make([]venue.Snapshot, 0, len(entries))
	for _, e := range entries {
		snaps = append(snaps, e.Venue)
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to upgrade websocket connection", slog.String("error", err.Error()))
		return
	}
	defer func() {
		h.hub.Unsubscribe(conn)
		conn.Close()
	}()

	if err := h.hub.SubscribeWithSnapshots(conn, snaps); err != nil {
		h.logger.WarnContext(ctx, "failed to subscribe to followed venues", slog.String("error", err.Error()))
		return
	}
	h.logger.InfoContext(ctx, "websocket client subscribed to followed venues", slog.Int("venues", len(snaps)))

	readUntilClosed(ctx, conn, h.logger, slog.Int("venues", len(snaps)))
}

// followedVenues joins the user's follows with current venue state. Follows
// of venues that no longer exist are skipped.
func (h *FollowHandlers) followedVenues(ctx context.Context, userID string) ([]FollowedVenue, error) {
	follows, err := h.follows.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]FollowedVenue, 0, len(follows))
	for _, f := range follows {
		v, err := h.venues.Get(ctx, f.VenueID)
		if errors.Is(err, venue.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, FollowedVenue{Follow: f, Venue: v.Snapshot()})
	}
	return out, nil
}

func (h *FollowHandlers) venueExists(w http.ResponseWriter, ctx context.Context, venueID string) bool {
	_, err := h.venues.Get(ctx, venueID)
	if err == nil {
		return true
	}
	if errors.Is(err, venue.ErrNotFound) {
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Venue not found")
		return false
	}
	h.writeFollowError(w, ctx, err)
	return false
}

func (h *FollowHandlers) writeFollowError(w http.ResponseWriter, ctx context.Context, err error) {
	switch {
	case errors.Is(err, follow.ErrUnknownVenue):
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Venue not found")
	case errors.Is(err, follow.ErrLimitReached):
		WriteError(w, ctx, http.StatusConflict, ErrCodeConflict, "Follow limit reached")
	case errors.Is(err, follow.ErrInvalidFollow):
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
	default:
		h.logger.ErrorContext(ctx, "follow request failed", slog.String("error", err.Error()))
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
	}
}
