package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/onnwee/boogie/internal/broadcast"
	"github.com/onnwee/boogie/internal/middleware"
	"github.com/onnwee/boogie/internal/venue"
)

// liveReadLimit caps frames from clients, which are not expected to send any.
const liveReadLimit = 512

// LiveHandlers serves WebSocket subscriptions to a venue's vibe updates.
type LiveHandlers struct {
	repo     venue.Repository
	hub      *broadcast.Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewLiveHandlers creates LiveHandlers. allowedOrigins restricts browser
// connections; when empty every origin is accepted.
func NewLiveHandlers(repo venue.Repository, hub *broadcast.Hub, allowedOrigins []string, logger *slog.Logger) *LiveHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveHandlers{
		repo:     repo,
		hub:      hub,
		upgrader: newUpgrader(allowedOrigins),
		logger:   logger,
	}
}

// newUpgrader accepts browser connections from allowedOrigins only; when the
// list is empty every origin is accepted. Native clients send no Origin.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return len(origins) == 0 || origin == "" || origins[origin]
		},
	}
}

// Subscribe handles GET /venues/{id}/live. The current snapshot is sent
// immediately, then one message per committed update.
func (h *LiveHandlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	venueID := r.PathValue("id")

	v, err := h.repo.Get(ctx, venueID)
	if err != nil {
		if errors.Is(err, venue.ErrNotFound) {
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Venue not found")
			return
		}
		h.logger.ErrorContext(ctx, "failed to get venue", slog.String("error", err.Error()))
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to upgrade websocket connection",
			slog.String("error", err.Error()),
			slog.String("venue_id", venueID))
		return
	}

	h.hub.Subscribe(venueID, conn)
	requestID := middleware.GetRequestID(ctx)
	h.logger.InfoContext(ctx, "websocket client subscribed to venue",
		slog.String("venue_id", venueID),
		slog.String("request_id", requestID))

	defer func() {
		h.hub.Unsubscribe(conn)
		conn.Close()
		h.logger.InfoContext(ctx, "websocket client unsubscribed",
			slog.String("venue_id", venueID),
			slog.String("request_id", requestID))
	}()

	if err := h.hub.Send(conn, v.Snapshot()); err != nil {
		h.logger.WarnContext(ctx, "failed to send initial snapshot", slog.String("error", err.Error()))
		return
	}

	readUntilClosed(ctx, conn, h.logger, slog.String("venue_id", venueID))
}

// readUntilClosed reads until the client goes away; clients do not send
// messages.
func readUntilClosed(ctx context.Context, conn *websocket.Conn, logger *slog.Logger, attrs ...any) {
	conn.SetReadLimit(liveReadLimit)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.WarnContext(ctx, "websocket connection closed unexpectedly",
					append([]any{slog.String("error", err.Error())}, attrs...)...)
			}
			return
		}
	}
}
