package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/boogie/internal/geo"
	"github.com/onnwee/boogie/internal/middleware"
	"github.com/onnwee/boogie/internal/report"
	"github.com/onnwee/boogie/internal/venue"
	"github.com/onnwee/boogie/internal/vibe"
)

// maxRequestBody caps JSON bodies on the report endpoints.
const maxRequestBody = 4 << 10

// VibeReporter is the part of report.Service the handlers call.
type VibeReporter interface {
	report.Reporter
	SubmitManualReport(ctx context.Context, venueID, userID string, label vibe.Label) (venue.Snapshot, error)
}

// VenueHandlers holds dependencies for venue HTTP handlers.
type VenueHandlers struct {
	repo     venue.Repository
	reporter VibeReporter
	logger   *slog.Logger
}

// NewVenueHandlers creates a new VenueHandlers instance.
func NewVenueHandlers(repo venue.Repository, reporter VibeReporter, logger *slog.Logger) *VenueHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &VenueHandlers{repo: repo, reporter: reporter, logger: logger}
}

// VenueListResponse is the body of GET /venues.
type VenueListResponse struct {
	Venues []venue.Venue `json:"venues"`
	Count  int           `json:"count"`
}

// VibeReportRequest is the body of POST /venues/{id}/vibe-reports.
type VibeReportRequest struct {
	Vibe string `json:"vibe"`
}

// GeofenceEventRequest is the body of POST /venues/{id}/geofence-events.
type GeofenceEventRequest struct {
	Type string `json:"type"`
}

// ListVenues handles GET /venues. The optional near query parameter is a
// geohash prefix (1 to 6 characters) that filters venues by coarse location.
func (h *VenueHandlers) ListVenues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var prefix string
	if near := r.URL.Query().Get("near"); near != "" {
		if len(near) <= geo.DefaultPrecision {
			prefix = geo.RoundGeohash(near, geo.DefaultPrecision)
		}
		if prefix == "" {
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "near must be a geohash of 1 to 6 characters")
			return
		}
	}

	venues, err := h.repo.List(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list venues", slog.String("error", err.Error()))
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to list venues")
		return
	}

	filtered := make([]venue.Venue, 0, len(venues))
	for _, v := range venues {
		if strings.HasPrefix(v.CoarseGeohash, prefix) {
			filtered = append(filtered, v)
		}
	}

	writeJSON(w, ctx, http.StatusOK, VenueListResponse{Venues: filtered, Count: len(filtered)})
}

// GetVenue handles GET /venues/{id}.
func (h *VenueHandlers) GetVenue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	v, err := h.repo.Get(ctx, r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, v)
}

// SubmitVibeReport handles POST /venues/{id}/vibe-reports. The caller must
// be authenticated; the body names the crowd level the user observed.
func (h *VenueHandlers) SubmitVibeReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req VibeReportRequest
	if !decodeBody(w, r, &req) {
		return
	}

	label, err := vibe.ParseLabel(req.Vibe)
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "vibe must be one of quiet, normal, busy")
		return
	}

	snap, err := h.reporter.SubmitManualReport(ctx, r.PathValue("id"), middleware.GetUserID(ctx), label)
	if err != nil {
		h.writeStoreError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, snap)
}

// RecordGeofenceEvent handles POST /venues/{id}/geofence-events, the path
// used by devices that evaluate geofences locally.
func (h *VenueHandlers) RecordGeofenceEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req GeofenceEventRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var signal vibe.Signal
	switch strings.ToLower(req.Type) {
	case "enter":
		signal = vibe.GeofenceEnter()
	case "exit":
		signal = vibe.GeofenceExit()
	default:
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "type must be enter or exit")
		return
	}

	snap, err := h.reporter.ReportVibe(ctx, r.PathValue("id"), signal)
	if err != nil {
		h.writeStoreError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, snap)
}

// writeStoreError maps store and protocol errors to the error envelope.
func (h *VenueHandlers) writeStoreError(w http.ResponseWriter, ctx context.Context, err error) {
	switch {
	case errors.Is(err, venue.ErrNotFound):
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Venue not found")
	case errors.Is(err, report.ErrUnauthenticated):
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "Authentication required")
	case errors.Is(err, vibe.ErrInvalidLabel), errors.Is(err, vibe.ErrUnknownSource):
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, venue.ErrTransactionConflict):
		w.Header().Set("Retry-After", "1")
		WriteError(w, ctx, http.StatusConflict, ErrCodeConflict, "Venue is busy, please retry")
	default:
		h.logger.ErrorContext(ctx, "venue request failed", slog.String("error", err.Error()))
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
	}
}

// decodeBody decodes a JSON body into dst, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
		return false
	}
	return true
}
