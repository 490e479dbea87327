package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/boogie/internal/auth"
	"github.com/onnwee/boogie/internal/broadcast"
	"github.com/onnwee/boogie/internal/follow"
	"github.com/onnwee/boogie/internal/geo"
	"github.com/onnwee/boogie/internal/idempotency"
	"github.com/onnwee/boogie/internal/middleware"
	"github.com/onnwee/boogie/internal/report"
	"github.com/onnwee/boogie/internal/venue"
	"github.com/onnwee/boogie/internal/vibe"
)

const testJWTSecret = "test-secret"

var fixedNow = time.Date(2026, 5, 1, 22, 0, 0, 0, time.UTC)

// testVenues are two venues in Harare and one in Cape Town.
var testVenues = []venue.Venue{
	{ID: "v-pabloz", Name: "Pabloz", Location: geo.Point{Lat: -17.7667, Lng: 31.0258}, GeofenceRadius: 150, LiveCount: 5},
	{ID: "v-tinroof", Name: "Tin Roof", Location: geo.Point{Lat: -17.7720, Lng: 31.0250}, LiveCount: 20},
	{ID: "v-capetown", Name: "Bar Code", Location: geo.Point{Lat: -33.9249, Lng: 18.4241}, LiveCount: 0},
}

type testAPI struct {
	mux     *http.ServeMux
	store   *venue.InMemoryStore
	service *report.Service
	hub     *broadcast.Hub
	jwt     *auth.JWTService
	follows *follow.InMemoryRepository
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestAPI wires the router over an in-memory store seeded with testVenues.
// Options may adjust the router config before it is built.
func newTestAPI(t *testing.T, opts ...func(*RouterConfig)) *testAPI {
	t.Helper()
	logger := discardLogger()

	store := venue.NewInMemoryStore(venue.StoreConfig{Logger: logger, Now: func() time.Time { return fixedNow }})
	for i := range testVenues {
		v := testVenues[i]
		if err := store.Seed(context.Background(), &v); err != nil {
			t.Fatalf("Seed() error = %v", err)
		}
	}

	service := report.NewService(store, report.Config{Logger: logger, Now: func() time.Time { return fixedNow }})
	hub := broadcast.NewHub(logger)
	service.Subscribe(hub)

	jwtSvc := auth.NewJWTService(testJWTSecret)
	follows := follow.NewInMemoryRepository()
	cfg := RouterConfig{
		Venues:  NewVenueHandlers(store, service, logger),
		Live:    NewLiveHandlers(store, hub, nil, logger),
		Health:  NewHealthHandlers(HealthHandlersConfig{Logger: logger}),
		Follows: NewFollowHandlers(store, follows, hub, nil, logger),
		Auth:    jwtSvc,
		Logger:  logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &testAPI{
		mux:     NewRouter(cfg),
		store:   store,
		service: service,
		hub:     hub,
		jwt:     jwtSvc,
		follows: follows,
	}
}

func (a *testAPI) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := a.jwt.GenerateAccessToken(userID)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	return tok
}

func (a *testAPI) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	a.mux.ServeHTTP(rr, req)
	return rr
}

func decodeJSON[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode body %q: %v", rr.Body.String(), err)
	}
	return v
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeJSON[ErrorResponse](t, rr).Error.Code
}

func TestListVenues(t *testing.T) {
	a := newTestAPI(t)
	harare := geo.Encode(testVenues[0].Location, 3)

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantIDs    []string
	}{
		{"all venues ordered by name", "", http.StatusOK, []string{"v-capetown", "v-pabloz", "v-tinroof"}},
		{"near prefix filters", "?near=" + harare, http.StatusOK, []string{"v-pabloz", "v-tinroof"}},
		{"near is case insensitive", "?near=" + strings.ToUpper(harare), http.StatusOK, []string{"v-pabloz", "v-tinroof"}},
		{"no match", "?near=zzzz", http.StatusOK, []string{}},
		{"invalid geohash", "?near=ai", http.StatusBadRequest, nil},
		{"too long", "?near=kv5b3f2", http.StatusBadRequest, nil},
		{"too long and outside alphabet", "?near=" + strings.Repeat("a", 4096), http.StatusBadRequest, nil},
		{"full precision", "?near=" + geo.Encode(testVenues[2].Location, geo.DefaultPrecision), http.StatusOK, []string{"v-capetown"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := a.do(t, http.MethodGet, "/venues"+tt.query, "", "")
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				if code := errorCode(t, rr); code != ErrCodeValidation {
					t.Errorf("code = %q, want %q", code, ErrCodeValidation)
				}
				return
			}
			resp := decodeJSON[VenueListResponse](t, rr)
			if resp.Count != len(tt.wantIDs) || len(resp.Venues) != len(tt.wantIDs) {
				t.Fatalf("got %d venues, want %d", len(resp.Venues), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if resp.Venues[i].ID != id {
					t.Errorf("venues[%d] = %s, want %s", i, resp.Venues[i].ID, id)
				}
			}
		})
	}
}

func TestGetVenue(t *testing.T) {
	a := newTestAPI(t)

	rr := a.do(t, http.MethodGet, "/venues/v-tinroof", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	v := decodeJSON[venue.Venue](t, rr)
	if v.LiveCount != 20 || v.VibeLabel != vibe.LabelNormal {
		t.Errorf("got count %d label %s, want 20 Normal", v.LiveCount, v.VibeLabel)
	}
	if v.GeofenceRadius != venue.DefaultGeofenceRadius {
		t.Errorf("radius = %v, want default %v", v.GeofenceRadius, venue.DefaultGeofenceRadius)
	}

	rr = a.do(t, http.MethodGet, "/venues/missing", "", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if code := errorCode(t, rr); code != ErrCodeNotFound {
		t.Errorf("code = %q, want %q", code, ErrCodeNotFound)
	}
}

func TestSubmitVibeReport(t *testing.T) {
	tests := []struct {
		name       string
		venueID    string
		body       string
		auth       bool
		wantStatus int
		wantCode   string
		wantCount  int64
	}{
		{"busy increments", "v-pabloz", `{"vibe":"busy"}`, true, http.StatusOK, "", 6},
		{"normal leaves count", "v-pabloz", `{"vibe":"Normal"}`, true, http.StatusOK, "", 5},
		{"quiet decrements", "v-pabloz", `{"vibe":"quiet"}`, true, http.StatusOK, "", 4},
		{"quiet at zero clamps", "v-capetown", `{"vibe":"quiet"}`, true, http.StatusOK, "", 0},
		{"unauthenticated", "v-pabloz", `{"vibe":"busy"}`, false, http.StatusUnauthorized, ErrCodeAuthFailed, 0},
		{"unknown label", "v-pabloz", `{"vibe":"Unknown"}`, true, http.StatusBadRequest, ErrCodeValidation, 0},
		{"malformed json", "v-pabloz", `{"vibe":`, true, http.StatusBadRequest, ErrCodeBadRequest, 0},
		{"unknown field", "v-pabloz", `{"vibe":"busy","count":9}`, true, http.StatusBadRequest, ErrCodeBadRequest, 0},
		{"unknown venue", "missing", `{"vibe":"busy"}`, true, http.StatusNotFound, ErrCodeNotFound, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAPI(t)
			token := ""
			if tt.auth {
				token = a.token(t, "user-1")
			}

			rr := a.do(t, http.MethodPost, "/venues/"+tt.venueID+"/vibe-reports", tt.body, token)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if tt.wantCode != "" {
				if code := errorCode(t, rr); code != tt.wantCode {
					t.Errorf("code = %q, want %q", code, tt.wantCode)
				}
				return
			}
			snap := decodeJSON[venue.Snapshot](t, rr)
			if snap.LiveCount != tt.wantCount {
				t.Errorf("live_count = %d, want %d", snap.LiveCount, tt.wantCount)
			}
		})
	}
}

func TestSubmitVibeReport_RecordsReporter(t *testing.T) {
	a := newTestAPI(t)

	rr := a.do(t, http.MethodPost, "/venues/v-pabloz/vibe-reports", `{"vibe":"busy"}`, a.token(t, "user-42"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	v, err := a.store.Get(context.Background(), "v-pabloz")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if v.LastReport == nil {
		t.Fatal("expected last report metadata")
	}
	if v.LastReport.UserID != "user-42" || v.LastReport.Label != vibe.LabelBusy {
		t.Errorf("last report = %+v, want user-42 Busy", v.LastReport)
	}
	if !v.LastReport.At.Equal(fixedNow) {
		t.Errorf("last report at = %v, want %v", v.LastReport.At, fixedNow)
	}
}

func TestRecordGeofenceEvent(t *testing.T) {
	a := newTestAPI(t)
	token := a.token(t, "device-1")

	// 20 is Normal; one enter crosses into Busy, one exit returns to Normal.
	steps := []struct {
		body       string
		wantStatus int
		wantCount  int64
		wantLabel  vibe.Label
	}{
		{`{"type":"enter"}`, http.StatusOK, 21, vibe.LabelBusy},
		{`{"type":"EXIT"}`, http.StatusOK, 20, vibe.LabelNormal},
		{`{"type":"linger"}`, http.StatusBadRequest, 0, ""},
	}

	for _, step := range steps {
		rr := a.do(t, http.MethodPost, "/venues/v-tinroof/geofence-events", step.body, token)
		if rr.Code != step.wantStatus {
			t.Fatalf("%s: status = %d, want %d", step.body, rr.Code, step.wantStatus)
		}
		if step.wantStatus != http.StatusOK {
			continue
		}
		snap := decodeJSON[venue.Snapshot](t, rr)
		if snap.LiveCount != step.wantCount || snap.Label != step.wantLabel {
			t.Errorf("%s: got %d %s, want %d %s", step.body, snap.LiveCount, snap.Label, step.wantCount, step.wantLabel)
		}
	}
}

// stubReporter returns a fixed error from every call.
type stubReporter struct {
	err error
}

func (s stubReporter) ReportVibe(context.Context, string, vibe.Signal) (venue.Snapshot, error) {
	return venue.Snapshot{}, s.err
}

func (s stubReporter) SubmitManualReport(context.Context, string, string, vibe.Label) (venue.Snapshot, error) {
	return venue.Snapshot{}, s.err
}

func TestVenueHandlers_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"conflict", venue.ErrTransactionConflict, http.StatusConflict, ErrCodeConflict},
		{"wrapped not found", errors.Join(errors.New("ctx"), venue.ErrNotFound), http.StatusNotFound, ErrCodeNotFound},
		{"unauthenticated", report.ErrUnauthenticated, http.StatusUnauthorized, ErrCodeAuthFailed},
		{"invalid label", vibe.ErrInvalidLabel, http.StatusBadRequest, ErrCodeValidation},
		{"store down", errors.New("connection reset"), http.StatusInternalServerError, ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAPI(t, func(cfg *RouterConfig) {
				cfg.Venues = NewVenueHandlers(cfg.Venues.repo, stubReporter{err: tt.err}, discardLogger())
			})

			rr := a.do(t, http.MethodPost, "/venues/v-pabloz/vibe-reports", `{"vibe":"busy"}`, a.token(t, "user-1"))
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if code := errorCode(t, rr); code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
			if tt.wantStatus == http.StatusConflict && rr.Header().Get("Retry-After") == "" {
				t.Error("expected Retry-After on conflict")
			}
		})
	}
}

func TestRouter_ReportRateLimit(t *testing.T) {
	a := newTestAPI(t, func(cfg *RouterConfig) {
		cfg.ReportLimiter = middleware.NewInMemoryRateLimitStore()
		cfg.ReportLimit = middleware.RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}
	})
	alice, bob := a.token(t, "alice"), a.token(t, "bob")

	for i := 0; i < 2; i++ {
		if rr := a.do(t, http.MethodPost, "/venues/v-pabloz/vibe-reports", `{"vibe":"busy"}`, alice); rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rr.Code)
		}
	}
	rr := a.do(t, http.MethodPost, "/venues/v-pabloz/vibe-reports", `{"vibe":"busy"}`, alice)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if code := errorCode(t, rr); code != ErrCodeRateLimited {
		t.Errorf("code = %q, want %q", code, ErrCodeRateLimited)
	}

	if rr := a.do(t, http.MethodPost, "/venues/v-pabloz/vibe-reports", `{"vibe":"busy"}`, bob); rr.Code != http.StatusOK {
		t.Errorf("other user status = %d, want 200", rr.Code)
	}
}

func TestRouter_IdempotentReport(t *testing.T) {
	a := newTestAPI(t, func(cfg *RouterConfig) {
		cfg.Idempotency = idempotency.NewInMemoryRepository()
	})
	token := a.token(t, "user-1")

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/venues/v-pabloz/vibe-reports", bytes.NewBufferString(`{"vibe":"busy"}`))
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set(middleware.IdempotencyKeyHeader, "retry-1")
		rr := httptest.NewRecorder()
		a.mux.ServeHTTP(rr, req)
		return rr
	}

	first, second := send(), send()
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("statuses = %d, %d, want 200, 200", first.Code, second.Code)
	}

	v, err := a.store.Get(context.Background(), "v-pabloz")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if v.LiveCount != 6 {
		t.Errorf("live_count = %d, want 6 (replay must not re-apply)", v.LiveCount)
	}
}

func TestRouter_RootAndUnknown(t *testing.T) {
	a := newTestAPI(t)

	rr := a.do(t, http.MethodGet, "/", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("GET / status = %d, want 200", rr.Code)
	}
	if got := decodeJSON[map[string]string](t, rr)["service"]; got != ServiceName {
		t.Errorf("service = %q, want %q", got, ServiceName)
	}

	rr = a.do(t, http.MethodGet, "/nope", "", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if code := errorCode(t, rr); code != ErrCodeNotFound {
		t.Errorf("code = %q, want %q", code, ErrCodeNotFound)
	}
}
