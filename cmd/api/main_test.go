package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/boogie/internal/app"
	"github.com/onnwee/boogie/internal/auth"
	"github.com/onnwee/boogie/internal/config"
	"github.com/onnwee/boogie/internal/venue"
)

const (
	testSecret  = "test-secret-32-characters-long!!"
	pablozID    = "KszYnZDgXFs1RRJbUvsf"
	seedExample = "../../configs/venues.example.yaml"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                     8080,
		Env:                      "test",
		StoreBackend:             config.StoreMemory,
		VenueSeedFile:            seedExample,
		JWTSecret:                testSecret,
		VibeMaxRetries:           3,
		VibeRetryBaseMS:          1,
		VibeRetryMaxMS:           5,
		GeofenceMinDistanceM:     100,
		ReportRateLimitPerMinute: 2,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer wires the full handler on a seeded in-memory backend.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return newTestServerWithConfig(t, testConfig())
}

func newTestServerWithConfig(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	logger := discardLogger()

	backend, err := app.Open(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("app.Open: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	if err := app.SeedFromFile(context.Background(), backend.Store, cfg.VenueSeedFile, logger); err != nil {
		t.Fatalf("SeedFromFile: %v", err)
	}

	handler, stop, err := newHandler(cfg, backend, prometheus.NewRegistry(), logger)
	if err != nil {
		t.Fatalf("newHandler: %v", err)
	}
	t.Cleanup(stop)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func accessToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.NewJWTService(testSecret).GenerateAccessToken(userID)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	return token
}

func postReport(t *testing.T, srv *httptest.Server, token, vibe string) *http.Response {
	t.Helper()
	body := bytes.NewBufferString(`{"vibe":"` + vibe + `"}`)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/venues/"+pablozID+"/vibe-reports", body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST report: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandler_ListSeededVenues(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/venues")
	if err != nil {
		t.Fatalf("GET /venues: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID response header")
	}

	var list struct {
		Venues []venue.Venue `json:"venues"`
		Count  int           `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Count != 4 || len(list.Venues) != 4 {
		t.Fatalf("count = %d, want 4", list.Count)
	}
	if list.Venues[0].ID != pablozID {
		t.Errorf("first venue = %s, want %s", list.Venues[0].ID, pablozID)
	}
}

func TestHandler_ManualReportFlow(t *testing.T) {
	srv := newTestServer(t)

	if resp := postReport(t, srv, "", "busy"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	token := accessToken(t, "user-1")
	resp := postReport(t, srv, token, "busy")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var snap venue.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.LiveCount != 6 {
		t.Errorf("live_count = %d, want 6", snap.LiveCount)
	}

	// Limit is 2 per minute.
	if resp := postReport(t, srv, token, "quiet"); resp.StatusCode != http.StatusOK {
		t.Fatalf("second report status = %d, want 200", resp.StatusCode)
	}
	resp = postReport(t, srv, token, "quiet")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third report status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestHandler_FollowFlow(t *testing.T) {
	srv := newTestServer(t)
	token := accessToken(t, "user-1")

	do := func(method, path string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, srv.URL+path, nil)
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	if resp := do(http.MethodPut, "/venues/"+pablozID+"/follow"); resp.StatusCode != http.StatusCreated {
		t.Fatalf("follow status = %d, want 201", resp.StatusCode)
	}

	resp := do(http.MethodGet, "/me/following")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("following status = %d, want 200", resp.StatusCode)
	}
	var list struct {
		Venues []struct {
			VenueID string         `json:"venue_id"`
			Venue   venue.Snapshot `json:"venue"`
		} `json:"venues"`
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Count != 1 || list.Venues[0].VenueID != pablozID || list.Venues[0].Venue.VenueID != pablozID {
		t.Errorf("following = %+v, want only %s", list, pablozID)
	}

	if resp := do(http.MethodDelete, "/venues/"+pablozID+"/follow"); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unfollow status = %d, want 204", resp.StatusCode)
	}
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, resp.StatusCode)
		}
	}

	// Generate one instrumented request before scraping.
	resp, err := http.Get(srv.URL + "/venues/" + pablozID)
	if err != nil {
		t.Fatalf("GET venue: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{"http_requests_total", `route="/venues/{id}"`, "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestHandler_Profiling(t *testing.T) {
	tests := []struct {
		name       string
		enabled    bool
		env        string
		wantStatus int
	}{
		{"disabled", false, "development", http.StatusNotFound},
		{"enabled in development", true, "development", http.StatusOK},
		{"refused in production", true, "production", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.ProfilingEnabled = tt.enabled
			cfg.Env = tt.env
			srv := newTestServerWithConfig(t, cfg)

			resp, err := http.Get(srv.URL + "/debug/pprof/")
			if err != nil {
				t.Fatalf("GET /debug/pprof/: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestRun_GracefulShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cfg := testConfig()
	cfg.Port = port

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, discardLogger()) }()

	// Wait for the server to accept connections.
	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/health"
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("server did not start: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() error = %v, want nil after shutdown", err)
		}
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("run() did not return after cancellation")
	}
}

func TestRun_InvalidSeedFile(t *testing.T) {
	cfg := testConfig()
	cfg.VenueSeedFile = "does-not-exist.yaml"

	if err := run(context.Background(), cfg, discardLogger()); err == nil {
		t.Error("expected error for missing seed file")
	}
}
