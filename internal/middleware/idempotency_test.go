package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/onnwee/boogie/internal/idempotency"
)

// failingRepo simulates an unavailable idempotency store.
type failingRepo struct{}

func (failingRepo) Get(context.Context, string) (*idempotency.Record, error) {
	return nil, errors.New("connection refused")
}

func (failingRepo) Store(context.Context, *idempotency.Record) error {
	return errors.New("connection refused")
}

// countingHandler counts calls and responds with status.
func countingHandler(calls *int, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"live_count":16}`))
	})
}

func postWithKey(userID, key string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/venues/v-1/vibe-reports", strings.NewReader(`{"vibe":"lit"}`))
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	if userID != "" {
		req = req.WithContext(SetUserID(req.Context(), userID))
	}
	return req
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestIdempotency_ReplaysSuccessfulResponse(t *testing.T) {
	var calls int
	metrics := NewMetrics()
	handler := Idempotency(idempotency.NewInMemoryRepository(), metrics, discardLogger())(countingHandler(&calls, http.StatusAccepted))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, postWithKey("user-1", "key-1"))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, postWithKey("user-1", "key-1"))

	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
	if second.Code != http.StatusAccepted {
		t.Errorf("replay status = %d, want 202", second.Code)
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replay body = %q, want %q", second.Body.String(), first.Body.String())
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Error("expected Idempotent-Replayed header on replay")
	}
	if got := counterVecValue(t, metrics.idempotentReplay, "/venues/{id}/vibe-reports"); got != 1 {
		t.Errorf("replays = %v, want 1", got)
	}
}

func TestIdempotency_ScopedPerUser(t *testing.T) {
	var calls int
	handler := Idempotency(idempotency.NewInMemoryRepository(), nil, discardLogger())(countingHandler(&calls, http.StatusAccepted))

	handler.ServeHTTP(httptest.NewRecorder(), postWithKey("user-1", "same-key"))
	handler.ServeHTTP(httptest.NewRecorder(), postWithKey("user-2", "same-key"))

	if calls != 2 {
		t.Errorf("handler called %d times, want 2", calls)
	}
}

func TestIdempotency_PassThrough(t *testing.T) {
	tests := []struct {
		name string
		req  func() *http.Request
	}{
		{"no key", func() *http.Request { return postWithKey("user-1", "") }},
		{"GET ignored", func() *http.Request {
			req := httptest.NewRequest(http.MethodGet, "/venues/v-1", nil)
			req.Header.Set(IdempotencyKeyHeader, "key-1")
			return req
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			handler := Idempotency(idempotency.NewInMemoryRepository(), nil, discardLogger())(countingHandler(&calls, http.StatusOK))
			handler.ServeHTTP(httptest.NewRecorder(), tt.req())
			handler.ServeHTTP(httptest.NewRecorder(), tt.req())
			if calls != 2 {
				t.Errorf("handler called %d times, want 2", calls)
			}
		})
	}
}

func TestIdempotency_FailedResponseNotStored(t *testing.T) {
	var calls int
	handler := Idempotency(idempotency.NewInMemoryRepository(), nil, discardLogger())(countingHandler(&calls, http.StatusConflict))

	handler.ServeHTTP(httptest.NewRecorder(), postWithKey("user-1", "key-1"))
	handler.ServeHTTP(httptest.NewRecorder(), postWithKey("user-1", "key-1"))

	if calls != 2 {
		t.Errorf("handler called %d times, want 2 (errors are retryable)", calls)
	}
}

func TestIdempotency_InvalidKeys(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		wantCode string
	}{
		{"too long", strings.Repeat("k", idempotency.MaxKeyLength+1), "idempotency_key_too_long"},
		{"non printable", "bad key", "invalid_idempotency_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			handler := Idempotency(idempotency.NewInMemoryRepository(), nil, discardLogger())(countingHandler(&calls, http.StatusOK))
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, postWithKey("user-1", tt.key))

			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rr.Code)
			}
			if !strings.Contains(rr.Body.String(), tt.wantCode) {
				t.Errorf("body %q missing code %q", rr.Body.String(), tt.wantCode)
			}
			if calls != 0 {
				t.Errorf("handler called %d times, want 0", calls)
			}
		})
	}
}

func TestIdempotency_StoreUnavailable(t *testing.T) {
	var calls int
	handler := Idempotency(failingRepo{}, nil, discardLogger())(countingHandler(&calls, http.StatusAccepted))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, postWithKey("user-1", "key-1"))

	if calls != 1 || rr.Code != http.StatusAccepted {
		t.Errorf("calls = %d status = %d, want request served", calls, rr.Code)
	}
}
