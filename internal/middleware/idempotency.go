package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/boogie/internal/idempotency"
)

// IdempotencyKeyHeader is the HTTP header name for idempotency keys.
const IdempotencyKeyHeader = "Idempotency-Key"

// idempotencyKeyContextKey is the context key for storing the idempotency key.
type idempotencyKeyContextKey struct{}

// idempotencyResponseWriter is a custom response writer that captures the response.
type idempotencyResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
	written    bool
}

// newIdempotencyResponseWriter creates a new idempotency response writer.
func newIdempotencyResponseWriter(w http.ResponseWriter) *idempotencyResponseWriter {
	return &idempotencyResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		body:           &bytes.Buffer{},
	}
}

// WriteHeader captures the status code.
func (w *idempotencyResponseWriter) WriteHeader(statusCode int) {
	if w.written {
		return
	}
	w.statusCode = statusCode
	w.written = true
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write captures the response body.
func (w *idempotencyResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.body.Write(b[:n])
	return n, err
}

// SetIdempotencyKey stores the idempotency key in the context.
func SetIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyContextKey{}, key)
}

// GetIdempotencyKey retrieves the idempotency key from context. Returns empty string if not present.
func GetIdempotencyKey(ctx context.Context) string {
	if key, ok := ctx.Value(idempotencyKeyContextKey{}).(string); ok {
		return key
	}
	return ""
}

// Idempotency returns a middleware that replays the stored response when a
// POST carries an Idempotency-Key the same user has already used. Requests
// without the header pass through unchanged. Only 2xx responses are stored,
// so a failed write can be retried with the same key.
//
// Keys are scoped by the authenticated user ID, so the middleware belongs
// after RequireAuth. metrics may be nil.
func Idempotency(repo idempotency.Repository, metrics *Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if err := idempotency.ValidateKey(key); err != nil {
				code, message := "invalid_idempotency_key", "Invalid Idempotency-Key format"
				if errors.Is(err, idempotency.ErrKeyTooLong) {
					code = "idempotency_key_too_long"
					message = "Idempotency-Key exceeds maximum length of 64 characters"
				}
				SetErrorCode(r.Context(), code)
				writeJSONError(w, http.StatusBadRequest, code, message)
				return
			}

			ctx := SetIdempotencyKey(r.Context(), key)
			r = r.WithContext(ctx)
			scoped := idempotency.ScopedKey(GetUserID(ctx), key)

			existing, err := repo.Get(ctx, scoped)
			switch {
			case err == nil:
				logger.InfoContext(ctx, "idempotency key found, returning cached response",
					slog.String("route", existing.Route),
					slog.Int("status", existing.StatusCode),
				)
				if metrics != nil {
					metrics.IncIdempotentReplay(normalizePath(r.URL.Path))
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(IdempotentReplayedHeader, "true")
				w.WriteHeader(existing.StatusCode)
				_, _ = io.WriteString(w, existing.Body)
				return
			case !errors.Is(err, idempotency.ErrKeyNotFound):
				// Storage is unavailable; serve the request without replay protection.
				logger.ErrorContext(ctx, "failed to check idempotency key", slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			}

			captureWriter := newIdempotencyResponseWriter(w)
			next.ServeHTTP(captureWriter, r)

			if captureWriter.statusCode < 200 || captureWriter.statusCode >= 300 {
				return
			}

			record := &idempotency.Record{
				Key:        scoped,
				Route:      r.URL.Path,
				StatusCode: captureWriter.statusCode,
				Body:       captureWriter.body.String(),
			}
			if err := repo.Store(context.WithoutCancel(ctx), record); err != nil {
				// Response is already sent.
				logger.ErrorContext(ctx, "failed to store idempotency key", slog.String("error", err.Error()))
			}
		})
	}
}
