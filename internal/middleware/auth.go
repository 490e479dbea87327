package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/boogie/internal/auth"
)

// TokenValidator validates bearer access tokens.
type TokenValidator interface {
	ValidateAccessToken(token string) (*auth.Claims, error)
}

// RequireAuth rejects requests without a valid Bearer access token with
// 401 auth_failed. On success the token subject is stored with SetUserID.
func RequireAuth(validator TokenValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				SetErrorCode(r.Context(), "auth_failed")
				w.Header().Set("WWW-Authenticate", `Bearer realm="boogie"`)
				writeJSONError(w, http.StatusUnauthorized, "auth_failed", "Missing bearer token")
				return
			}

			claims, err := validator.ValidateAccessToken(token)
			if err != nil {
				message := "Invalid token"
				if errors.Is(err, auth.ErrExpiredToken) {
					message = "Token has expired"
				}
				logger.DebugContext(r.Context(), "rejected access token", slog.String("error", err.Error()))
				SetErrorCode(r.Context(), "auth_failed")
				w.Header().Set("WWW-Authenticate", `Bearer realm="boogie", error="invalid_token"`)
				writeJSONError(w, http.StatusUnauthorized, "auth_failed", message)
				return
			}

			ctx := SetUserID(r.Context(), claims.UserID())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
