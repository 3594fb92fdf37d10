package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type contextKey string

const userContextKey contextKey = "user"

// AuthMiddleware verifies JWT bearer tokens issued by the session layer and
// resolves the owning user id. Session issuance itself lives outside this
// service; here a token is only ever checked, never minted.
type AuthMiddleware struct {
	secret []byte
}

// NewAuthMiddleware creates an auth middleware with the shared signing secret.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	return &AuthMiddleware{secret: []byte(secret)}
}

// RequireAuth rejects requests without a valid bearer token and stores the
// authenticated user id in the request context.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			jsonError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		tokenString := header
		if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
			tokenString = header[7:]
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			return m.secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			jsonError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			jsonError(w, http.StatusUnauthorized, "invalid token claims")
			return
		}

		sub, ok := claims["sub"].(string)
		if !ok {
			jsonError(w, http.StatusUnauthorized, "missing subject claim")
			return
		}

		userID, err := uuid.Parse(sub)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid user id in token")
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithUser returns a context carrying the given user id, as RequireAuth would
// have set it.
func WithUser(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, userContextKey, id)
}

// GetUserFromContext returns the authenticated user id, or uuid.Nil when the
// request was not authenticated.
func GetUserFromContext(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(userContextKey).(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`))
}
