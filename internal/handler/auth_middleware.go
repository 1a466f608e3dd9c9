package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"attendance-service/internal/config"
)

type contextKey string

const subjectKey contextKey = "auth_subject"

var errNoSubject = errors.New("no authenticated subject in context")

// AuthMiddleware validates the opaque bearer credential presented by
// claimant devices. Server-side it is an HS256 JWT whose subject identifies
// the student; the protocol core on the client never inspects it.
type AuthMiddleware struct {
	secret []byte
	logger *zap.Logger
}

func NewAuthMiddleware(cfg *config.AuthConfig, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		secret: []byte(cfg.JWTSecret),
		logger: logger,
	}
}

// Require rejects requests without a valid bearer token and stores the
// token subject in the request context
func (m *AuthMiddleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeJSON(w, http.StatusUnauthorized, errorResponse(errors.New("missing bearer token"), "authentication required"))
			return
		}

		subject, err := m.parseSubject(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			m.logger.Debug("Rejected bearer token", zap.Error(err))
			writeJSON(w, http.StatusUnauthorized, errorResponse(errors.New("invalid bearer token"), "authentication required"))
			return
		}

		ctx := context.WithValue(r.Context(), subjectKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) parseSubject(raw string) (string, error) {
	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return "", err
	}

	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", errors.New("token has no subject")
	}
	return subject, nil
}

// Subject extracts the authenticated subject from the request context
func Subject(ctx context.Context) (string, error) {
	subject, ok := ctx.Value(subjectKey).(string)
	if !ok || subject == "" {
		return "", errNoSubject
	}
	return subject, nil
}
