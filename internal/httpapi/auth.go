package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/posedge/fleet/pkg/logger"
)

type contextKey string

const operatorKey contextKey = "operator"

// operatorFrom returns the operator name the auth middleware extracted
// from the token subject, or empty when auth is disabled.
func operatorFrom(ctx context.Context) string {
	v, _ := ctx.Value(operatorKey).(string)
	return v
}

// authMiddleware validates HMAC-signed bearer tokens on mutating routes.
// An empty secret disables it so single-operator deployments and tests
// run without token plumbing.
type authMiddleware struct {
	secret []byte
	log    *logger.Logger
}

func newAuthMiddleware(secret string, log *logger.Logger) *authMiddleware {
	return &authMiddleware{secret: []byte(secret), log: log}
}

// Wrap enforces the bearer token and stashes the token subject as the
// acting operator.
func (m *authMiddleware) Wrap(next http.Handler) http.Handler {
	if len(m.secret) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(raw, "Bearer ") {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("missing bearer token"))
			return
		}
		tokenString := strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return m.secret, nil
		})
		if err != nil || !token.Valid {
			m.log.WithError(err).Debug("rejected bearer token")
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid token"))
			return
		}

		subject := ""
		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			subject, _ = claims.GetSubject()
		}
		ctx := context.WithValue(r.Context(), operatorKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
