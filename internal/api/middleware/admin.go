package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type contextKey string

const adminSubjectKey contextKey = "admin_subject"

// DefaultAdminTokenTTL is the lifetime of a minted admin token.
const DefaultAdminTokenTTL = 24 * time.Hour

const adminIssuer = "callroute"

// AdminClaims holds the JWT claims accepted on the admin API.
type AdminClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

const adminScope = "mapping:admin"

// GenerateAdminToken creates a signed HS256 JWT for the admin API.
func GenerateAdminToken(secret []byte, subject string, ttl time.Duration) (string, time.Time, error) {
	if len(secret) == 0 {
		return "", time.Time{}, errors.New("admin token secret is empty")
	}
	if subject == "" {
		return "", time.Time{}, errors.New("admin token subject is empty")
	}
	if ttl <= 0 {
		ttl = DefaultAdminTokenTTL
	}
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := AdminClaims{
		Scope: adminScope,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    adminIssuer,
			Subject:   subject,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// RequireAdminAuth returns middleware that validates bearer JWTs on the
// admin API. On success the token subject is stored in the request context.
func RequireAdminAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims := &AdminClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				slog.Debug("admin_token_invalid", "error", err)
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			if claims.Scope != adminScope || claims.Issuer != adminIssuer || claims.Subject == "" {
				writeError(w, http.StatusForbidden, "insufficient token scope")
				return
			}

			ctx := context.WithValue(r.Context(), adminSubjectKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminSubjectFromContext returns the authenticated admin subject, or "".
func AdminSubjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(adminSubjectKey).(string)
	return s
}
