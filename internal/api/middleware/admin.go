package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// adminIssuer is the issuer of admin API tokens.
const adminIssuer = "storyline"

// AdminClaims holds the JWT claims of an admin API token.
type AdminClaims struct {
	jwt.RegisteredClaims
}

// GenerateAdminToken creates a signed admin API token for subject.
func GenerateAdminToken(secret []byte, subject string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    adminIssuer,
			Subject:   subject,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// RequireAdminToken returns middleware that validates HS256 bearer tokens
// on the admin API. A nil secret leaves the API open.
func RequireAdminToken(secret []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			scheme, tokenString, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") {
				writeError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims := &AdminClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				logger.Debug("admin auth: invalid jwt", "error", err)
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			if claims.Issuer != adminIssuer || claims.Subject == "" {
				writeError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
