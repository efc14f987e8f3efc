package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	echo "github.com/labstack/echo/v5"
)

// userIDKey is the echo context key holding the authenticated user id.
const userIDKey = "user_id"

// devUser is the identity assumed in dev mode when no X-User-ID header is
// sent.
const devUser = "local"

// authMiddleware resolves the caller's identity and stores it in the
// request context. Requests without a usable identity get a 401.
func (s *Server) authMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			user, err := s.authenticate(c.Request())
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}
			c.Set(userIDKey, user)
			return next(c)
		}
	}
}

// currentUser returns the authenticated user id set by authMiddleware.
func currentUser(c *echo.Context) string {
	user, _ := c.Get(userIDKey).(string)
	return user
}

// authenticate extracts the caller identity from the request.
//
// With a configured secret the identity is the `sub` claim of the bearer
// token, accepted from the Authorization header or a `token` query
// parameter (WebSocket clients cannot set headers). Without a secret the
// server runs in dev mode and trusts X-User-ID, defaulting to "local".
func (s *Server) authenticate(r *http.Request) (string, error) {
	if s.auth.DevMode() {
		if user := r.Header.Get("X-User-ID"); user != "" {
			return user, nil
		}
		return devUser, nil
	}

	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return s.parseToken(token)
}

// parseToken validates the JWT signature and returns its subject.
func (s *Server) parseToken(raw string) (string, error) {
	claims := jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(s.auth.Secret), nil
	}, jwt.WithValidMethods([]string{s.auth.Algorithm}))
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// bearerToken returns the token from an "Authorization: Bearer ..." header,
// or "" when absent or malformed.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
