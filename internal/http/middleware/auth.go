// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides the bearer-token guard for job routes. Every route
// except token issuance, token pickup, and the health/ops surface requires
// Authorization: Bearer <secret>; the validated secret and its client
// identifier are stored in the Gin context for handlers and downstream
// middleware (rate-limit keying, access logs).
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pagewatch/pagewatch-runner/internal/domain"
	"github.com/pagewatch/pagewatch-runner/internal/services"
)

// TokenValidator is the slice of the token service the guard needs.
type TokenValidator interface {
	Validate(secret string) (*domain.Token, error)
}

// BearerToken returns a middleware that authenticates requests against the
// token authority. Missing, malformed, unknown, and expired credentials all
// yield 401 with a machine-readable code; expired tokens are distinguished
// so the extension knows to re-verify rather than retry.
func BearerToken(tokens TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := bearerSecret(c.GetHeader("Authorization"))
		if secret == "" {
			unauthorized(c, "token_missing", "missing bearer token")
			return
		}

		tok, err := tokens.Validate(secret)
		if err != nil {
			if errors.Is(err, services.ErrTokenExpired) {
				unauthorized(c, "token_expired", "token expired; re-verification required")
				return
			}
			unauthorized(c, "token_invalid", "invalid token")
			return
		}

		c.Set(tokenSecretKey, secret)
		c.Set(clientIDKey, tok.ClientID)
		c.Next()
	}
}

// TokenSecret returns the validated bearer secret stored by BearerToken.
func TokenSecret(c *gin.Context) string {
	return asString(mustGet(c, tokenSecretKey))
}

// ClientID returns the authenticated client identifier stored by BearerToken.
func ClientID(c *gin.Context) string {
	return asString(mustGet(c, clientIDKey))
}

// bearerSecret extracts the credential from an Authorization header value.
func bearerSecret(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func unauthorized(c *gin.Context, code, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       code,
		"message":    msg,
	})
}
