// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides bearer-token authentication for the REST endpoints.
// The WebSocket endpoints authenticate separately at handshake time (the
// token travels as a query parameter there), but both paths verify against
// the same configured secret and produce the same principal identity.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ctxKeyUserID is the Gin context key under which the authenticated principal
// (phone) is stored. Handlers read it via UserID.
const ctxKeyUserID = "userID"

// Verifier validates a bearer credential and returns the principal identity.
type Verifier interface {
	Verify(token string) (string, error)
}

// UserID returns the authenticated principal stored by RequireAuth. The
// second return value indicates presence.
func UserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyUserID)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// RequireAuth verifies the Authorization bearer token and stashes the
// principal identity in the context. Missing or invalid credentials abort
// with 401; authentication failures are never retried server-side.
func RequireAuth(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("Authorization"))
		token := strings.TrimPrefix(raw, "Bearer ")
		if token == raw {
			// No Bearer scheme; some clients send the bare token.
			token = raw
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "unauthorized",
				"message": "missing credentials",
			})
			return
		}

		phone, err := v.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "unauthorized",
				"message": "invalid credentials",
			})
			return
		}

		c.Set(ctxKeyUserID, phone)
		c.Next()
	}
}
