package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/gigescrow/internal/logging"
)

const (
	// ContextKeySession holds the *Session of an authenticated request.
	ContextKeySession = "authSession"
	// ContextKeyUserID holds the authenticated user id.
	ContextKeyUserID = "authUserID"
)

// Middleware resolves the bearer token, if any, into the gin and request
// contexts. Requests without a valid token pass through unauthenticated.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearer(c.GetHeader("Authorization"))
		if raw != "" {
			if s, err := m.Verify(raw); err == nil {
				c.Set(ContextKeySession, s)
				c.Set(ContextKeyUserID, s.UserID)
				c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), s.UserID))
			}
		}
		c.Next()
	}
}

// RequireAuth rejects unauthenticated requests with 401.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(ContextKeySession); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"details": "session token required",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects sessions without the admin claim with 403.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := GetSession(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"details": "session token required",
			})
			return
		}
		if !s.Admin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"details": "admin session required",
			})
			return
		}
		c.Next()
	}
}

// GetSession returns the session of an authenticated request.
func GetSession(c *gin.Context) (*Session, bool) {
	v, ok := c.Get(ContextKeySession)
	if !ok {
		return nil, false
	}
	s, ok := v.(*Session)
	return s, ok
}

// UserID returns the authenticated user id, or "".
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

func bearer(h string) string {
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
