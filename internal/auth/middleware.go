package auth

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fiatbridge/internal/logging"
)

// ContextKeyIdentity is the gin context key holding the caller's Identity.
const ContextKeyIdentity = "authIdentity"

// Syncer records a newly seen identity (e.g. so transfers can address the
// user by email). Called once per user per process.
type Syncer func(ctx context.Context, id Identity) error

// Middleware verifies the bearer token and stores the Identity in context.
// Requests without a valid token pass through unauthenticated.
func Middleware(m *Manager, syncer Syncer) gin.HandlerFunc {
	var seen seenUsers
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}
		id, err := m.Verify(header)
		if err != nil {
			logging.L(c.Request.Context()).Debug("token rejected", "error", err)
			c.Next()
			return
		}
		if syncer != nil && seen.first(id.UserID) {
			if err := syncer(c.Request.Context(), id); err != nil {
				seen.forget(id.UserID)
				logging.L(c.Request.Context()).Warn("identity sync failed", "user_id", id.UserID, "error", err)
			}
		}
		c.Set(ContextKeyIdentity, id)
		c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), id.UserID))
		c.Next()
	}
}

// RequireAuth rejects requests without a verified identity.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetIdentity(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <jwt>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects callers without the admin role.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := GetIdentity(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		if !id.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin role required.",
			})
			return
		}
		c.Next()
	}
}

// GetIdentity returns the verified caller, if any.
func GetIdentity(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(ContextKeyIdentity)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// seenUsers tracks which users were already synced.
type seenUsers struct {
	m sync.Map
}

func (s *seenUsers) first(userID string) bool {
	_, loaded := s.m.LoadOrStore(userID, struct{}{})
	return !loaded
}

func (s *seenUsers) forget(userID string) { s.m.Delete(userID) }
