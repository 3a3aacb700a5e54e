package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kocbridge/escrow/internal/logging"
)

// ContextKeyActor is the gin context key holding the authenticated Actor.
const ContextKeyActor = "authActor"

// Middleware authenticates "Authorization: Bearer <jwt>" when present.
// Requests without a valid token continue unauthenticated; RequireAuth
// rejects them.
func Middleware(tokens *Tokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if ok && raw != "" {
			if actor, err := tokens.Verify(raw); err == nil {
				c.Set(ContextKeyActor, actor)
				ctx := WithActor(c.Request.Context(), actor)
				ctx = logging.WithActorID(ctx, actor.ID)
				c.Request = c.Request.WithContext(ctx)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without an authenticated actor.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetActor(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects authenticated actors whose role is not listed.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := GetActor(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		for _, r := range roles {
			if actor.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Role " + string(actor.Role) + " may not perform this action.",
		})
	}
}

// GetActor returns the authenticated actor.
func GetActor(c *gin.Context) (Actor, bool) {
	v, ok := c.Get(ContextKeyActor)
	if !ok {
		return Actor{}, false
	}
	actor, ok := v.(Actor)
	return actor, ok
}
