package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/trapline/trapline/internal/auth"
)

// Context keys set by JWTAuth for downstream handlers.
const (
	CtxOperatorID = "operator_id"
	CtxOperator   = "operator"
	CtxRole       = "role"
)

const apiKeyHeader = "X-API-Key"

// JWTAuth validates the bearer token and stores the operator identity on
// the request context.
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}

		claims, err := auth.ValidateToken(secret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Set(CtxOperatorID, claims.UserID)
		c.Set(CtxOperator, claims.Username)
		c.Set(CtxRole, claims.Role)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}

// RequireRole gates a route on the authenticated operator's role. It must
// run after JWTAuth.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString(CtxRole)
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
	}
}

// APIKeyAuth guards break-glass endpoints with a static pre-shared key.
// With no key configured the endpoints are disabled outright rather than
// left open.
func APIKeyAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			slog.Warn("Admin endpoint disabled: no API key configured",
				"path", c.Request.URL.Path, "client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "admin API disabled"})
			return
		}

		provided := c.GetHeader(apiKeyHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			slog.Warn("Rejected admin API key",
				"path", c.Request.URL.Path, "client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}

		c.Next()
	}
}
