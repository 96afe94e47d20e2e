package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"gopherchat/internal/pkg/jwtutil"
	"gopherchat/internal/transport/http/response"
)

const (
	ContextOwnerIDKey  = "owner_id"
	ContextUsernameKey = "username"
)

// AuthJWT rejects the request with 401 unless it carries a valid bearer
// token, and stores the token subject as the owner id.
func AuthJWT(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
		if authHeader == "" {
			response.Error(c, 401, response.CodeUnauthorized, "missing authorization header")
			c.Abort()
			return
		}

		const prefix = "Bearer "
		if !strings.HasPrefix(authHeader, prefix) {
			response.Error(c, 401, response.CodeUnauthorized, "invalid authorization scheme")
			c.Abort()
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
		claims, err := jwtutil.ParseToken(secret, token)
		if err != nil {
			response.Error(c, 401, response.CodeUnauthorized, "invalid or expired token")
			c.Abort()
			return
		}

		c.Set(ContextOwnerIDKey, claims.Subject)
		c.Set(ContextUsernameKey, claims.Username)
		c.Next()
	}
}

// OwnerID returns the authenticated owner id set by AuthJWT.
func OwnerID(c *gin.Context) (string, bool) {
	ownerID := c.GetString(ContextOwnerIDKey)
	return ownerID, ownerID != ""
}
