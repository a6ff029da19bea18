package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/forgeline/foreman/internal/crypto"
)

// RequireAuth validates bearer tokens on every request. The server only
// installs it when an auth secret is configured.
func RequireAuth(jwtManager *crypto.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}

		// Expected format: "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		claims, err := jwtManager.VerifyToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set("subject", claims.Subject)
		c.Set("claims", claims)
		c.Next()
	}
}

// GetSubject extracts the authenticated subject from the Gin context.
func GetSubject(c *gin.Context) (string, bool) {
	subject, exists := c.Get("subject")
	if !exists {
		return "", false
	}
	return subject.(string), true
}
