package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthMiddleware verifies the request's bearer token against the configured
// token list. With no tokens configured every request is allowed.
func AuthMiddleware(tokens []string, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(tokens) == 0 {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		presented, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || presented == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"status":  "false",
				"code":    http.StatusUnauthorized,
				"message": "missing bearer token",
			})
			return
		}

		for _, token := range tokens {
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1 {
				c.Next()
				return
			}
		}

		logger.Warn("Rejected request with invalid token",
			zap.String("client_ip", c.ClientIP()),
			zap.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"status":  "false",
			"code":    http.StatusUnauthorized,
			"message": "invalid bearer token",
		})
	}
}
