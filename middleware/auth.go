package middleware

import (
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/gin-gonic/gin"

	"github.com/lmbridge/lmbridge/common/config"
)

// Auth enforces the configured bridge API key on client-facing endpoints.
// Requests for models bound to a direct upstream are exempt: those carry
// their own upstream credentials and the browser tab never sees them.
func Auth(store *config.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		settings := store.Snapshot()
		if settings == nil || settings.APIKey == "" {
			c.Next()
			return
		}

		if modelName := getRequestModel(c); modelName != "" {
			if bindings, ok := store.Endpoint(modelName); ok && len(bindings) > 0 {
				kind := bindings[0].Kind()
				if kind == config.BindingDirectAPI || kind == config.BindingGeminiNative {
					c.Next()
					return
				}
			}
		}

		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			AbortWithError(c, 401, errors.New("missing API key, provide it as 'Bearer YOUR_KEY' in the Authorization header"))
			return
		}
		if strings.TrimPrefix(header, "Bearer ") != settings.APIKey {
			AbortWithError(c, 401, errors.New("invalid API key"))
			return
		}
		c.Next()
	}
}
