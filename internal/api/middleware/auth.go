package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// APIKeyAuth authenticates clients against the configured key list. The list
// is re-read on every request so configuration reloads take effect without
// rebuilding the router. An empty list leaves the relay open.
//
// Credentials are accepted from the Authorization bearer header, the
// x-api-key and x-goog-api-key headers, and the key/auth_token query
// parameters, mirroring what OpenAI and Gemini client libraries send.
func APIKeyAuth(keys func() []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		configured := keySet(keys())
		if len(configured) == 0 {
			c.Next()
			return
		}

		candidates := []string{
			extractBearerToken(c.GetHeader("Authorization")),
			c.GetHeader("X-Api-Key"),
			c.GetHeader("X-Goog-Api-Key"),
			c.Query("key"),
			c.Query("auth_token"),
		}

		presented := false
		for _, candidate := range candidates {
			if candidate == "" {
				continue
			}
			presented = true
			if _, ok := configured[candidate]; ok {
				c.Next()
				return
			}
		}

		message := "invalid API key"
		if !presented {
			message = "missing API key"
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{
				"message": message,
				"type":    "authentication_error",
				"code":    "invalid_api_key",
			},
		})
	}
}

func keySet(keys []string) map[string]struct{} {
	if len(keys) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	return set
}

// extractBearerToken strips the Bearer scheme from an Authorization header.
// Headers without a recognizable scheme are treated as the raw key, which
// matches how permissive clients send them.
func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return header
	}
	if !strings.EqualFold(parts[0], "bearer") {
		return header
	}
	return strings.TrimSpace(parts[1])
}
