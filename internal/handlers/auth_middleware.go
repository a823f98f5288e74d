package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// RequireAPIKey middleware validates a Bearer key against bcrypt hashes.
// With no hashes configured every request passes.
func RequireAPIKey(hashes []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(hashes) == 0 {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization format. Use 'Bearer <api_key>'"})
			c.Abort()
			return
		}

		apiKey := strings.TrimPrefix(authHeader, "Bearer ")
		if len(apiKey) < 10 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key format"})
			c.Abort()
			return
		}

		for i, hash := range hashes {
			if bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey)) == nil {
				c.Set("api_key_index", i)
				c.Next()
				return
			}
		}

		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
		c.Abort()
	}
}

// GenerateAPIKey creates a key named <app>_<environment>_<random> and the
// bcrypt hash to put in API_KEY_HASHES.
func GenerateAPIKey(appName, environment string) (string, string, error) {
	randomBytes := make([]byte, 16)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", err
	}

	sanitize := func(s string) string {
		return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "-"))
	}
	fullKey := fmt.Sprintf("%s_%s_%s", sanitize(appName), sanitize(environment), hex.EncodeToString(randomBytes))

	keyHash, err := bcrypt.GenerateFromPassword([]byte(fullKey), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return fullKey, string(keyHash), nil
}
