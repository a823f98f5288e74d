package utils

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// BuildFullURL constructs an absolute URL for path from the request,
// honouring X-Forwarded-Proto behind a reverse proxy.
func BuildFullURL(c *gin.Context, path string) string {
	scheme := "https"
	if c.Request.TLS == nil {
		if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "http"
		}
	}
	return scheme + "://" + c.Request.Host + "/" + strings.TrimPrefix(path, "/")
}
