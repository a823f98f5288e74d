package utils

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ProfileSlug derives the stored profile id from a profile URL: the last
// path segment with any query string removed.
func ProfileSlug(profileURL string) string {
	trimmed := strings.TrimSpace(profileURL)
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	trimmed = strings.Trim(trimmed, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return trimmed
}

var userSlugPattern = regexp.MustCompile(`/in/([^/?#]+)`)

// LinkedInUserSlug returns the member slug of a /in/<slug> URL, or "".
func LinkedInUserSlug(profileURL string) string {
	m := userSlugPattern.FindStringSubmatch(profileURL)
	if m == nil {
		return ""
	}
	return m[1]
}

// ArtifactFilename creates a descriptive filename for artifact downloads
// in the form YYYY-MM-DD_downcased_url.ext.
func ArtifactFilename(createdAt time.Time, sourceURL, extension string) string {
	date := createdAt.Format("2006-01-02")

	name := strings.ToLower(sourceURL)
	name = strings.TrimPrefix(name, "https://")
	name = strings.TrimPrefix(name, "http://")
	name = strings.TrimPrefix(name, "www.")
	name = strings.NewReplacer(
		"/", "_",
		"?", "_",
		"&", "_",
		"=", "_",
		"#", "_",
		":", "_",
		";", "_",
		" ", "_",
		"+", "_",
		"%", "_",
		".", "_",
		`"`, "_",
	).Replace(name)
	name = strings.Trim(name, "_/")
	if len(name) > 50 {
		name = name[:50]
	}
	if name == "" {
		name = "artifact"
	}

	extension = strings.TrimPrefix(extension, ".")
	return fmt.Sprintf("%s_%s.%s", date, name, extension)
}
