package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"browserd/internal/automation"
	"browserd/internal/storage"
	"browserd/internal/utils"
)

// ServeArtifact streams a stored screenshot or snapshot. MHTML snapshots are
// downloads unless ?format=html asks for a rendered page.
func ServeArtifact(c *gin.Context, artifacts storage.Storage) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" || strings.Contains(key, "..") {
		c.Status(http.StatusNotFound)
		return
	}

	r, err := artifacts.Reader(key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		slog.Error("Failed to open artifact", "key", key, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}
	defer r.Close()

	ct := automation.ContentTypeForKey(key)
	if ct == "multipart/related" && c.Query("format") == "html" {
		serveMHTMLAsHTML(c, key, r)
		return
	}

	c.Header("Content-Type", ct)
	// Explicitly clear any automatic content-encoding detection
	c.Header("Content-Encoding", "")
	c.Header("ETag", fmt.Sprintf("\"%s\"", key))
	if !strings.HasPrefix(ct, "image/") {
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", artifactFilename(key)))
	}
	c.Status(http.StatusOK)

	if _, err := io.Copy(c.Writer, r); err != nil {
		// Headers are already sent; the client sees a truncated body.
		slog.Warn("Error streaming artifact", "key", key, "error", err)
	}
}

func serveMHTMLAsHTML(c *gin.Context, key string, r io.Reader) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	slog.Debug("Converting MHTML to HTML", "key", key)

	var converter utils.MHTMLConverter
	if err := converter.Convert(r, c.Writer); err != nil {
		slog.Error("MHTML conversion error", "key", key, "error", err)
		c.String(http.StatusInternalServerError, "MHTML conversion failed: %v", err)
	}
}

// artifactFilename names a download after the kind and date path of its
// key, kind/YYYY/MM/DD/id.ext.
func artifactFilename(key string) string {
	dir, base := path.Split(key)
	ext := path.Ext(base)
	name := strings.TrimSuffix(base, ext)
	created := time.Now()
	if parts := strings.Split(strings.Trim(dir, "/"), "/"); len(parts) >= 4 {
		if t, err := time.Parse("2006/01/02", strings.Join(parts[len(parts)-3:], "/")); err == nil {
			created = t
		}
		name = parts[0] + "/" + name
	}
	return utils.ArtifactFilename(created, name, ext)
}
