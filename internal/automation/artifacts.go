package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"path"
	"time"

	"browserd/internal/executor"
	"browserd/internal/pool"
	"browserd/internal/storage"

	"github.com/HugoSmits86/nativewebp"
	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
)

// webpMaxDimension is the largest side length WebP can encode.
const webpMaxDimension = 16383

// Artifact describes a blob a handler stored.
type Artifact struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

// ContentTypeForKey maps an artifact key back to its content type.
func ContentTypeForKey(key string) string {
	switch path.Ext(key) {
	case ".webp":
		return "image/webp"
	case ".jpg":
		return "image/jpeg"
	case ".mhtml":
		return "multipart/related"
	default:
		return "application/octet-stream"
	}
}

func artifactKey(kind, ext string) string {
	return fmt.Sprintf("%s/%s/%s%s", kind, time.Now().UTC().Format("2006/01/02"), uuid.NewString(), ext)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// store streams write into a new blob under key and returns the bytes written.
func store(s storage.Storage, key string, write func(io.Writer) error) (int64, error) {
	w, err := s.Writer(key)
	if err != nil {
		return 0, fmt.Errorf("open artifact %s: %w", key, err)
	}
	cw := &countingWriter{w: w}
	if err := write(cw); err != nil {
		w.Close()
		s.Delete(key)
		return 0, err
	}
	if err := w.Close(); err != nil {
		s.Delete(key)
		return 0, fmt.Errorf("close artifact %s: %w", key, err)
	}
	return cw.n, nil
}

// selectImageFormat uses JPEG for images WebP cannot hold.
func selectImageFormat(img image.Image) (ext, contentType string) {
	b := img.Bounds()
	if b.Dy() > webpMaxDimension || b.Dx() > webpMaxDimension {
		return ".jpg", "image/jpeg"
	}
	return ".webp", "image/webp"
}

func encodeImage(w io.Writer, img image.Image, contentType string) error {
	if contentType == "image/jpeg" {
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 85})
	}
	return nativewebp.Encode(w, img, nil)
}

// Screenshot stores a full-page screenshot of url.
func (h *Handlers) Screenshot(ctx context.Context, bctx pool.Context, payload json.RawMessage) (json.RawMessage, error) {
	req := pageRequest{FullLoad: true}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	url, err := h.open(ctx, bctx, &req)
	if err != nil {
		return nil, err
	}
	logWriter := executor.LogWriter(ctx)
	page := bctx.Page()

	if _, err := page.Evaluate(`() => window.scrollTo(0, 0)`); err != nil {
		fmt.Fprintf(logWriter, "Warning: Could not scroll to top before screenshot: %v\n", err)
	}

	fmt.Fprintf(logWriter, "Taking full-page screenshot...\n")
	data, err := page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(true),
		Type:     playwright.ScreenshotTypePng,
		Timeout:  timeoutMS(ctx, 60*time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("take screenshot: %w", err)
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	ext, contentType := selectImageFormat(img)
	fmt.Fprintf(logWriter, "Screenshot %v, encoding as %s\n", img.Bounds().Size(), contentType)

	key := artifactKey("screenshots", ext)
	size, err := store(h.artifacts, key, func(w io.Writer) error {
		return encodeImage(w, img, contentType)
	})
	if err != nil {
		return nil, err
	}
	h.log.Debug("stored screenshot", "key", key, "size", size, "url", url)

	return json.Marshal(Artifact{
		Key:         key,
		URL:         url,
		ContentType: contentType,
		Size:        size,
		Width:       img.Bounds().Dx(),
		Height:      img.Bounds().Dy(),
	})
}

// MHTML stores a single-file snapshot of url captured over CDP.
func (h *Handlers) MHTML(ctx context.Context, bctx pool.Context, payload json.RawMessage) (json.RawMessage, error) {
	req := pageRequest{FullLoad: true}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	url, err := h.open(ctx, bctx, &req)
	if err != nil {
		return nil, err
	}
	logWriter := executor.LogWriter(ctx)
	page := bctx.Page()

	fmt.Fprintf(logWriter, "Capturing MHTML snapshot...\n")
	session, err := page.Context().NewCDPSession(page)
	if err != nil {
		return nil, fmt.Errorf("create CDP session: %w", err)
	}
	defer session.Detach()

	result, err := session.Send("Page.captureSnapshot", map[string]interface{}{"format": "mhtml"})
	if err != nil {
		return nil, fmt.Errorf("capture snapshot: %w", err)
	}
	snapshot, ok := result.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("capture snapshot: unexpected result %T", result)
	}
	mhtml, ok := snapshot["data"].(string)
	if !ok {
		return nil, fmt.Errorf("capture snapshot: missing data")
	}

	key := artifactKey("mhtml", ".mhtml")
	size, err := store(h.artifacts, key, func(w io.Writer) error {
		_, err := io.WriteString(w, mhtml)
		return err
	})
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(logWriter, "MHTML snapshot stored, size: %d bytes\n", size)

	return json.Marshal(Artifact{Key: key, URL: url, ContentType: "multipart/related", Size: size})
}
