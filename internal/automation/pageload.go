package automation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"browserd/internal/pool"

	"github.com/playwright-community/playwright-go"
)

var errNoPage = errors.New("browsing context has no page")

func pageOf(bctx pool.Context) (playwright.Page, error) {
	page := bctx.Page()
	if page == nil {
		return nil, errNoPage
	}
	return page, nil
}

// timeoutMS converts the time left on ctx, capped at max, to playwright
// milliseconds.
func timeoutMS(ctx context.Context, max time.Duration) *float64 {
	d := max
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < d {
			d = left
		}
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return playwright.Float(float64(d.Milliseconds()))
}

func waitUntilState(name string) *playwright.WaitUntilState {
	switch name {
	case "domcontentloaded":
		return playwright.WaitUntilStateDomcontentloaded
	case "networkidle":
		return playwright.WaitUntilStateNetworkidle
	case "commit":
		return playwright.WaitUntilStateCommit
	default:
		return playwright.WaitUntilStateLoad
	}
}

// navigate loads url and fails on HTTP errors the way a user would notice them.
func navigate(ctx context.Context, page playwright.Page, url, waitUntil string, logWriter io.Writer) error {
	fmt.Fprintf(logWriter, "Navigating to %s\n", url)
	resp, err := page.Goto(url, playwright.PageGotoOptions{
		Timeout:   timeoutMS(ctx, 60*time.Second),
		WaitUntil: waitUntilState(waitUntil),
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	if resp != nil && resp.Status() >= 400 {
		fmt.Fprintf(logWriter, "Page responded with HTTP %d\n", resp.Status())
	}
	return ctx.Err()
}

// completePageLoad navigates and then waits for dynamic content: animations
// off, lazy images forced, network idle, media loaded, optionally a scroll
// through the page to trigger lazy loading.
func completePageLoad(ctx context.Context, page playwright.Page, url string, logWriter io.Writer, includeScrolling bool) error {
	fmt.Fprintf(logWriter, "Starting complete page load sequence for: %s\n", url)
	if err := navigate(ctx, page, url, "load", logWriter); err != nil {
		return err
	}

	if _, err := page.Evaluate(`() => {
		const style = document.createElement('style');
		style.innerHTML = '* { transition: none !important; animation: none !important; }';
		document.head.appendChild(style);
		document.querySelectorAll('img[loading="lazy"]').forEach(img => img.setAttribute('loading', 'eager'));
		document.querySelectorAll('img[data-src], img[data-lazy-src]').forEach(img => {
			if (img.dataset.src) img.src = img.dataset.src;
			if (img.dataset.lazySrc) img.src = img.dataset.lazySrc;
		});
	}`); err != nil {
		fmt.Fprintf(logWriter, "Warning: Failed to prepare page: %v\n", err)
	}

	if err := waitForNetworkIdle(ctx, page, logWriter, idleOptions{Idle: 2 * time.Second, Total: 20 * time.Second}); err != nil {
		return err
	}

	fmt.Fprintf(logWriter, "Checking all media resources are loaded...\n")
	if _, err := page.WaitForFunction(`() => {
		const images = Array.from(document.querySelectorAll('img'));
		const videos = Array.from(document.querySelectorAll('video'));
		const imagesLoaded = images.every(img => (!img.src || img.naturalWidth === 0) ? img.complete : (img.complete && img.naturalWidth > 0));
		return imagesLoaded && videos.every(v => v.readyState >= 2);
	}`, nil, playwright.PageWaitForFunctionOptions{Timeout: timeoutMS(ctx, 10*time.Second)}); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fmt.Fprintf(logWriter, "Warning: Not all media resources loaded: %v\n", err)
	}

	if includeScrolling {
		if err := scrollThrough(ctx, page, logWriter); err != nil {
			return err
		}
		if err := waitForNetworkIdle(ctx, page, logWriter, idleOptions{Idle: time.Second, Total: 10 * time.Second}); err != nil {
			fmt.Fprintf(logWriter, "Warning: Post-scroll network idle wait failed: %v\n", err)
		}
	}

	fmt.Fprintf(logWriter, "Complete page load sequence finished\n")
	return ctx.Err()
}

// scrollThrough scrolls in viewport steps until the height is stable, then
// returns to the top.
func scrollThrough(ctx context.Context, page playwright.Page, logWriter io.Writer) error {
	fmt.Fprintf(logWriter, "Scrolling through page to trigger lazy-loaded content...\n")
	_, err := page.Evaluate(`async () => {
		const step = window.innerHeight * 0.8;
		let pos = 0, last = document.body.scrollHeight, stable = 0;
		while (stable < 5) {
			pos += step;
			window.scrollTo(0, pos);
			await new Promise(r => setTimeout(r, 500));
			const h = document.body.scrollHeight;
			if (pos >= h) {
				stable = (h === last) ? stable + 1 : 0;
				last = h;
				pos = h;
			} else {
				stable = 0;
			}
		}
		window.scrollTo(0, 0);
		await new Promise(r => setTimeout(r, 500));
		return document.body.scrollHeight;
	}`)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fmt.Fprintf(logWriter, "Warning: Scrolling failed, continuing: %v\n", err)
	}
	return nil
}

// ignoredRequestPatterns never count as pending for idle detection.
var ignoredRequestPatterns = []string{
	// Analytics
	"analytics", "googletagmanager", "gtag", "segment.com", "mixpanel",
	"amplitude", "hotjar", "fullstory",
	// Ad networks and tracking
	"doubleclick", "googlesyndication", "googleadservices", "adsystem",
	"facebook.com/tr", "connect.facebook.net", "adsafeprotected", "moatads",
	"scorecardresearch", "quantserve", "outbrain", "taboola", "criteo",
	"doubleverify", "linkedin.com/px", "li/track",
	// Beacons
	"beacon", "pixel", "/track", "impression",
	// Long-lived connections
	"pusher", "websocket", "socket.io", "eventsource", "livechat",
	"intercom", "zendesk", "drift", "realtime",
}

func ignoredRequest(url string) bool {
	lower := strings.ToLower(url)
	for _, pattern := range ignoredRequestPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

type idleOptions struct {
	Idle  time.Duration
	Total time.Duration
	Poll  time.Duration
	// After FallbackAfter, up to MaxPersistent pending requests are accepted.
	FallbackAfter time.Duration
	MaxPersistent int
}

func (o *idleOptions) setDefaults() {
	if o.Poll <= 0 {
		o.Poll = 100 * time.Millisecond
	}
	if o.FallbackAfter <= 0 {
		o.FallbackAfter = 5 * time.Second
	}
	if o.MaxPersistent <= 0 {
		o.MaxPersistent = 3
	}
}

// requestTracker counts in-flight requests that matter for idle detection.
type requestTracker struct {
	active  atomic.Bool
	mu      sync.Mutex
	pending map[playwright.Request]string
}

func newRequestTracker() *requestTracker {
	t := &requestTracker{pending: make(map[playwright.Request]string)}
	t.active.Store(true)
	return t
}

func (t *requestTracker) started(req playwright.Request) {
	if !t.active.Load() || ignoredRequest(req.URL()) {
		return
	}
	t.mu.Lock()
	t.pending[req] = req.URL()
	t.mu.Unlock()
}

func (t *requestTracker) ended(req playwright.Request) {
	t.mu.Lock()
	delete(t.pending, req)
	t.mu.Unlock()
}

func (t *requestTracker) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	urls := make([]string, 0, len(t.pending))
	for _, u := range t.pending {
		urls = append(urls, u)
	}
	return urls
}

// waitForNetworkIdle waits until no tracked request is pending for opts.Idle.
// Persistent trackers are tolerated after the fallback delay.
func waitForNetworkIdle(ctx context.Context, page playwright.Page, logWriter io.Writer, opts idleOptions) error {
	opts.setDefaults()
	fmt.Fprintf(logWriter, "Waiting for network idle (idle: %v, timeout: %v)...\n", opts.Idle, opts.Total)

	tracker := newRequestTracker()
	defer tracker.active.Store(false)
	page.On("request", tracker.started)
	page.On("requestfinished", tracker.ended)
	page.On("requestfailed", tracker.ended)

	return pollIdle(ctx, tracker.snapshot, logWriter, opts)
}

func pollIdle(ctx context.Context, pending func() []string, logWriter io.Writer, opts idleOptions) error {
	start := time.Now()
	var idleSince time.Time
	ticker := time.NewTicker(opts.Poll)
	defer ticker.Stop()

	for {
		elapsed := time.Since(start)
		urls := pending()

		switch {
		case len(urls) == 0:
			if idleSince.IsZero() {
				idleSince = time.Now()
			}
			if time.Since(idleSince) >= opts.Idle {
				fmt.Fprintf(logWriter, "Network idle for %v\n", opts.Idle)
				return nil
			}
		case elapsed > opts.FallbackAfter && len(urls) <= opts.MaxPersistent:
			fmt.Fprintf(logWriter, "Accepting %d persistent requests after %v: %v\n", len(urls), elapsed.Round(time.Millisecond), urls)
			return nil
		default:
			idleSince = time.Time{}
		}

		if elapsed > opts.Total {
			fmt.Fprintf(logWriter, "Giving up on network idle after %v, %d requests pending\n", opts.Total, len(urls))
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
