package engine

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Context is one isolated browser context with its current page.
type Context struct {
	id        string
	inst      *Instance
	bc        playwright.BrowserContext
	createdAt time.Time

	mu   sync.Mutex
	page playwright.Page

	originsMu sync.Mutex
	origins   map[string]struct{}

	closeOnce sync.Once
	closeErr  error
}

func (c *Context) ID() string        { return c.id }
func (c *Context) BrowserID() string { return c.inst.id }

func (c *Context) Page() playwright.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page
}

func (c *Context) BrowserContext() playwright.BrowserContext { return c.bc }

func (c *Context) CreatedAt() time.Time { return c.createdAt }

// Reset wipes cookies, permissions and all storage of every origin the
// context has seen (localStorage, IndexedDB, Cache Storage, service workers),
// clears the HTTP cache, and replaces the page with a fresh about:blank page
// so sessionStorage is dropped too.
func (c *Context) Reset(ctx context.Context) error {
	return runWithContext(ctx, c.reset, nil)
}

func (c *Context) reset() error {
	state, err := c.bc.StorageState()
	if err != nil {
		return fmt.Errorf("read storage state: %w", err)
	}
	if err := c.bc.ClearCookies(); err != nil {
		return fmt.Errorf("clear cookies: %w", err)
	}
	if err := c.bc.ClearPermissions(); err != nil {
		return fmt.Errorf("clear permissions: %w", err)
	}

	fresh, err := c.bc.NewPage()
	if err != nil {
		return fmt.Errorf("open blank page: %w", err)
	}
	for _, p := range c.bc.Pages() {
		if p == fresh {
			continue
		}
		if err := p.Close(); err != nil && !IsTargetClosed(err) {
			return fmt.Errorf("close stale page: %w", err)
		}
	}
	c.mu.Lock()
	c.page = fresh
	c.mu.Unlock()

	origins := c.takeOrigins()
	for _, o := range state.Origins {
		if origin := originOf(o.Origin); origin != "" {
			origins[origin] = struct{}{}
		}
	}
	return c.clearStorage(fresh, origins)
}

// clearStorage clears origins through a CDP session on page.
func (c *Context) clearStorage(page playwright.Page, origins map[string]struct{}) error {
	session, err := c.bc.NewCDPSession(page)
	if err != nil {
		return fmt.Errorf("open CDP session: %w", err)
	}
	defer session.Detach()

	for origin := range origins {
		if _, err := session.Send("Storage.clearDataForOrigin", map[string]interface{}{
			"origin":       origin,
			"storageTypes": "all",
		}); err != nil {
			return fmt.Errorf("clear storage for %s: %w", origin, err)
		}
	}
	if _, err := session.Send("Network.clearBrowserCache", nil); err != nil {
		return fmt.Errorf("clear HTTP cache: %w", err)
	}
	return nil
}

// noteRequest records the origin of every request made in the context.
func (c *Context) noteRequest(req playwright.Request) {
	origin := originOf(req.URL())
	if origin == "" {
		return
	}
	c.originsMu.Lock()
	if c.origins == nil {
		c.origins = make(map[string]struct{})
	}
	c.origins[origin] = struct{}{}
	c.originsMu.Unlock()
}

func (c *Context) takeOrigins() map[string]struct{} {
	c.originsMu.Lock()
	defer c.originsMu.Unlock()
	out := c.origins
	c.origins = nil
	if out == nil {
		out = make(map[string]struct{})
	}
	return out
}

// originOf returns scheme://host[:port] for http(s) URLs and "" otherwise;
// data: and about: documents have no storage of their own.
func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// Close closes the browser context and every page in it. Only the first
// call does anything.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		err := closeStep(context.Background(), "context close", func() error { return c.bc.Close() })
		c.inst.live.Add(-1)
		c.inst.monitor.RecordContextClosed()
		c.closeErr = err
	})
	return c.closeErr
}
