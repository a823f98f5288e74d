// Package pooltest provides in-memory pool.Browser, pool.Launcher and
// pool.Context implementations for tests that must not start Chromium.
package pooltest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"browserd/internal/pool"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
)

// Context is a fake browsing context with a small key/value store standing in
// for cookies and storage.
type Context struct {
	id        string
	browser   *Browser
	mu        sync.Mutex
	data      map[string]string
	closed    bool
	resets    int
	ResetErr  error
	closeOnce sync.Once
	done      chan struct{}
}

func (c *Context) ID() string        { return c.id }
func (c *Context) BrowserID() string { return c.browser.id }

// Browser returns the fake browser that owns the context.
func (c *Context) Browser() *Browser { return c.browser }

func (c *Context) Page() playwright.Page                     { return nil }
func (c *Context) BrowserContext() playwright.BrowserContext { return nil }

// Set stores a value as if a page had written a cookie.
func (c *Context) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

func (c *Context) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *Context) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("context closed")
	}
	if c.ResetErr != nil {
		return c.ResetErr
	}
	c.resets++
	c.data = make(map[string]string)
	return nil
}

func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		c.browser.contextClosed()
	})
	return nil
}

// Closed reports whether Close was called.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done is closed when the context is closed, like a target-closed event.
func (c *Context) Done() <-chan struct{} { return c.done }

func (c *Context) Resets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

// Browser is a fake browser instance.
type Browser struct {
	id string

	mu            sync.Mutex
	status        pool.Status
	contexts      []*Context
	live          int
	maxLive       int
	failContexts  int
	disconnected  chan struct{}
	disconnectOne sync.Once
	shutdowns     int
}

func NewBrowser() *Browser {
	return &Browser{
		id:           uuid.NewString(),
		status:       pool.StatusReady,
		disconnected: make(chan struct{}),
	}
}

func (b *Browser) ID() string { return b.id }

func (b *Browser) NewContext(ctx context.Context) (pool.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == pool.StatusDead {
		return nil, fmt.Errorf("%w: browser %s is dead", pool.ErrContextCreation, b.id)
	}
	if b.failContexts > 0 {
		b.failContexts--
		return nil, fmt.Errorf("%w: injected failure", pool.ErrContextCreation)
	}
	c := &Context{id: uuid.NewString(), browser: b, data: make(map[string]string), done: make(chan struct{})}
	b.contexts = append(b.contexts, c)
	b.live++
	if b.live > b.maxLive {
		b.maxLive = b.live
	}
	return c, nil
}

func (b *Browser) contextClosed() {
	b.mu.Lock()
	b.live--
	b.mu.Unlock()
}

func (b *Browser) HealthCheck(ctx context.Context) pool.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *Browser) Connected() bool {
	select {
	case <-b.disconnected:
		return false
	default:
		return true
	}
}

func (b *Browser) Disconnected() <-chan struct{} { return b.disconnected }

func (b *Browser) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.shutdowns++
	b.status = pool.StatusDead
	b.mu.Unlock()
	b.disconnect()
	return nil
}

func (b *Browser) disconnect() {
	b.disconnectOne.Do(func() { close(b.disconnected) })
}

// Crash simulates the browser process dying.
func (b *Browser) Crash() {
	b.mu.Lock()
	b.status = pool.StatusDead
	b.mu.Unlock()
	b.disconnect()
}

// SetStatus changes what HealthCheck reports without disconnecting.
func (b *Browser) SetStatus(s pool.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = s
}

// FailContexts makes the next n NewContext calls fail.
func (b *Browser) FailContexts(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failContexts = n
}

func (b *Browser) Contexts() []*Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Context(nil), b.contexts...)
}

// Live is the number of contexts created and not closed.
func (b *Browser) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live
}

// MaxLive is the highest number of simultaneously open contexts observed.
func (b *Browser) MaxLive() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxLive
}

func (b *Browser) Shutdowns() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shutdowns
}

// Launcher creates fake browsers and records them.
type Launcher struct {
	mu       sync.Mutex
	browsers []*Browser
	failNext int
	launches atomic.Int64
	// OnLaunch, when set, runs before each launch and may return an error.
	OnLaunch func(ctx context.Context) error
}

func (l *Launcher) Launch(ctx context.Context) (pool.Browser, error) {
	l.launches.Add(1)
	if l.OnLaunch != nil {
		if err := l.OnLaunch(ctx); err != nil {
			return nil, err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext > 0 {
		l.failNext--
		return nil, errors.New("injected launch failure")
	}
	b := NewBrowser()
	l.browsers = append(l.browsers, b)
	return b, nil
}

// FailLaunches makes the next n launches fail.
func (l *Launcher) FailLaunches(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = n
}

func (l *Launcher) Launches() int { return int(l.launches.Load()) }

func (l *Launcher) Browsers() []*Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Browser(nil), l.browsers...)
}

// AllContexts returns every context created across all browsers.
func (l *Launcher) AllContexts() []*Context {
	var out []*Context
	for _, b := range l.Browsers() {
		out = append(out, b.Contexts()...)
	}
	return out
}
