package pool

import (
	"context"
	"errors"

	"github.com/playwright-community/playwright-go"
)

var (
	// ErrLaunch is returned when a browser instance could not be started.
	ErrLaunch = errors.New("browser launch failed")
	// ErrContextCreation is returned when a context could not be created on
	// an otherwise reachable instance. It is usually transient.
	ErrContextCreation = errors.New("browsing context creation failed")
	// ErrAcquireTimeout is returned when no context became available in time.
	ErrAcquireTimeout = errors.New("timed out waiting for a browsing context")
	// ErrClosed is returned by a pool that has been closed.
	ErrClosed = errors.New("pool closed")
)

// Status is the health of a browser instance.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusDegraded Status = "degraded"
	StatusDead     Status = "dead"
)

// Browser is one running browser process the pool can carve contexts from.
type Browser interface {
	ID() string
	NewContext(ctx context.Context) (Context, error)
	HealthCheck(ctx context.Context) Status
	Connected() bool
	// Disconnected is closed once the browser process goes away.
	Disconnected() <-chan struct{}
	Shutdown(ctx context.Context) error
}

// Launcher starts browser instances.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context) (Browser, error)

func (f LauncherFunc) Launch(ctx context.Context) (Browser, error) { return f(ctx) }

// Context is an isolated browsing session inside a Browser.
type Context interface {
	ID() string
	BrowserID() string
	Page() playwright.Page
	BrowserContext() playwright.BrowserContext
	// Reset clears cookies, permissions and storage so the context can be
	// handed to an unrelated task.
	Reset(ctx context.Context) error
	Close() error
}
