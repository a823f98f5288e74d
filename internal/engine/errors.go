package engine

import (
	"errors"
	"fmt"

	"browserd/internal/pool"

	"github.com/playwright-community/playwright-go"
)

// LaunchError reports a browser that could not be started or never became
// ready. It matches pool.ErrLaunch.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string { return fmt.Sprintf("launch browser: %v", e.Err) }

func (e *LaunchError) Unwrap() []error { return []error{pool.ErrLaunch, e.Err} }

// ContextError reports a context that could not be created on an instance.
// It matches pool.ErrContextCreation.
type ContextError struct {
	BrowserID string
	Err       error
}

func (e *ContextError) Error() string {
	return fmt.Sprintf("create context on browser %s: %v", e.BrowserID, e.Err)
}

func (e *ContextError) Unwrap() []error { return []error{pool.ErrContextCreation, e.Err} }

var errNotReady = errors.New("browser is not ready")

// IsTargetClosed reports whether err came from a page, context or browser
// that was closed underneath the caller.
func IsTargetClosed(err error) bool {
	return errors.Is(err, playwright.ErrTargetClosed)
}
