package pool

import (
	"sync/atomic"
	"time"
)

// Outcome tells the pool what happened to a leased context.
type Outcome int

const (
	// OutcomeOK resets the context and returns it to the idle set.
	OutcomeOK Outcome = iota
	// OutcomeHandlerFailed is treated like OK: the handler failed but the
	// context is believed intact.
	OutcomeHandlerFailed
	// OutcomeSuspect retires the context.
	OutcomeSuspect
	// OutcomeTimedOut retires the context; the handler may still be touching it.
	OutcomeTimedOut
	// OutcomeCrashed retires the context and evicts its browser.
	OutcomeCrashed
	// OutcomeCancelled retires the context.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeHandlerFailed:
		return "handler_failed"
	case OutcomeSuspect:
		return "suspect"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeCrashed:
		return "crashed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (o Outcome) reusable() bool {
	return o == OutcomeOK || o == OutcomeHandlerFailed
}

// entry is the pool's bookkeeping for one live context.
type entry struct {
	ctx       Context
	slot      *slot
	createdAt time.Time
	uses      int
}

// Lease is exclusive access to one context until Release is called.
type Lease struct {
	pool       *Pool
	entry      *entry
	acquiredAt time.Time
	released   atomic.Bool
}

// Context returns the leased browsing context.
func (l *Lease) Context() Context { return l.entry.ctx }

// BrowserID returns the id of the instance that owns the context.
func (l *Lease) BrowserID() string { return l.entry.slot.browser.ID() }

// BrowserConnected reports whether the owning browser is still reachable.
func (l *Lease) BrowserConnected() bool {
	if l.entry.slot.isDead() {
		return false
	}
	return l.entry.slot.browser.Connected()
}

// AcquiredAt is when the lease was handed out.
func (l *Lease) AcquiredAt() time.Time { return l.acquiredAt }

// Release hands the context back. Calling it more than once is a no-op.
func (l *Lease) Release(outcome Outcome) {
	l.pool.Release(l, outcome)
}
