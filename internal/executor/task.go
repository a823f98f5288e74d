package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is where a task is in its lifecycle.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// ErrorKind classifies a failed task.
type ErrorKind string

const (
	KindLaunch          ErrorKind = "LaunchError"
	KindContextCreation ErrorKind = "ContextCreationError"
	KindAcquireTimeout  ErrorKind = "AcquireTimeout"
	KindTimeout         ErrorKind = "Timeout"
	KindHandler         ErrorKind = "HandlerError"
	KindCrash           ErrorKind = "CrashError"
	KindCancelled       ErrorKind = "Cancelled"
)

// Retryable reports whether a caller may reasonably resubmit the same task.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindLaunch, KindContextCreation, KindAcquireTimeout, KindCrash:
		return true
	default:
		return false
	}
}

// TaskError is the classified failure carried by a TaskResult.
type TaskError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func (e *TaskError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

func newTaskError(kind ErrorKind, err error) *TaskError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &TaskError{Kind: kind, Message: msg, Retryable: kind.Retryable()}
}

// TaskResult is the outcome of one task.
type TaskResult struct {
	TaskID     string          `json:"task_id"`
	State      State           `json:"state"`
	Value      json.RawMessage `json:"value,omitempty"`
	Error      *TaskError      `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
	DurationMS int64           `json:"duration_ms"`
}

// Succeeded reports whether the task produced a value.
func (r TaskResult) Succeeded() bool { return r.State == StateSucceeded }

var (
	// ErrDraining is returned by Submit once Drain has started.
	ErrDraining = errors.New("executor is draining")

	errDeadline       = errors.New("task deadline exceeded")
	errCancelled      = errors.New("task cancelled")
	errCallerGone     = errors.New("caller went away")
	errForcedShutdown = errors.New("cancelled by shutdown")
)

// Task is the handle of a submitted task.
type Task struct {
	id          string
	payload     json.RawMessage
	timeout     time.Duration
	submittedAt time.Time
	log         *TaskLog

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu     sync.Mutex
	state  State
	result TaskResult
}

func (t *Task) ID() string { return t.id }
func (t *Task) Payload() json.RawMessage { return t.payload }
func (t *Task) Timeout() time.Duration { return t.timeout }
func (t *Task) SubmittedAt() time.Time { return t.submittedAt }
func (t *Task) Done() <-chan struct{} { return t.done }
func (t *Task) Logs() string { return t.log.String() }
func (t *Task) Cancel() { t.cancel(errCancelled) }
func (t *Task) cancelWith(cause error) { t.cancel(cause) }

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Result returns the result once the task is finished.
func (t *Task) Result() (TaskResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.Terminal() {
		return TaskResult{}, false
	}
	return t.result, true
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) (TaskResult, error) {
	select {
	case <-t.done:
		r, _ := t.Result()
		return r, nil
	case <-ctx.Done():
		return TaskResult{}, ctx.Err()
	}
}

func (t *Task) setRunning() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.state = StateRunning
	t.result.StartedAt = now
	return now
}

func (t *Task) finish(value json.RawMessage, terr *TaskError) TaskResult {
	t.mu.Lock()
	now := time.Now()
	r := t.result
	r.TaskID = t.id
	r.FinishedAt = now
	if r.StartedAt.IsZero() {
		r.DurationMS = now.Sub(t.submittedAt).Milliseconds()
	} else {
		r.DurationMS = now.Sub(r.StartedAt).Milliseconds()
	}
	switch {
	case terr == nil:
		r.State = StateSucceeded
		r.Value = value
	case terr.Kind == KindCancelled:
		r.State = StateCancelled
		r.Error = terr
	default:
		r.State = StateFailed
		r.Error = terr
	}
	t.result = r
	t.state = r.State
	t.mu.Unlock()

	t.cancel(nil)
	close(t.done)
	return r
}

// finishedAt is the zero time while the task is still live.
func (t *Task) finishedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.Terminal() {
		return time.Time{}
	}
	return t.result.FinishedAt
}
