package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"browserd/internal/engine"
	"browserd/internal/pool"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Handler runs the business logic of a task inside a leased context.
type Handler interface {
	Execute(ctx context.Context, bctx pool.Context, payload json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, bctx pool.Context, payload json.RawMessage) (json.RawMessage, error)

func (f HandlerFunc) Execute(ctx context.Context, bctx pool.Context, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, bctx, payload)
}

// ErrSuspect marks a handler error after which the context must not be reused.
var ErrSuspect = errors.New("browsing context is suspect")

// Suspect wraps err so the executor retires the context instead of resetting it.
func Suspect(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrSuspect, err)
}

// Config bounds the executor.
type Config struct {
	MaxConcurrentTasks int
	DefaultTimeout     time.Duration
	MaxTimeout         time.Duration
	AcquireTimeout     time.Duration
	AcquireAttempts    int
	Retry              RetryConfig
	Retention          time.Duration
	CleanupInterval    time.Duration
	LogLimit           int
	Logger             *slog.Logger
}

func (c *Config) setDefaults() {
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 8
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 60 * time.Second
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 10 * time.Minute
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.AcquireAttempts <= 0 {
		c.AcquireAttempts = 3
	}
	if c.Retry == (RetryConfig{}) {
		c.Retry = DefaultRetryConfig()
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Executor admits tasks, runs them against pooled contexts and classifies
// their outcome.
type Executor struct {
	cfg     Config
	pool    *pool.Pool
	handler Handler
	sem     *semaphore.Weighted
	log     *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc

	mu       sync.Mutex
	tasks    map[string]*Task
	draining bool
	inflight sync.WaitGroup

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	drainOnce   sync.Once
	drainErr    error
}

func New(p *pool.Pool, h Handler, cfg Config) *Executor {
	cfg.setDefaults()
	ctx, cancel := context.WithCancelCause(context.Background())
	e := &Executor{
		cfg:         cfg,
		pool:        p,
		handler:     h,
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		log:         cfg.Logger.With("component", "executor"),
		baseCtx:     ctx,
		baseCancel:  cancel,
		tasks:       make(map[string]*Task),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go e.cleanupLoop()
	return e
}

// Pool returns the pool tasks run against.
func (e *Executor) Pool() *pool.Pool { return e.pool }

// ClampTimeout applies the default for zero and caps at MaxTimeout.
func (e *Executor) ClampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return e.cfg.DefaultTimeout
	}
	if d > e.cfg.MaxTimeout {
		return e.cfg.MaxTimeout
	}
	return d
}

// Submit queues a task and returns immediately. The task outlives ctx; use
// Task.Cancel to stop it.
func (e *Executor) Submit(ctx context.Context, payload json.RawMessage, timeout time.Duration) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return nil, ErrDraining
	}
	t := e.newTask(payload, timeout)
	e.tasks[t.id] = t
	e.inflight.Add(1)
	e.mu.Unlock()

	e.log.Debug("task submitted", "task_id", t.id, "timeout", t.timeout)
	go e.run(t)
	return t, nil
}

func (e *Executor) newTask(payload json.RawMessage, timeout time.Duration) *Task {
	ctx, cancel := context.WithCancelCause(e.baseCtx)
	return &Task{
		id:          uuid.NewString(),
		payload:     payload,
		timeout:     e.ClampTimeout(timeout),
		submittedAt: time.Now(),
		log:         NewTaskLog(e.cfg.LogLimit),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		state:       StateQueued,
	}
}

// Run executes a task and waits for its result. It always returns a
// TaskResult; cancelling ctx cancels the task.
func (e *Executor) Run(ctx context.Context, payload json.RawMessage, timeout time.Duration) TaskResult {
	t, err := e.Submit(context.WithoutCancel(ctx), payload, timeout)
	if err != nil {
		now := time.Now()
		return TaskResult{
			State:      StateCancelled,
			Error:      newTaskError(KindCancelled, err),
			FinishedAt: now,
		}
	}

	select {
	case <-t.Done():
	case <-ctx.Done():
		t.cancelWith(errCallerGone)
		<-t.Done()
	}
	r, _ := t.Result()
	return r
}

// Get looks up a task by id.
func (e *Executor) Get(id string) (*Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	return t, ok
}

// Cancel cancels a task by id. It reports whether the task exists.
func (e *Executor) Cancel(id string) bool {
	t, ok := e.Get(id)
	if !ok {
		return false
	}
	t.Cancel()
	return true
}

// Stats counts tasks by state.
func (e *Executor) Stats() map[State]int {
	e.mu.Lock()
	tasks := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		tasks = append(tasks, t)
	}
	e.mu.Unlock()

	out := make(map[State]int)
	for _, t := range tasks {
		out[t.State()]++
	}
	return out
}

func (e *Executor) run(t *Task) {
	defer e.inflight.Done()

	ctx, cancel := context.WithTimeoutCause(t.ctx, t.timeout, errDeadline)
	defer cancel()

	r := e.execute(ctx, t)
	attrs := []any{"task_id", t.id, "state", r.State, "duration_ms", r.DurationMS}
	if r.Error != nil {
		attrs = append(attrs, "error_kind", r.Error.Kind, "error", r.Error.Message)
		e.log.Info("task finished", attrs...)
	} else {
		e.log.Debug("task finished", attrs...)
	}
}

// interrupted classifies a task whose context ended.
func interrupted(ctx context.Context) *TaskError {
	cause := context.Cause(ctx)
	if errors.Is(cause, errDeadline) {
		return newTaskError(KindTimeout, cause)
	}
	return newTaskError(KindCancelled, cause)
}

func (e *Executor) execute(ctx context.Context, t *Task) TaskResult {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return t.finish(nil, interrupted(ctx))
	}
	defer e.sem.Release(1)

	t.setRunning()

	lease, err := e.acquire(ctx, t)
	if err != nil {
		if ctx.Err() != nil {
			return t.finish(nil, interrupted(ctx))
		}
		return t.finish(nil, classifyAcquire(err))
	}

	fmt.Fprintf(t.log, "Leased context %s on browser %s\n", lease.Context().ID(), lease.BrowserID())
	value, terr, outcome := e.invoke(ctx, t, lease)
	lease.Release(outcome)
	return t.finish(value, terr)
}

// acquire leases a context, retrying transient creation and launch failures.
func (e *Executor) acquire(ctx context.Context, t *Task) (*pool.Lease, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.AcquireAttempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, e.cfg.AcquireTimeout)
		lease, err := e.pool.Acquire(actx)
		cancel()
		if err == nil {
			return lease, nil
		}
		lastErr = err

		transient := errors.Is(err, pool.ErrContextCreation) || errors.Is(err, pool.ErrLaunch)
		if !transient || attempt == e.cfg.AcquireAttempts {
			break
		}
		delay := e.cfg.Retry.Backoff(attempt)
		fmt.Fprintf(t.log, "Acquire failed (attempt %d/%d): %v, retrying in %v\n", attempt, e.cfg.AcquireAttempts, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func classifyAcquire(err error) *TaskError {
	switch {
	case errors.Is(err, pool.ErrAcquireTimeout):
		return newTaskError(KindAcquireTimeout, err)
	case errors.Is(err, pool.ErrLaunch):
		return newTaskError(KindLaunch, err)
	case errors.Is(err, pool.ErrContextCreation):
		return newTaskError(KindContextCreation, err)
	case errors.Is(err, pool.ErrClosed):
		return newTaskError(KindCancelled, err)
	default:
		return newTaskError(KindContextCreation, err)
	}
}

type handlerResult struct {
	value    json.RawMessage
	err      error
	panicked any
}

// invoke runs the handler in its own goroutine so the deadline holds even
// when the handler ignores ctx.
func (e *Executor) invoke(ctx context.Context, t *Task, lease *pool.Lease) (json.RawMessage, *TaskError, pool.Outcome) {
	results := make(chan handlerResult, 1)
	hctx := withLog(ctx, t.log)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- handlerResult{panicked: r}
			}
		}()
		v, err := e.handler.Execute(hctx, lease.Context(), t.payload)
		results <- handlerResult{value: v, err: err}
	}()

	select {
	case r := <-results:
		return e.classify(ctx, t, lease, r)
	case <-ctx.Done():
		terr := interrupted(ctx)
		fmt.Fprintf(t.log, "%s while handler was running\n", terr.Kind)
		if terr.Kind == KindTimeout {
			return nil, terr, pool.OutcomeTimedOut
		}
		return nil, terr, pool.OutcomeCancelled
	}
}

func (e *Executor) classify(ctx context.Context, t *Task, lease *pool.Lease, r handlerResult) (json.RawMessage, *TaskError, pool.Outcome) {
	if r.panicked != nil {
		e.log.Error("handler panicked", "task_id", t.id, "panic", r.panicked)
		return nil, newTaskError(KindHandler, fmt.Errorf("handler panic: %v", r.panicked)), pool.OutcomeSuspect
	}

	if r.err == nil {
		value := r.value
		if len(value) == 0 {
			value = json.RawMessage("null")
		}
		if !json.Valid(value) {
			return nil, newTaskError(KindHandler, errors.New("handler returned invalid JSON")), pool.OutcomeOK
		}
		return value, nil, pool.OutcomeOK
	}

	if ctx.Err() != nil {
		terr := interrupted(ctx)
		if terr.Kind == KindTimeout {
			return nil, terr, pool.OutcomeTimedOut
		}
		return nil, terr, pool.OutcomeCancelled
	}

	fmt.Fprintf(t.log, "Handler error: %v\n", r.err)
	if !lease.BrowserConnected() {
		return nil, newTaskError(KindCrash, r.err), pool.OutcomeCrashed
	}
	if errors.Is(r.err, ErrSuspect) || engine.IsTargetClosed(r.err) {
		return nil, newTaskError(KindHandler, r.err), pool.OutcomeSuspect
	}
	return nil, newTaskError(KindHandler, r.err), pool.OutcomeHandlerFailed
}

// Drain stops admissions, waits up to grace for running tasks, cancels the
// rest, waits for them to resolve and closes the pool.
func (e *Executor) Drain(ctx context.Context, grace time.Duration) error {
	e.drainOnce.Do(func() {
		e.drainErr = e.drain(ctx, grace)
	})
	return e.drainErr
}

func (e *Executor) drain(ctx context.Context, grace time.Duration) error {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()
	e.log.Info("draining executor", "grace", grace)

	finished := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(finished)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-finished:
	case <-timer.C:
		e.log.Warn("drain grace expired, cancelling remaining tasks")
		e.baseCancel(errForcedShutdown)
		<-finished
	case <-ctx.Done():
		e.baseCancel(errForcedShutdown)
		<-finished
	}

	close(e.stopCleanup)
	<-e.cleanupDone

	closeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		closeCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if err := e.pool.Close(closeCtx); err != nil {
		return fmt.Errorf("close pool: %w", err)
	}
	e.log.Info("executor drained")
	return nil
}

// Draining reports whether Drain has been called.
func (e *Executor) Draining() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draining
}

func (e *Executor) cleanupLoop() {
	defer close(e.cleanupDone)
	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCleanup:
			return
		case <-ticker.C:
			if n := e.PruneFinished(time.Now()); n > 0 {
				e.log.Debug("pruned finished tasks", "count", n)
			}
		}
	}
}

// PruneFinished forgets tasks that finished more than Retention before now.
func (e *Executor) PruneFinished(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	pruned := 0
	for id, t := range e.tasks {
		fin := t.finishedAt()
		if !fin.IsZero() && now.Sub(fin) > e.cfg.Retention {
			delete(e.tasks, id)
			pruned++
		}
	}
	return pruned
}
