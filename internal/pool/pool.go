package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"browserd/internal/monitoring"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Config sizes the pool.
type Config struct {
	MaxBrowsers           int
	MaxContextsPerBrowser int
	MaxContexts           int
	MinIdle               int
	// RecycleAfter retires a context once it has served this many leases.
	RecycleAfter int

	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	LaunchTimeout       time.Duration
	// LaunchInterval is the minimum spacing between browser launches.
	LaunchInterval  time.Duration
	ResetTimeout    time.Duration
	ShutdownTimeout time.Duration

	Monitor *monitoring.BrowserMonitor
	Logger  *slog.Logger
}

func (c *Config) validate() error {
	if c.MaxBrowsers <= 0 || c.MaxContextsPerBrowser <= 0 || c.MaxContexts <= 0 {
		return fmt.Errorf("pool limits must be positive (browsers=%d, per browser=%d, total=%d)",
			c.MaxBrowsers, c.MaxContextsPerBrowser, c.MaxContexts)
	}
	if c.MaxContextsPerBrowser > c.MaxContexts {
		return fmt.Errorf("per-browser limit %d exceeds total limit %d", c.MaxContextsPerBrowser, c.MaxContexts)
	}
	if c.MinIdle < 0 || c.MinIdle > c.MaxContexts {
		return fmt.Errorf("min idle %d out of range", c.MinIdle)
	}
	if c.RecycleAfter <= 0 {
		c.RecycleAfter = 50
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = 10 * time.Second
	}
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = 30 * time.Second
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// degradedLimit is how many consecutive degraded health checks evict an instance.
const degradedLimit = 3

// slot is the registry record for one browser instance.
type slot struct {
	browser Browser
	gone    chan struct{}

	mu       sync.Mutex
	live     int // contexts alive, being created, or closing on this browser
	status   Status
	degraded int
	dead     bool
}

func (s *slot) reserve(limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead || s.status != StatusReady || s.live >= limit {
		return false
	}
	s.live++
	return true
}

func (s *slot) unreserve() {
	s.mu.Lock()
	s.live--
	s.mu.Unlock()
}

func (s *slot) load() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

func (s *slot) isDead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead
}

// markDead reports whether this call transitioned the slot to dead.
func (s *slot) markDead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return false
	}
	s.dead = true
	s.status = StatusDead
	close(s.gone)
	return true
}

// Pool hands out browsing contexts from a bounded set of browser instances.
type Pool struct {
	cfg      Config
	launcher Launcher
	limiter  *rate.Limiter
	log      *slog.Logger
	monitor  *monitoring.BrowserMonitor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	slots     map[string]*slot
	idle      []*entry // LIFO
	leased    map[*entry]struct{}
	pending   int // contexts being created
	closing   int // retired contexts not yet closed
	max       int
	launching bool
	closed    bool
	changed   chan struct{}
}

// New creates a pool. No browser is launched until a context is needed,
// unless MinIdle asks for warm contexts.
func New(launcher Launcher, cfg Config) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.LaunchInterval > 0 {
		limit = rate.Every(cfg.LaunchInterval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:      cfg,
		launcher: launcher,
		limiter:  rate.NewLimiter(limit, 1),
		log:      cfg.Logger.With("component", "pool"),
		monitor:  cfg.Monitor,
		ctx:      ctx,
		cancel:   cancel,
		slots:    make(map[string]*slot),
		leased:   make(map[*entry]struct{}),
		max:      cfg.MaxContexts,
		changed:  make(chan struct{}),
	}

	p.wg.Add(1)
	go p.monitorHealth()

	if cfg.MinIdle > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.ensureMinIdle()
		}()
	}
	return p, nil
}

func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// sizeLocked counts every context that holds browser resources.
func (p *Pool) sizeLocked() int {
	return len(p.idle) + len(p.leased) + p.pending + p.closing
}

// activeLocked is sizeLocked without contexts already on their way out.
func (p *Pool) activeLocked() int {
	return len(p.idle) + len(p.leased) + p.pending
}

// Acquire blocks until a context is leased or ctx is done. A failed
// scale-up launch is returned only when no live instance remains; otherwise
// Acquire keeps waiting for a leased context to come back.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	var launchErr error
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if e := p.popIdleLocked(); e != nil {
			lease := p.leaseLocked(e)
			p.mu.Unlock()
			return lease, nil
		}

		var target *slot
		var launch <-chan error
		if p.sizeLocked() < p.max {
			if target = p.reserveLocked(); target == nil && launchErr == nil {
				launch = p.launchLocked()
			}
		}
		if target == nil && launch == nil && launchErr != nil && !p.launching && !p.hasLiveInstanceLocked() {
			p.mu.Unlock()
			return nil, launchErr
		}
		changed := p.changed
		p.mu.Unlock()

		if target != nil {
			return p.create(ctx, target)
		}

		if launch != nil {
			select {
			case err := <-launch:
				if err != nil && !errors.Is(err, ErrClosed) {
					p.mu.Lock()
					live := p.hasLiveInstanceLocked()
					p.mu.Unlock()
					if !live {
						return nil, err
					}
					p.log.Warn("scale-up launch failed, waiting for a leased context", "error", err)
					launchErr = err
				}
				continue
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrAcquireTimeout, ctx.Err())
			}
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrAcquireTimeout, ctx.Err())
		}
	}
}

// hasLiveInstanceLocked reports whether a registered instance can still
// hand out contexts, now or once a lease on it is released.
func (p *Pool) hasLiveInstanceLocked() bool {
	for _, s := range p.slots {
		if !s.isDead() {
			return true
		}
	}
	return false
}

func (p *Pool) popIdleLocked() *entry {
	for len(p.idle) > 0 {
		e := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if e.slot.isDead() {
			p.retireLocked(e, false)
			continue
		}
		return e
	}
	return nil
}

func (p *Pool) leaseLocked(e *entry) *Lease {
	e.uses++
	p.leased[e] = struct{}{}
	return &Lease{pool: p, entry: e, acquiredAt: time.Now()}
}

// reserveLocked picks the least loaded healthy instance with spare capacity
// and reserves one context slot on it.
func (p *Pool) reserveLocked() *slot {
	candidates := make([]*slot, 0, len(p.slots))
	for _, s := range p.slots {
		candidates = append(candidates, s)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].load() < candidates[j].load() })

	for _, s := range candidates {
		if s.reserve(p.cfg.MaxContextsPerBrowser) {
			p.pending++
			return s
		}
	}
	return nil
}

// create makes a context on a reserved slot and leases it to the caller.
func (p *Pool) create(ctx context.Context, s *slot) (*Lease, error) {
	bctx, err := s.browser.NewContext(ctx)

	p.mu.Lock()
	p.pending--

	if err != nil {
		s.unreserve()
		p.broadcastLocked()
		p.mu.Unlock()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrAcquireTimeout, ctx.Err())
		}
		if errors.Is(err, ErrContextCreation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrContextCreation, err)
	}

	if p.closed {
		s.unreserve()
		p.mu.Unlock()
		_ = bctx.Close()
		return nil, ErrClosed
	}

	e := &entry{ctx: bctx, slot: s, createdAt: time.Now()}
	if s.isDead() {
		p.retireLocked(e, false)
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: browser %s went away", ErrContextCreation, s.browser.ID())
	}

	lease := p.leaseLocked(e)
	p.mu.Unlock()
	p.log.Debug("context created", "context_id", bctx.ID(), "browser_id", s.browser.ID())
	return lease, nil
}

// Release returns a leased context according to outcome. A second call for
// the same lease does nothing.
func (p *Pool) Release(l *Lease, outcome Outcome) {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	e := l.entry

	if outcome == OutcomeCrashed {
		p.evict(e.slot, "crashed")
	}

	retire := !outcome.reusable()
	reason := outcome.String()
	if !retire && e.uses >= p.cfg.RecycleAfter {
		retire, reason = true, "recycled"
	}
	if !retire && e.slot.isDead() {
		retire, reason = true, "browser_dead"
	}
	if !retire {
		p.mu.Lock()
		if p.closed || p.activeLocked() > p.max {
			retire, reason = true, "over_capacity"
		}
		p.mu.Unlock()
	}
	if !retire {
		rctx, cancel := context.WithTimeout(p.ctx, p.cfg.ResetTimeout)
		err := e.ctx.Reset(rctx)
		cancel()
		if err != nil {
			p.log.Warn("context reset failed, retiring", "context_id", e.ctx.ID(), "error", err)
			retire, reason = true, "reset_failed"
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.leased[e]; !ok {
		return
	}
	over := p.activeLocked() > p.max
	delete(p.leased, e)
	if p.closed {
		// Close already closed every leased context.
		return
	}

	if !retire && !over && !e.slot.isDead() {
		p.idle = append(p.idle, e)
		p.broadcastLocked()
		return
	}

	replace := reason != "over_capacity" && !over && outcome != OutcomeCrashed && !e.slot.isDead()
	p.log.Debug("retiring context", "context_id", e.ctx.ID(), "browser_id", e.slot.browser.ID(), "reason", reason, "uses", e.uses)
	p.retireLocked(e, replace)
}

// retireLocked closes e in the background. When replace is set, a fresh
// context is created on an instance with spare capacity afterwards.
func (p *Pool) retireLocked(e *entry, replace bool) {
	p.closing++
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.closeContext(e)

		p.mu.Lock()
		p.closing--
		e.slot.unreserve()
		var target *slot
		if replace && !p.closed && p.sizeLocked() < p.max {
			target = p.reserveLocked()
		}
		p.broadcastLocked()
		p.mu.Unlock()

		if target != nil {
			p.replenish(target)
		}
	}()
}

func (p *Pool) closeContext(e *entry) {
	if err := e.ctx.Close(); err != nil {
		p.log.Debug("context close error", "context_id", e.ctx.ID(), "error", err)
	}
}

// replenish creates an idle context on a reserved slot.
func (p *Pool) replenish(s *slot) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.LaunchTimeout)
	bctx, err := s.browser.NewContext(ctx)
	cancel()

	p.mu.Lock()
	p.pending--

	if err != nil {
		s.unreserve()
		p.broadcastLocked()
		p.mu.Unlock()
		if p.ctx.Err() == nil {
			p.log.Warn("failed to replenish context", "browser_id", s.browser.ID(), "error", err)
		}
		return
	}

	if p.closed {
		s.unreserve()
		p.mu.Unlock()
		_ = bctx.Close()
		return
	}

	e := &entry{ctx: bctx, slot: s, createdAt: time.Now()}
	if s.isDead() {
		p.retireLocked(e, false)
	} else {
		p.idle = append(p.idle, e)
		p.broadcastLocked()
	}
	p.mu.Unlock()
}

// launchLocked starts a browser launch unless one is already running or the
// instance limit is reached. The returned channel yields the launch result.
func (p *Pool) launchLocked() <-chan error {
	if p.closed || p.launching || len(p.slots) >= p.cfg.MaxBrowsers {
		return nil
	}
	p.launching = true
	result := make(chan error, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		result <- p.launch()
	}()
	return result
}

func (p *Pool) launch() error {
	finish := func() {
		p.mu.Lock()
		p.launching = false
		p.broadcastLocked()
		p.mu.Unlock()
	}

	if err := p.limiter.Wait(p.ctx); err != nil {
		finish()
		return fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.LaunchTimeout)
	b, err := p.launcher.Launch(ctx)
	cancel()
	if err != nil {
		finish()
		p.log.Error("browser launch failed", "error", err, "duration", time.Since(start))
		if errors.Is(err, ErrLaunch) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	p.mu.Lock()
	p.launching = false
	if p.closed {
		p.broadcastLocked()
		p.mu.Unlock()
		sctx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout)
		defer cancel()
		_ = b.Shutdown(sctx)
		return ErrClosed
	}
	s := &slot{browser: b, gone: make(chan struct{}), status: StatusReady}
	p.slots[b.ID()] = s
	p.wg.Add(1)
	go p.watch(s)
	p.broadcastLocked()
	total := len(p.slots)
	p.mu.Unlock()

	p.log.Info("browser launched", "browser_id", b.ID(), "instances", total, "duration", time.Since(start))
	return nil
}

// watch evicts s as soon as its browser reports a disconnect.
func (p *Pool) watch(s *slot) {
	defer p.wg.Done()
	select {
	case <-s.browser.Disconnected():
		p.evict(s, "disconnected")
	case <-s.gone:
	case <-p.ctx.Done():
	}
}

// evict removes an instance from the registry, closes its idle contexts,
// shuts it down and launches a replacement. Leased contexts on it are
// discarded when released.
func (p *Pool) evict(s *slot, reason string) {
	p.mu.Lock()
	if !s.markDead() {
		p.mu.Unlock()
		return
	}
	delete(p.slots, s.browser.ID())

	kept := p.idle[:0]
	var stale []*entry
	for _, e := range p.idle {
		if e.slot == s {
			stale = append(stale, e)
		} else {
			kept = append(kept, e)
		}
	}
	p.idle = kept
	for _, e := range stale {
		p.retireLocked(e, false)
	}

	closed := p.closed
	if !closed {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout)
			defer cancel()
			if err := s.browser.Shutdown(ctx); err != nil {
				p.log.Warn("evicted browser shutdown error", "browser_id", s.browser.ID(), "error", err)
			}
		}()
		p.launchLocked()
	}
	p.broadcastLocked()
	p.mu.Unlock()

	if reason == "crashed" || reason == "disconnected" {
		p.monitor.RecordCrash()
	}
	if !closed {
		p.log.Warn("browser evicted", "browser_id", s.browser.ID(), "reason", reason, "idle_closed", len(stale))
	}
}

func (p *Pool) monitorHealth() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.CheckHealth(p.ctx)
			p.ensureMinIdle()
		}
	}
}

// CheckHealth checks every instance once and evicts the dead ones.
func (p *Pool) CheckHealth(ctx context.Context) {
	p.mu.Lock()
	slots := make([]*slot, 0, len(p.slots))
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	p.mu.Unlock()

	for _, s := range slots {
		hctx, cancel := context.WithTimeout(ctx, p.cfg.HealthCheckTimeout)
		status := s.browser.HealthCheck(hctx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		if s.dead {
			s.mu.Unlock()
			continue
		}
		evict := false
		switch status {
		case StatusDead:
			evict = true
		case StatusDegraded:
			s.degraded++
			s.status = StatusDegraded
			evict = s.degraded >= degradedLimit
		default:
			s.degraded = 0
			s.status = StatusReady
		}
		s.mu.Unlock()

		if status != StatusReady {
			p.log.Warn("browser health check", "browser_id", s.browser.ID(), "status", status)
		}
		if evict {
			p.evict(s, "health check: "+string(status))
		} else if status == StatusReady {
			p.mu.Lock()
			p.broadcastLocked()
			p.mu.Unlock()
		}
	}
}

// ensureMinIdle creates idle contexts until MinIdle is met.
func (p *Pool) ensureMinIdle() {
	for {
		p.mu.Lock()
		if p.closed || len(p.idle)+p.pending >= p.cfg.MinIdle || p.sizeLocked() >= p.max {
			p.mu.Unlock()
			return
		}
		target := p.reserveLocked()
		var launch <-chan error
		if target == nil {
			launch = p.launchLocked()
		}
		p.mu.Unlock()

		if target != nil {
			p.replenish(target)
			continue
		}
		if launch == nil {
			return
		}
		select {
		case err := <-launch:
			if err != nil {
				return
			}
		case <-p.ctx.Done():
			return
		}
	}
}

// Resize changes the maximum pool size. Shrinking closes idle contexts at
// once; leased contexts are retired as they come back.
func (p *Pool) Resize(newMax int) error {
	if newMax <= 0 {
		return fmt.Errorf("pool size must be positive, got %d", newMax)
	}
	if newMax < p.cfg.MaxContextsPerBrowser {
		p.log.Info("resizing below per-browser limit", "max", newMax, "per_browser", p.cfg.MaxContextsPerBrowser)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	old := p.max
	p.max = newMax

	closed := 0
	for p.activeLocked() > p.max && len(p.idle) > 0 {
		e := p.idle[0]
		p.idle = p.idle[1:]
		p.retireLocked(e, false)
		closed++
	}
	p.broadcastLocked()
	p.log.Info("pool resized", "old_max", old, "new_max", newMax, "idle_closed", closed)
	return nil
}

// InstanceStats describes one browser instance.
type InstanceStats struct {
	ID       string `json:"id"`
	Status   Status `json:"status"`
	Contexts int    `json:"contexts"`
}

// Stats is a snapshot of the pool.
type Stats struct {
	Instances []InstanceStats `json:"instances"`
	Idle      int             `json:"idle"`
	Leased    int             `json:"leased"`
	Pending   int             `json:"pending"`
	Closing   int             `json:"closing"`
	Size      int             `json:"size"`
	Max       int             `json:"max"`
	Launching bool            `json:"launching"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{
		Idle:      len(p.idle),
		Leased:    len(p.leased),
		Pending:   p.pending,
		Closing:   p.closing,
		Size:      p.sizeLocked(),
		Max:       p.max,
		Launching: p.launching,
	}
	for id, s := range p.slots {
		s.mu.Lock()
		st.Instances = append(st.Instances, InstanceStats{ID: id, Status: s.status, Contexts: s.live})
		s.mu.Unlock()
	}
	sort.Slice(st.Instances, func(i, j int) bool { return st.Instances[i].ID < st.Instances[j].ID })
	return st
}

// Healthy reports whether at least one instance is usable, or none has been
// launched yet.
func (p *Pool) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if len(p.slots) == 0 {
		return true
	}
	for _, s := range p.slots {
		if !s.isDead() {
			return true
		}
	}
	return false
}

// Close closes every context and shuts down every instance concurrently.
// Leases released afterwards are ignored.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := append([]*entry(nil), p.idle...)
	for e := range p.leased {
		entries = append(entries, e)
	}
	p.idle = nil
	slots := make([]*slot, 0, len(p.slots))
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	p.slots = make(map[string]*slot)
	p.broadcastLocked()
	p.mu.Unlock()

	p.cancel()
	p.log.Info("closing pool", "contexts", len(entries), "instances", len(slots))

	var contexts errgroup.Group
	for _, e := range entries {
		contexts.Go(func() error {
			p.closeContext(e)
			return nil
		})
	}
	_ = contexts.Wait()

	var browsers errgroup.Group
	for _, s := range slots {
		browsers.Go(func() error {
			s.markDead()
			if err := s.browser.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown browser %s: %w", s.browser.ID(), err)
			}
			return nil
		})
	}
	err := browsers.Wait()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = fmt.Errorf("pool close: %w", ctx.Err())
		}
	}
	return err
}
