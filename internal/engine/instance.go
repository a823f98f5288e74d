package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"browserd/internal/monitoring"
	"browserd/internal/pool"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
)

// LaunchConfig describes how to start one browser instance.
type LaunchConfig struct {
	Headless       bool
	Args           []string
	ExecutablePath string
	// Proxy is passed to Chromium as its proxy server, e.g. socks5://host:1080.
	Proxy           string
	StartupTimeout  time.Duration
	ShutdownTimeout time.Duration
	// MaxContexts caps live contexts on the instance; zero means no cap.
	MaxContexts int
	Context     ContextOptions

	Monitor *monitoring.BrowserMonitor
	Logger  *slog.Logger
}

// ContextOptions are applied to every context created on an instance.
type ContextOptions struct {
	ViewportWidth     int
	ViewportHeight    int
	DeviceScaleFactor float64
	UserAgent         string
	Locale            string
}

// DefaultContextOptions matches the viewport used for full-page captures.
func DefaultContextOptions() ContextOptions {
	return ContextOptions{ViewportWidth: 1500, ViewportHeight: 1080, DeviceScaleFactor: 2}
}

func (c *LaunchConfig) setDefaults() {
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.Context == (ContextOptions{}) {
		c.Context = DefaultContextOptions()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *LaunchConfig) launchOptions() playwright.BrowserTypeLaunchOptions {
	opts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(c.Headless),
		Args:     c.Args,
		Timeout:  playwright.Float(float64(c.StartupTimeout.Milliseconds())),
	}
	if c.ExecutablePath != "" {
		opts.ExecutablePath = playwright.String(c.ExecutablePath)
	}
	if c.Proxy != "" {
		opts.Proxy = &playwright.Proxy{Server: c.Proxy}
	}
	return opts
}

// Launcher starts instances for the pool. Process starts are serialized so
// each instance can tell which Chromium processes are its own.
type Launcher struct {
	cfg     LaunchConfig
	startMu sync.Mutex
}

func NewLauncher(cfg LaunchConfig) *Launcher {
	cfg.setDefaults()
	return &Launcher{cfg: cfg}
}

func (l *Launcher) Launch(ctx context.Context) (pool.Browser, error) {
	inst, err := launch(ctx, l.cfg, &l.startMu)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// Launch starts a standalone instance outside of any pool.
func Launch(ctx context.Context, cfg LaunchConfig) (*Instance, error) {
	cfg.setDefaults()
	var mu sync.Mutex
	return launch(ctx, cfg, &mu)
}

// Instance is one playwright driver plus the Chromium it launched.
type Instance struct {
	id      string
	cfg     LaunchConfig
	log     *slog.Logger
	monitor *monitoring.BrowserMonitor

	// mu serializes lifecycle changes; context creation only reads under it.
	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
	status  pool.Status
	pids    []int

	live atomic.Int32

	disconnected   chan struct{}
	disconnectOnce sync.Once
	shutdownOnce   sync.Once
	shutdownErr    error
}

func launch(ctx context.Context, cfg LaunchConfig, startMu *sync.Mutex) (*Instance, error) {
	inst := &Instance{
		id:           uuid.NewString(),
		cfg:          cfg,
		monitor:      cfg.Monitor,
		status:       pool.StatusStarting,
		disconnected: make(chan struct{}),
	}
	inst.log = cfg.Logger.With("browser_id", inst.id)

	ctx, cancel := context.WithTimeout(ctx, cfg.StartupTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- inst.start(startMu)
	}()

	select {
	case err := <-done:
		if err != nil {
			inst.cleanupAfterFailedStart()
			return nil, &LaunchError{Err: err}
		}
	case <-ctx.Done():
		go func() {
			<-done
			inst.cleanupAfterFailedStart()
		}()
		return nil, &LaunchError{Err: fmt.Errorf("browser not ready: %w", ctx.Err())}
	}

	inst.log.Info("browser ready", "version", inst.Version(), "pids", len(inst.PIDs()))
	return inst, nil
}

func (i *Instance) start(startMu *sync.Mutex) error {
	startMu.Lock()
	defer startMu.Unlock()

	i.monitor.RecordLaunch()
	before := findRootPIDs()

	pw, err := playwright.Run()
	if err != nil {
		return fmt.Errorf("failed to start Playwright: %w", err)
	}

	browser, err := pw.Chromium.Launch(i.cfg.launchOptions())
	if err != nil {
		_ = pw.Stop()
		return fmt.Errorf("failed to launch Chromium: %w", err)
	}
	if !browser.IsConnected() || browser.Version() == "" {
		_ = browser.Close()
		_ = pw.Stop()
		return errNotReady
	}

	browser.OnDisconnected(func(playwright.Browser) {
		i.markDisconnected()
	})

	roots := newPIDs(before, findRootPIDs())

	i.mu.Lock()
	i.pw, i.browser = pw, browser
	i.pids = processTree(roots)
	i.status = pool.StatusReady
	i.mu.Unlock()
	return nil
}

func (i *Instance) cleanupAfterFailedStart() {
	ctx, cancel := context.WithTimeout(context.Background(), i.cfg.ShutdownTimeout)
	defer cancel()
	_ = i.Shutdown(ctx)
}

func (i *Instance) ID() string { return i.id }

// Status returns the last known status.
func (i *Instance) Status() pool.Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

func (i *Instance) setStatus(s pool.Status) {
	i.mu.Lock()
	if i.status != pool.StatusDead {
		i.status = s
	}
	i.mu.Unlock()
}

func (i *Instance) markDisconnected() {
	i.disconnectOnce.Do(func() {
		i.mu.Lock()
		i.status = pool.StatusDead
		i.mu.Unlock()
		close(i.disconnected)
		i.log.Warn("browser disconnected")
	})
}

func (i *Instance) Disconnected() <-chan struct{} { return i.disconnected }

func (i *Instance) Connected() bool {
	i.mu.Lock()
	browser, status := i.browser, i.status
	i.mu.Unlock()
	return browser != nil && status != pool.StatusDead && browser.IsConnected()
}

// Version returns the Chromium version, or "" once the instance is gone.
func (i *Instance) Version() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.browser == nil {
		return ""
	}
	return i.browser.Version()
}

// PIDs returns the Chromium processes attributed to this instance.
func (i *Instance) PIDs() []int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]int(nil), i.pids...)
}

// NewContext creates a context with the instance's default options.
func (i *Instance) NewContext(ctx context.Context) (pool.Context, error) {
	c, err := i.NewContextWithOptions(ctx, i.cfg.Context)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewContextWithOptions creates an isolated context with a blank page.
// It is safe to call concurrently.
func (i *Instance) NewContextWithOptions(ctx context.Context, opts ContextOptions) (*Context, error) {
	i.mu.Lock()
	browser, status := i.browser, i.status
	i.mu.Unlock()

	if browser == nil || (status != pool.StatusReady && status != pool.StatusDegraded) || !browser.IsConnected() {
		return nil, &ContextError{BrowserID: i.id, Err: errNotReady}
	}
	if i.cfg.MaxContexts > 0 && int(i.live.Load()) >= i.cfg.MaxContexts {
		return nil, &ContextError{BrowserID: i.id, Err: fmt.Errorf("instance at capacity (%d contexts)", i.cfg.MaxContexts)}
	}

	var (
		bc   playwright.BrowserContext
		page playwright.Page
	)
	err := runWithContext(ctx, func() error {
		var err error
		bc, err = browser.NewContext(browserContextOptions(opts))
		if err != nil {
			return err
		}
		page, err = bc.NewPage()
		if err != nil {
			_ = bc.Close()
			bc = nil
			return err
		}
		return nil
	}, func() {
		if bc != nil {
			_ = bc.Close()
		}
	})
	if err != nil {
		return nil, &ContextError{BrowserID: i.id, Err: err}
	}

	i.live.Add(1)
	i.monitor.RecordContextCreated()
	c := &Context{
		id:        uuid.NewString(),
		inst:      i,
		bc:        bc,
		page:      page,
		createdAt: time.Now(),
	}
	bc.OnRequest(c.noteRequest)
	return c, nil
}

func browserContextOptions(opts ContextOptions) playwright.BrowserNewContextOptions {
	out := playwright.BrowserNewContextOptions{}
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		out.Viewport = &playwright.Size{Width: opts.ViewportWidth, Height: opts.ViewportHeight}
	}
	if opts.DeviceScaleFactor > 0 {
		out.DeviceScaleFactor = playwright.Float(opts.DeviceScaleFactor)
	}
	if opts.UserAgent != "" {
		out.UserAgent = playwright.String(opts.UserAgent)
	}
	if opts.Locale != "" {
		out.Locale = playwright.String(opts.Locale)
	}
	return out
}

// LiveContexts is the number of contexts created and not yet closed.
func (i *Instance) LiveContexts() int { return int(i.live.Load()) }

// HealthCheck reports dead for a disconnected browser. Otherwise it opens a
// scratch context and navigates to about:blank; a failed check is degraded.
func (i *Instance) HealthCheck(ctx context.Context) pool.Status {
	i.mu.Lock()
	browser, status := i.browser, i.status
	i.mu.Unlock()

	if browser == nil || status == pool.StatusDead || !browser.IsConnected() {
		i.setStatus(pool.StatusDead)
		return pool.StatusDead
	}

	err := runWithContext(ctx, func() error {
		bc, err := browser.NewContext()
		if err != nil {
			return err
		}
		defer bc.Close()
		page, err := bc.NewPage()
		if err != nil {
			return err
		}
		_, err = page.Goto("about:blank")
		return err
	}, nil)
	if err != nil {
		if !browser.IsConnected() {
			i.setStatus(pool.StatusDead)
			return pool.StatusDead
		}
		i.log.Warn("health check failed", "error", err)
		i.setStatus(pool.StatusDegraded)
		return pool.StatusDegraded
	}
	i.setStatus(pool.StatusReady)
	return pool.StatusReady
}

// Shutdown closes the browser, stops the driver and makes sure every
// Chromium process of this instance has exited. It is idempotent.
func (i *Instance) Shutdown(ctx context.Context) error {
	i.shutdownOnce.Do(func() {
		i.shutdownErr = i.shutdown(ctx)
	})
	return i.shutdownErr
}

func (i *Instance) shutdown(ctx context.Context) error {
	i.mu.Lock()
	browser, pw := i.browser, i.pw
	roots := append([]int(nil), i.pids...)
	i.browser, i.pw = nil, nil
	i.status = pool.StatusDead
	i.mu.Unlock()

	if browser == nil && pw == nil {
		i.markDisconnected()
		return nil
	}

	// Renderers spawned after launch are only visible now.
	pids := processTree(roots)

	var errs []error
	if browser != nil {
		if err := closeStep(ctx, "browser close", func() error { return browser.Close() }); err != nil {
			errs = append(errs, err)
		}
	}
	if pw != nil {
		if err := closeStep(ctx, "playwright stop", pw.Stop); err != nil {
			errs = append(errs, err)
		}
	}

	if survivors := waitForExit(ctx, pids, i.log, i.monitor.RecordKill); len(survivors) > 0 {
		errs = append(errs, fmt.Errorf("%d browser processes survived shutdown: %v", len(survivors), survivors))
	}

	i.monitor.RecordShutdown()
	i.markDisconnected()
	i.log.Info("browser shut down", "processes", len(pids))
	return errors.Join(errs...)
}

// closeStep runs a close function bounded by ctx and absorbs panics from
// the driver connection.
func closeStep(ctx context.Context, name string, fn func() error) error {
	err := runWithContext(ctx, func() (ferr error) {
		defer func() {
			if r := recover(); r != nil {
				ferr = fmt.Errorf("%s panicked: %v", name, r)
			}
		}()
		return fn()
	}, nil)
	if err != nil && !IsTargetClosed(err) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// runWithContext runs fn and returns early with ctx.Err() if ctx ends first.
// When it returns early, abandon runs once fn has finished.
func runWithContext(ctx context.Context, fn func() error, abandon func()) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		go func() {
			<-done
			if abandon != nil {
				abandon()
			}
		}()
		return ctx.Err()
	}
}
