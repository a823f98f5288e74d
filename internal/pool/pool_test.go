package pool_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"browserd/internal/pool"
	"browserd/internal/pool/pooltest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newPool(t *testing.T, l pool.Launcher, cfg pool.Config) *pool.Pool {
	t.Helper()
	if cfg.MaxBrowsers == 0 {
		cfg.MaxBrowsers = 2
	}
	if cfg.MaxContextsPerBrowser == 0 {
		cfg.MaxContextsPerBrowser = 2
	}
	if cfg.MaxContexts == 0 {
		cfg.MaxContexts = 4
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = time.Hour
	}
	p, err := pool.New(l, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, p.Close(ctx))
	})
	return p
}

func acquire(t *testing.T, p *pool.Pool) *pool.Lease {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	lease, err := p.Acquire(ctx)
	require.NoError(t, err)
	return lease
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := pool.New(&pooltest.Launcher{}, pool.Config{MaxBrowsers: 1, MaxContextsPerBrowser: 4, MaxContexts: 2})
	require.Error(t, err)

	_, err = pool.New(&pooltest.Launcher{}, pool.Config{MaxBrowsers: 0, MaxContextsPerBrowser: 1, MaxContexts: 1})
	require.Error(t, err)
}

func TestAcquireReusesResetContext(t *testing.T) {
	l := &pooltest.Launcher{}
	p := newPool(t, l, pool.Config{})

	lease := acquire(t, p)
	fc := lease.Context().(*pooltest.Context)
	fc.Set("session", "task-1")
	lease.Release(pool.OutcomeOK)

	again := acquire(t, p)
	defer again.Release(pool.OutcomeOK)

	assert.Equal(t, fc.ID(), again.Context().ID(), "idle context should be reused")
	_, found := again.Context().(*pooltest.Context).Get("session")
	assert.False(t, found, "state from the previous task must be cleared")
	assert.Equal(t, 1, fc.Resets())
	assert.Equal(t, 1, l.Launches())
}

func TestHandlerFailedContextIsReused(t *testing.T) {
	p := newPool(t, &pooltest.Launcher{}, pool.Config{})

	lease := acquire(t, p)
	id := lease.Context().ID()
	lease.Release(pool.OutcomeHandlerFailed)

	again := acquire(t, p)
	defer again.Release(pool.OutcomeOK)
	assert.Equal(t, id, again.Context().ID())
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	p := newPool(t, &pooltest.Launcher{}, pool.Config{})

	lease := acquire(t, p)
	lease.Release(pool.OutcomeOK)
	lease.Release(pool.OutcomeOK)
	lease.Release(pool.OutcomeTimedOut)

	st := p.Stats()
	assert.Equal(t, 1, st.Idle)
	assert.Equal(t, 0, st.Leased)
	assert.False(t, lease.Context().(*pooltest.Context).Closed())
}

func TestAcquireTimeout(t *testing.T) {
	p := newPool(t, &pooltest.Launcher{}, pool.Config{MaxBrowsers: 1, MaxContextsPerBrowser: 1, MaxContexts: 1})

	held := acquire(t, p)
	defer held.Release(pool.OutcomeOK)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(ctx)
	require.ErrorIs(t, err, pool.ErrAcquireTimeout)
}

func TestWaiterWakesOnRelease(t *testing.T) {
	p := newPool(t, &pooltest.Launcher{}, pool.Config{MaxBrowsers: 1, MaxContextsPerBrowser: 1, MaxContexts: 1})

	held := acquire(t, p)
	got := make(chan *pool.Lease)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		lease, err := p.Acquire(ctx)
		if err != nil {
			close(got)
			return
		}
		got <- lease
	}()

	time.Sleep(20 * time.Millisecond)
	held.Release(pool.OutcomeOK)

	lease, ok := <-got
	require.True(t, ok, "waiter should get the released context")
	assert.Equal(t, held.Context().ID(), lease.Context().ID())
	lease.Release(pool.OutcomeOK)
}

func TestTimedOutContextIsNeverReused(t *testing.T) {
	p := newPool(t, &pooltest.Launcher{}, pool.Config{MaxBrowsers: 1, MaxContextsPerBrowser: 2, MaxContexts: 2})

	lease := acquire(t, p)
	fc := lease.Context().(*pooltest.Context)
	lease.Release(pool.OutcomeTimedOut)

	require.Eventually(t, fc.Closed, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		next := acquire(t, p)
		assert.NotEqual(t, fc.ID(), next.Context().ID())
		next.Release(pool.OutcomeOK)
	}
}

func TestRetiredContextIsReplaced(t *testing.T) {
	p := newPool(t, &pooltest.Launcher{}, pool.Config{})

	lease := acquire(t, p)
	lease.Release(pool.OutcomeSuspect)

	require.Eventually(t, func() bool {
		st := p.Stats()
		return st.Idle == 1 && st.Closing == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRecycleAfterUses(t *testing.T) {
	p := newPool(t, &pooltest.Launcher{}, pool.Config{RecycleAfter: 2})

	first := acquire(t, p)
	id := first.Context().ID()
	first.Release(pool.OutcomeOK)

	second := acquire(t, p)
	require.Equal(t, id, second.Context().ID())
	second.Release(pool.OutcomeOK)

	require.Eventually(t, second.Context().(*pooltest.Context).Closed, time.Second, 5*time.Millisecond)

	third := acquire(t, p)
	defer third.Release(pool.OutcomeOK)
	assert.NotEqual(t, id, third.Context().ID())
}

func TestResetFailureRetires(t *testing.T) {
	p := newPool(t, &pooltest.Launcher{}, pool.Config{})

	lease := acquire(t, p)
	fc := lease.Context().(*pooltest.Context)
	fc.ResetErr = assert.AnError
	lease.Release(pool.OutcomeOK)

	require.Eventually(t, fc.Closed, time.Second, 5*time.Millisecond)
}

func TestPerBrowserCapScalesBrowsers(t *testing.T) {
	l := &pooltest.Launcher{}
	p := newPool(t, l, pool.Config{MaxBrowsers: 2, MaxContextsPerBrowser: 2, MaxContexts: 4})

	var leases []*pool.Lease
	for i := 0; i < 4; i++ {
		leases = append(leases, acquire(t, p))
	}
	assert.Equal(t, 2, l.Launches())
	for _, b := range l.Browsers() {
		assert.LessOrEqual(t, b.MaxLive(), 2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(ctx)
	require.ErrorIs(t, err, pool.ErrAcquireTimeout)

	for _, lease := range leases {
		lease.Release(pool.OutcomeOK)
	}
}

func TestConcurrentAcquireRespectsLimits(t *testing.T) {
	l := &pooltest.Launcher{}
	const maxContexts = 3
	p := newPool(t, l, pool.Config{MaxBrowsers: 2, MaxContextsPerBrowser: 2, MaxContexts: maxContexts})

	var (
		inUse   atomic.Int32
		peak    atomic.Int32
		holders sync.Map
		wg      sync.WaitGroup
	)
	for w := 0; w < 12; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				lease, err := p.Acquire(ctx)
				cancel()
				if !assert.NoError(t, err) {
					return
				}
				_, loaded := holders.LoadOrStore(lease.Context().ID(), true)
				assert.False(t, loaded, "context leased to two tasks at once")

				n := inUse.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				assert.LessOrEqual(t, p.Stats().Size, maxContexts)
				time.Sleep(time.Millisecond)
				inUse.Add(-1)

				holders.Delete(lease.Context().ID())
				lease.Release(pool.OutcomeOK)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, int(peak.Load()), maxContexts)
	for _, b := range l.Browsers() {
		assert.LessOrEqual(t, b.MaxLive(), 2)
	}
	assert.LessOrEqual(t, l.Launches(), 2)
}

func TestLaunchFailureSurfaces(t *testing.T) {
	l := &pooltest.Launcher{}
	l.FailLaunches(1)
	p := newPool(t, l, pool.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := p.Acquire(ctx)
	require.ErrorIs(t, err, pool.ErrLaunch)

	lease := acquire(t, p)
	lease.Release(pool.OutcomeOK)
}

func TestFailedScaleUpWaitsForLeasedContext(t *testing.T) {
	l := &pooltest.Launcher{}
	p := newPool(t, l, pool.Config{MaxBrowsers: 2, MaxContextsPerBrowser: 1, MaxContexts: 2})

	held := acquire(t, p)
	l.FailLaunches(10)
	released := make(chan struct{})
	go func() {
		defer close(released)
		time.Sleep(100 * time.Millisecond)
		held.Release(pool.OutcomeOK)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	lease, err := p.Acquire(ctx)
	require.NoError(t, err)
	<-released
	defer lease.Release(pool.OutcomeOK)

	assert.Equal(t, held.BrowserID(), lease.BrowserID())
	// one successful launch, one failed scale-up, no relaunch loop
	assert.Equal(t, 2, l.Launches())
}

func TestLaunchesAreSpaced(t *testing.T) {
	const interval = 150 * time.Millisecond
	var mu sync.Mutex
	var starts []time.Time
	l := &pooltest.Launcher{OnLaunch: func(ctx context.Context) error {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return nil
	}}
	p := newPool(t, l, pool.Config{MaxBrowsers: 3, MaxContextsPerBrowser: 1, MaxContexts: 3, LaunchInterval: interval})

	for i := 0; i < 3; i++ {
		defer acquire(t, p).Release(pool.OutcomeOK)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 3)
	for i := 1; i < len(starts); i++ {
		// the limiter may fire slightly early
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), interval-20*time.Millisecond)
	}
}

func TestContextCreationFailureSurfaces(t *testing.T) {
	l := &pooltest.Launcher{}
	p := newPool(t, l, pool.Config{MaxBrowsers: 1, MaxContextsPerBrowser: 2, MaxContexts: 2})

	held := acquire(t, p)
	defer held.Release(pool.OutcomeOK)
	l.Browsers()[0].FailContexts(1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := p.Acquire(ctx)
	require.ErrorIs(t, err, pool.ErrContextCreation)

	second := acquire(t, p)
	second.Release(pool.OutcomeOK)
}

func TestCrashEvictsBrowserAndRecovers(t *testing.T) {
	l := &pooltest.Launcher{}
	p := newPool(t, l, pool.Config{MaxBrowsers: 1, MaxContextsPerBrowser: 2, MaxContexts: 2})

	idle := acquire(t, p)
	lease := acquire(t, p)
	idle.Release(pool.OutcomeOK)

	crashed := l.Browsers()[0]
	crashed.Crash()

	require.Eventually(t, func() bool { return !lease.BrowserConnected() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, idle.Context().(*pooltest.Context).Closed, time.Second, 5*time.Millisecond)
	lease.Release(pool.OutcomeCrashed)

	next := acquire(t, p)
	defer next.Release(pool.OutcomeOK)
	assert.NotEqual(t, crashed.ID(), next.BrowserID())
	assert.Equal(t, 2, l.Launches())
	require.Eventually(t, lease.Context().(*pooltest.Context).Closed, time.Second, 5*time.Millisecond)
}

func TestHealthCheckEvictsDeadBrowser(t *testing.T) {
	l := &pooltest.Launcher{}
	p := newPool(t, l, pool.Config{})

	lease := acquire(t, p)
	lease.Release(pool.OutcomeOK)

	b := l.Browsers()[0]
	b.SetStatus(pool.StatusDead)
	p.CheckHealth(context.Background())

	require.Eventually(t, func() bool {
		for _, inst := range p.Stats().Instances {
			if inst.ID == b.ID() {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return b.Shutdowns() > 0 }, time.Second, 5*time.Millisecond)
}

func TestDegradedBrowserGetsNoNewContexts(t *testing.T) {
	l := &pooltest.Launcher{}
	p := newPool(t, l, pool.Config{MaxBrowsers: 2, MaxContextsPerBrowser: 2, MaxContexts: 4})

	first := acquire(t, p)
	defer first.Release(pool.OutcomeOK)

	l.Browsers()[0].SetStatus(pool.StatusDegraded)
	p.CheckHealth(context.Background())

	second := acquire(t, p)
	defer second.Release(pool.OutcomeOK)
	assert.NotEqual(t, first.BrowserID(), second.BrowserID())
}

func TestResizeShrinksIdle(t *testing.T) {
	p := newPool(t, &pooltest.Launcher{}, pool.Config{MaxBrowsers: 1, MaxContextsPerBrowser: 4, MaxContexts: 4})

	var leases []*pool.Lease
	for i := 0; i < 4; i++ {
		leases = append(leases, acquire(t, p))
	}
	for _, lease := range leases {
		lease.Release(pool.OutcomeOK)
	}
	require.Equal(t, 4, p.Stats().Idle)

	require.NoError(t, p.Resize(2))
	require.Eventually(t, func() bool {
		st := p.Stats()
		return st.Size == 2 && st.Max == 2
	}, time.Second, 5*time.Millisecond)

	require.Error(t, p.Resize(0))
}

func TestResizeRetiresLeasedOverCapacity(t *testing.T) {
	p := newPool(t, &pooltest.Launcher{}, pool.Config{MaxBrowsers: 1, MaxContextsPerBrowser: 3, MaxContexts: 3})

	a, b, c := acquire(t, p), acquire(t, p), acquire(t, p)
	require.NoError(t, p.Resize(1))

	a.Release(pool.OutcomeOK)
	b.Release(pool.OutcomeOK)
	c.Release(pool.OutcomeOK)

	require.Eventually(t, func() bool {
		st := p.Stats()
		return st.Size <= 1 && st.Closing == 0
	}, time.Second, 5*time.Millisecond)
}

func TestMinIdleWarmsContexts(t *testing.T) {
	p := newPool(t, &pooltest.Launcher{}, pool.Config{MinIdle: 2})

	require.Eventually(t, func() bool { return p.Stats().Idle == 2 }, time.Second, 5*time.Millisecond)
}

func TestCloseShutsEverythingDown(t *testing.T) {
	l := &pooltest.Launcher{}
	p, err := pool.New(l, pool.Config{MaxBrowsers: 1, MaxContextsPerBrowser: 2, MaxContexts: 2, HealthCheckInterval: time.Hour})
	require.NoError(t, err)

	held := acquire(t, p)
	idle := acquire(t, p)
	idle.Release(pool.OutcomeOK)

	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))

	for _, c := range l.AllContexts() {
		assert.True(t, c.Closed())
	}
	assert.Equal(t, 1, l.Browsers()[0].Shutdowns())
	assert.False(t, p.Healthy())

	held.Release(pool.OutcomeOK)
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, pool.ErrClosed)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "timed_out", pool.OutcomeTimedOut.String())
	assert.Equal(t, "crashed", pool.OutcomeCrashed.String())
}
