package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"testing"
	"time"

	"browserd/internal/config"
	"browserd/internal/pool"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePIDs(t *testing.T) {
	assert.Equal(t, []int{12, 345}, parsePIDs([]byte("12\n345\n")))
	assert.Empty(t, parsePIDs([]byte("")))
	assert.Equal(t, []int{7}, parsePIDs([]byte("junk\n7\n")))
}

func TestNewPIDs(t *testing.T) {
	assert.Equal(t, []int{3, 4}, newPIDs([]int{1, 2}, []int{1, 2, 3, 4}))
	assert.Empty(t, newPIDs([]int{1, 2}, []int{2, 1}))
}

func TestProcessExists(t *testing.T) {
	assert.True(t, processExists(os.Getpid()))
	assert.False(t, processExists(0))
	assert.False(t, processExists(-1))
}

func startSleeper(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { cmd.Process.Kill() })
	return cmd
}

func TestProcessExistsForChild(t *testing.T) {
	cmd := startSleeper(t)
	assert.True(t, processExists(cmd.Process.Pid))

	require.NoError(t, cmd.Process.Kill())
	if _, err := os.Stat("/proc/self/stat"); err == nil {
		// killed but not reaped yet
		assert.Eventually(t, func() bool { return isZombie(cmd.Process.Pid) }, 5*time.Second, 10*time.Millisecond)
		assert.False(t, processExists(cmd.Process.Pid))
	}
	cmd.Wait()
	assert.False(t, processExists(cmd.Process.Pid))
}

func TestWaitForExitKillsSurvivors(t *testing.T) {
	cmd := startSleeper(t)
	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var kills int
	survivors := waitForExit(ctx, []int{cmd.Process.Pid}, slog.New(slog.NewTextHandler(io.Discard, nil)), func() { kills++ })
	assert.Empty(t, survivors)
	assert.Equal(t, 1, kills)

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("process still running after waitForExit")
	}
}

func TestWaitForExitNoPIDs(t *testing.T) {
	assert.Nil(t, waitForExit(context.Background(), nil, nil, nil))
}

func TestErrorsMatchPoolSentinels(t *testing.T) {
	cause := errors.New("boom")

	var err error = &LaunchError{Err: cause}
	assert.ErrorIs(t, err, pool.ErrLaunch)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "boom")

	err = &ContextError{BrowserID: "b1", Err: cause}
	assert.ErrorIs(t, err, pool.ErrContextCreation)
	assert.NotErrorIs(t, err, pool.ErrLaunch)
	assert.Contains(t, err.Error(), "b1")
}

func TestLaunchOptions(t *testing.T) {
	cfg := LaunchConfig{
		Headless:       true,
		Args:           config.DefaultChromiumArgs,
		ExecutablePath: "/usr/bin/chromium",
		Proxy:          "socks5://127.0.0.1:1080",
	}
	cfg.setDefaults()
	opts := cfg.launchOptions()

	require.NotNil(t, opts.Headless)
	assert.True(t, *opts.Headless)
	assert.Equal(t, config.DefaultChromiumArgs, opts.Args)
	require.NotNil(t, opts.ExecutablePath)
	assert.Equal(t, "/usr/bin/chromium", *opts.ExecutablePath)
	require.NotNil(t, opts.Proxy)
	assert.Equal(t, "socks5://127.0.0.1:1080", opts.Proxy.Server)
	assert.Equal(t, DefaultContextOptions(), cfg.Context)
}

func TestRunWithContextReturnsEarly(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	abandoned := make(chan struct{})
	err := runWithContext(ctx, func() error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}, func() { close(abandoned) })
	require.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-abandoned:
	case <-time.After(time.Second):
		t.Fatal("abandon callback did not run")
	}
}

func browserTestConfig(t *testing.T) LaunchConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping browser test in short mode")
	}
	if os.Getenv("BROWSERD_BROWSER_TESTS") == "" {
		t.Skip("Set BROWSERD_BROWSER_TESTS=1 to run tests that launch Chromium")
	}
	return LaunchConfig{
		Headless:       true,
		Args:           config.DefaultChromiumArgs,
		StartupTimeout: 60 * time.Second,
	}
}

func TestInstanceLifecycle(t *testing.T) {
	cfg := browserTestConfig(t)
	ctx := context.Background()

	inst, err := Launch(ctx, cfg)
	require.NoError(t, err)
	assert.True(t, inst.Connected())
	assert.NotEmpty(t, inst.Version())
	assert.Equal(t, pool.StatusReady, inst.HealthCheck(ctx))

	c, err := inst.NewContextWithOptions(ctx, DefaultContextOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, inst.LiveContexts())

	_, err = c.Page().Goto("data:text/html,<title>blank</title>")
	require.NoError(t, err)
	require.NoError(t, c.Reset(ctx))
	assert.Equal(t, "about:blank", c.Page().URL())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 0, inst.LiveContexts())

	require.NoError(t, inst.Shutdown(ctx))
	require.NoError(t, inst.Shutdown(ctx))
	assert.False(t, inst.Connected())
	assert.Equal(t, pool.StatusDead, inst.HealthCheck(ctx))

	select {
	case <-inst.Disconnected():
	case <-time.After(5 * time.Second):
		t.Fatal("disconnected channel not closed after shutdown")
	}
	for _, pid := range inst.PIDs() {
		assert.False(t, processExists(pid), "process %d survived shutdown", pid)
	}

	_, err = inst.NewContext(ctx)
	assert.ErrorIs(t, err, pool.ErrContextCreation)
}

func TestOriginOf(t *testing.T) {
	assert.Equal(t, "https://example.com", originOf("https://example.com/a/b?c=d"))
	assert.Equal(t, "http://localhost:8080", originOf("http://localhost:8080/"))
	assert.Empty(t, originOf("about:blank"))
	assert.Empty(t, originOf("data:text/html,<p>x</p>"))
	assert.Empty(t, originOf("::"))
}

const seedStorage = `() => new Promise((resolve, reject) => {
	document.cookie = "session=1; path=/";
	localStorage.setItem("k", "v");
	const open = indexedDB.open("isolation", 1);
	open.onupgradeneeded = () => open.result.createObjectStore("items");
	open.onerror = () => reject(open.error);
	open.onsuccess = () => {
		const tx = open.result.transaction("items", "readwrite");
		tx.objectStore("items").put("v", "k");
		tx.onerror = () => reject(tx.error);
		tx.oncomplete = () => {
			open.result.close();
			caches.open("isolation")
				.then(c => c.put("/cached", new Response("x")))
				.then(() => resolve(true), reject);
		};
	};
})`

const readStorage = `async () => ({
	cookie: document.cookie,
	local: localStorage.getItem("k"),
	databases: (await indexedDB.databases()).map(d => d.name),
	caches: await caches.keys(),
})`

func TestResetClearsOriginStorage(t *testing.T) {
	cfg := browserTestConfig(t)
	ctx := context.Background()

	inst, err := Launch(ctx, cfg)
	require.NoError(t, err)
	defer inst.Shutdown(ctx)

	c, err := inst.NewContextWithOptions(ctx, DefaultContextOptions())
	require.NoError(t, err)
	defer c.Close()

	const site = "https://isolation.test/"
	require.NoError(t, c.BrowserContext().Route(site+"**", func(r playwright.Route) {
		r.Fulfill(playwright.RouteFulfillOptions{
			Status:      playwright.Int(200),
			ContentType: playwright.String("text/html"),
			Body:        "<html><body>ok</body></html>",
		})
	}))

	_, err = c.Page().Goto(site)
	require.NoError(t, err)
	_, err = c.Page().Evaluate(seedStorage)
	require.NoError(t, err)

	before, err := c.Page().Evaluate(readStorage)
	require.NoError(t, err)
	seeded := before.(map[string]interface{})
	require.Equal(t, "v", seeded["local"])
	require.Contains(t, seeded["databases"], "isolation")
	require.Contains(t, seeded["caches"], "isolation")

	require.NoError(t, c.Reset(ctx))

	cookies, err := c.BrowserContext().Cookies()
	require.NoError(t, err)
	assert.Empty(t, cookies)

	_, err = c.Page().Goto(site)
	require.NoError(t, err)
	after, err := c.Page().Evaluate(readStorage)
	require.NoError(t, err)
	got := after.(map[string]interface{})
	assert.Empty(t, got["cookie"])
	assert.Nil(t, got["local"])
	assert.NotContains(t, got["databases"], "isolation")
	assert.NotContains(t, got["caches"], "isolation")
}

func TestCheckAvailability(t *testing.T) {
	cfg := browserTestConfig(t)
	require.NoError(t, CheckAvailability(context.Background(), cfg, 90*time.Second))
}
