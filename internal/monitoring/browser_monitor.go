package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// BrowserMetrics is a point-in-time snapshot used for leak detection.
type BrowserMetrics struct {
	ChromeProcessCount int `json:"chrome_process_count"`
	TotalGoroutines    int `json:"total_goroutines"`

	BrowserLaunches  int64 `json:"browser_launches"`
	BrowserShutdowns int64 `json:"browser_shutdowns"`
	BrowserCrashes   int64 `json:"browser_crashes"`
	ProcessKills     int64 `json:"process_kills"`
	ContextsCreated  int64 `json:"contexts_created"`
	ContextsClosed   int64 `json:"contexts_closed"`

	LastUpdated   time.Time `json:"last_updated"`
	UptimeSeconds int64     `json:"uptime_seconds"`

	LeakDetected bool   `json:"leak_detected"`
	LeakReason   string `json:"leak_reason,omitempty"`
}

// ProcessCounter reports the number of Chromium processes on the host.
type ProcessCounter func() (int, error)

// BrowserMonitor counts browser lifecycle events and periodically checks for
// leaked Chromium processes. It is owned by the server and injected into the
// pool and engine; there is no package-level instance.
type BrowserMonitor struct {
	startTime time.Time
	counter   ProcessCounter

	mu      sync.RWMutex
	metrics BrowserMetrics

	launches  atomic.Int64
	shutdowns atomic.Int64
	crashes   atomic.Int64
	kills     atomic.Int64
	created   atomic.Int64
	closed    atomic.Int64
}

// NewBrowserMonitor creates a monitor that counts processes with pgrep.
func NewBrowserMonitor() *BrowserMonitor {
	return NewBrowserMonitorWithCounter(CountChromeProcesses)
}

// NewBrowserMonitorWithCounter creates a monitor with a custom process counter.
func NewBrowserMonitorWithCounter(counter ProcessCounter) *BrowserMonitor {
	return &BrowserMonitor{
		startTime: time.Now(),
		counter:   counter,
		metrics:   BrowserMetrics{LastUpdated: time.Now()},
	}
}

func (bm *BrowserMonitor) RecordLaunch() {
	if bm == nil {
		return
	}
	slog.Debug("Browser launch recorded", "total_launches", bm.launches.Add(1))
}

func (bm *BrowserMonitor) RecordShutdown() {
	if bm == nil {
		return
	}
	slog.Debug("Browser shutdown recorded", "total_shutdowns", bm.shutdowns.Add(1))
}

func (bm *BrowserMonitor) RecordCrash() {
	if bm == nil {
		return
	}
	slog.Debug("Browser crash recorded", "total_crashes", bm.crashes.Add(1))
}

func (bm *BrowserMonitor) RecordKill() {
	if bm == nil {
		return
	}
	slog.Debug("Process kill recorded", "total_kills", bm.kills.Add(1))
}

func (bm *BrowserMonitor) RecordContextCreated() {
	if bm == nil {
		return
	}
	bm.created.Add(1)
}

func (bm *BrowserMonitor) RecordContextClosed() {
	if bm == nil {
		return
	}
	bm.closed.Add(1)
}

// CountChromeProcesses counts chrome processes on the host with pgrep.
func CountChromeProcesses() (int, error) {
	output, err := exec.Command("pgrep", "-af", "chrome").Output()
	if err != nil {
		// pgrep exits 1 when nothing matched
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count chrome processes: %w", err)
	}

	trimmed := strings.TrimSpace(string(output))
	if trimmed == "" {
		return 0, nil
	}
	return len(strings.Split(trimmed, "\n")), nil
}

// GetMetrics returns the last collected snapshot with live counters.
func (bm *BrowserMonitor) GetMetrics() BrowserMetrics {
	bm.mu.RLock()
	metrics := bm.metrics
	bm.mu.RUnlock()

	bm.fillCounters(&metrics)
	return metrics
}

func (bm *BrowserMonitor) fillCounters(m *BrowserMetrics) {
	m.BrowserLaunches = bm.launches.Load()
	m.BrowserShutdowns = bm.shutdowns.Load()
	m.BrowserCrashes = bm.crashes.Load()
	m.ProcessKills = bm.kills.Load()
	m.ContextsCreated = bm.created.Load()
	m.ContextsClosed = bm.closed.Load()
}

// Update refreshes the snapshot and runs leak detection.
func (bm *BrowserMonitor) Update() BrowserMetrics {
	chromeCount, err := bm.counter()
	if err != nil {
		slog.Error("Failed to get Chrome process count", "error", err)
		chromeCount = -1
	}

	m := BrowserMetrics{
		ChromeProcessCount: chromeCount,
		TotalGoroutines:    runtime.NumGoroutine(),
		LastUpdated:        time.Now(),
		UptimeSeconds:      int64(time.Since(bm.startTime).Seconds()),
	}
	bm.fillCounters(&m)
	detectLeaks(&m)

	bm.mu.Lock()
	bm.metrics = m
	bm.mu.Unlock()
	return m
}

// detectLeaks flags a snapshot whose counters suggest leaked browsers.
func detectLeaks(m *BrowserMetrics) {
	live := m.BrowserLaunches - m.BrowserShutdowns
	switch {
	case m.ChromeProcessCount > 0 && live >= 0 && m.ChromeProcessCount > int(live+1)*16:
		m.LeakDetected = true
		m.LeakReason = fmt.Sprintf("High Chrome process count: %d for %d live browsers", m.ChromeProcessCount, live)
	case m.ContextsCreated-m.ContextsClosed > 64:
		m.LeakDetected = true
		m.LeakReason = fmt.Sprintf("Context create/close imbalance: %d created, %d closed", m.ContextsCreated, m.ContextsClosed)
	case m.TotalGoroutines > 1000:
		m.LeakDetected = true
		m.LeakReason = fmt.Sprintf("High goroutine count: %d", m.TotalGoroutines)
	}
}

// Run collects metrics every interval until ctx is done.
func (bm *BrowserMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Started browser metrics collection", "update_interval", interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics := bm.Update()
			if metrics.LeakDetected {
				slog.Warn("Browser leak detected",
					"reason", metrics.LeakReason,
					"chrome_processes", metrics.ChromeProcessCount,
					"goroutines", metrics.TotalGoroutines)
			} else {
				slog.Debug("Browser metrics updated",
					"chrome_processes", metrics.ChromeProcessCount,
					"goroutines", metrics.TotalGoroutines,
					"browser_launches", metrics.BrowserLaunches,
					"browser_shutdowns", metrics.BrowserShutdowns)
			}
		}
	}
}

// GetMetricsJSON returns the metrics as indented JSON.
func (bm *BrowserMonitor) GetMetricsJSON() (string, error) {
	jsonBytes, err := json.MarshalIndent(bm.GetMetrics(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal metrics to JSON: %w", err)
	}
	return string(jsonBytes), nil
}

// LogCurrentStatus logs the current snapshot at info level.
func (bm *BrowserMonitor) LogCurrentStatus() {
	metrics := bm.GetMetrics()

	slog.Info("Browser Monitor Status",
		"chrome_processes", metrics.ChromeProcessCount,
		"goroutines", metrics.TotalGoroutines,
		"browser_launches", metrics.BrowserLaunches,
		"browser_shutdowns", metrics.BrowserShutdowns,
		"browser_crashes", metrics.BrowserCrashes,
		"process_kills", metrics.ProcessKills,
		"contexts_created", metrics.ContextsCreated,
		"contexts_closed", metrics.ContextsClosed,
		"uptime_seconds", metrics.UptimeSeconds,
		"leak_detected", metrics.LeakDetected,
		"leak_reason", metrics.LeakReason)
}
