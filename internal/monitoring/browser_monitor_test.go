package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// TestBrowserMonitoringBasics tests the counters and snapshot refresh
func TestBrowserMonitoringBasics(t *testing.T) {
	monitor := NewBrowserMonitorWithCounter(func() (int, error) { return 3, nil })

	monitor.RecordLaunch()
	monitor.RecordContextCreated()
	monitor.RecordContextCreated()

	metrics := monitor.GetMetrics()
	if metrics.BrowserLaunches != 1 {
		t.Errorf("Expected 1 launch, got %d", metrics.BrowserLaunches)
	}
	if metrics.ContextsCreated != 2 {
		t.Errorf("Expected 2 contexts created, got %d", metrics.ContextsCreated)
	}

	monitor.RecordContextClosed()
	monitor.RecordShutdown()
	monitor.RecordCrash()
	monitor.RecordKill()

	updated := monitor.Update()
	if updated.ChromeProcessCount != 3 {
		t.Errorf("Expected chrome process count 3, got %d", updated.ChromeProcessCount)
	}
	if updated.BrowserShutdowns != 1 || updated.BrowserCrashes != 1 || updated.ProcessKills != 1 {
		t.Errorf("Unexpected counters: %+v", updated)
	}
	if updated.ContextsClosed != 1 {
		t.Errorf("Expected 1 context closed, got %d", updated.ContextsClosed)
	}
	if updated.LeakDetected {
		t.Errorf("Did not expect leak: %s", updated.LeakReason)
	}
	if updated.TotalGoroutines < 1 {
		t.Errorf("Expected goroutine count, got %d", updated.TotalGoroutines)
	}
}

func TestLeakDetection(t *testing.T) {
	monitor := NewBrowserMonitorWithCounter(func() (int, error) { return 100, nil })
	monitor.RecordLaunch()

	metrics := monitor.Update()
	if !metrics.LeakDetected {
		t.Fatal("Expected leak for 100 chrome processes with one live browser")
	}
	t.Logf("Leak reason: %s", metrics.LeakReason)
}

func TestCounterErrorReportsNegative(t *testing.T) {
	monitor := NewBrowserMonitorWithCounter(func() (int, error) { return 0, errors.New("no pgrep") })
	if got := monitor.Update().ChromeProcessCount; got != -1 {
		t.Errorf("Expected -1 on counter error, got %d", got)
	}
}

func TestNilMonitorIsSafe(t *testing.T) {
	var monitor *BrowserMonitor
	monitor.RecordLaunch()
	monitor.RecordShutdown()
	monitor.RecordCrash()
	monitor.RecordContextCreated()
}

// TestBrowserMonitorJSON tests JSON serialization
func TestBrowserMonitorJSON(t *testing.T) {
	monitor := NewBrowserMonitorWithCounter(func() (int, error) { return 0, nil })
	monitor.RecordLaunch()

	jsonStr, err := monitor.GetMetricsJSON()
	if err != nil {
		t.Fatalf("Failed to get metrics as JSON: %v", err)
	}

	var decoded BrowserMetrics
	if err := json.Unmarshal([]byte(jsonStr), &decoded); err != nil {
		t.Fatalf("Metrics JSON did not decode: %v", err)
	}
	if decoded.BrowserLaunches != 1 {
		t.Errorf("Expected 1 launch in JSON, got %d", decoded.BrowserLaunches)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	monitor := NewBrowserMonitorWithCounter(func() (int, error) { return 0, nil })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitor.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if monitor.GetMetrics().LastUpdated.IsZero() {
		t.Error("Expected metrics to be refreshed")
	}
}
