package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/playwright-community/playwright-go"
)

// InstallChromium downloads the playwright driver and Chromium if missing.
func InstallChromium() error {
	if err := playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}}); err != nil {
		return fmt.Errorf("failed to install playwright chromium: %w", err)
	}
	return nil
}

// CheckAvailability launches an instance, opens a page and shuts it down
// again. It is the startup self-test.
func CheckAvailability(ctx context.Context, cfg LaunchConfig, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	inst, err := Launch(ctx, cfg)
	if err != nil {
		return fmt.Errorf("playwright health check failed: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), inst.cfg.ShutdownTimeout)
		defer cancel()
		_ = inst.Shutdown(sctx)
	}()

	c, err := inst.NewContextWithOptions(ctx, inst.cfg.Context)
	if err != nil {
		return fmt.Errorf("playwright health check failed: %w", err)
	}
	defer c.Close()

	err = runWithContext(ctx, func() error {
		_, err := c.Page().Goto("about:blank")
		return err
	}, nil)
	if err != nil {
		return fmt.Errorf("playwright health check failed: %w", err)
	}

	slog.Info("Playwright self-test passed", "version", inst.Version(), "duration", time.Since(start))
	return nil
}
