package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"browserd/internal/automation"
	"browserd/internal/config"
	"browserd/internal/database"
	"browserd/internal/engine"
	"browserd/internal/executor"
	"browserd/internal/handlers"
	"browserd/internal/logging"
	"browserd/internal/monitoring"
	"browserd/internal/pool"
	"browserd/internal/profiles"
	"browserd/internal/proxy"
	"browserd/internal/storage"
	"browserd/internal/utils"
	"browserd/internal/workers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	closer := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	defer closer.Close()

	if err := run(cfg); err != nil {
		slog.Error("browserd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	launchCfg := engine.LaunchConfig{
		Headless:        cfg.Headless,
		Args:            cfg.ChromiumArgs,
		ExecutablePath:  cfg.ChromiumExecutable,
		Proxy:           cfg.SOCKS5Proxy,
		StartupTimeout:  cfg.LaunchTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		MaxContexts:     cfg.MaxContextsPerBrowser,
	}

	var relay *proxy.Relay
	if proxy.NeedsRelay(cfg.SOCKS5Proxy) {
		r, err := proxy.NewRelay("127.0.0.1:0", cfg.SOCKS5Proxy)
		if err != nil {
			return err
		}
		if err := r.Start(); err != nil {
			return err
		}
		defer r.Close()
		relay = r
		launchCfg.Proxy = relay.URL()
	}

	if cfg.InstallBrowsers {
		slog.Info("Installing playwright chromium")
		if err := engine.InstallChromium(); err != nil {
			return err
		}
	}
	if cfg.StartupSelfTest {
		slog.Info("Performing startup health checks...")
		if err := engine.CheckAvailability(ctx, launchCfg, cfg.LaunchTimeout+cfg.ShutdownTimeout); err != nil {
			return err
		}
		slog.Info("All health checks passed")
	}

	monitor := monitoring.NewBrowserMonitor()
	go monitor.Run(ctx, 30*time.Second)

	socks := utils.NewSOCKSHealthChecker(cfg.SOCKS5Proxy)
	go socks.Run(ctx, time.Minute)

	blobs, err := storage.Open(ctx, storage.Options{
		Backend: cfg.StorageBackend,
		Path:    cfg.StoragePath,
		S3:      storage.S3Config(cfg.S3),
	})
	if err != nil {
		return err
	}
	artifacts := storage.NewZSTDStorage(blobs)

	launchCfg.Monitor = monitor
	p, err := pool.New(engine.NewLauncher(launchCfg), pool.Config{
		MaxBrowsers:           cfg.MaxBrowsers,
		MaxContextsPerBrowser: cfg.MaxContextsPerBrowser,
		MaxContexts:           cfg.MaxContexts,
		MinIdle:               cfg.MinIdleContexts,
		RecycleAfter:          cfg.RecycleAfter,
		HealthCheckInterval:   cfg.HealthCheckInterval,
		LaunchTimeout:         cfg.LaunchTimeout,
		LaunchInterval:        cfg.LaunchInterval,
		ShutdownTimeout:       cfg.ShutdownTimeout,
		Monitor:               monitor,
	})
	if err != nil {
		return err
	}

	mux := automation.New(automation.Options{
		URLPolicy:   utils.URLPolicy{BlockPrivateNetworks: cfg.BlockPrivateNetworks},
		Artifacts:   artifacts,
		Diagnostics: cfg.EnableDiagnosticHandlers,
	})
	slog.Info("Registered task handlers", "handlers", mux.Names())

	exec := executor.New(p, mux, executor.Config{
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		DefaultTimeout:     cfg.DefaultTaskTimeout,
		MaxTimeout:         cfg.MaxTaskTimeout,
		AcquireTimeout:     cfg.AcquireTimeout,
		AcquireAttempts:    cfg.AcquireAttempts,
		Retention:          cfg.TaskRetention,
	})

	deps := handlers.Deps{
		Executor:     exec,
		Monitor:      monitor,
		Artifacts:    artifacts,
		SOCKS:        socks,
		Relay:        relay,
		APIKeyHashes: cfg.APIKeyHashes,
	}

	var riverClient *river.Client[pgx.Tx]
	if cfg.DBURL != "" {
		db, err := database.Open(ctx, cfg.DBURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return err
		}
		if err := workers.Migrate(ctx, db.Pool); err != nil {
			return err
		}

		svc := profiles.NewService(profiles.NewGormStore(db.Gorm), profiles.NewGormTaskStore(db.Gorm), exec,
			profiles.ServiceConfig{Timeout: cfg.MaxTaskTimeout})
		riverClient, err = workers.NewClient(db.Pool, db.Gorm, svc, workers.Config{
			ScrapeTimeout: cfg.MaxTaskTimeout,
			Retention:     cfg.TaskRetention,
		})
		if err != nil {
			return err
		}
		svc.SetQueue(workers.NewRiverQueue(riverClient))
		if err := riverClient.Start(ctx); err != nil {
			return err
		}
		slog.Info("River client started")

		deps.Profiles = svc
		deps.DB = db
	} else {
		svc := profiles.NewService(profiles.NewBlobStore(blobs, nil), profiles.NewMemoryTaskStore(), exec,
			profiles.ServiceConfig{Timeout: cfg.MaxTaskTimeout})
		go pruneTasks(ctx, svc, cfg.TaskRetention)
		deps.Profiles = svc
	}

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handlers.NewRouter(deps)}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			slog.Error("HTTP server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainGrace+cfg.ShutdownTimeout+10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown", "error", err)
	}
	if riverClient != nil {
		// Cancelled scrape jobs are retried on the next start.
		if err := riverClient.StopAndCancel(shutdownCtx); err != nil {
			slog.Warn("River client stop", "error", err)
		}
	}
	if err := exec.Drain(shutdownCtx, cfg.DrainGrace); err != nil {
		return err
	}
	if err := deps.Profiles.Wait(shutdownCtx); err != nil {
		slog.Warn("Background scrapes still running", "error", err)
	}
	monitor.Update()
	monitor.LogCurrentStatus()
	slog.Info("Shutdown complete")
	return nil
}

// pruneTasks drops finished in-memory scrape tasks once they pass retention.
func pruneTasks(ctx context.Context, svc *profiles.Service, retention time.Duration) {
	ticker := time.NewTicker(retention / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := svc.Prune(ctx, retention); err != nil {
				slog.Warn("Failed to prune scrape tasks", "error", err)
			} else if n > 0 {
				slog.Info("Pruned scrape tasks", "count", n)
			}
		}
	}
}
