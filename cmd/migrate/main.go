package main

import (
	"context"
	"log"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"

	"browserd/internal/database"
	"browserd/internal/logging"
	"browserd/internal/models"
	"browserd/internal/workers"
)

type Config struct {
	DBURL    string `envconfig:"DB_URL" default:"host=localhost user=user password=pass dbname=browserd port=5432 sslmode=disable"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	// StaleAfter fails queued tasks that never got a job id.
	StaleAfter time.Duration `envconfig:"STALE_AFTER" default:"1h"`
}

func main() {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatal("Failed to load config:", err)
	}
	logging.Setup(logging.Options{Level: cfg.LogLevel})

	ctx := context.Background()
	slog.Info("Starting schema migration...")

	db, err := database.Open(ctx, cfg.DBURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal(err)
	}
	if err := workers.Migrate(ctx, db.Pool); err != nil {
		log.Fatal(err)
	}

	// Tasks created by a process that died before enqueueing have no job
	// for the periodic cleanup to inspect.
	result := db.Gorm.WithContext(ctx).Model(&models.ScrapeTask{}).
		Where("status IN ? AND job_id = 0 AND updated_at < ?",
			[]string{models.TaskQueued, models.TaskRunning}, time.Now().Add(-cfg.StaleAfter)).
		Updates(map[string]any{
			"status": models.TaskError,
			"error":  "interrupted before it was queued",
		})
	if result.Error != nil {
		log.Fatal("Failed to fail stale tasks:", result.Error)
	}

	slog.Info("Migration completed", "stale_tasks_failed", result.RowsAffected)
}
