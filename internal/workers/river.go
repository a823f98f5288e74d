package workers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"browserd/internal/executor"
	"browserd/internal/profiles"
)

// ScrapeQueue is the river queue scrape jobs run on.
const ScrapeQueue = "scrape"

// Scraper runs scrape tasks recorded by the profile service.
type Scraper interface {
	Scrape(ctx context.Context, taskID string, req profiles.ScrapeRequest) error
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// ScrapeJobArgs is the payload of a durable profile scrape.
type ScrapeJobArgs struct {
	TaskID  string                 `json:"task_id"`
	Request profiles.ScrapeRequest `json:"request"`
}

func (ScrapeJobArgs) Kind() string { return "linkedin_scrape" }

func (ScrapeJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 3,
		Queue:       ScrapeQueue,
		Tags:        []string{"scrape"},
	}
}

// ScrapeWorker runs scrape jobs through the profile service.
type ScrapeWorker struct {
	river.WorkerDefaults[ScrapeJobArgs]
	scraper Scraper
	timeout time.Duration
}

func NewScrapeWorker(scraper Scraper, timeout time.Duration) *ScrapeWorker {
	return &ScrapeWorker{scraper: scraper, timeout: timeout}
}

// Timeout leaves the executor's own deadline room to fire first.
func (w *ScrapeWorker) Timeout(*river.Job[ScrapeJobArgs]) time.Duration {
	if w.timeout <= 0 {
		return 0
	}
	return w.timeout + time.Minute
}

func (w *ScrapeWorker) Work(ctx context.Context, job *river.Job[ScrapeJobArgs]) error {
	logger := slog.With(
		"worker", "river",
		"job_id", job.ID,
		"attempt", job.Attempt,
		"task_id", job.Args.TaskID,
		"url", job.Args.Request.URL,
	)
	logger.Info("Processing scrape job")

	err := w.scraper.Scrape(ctx, job.Args.TaskID, job.Args.Request)
	if err == nil {
		logger.Info("Scrape job completed")
		return nil
	}

	if errors.Is(err, profiles.ErrTaskNotFound) {
		logger.Warn("Scrape task no longer exists, cancelling job")
		return river.JobCancel(err)
	}
	var terr *executor.TaskError
	if errors.As(err, &terr) && !terr.Retryable {
		logger.Error("Scrape job failed permanently", "kind", terr.Kind, "error", err)
		return river.JobCancel(err)
	}
	logger.Error("Scrape job failed", "error", err)
	return err
}

// PruneTasksArgs periodically drops old finished scrape tasks.
type PruneTasksArgs struct{}

func (PruneTasksArgs) Kind() string { return "prune_scrape_tasks" }

type PruneTasksWorker struct {
	river.WorkerDefaults[PruneTasksArgs]
	scraper   Scraper
	retention time.Duration
}

func NewPruneTasksWorker(scraper Scraper, retention time.Duration) *PruneTasksWorker {
	return &PruneTasksWorker{scraper: scraper, retention: retention}
}

func (w *PruneTasksWorker) Work(ctx context.Context, job *river.Job[PruneTasksArgs]) error {
	n, err := w.scraper.Prune(ctx, w.retention)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("Pruned finished scrape tasks", "count", n, "retention", w.retention)
	}
	return nil
}
