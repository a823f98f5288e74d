package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"gorm.io/gorm"

	"browserd/internal/models"
)

// CleanupArgs periodically fails scrape tasks whose river job is gone.
type CleanupArgs struct{}

func (CleanupArgs) Kind() string { return "scrape_task_cleanup" }

type CleanupWorker struct {
	river.WorkerDefaults[CleanupArgs]
	db         *gorm.DB
	staleAfter time.Duration
}

func NewCleanupWorker(db *gorm.DB, staleAfter time.Duration) *CleanupWorker {
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	return &CleanupWorker{db: db, staleAfter: staleAfter}
}

func (w *CleanupWorker) Work(ctx context.Context, job *river.Job[CleanupArgs]) error {
	return w.RunCleanup(ctx)
}

var liveJobStates = []string{
	string(rivertype.JobStateAvailable),
	string(rivertype.JobStateRunning),
	string(rivertype.JobStateRetryable),
	string(rivertype.JobStateScheduled),
}

var deadJobStates = []string{
	string(rivertype.JobStateDiscarded),
	string(rivertype.JobStateCancelled),
}

// RunCleanup marks queued or running tasks as failed when their job was
// discarded or cancelled, or when they went stale with no live job.
func (w *CleanupWorker) RunCleanup(ctx context.Context) error {
	slog.Info("Starting periodic scrape task cleanup")
	db := w.db.WithContext(ctx)
	cutoff := time.Now().Add(-w.staleAfter)
	active := []string{models.TaskQueued, models.TaskRunning}

	orphaned := db.Exec(`
		UPDATE scrape_tasks
		SET status = ?,
			updated_at = ?,
			error = 'marked as failed during periodic cleanup: no live job found'
		WHERE status IN ?
		  AND job_id <> 0
		  AND updated_at < ?
		  AND NOT EXISTS (
			  SELECT 1 FROM river_job rj
			  WHERE rj.id = scrape_tasks.job_id
				AND rj.state::text IN ?
		  )
	`, models.TaskError, time.Now(), active, cutoff, liveJobStates)
	if orphaned.Error != nil {
		return fmt.Errorf("cleanup orphaned tasks: %w", orphaned.Error)
	}
	if orphaned.RowsAffected > 0 {
		slog.Info("Cleaned up orphaned scrape tasks", "count", orphaned.RowsAffected)
	}

	dead := db.Exec(`
		UPDATE scrape_tasks
		SET status = ?,
			updated_at = ?,
			error = CASE WHEN error = '' THEN 'job was discarded' ELSE error END
		WHERE status IN ?
		  AND EXISTS (
			  SELECT 1 FROM river_job rj
			  WHERE rj.id = scrape_tasks.job_id
				AND rj.state::text IN ?
		  )
	`, models.TaskError, time.Now(), active, deadJobStates)
	if dead.Error != nil {
		return fmt.Errorf("cleanup tasks with dead jobs: %w", dead.Error)
	}
	if dead.RowsAffected > 0 {
		slog.Info("Cleaned up scrape tasks with dead jobs", "count", dead.RowsAffected)
	}

	slog.Info("Periodic cleanup completed", "total_cleaned", orphaned.RowsAffected+dead.RowsAffected)
	return nil
}
