package workers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"browserd/internal/profiles"
)

var _ profiles.Queue = (*RiverQueue)(nil)

// RiverQueue enqueues scrape tasks as river jobs.
type RiverQueue struct {
	client *river.Client[pgx.Tx]
}

func NewRiverQueue(client *river.Client[pgx.Tx]) *RiverQueue {
	return &RiverQueue{client: client}
}

func (q *RiverQueue) EnqueueScrape(ctx context.Context, taskID string, req profiles.ScrapeRequest) (int64, error) {
	res, err := q.client.Insert(ctx, ScrapeJobArgs{TaskID: taskID, Request: req}, nil)
	if err != nil {
		slog.Error("Failed to enqueue scrape job", "task_id", taskID, "url", req.URL, "error", err)
		return 0, fmt.Errorf("enqueue scrape job: %w", err)
	}
	slog.Info("Queued scrape job", "task_id", taskID, "job_id", res.Job.ID, "duplicate", res.UniqueSkippedAsDuplicate)
	return res.Job.ID, nil
}
