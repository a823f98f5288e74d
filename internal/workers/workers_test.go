package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"browserd/internal/executor"
	"browserd/internal/profiles"
)

type fakeScraper struct {
	err     error
	calls   []string
	pruned  int64
	pruneOK time.Duration
}

func (f *fakeScraper) Scrape(ctx context.Context, taskID string, req profiles.ScrapeRequest) error {
	f.calls = append(f.calls, taskID+" "+req.URL)
	return f.err
}

func (f *fakeScraper) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	f.pruneOK = retention
	return f.pruned, nil
}

func TestRiverQueueIsProfilesQueue(t *testing.T) {
	var q profiles.Queue = NewRiverQueue(nil)
	assert.NotNil(t, q)
}

func scrapeJob(args ScrapeJobArgs) *river.Job[ScrapeJobArgs] {
	return &river.Job[ScrapeJobArgs]{
		JobRow: &rivertype.JobRow{ID: 42, Attempt: 1, MaxAttempts: 3},
		Args:   args,
	}
}

func TestScrapeJobArgs(t *testing.T) {
	args := ScrapeJobArgs{TaskID: "t1"}
	assert.Equal(t, "linkedin_scrape", args.Kind())
	opts := args.InsertOpts()
	assert.Equal(t, ScrapeQueue, opts.Queue)
	assert.Equal(t, 3, opts.MaxAttempts)
}

func TestScrapeWorker(t *testing.T) {
	args := ScrapeJobArgs{TaskID: "t1", Request: profiles.ScrapeRequest{URL: "https://www.linkedin.com/in/ada", Cookie: "c"}}

	t.Run("success", func(t *testing.T) {
		s := &fakeScraper{}
		require.NoError(t, NewScrapeWorker(s, time.Minute).Work(context.Background(), scrapeJob(args)))
		assert.Equal(t, []string{"t1 https://www.linkedin.com/in/ada"}, s.calls)
	})

	t.Run("retryable failure is returned for retry", func(t *testing.T) {
		cause := &executor.TaskError{Kind: executor.KindAcquireTimeout, Message: "pool busy", Retryable: true}
		err := NewScrapeWorker(&fakeScraper{err: cause}, 0).Work(context.Background(), scrapeJob(args))
		require.Error(t, err)
		assert.Same(t, cause, err)
	})

	t.Run("handler failure cancels the job", func(t *testing.T) {
		cause := &executor.TaskError{Kind: executor.KindHandler, Message: "no h1"}
		err := NewScrapeWorker(&fakeScraper{err: cause}, 0).Work(context.Background(), scrapeJob(args))
		require.Error(t, err)
		assert.NotSame(t, cause, err)
		assert.ErrorContains(t, err, "no h1")
	})

	t.Run("missing task cancels the job", func(t *testing.T) {
		err := NewScrapeWorker(&fakeScraper{err: profiles.ErrTaskNotFound}, 0).Work(context.Background(), scrapeJob(args))
		require.Error(t, err)
		assert.ErrorContains(t, err, profiles.ErrTaskNotFound.Error())
	})

	t.Run("other errors are retried", func(t *testing.T) {
		cause := errors.New("database unavailable")
		err := NewScrapeWorker(&fakeScraper{err: cause}, 0).Work(context.Background(), scrapeJob(args))
		assert.Same(t, cause, err)
	})
}

func TestScrapeWorkerTimeout(t *testing.T) {
	assert.Equal(t, time.Duration(0), NewScrapeWorker(nil, 0).Timeout(nil))
	assert.Equal(t, 3*time.Minute, NewScrapeWorker(nil, 2*time.Minute).Timeout(nil))
}

func TestPruneTasksWorker(t *testing.T) {
	s := &fakeScraper{pruned: 3}
	job := &river.Job[PruneTasksArgs]{JobRow: &rivertype.JobRow{ID: 1}}
	require.NoError(t, NewPruneTasksWorker(s, 2*time.Hour).Work(context.Background(), job))
	assert.Equal(t, 2*time.Hour, s.pruneOK)
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.setDefaults()
	assert.Equal(t, 2, cfg.MaxWorkers)
	assert.Equal(t, time.Hour, cfg.Retention)
	assert.Equal(t, 15*time.Minute, cfg.CleanupInterval)
	assert.NotNil(t, cfg.Logger)
	assert.Equal(t, time.Hour, NewCleanupWorker(nil, 0).staleAfter)
}

func TestWorkersRegistersEveryKind(t *testing.T) {
	// river.AddWorker panics on a duplicate kind.
	assert.NotPanics(t, func() { Workers(nil, &fakeScraper{}, Config{}) })
}
