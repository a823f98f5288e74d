package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"gorm.io/gorm"
)

// Config sizes the river client.
type Config struct {
	MaxWorkers      int
	ScrapeTimeout   time.Duration
	Retention       time.Duration
	StaleAfter      time.Duration
	CleanupInterval time.Duration
	Logger          *slog.Logger
}

func (c *Config) setDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 2
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 15 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Workers registers every job this service runs.
func Workers(db *gorm.DB, scraper Scraper, cfg Config) *river.Workers {
	cfg.setDefaults()
	w := river.NewWorkers()
	river.AddWorker(w, NewScrapeWorker(scraper, cfg.ScrapeTimeout))
	river.AddWorker(w, NewPruneTasksWorker(scraper, cfg.Retention))
	river.AddWorker(w, NewCleanupWorker(db, cfg.StaleAfter))
	return w
}

// NewClient builds a river client on the shared pgx pool with the scrape
// queue and the periodic maintenance jobs.
func NewClient(dbPool *pgxpool.Pool, db *gorm.DB, scraper Scraper, cfg Config) (*river.Client[pgx.Tx], error) {
	cfg.setDefaults()
	periodic := func(args river.JobArgs) *river.PeriodicJob {
		return river.NewPeriodicJob(
			river.PeriodicInterval(cfg.CleanupInterval),
			func() (river.JobArgs, *river.InsertOpts) { return args, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		)
	}

	client, err := river.NewClient(riverpgxv5.New(dbPool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 1},
			ScrapeQueue:        {MaxWorkers: cfg.MaxWorkers},
		},
		Workers: Workers(db, scraper, cfg),
		PeriodicJobs: []*river.PeriodicJob{
			periodic(PruneTasksArgs{}),
			periodic(CleanupArgs{}),
		},
		Logger: cfg.Logger.With("component", "river"),
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return client, nil
}

// Migrate applies river's schema migrations.
func Migrate(ctx context.Context, dbPool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(dbPool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("migrate river schema: %w", err)
	}
	for _, v := range res.Versions {
		slog.Info("Applied river migration", "version", v.Version)
	}
	return nil
}
