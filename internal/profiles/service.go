package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"browserd/internal/executor"
	"browserd/internal/models"
	"browserd/internal/utils"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New()

// ErrInvalidRequest wraps validation failures of a ScrapeRequest.
var ErrInvalidRequest = errors.New("invalid scrape request")

// ScrapeRequest asks for one profile scrape.
type ScrapeRequest struct {
	URL             string `json:"url" validate:"required"`
	Cookie          string `json:"cookie" validate:"required"`
	ScrapePosts     bool   `json:"scrape_posts"`
	ScrapeComments  bool   `json:"scrape_comments"`
	ScrapeReactions bool   `json:"scrape_reactions"`
}

// Payload is the executor payload for the linkedin_profile handler.
func (r ScrapeRequest) Payload() json.RawMessage {
	data, _ := json.Marshal(struct {
		Handler string `json:"handler"`
		ScrapeRequest
	}{"linkedin_profile", r})
	return data
}

// Runner starts executor tasks.
type Runner interface {
	Submit(ctx context.Context, payload json.RawMessage, timeout time.Duration) (*executor.Task, error)
}

// Queue hands scrape tasks to a durable job queue. The job calls
// Service.Scrape when it runs.
type Queue interface {
	EnqueueScrape(ctx context.Context, taskID string, req ScrapeRequest) (jobID int64, err error)
}

type ServiceConfig struct {
	// Timeout bounds each scrape; zero uses the executor default.
	Timeout time.Duration
	// Queue is optional; without it scrapes run in background goroutines.
	Queue  Queue
	Logger *slog.Logger
}

// Service submits scrapes and tracks their status.
type Service struct {
	store   Store
	tasks   TaskStore
	runner  Runner
	queue   Queue
	timeout time.Duration
	log     *slog.Logger

	wg sync.WaitGroup
}

func NewService(store Store, tasks TaskStore, runner Runner, cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:   store,
		tasks:   tasks,
		runner:  runner,
		queue:   cfg.Queue,
		timeout: cfg.Timeout,
		log:     cfg.Logger.With("component", "profiles"),
	}
}

func (s *Service) Store() Store { return s.store }

// SetQueue switches submission to a durable queue.
func (s *Service) SetQueue(q Queue) { s.queue = q }

// Submit records a queued task and starts the scrape asynchronously.
func (s *Service) Submit(ctx context.Context, req ScrapeRequest) (taskID, profileID string, err error) {
	if err := validate.Struct(req); err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	taskID = uuid.NewString()
	profileID = utils.ProfileSlug(req.URL)
	if profileID == "" {
		return "", "", fmt.Errorf("%w: no profile in %q", ErrInvalidRequest, req.URL)
	}

	if err := s.tasks.Create(ctx, TaskStatus{
		ID:        taskID,
		Status:    models.TaskQueued,
		ProfileID: profileID,
		URL:       req.URL,
	}); err != nil {
		return "", "", err
	}

	if s.queue != nil {
		jobID, err := s.queue.EnqueueScrape(ctx, taskID, req)
		if err != nil {
			s.fail(context.WithoutCancel(ctx), taskID, fmt.Errorf("enqueue: %w", err))
			return "", "", err
		}
		if err := s.tasks.Update(ctx, taskID, func(t *TaskStatus) { t.JobID = jobID }); err != nil {
			s.log.Warn("Failed to record job id", "task_id", taskID, "job_id", jobID, "error", err)
		}
	} else {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.Scrape(context.Background(), taskID, req); err != nil {
				s.log.Warn("Scrape failed", "task_id", taskID, "profile_id", profileID, "error", err)
			}
		}()
	}

	s.log.Info("Scrape queued", "task_id", taskID, "profile_id", profileID, "durable", s.queue != nil)
	return taskID, profileID, nil
}

// Scrape runs a submitted task: it executes the linkedin_profile handler
// and merges a non-empty result into the stored profile.
func (s *Service) Scrape(ctx context.Context, taskID string, req ScrapeRequest) error {
	profileID := utils.ProfileSlug(req.URL)
	if err := s.tasks.Update(ctx, taskID, func(t *TaskStatus) {
		t.Status = models.TaskRunning
		t.ProfileID = profileID
		t.Error = ""
	}); err != nil {
		return err
	}

	result, logs, err := s.run(ctx, req)
	if err == nil && !result.Succeeded() {
		err = errors.New("scrape did not finish")
		if result.Error != nil {
			err = result.Error
		}
	}
	if logs != "" {
		if uerr := s.tasks.Update(context.WithoutCancel(ctx), taskID, func(t *TaskStatus) { t.Logs = logs }); uerr != nil {
			s.log.Warn("Failed to record task log", "task_id", taskID, "error", uerr)
		}
	}
	if err != nil {
		s.fail(context.WithoutCancel(ctx), taskID, err)
		return err
	}

	if Empty(result.Value) {
		s.log.Info("Scrape returned no data", "task_id", taskID, "profile_id", profileID)
	} else if err := s.store.Merge(ctx, profileID, result.Value); err != nil {
		s.fail(context.WithoutCancel(ctx), taskID, err)
		return err
	}

	return s.tasks.Update(ctx, taskID, func(t *TaskStatus) {
		t.Status = models.TaskCompleted
	})
}

// run executes the scrape and returns its result with the task log.
// Cancelling ctx cancels the executor task.
func (s *Service) run(ctx context.Context, req ScrapeRequest) (executor.TaskResult, string, error) {
	t, err := s.runner.Submit(ctx, req.Payload(), s.timeout)
	if err != nil {
		return executor.TaskResult{}, "", err
	}
	result, err := t.Wait(ctx)
	if err != nil {
		t.Cancel()
		<-t.Done()
		result, _ = t.Result()
	}
	return result, t.Logs(), nil
}

func (s *Service) fail(ctx context.Context, taskID string, err error) {
	if uerr := s.tasks.Update(ctx, taskID, func(t *TaskStatus) {
		t.Status = models.TaskError
		t.Error = err.Error()
	}); uerr != nil {
		s.log.Error("Failed to record task error", "task_id", taskID, "error", uerr)
	}
}

func (s *Service) Task(ctx context.Context, id string) (TaskStatus, error) {
	return s.tasks.Get(ctx, id)
}

// Prune drops finished tasks older than retention.
func (s *Service) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	return s.tasks.Prune(ctx, time.Now().Add(-retention))
}

// Wait blocks until background scrapes finish or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
