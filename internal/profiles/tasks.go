package profiles

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"browserd/internal/models"

	"gorm.io/gorm"
)

// TaskStatus is the client view of a scrape task.
type TaskStatus struct {
	ID        string    `json:"-"`
	Status    string    `json:"status"`
	ProfileID string    `json:"profile_id,omitempty"`
	URL       string    `json:"-"`
	Error     string    `json:"error,omitempty"`
	Logs      string    `json:"-"`
	JobID     int64     `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// TaskStore records scrape task progress.
type TaskStore interface {
	Create(ctx context.Context, t TaskStatus) error
	Update(ctx context.Context, id string, fn func(*TaskStatus)) error
	Get(ctx context.Context, id string) (TaskStatus, error)
	// Prune removes finished tasks last updated before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

func finished(status string) bool {
	return status == models.TaskCompleted || status == models.TaskError
}

// MemoryTaskStore keeps task status in process memory.
type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[string]TaskStatus
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]TaskStatus)}
}

func (m *MemoryTaskStore) Create(ctx context.Context, t TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.UpdatedAt = time.Now()
	m.tasks[t.ID] = t
	return nil
}

func (m *MemoryTaskStore) Update(ctx context.Context, id string, fn func(*TaskStatus)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	fn(&t)
	t.UpdatedAt = time.Now()
	m.tasks[id] = t
	return nil
}

func (m *MemoryTaskStore) Get(ctx context.Context, id string) (TaskStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return TaskStatus{}, ErrTaskNotFound
	}
	return t, nil
}

func (m *MemoryTaskStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.tasks {
		if finished(t.Status) && t.UpdatedAt.Before(cutoff) {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

// GormTaskStore keeps task status in the scrape_tasks table so it survives
// restarts and is shared between replicas.
type GormTaskStore struct {
	db *gorm.DB
}

func NewGormTaskStore(db *gorm.DB) *GormTaskStore {
	return &GormTaskStore{db: db}
}

func toStatus(t models.ScrapeTask) TaskStatus {
	return TaskStatus{
		ID:        t.ID,
		Status:    t.Status,
		ProfileID: t.ProfileID,
		URL:       t.URL,
		Error:     t.Error,
		Logs:      t.Logs,
		JobID:     t.JobID,
		UpdatedAt: t.UpdatedAt,
	}
}

func (s *GormTaskStore) Create(ctx context.Context, t TaskStatus) error {
	row := models.ScrapeTask{
		ID:        t.ID,
		ProfileID: t.ProfileID,
		URL:       t.URL,
		Status:    t.Status,
		Error:     t.Error,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

func (s *GormTaskStore) Update(ctx context.Context, id string, fn func(*TaskStatus)) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.ScrapeTask
		err := tx.Where("id = ?", id).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("load task %s: %w", id, err)
		}
		t := toStatus(row)
		fn(&t)
		return tx.Model(&row).Updates(map[string]interface{}{
			"status":     t.Status,
			"profile_id": t.ProfileID,
			"error":      t.Error,
			"logs":       t.Logs,
			"job_id":     t.JobID,
		}).Error
	})
}

func (s *GormTaskStore) Get(ctx context.Context, id string) (TaskStatus, error) {
	var row models.ScrapeTask
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TaskStatus{}, ErrTaskNotFound
	}
	if err != nil {
		return TaskStatus{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return toStatus(row), nil
}

func (s *GormTaskStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []string{models.TaskCompleted, models.TaskError}, cutoff).
		Delete(&models.ScrapeTask{})
	return result.RowsAffected, result.Error
}
