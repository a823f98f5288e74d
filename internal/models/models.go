package models

import (
	"time"
)

// Profile is a stored LinkedIn profile. Data holds the merged JSON document;
// the name and headline columns are copied out of it for listing and search.
type Profile struct {
	ID        string `gorm:"primaryKey"`
	FirstName string
	LastName  string
	Headline  string
	Data      string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Scrape task statuses.
const (
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskError     = "error"
)

// ScrapeTask tracks one asynchronous profile scrape.
type ScrapeTask struct {
	ID        string `gorm:"primaryKey"`
	ProfileID string `gorm:"index"`
	URL       string
	Status    string `gorm:"index"` // queued, running, completed, error
	Error     string `gorm:"type:text"`
	Logs      string `gorm:"type:text"`
	JobID     int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// All lists the models migrated at startup.
func All() []any {
	return []any{&Profile{}, &ScrapeTask{}}
}
