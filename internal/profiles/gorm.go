package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"browserd/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore keeps profiles in the profiles table.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) List(ctx context.Context) ([]Summary, error) {
	var rows []models.Profile
	if err := s.db.WithContext(ctx).
		Select("id", "first_name", "last_name", "headline").
		Order("id").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	out := make([]Summary, 0, len(rows))
	for _, p := range rows {
		out = append(out, Summary{ID: p.ID, FirstName: p.FirstName, LastName: p.LastName, Headline: p.Headline})
	}
	return out, nil
}

func (s *GormStore) Search(ctx context.Context, query string) ([]Summary, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return filter(all, query), nil
}

func (s *GormStore) Get(ctx context.Context, id string) (json.RawMessage, error) {
	var p models.Profile
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", id, err)
	}
	return withID([]byte(p.Data), id)
}

func (s *GormStore) Merge(ctx context.Context, id string, scraped json.RawMessage) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var p models.Profile
		err := q.Where("id = ?", id).First(&p).Error
		found := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("load profile %s: %w", id, err)
		}

		merged, err := mergeDocuments([]byte(p.Data), scraped)
		if err != nil {
			return err
		}
		sum := summarize(id, merged)
		p.ID = id
		p.FirstName = sum.FirstName
		p.LastName = sum.LastName
		p.Headline = sum.Headline
		p.Data = string(merged)
		if !found {
			err = tx.Create(&p).Error
		} else {
			err = tx.Save(&p).Error
		}
		if err != nil {
			return fmt.Errorf("save profile %s: %w", id, err)
		}
		return nil
	})
}
