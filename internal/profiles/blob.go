package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"browserd/internal/storage"
)

const (
	blobPrefix = "linkedin_profile_"
	blobSuffix = ".json"
)

// BlobStore keeps one linkedin_profile_<id>.json document per profile in a
// storage backend.
type BlobStore struct {
	storage storage.Storage
	log     *slog.Logger
	mu      sync.Mutex
}

func NewBlobStore(s storage.Storage, logger *slog.Logger) *BlobStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BlobStore{storage: s, log: logger.With("component", "profile_store")}
}

func blobKey(id string) string { return blobPrefix + id + blobSuffix }

// idFromKey returns the profile id of a blob key, or false for other keys.
func idFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, blobPrefix) || !strings.HasSuffix(key, blobSuffix) || strings.Contains(key, "/") {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(key, blobPrefix), blobSuffix), true
}

func (s *BlobStore) read(id string) ([]byte, error) {
	r, err := s.storage.Reader(blobKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open profile %s: %w", id, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", id, err)
	}
	return data, nil
}

func (s *BlobStore) List(ctx context.Context) ([]Summary, error) {
	keys, err := s.storage.List(blobPrefix)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	out := []Summary{}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, ok := idFromKey(key)
		if !ok {
			continue
		}
		data, err := s.read(id)
		if err != nil || !json.Valid(data) {
			s.log.Warn("Skipping unreadable profile", "key", key, "error", err)
			continue
		}
		out = append(out, summarize(id, data))
	}
	return out, nil
}

func (s *BlobStore) Search(ctx context.Context, query string) ([]Summary, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return filter(all, query), nil
}

func (s *BlobStore) Get(ctx context.Context, id string) (json.RawMessage, error) {
	if _, ok := idFromKey(blobKey(id)); !ok || id == "" {
		return nil, ErrNotFound
	}
	data, err := s.read(id)
	if err != nil {
		return nil, err
	}
	return withID(data, id)
}

func (s *BlobStore) Merge(ctx context.Context, id string, scraped json.RawMessage) error {
	if _, ok := idFromKey(blobKey(id)); !ok || id == "" {
		return fmt.Errorf("invalid profile id %q", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.read(id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	merged, err := mergeDocuments(existing, scraped)
	if err != nil {
		return err
	}

	w, err := s.storage.Writer(blobKey(id))
	if err != nil {
		return fmt.Errorf("write profile %s: %w", id, err)
	}
	if _, err := w.Write(merged); err != nil {
		w.Close()
		return fmt.Errorf("write profile %s: %w", id, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("write profile %s: %w", id, err)
	}
	s.log.Info("Profile saved", "profile_id", id, "bytes", len(merged))
	return nil
}
