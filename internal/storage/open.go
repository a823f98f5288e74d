package storage

import (
	"context"
	"fmt"
)

// Options selects and configures a backend.
type Options struct {
	Backend string // fs, s3 or memory
	Path    string
	S3      S3Config
}

// Open builds the plain blob store for the configured backend.
func Open(ctx context.Context, opts Options) (SeekableStorage, error) {
	switch opts.Backend {
	case "", "fs":
		return NewFSStorage(opts.Path), nil
	case "memory":
		return NewMemoryStorage(), nil
	case "s3":
		s, err := NewS3Storage(ctx, opts.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 storage: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
