package storage

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// MemoryStorage keeps blobs in memory. It backs STORAGE_BACKEND=memory and
// the tests.
type MemoryStorage struct {
	data map[string][]byte
	mu   sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		data: make(map[string][]byte),
	}
}

// Writer buffers until Close, so readers never see a partial blob.
func (ms *MemoryStorage) Writer(key string) (io.WriteCloser, error) {
	return &memoryWriter{
		storage: ms,
		key:     key,
		buffer:  &bytes.Buffer{},
	}, nil
}

func (ms *MemoryStorage) Reader(key string) (io.ReadCloser, error) {
	return ms.SeekableReader(key)
}

func (ms *MemoryStorage) SeekableReader(key string) (ReadSeekCloser, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	data, exists := ms.data[key]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nopSeekCloser{bytes.NewReader(data)}, nil
}

func (ms *MemoryStorage) Size(key string) (int64, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	data, exists := ms.data[key]
	if !exists {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return int64(len(data)), nil
}

func (ms *MemoryStorage) Delete(key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.data, key)
	return nil
}

func (ms *MemoryStorage) Exists(key string) (bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	_, exists := ms.data[key]
	return exists, nil
}

func (ms *MemoryStorage) List(prefix string) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var keys []string
	for k := range ms.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

type nopSeekCloser struct {
	*bytes.Reader
}

func (nopSeekCloser) Close() error { return nil }

type memoryWriter struct {
	storage *MemoryStorage
	key     string
	buffer  *bytes.Buffer
	closed  bool
}

func (mw *memoryWriter) Write(p []byte) (n int, err error) {
	if mw.closed {
		return 0, fmt.Errorf("writer is closed")
	}
	return mw.buffer.Write(p)
}

func (mw *memoryWriter) Close() error {
	if mw.closed {
		return nil
	}

	mw.storage.mu.Lock()
	defer mw.storage.mu.Unlock()

	mw.storage.data[mw.key] = mw.buffer.Bytes()
	mw.closed = true
	return nil
}
