package executor

import (
	"context"
	"io"
	"strings"
	"sync"
)

// DefaultLogLimit caps a task's log buffer.
const DefaultLogLimit = 64 << 10

const truncatedMarker = "\n[log truncated]\n"

// TaskLog collects the progress lines a handler writes for one task.
type TaskLog struct {
	limit     int
	buffer    strings.Builder
	truncated bool
	mutex     sync.Mutex
}

func NewTaskLog(limit int) *TaskLog {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	return &TaskLog{limit: limit}
}

// Write never fails; bytes past the limit are dropped.
func (w *TaskLog) Write(p []byte) (int, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.truncated {
		return len(p), nil
	}
	room := w.limit - w.buffer.Len()
	if len(p) > room {
		w.buffer.Write(p[:max(room, 0)])
		w.buffer.WriteString(truncatedMarker)
		w.truncated = true
		return len(p), nil
	}
	w.buffer.Write(p)
	return len(p), nil
}

func (w *TaskLog) String() string {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.buffer.String()
}

type logKey struct{}

func withLog(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, logKey{}, w)
}

// LogWriter returns the running task's log, or io.Discard outside a task.
func LogWriter(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(logKey{}).(io.Writer); ok {
		return w
	}
	return io.Discard
}
