package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"browserd/internal/executor"
	"browserd/internal/pool"

	"github.com/tidwall/gjson"
)

// Sleep is a diagnostic handler that holds its context for "ms"
// milliseconds or until the task ends.
func Sleep(ctx context.Context, bctx pool.Context, payload json.RawMessage) (json.RawMessage, error) {
	ms := gjson.GetBytes(payload, "ms").Int()
	if ms < 0 {
		return nil, fmt.Errorf("invalid payload: ms must not be negative")
	}
	fmt.Fprintf(executor.LogWriter(ctx), "Sleeping %dms in context %s\n", ms, bctx.ID())

	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return json.Marshal(map[string]int64{"slept_ms": ms})
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
