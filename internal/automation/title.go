package automation

import (
	"context"
	"encoding/json"
	"fmt"

	"browserd/internal/executor"
	"browserd/internal/pool"
)

type pageRequest struct {
	URL       string `json:"url" validate:"required"`
	WaitUntil string `json:"wait_until" validate:"omitempty,oneof=load domcontentloaded networkidle commit"`
	// FullLoad waits for network idle and scrolls before acting.
	FullLoad bool `json:"full_load"`
}

// open validates the request URL and loads it in the context's page.
func (h *Handlers) open(ctx context.Context, bctx pool.Context, req *pageRequest) (string, error) {
	url, err := h.policy.Normalize(req.URL)
	if err != nil {
		return "", err
	}
	page, err := pageOf(bctx)
	if err != nil {
		return "", err
	}
	logWriter := executor.LogWriter(ctx)
	if req.FullLoad {
		return url, completePageLoad(ctx, page, url, logWriter, true)
	}
	return url, navigate(ctx, page, url, req.WaitUntil, logWriter)
}

// Title navigates to url and returns the document title.
func (h *Handlers) Title(ctx context.Context, bctx pool.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req pageRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if _, err := h.open(ctx, bctx, &req); err != nil {
		return nil, err
	}

	title, err := bctx.Page().Title()
	if err != nil {
		return nil, fmt.Errorf("read title: %w", err)
	}
	fmt.Fprintf(executor.LogWriter(ctx), "Title: %q\n", title)
	return json.Marshal(title)
}
