package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// client is a thin JSON client for the browserd HTTP API.
type client struct {
	base   string
	apiKey string
	http   *http.Client
}

func newClient(opts *rootOptions) *client {
	return &client{
		base:   strings.TrimRight(opts.server, "/"),
		apiKey: opts.apiKey,
		http:   &http.Client{},
	}
}

// do sends body as JSON and returns the status and response body. Non-2xx
// statuses are returned, not turned into errors, so callers can print the
// body of a failed task.
func (c *client) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// apiError extracts the server's error message from a failed response.
func apiError(status int, body []byte) error {
	for _, field := range []string{"error.message", "error", "detail"} {
		if v := gjson.GetBytes(body, field); v.Type == gjson.String {
			return fmt.Errorf("server returned %d: %s", status, v.String())
		}
	}
	return fmt.Errorf("server returned %d: %s", status, strings.TrimSpace(string(body)))
}

func printJSON(w io.Writer, data []byte) error {
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		_, err = w.Write(data)
		return err
	}
	out.WriteByte('\n')
	_, err := out.WriteTo(w)
	return err
}
