// Package profiles stores scraped LinkedIn profiles and runs scrape tasks
// through the executor.
package profiles

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	ErrNotFound     = errors.New("profile not found")
	ErrTaskNotFound = errors.New("task not found")
)

// Summary is the listing view of a profile.
type Summary struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Headline  string `json:"headline"`
}

// Store persists profile documents keyed by profile id.
type Store interface {
	List(ctx context.Context) ([]Summary, error)
	Search(ctx context.Context, query string) ([]Summary, error)
	// Get returns the full document with its "id" field set.
	Get(ctx context.Context, id string) (json.RawMessage, error)
	// Merge overlays the top-level keys of scraped onto the stored document,
	// creating it if needed.
	Merge(ctx context.Context, id string, scraped json.RawMessage) error
}

func summarize(id string, doc []byte) Summary {
	fields := gjson.GetManyBytes(doc, "first_name", "last_name", "headline")
	return Summary{
		ID:        id,
		FirstName: fields[0].String(),
		LastName:  fields[1].String(),
		Headline:  fields[2].String(),
	}
}

// matches is a case-insensitive substring test over name and headline.
func matches(s Summary, query string) bool {
	var parts []string
	for _, f := range []string{s.FirstName, s.LastName, s.Headline} {
		if f != "" {
			parts = append(parts, f)
		}
	}
	return strings.Contains(strings.ToLower(strings.Join(parts, " ")), strings.ToLower(query))
}

func filter(all []Summary, query string) []Summary {
	out := []Summary{}
	for _, s := range all {
		if matches(s, query) {
			out = append(out, s)
		}
	}
	return out
}

// mergeDocuments overlays scraped onto existing by top-level key. An empty
// existing document starts a new one.
func mergeDocuments(existing, scraped []byte) ([]byte, error) {
	doc := make(map[string]json.RawMessage)
	if len(bytes.TrimSpace(existing)) > 0 {
		if err := json.Unmarshal(existing, &doc); err != nil {
			return nil, fmt.Errorf("decode stored profile: %w", err)
		}
	}
	var update map[string]json.RawMessage
	if err := json.Unmarshal(scraped, &update); err != nil {
		return nil, fmt.Errorf("decode scraped profile: %w", err)
	}
	for k, v := range update {
		doc[k] = v
	}
	return encodeDocument(doc)
}

// encodeDocument writes indented JSON without HTML escaping so names and
// text stay readable in the stored files.
func encodeDocument(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// withID returns doc with its "id" field set to id.
func withID(doc []byte, id string) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", id, err)
	}
	idJSON, _ := json.Marshal(id)
	m["id"] = idJSON
	return encodeDocument(m)
}

// Empty reports whether a scrape produced nothing worth storing.
func Empty(doc json.RawMessage) bool {
	r := gjson.ParseBytes(doc)
	if !r.IsObject() {
		return true
	}
	empty := true
	r.ForEach(func(_, _ gjson.Result) bool {
		empty = false
		return false
	})
	return empty
}
