// Package automation holds the task handlers that run inside pooled
// browsing contexts, and the mux that picks one per payload.
package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"browserd/internal/executor"
	"browserd/internal/pool"
	"browserd/internal/storage"
	"browserd/internal/utils"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
)

// DefaultHandler runs when a payload names no handler.
const DefaultHandler = "title"

// ErrSuspect marks a handler failure after which the context is retired.
var ErrSuspect = executor.ErrSuspect

// ErrUnknownHandler is returned for a payload naming an unregistered handler.
var ErrUnknownHandler = errors.New("unknown handler")

var validate = validator.New()

// Mux dispatches a payload on its "handler" field.
type Mux struct {
	handlers map[string]executor.Handler
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[string]executor.Handler)}
}

func (m *Mux) Handle(name string, h executor.Handler) {
	m.handlers[name] = h
}

func (m *Mux) HandleFunc(name string, fn executor.HandlerFunc) {
	m.Handle(name, fn)
}

// Names lists the registered handlers.
func (m *Mux) Names() []string {
	names := make([]string, 0, len(m.handlers))
	for n := range m.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the payload's handler is registered.
func (m *Mux) Has(payload json.RawMessage) bool {
	_, ok := m.handlers[handlerName(payload)]
	return ok
}

func (m *Mux) Execute(ctx context.Context, bctx pool.Context, payload json.RawMessage) (json.RawMessage, error) {
	name := handlerName(payload)
	h, ok := m.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownHandler, name)
	}
	return h.Execute(ctx, bctx, payload)
}

func handlerName(payload json.RawMessage) string {
	if name := gjson.GetBytes(payload, "handler").String(); name != "" {
		return name
	}
	return DefaultHandler
}

// Options configures the built-in handlers.
type Options struct {
	URLPolicy utils.URLPolicy
	// Artifacts stores screenshots and snapshots. The artifact handlers are
	// not registered when nil.
	Artifacts   storage.Storage
	Diagnostics bool
	Logger      *slog.Logger
}

// Handlers owns the dependencies of the built-in handlers.
type Handlers struct {
	policy    utils.URLPolicy
	artifacts storage.Storage
	log       *slog.Logger
}

// New returns a mux with every built-in handler registered.
func New(opts Options) *Mux {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Handlers{
		policy:    opts.URLPolicy,
		artifacts: opts.Artifacts,
		log:       opts.Logger.With("component", "automation"),
	}

	m := NewMux()
	m.HandleFunc("title", h.Title)
	m.HandleFunc("extract", h.Extract)
	m.HandleFunc("linkedin_profile", h.LinkedInProfile)
	if opts.Artifacts != nil {
		m.HandleFunc("screenshot", h.Screenshot)
		m.HandleFunc("mhtml", h.MHTML)
	}
	if opts.Diagnostics {
		m.HandleFunc("sleep", Sleep)
	}
	return m
}

// decode unmarshals and validates a handler payload.
func decode(payload json.RawMessage, v any) error {
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, v); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
