// Package expander computes the reverse closure of a change set: every indexed document
// that embeds an updated key or links a renamed key.
package expander

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/syntrixbase/indexsync/internal/core/search"
	"github.com/syntrixbase/indexsync/pkg/model"
)

const (
	// DefaultMaxClauses is the largest number of terms one reverse lookup may carry.
	DefaultMaxClauses = 8192
	// DefaultMaxResults is the largest result window the index serves.
	DefaultMaxResults = 99999
)

// KeyLister lists every indexable key.
type KeyLister interface {
	AllKeys(ctx context.Context, types []string) ([]string, error)
}

// Config holds the expansion ceilings.
type Config struct {
	MaxClauses int
	MaxResults int
	// Types restricts the full reindex fallback to these item types.
	Types []string
}

// Result is the outcome of one expansion.
type Result struct {
	// Keys is the invalidation set. For a precise expansion it is the lookup result only;
	// callers union it with the updated set.
	Keys        model.KeySet
	FullReindex bool
	// Referencing is the number of documents the lookup matched.
	Referencing int
}

// Expander runs reverse lookups against the search index.
type Expander struct {
	index  search.Index
	keys   KeyLister
	cfg    Config
	logger *slog.Logger
}

// New creates an expander.
func New(index search.Index, keys KeyLister, cfg Config, logger *slog.Logger) *Expander {
	if cfg.MaxClauses <= 0 {
		cfg.MaxClauses = DefaultMaxClauses
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Expander{
		index:  index,
		keys:   keys,
		cfg:    cfg,
		logger: logger.With("component", "expander"),
	}
}

// Expand returns the documents invalidated by updated and renamed, or every known key when
// the change set cannot be expressed as a single lookup.
func (e *Expander) Expand(ctx context.Context, updated, renamed model.KeySet) (Result, error) {
	n := len(updated) + len(renamed)
	if n > e.cfg.MaxClauses {
		e.logger.Info("Change set exceeds clause ceiling, falling back to full reindex",
			"clauses", n, "max_clauses", e.cfg.MaxClauses)
		return e.all(ctx)
	}
	if n == 0 {
		return Result{Keys: model.NewKeySet()}, nil
	}

	if err := e.index.Refresh(ctx); err != nil {
		return Result{}, fmt.Errorf("failed to refresh index before lookup: %w", err)
	}
	keys, total, err := e.index.ReverseLookup(ctx, updated.Sorted(), renamed.Sorted(), e.cfg.MaxResults)
	if err != nil {
		return Result{}, fmt.Errorf("reverse lookup failed: %w", err)
	}
	if total > int64(e.cfg.MaxResults) {
		e.logger.Info("Reverse lookup exceeds result ceiling, falling back to full reindex",
			"total", total, "max_results", e.cfg.MaxResults)
		return e.all(ctx)
	}

	return Result{Keys: model.NewKeySet(keys...), Referencing: len(keys)}, nil
}

// WithTypes returns an expander whose full reindex fallback is restricted to types. An
// empty list keeps the configured restriction.
func (e *Expander) WithTypes(types []string) *Expander {
	if len(types) == 0 {
		return e
	}
	c := *e
	c.cfg.Types = types
	return &c
}

// MaxResults returns the result ceiling.
func (e *Expander) MaxResults() int {
	return e.cfg.MaxResults
}

// All returns every known key as a full reindex result.
func (e *Expander) All(ctx context.Context) (Result, error) {
	return e.all(ctx)
}

func (e *Expander) all(ctx context.Context) (Result, error) {
	keys, err := e.keys.AllKeys(ctx, e.cfg.Types)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list all keys: %w", err)
	}
	return Result{Keys: model.NewKeySet(keys...), FullReindex: true}, nil
}
