// Package updater renders single records and writes them to the search index with the
// cycle watermark as external version.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/syntrixbase/indexsync/internal/core/search"
	"github.com/syntrixbase/indexsync/internal/render"
	"github.com/syntrixbase/indexsync/pkg/model"
)

// DefaultBackoff is the wait before each write attempt.
var DefaultBackoff = []time.Duration{0, 10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second}

// DefaultProgressEvery is how often UpdateMany logs progress.
const DefaultProgressEvery = 1000

// Outcome classifies a finished UpdateOne call.
type Outcome int

const (
	Written Outcome = iota
	Conflict
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Written:
		return "written"
	case Conflict:
		return "conflict"
	default:
		return "failed"
	}
}

// Observer receives one call per finished key.
type Observer func(key string, outcome Outcome)

// Config configures an Updater.
type Config struct {
	Backoff       []time.Duration
	ProgressEvery int
	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep    func(ctx context.Context, d time.Duration) error
	Observer Observer
	Now      func() time.Time
}

// Updater writes rendered documents.
type Updater struct {
	index    search.Index
	renderer render.Renderer
	cfg      Config
	logger   *slog.Logger
}

// New creates an Updater.
func New(index search.Index, renderer render.Renderer, cfg Config, logger *slog.Logger) *Updater {
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{
		index:    index,
		renderer: renderer,
		cfg:      cfg,
		logger:   logger.With("component", "updater"),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// UpdateOne renders key through snapshotID and writes it with version watermark.
// A version conflict counts as success. Connectivity failures walk the whole backoff
// ladder; any other write failure is tried once more and then given up. The returned
// error is nil unless the caller's context ended.
func (u *Updater) UpdateOne(ctx context.Context, key string, watermark int64, snapshotID string) (*model.KeyError, error) {
	doc, err := u.renderer.Render(ctx, key, snapshotID)
	if err != nil {
		if model.IsCanceled(err) && ctx.Err() != nil {
			return nil, model.WrapError(ctx.Err())
		}
		u.observe(key, Failed)
		return u.keyError(key, fmt.Errorf("render error: %w", err)), nil
	}

	var last error
	extra := false
	for attempt, wait := range u.cfg.Backoff {
		if err := u.cfg.Sleep(ctx, wait); err != nil {
			return nil, model.WrapError(err)
		}
		err := u.index.Upsert(ctx, doc, watermark)
		switch {
		case err == nil:
			u.observe(key, Written)
			return nil, nil
		case errors.Is(err, search.ErrConflict):
			u.logger.Debug("Newer version already indexed", "key", key, "xmin", watermark)
			u.observe(key, Conflict)
			return nil, nil
		case ctx.Err() != nil:
			return nil, model.WrapError(ctx.Err())
		}
		last = err
		u.logger.Debug("Index write failed", "key", key, "attempt", attempt+1, "error", err)
		if search.IsRetryable(err) {
			continue
		}
		if extra {
			break
		}
		extra = true
	}

	u.observe(key, Failed)
	return u.keyError(key, last), nil
}

// UpdateMany runs UpdateOne over keys in order and returns the per-key errors.
func (u *Updater) UpdateMany(ctx context.Context, keys []string, watermark int64, snapshotID string) ([]model.KeyError, error) {
	var errs []model.KeyError
	for i, key := range keys {
		kerr, err := u.UpdateOne(ctx, key, watermark, snapshotID)
		if err != nil {
			return errs, err
		}
		if kerr != nil {
			u.logger.Warn("Failed to index key", "key", key, "error", kerr.Message)
			errs = append(errs, *kerr)
		}
		if (i+1)%u.cfg.ProgressEvery == 0 {
			u.logger.Info("Indexing progress", "done", i+1, "total", len(keys), "errors", len(errs))
		}
	}
	return errs, nil
}

func (u *Updater) keyError(key string, err error) *model.KeyError {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &model.KeyError{Key: key, Message: msg, Timestamp: u.cfg.Now().UTC()}
}

func (u *Updater) observe(key string, o Outcome) {
	if u.cfg.Observer != nil {
		u.cfg.Observer(key, o)
	}
}
