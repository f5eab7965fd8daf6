// Package worker drains a work queue by claiming batches and running them through the
// document updater.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/syntrixbase/indexsync/internal/queue"
	"github.com/syntrixbase/indexsync/pkg/model"
)

const (
	DefaultBatchSize = 100
	DefaultIdle      = 50 * time.Millisecond

	releaseTimeout = 5 * time.Second
)

// Updater processes the keys of one batch.
type Updater interface {
	UpdateMany(ctx context.Context, keys []string, watermark int64, snapshotID string) ([]model.KeyError, error)
}

// Config configures a Pool.
type Config struct {
	Workers   int
	BatchSize int
	// Idle is the pause when the queue has nothing to hand out.
	Idle time.Duration
	// Wait keeps workers alive between cycles instead of returning once the queue stops
	// indexing.
	Wait bool
}

// Pool runs workers against one queue.
type Pool struct {
	q       queue.Queue
	updater Updater
	cfg     Config
	logger  *slog.Logger
}

// New creates a worker pool.
func New(q queue.Queue, updater Updater, cfg Config, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Idle <= 0 {
		cfg.Idle = DefaultIdle
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{q: q, updater: updater, cfg: cfg, logger: logger.With("component", "worker")}
}

// Run starts the workers and blocks until they all stop. Workers stop when the queue stops
// indexing (unless Wait is set), the queue is closed, or ctx ends. Cancellation is not an
// error.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		logger := p.logger.With("worker", i)
		g.Go(func() error {
			return p.loop(gctx, logger)
		})
	}
	err := g.Wait()
	if model.IsCanceled(err) {
		return nil
	}
	return err
}

func (p *Pool) loop(ctx context.Context, logger *slog.Logger) error {
	processed := 0
	defer func() {
		logger.Debug("Worker stopped", "processed", processed)
	}()
	for {
		if ctx.Err() != nil {
			return nil
		}
		indexing, err := p.q.IsIndexing(ctx, 0)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return nil
			}
			logger.Warn("Failed to check queue state", "error", err)
			if !p.pause(ctx) {
				return nil
			}
			continue
		}
		if !indexing {
			if !p.cfg.Wait {
				return nil
			}
			if !p.pause(ctx) {
				return nil
			}
			continue
		}

		n, err := p.runBatch(ctx)
		switch {
		case err != nil && model.IsCanceled(err):
			return nil
		case errors.Is(err, queue.ErrClosed):
			return nil
		case errors.Is(err, queue.ErrNotIndexing):
			continue
		case err != nil:
			logger.Warn("Batch failed", "error", err)
		}
		processed += n
		if n == 0 && !p.pause(ctx) {
			return nil
		}
	}
}

// RunBatch claims and processes a single batch. It returns the number of keys handled,
// zero when nothing was pending.
func (p *Pool) RunBatch(ctx context.Context) (int, error) {
	return p.runBatch(ctx)
}

func (p *Pool) runBatch(ctx context.Context) (int, error) {
	batch, err := p.q.GetBatch(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim batch: %w", err)
	}
	if batch == nil {
		return 0, nil
	}
	errs, err := p.updater.UpdateMany(ctx, batch.Keys, batch.Watermark, batch.SnapshotID)
	if err != nil {
		if model.IsCanceled(err) {
			p.release(ctx, batch)
		}
		// Otherwise the batch stays claimed and is redelivered once it expires.
		return 0, err
	}
	successes := len(batch.Keys) - len(errs)
	if err := p.q.AddFinished(ctx, batch.ID, successes, errs); err != nil {
		return 0, fmt.Errorf("failed to report batch %s: %w", batch.ID, err)
	}
	return len(batch.Keys), nil
}

// release hands an interrupted batch back so the next drain does not wait for the claim
// to expire. ctx is already done, so the call runs detached with its own deadline.
func (p *Pool) release(ctx context.Context, batch *queue.Batch) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := p.q.Release(rctx, batch.ID); err != nil {
		p.logger.Warn("Failed to release interrupted batch", "batch", batch.ID, "keys", len(batch.Keys), "error", err)
		return
	}
	p.logger.Debug("Released interrupted batch", "batch", batch.ID, "keys", len(batch.Keys))
}

func (p *Pool) pause(ctx context.Context) bool {
	t := time.NewTimer(p.cfg.Idle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
