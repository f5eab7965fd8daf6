package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/syntrixbase/indexsync/internal/queue/internal/flowcontrol"
	"github.com/syntrixbase/indexsync/pkg/model"
)

// FailoverOptions configures a Failover.
type FailoverOptions struct {
	// Threshold is the number of consecutive backend failures that trigger the switch.
	Threshold int
	// OnFailover is called once, when the switch happens.
	OnFailover func(cause error)
	Logger     *slog.Logger
}

// Failover routes calls to a primary backend until it fails, then permanently to an
// in-process fallback. The keys of the running cycle are remembered so the fallback can
// be reloaded with all of them.
type Failover struct {
	mu       sync.RWMutex
	active   Queue
	primary  Queue
	fallback Queue
	breaker  *flowcontrol.Breaker

	args *RunArgs
	keys model.KeySet

	onFailover func(error)
	logger     *slog.Logger
}

var _ Queue = (*Failover)(nil)

// NewFailover wraps primary with fallback.
func NewFailover(primary, fallback Queue, opts FailoverOptions) *Failover {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{
		active:     primary,
		primary:    primary,
		fallback:   fallback,
		breaker:    flowcontrol.NewBreaker(flowcontrol.BreakerOptions{Threshold: opts.Threshold, Cooldown: -1}),
		keys:       model.NewKeySet(),
		onFailover: opts.OnFailover,
		logger:     logger.With("component", "queue-failover"),
	}
}

// FailedOver reports whether the fallback is in use.
func (f *Failover) FailedOver() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.active == f.fallback
}

func (f *Failover) current() Queue {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.active
}

// failed records a backend error from q. It returns true when the caller should retry
// the call on the fallback.
func (f *Failover) failed(ctx context.Context, q Queue, err error) (bool, error) {
	if errors.Is(err, ErrNotIndexing) || errors.Is(err, ErrClosed) || model.IsCanceled(err) {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active != q {
		// Another caller already switched.
		return true, nil
	}
	if q == f.fallback {
		return false, err
	}
	if !f.breaker.RecordFailure() {
		return false, err
	}

	f.logger.Warn("Queue backend failed, switching to in-process queue for the rest of this process",
		"error", err, "cycle_keys", len(f.keys))
	f.active = f.fallback
	if f.onFailover != nil {
		f.onFailover(err)
	}
	if f.args == nil {
		return true, nil
	}
	if _, ierr := f.fallback.Initialize(ctx, *f.args); ierr != nil {
		return false, fmt.Errorf("fallback queue initialize failed: %w", ierr)
	}
	if len(f.keys) > 0 {
		if _, lerr := f.fallback.LoadKeys(ctx, f.keys.Sorted()); lerr != nil {
			return false, fmt.Errorf("fallback queue reload failed: %w", lerr)
		}
	}
	return true, nil
}

func (f *Failover) succeeded(q Queue) {
	if q == f.primary {
		f.breaker.RecordSuccess()
	}
}

func (f *Failover) Initialize(ctx context.Context, args RunArgs) (bool, error) {
	for {
		q := f.current()
		ok, err := q.Initialize(ctx, args)
		if err == nil {
			f.succeeded(q)
			if ok {
				f.mu.Lock()
				a := args
				f.args = &a
				f.keys = model.NewKeySet()
				f.mu.Unlock()
			}
			return ok, nil
		}
		// Nothing from an earlier cycle should be replayed into the fallback; the retry
		// initializes it directly.
		f.mu.Lock()
		f.args = nil
		f.keys = model.NewKeySet()
		f.mu.Unlock()
		if retry, err := f.failed(ctx, q, err); !retry {
			return false, err
		}
	}
}

func (f *Failover) LoadKeys(ctx context.Context, keys []string) (LoadResult, error) {
	for {
		q := f.current()
		res, err := q.LoadKeys(ctx, keys)
		if err == nil {
			f.succeeded(q)
			f.track(keys, res.Failed)
			return res, nil
		}
		retry, err := f.failed(ctx, q, err)
		if !retry {
			return res, err
		}
	}
}

func (f *Failover) track(keys, failed []string) {
	skip := model.NewKeySet(failed...)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		if !skip.Has(k) {
			f.keys.Add(k)
		}
	}
}

func (f *Failover) GetBatch(ctx context.Context, size int) (*Batch, error) {
	for {
		q := f.current()
		b, err := q.GetBatch(ctx, size)
		if err == nil {
			f.succeeded(q)
			return b, nil
		}
		if retry, err := f.failed(ctx, q, err); !retry {
			return nil, err
		}
	}
}

func (f *Failover) AddFinished(ctx context.Context, batchID string, successes int, errs []model.KeyError) error {
	for {
		q := f.current()
		err := q.AddFinished(ctx, batchID, successes, errs)
		if err == nil {
			f.succeeded(q)
			return nil
		}
		if retry, err := f.failed(ctx, q, err); !retry {
			return err
		}
	}
}

// Release hands a claimed batch back on the active backend.
func (f *Failover) Release(ctx context.Context, batchID string) error {
	for {
		q := f.current()
		err := q.Release(ctx, batchID)
		if err == nil {
			f.succeeded(q)
			return nil
		}
		if retry, err := f.failed(ctx, q, err); !retry {
			return err
		}
	}
}

func (f *Failover) IsIndexing(ctx context.Context, errCount int) (bool, error) {
	for {
		q := f.current()
		ok, err := q.IsIndexing(ctx, errCount)
		if err == nil {
			f.succeeded(q)
			return ok, nil
		}
		if retry, err := f.failed(ctx, q, err); !retry {
			return false, err
		}
	}
}

func (f *Failover) IsFinished(ctx context.Context, maxAge time.Duration, listenerRestarted bool) ([]string, bool, error) {
	for {
		q := f.current()
		requeue, done, err := q.IsFinished(ctx, maxAge, listenerRestarted)
		if err == nil {
			f.succeeded(q)
			return requeue, done, nil
		}
		if retry, err := f.failed(ctx, q, err); !retry {
			return nil, false, err
		}
	}
}

func (f *Failover) PopErrors(ctx context.Context) ([]model.KeyError, error) {
	return f.current().PopErrors(ctx)
}

func (f *Failover) Purge(ctx context.Context) error {
	if err := f.current().Purge(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	f.args = nil
	f.keys = model.NewKeySet()
	f.mu.Unlock()
	return nil
}

func (f *Failover) CloseIndexing(ctx context.Context) error {
	return f.current().CloseIndexing(ctx)
}

func (f *Failover) Args(ctx context.Context) (*RunArgs, error) {
	return f.current().Args(ctx)
}

// Close closes both backends.
func (f *Failover) Close() error {
	return errors.Join(f.primary.Close(), f.fallback.Close())
}
