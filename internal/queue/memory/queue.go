// Package memory is the zero-dependency in-process work queue.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syntrixbase/indexsync/internal/queue"
	"github.com/syntrixbase/indexsync/pkg/model"
)

type claim struct {
	keys      []string
	claimedAt time.Time
}

// Queue keeps the cycle in process memory.
type Queue struct {
	mu        sync.Mutex
	now       func() time.Time
	maxErrors int
	openedAt  time.Time
	closed    bool

	running bool
	args    queue.RunArgs

	pending    []string
	pendingSet map[string]struct{}
	claims     map[string]claim
	errs       []model.KeyError
}

var _ queue.Queue = (*Queue)(nil)

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithMaxErrors sets the error ceiling checked by IsIndexing. Zero disables it.
func WithMaxErrors(n int) Option {
	return func(q *Queue) { q.maxErrors = n }
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		now:        time.Now,
		pendingSet: make(map[string]struct{}),
		claims:     make(map[string]claim),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.openedAt = q.now()
	return q
}

// Initialize starts a cycle unless one is already running.
func (q *Queue) Initialize(_ context.Context, args queue.RunArgs) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, queue.ErrClosed
	}
	if q.running {
		return false, nil
	}
	q.running = true
	q.args = args
	return true, nil
}

// LoadKeys appends keys that are not already pending.
func (q *Queue) LoadKeys(_ context.Context, keys []string) (queue.LoadResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return queue.LoadResult{Failed: keys}, queue.ErrNotIndexing
	}
	res := queue.LoadResult{Calls: len(queue.Chunk(keys, q.args.BatchBy))}
	for _, k := range keys {
		res.Loaded++
		if _, ok := q.pendingSet[k]; ok {
			continue
		}
		q.pendingSet[k] = struct{}{}
		q.pending = append(q.pending, k)
	}
	return res, nil
}

// GetBatch claims up to size keys from the front of the pending pool.
func (q *Queue) GetBatch(_ context.Context, size int) (*queue.Batch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running || len(q.pending) == 0 {
		return nil, nil
	}
	if size <= 0 || size > len(q.pending) {
		size = len(q.pending)
	}
	keys := append([]string(nil), q.pending[:size]...)
	q.pending = q.pending[size:]
	for _, k := range keys {
		delete(q.pendingSet, k)
	}

	id := uuid.NewString()
	q.claims[id] = claim{keys: keys, claimedAt: q.now()}
	return &queue.Batch{ID: id, Keys: keys, Watermark: q.args.Watermark, SnapshotID: q.args.SnapshotID}, nil
}

// AddFinished drops the claim and records errs.
func (q *Queue) AddFinished(_ context.Context, batchID string, _ int, errs []model.KeyError) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.claims, batchID)
	q.errs = append(q.errs, errs...)
	return nil
}

// Release puts the keys of a claimed batch back at the front of the pending pool.
func (q *Queue) Release(_ context.Context, batchID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.claims[batchID]
	if !ok {
		return nil
	}
	delete(q.claims, batchID)
	if !q.running {
		return nil
	}
	var back []string
	for _, k := range c.keys {
		if _, ok := q.pendingSet[k]; ok {
			continue
		}
		q.pendingSet[k] = struct{}{}
		back = append(back, k)
	}
	q.pending = append(back, q.pending...)
	return nil
}

// IsIndexing reports whether a cycle runs and the error ceiling is not reached.
func (q *Queue) IsIndexing(_ context.Context, errCount int) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return false, nil
	}
	if q.maxErrors > 0 && len(q.errs)+errCount >= q.maxErrors {
		return false, nil
	}
	return true, nil
}

// IsFinished expires stale claims and reports whether the cycle is drained.
func (q *Queue) IsFinished(_ context.Context, maxAge time.Duration, listenerRestarted bool) ([]string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var requeue []string
	for id, c := range q.claims {
		expired := now.Sub(c.claimedAt) > maxAge
		if listenerRestarted && c.claimedAt.Before(q.openedAt) {
			expired = true
		}
		if expired {
			requeue = append(requeue, c.keys...)
			delete(q.claims, id)
		}
	}
	done := len(q.pending) == 0 && len(q.claims) == 0 && len(requeue) == 0
	return requeue, done, nil
}

// PopErrors returns and clears the recorded errors.
func (q *Queue) PopErrors(context.Context) ([]model.KeyError, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	errs := q.errs
	q.errs = nil
	return errs, nil
}

// Purge resets the queue to empty.
func (q *Queue) Purge(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running = false
	q.args = queue.RunArgs{}
	q.pending = nil
	q.pendingSet = make(map[string]struct{})
	q.claims = make(map[string]claim)
	q.errs = nil
	return nil
}

// CloseIndexing ends the cycle and keeps whatever is left.
func (q *Queue) CloseIndexing(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running = false
	return nil
}

// Args returns the running cycle's arguments, or nil.
func (q *Queue) Args(context.Context) (*queue.RunArgs, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return nil, nil
	}
	args := q.args
	return &args, nil
}

// Close marks the queue closed; later Initialize calls fail.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
