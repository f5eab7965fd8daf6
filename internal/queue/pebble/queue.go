// Package pebble is a durable single-process work queue on PebbleDB. A cycle survives a
// process crash: a restarted orchestrator reopens the directory, finds the queue still
// indexing and drains what is left.
package pebble

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/syntrixbase/indexsync/internal/queue"
	"github.com/syntrixbase/indexsync/pkg/model"
)

// Config configures the pebble queue.
type Config struct {
	Path      string
	MaxErrors int
	Logger    *slog.Logger
	// Now overrides the clock.
	Now func() time.Time
}

type runDoc struct {
	Args    queue.RunArgs `json:"args"`
	Running bool          `json:"running"`
}

type claimDoc struct {
	Keys      []string  `json:"keys"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Queue stores the cycle in a pebble database.
type Queue struct {
	mu        sync.Mutex
	db        DB
	path      string
	now       func() time.Time
	maxErrors int
	openedAt  time.Time
	seq       uint64
	closed    bool
	logger    *slog.Logger
}

var _ queue.Queue = (*Queue)(nil)

// Open opens or creates the queue directory.
func Open(cfg Config) (*Queue, error) {
	if cfg.Path == "" {
		return nil, errors.New("pebble queue path is required")
	}
	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	db, err := pebble.Open(cfg.Path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble queue: %w", err)
	}
	q, err := newQueue(&pebbleDB{db: db}, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	q.path = cfg.Path
	return q, nil
}

func newQueue(db DB, cfg Config) (*Queue, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	q := &Queue{
		db:        db,
		now:       now,
		maxErrors: cfg.MaxErrors,
		logger:    logger.With("component", "pebble-queue"),
	}
	q.openedAt = now()

	raw, ok, err := q.get([]byte(keySeq))
	if err != nil {
		return nil, err
	}
	if ok {
		q.seq = decodeSeq(raw)
	}
	return q, nil
}

// Initialize writes the run document unless a cycle is already running.
func (q *Queue) Initialize(_ context.Context, args queue.RunArgs) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, queue.ErrClosed
	}
	run, err := q.loadRun()
	if err != nil {
		return false, err
	}
	if run != nil && run.Running {
		return false, nil
	}
	body, err := json.Marshal(runDoc{Args: args, Running: true})
	if err != nil {
		return false, fmt.Errorf("failed to encode run args: %w", err)
	}
	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Set([]byte(keyRun), body, nil); err != nil {
		return false, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return false, fmt.Errorf("failed to initialize queue: %w", err)
	}
	return true, nil
}

// LoadKeys stages keys chunk by chunk; a failed chunk is reported in Failed.
func (q *Queue) LoadKeys(_ context.Context, keys []string) (queue.LoadResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.LoadResult{Failed: keys}, queue.ErrClosed
	}
	run, err := q.loadRun()
	if err != nil {
		return queue.LoadResult{Failed: keys}, err
	}
	if run == nil || !run.Running {
		return queue.LoadResult{Failed: keys}, queue.ErrNotIndexing
	}

	var res queue.LoadResult
	for _, chunk := range queue.Chunk(keys, run.Args.BatchBy) {
		res.Calls++
		if err := q.loadChunk(chunk); err != nil {
			q.logger.Warn("Failed to load key chunk", "keys", len(chunk), "error", err)
			res.Failed = append(res.Failed, chunk...)
			continue
		}
		res.Loaded += len(chunk)
	}
	if res.Loaded == 0 && len(res.Failed) > 0 {
		return res, fmt.Errorf("failed to load any of %d keys", len(res.Failed))
	}
	return res, nil
}

func (q *Queue) loadChunk(keys []string) error {
	b := q.db.NewBatch()
	defer b.Close()
	seq, err := q.stage(b, keys)
	if err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return err
	}
	q.seq = seq
	return nil
}

// stage writes pending records for the keys not already pending into b and
// returns the sequence number to store once b commits.
func (q *Queue) stage(b Batch, keys []string) (uint64, error) {
	seq := q.seq
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		dk := dedupKey(k)
		existing, ok, err := q.get(dk)
		if err != nil {
			return 0, err
		}
		if ok && string(existing) == k {
			continue
		}
		if err := b.Set(seqKey(prefixPend, seq), []byte(k), nil); err != nil {
			return 0, err
		}
		if err := b.Set(dk, []byte(k), nil); err != nil {
			return 0, err
		}
		seq++
	}
	if err := b.Set([]byte(keySeq), encodeSeq(seq), nil); err != nil {
		return 0, err
	}
	return seq, nil
}

// GetBatch moves up to size pending keys into a new claim.
func (q *Queue) GetBatch(_ context.Context, size int) (*queue.Batch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, queue.ErrClosed
	}
	run, err := q.loadRun()
	if err != nil {
		return nil, err
	}
	if run == nil || !run.Running {
		return nil, nil
	}

	iter, err := q.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixPend),
		UpperBound: prefixEnd(prefixPend),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending keys: %w", err)
	}
	b := q.db.NewBatch()
	defer b.Close()

	var keys []string
	for iter.First(); iter.Valid() && (size <= 0 || len(keys) < size); iter.Next() {
		k := string(iter.Value())
		keys = append(keys, k)
		if err := b.Delete(bytes.Clone(iter.Key()), nil); err != nil {
			_ = iter.Close()
			return nil, err
		}
		if err := b.Delete(dedupKey(k), nil); err != nil {
			_ = iter.Close()
			return nil, err
		}
	}
	if err := iter.Error(); err != nil {
		_ = iter.Close()
		return nil, fmt.Errorf("failed to scan pending keys: %w", err)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	id := uuid.NewString()
	body, err := json.Marshal(claimDoc{Keys: keys, ClaimedAt: q.now()})
	if err != nil {
		return nil, err
	}
	if err := b.Set(claimKey(id), body, nil); err != nil {
		return nil, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to claim batch: %w", err)
	}
	return &queue.Batch{ID: id, Keys: keys, Watermark: run.Args.Watermark, SnapshotID: run.Args.SnapshotID}, nil
}

// AddFinished deletes the claim and appends errs.
func (q *Queue) AddFinished(_ context.Context, batchID string, _ int, errs []model.KeyError) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Delete(claimKey(batchID), nil); err != nil {
		return err
	}
	seq := q.seq
	for _, ke := range errs {
		body, err := json.Marshal(ke)
		if err != nil {
			return err
		}
		if err := b.Set(seqKey(prefixErr, seq), body, nil); err != nil {
			return err
		}
		seq++
	}
	if err := b.Set([]byte(keySeq), encodeSeq(seq), nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to finish batch %s: %w", batchID, err)
	}
	q.seq = seq
	return nil
}

// Release deletes the claim and stages its keys as pending again in one commit.
func (q *Queue) Release(_ context.Context, batchID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	raw, ok, err := q.get(claimKey(batchID))
	if err != nil || !ok {
		return err
	}
	var c claimDoc
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("failed to decode claim: %w", err)
	}
	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Delete(claimKey(batchID), nil); err != nil {
		return err
	}
	seq, err := q.stage(b, c.Keys)
	if err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to release batch %s: %w", batchID, err)
	}
	q.seq = seq
	return nil
}

// IsIndexing reports whether a cycle runs and the error ceiling is not reached.
func (q *Queue) IsIndexing(_ context.Context, errCount int) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, queue.ErrClosed
	}
	run, err := q.loadRun()
	if err != nil {
		return false, err
	}
	if run == nil || !run.Running {
		return false, nil
	}
	if q.maxErrors > 0 {
		n, err := q.count(prefixErr)
		if err != nil {
			return false, err
		}
		if n+errCount >= q.maxErrors {
			return false, nil
		}
	}
	return true, nil
}

// IsFinished expires stale claims and reports whether the cycle is drained.
func (q *Queue) IsFinished(_ context.Context, maxAge time.Duration, listenerRestarted bool) ([]string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, false, queue.ErrClosed
	}

	now := q.now()
	iter, err := q.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixClaim),
		UpperBound: prefixEnd(prefixClaim),
	})
	if err != nil {
		return nil, false, err
	}
	b := q.db.NewBatch()
	defer b.Close()

	var requeue []string
	outstanding := 0
	for iter.First(); iter.Valid(); iter.Next() {
		var c claimDoc
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			_ = iter.Close()
			return nil, false, fmt.Errorf("failed to decode claim: %w", err)
		}
		expired := now.Sub(c.ClaimedAt) > maxAge
		if listenerRestarted && c.ClaimedAt.Before(q.openedAt) {
			expired = true
		}
		if !expired {
			outstanding++
			continue
		}
		requeue = append(requeue, c.Keys...)
		if err := b.Delete(bytes.Clone(iter.Key()), nil); err != nil {
			_ = iter.Close()
			return nil, false, err
		}
	}
	if err := iter.Error(); err != nil {
		_ = iter.Close()
		return nil, false, err
	}
	if err := iter.Close(); err != nil {
		return nil, false, err
	}
	if len(requeue) > 0 {
		if err := b.Commit(pebble.Sync); err != nil {
			return nil, false, fmt.Errorf("failed to expire claims: %w", err)
		}
	}

	pending, err := q.count(prefixPend)
	if err != nil {
		return nil, false, err
	}
	done := pending == 0 && outstanding == 0 && len(requeue) == 0
	return requeue, done, nil
}

// PopErrors returns and deletes the recorded errors.
func (q *Queue) PopErrors(context.Context) ([]model.KeyError, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, queue.ErrClosed
	}
	iter, err := q.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixErr),
		UpperBound: prefixEnd(prefixErr),
	})
	if err != nil {
		return nil, err
	}
	var errs []model.KeyError
	for iter.First(); iter.Valid(); iter.Next() {
		var ke model.KeyError
		if err := json.Unmarshal(iter.Value(), &ke); err != nil {
			_ = iter.Close()
			return nil, fmt.Errorf("failed to decode error: %w", err)
		}
		errs = append(errs, ke)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	if err := q.deleteRanges(prefixErr); err != nil {
		return nil, err
	}
	return errs, nil
}

// Purge deletes every record of the cycle.
func (q *Queue) Purge(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Delete([]byte(keyRun), nil); err != nil {
		return err
	}
	if err := q.deleteRangesIn(b, prefixPend, prefixDedup, prefixClaim, prefixErr); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to purge queue: %w", err)
	}
	return nil
}

// CloseIndexing marks the run document as stopped.
func (q *Queue) CloseIndexing(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	run, err := q.loadRun()
	if err != nil || run == nil {
		return err
	}
	run.Running = false
	body, err := json.Marshal(run)
	if err != nil {
		return err
	}
	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Set([]byte(keyRun), body, nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// Args returns the running cycle's arguments, or nil.
func (q *Queue) Args(context.Context) (*queue.RunArgs, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, queue.ErrClosed
	}
	run, err := q.loadRun()
	if err != nil || run == nil || !run.Running {
		return nil, err
	}
	return &run.Args, nil
}

// Close closes the database. It is safe to call more than once.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if err := q.db.Close(); err != nil {
		return fmt.Errorf("failed to close pebble queue: %w", err)
	}
	return nil
}

func (q *Queue) loadRun() (*runDoc, error) {
	raw, ok, err := q.get([]byte(keyRun))
	if err != nil || !ok {
		return nil, err
	}
	var run runDoc
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, fmt.Errorf("failed to decode run args: %w", err)
	}
	return &run, nil
}

func (q *Queue) get(key []byte) ([]byte, bool, error) {
	val, closer, err := q.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	out := bytes.Clone(val)
	if err := closer.Close(); err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (q *Queue) count(prefix string) (int, error) {
	iter, err := q.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	if err := iter.Error(); err != nil {
		_ = iter.Close()
		return 0, err
	}
	return n, iter.Close()
}

func (q *Queue) deleteRanges(prefixes ...string) error {
	b := q.db.NewBatch()
	defer b.Close()
	if err := q.deleteRangesIn(b, prefixes...); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (q *Queue) deleteRangesIn(b Batch, prefixes ...string) error {
	for _, p := range prefixes {
		if err := b.DeleteRange([]byte(p), prefixEnd(p), nil); err != nil {
			return err
		}
	}
	return nil
}
