// Package queue defines the work queue that holds the keys of one indexing cycle.
//
// A queue is also the mutual-exclusion gate between orchestrators: only one cycle may be
// indexing at a time. Batches claimed by workers that never report back are handed out
// again once they outlive the liveness window, so every key is delivered at least once per
// cycle.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/syntrixbase/indexsync/pkg/model"
)

var (
	// ErrNotIndexing is returned by operations that need an active cycle.
	ErrNotIndexing = errors.New("queue is not indexing")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue closed")
)

// RunArgs describe the cycle a queue is initialized for.
type RunArgs struct {
	CycleID    string `json:"cycle_id" bson:"cycle_id"`
	Watermark  int64  `json:"xmin" bson:"xmin"`
	SnapshotID string `json:"snapshot_id,omitempty" bson:"snapshot_id,omitempty"`
	// BatchBy is the chunk size keys are loaded in.
	BatchBy int  `json:"batch_by" bson:"batch_by"`
	Restart bool `json:"restart,omitempty" bson:"restart,omitempty"`
}

// Batch is a set of keys claimed by one worker.
type Batch struct {
	ID         string
	Keys       []string
	Watermark  int64
	SnapshotID string
}

// LoadResult reports the outcome of LoadKeys.
type LoadResult struct {
	Failed []string
	Loaded int
	Calls  int
}

// Queue is the contract every backend implements.
type Queue interface {
	// Initialize starts a cycle. It returns false when another cycle is already indexing.
	Initialize(ctx context.Context, args RunArgs) (bool, error)

	// LoadKeys adds keys to the pending pool. Duplicates within one call are dropped;
	// a key loaded again while still pending may be delivered twice.
	LoadKeys(ctx context.Context, keys []string) (LoadResult, error)

	// GetBatch claims up to size pending keys. It returns nil when nothing is pending.
	GetBatch(ctx context.Context, size int) (*Batch, error)

	// AddFinished reports a claimed batch as processed.
	AddFinished(ctx context.Context, batchID string, successes int, errs []model.KeyError) error

	// Release hands the keys of a claimed batch back to the pending pool without recording
	// an outcome, for workers that stop before finishing it. Unknown or expired batches are
	// ignored.
	Release(ctx context.Context, batchID string) error

	// IsIndexing reports whether workers should keep pulling. errCount is added to the
	// errors already recorded when checking the error ceiling.
	IsIndexing(ctx context.Context, errCount int) (bool, error)

	// IsFinished removes claimed batches older than maxAge and returns their keys for
	// requeueing. With listenerRestarted, batches claimed before this handle was opened
	// count as expired. done is true once nothing is pending or claimed.
	IsFinished(ctx context.Context, maxAge time.Duration, listenerRestarted bool) (requeue []string, done bool, err error)

	// PopErrors returns and clears the recorded per-key errors.
	PopErrors(ctx context.Context) ([]model.KeyError, error)

	// Purge drops every pending key, claimed batch, error and the indexing flag.
	Purge(ctx context.Context) error

	// CloseIndexing ends the active cycle.
	CloseIndexing(ctx context.Context) error

	// Args returns the arguments of the active cycle, or nil.
	Args(ctx context.Context) (*RunArgs, error)

	Close() error
}

// Chunk splits keys into slices of at most size.
func Chunk(keys []string, size int) [][]string {
	if size <= 0 {
		size = len(keys)
	}
	var out [][]string
	for len(keys) > 0 {
		n := size
		if n > len(keys) {
			n = len(keys)
		}
		out = append(out, keys[:n])
		keys = keys[n:]
	}
	return out
}
