// Package primary defines the read side of the primary transactional store that the
// indexer keeps the search index consistent with.
//
// The indexer never writes to the primary store. It needs exactly four things:
//
//   - the current watermark (xmin): every transaction at or above it may still be in flight
//   - the ordered commit log since a watermark
//   - a point-in-time snapshot handle that rendering can read through
//   - the full key space, for bootstrap and full reindex
package primary

import (
	"context"
	"time"

	"github.com/syntrixbase/indexsync/pkg/model"
)

// Record is one committed write transaction.
type Record struct {
	ID        int64
	Timestamp time.Time
	Updated   []string
	Renamed   []string
}

// Snapshot is a point-in-time read handle. It stays valid until Release is called.
type Snapshot interface {
	ID() string
	Release() error
}

// WatermarkSource returns the lowest transaction id still in flight.
type WatermarkSource interface {
	// CurrentWatermark reads the watermark. With recovery set the store may use a weaker
	// isolation level when a serializable read is unavailable.
	CurrentWatermark(ctx context.Context, recovery bool) (int64, error)
}

// LogReader reads the transaction log.
type LogReader interface {
	// RecordsSince returns every committed record with id >= watermark, ordered by id.
	RecordsSince(ctx context.Context, watermark int64) ([]Record, error)
}

// Store is the complete primary store contract used by the indexer.
type Store interface {
	WatermarkSource
	LogReader

	// ExportSnapshot acquires a snapshot handle. Stores without snapshot support
	// return a snapshot with an empty ID.
	ExportSnapshot(ctx context.Context) (Snapshot, error)

	// AllKeys lists every indexable key, optionally restricted to item types.
	AllKeys(ctx context.Context, types []string) ([]string, error)

	Close() error
}

// Fold is the union of a run of transaction records.
type Fold struct {
	Updated        model.KeySet
	Renamed        model.KeySet
	Count          int
	MaxID          int64
	FirstTimestamp time.Time
}

// FoldRecords folds records into updated and renamed key sets and tracks the highest id
// and earliest timestamp seen.
func FoldRecords(records []Record) Fold {
	f := Fold{
		Updated: model.NewKeySet(),
		Renamed: model.NewKeySet(),
	}
	for _, r := range records {
		f.Count++
		if r.ID > f.MaxID {
			f.MaxID = r.ID
		}
		if !r.Timestamp.IsZero() && (f.FirstTimestamp.IsZero() || r.Timestamp.Before(f.FirstTimestamp)) {
			f.FirstTimestamp = r.Timestamp
		}
		f.Updated.Add(r.Updated...)
		f.Renamed.Add(r.Renamed...)
	}
	return f
}

// Empty reports whether the fold saw no records.
func (f Fold) Empty() bool {
	return f.Count == 0
}

type noSnapshot struct{}

func (noSnapshot) ID() string     { return "" }
func (noSnapshot) Release() error { return nil }

// NoSnapshot is returned by stores that cannot export snapshots.
var NoSnapshot Snapshot = noSnapshot{}
