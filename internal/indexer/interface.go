// Package indexer keeps a search index consistent with a primary database.
//
// An indexer reads the primary's transaction log from its last watermark, expands the
// changed keys into every document that embeds or links them, and rewrites those
// documents through a work queue. It provides:
//
//   - One-shot passes: RunPass runs a single cycle, optionally as a dry run
//   - A listener loop: Start runs passes on an interval and when a followup notice arrives
//   - Workers: RunWorker drains a shared queue for a listener in another process
//   - Priority requests: RequestReindex queues keys for the next pass
//
// # Usage
//
//	svc, err := indexer.NewService(cfg.Indexer, indexer.Deps{...})
//	res, err := svc.RunPass(ctx, indexer.RunOptions{Record: true})
package indexer

import (
	"context"

	"github.com/syntrixbase/indexsync/internal/indexer/internal/cycle"
	"github.com/syntrixbase/indexsync/internal/indexer/internal/state"
)

// Service defines the operations of one indexer.
type Service interface {
	// RunPass runs one cycle. It returns model.ErrCycleActive when another pass on this
	// service or another cycle in the shared queue is in progress.
	RunPass(ctx context.Context, opts RunOptions) (*Result, error)

	// RequestReindex stores keys to be reindexed by the next pass. With restart the next
	// pass reindexes everything.
	RequestReindex(ctx context.Context, keys []string, restart bool) error

	// RunWorker processes queue batches until ctx is canceled.
	RunWorker(ctx context.Context) error
}

// LocalService extends Service with the listener lifecycle.
type LocalService interface {
	Service

	// Start runs the listener loop in the background.
	Start(ctx context.Context) error

	// Stop stops the listener loop and waits for the current pass to return.
	Stop(ctx context.Context) error
}

// RunOptions parameterize one pass.
type RunOptions = cycle.RunOptions

// Result is the outcome of one pass.
type Result = cycle.Result

// Outcome names how a pass ended.
type Outcome = cycle.Outcome

// Pass outcomes.
const (
	OutcomeNoop    = cycle.OutcomeNoop
	OutcomeIndexed = cycle.OutcomeIndexed
	OutcomeDryRun  = cycle.OutcomeDryRun
	OutcomeTimeout = cycle.OutcomeTimeout
	OutcomeReset   = cycle.OutcomeReset
	OutcomeAborted = cycle.OutcomeAborted
	OutcomeCeiling = cycle.OutcomeCeiling
)

// NoticeSubject is the pubsub subject followup notices for title are published on.
func NoticeSubject(title string) string {
	return state.NoticeSubjectPrefix + title
}
