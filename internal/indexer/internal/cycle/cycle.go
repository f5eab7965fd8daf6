// Package cycle drives one synchronization pass: determine the watermark, collect the
// invalidation set, seed the work queue, wait for it to drain and finalize.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syntrixbase/indexsync/internal/core/primary"
	"github.com/syntrixbase/indexsync/internal/core/search"
	"github.com/syntrixbase/indexsync/internal/indexer/internal/expander"
	"github.com/syntrixbase/indexsync/internal/indexer/internal/metrics"
	"github.com/syntrixbase/indexsync/internal/indexer/internal/state"
	"github.com/syntrixbase/indexsync/internal/indexer/internal/worker"
	"github.com/syntrixbase/indexsync/internal/queue"
	"github.com/syntrixbase/indexsync/pkg/model"
)

const (
	DefaultPollInterval = time.Second
	DefaultMaxAge       = 2 * time.Hour
	DefaultLoadChunk    = 1000
)

// Outcome names how a pass ended.
type Outcome string

const (
	OutcomeNoop     Outcome = "noop"
	OutcomeIndexed  Outcome = "indexed"
	OutcomeDryRun   Outcome = "dry_run"
	OutcomeTimeout  Outcome = "sleep_timeout"
	OutcomeReset    Outcome = "reset_queue"
	OutcomeAborted  Outcome = "aborted"
	OutcomeCeiling  Outcome = "error_ceiling"
	outcomeFailed   Outcome = "failed"
	outcomeSeedFail Outcome = "seed_failed"
)

// RunOptions parameterize one pass.
type RunOptions struct {
	// Record writes the summary to the indexing document.
	Record bool
	// DryRun computes the invalidation set without writing anything.
	DryRun bool
	// Recovery lets the primary store use a weaker isolation level for the watermark.
	Recovery bool
	// LastWatermark overrides the persisted log read frontier.
	LastWatermark *int64
	// Types restricts a full reindex to these item types.
	Types []string
	// ResetQueue purges the work queue and returns without indexing.
	ResetQueue bool
}

// Result is the outcome of one pass.
type Result struct {
	state.Summary
	Outcome  Outcome `json:"outcome"`
	Priority bool    `json:"priority,omitempty"`
	Resumed  bool    `json:"resumed,omitempty"`
	// Keys is the invalidation set of a dry run.
	Keys []string `json:"keys,omitempty"`
}

// Config configures an Orchestrator.
type Config struct {
	// Workers is the number of in-process workers started for each cycle. Zero leaves the
	// queue to external workers unless it fails over to process memory.
	Workers         int
	WorkerBatchSize int
	// LoadChunk is the number of keys per queue load call.
	LoadChunk    int
	PollInterval time.Duration
	// MaxAge is the liveness window of a claimed batch.
	MaxAge time.Duration
	// Timeout stops waiting for the queue to drain. Zero waits forever.
	Timeout time.Duration
	// ShortKeys limits the invalidation set. Zero disables it.
	ShortKeys int
	Now       func() time.Time
}

func (c *Config) applyDefaults() {
	if c.LoadChunk <= 0 {
		c.LoadChunk = DefaultLoadChunk
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Primary  primary.Store
	Index    search.Index
	Queue    queue.Queue
	State    *state.Store
	Expander *expander.Expander
	// Updater is required when Config.Workers > 0, and used for a queue that failed over
	// to process memory.
	Updater worker.Updater
	Logger  *slog.Logger
}

// Orchestrator runs cycles. Passes on one Orchestrator never overlap.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	running sync.Mutex

	// carry holds keys of a pass that could not be seeded.
	carryMu sync.Mutex
	carry   model.KeySet
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Expander == nil {
		deps.Expander = expander.New(deps.Index, deps.Primary, expander.Config{}, logger)
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("component", "cycle", "title", deps.State.Title()),
		carry:  model.NewKeySet(),
	}
}

// Carryover returns the keys waiting for the next pass.
func (o *Orchestrator) Carryover() model.KeySet {
	o.carryMu.Lock()
	defer o.carryMu.Unlock()
	return o.carry.Clone()
}

func (o *Orchestrator) takeCarry() model.KeySet {
	o.carryMu.Lock()
	defer o.carryMu.Unlock()
	c := o.carry
	o.carry = model.NewKeySet()
	return c
}

func (o *Orchestrator) keepCarry(keys model.KeySet) {
	o.carryMu.Lock()
	defer o.carryMu.Unlock()
	o.carry.Union(keys)
}

// Run executes one pass. Fatal failures are returned as errors; per-key failures are
// reported in the result.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	if !o.running.TryLock() {
		return nil, model.ErrCycleActive
	}
	defer o.running.Unlock()

	start := o.cfg.Now()
	res, err := o.run(ctx, opts, start)
	o.observe(res, err, start)
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, opts RunOptions, start time.Time) (*Result, error) {
	if opts.ResetQueue {
		if err := o.deps.Queue.Purge(ctx); err != nil {
			return nil, fmt.Errorf("failed to purge queue: %w", err)
		}
		o.logger.Info("Work queue purged")
		return &Result{Outcome: OutcomeReset, Summary: state.Summary{Title: o.deps.State.Title()}}, nil
	}

	st, err := o.deps.State.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load cycle state: %w", err)
	}

	if st.Phase == state.PhaseInProgress && !opts.DryRun {
		res, resumed, err := o.resume(ctx, st, opts, start)
		if err != nil || resumed {
			return res, err
		}
	}
	if st.Phase != state.PhaseIdle {
		st.Reset()
	}

	c := &cycle{opts: opts, st: st, start: start}
	if !opts.DryRun {
		c.req, err = o.deps.State.PriorityCycle(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read priority request: %w", err)
		}
	}

	if err := o.determineWatermark(ctx, c); err != nil {
		return nil, err
	}
	if err := o.deps.State.Collecting(st); err != nil {
		return nil, err
	}
	if err := o.collect(ctx, c); err != nil {
		if !opts.DryRun {
			o.keepCarry(c.carried)
		}
		return nil, err
	}

	if opts.DryRun {
		res := o.result(c, OutcomeDryRun)
		res.Keys = c.keys.Sorted()
		o.logger.Info("Dry run", "xmin", st.Watermark, "txn_count", st.TxnCount,
			"invalidated", len(c.keys), "full_reindex", st.FullReindex)
		return res, nil
	}

	if len(c.keys) == 0 {
		return o.finishWithoutWork(ctx, c)
	}

	if err := o.seed(ctx, c); err != nil {
		return nil, err
	}
	return o.drainAndFinalize(ctx, c, false)
}

// cycle is the working set of one pass.
type cycle struct {
	opts    RunOptions
	st      *state.CycleState
	req     state.PriorityRequest
	start   time.Time
	last    *int64
	keys    model.KeySet
	carried model.KeySet
	resumed bool
	snap    primary.Snapshot
}

func (o *Orchestrator) determineWatermark(ctx context.Context, c *cycle) error {
	st := c.st
	if c.req.Watermark > 0 && len(c.req.Keys) > 0 {
		st.Watermark = c.req.Watermark
	} else {
		w, err := o.deps.Primary.CurrentWatermark(ctx, c.opts.Recovery)
		if err != nil {
			return fmt.Errorf("%w: %v", model.ErrNoWatermark, err)
		}
		st.Watermark = w
	}

	switch {
	case c.opts.LastWatermark != nil:
		c.last = c.opts.LastWatermark
	case st.LastWatermark != nil:
		c.last = st.LastWatermark
	default:
		stored, err := o.deps.State.StoredWatermark(ctx)
		if err != nil {
			return fmt.Errorf("failed to read stored watermark: %w", err)
		}
		c.last = stored
	}

	st.CycleID = uuid.NewString()
	st.Types = c.opts.Types
	st.LastWatermark = c.last
	return nil
}

func (o *Orchestrator) collect(ctx context.Context, c *cycle) error {
	st := c.st
	exp := o.deps.Expander.WithTypes(c.opts.Types)
	c.carried = model.NewKeySet()

	switch {
	case c.req.Restart || c.last == nil:
		r, err := exp.All(ctx)
		if err != nil {
			return err
		}
		c.keys = r.Keys
		st.FullReindex = true
		st.TargetWatermark = st.Watermark
		if c.last == nil {
			o.logger.Info("No recorded watermark, indexing everything", "xmin", st.Watermark)
		}

	case len(c.req.Keys) > 0:
		c.keys = c.req.Keys.Clone()
		st.Priority = true

	default:
		records, err := o.deps.Primary.RecordsSince(ctx, *c.last)
		if err != nil {
			return fmt.Errorf("failed to read transaction log: %w", err)
		}
		fold := primary.FoldRecords(records)
		if c.opts.DryRun {
			c.carried = o.Carryover()
		} else {
			c.carried = o.takeCarry()
		}
		st.TxnCount = fold.Count
		st.TargetWatermark = st.Watermark
		if !fold.FirstTimestamp.IsZero() {
			ts := fold.FirstTimestamp
			st.FirstTxnTimestamp = &ts
		}
		if fold.Empty() && len(c.carried) == 0 {
			c.keys = model.NewKeySet()
			return nil
		}

		updated := fold.Updated.Clone().Union(c.carried)
		if len(c.carried) > exp.MaxResults() {
			o.logger.Info("Carried over keys exceed result ceiling, skipping expansion",
				"carried", len(c.carried))
			c.keys = updated
			st.FullReindex = true
			break
		}
		r, err := exp.Expand(ctx, updated, fold.Renamed)
		if err != nil {
			return err
		}
		st.Referencing = r.Referencing
		st.FullReindex = r.FullReindex
		if r.FullReindex {
			c.keys = r.Keys
		} else {
			c.keys = r.Keys.Union(updated)
		}
	}

	if o.cfg.ShortKeys > 0 && len(c.keys) > o.cfg.ShortKeys {
		o.logger.Info("Limiting invalidation set", "invalidated", len(c.keys), "short_keys", o.cfg.ShortKeys)
		c.keys = c.keys.Limit(o.cfg.ShortKeys)
	}
	st.Invalidated = len(c.keys)
	return nil
}

// finishWithoutWork completes a pass whose invalidation set is empty without touching
// the queue.
func (o *Orchestrator) finishWithoutWork(ctx context.Context, c *cycle) (*Result, error) {
	st := c.st
	moved := st.TargetWatermark > 0 && (st.LastWatermark == nil || *st.LastWatermark != st.TargetWatermark)
	if st.TxnCount > 0 || moved {
		if err := o.deps.State.FinishCycle(ctx, st, nil); err != nil {
			return nil, fmt.Errorf("failed to save cycle state: %w", err)
		}
	}
	o.consumePriority(ctx, c)

	res := o.result(c, OutcomeNoop)
	if c.opts.Record {
		if err := o.record(ctx, res); err != nil {
			return res, err
		}
	}
	o.logger.Debug("Nothing to index", "xmin", st.Watermark, "txn_count", st.TxnCount)
	return res, nil
}

func (o *Orchestrator) seed(ctx context.Context, c *cycle) error {
	st := c.st
	fail := func(err error) error {
		o.keepCarry(c.keys)
		if c.snap != nil {
			_ = c.snap.Release()
			c.snap = nil
		}
		return err
	}

	snap, err := o.deps.Primary.ExportSnapshot(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to export snapshot: %w", err))
	}
	c.snap = snap

	ok, err := o.deps.Queue.Initialize(ctx, queue.RunArgs{
		CycleID:    st.CycleID,
		Watermark:  st.Watermark,
		SnapshotID: snap.ID(),
		BatchBy:    o.cfg.LoadChunk,
		Restart:    st.FullReindex,
	})
	if err != nil {
		return fail(fmt.Errorf("%w: %v", model.ErrSeedFailed, err))
	}
	if !ok {
		return fail(model.ErrCycleActive)
	}

	keys := c.keys.Sorted()
	lr, err := o.deps.Queue.LoadKeys(ctx, keys)
	if err == nil && len(lr.Failed) > 0 && lr.Loaded > 0 {
		o.logger.Warn("Retrying keys the queue did not accept", "failed", len(lr.Failed))
		retry, rerr := o.deps.Queue.LoadKeys(ctx, lr.Failed)
		if rerr != nil {
			o.logger.Warn("Retry load failed", "error", rerr)
		} else {
			lr.Loaded += retry.Loaded
			lr.Failed = retry.Failed
		}
	}
	if err != nil || lr.Loaded == 0 {
		if perr := o.deps.Queue.Purge(ctx); perr != nil {
			o.logger.Warn("Failed to release queue after seed failure", "error", perr)
		}
		if err == nil {
			err = errors.New("no keys accepted")
		}
		o.logger.Error("Failed to seed work queue", "invalidated", len(keys), "error", err)
		return fail(fmt.Errorf("%w: %v", model.ErrSeedFailed, err))
	}
	if len(lr.Failed) > 0 {
		o.logger.Warn("Keys not accepted by the queue, carrying over to the next pass",
			"failed", len(lr.Failed))
		o.keepCarry(model.NewKeySet(lr.Failed...))
	}

	if err := o.deps.State.StartCycle(ctx, st, c.keys); err != nil {
		return fail(fmt.Errorf("failed to save cycle state: %w", err))
	}
	o.consumePriority(ctx, c)
	o.logger.Info("Cycle started", "cycle_id", st.CycleID, "xmin", st.Watermark,
		"txn_count", st.TxnCount, "invalidated", st.Invalidated, "referencing", st.Referencing,
		"full_reindex", st.FullReindex, "priority", st.Priority)
	return nil
}

// consumePriority drops the request once its keys are owned by a saved cycle. A failure
// only means the keys are indexed again by the next pass.
func (o *Orchestrator) consumePriority(ctx context.Context, c *cycle) {
	if c.req.Empty() {
		return
	}
	if err := o.deps.State.ConsumePriority(ctx, c.req); err != nil {
		o.logger.Warn("Failed to consume priority request", "keys", len(c.req.Keys), "error", err)
	}
}

// resume attaches to a queue left indexing by a previous process. It returns false when
// there is nothing to resume.
func (o *Orchestrator) resume(ctx context.Context, st *state.CycleState, opts RunOptions, start time.Time) (*Result, bool, error) {
	args, err := o.deps.Queue.Args(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read queue state: %w", err)
	}
	if args == nil {
		o.logger.Warn("Abandoning interrupted cycle, the queue holds no work",
			"cycle_id", st.CycleID, "xmin", st.Watermark)
		return nil, false, nil
	}
	if args.CycleID != st.CycleID {
		return nil, false, fmt.Errorf("%w: queue holds cycle %s", model.ErrCycleActive, args.CycleID)
	}

	o.logger.Info("Resuming interrupted cycle", "cycle_id", st.CycleID, "xmin", args.Watermark)
	st.Watermark = args.Watermark
	keys, err := o.deps.State.CycleKeys(ctx, st.CycleID)
	if err != nil {
		o.logger.Warn("Failed to load cycle keys, followups will not be staged", "error", err)
		keys = model.NewKeySet()
	}
	c := &cycle{opts: opts, st: st, start: start, resumed: true, keys: keys}
	res, err := o.drainAndFinalize(ctx, c, true)
	return res, true, err
}

type drainStatus int

const (
	drained drainStatus = iota
	timedOut
	ceilingHit
)

func (o *Orchestrator) drainAndFinalize(ctx context.Context, c *cycle, restarted bool) (*Result, error) {
	defer func() {
		if c.snap != nil {
			if err := c.snap.Release(); err != nil {
				o.logger.Warn("Failed to release snapshot", "error", err)
			}
		}
	}()

	status, err := o.drain(ctx, restarted)
	if err != nil {
		return nil, err
	}
	if status == timedOut {
		o.logger.Warn("Sleep timeout, leaving remaining work in the queue",
			"cycle_id", c.st.CycleID, "timeout", o.cfg.Timeout)
		res := o.result(c, OutcomeTimeout)
		res.Resumed = c.resumed
		return res, nil
	}
	return o.finalize(ctx, c, status)
}

func (o *Orchestrator) drain(ctx context.Context, restarted bool) (drainStatus, error) {
	var (
		wg      sync.WaitGroup
		started bool
	)
	workCtx, stopWorkers := context.WithCancel(ctx)
	defer func() {
		stopWorkers()
		wg.Wait()
	}()
	startWorkers := func(n int) {
		if started || o.deps.Updater == nil {
			return
		}
		started = true
		pool := worker.New(o.deps.Queue, o.deps.Updater, worker.Config{
			Workers:   n,
			BatchSize: o.cfg.WorkerBatchSize,
		}, o.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pool.Run(workCtx); err != nil {
				o.logger.Error("Workers stopped", "error", err)
			}
		}()
	}
	if o.cfg.Workers > 0 {
		startWorkers(o.cfg.Workers)
	}

	var deadline time.Time
	if o.cfg.Timeout > 0 {
		deadline = o.cfg.Now().Add(o.cfg.Timeout)
	}
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// External workers cannot reach an in-process fallback queue.
		if !started && o.failedOver() {
			o.logger.Warn("Work queue failed over to process memory, draining it in process")
			startWorkers(max(o.cfg.Workers, 1))
		}

		requeue, done, err := o.deps.Queue.IsFinished(ctx, o.cfg.MaxAge, restarted)
		switch {
		case err != nil && model.IsCanceled(err):
			return 0, model.WrapError(err)
		case err != nil:
			o.logger.Warn("Failed to poll queue", "error", err)
		case len(requeue) > 0:
			o.logger.Info("Requeueing expired batches", "keys", len(requeue))
			metrics.Requeued.Add(float64(len(requeue)))
			if _, err := o.deps.Queue.LoadKeys(ctx, requeue); err != nil {
				o.logger.Warn("Failed to requeue keys", "keys", len(requeue), "error", err)
			}
		case done:
			return drained, nil
		}

		if err == nil && !done {
			indexing, ierr := o.deps.Queue.IsIndexing(ctx, 0)
			if ierr == nil && !indexing {
				o.logger.Warn("Queue stopped indexing before it drained")
				return ceilingHit, nil
			}
		}
		if !deadline.IsZero() && !o.cfg.Now().Before(deadline) {
			return timedOut, nil
		}

		select {
		case <-ctx.Done():
			return 0, model.WrapError(ctx.Err())
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) failedOver() bool {
	f, ok := o.deps.Queue.(interface{ FailedOver() bool })
	return ok && f.FailedOver()
}

func (o *Orchestrator) finalize(ctx context.Context, c *cycle, status drainStatus) (*Result, error) {
	st := c.st
	errs, err := o.deps.Queue.PopErrors(ctx)
	if err != nil {
		o.logger.Warn("Failed to collect indexing errors", "error", err)
	}
	if status == ceilingHit {
		// Not every key was attempted.
		st.TargetWatermark = 0
	}
	st.Indexed = st.Invalidated - len(errs)
	if st.Indexed < 0 {
		st.Indexed = 0
	}

	if err := o.deps.Index.Refresh(ctx); err != nil {
		o.logger.Warn("Failed to refresh index", "error", err)
	}
	if st.FullReindex {
		if err := o.deps.Index.Flush(ctx); err != nil && !errors.Is(err, search.ErrConflict) {
			o.logger.Warn("Failed to flush index", "error", err)
		}
	}

	// Followups are staged while the cycle is still in progress, so a crash before
	// FinishCycle stages them again on resume.
	if len(o.deps.State.Followups()) > 0 && len(c.keys) > 0 {
		if err := o.deps.State.PrepForFollowup(ctx, st.Watermark, c.keys); err != nil {
			o.logger.Warn("Failed to stage keys for followups", "error", err)
		} else if err := o.deps.State.SendNotices(ctx); err != nil {
			o.logger.Warn("Failed to notify followups", "error", err)
		}
	}

	if err := o.deps.State.FinishCycle(ctx, st, errs); err != nil {
		return nil, fmt.Errorf("failed to save cycle state: %w", err)
	}

	if err := o.deps.Queue.Purge(ctx); err != nil {
		o.logger.Warn("Failed to purge queue", "error", err)
	}

	outcome := OutcomeIndexed
	if status == ceilingHit {
		outcome = OutcomeCeiling
	}
	res := o.result(c, outcome)
	res.Resumed = c.resumed
	if c.opts.Record {
		if err := o.record(ctx, res); err != nil {
			return res, err
		}
	}
	o.logger.Info("Cycle finished", "cycle_id", st.CycleID, "xmin", st.Watermark,
		"invalidated", st.Invalidated, "indexed", st.Indexed, "errors", len(errs),
		"elapsed", res.Elapsed, "resumed", c.resumed)
	return res, nil
}

func (o *Orchestrator) record(ctx context.Context, res *Result) error {
	stored, err := o.deps.State.Record(ctx, res.Summary)
	if err != nil {
		return fmt.Errorf("failed to record summary: %w", err)
	}
	res.Summary = stored
	return nil
}

func (o *Orchestrator) result(c *cycle, outcome Outcome) *Result {
	st := c.st
	now := o.cfg.Now()
	sum := state.Summary{
		Title:         st.Title,
		Watermark:     st.Watermark,
		LastWatermark: st.LastWatermark,
		TxnCount:      st.TxnCount,
		Invalidated:   st.Invalidated,
		Referencing:   st.Referencing,
		Indexed:       st.Indexed,
		FullReindex:   st.FullReindex,
		Types:         st.Types,
		Errors:        st.Errors,
		Elapsed:       now.Sub(c.start).Round(time.Millisecond).String(),
	}
	if st.FirstTxnTimestamp != nil {
		sum.TxnLag = now.Sub(*st.FirstTxnTimestamp).Round(time.Second).String()
	}
	return &Result{Summary: sum, Outcome: outcome, Priority: st.Priority}
}

func (o *Orchestrator) observe(res *Result, err error, start time.Time) {
	outcome := outcomeFailed
	switch {
	case errors.Is(err, model.ErrSeedFailed):
		outcome = outcomeSeedFail
	case errors.Is(err, model.ErrCycleActive):
		outcome = OutcomeAborted
	case res != nil:
		outcome = res.Outcome
	}
	metrics.CyclesTotal.WithLabelValues(string(outcome)).Inc()
	if res == nil {
		return
	}
	switch res.Outcome {
	case OutcomeIndexed, OutcomeCeiling, OutcomeTimeout:
		metrics.Invalidated.Set(float64(res.Invalidated))
		metrics.CycleDuration.WithLabelValues(string(res.Outcome)).Observe(o.cfg.Now().Sub(start).Seconds())
	case OutcomeNoop:
		metrics.Invalidated.Set(0)
	}
}
