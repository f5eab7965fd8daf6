package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/syntrixbase/indexsync/internal/core/primary"
	"github.com/syntrixbase/indexsync/internal/core/pubsub"
	"github.com/syntrixbase/indexsync/internal/core/search"
	"github.com/syntrixbase/indexsync/internal/indexer/config"
	"github.com/syntrixbase/indexsync/internal/indexer/internal/cycle"
	"github.com/syntrixbase/indexsync/internal/indexer/internal/expander"
	"github.com/syntrixbase/indexsync/internal/indexer/internal/metrics"
	"github.com/syntrixbase/indexsync/internal/indexer/internal/state"
	"github.com/syntrixbase/indexsync/internal/indexer/internal/updater"
	"github.com/syntrixbase/indexsync/internal/indexer/internal/worker"
	"github.com/syntrixbase/indexsync/internal/queue"
	"github.com/syntrixbase/indexsync/internal/render"
	"github.com/syntrixbase/indexsync/pkg/model"
)

// Deps are the collaborators of a Service.
type Deps struct {
	Primary  primary.Store
	Index    search.Index
	Queue    queue.Queue
	Renderer render.Renderer

	// Fallback receives the cycle when Queue fails FailoverThreshold times in a row.
	// Nil disables failover.
	Fallback          queue.Queue
	FailoverThreshold int

	// Notifier publishes followup notices. Nil disables them.
	Notifier state.Notifier
	// Notices delivers followup notices addressed to this indexer. Nil leaves the
	// listener on its interval alone.
	Notices pubsub.Consumer

	Logger *slog.Logger
	// Sleep overrides the updater's wait between attempts.
	Sleep func(ctx context.Context, d time.Duration) error
}

// service implements LocalService.
type service struct {
	cfg     config.Config
	logger  *slog.Logger
	queue   queue.Queue
	// shared is the configured queue without failover. Workers stay on it, since a
	// fallback in this process never holds another process's cycle.
	shared  queue.Queue
	notices pubsub.Consumer
	state   *state.Store
	updater *updater.Updater
	cycles  *cycle.Orchestrator

	// kick requests an immediate pass from the listener.
	kick chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates an indexer.
func NewService(cfg config.Config, deps Deps) (LocalService, error) {
	if deps.Primary == nil || deps.Index == nil || deps.Queue == nil || deps.Renderer == nil {
		return nil, errors.New("indexer: primary, index, queue and renderer are required")
	}
	cfg.ApplyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "indexer", "title", cfg.Title)

	q := deps.Queue
	if deps.Fallback != nil {
		q = queue.NewFailover(deps.Queue, deps.Fallback, queue.FailoverOptions{
			Threshold: deps.FailoverThreshold,
			OnFailover: func(cause error) {
				metrics.QueueFailovers.Inc()
				logger.Error("Work queue failed, continuing on the in-process queue", "error", cause)
			},
			Logger: logger,
		})
	}

	st := state.NewStore(deps.Index, deps.Notifier, cfg.Title, cfg.Followups, logger)
	exp := expander.New(deps.Index, deps.Primary, expander.Config{
		MaxClauses: cfg.MaxClauses,
		MaxResults: cfg.MaxResults,
	}, logger)
	upd := updater.New(deps.Index, deps.Renderer, updater.Config{
		Backoff:  cfg.Backoff,
		Sleep:    deps.Sleep,
		Observer: observeKey,
	}, logger)

	cycles := cycle.New(cycle.Deps{
		Primary:  deps.Primary,
		Index:    deps.Index,
		Queue:    q,
		State:    st,
		Expander: exp,
		Updater:  upd,
		Logger:   logger,
	}, cycle.Config{
		Workers:         cfg.Workers,
		WorkerBatchSize: cfg.BatchSize,
		LoadChunk:       cfg.LoadChunk,
		PollInterval:    cfg.PollInterval,
		MaxAge:          cfg.MaxAge,
		Timeout:         cfg.Timeout,
		ShortKeys:       cfg.ShortKeys,
	})

	return &service{
		cfg:     cfg,
		logger:  logger,
		queue:   q,
		shared:  deps.Queue,
		notices: deps.Notices,
		state:   st,
		updater: upd,
		cycles:  cycles,
		kick:    make(chan struct{}, 1),
	}, nil
}

func observeKey(_ string, o updater.Outcome) {
	metrics.KeysIndexed.WithLabelValues(o.String()).Inc()
	switch o {
	case updater.Conflict:
		metrics.Conflicts.Inc()
	case updater.Failed:
		metrics.KeyErrors.Inc()
	}
}

func (s *service) RunPass(ctx context.Context, opts RunOptions) (*Result, error) {
	return s.cycles.Run(ctx, opts)
}

func (s *service) RequestReindex(ctx context.Context, keys []string, restart bool) error {
	if len(keys) == 0 && !restart {
		return errors.New("indexer: no keys to reindex")
	}
	if err := s.state.RequestPriority(ctx, keys, restart); err != nil {
		return fmt.Errorf("failed to store reindex request: %w", err)
	}
	s.logger.Info("Reindex requested", "keys", len(keys), "restart", restart)
	select {
	case s.kick <- struct{}{}:
	default:
	}
	return nil
}

func (s *service) RunWorker(ctx context.Context) error {
	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	pool := worker.New(s.shared, s.updater, worker.Config{
		Workers:   workers,
		BatchSize: s.cfg.BatchSize,
		Wait:      true,
	}, s.logger)
	s.logger.Info("Worker started", "workers", workers)
	err := pool.Run(ctx)
	s.logger.Info("Worker stopped")
	return err
}

func (s *service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("indexer: already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	var notices <-chan pubsub.Message
	if s.notices != nil {
		ch, err := s.notices.Subscribe(ctx)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to subscribe to followup notices: %w", err)
		}
		notices = ch
	}

	s.running = true
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.listen(ctx, notices)
	}()
	s.logger.Info("Listener started", "interval", s.cfg.ListenInterval)
	return nil
}

func (s *service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("Listener stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// listen runs a pass immediately, then after every interval, notice or kick.
func (s *service) listen(ctx context.Context, notices <-chan pubsub.Message) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.kick:
		case m, ok := <-notices:
			if !ok {
				notices = nil
				continue
			}
			s.logger.Info("Followup notice received", "subject", m.Subject())
			if err := m.Ack(); err != nil {
				s.logger.Warn("Failed to ack followup notice", "error", err)
			}
		}

		s.pass(ctx)
		timer.Reset(s.cfg.ListenInterval)
	}
}

func (s *service) pass(ctx context.Context) {
	_, err := s.cycles.Run(ctx, RunOptions{Record: s.cfg.Record})
	switch {
	case err == nil:
	case errors.Is(err, model.ErrCycleActive):
		s.logger.Debug("Another cycle is in progress")
	case model.IsCanceled(err):
	default:
		s.logger.Error("Indexing pass failed", "error", err)
	}
}
