package indexer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/indexsync/internal/core/primary"
	"github.com/syntrixbase/indexsync/internal/core/primary/sqlstore"
	"github.com/syntrixbase/indexsync/internal/core/pubsub"
	pubsubmemory "github.com/syntrixbase/indexsync/internal/core/pubsub/memory"
	"github.com/syntrixbase/indexsync/internal/core/search"
	searchmemory "github.com/syntrixbase/indexsync/internal/core/search/memory"
	"github.com/syntrixbase/indexsync/internal/indexer/config"
	"github.com/syntrixbase/indexsync/internal/indexer/internal/metrics"
	"github.com/syntrixbase/indexsync/internal/queue"
	queuememory "github.com/syntrixbase/indexsync/internal/queue/memory"
	"github.com/syntrixbase/indexsync/internal/render"
	"github.com/syntrixbase/indexsync/pkg/model"
)

var embeds = map[string][]string{
	"k1": {"k1"},
	"k2": {"k2", "k1"},
	"k3": {"k3"},
}

type fixture struct {
	primary *sqlstore.Store
	index   *searchmemory.Index
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	p, err := sqlstore.Open(sqlstore.Config{Driver: sqlstore.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	require.NoError(t, p.EnsureSchema(ctx))
	for _, k := range []string{"k1", "k2", "k3"} {
		require.NoError(t, p.PutResource(ctx, k, "Experiment"))
	}
	return &fixture{primary: p, index: searchmemory.New()}
}

func (f *fixture) deps(q queue.Queue) Deps {
	return Deps{
		Primary: f.primary,
		Index:   f.index,
		Queue:   q,
		Renderer: render.Func(func(_ context.Context, key, _ string) (search.Document, error) {
			return search.Document{Key: key, ItemType: "Experiment", EmbeddedKeys: embeds[key]}, nil
		}),
		Sleep: func(context.Context, time.Duration) error { return nil },
	}
}

func (f *fixture) commit(t *testing.T, id int64, keys ...string) {
	t.Helper()
	require.NoError(t, f.primary.AppendRecord(context.Background(), primary.Record{
		ID: id, Timestamp: time.Now(), Updated: keys,
	}))
}

func (f *fixture) version(t *testing.T, key string) int64 {
	t.Helper()
	v, err := f.index.Version(context.Background(), key)
	require.NoError(t, err)
	return v
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Workers = 2
	cfg.PollInterval = 5 * time.Millisecond
	return cfg
}

func TestNewService_RequiresDeps(t *testing.T) {
	_, err := NewService(config.DefaultConfig(), Deps{})
	assert.Error(t, err)
}

func TestService_RunPass(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc, err := NewService(testConfig(), f.deps(queuememory.New()))
	require.NoError(t, err)

	written := testutil.ToFloat64(metrics.KeysIndexed.WithLabelValues("written"))

	res, err := svc.RunPass(ctx, RunOptions{Record: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIndexed, res.Outcome)
	assert.True(t, res.FullReindex)
	assert.Equal(t, 3, res.Indexed)
	assert.Equal(t, int64(1), f.version(t, "k3"))
	assert.Equal(t, written+3, testutil.ToFloat64(metrics.KeysIndexed.WithLabelValues("written")))

	f.commit(t, 5, "k1")
	res, err = svc.RunPass(ctx, RunOptions{Record: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIndexed, res.Outcome)
	assert.False(t, res.FullReindex)
	assert.Equal(t, 2, res.Invalidated)
	assert.Equal(t, int64(6), f.version(t, "k1"))
	assert.Equal(t, int64(6), f.version(t, "k2"))
	assert.Equal(t, int64(1), f.version(t, "k3"))

	res, err = svc.RunPass(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)
}

func TestService_DryRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc, err := NewService(testConfig(), f.deps(queuememory.New()))
	require.NoError(t, err)
	_, err = svc.RunPass(ctx, RunOptions{})
	require.NoError(t, err)

	f.commit(t, 7, "k1")
	res, err := svc.RunPass(ctx, RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDryRun, res.Outcome)
	assert.Equal(t, []string{"k1", "k2"}, res.Keys)
	assert.Equal(t, int64(1), f.version(t, "k1"))
}

func TestService_RequestReindex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc, err := NewService(testConfig(), f.deps(queuememory.New()))
	require.NoError(t, err)
	_, err = svc.RunPass(ctx, RunOptions{})
	require.NoError(t, err)

	assert.Error(t, svc.RequestReindex(ctx, nil, false))
	require.NoError(t, svc.RequestReindex(ctx, []string{"k3"}, false))

	res, err := svc.RunPass(ctx, RunOptions{})
	require.NoError(t, err)
	assert.True(t, res.Priority)
	assert.Equal(t, 1, res.Invalidated)

	res, err = svc.RunPass(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, res.Outcome)
}

type brokenQueue struct {
	queue.Queue
}

func (b brokenQueue) Initialize(context.Context, queue.RunArgs) (bool, error) {
	return false, errors.New("mongo unreachable")
}

func TestService_QueueFailover(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	deps := f.deps(brokenQueue{Queue: queuememory.New()})
	deps.Fallback = queuememory.New()
	svc, err := NewService(testConfig(), deps)
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.QueueFailovers)
	res, err := svc.RunPass(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIndexed, res.Outcome)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.QueueFailovers))
	assert.Equal(t, int64(1), f.version(t, "k2"))
}

func TestService_RunWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)
	q := queuememory.New()

	listenerCfg := testConfig()
	listenerCfg.ExternalWorkers = true
	listenerCfg.Workers = 0
	listener, err := NewService(listenerCfg, f.deps(q))
	require.NoError(t, err)
	worker, err := NewService(testConfig(), f.deps(q))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- worker.RunWorker(ctx) }()

	res, err := listener.RunPass(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Indexed)
	assert.Equal(t, 3, f.index.Len())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

// unsteadyQueue fails its first IsIndexing calls.
type unsteadyQueue struct {
	queue.Queue
	failures atomic.Int32
}

func (u *unsteadyQueue) IsIndexing(ctx context.Context, errCount int) (bool, error) {
	if u.failures.Add(-1) >= 0 {
		return false, errors.New("mongo unreachable")
	}
	return u.Queue.IsIndexing(ctx, errCount)
}

func TestService_RunWorkerStaysOnSharedQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)
	shared := queuememory.New()
	ok, err := shared.Initialize(ctx, queue.RunArgs{CycleID: "c1", Watermark: 7, BatchBy: 10})
	require.NoError(t, err)
	require.True(t, ok)
	_, err = shared.LoadKeys(ctx, []string{"k1", "k2", "k3"})
	require.NoError(t, err)

	unsteady := &unsteadyQueue{Queue: shared}
	unsteady.failures.Store(3)
	deps := f.deps(unsteady)
	deps.Fallback = queuememory.New()
	deps.FailoverThreshold = 1
	worker, err := NewService(testConfig(), deps)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- worker.RunWorker(ctx) }()

	require.Eventually(t, func() bool {
		_, finished, err := shared.IsFinished(ctx, time.Hour, false)
		return err == nil && finished
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(7), f.version(t, "k1"))
	assert.Equal(t, int64(7), f.version(t, "k3"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestService_ListenerFollowsNotices(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	engine := pubsubmemory.New()
	defer engine.Close()

	notices, err := engine.NewConsumer(pubsub.ConsumerOptions{FilterSubject: NoticeSubject("primary")})
	require.NoError(t, err)
	pub, err := engine.NewPublisher(pubsub.PublisherOptions{})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.ListenInterval = time.Hour
	deps := f.deps(queuememory.New())
	deps.Notices = notices
	svc, err := NewService(cfg, deps)
	require.NoError(t, err)

	require.NoError(t, svc.Start(ctx))
	assert.Error(t, svc.Start(ctx))
	require.Eventually(t, func() bool { return f.index.Len() == 3 }, 5*time.Second, 10*time.Millisecond)

	f.commit(t, 9, "k3")
	require.NoError(t, pub.Publish(ctx, NoticeSubject("primary"), []byte(`{}`)))
	require.Eventually(t, func() bool {
		v, err := f.index.Version(ctx, "k3")
		return err == nil && v == 10
	}, 5*time.Second, 10*time.Millisecond)

	// A reindex request wakes the listener without waiting for the interval.
	f.commit(t, 12, "k2")
	require.NoError(t, svc.RequestReindex(ctx, []string{"k3"}, false))
	require.Eventually(t, func() bool {
		v, err := f.index.Version(ctx, "k3")
		return err == nil && v == 13
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.Stop(ctx))
	require.NoError(t, svc.Stop(ctx))
}

func TestService_ExclusivePasses(t *testing.T) {
	f := newFixture(t)
	block := make(chan struct{})
	deps := f.deps(queuememory.New())
	deps.Renderer = render.Func(func(ctx context.Context, key, _ string) (search.Document, error) {
		<-block
		return search.Document{Key: key}, nil
	})
	svc, err := NewService(testConfig(), deps)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.RunPass(context.Background(), RunOptions{})
	}()
	require.Eventually(t, func() bool {
		_, err := svc.RunPass(context.Background(), RunOptions{})
		return errors.Is(err, model.ErrCycleActive)
	}, 5*time.Second, 5*time.Millisecond)
	close(block)
	<-done
}
