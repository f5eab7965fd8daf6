package queue_test

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/indexsync/internal/queue"
	"github.com/syntrixbase/indexsync/internal/queue/memory"
	"github.com/syntrixbase/indexsync/internal/queue/queuetest"
)

var errBackendDown = errors.New("connection refused")

// flakyQueue is a memory queue whose calls fail while down is set.
type flakyQueue struct {
	*memory.Queue
	down      atomic.Bool
	failLoad  atomic.Bool
	initCalls atomic.Int32
}

func (f *flakyQueue) Initialize(ctx context.Context, args queue.RunArgs) (bool, error) {
	f.initCalls.Add(1)
	if f.down.Load() {
		return false, errBackendDown
	}
	return f.Queue.Initialize(ctx, args)
}

func (f *flakyQueue) LoadKeys(ctx context.Context, keys []string) (queue.LoadResult, error) {
	if f.down.Load() || f.failLoad.Load() {
		return queue.LoadResult{Failed: keys}, errBackendDown
	}
	return f.Queue.LoadKeys(ctx, keys)
}

func (f *flakyQueue) GetBatch(ctx context.Context, size int) (*queue.Batch, error) {
	if f.down.Load() {
		return nil, errBackendDown
	}
	return f.Queue.GetBatch(ctx, size)
}

func drain(t *testing.T, q queue.Queue) []string {
	t.Helper()
	var got []string
	for {
		b, err := q.GetBatch(context.Background(), 10)
		require.NoError(t, err)
		if b == nil {
			break
		}
		got = append(got, b.Keys...)
		require.NoError(t, q.AddFinished(context.Background(), b.ID, len(b.Keys), nil))
	}
	sort.Strings(got)
	return got
}

func TestFailover_Contract(t *testing.T) {
	queuetest.RunContract(t, queuetest.Harness{
		New: func(t *testing.T, opts queuetest.Options) queue.Queue {
			var o []memory.Option
			if opts.Now != nil {
				o = append(o, memory.WithClock(opts.Now))
			}
			if opts.MaxErrors > 0 {
				o = append(o, memory.WithMaxErrors(opts.MaxErrors))
			}
			return queue.NewFailover(memory.New(o...), memory.New(), queue.FailoverOptions{})
		},
	})
}

func TestFailover_LoadFailureReloadsAllKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	primary := &flakyQueue{Queue: memory.New()}
	fallback := memory.New()
	var causes []error
	f := queue.NewFailover(primary, fallback, queue.FailoverOptions{
		OnFailover: func(err error) { causes = append(causes, err) },
	})

	ok, err := f.Initialize(ctx, queue.RunArgs{Watermark: 42, BatchBy: 10})
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.LoadKeys(ctx, []string{"k1", "k2"})
	require.NoError(t, err)
	assert.False(t, f.FailedOver())

	primary.failLoad.Store(true)
	res, err := f.LoadKeys(ctx, []string{"k3"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Loaded)
	assert.True(t, f.FailedOver())
	require.Len(t, causes, 1)
	assert.ErrorIs(t, causes[0], errBackendDown)

	args, err := f.Args(ctx)
	require.NoError(t, err)
	require.NotNil(t, args)
	assert.Equal(t, int64(42), args.Watermark)

	assert.Equal(t, []string{"k1", "k2", "k3"}, drain(t, f))

	// Permanent: the primary recovering changes nothing.
	primary.failLoad.Store(false)
	require.NoError(t, f.Purge(ctx))
	ok, err = f.Initialize(ctx, queue.RunArgs{Watermark: 43})
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, f.FailedOver())
	assert.Equal(t, int32(1), primary.initCalls.Load())
}

func TestFailover_GetBatchFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	primary := &flakyQueue{Queue: memory.New()}
	f := queue.NewFailover(primary, memory.New(), queue.FailoverOptions{})

	_, err := f.Initialize(ctx, queue.RunArgs{Watermark: 1})
	require.NoError(t, err)
	_, err = f.LoadKeys(ctx, []string{"a", "b"})
	require.NoError(t, err)

	primary.down.Store(true)
	assert.Equal(t, []string{"a", "b"}, drain(t, f))
	assert.True(t, f.FailedOver())

	_, done, err := f.IsFinished(ctx, time.Hour, false)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestFailover_InitializeFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	primary := &flakyQueue{Queue: memory.New()}
	primary.down.Store(true)
	f := queue.NewFailover(primary, memory.New(), queue.FailoverOptions{})

	ok, err := f.Initialize(ctx, queue.RunArgs{Watermark: 1})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, f.FailedOver())

	_, err = f.LoadKeys(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, drain(t, f))
}

func TestFailover_Threshold(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	primary := &flakyQueue{Queue: memory.New()}
	f := queue.NewFailover(primary, memory.New(), queue.FailoverOptions{Threshold: 2})

	_, err := f.Initialize(ctx, queue.RunArgs{})
	require.NoError(t, err)
	primary.failLoad.Store(true)

	_, err = f.LoadKeys(ctx, []string{"a"})
	assert.ErrorIs(t, err, errBackendDown)
	assert.False(t, f.FailedOver())

	_, err = f.LoadKeys(ctx, []string{"a"})
	require.NoError(t, err)
	assert.True(t, f.FailedOver())
}

func TestFailover_ContractErrorsDoNotSwitch(t *testing.T) {
	t.Parallel()
	f := queue.NewFailover(memory.New(), memory.New(), queue.FailoverOptions{})
	_, err := f.LoadKeys(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, queue.ErrNotIndexing)
	assert.False(t, f.FailedOver())
}
