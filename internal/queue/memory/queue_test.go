package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/indexsync/internal/queue"
	"github.com/syntrixbase/indexsync/internal/queue/queuetest"
)

func newQueue(_ *testing.T, opts queuetest.Options) queue.Queue {
	var o []Option
	if opts.Now != nil {
		o = append(o, WithClock(opts.Now))
	}
	if opts.MaxErrors > 0 {
		o = append(o, WithMaxErrors(opts.MaxErrors))
	}
	return New(o...)
}

func TestQueue_Contract(t *testing.T) {
	queuetest.RunContract(t, queuetest.Harness{New: newQueue})
}

func TestQueue_LoadDedupesPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := New()
	_, err := q.Initialize(ctx, queue.RunArgs{BatchBy: 2})
	require.NoError(t, err)

	res, err := q.LoadKeys(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Loaded)
	assert.Equal(t, 2, res.Calls)

	_, err = q.LoadKeys(ctx, []string{"a"})
	require.NoError(t, err)

	b, err := q.GetBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, b.Keys)
}

func TestQueue_Closed(t *testing.T) {
	t.Parallel()
	q := New()
	require.NoError(t, q.Close())
	_, err := q.Initialize(context.Background(), queue.RunArgs{})
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestQueue_ListenerRestartedIgnoresOwnClaims(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := queuetest.NewClock()
	q := New(WithClock(clock.Now))
	_, err := q.Initialize(ctx, queue.RunArgs{})
	require.NoError(t, err)
	_, err = q.LoadKeys(ctx, []string{"a"})
	require.NoError(t, err)
	_, err = q.GetBatch(ctx, 1)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	requeue, done, err := q.IsFinished(ctx, time.Hour, true)
	require.NoError(t, err)
	assert.Empty(t, requeue)
	assert.False(t, done)
}

func TestChunk(t *testing.T) {
	t.Parallel()
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, queue.Chunk([]string{"a", "b", "c"}, 2))
	assert.Equal(t, [][]string{{"a", "b", "c"}}, queue.Chunk([]string{"a", "b", "c"}, 0))
	assert.Nil(t, queue.Chunk(nil, 2))
}
