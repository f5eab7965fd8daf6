// Package queuetest holds the behaviour every queue backend must share, run against each
// backend from its own tests.
package queuetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/indexsync/internal/queue"
	"github.com/syntrixbase/indexsync/pkg/model"
)

// Options are passed to the harness when opening a queue.
type Options struct {
	Now       func() time.Time
	MaxErrors int
}

// Harness opens queues of one backend.
type Harness struct {
	// New opens a queue over empty storage.
	New func(t *testing.T, opts Options) queue.Queue
	// Reopen opens a second handle over the storage of q. Nil for backends without
	// shared storage.
	Reopen func(t *testing.T, q queue.Queue, opts Options) queue.Queue
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the current instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Keys returns n distinct keys.
func Keys(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("key-%04d", i)
	}
	return out
}

// RunContract runs the shared queue behaviour against h.
func RunContract(t *testing.T, h Harness) {
	t.Run("InitializeIsExclusive", func(t *testing.T) { testInitializeIsExclusive(t, h) })
	t.Run("LoadRequiresIndexing", func(t *testing.T) { testLoadRequiresIndexing(t, h) })
	t.Run("DrainAll", func(t *testing.T) { testDrainAll(t, h) })
	t.Run("ConcurrentClaimsAreDisjoint", func(t *testing.T) { testConcurrentClaims(t, h) })
	t.Run("AtLeastOnce", func(t *testing.T) { testAtLeastOnce(t, h) })
	t.Run("ReleaseReturnsKeys", func(t *testing.T) { testRelease(t, h) })
	t.Run("Errors", func(t *testing.T) { testErrors(t, h) })
	t.Run("ErrorCeiling", func(t *testing.T) { testErrorCeiling(t, h) })
	t.Run("PurgeAndClose", func(t *testing.T) { testPurgeAndClose(t, h) })
	if h.Reopen != nil {
		t.Run("ListenerRestarted", func(t *testing.T) { testListenerRestarted(t, h) })
	}
}

func args(w int64) queue.RunArgs {
	return queue.RunArgs{CycleID: "c1", Watermark: w, SnapshotID: "snap", BatchBy: 10}
}

func testInitializeIsExclusive(t *testing.T, h Harness) {
	ctx := context.Background()
	q := h.New(t, Options{})

	ok, err := q.Initialize(ctx, args(42))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Initialize(ctx, args(43))
	require.NoError(t, err)
	assert.False(t, ok)

	a, err := q.Args(ctx)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, int64(42), a.Watermark)
	assert.Equal(t, "snap", a.SnapshotID)
}

func testLoadRequiresIndexing(t *testing.T, h Harness) {
	ctx := context.Background()
	q := h.New(t, Options{})

	_, err := q.LoadKeys(ctx, []string{"a"})
	assert.ErrorIs(t, err, queue.ErrNotIndexing)

	b, err := q.GetBatch(ctx, 10)
	require.NoError(t, err)
	assert.Nil(t, b)

	indexing, err := q.IsIndexing(ctx, 0)
	require.NoError(t, err)
	assert.False(t, indexing)

	a, err := q.Args(ctx)
	require.NoError(t, err)
	assert.Nil(t, a)
}

func testDrainAll(t *testing.T, h Harness) {
	ctx := context.Background()
	q := h.New(t, Options{})
	_, err := q.Initialize(ctx, args(7))
	require.NoError(t, err)

	keys := Keys(25)
	res, err := q.LoadKeys(ctx, append(keys, keys[0], keys[1]))
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	assert.GreaterOrEqual(t, res.Loaded, 25)
	assert.GreaterOrEqual(t, res.Calls, 1)

	_, done, err := q.IsFinished(ctx, time.Hour, false)
	require.NoError(t, err)
	assert.False(t, done)

	var got []string
	for {
		b, err := q.GetBatch(ctx, 4)
		require.NoError(t, err)
		if b == nil {
			break
		}
		assert.LessOrEqual(t, len(b.Keys), 4)
		assert.Equal(t, int64(7), b.Watermark)
		assert.Equal(t, "snap", b.SnapshotID)
		assert.NotEmpty(t, b.ID)
		got = append(got, b.Keys...)

		_, done, err := q.IsFinished(ctx, time.Hour, false)
		require.NoError(t, err)
		assert.False(t, done)
		require.NoError(t, q.AddFinished(ctx, b.ID, len(b.Keys), nil))
	}
	sort.Strings(got)
	assert.Equal(t, keys, got)

	requeue, done, err := q.IsFinished(ctx, time.Hour, false)
	require.NoError(t, err)
	assert.Empty(t, requeue)
	assert.True(t, done)
}

func testConcurrentClaims(t *testing.T, h Harness) {
	ctx := context.Background()
	q := h.New(t, Options{})
	_, err := q.Initialize(ctx, args(1))
	require.NoError(t, err)
	keys := Keys(120)
	_, err = q.LoadKeys(ctx, keys)
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		got  []string
		wg   sync.WaitGroup
		errs = make(chan error, 4)
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				b, err := q.GetBatch(ctx, 3)
				if err != nil {
					errs <- err
					return
				}
				if b == nil {
					return
				}
				mu.Lock()
				got = append(got, b.Keys...)
				mu.Unlock()
				if err := q.AddFinished(ctx, b.ID, len(b.Keys), nil); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	sort.Strings(got)
	assert.Equal(t, keys, got)
}

func testAtLeastOnce(t *testing.T, h Harness) {
	ctx := context.Background()
	clock := NewClock()
	q := h.New(t, Options{Now: clock.Now})
	_, err := q.Initialize(ctx, args(1))
	require.NoError(t, err)
	_, err = q.LoadKeys(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)

	lost, err := q.GetBatch(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, lost)
	require.Len(t, lost.Keys, 2)

	clock.Advance(30 * time.Minute)
	requeue, done, err := q.IsFinished(ctx, time.Hour, false)
	require.NoError(t, err)
	assert.Empty(t, requeue)
	assert.False(t, done)

	clock.Advance(31 * time.Minute)
	requeue, done, err = q.IsFinished(ctx, time.Hour, false)
	require.NoError(t, err)
	assert.False(t, done)
	assert.ElementsMatch(t, lost.Keys, requeue)

	_, err = q.LoadKeys(ctx, requeue)
	require.NoError(t, err)

	var redelivered []string
	for {
		b, err := q.GetBatch(ctx, 10)
		require.NoError(t, err)
		if b == nil {
			break
		}
		redelivered = append(redelivered, b.Keys...)
		require.NoError(t, q.AddFinished(ctx, b.ID, len(b.Keys), nil))
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, redelivered)

	// A late report for the expired batch is tolerated.
	require.NoError(t, q.AddFinished(ctx, lost.ID, 2, nil))

	_, done, err = q.IsFinished(ctx, time.Hour, false)
	require.NoError(t, err)
	assert.True(t, done)
}

func testRelease(t *testing.T, h Harness) {
	ctx := context.Background()
	q := h.New(t, Options{})
	_, err := q.Initialize(ctx, args(1))
	require.NoError(t, err)
	_, err = q.LoadKeys(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)

	b, err := q.GetBatch(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, b)
	require.NoError(t, q.Release(ctx, b.ID))

	// Nothing is left claimed, so there is nothing to requeue even with a zero max age.
	requeue, done, err := q.IsFinished(ctx, 0, true)
	require.NoError(t, err)
	assert.Empty(t, requeue)
	assert.False(t, done)

	var got []string
	for {
		b, err := q.GetBatch(ctx, 10)
		require.NoError(t, err)
		if b == nil {
			break
		}
		got = append(got, b.Keys...)
		require.NoError(t, q.AddFinished(ctx, b.ID, len(b.Keys), nil))
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, got)

	require.NoError(t, q.Release(ctx, b.ID), "releasing a finished batch is a no-op")
	require.NoError(t, q.Release(ctx, "unknown"))
	_, done, err = q.IsFinished(ctx, time.Hour, false)
	require.NoError(t, err)
	assert.True(t, done)
}

func testErrors(t *testing.T, h Harness) {
	ctx := context.Background()
	q := h.New(t, Options{})
	_, err := q.Initialize(ctx, args(1))
	require.NoError(t, err)
	_, err = q.LoadKeys(ctx, []string{"a", "b"})
	require.NoError(t, err)

	b, err := q.GetBatch(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, b)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, q.AddFinished(ctx, b.ID, 1, []model.KeyError{{Key: "b", Message: "render failed", Timestamp: ts}}))

	errs, err := q.PopErrors(ctx)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "b", errs[0].Key)
	assert.Equal(t, "render failed", errs[0].Message)
	assert.True(t, errs[0].Timestamp.Equal(ts))

	errs, err = q.PopErrors(ctx)
	require.NoError(t, err)
	assert.Empty(t, errs)
}

func testErrorCeiling(t *testing.T, h Harness) {
	ctx := context.Background()
	q := h.New(t, Options{MaxErrors: 3})
	_, err := q.Initialize(ctx, args(1))
	require.NoError(t, err)
	_, err = q.LoadKeys(ctx, []string{"a", "b"})
	require.NoError(t, err)

	indexing, err := q.IsIndexing(ctx, 2)
	require.NoError(t, err)
	assert.True(t, indexing)
	indexing, err = q.IsIndexing(ctx, 3)
	require.NoError(t, err)
	assert.False(t, indexing)

	b, err := q.GetBatch(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, b)
	require.NoError(t, q.AddFinished(ctx, b.ID, 0, []model.KeyError{{Key: "a"}, {Key: "b"}}))

	indexing, err = q.IsIndexing(ctx, 0)
	require.NoError(t, err)
	assert.True(t, indexing)
	indexing, err = q.IsIndexing(ctx, 1)
	require.NoError(t, err)
	assert.False(t, indexing)
}

func testPurgeAndClose(t *testing.T, h Harness) {
	ctx := context.Background()
	q := h.New(t, Options{})
	_, err := q.Initialize(ctx, args(1))
	require.NoError(t, err)
	_, err = q.LoadKeys(ctx, Keys(5))
	require.NoError(t, err)
	_, err = q.GetBatch(ctx, 2)
	require.NoError(t, err)

	require.NoError(t, q.Purge(ctx))
	indexing, err := q.IsIndexing(ctx, 0)
	require.NoError(t, err)
	assert.False(t, indexing)
	_, done, err := q.IsFinished(ctx, time.Hour, false)
	require.NoError(t, err)
	assert.True(t, done)

	ok, err := q.Initialize(ctx, args(2))
	require.NoError(t, err)
	assert.True(t, ok)
	b, err := q.GetBatch(ctx, 10)
	require.NoError(t, err)
	assert.Nil(t, b)

	require.NoError(t, q.CloseIndexing(ctx))
	indexing, err = q.IsIndexing(ctx, 0)
	require.NoError(t, err)
	assert.False(t, indexing)
	ok, err = q.Initialize(ctx, args(3))
	require.NoError(t, err)
	assert.True(t, ok)
}

func testListenerRestarted(t *testing.T, h Harness) {
	ctx := context.Background()
	clock := NewClock()
	first := h.New(t, Options{Now: clock.Now})
	_, err := first.Initialize(ctx, args(9))
	require.NoError(t, err)
	_, err = first.LoadKeys(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	orphan, err := first.GetBatch(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, orphan)

	clock.Advance(time.Second)
	second := h.Reopen(t, first, Options{Now: clock.Now})

	ok, err := second.Initialize(ctx, args(10))
	require.NoError(t, err)
	assert.False(t, ok, "the crashed cycle still holds the queue")

	a, err := second.Args(ctx)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, int64(9), a.Watermark)

	requeue, done, err := second.IsFinished(ctx, 2*time.Hour, false)
	require.NoError(t, err)
	assert.Empty(t, requeue)
	assert.False(t, done)

	requeue, done, err = second.IsFinished(ctx, 2*time.Hour, true)
	require.NoError(t, err)
	assert.False(t, done)
	assert.ElementsMatch(t, orphan.Keys, requeue)
}
