package state

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/indexsync/internal/core/search/memory"
	"github.com/syntrixbase/indexsync/pkg/model"
)

type capturingNotifier struct {
	mu       sync.Mutex
	subjects []string
	notices  []Notice
	err      error
}

func (n *capturingNotifier) Publish(_ context.Context, subject string, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	var notice Notice
	if err := json.Unmarshal(data, &notice); err != nil {
		return err
	}
	n.subjects = append(n.subjects, subject)
	n.notices = append(n.notices, notice)
	return nil
}

// failingMeta rejects writes of the record document while it carries errors.
type failingMeta struct {
	*memory.Index
	failAll bool
}

func (f *failingMeta) PutMeta(ctx context.Context, id string, body []byte) error {
	if id == RecordDocID {
		var doc map[string]any
		_ = json.Unmarshal(body, &doc)
		if _, ok := doc["errors"]; ok || f.failAll {
			return errors.New("document too large")
		}
	}
	return f.Index.PutMeta(ctx, id, body)
}

func TestPhase_CanMoveTo(t *testing.T) {
	t.Parallel()
	assert.True(t, PhaseIdle.CanMoveTo(PhaseCollecting))
	assert.True(t, PhaseCollecting.CanMoveTo(PhaseInProgress))
	assert.True(t, PhaseCollecting.CanMoveTo(PhaseFinished))
	assert.True(t, PhaseInProgress.CanMoveTo(PhaseFinished))
	assert.True(t, PhaseFinished.CanMoveTo(PhaseIdle))

	assert.False(t, PhaseInProgress.CanMoveTo(PhaseCollecting))
	assert.False(t, PhaseFinished.CanMoveTo(PhaseInProgress))
	assert.False(t, PhaseIdle.CanMoveTo(PhaseIdle))
}

func TestStore_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx := memory.New()
	s := NewStore(idx, nil, "primary_indexer", nil, nil)

	st, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Nil(t, st.LastWatermark)

	require.NoError(t, s.Collecting(st))
	st.Watermark = 42
	st.TargetWatermark = 42
	require.NoError(t, s.StartCycle(ctx, st, model.NewKeySet("k1", "k2")))

	// A restarted process sees the in-progress cycle.
	reloaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseInProgress, reloaded.Phase)
	assert.Equal(t, 2, reloaded.Invalidated)
	assert.Nil(t, reloaded.LastWatermark)

	errs := []model.KeyError{{Key: "k2", Message: "boom", Timestamp: time.Now()}}
	require.NoError(t, s.FinishCycle(ctx, reloaded, errs))
	assert.Equal(t, PhaseFinished, reloaded.Phase)
	require.NotNil(t, reloaded.LastWatermark)
	assert.Equal(t, int64(42), *reloaded.LastWatermark)
	assert.Equal(t, 1, reloaded.ErrorCount)
	assert.Equal(t, 1, reloaded.Cycles)

	assert.Error(t, s.StartCycle(ctx, reloaded, model.NewKeySet()))

	reloaded.Reset()
	assert.Equal(t, PhaseIdle, reloaded.Phase)
	assert.Equal(t, int64(42), *reloaded.LastWatermark)
	assert.Equal(t, 1, reloaded.Cycles)
	assert.Empty(t, reloaded.Errors)
}

func TestStore_FinishCycle_KeepsFrontierWithoutTarget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStore(memory.New(), nil, "t", nil, nil)
	last := int64(40)
	st := &CycleState{Title: "t", Phase: PhaseInProgress, LastWatermark: &last}
	require.NoError(t, s.FinishCycle(ctx, st, nil))
	assert.Equal(t, int64(40), *st.LastWatermark)
}

func TestStore_PriorityCycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx := memory.New()
	s := NewStore(idx, nil, "primary_indexer", nil, nil)

	req, err := s.PriorityCycle(ctx)
	require.NoError(t, err)
	assert.True(t, req.Empty())
	require.NoError(t, s.ConsumePriority(ctx, req))

	require.NoError(t, s.RequestPriority(ctx, []string{"a", "b"}, false))
	require.NoError(t, s.RequestPriority(ctx, []string{"b", "c"}, false))

	req, err = s.PriorityCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, req.Keys.Sorted())
	assert.False(t, req.Restart)
	assert.Zero(t, req.Watermark)

	// Reading does not consume.
	again, err := s.PriorityCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, req.Keys.Sorted(), again.Keys.Sorted())

	// Keys requested after the read survive the consume.
	require.NoError(t, s.RequestPriority(ctx, []string{"d"}, false))
	require.NoError(t, s.ConsumePriority(ctx, req))
	req, err = s.PriorityCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, req.Keys.Sorted())

	require.NoError(t, s.ConsumePriority(ctx, req))
	_, ok, err := idx.GetMeta(ctx, "primary_indexer_priority")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.RequestPriority(ctx, nil, true))
	req, err = s.PriorityCycle(ctx)
	require.NoError(t, err)
	assert.True(t, req.Restart)
	require.NoError(t, s.ConsumePriority(ctx, req))
	req, err = s.PriorityCycle(ctx)
	require.NoError(t, err)
	assert.True(t, req.Empty())
}

func TestStore_ConsumePriority_Staged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx := memory.New()
	primary := NewStore(idx, nil, "primary_indexer", []string{"vis_indexer"}, nil)
	followup := NewStore(idx, nil, "vis_indexer", nil, nil)

	require.NoError(t, primary.PrepForFollowup(ctx, 42, model.NewKeySet("k1", "k2")))
	require.NoError(t, primary.SendNotices(ctx))

	req, err := followup.PriorityCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"k1", "k2"}, req.Keys.Sorted())
	require.NoError(t, followup.ConsumePriority(ctx, req))

	_, ok, err := idx.GetMeta(ctx, "staged_for_vis_indexer")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_CycleKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx := memory.New()
	s := NewStore(idx, nil, "primary_indexer", []string{"vis_indexer"}, nil)

	st := Fresh("primary_indexer", s.Followups())
	require.NoError(t, s.Collecting(st))
	st.CycleID = "c1"
	require.NoError(t, s.StartCycle(ctx, st, model.NewKeySet("k1", "k2")))

	keys, err := s.CycleKeys(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, keys.Sorted())

	keys, err = s.CycleKeys(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, s.FinishCycle(ctx, st, nil))
	keys, err = s.CycleKeys(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStore_CycleKeys_NotSavedWithoutFollowups(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx := memory.New()
	s := NewStore(idx, nil, "primary_indexer", nil, nil)

	st := Fresh("primary_indexer", nil)
	require.NoError(t, s.Collecting(st))
	st.CycleID = "c1"
	require.NoError(t, s.StartCycle(ctx, st, model.NewKeySet("k1")))

	_, ok, err := idx.GetMeta(ctx, "primary_indexer_cycle_keys")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_Followups(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx := memory.New()
	notifier := &capturingNotifier{}
	primary := NewStore(idx, notifier, "primary_indexer", []string{"vis_indexer"}, nil)
	followup := NewStore(idx, nil, "vis_indexer", nil, nil)

	require.NoError(t, primary.PrepForFollowup(ctx, 40, model.NewKeySet("k1")))
	require.NoError(t, primary.PrepForFollowup(ctx, 42, model.NewKeySet("k2")))

	// Not ready until notices are sent.
	req, err := followup.PriorityCycle(ctx)
	require.NoError(t, err)
	assert.True(t, req.Empty())

	require.NoError(t, primary.SendNotices(ctx))
	require.Len(t, notifier.notices, 1)
	assert.Equal(t, "followup.vis_indexer", notifier.subjects[0])
	assert.Equal(t, Notice{Stage: "vis_indexer", From: "primary_indexer", Watermark: 42, Keys: 2}, notifier.notices[0])

	// A second send is a no-op.
	require.NoError(t, primary.SendNotices(ctx))
	assert.Len(t, notifier.notices, 1)

	req, err = followup.PriorityCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), req.Watermark)
	assert.Equal(t, []string{"k1", "k2"}, req.Keys.Sorted())
}

func TestStore_SendNotices_PublishFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx := memory.New()
	s := NewStore(idx, &capturingNotifier{err: errors.New("nats down")}, "p", []string{"f"}, nil)
	require.NoError(t, s.PrepForFollowup(ctx, 1, model.NewKeySet("k")))
	require.NoError(t, s.SendNotices(ctx))

	req, err := NewStore(idx, nil, "f", nil, nil).PriorityCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, req.Keys.Sorted())
}

func TestStore_Record(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx := memory.New()
	s := NewStore(idx, nil, "p", nil, nil)

	stored, err := s.Record(ctx, Summary{Title: "p", Watermark: 42, Invalidated: 2})
	require.NoError(t, err)
	assert.False(t, stored.Timestamp.IsZero())

	w, err := s.StoredWatermark(ctx)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, int64(42), *w)
}

func TestStore_Record_StripsErrorsOnFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	meta := &failingMeta{Index: memory.New()}
	s := NewStore(meta, nil, "p", nil, nil)

	stored, err := s.Record(ctx, Summary{
		Title:     "p",
		Watermark: 7,
		Errors:    []model.KeyError{{Key: "k", Message: "render failed"}},
	})
	require.NoError(t, err)
	assert.Empty(t, stored.Errors)
	assert.Equal(t, errorNotice, stored.ErrorNotice)

	body, ok, err := meta.GetMeta(ctx, RecordDocID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(body), errorNotice)
}

func TestStore_Record_FailsTwice(t *testing.T) {
	t.Parallel()
	meta := &failingMeta{Index: memory.New(), failAll: true}
	s := NewStore(meta, nil, "p", nil, nil)
	_, err := s.Record(context.Background(), Summary{Errors: []model.KeyError{{Key: "k"}}})
	assert.Error(t, err)
}

func TestStore_StoredWatermark_Missing(t *testing.T) {
	t.Parallel()
	w, err := NewStore(memory.New(), nil, "p", nil, nil).StoredWatermark(context.Background())
	require.NoError(t, err)
	assert.Nil(t, w)
}
