package expander

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/indexsync/internal/core/search"
	"github.com/syntrixbase/indexsync/internal/core/search/memory"
	"github.com/syntrixbase/indexsync/pkg/model"
)

type MockIndex struct {
	mock.Mock
	*memory.Index
}

func (m *MockIndex) Refresh(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockIndex) ReverseLookup(ctx context.Context, updated, renamed []string, size int) ([]string, int64, error) {
	args := m.Called(ctx, updated, renamed, size)
	keys, _ := args.Get(0).([]string)
	return keys, args.Get(1).(int64), args.Error(2)
}

type staticKeys struct {
	keys  []string
	types []string
	err   error
}

func (s *staticKeys) AllKeys(_ context.Context, types []string) ([]string, error) {
	s.types = types
	return s.keys, s.err
}

func keysN(prefix string, n int) model.KeySet {
	s := model.NewKeySet()
	for i := 0; i < n; i++ {
		s.Add(fmt.Sprintf("%s%05d", prefix, i))
	}
	return s
}

func TestExpand_ClauseCeiling(t *testing.T) {
	t.Parallel()
	idx := &MockIndex{Index: memory.New()}
	all := &staticKeys{keys: []string{"a", "b", "c"}}
	e := New(idx, all, Config{Types: []string{"Experiment"}}, nil)

	res, err := e.Expand(context.Background(), keysN("u", 9000), model.NewKeySet())
	require.NoError(t, err)
	assert.True(t, res.FullReindex)
	assert.Equal(t, []string{"a", "b", "c"}, res.Keys.Sorted())
	assert.Equal(t, []string{"Experiment"}, all.types)
	idx.AssertNotCalled(t, "ReverseLookup", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	idx.AssertNotCalled(t, "Refresh", mock.Anything)
}

func TestExpand_ClauseCeilingCountsRenamed(t *testing.T) {
	t.Parallel()
	idx := &MockIndex{Index: memory.New()}
	e := New(idx, &staticKeys{keys: []string{"a"}}, Config{MaxClauses: 4}, nil)

	res, err := e.Expand(context.Background(), keysN("u", 3), keysN("r", 2))
	require.NoError(t, err)
	assert.True(t, res.FullReindex)
	idx.AssertNotCalled(t, "ReverseLookup", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestExpand_ResultCeiling(t *testing.T) {
	t.Parallel()
	idx := &MockIndex{Index: memory.New()}
	idx.On("Refresh", mock.Anything).Return(nil)
	idx.On("ReverseLookup", mock.Anything, []string{"k1"}, []string{}, DefaultMaxResults).
		Return([]string{"k1"}, int64(150000), nil)
	e := New(idx, &staticKeys{keys: []string{"x", "y"}}, Config{}, nil)

	res, err := e.Expand(context.Background(), model.NewKeySet("k1"), model.NewKeySet())
	require.NoError(t, err)
	assert.True(t, res.FullReindex)
	assert.Equal(t, []string{"x", "y"}, res.Keys.Sorted())
	idx.AssertExpectations(t)
}

func TestExpand_Empty(t *testing.T) {
	t.Parallel()
	idx := &MockIndex{Index: memory.New()}
	e := New(idx, &staticKeys{keys: []string{"a"}}, Config{}, nil)

	res, err := e.Expand(context.Background(), model.NewKeySet(), model.NewKeySet())
	require.NoError(t, err)
	assert.False(t, res.FullReindex)
	assert.Empty(t, res.Keys)
	idx.AssertNotCalled(t, "ReverseLookup", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestExpand_Precise(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx := memory.New()
	require.NoError(t, idx.Upsert(ctx, search.Document{Key: "k1", EmbeddedKeys: []string{"k1"}}, 1))
	require.NoError(t, idx.Upsert(ctx, search.Document{Key: "k2", EmbeddedKeys: []string{"k2", "k1"}}, 1))
	require.NoError(t, idx.Upsert(ctx, search.Document{Key: "k3", EmbeddedKeys: []string{"k3"}}, 1))

	e := New(idx, &staticKeys{}, Config{}, nil)
	res, err := e.Expand(ctx, model.NewKeySet("k1"), model.NewKeySet())
	require.NoError(t, err)
	assert.False(t, res.FullReindex)
	assert.Equal(t, []string{"k1", "k2"}, res.Keys.Sorted())
	assert.Equal(t, 2, res.Referencing)
	refreshes, _ := idx.Stats()
	assert.Equal(t, 1, refreshes)
}

func TestExpand_LookupError(t *testing.T) {
	t.Parallel()
	idx := &MockIndex{Index: memory.New()}
	idx.On("Refresh", mock.Anything).Return(nil)
	idx.On("ReverseLookup", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, int64(0), search.ErrUnavailable)
	e := New(idx, &staticKeys{}, Config{}, nil)

	_, err := e.Expand(context.Background(), model.NewKeySet("k1"), model.NewKeySet())
	assert.ErrorIs(t, err, search.ErrUnavailable)
}

func TestExpand_AllKeysError(t *testing.T) {
	t.Parallel()
	e := New(memory.New(), &staticKeys{err: errors.New("db down")}, Config{MaxClauses: 1}, nil)
	_, err := e.Expand(context.Background(), model.NewKeySet("a", "b"), model.NewKeySet())
	assert.Error(t, err)
}

func TestExpander_WithTypes(t *testing.T) {
	t.Parallel()
	all := &staticKeys{keys: []string{"a"}}
	e := New(memory.New(), all, Config{Types: []string{"Experiment"}}, nil)

	assert.Same(t, e, e.WithTypes(nil))

	res, err := e.WithTypes([]string{"File", "Biosample"}).All(context.Background())
	require.NoError(t, err)
	assert.True(t, res.FullReindex)
	assert.Equal(t, []string{"File", "Biosample"}, all.types)

	_, err = e.All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Experiment"}, all.types)
	assert.Equal(t, DefaultMaxResults, e.MaxResults())
}
