package store

import (
	"context"
	"testing"
	"time"

	"github.com/sicko7947/stepflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore counts Get calls reaching the backing store
type countingStore struct {
	*MemoryStore
	gets int
}

func (c *countingStore) Get(ctx context.Context, reference string) (*stepflow.Outcome, error) {
	c.gets++
	return c.MemoryStore.Get(ctx, reference)
}

// interleavingStore runs during before applying a status update, the way a
// concurrent reader would land between invalidation and write
type interleavingStore struct {
	*MemoryStore
	during func()
}

func (s *interleavingStore) UpdateStatus(ctx context.Context, reference string, status stepflow.OutcomeStatus) error {
	if s.during != nil {
		s.during()
	}
	return s.MemoryStore.UpdateStatus(ctx, reference, status)
}

func TestCachedStore(t *testing.T) {
	ctx := context.Background()
	backing := &countingStore{MemoryStore: NewMemoryStore()}
	require.NoError(t, backing.MemoryStore.Append(ctx, testOutcome("a", "fraud_report", time.Now(), nil)))

	s, err := NewCachedStore(backing, 2)
	require.NoError(t, err)

	_, err = s.Get(ctx, "a")
	require.NoError(t, err)
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, backing.gets)

	got.Status = stepflow.OutcomeStatusRejected
	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, stepflow.OutcomeStatusPending, again.Status, "cached copy is not shared")

	require.NoError(t, s.UpdateStatus(ctx, "a", stepflow.OutcomeStatusResolved))
	got, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, stepflow.OutcomeStatusResolved, got.Status)
	assert.Equal(t, 2, backing.gets)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, stepflow.ErrNotFound)
}

func TestCachedStore_AppendPopulates(t *testing.T) {
	ctx := context.Background()
	backing := &countingStore{MemoryStore: NewMemoryStore()}
	s, err := NewCachedStore(backing, 0)
	require.NoError(t, err)

	require.NoError(t, s.Append(ctx, testOutcome("a", "fraud_report", time.Now(), nil)))
	assert.Equal(t, 1, s.Len())
	_, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, backing.gets)

	assert.ErrorIs(t, s.Append(ctx, testOutcome("a", "fraud_report", time.Now(), nil)), stepflow.ErrDuplicateReference)
	assert.Len(t, collect(t, s.List(ctx, stepflow.OutcomeFilter{})), 1)
}

func TestCachedStore_ReadDuringUpdateIsNotCached(t *testing.T) {
	ctx := context.Background()
	backing := &interleavingStore{MemoryStore: NewMemoryStore()}
	require.NoError(t, backing.MemoryStore.Append(ctx, testOutcome("a", "fraud_report", time.Now(), nil)))

	s, err := NewCachedStore(backing, 0)
	require.NoError(t, err)

	backing.during = func() {
		o, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, stepflow.OutcomeStatusPending, o.Status)
	}
	require.NoError(t, s.UpdateStatus(ctx, "a", stepflow.OutcomeStatusResolved))
	assert.Zero(t, s.Len())

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, stepflow.OutcomeStatusResolved, got.Status)
	assert.Equal(t, 1, s.Len())
}
