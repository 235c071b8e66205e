package store

import (
	"context"
	"fmt"
	"iter"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sicko7947/stepflow"
)

// DefaultCacheSize bounds CachedStore when no size is given
const DefaultCacheSize = 1024

// CachedStore keeps recently read outcomes in an LRU in front of another
// store. Lists always go to the backing store.
type CachedStore struct {
	next  stepflow.OutcomeStore
	cache *lru.Cache[string, *stepflow.Outcome]

	// a read only fills the cache if no status update overlapped it
	mu       sync.Mutex
	updating int
	gen      uint64
}

// NewCachedStore wraps next with an LRU of the given size
func NewCachedStore(next stepflow.OutcomeStore, size int) (*CachedStore, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, *stepflow.Outcome](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create outcome cache: %w", err)
	}
	return &CachedStore{next: next, cache: cache}, nil
}

func (s *CachedStore) Append(ctx context.Context, outcome *stepflow.Outcome) error {
	if err := s.next.Append(ctx, outcome); err != nil {
		return err
	}
	s.cache.Add(outcome.ReferenceID, outcome.Clone())
	return nil
}

func (s *CachedStore) Get(ctx context.Context, reference string) (*stepflow.Outcome, error) {
	if o, ok := s.cache.Get(reference); ok {
		return o.Clone(), nil
	}
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	o, err := s.next.Get(ctx, reference)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.updating == 0 && s.gen == gen {
		s.cache.Add(reference, o.Clone())
	}
	s.mu.Unlock()
	return o, nil
}

func (s *CachedStore) List(ctx context.Context, filter stepflow.OutcomeFilter) iter.Seq2[*stepflow.Outcome, error] {
	return s.next.List(ctx, filter)
}

func (s *CachedStore) UpdateStatus(ctx context.Context, reference string, status stepflow.OutcomeStatus) error {
	s.mu.Lock()
	s.updating++
	s.gen++
	s.cache.Remove(reference)
	s.mu.Unlock()

	err := s.next.UpdateStatus(ctx, reference, status)

	s.mu.Lock()
	s.updating--
	s.gen++
	s.cache.Remove(reference)
	s.mu.Unlock()
	return err
}

// Len reports how many outcomes are cached
func (s *CachedStore) Len() int {
	return s.cache.Len()
}

var _ stepflow.OutcomeStore = (*CachedStore)(nil)
