package store

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/sicko7947/stepflow"
)

// MemoryStore implements stepflow.OutcomeStore using in-memory storage
type MemoryStore struct {
	outcomes map[string]*stepflow.Outcome
	order    []string // append order
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory outcome store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		outcomes: make(map[string]*stepflow.Outcome),
	}
}

func (s *MemoryStore) Append(ctx context.Context, outcome *stepflow.Outcome) error {
	if outcome.ReferenceID == "" {
		return fmt.Errorf("outcome has no reference")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.outcomes[outcome.ReferenceID]; exists {
		return fmt.Errorf("outcome %s: %w", outcome.ReferenceID, stepflow.ErrDuplicateReference)
	}
	s.outcomes[outcome.ReferenceID] = outcome.Clone()
	s.order = append(s.order, outcome.ReferenceID)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, reference string) (*stepflow.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, exists := s.outcomes[reference]
	if !exists {
		return nil, fmt.Errorf("outcome %s: %w", reference, stepflow.ErrNotFound)
	}
	return o.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, filter stepflow.OutcomeFilter) iter.Seq2[*stepflow.Outcome, error] {
	return func(yield func(*stepflow.Outcome, error) bool) {
		s.mu.RLock()
		matched := make([]*stepflow.Outcome, 0, len(s.order))
		for i := len(s.order) - 1; i >= 0; i-- {
			o := s.outcomes[s.order[i]]
			if filter.Matches(o) {
				matched = append(matched, o.Clone())
			}
		}
		s.mu.RUnlock()

		slices.SortStableFunc(matched, func(a, b *stepflow.Outcome) int {
			return b.CreatedAt.Compare(a.CreatedAt)
		})

		for i, o := range matched {
			if filter.Limit > 0 && i >= filter.Limit {
				return
			}
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(o, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, reference string, status stepflow.OutcomeStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("unknown outcome status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, exists := s.outcomes[reference]
	if !exists {
		return fmt.Errorf("outcome %s: %w", reference, stepflow.ErrNotFound)
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	return nil
}

// MemorySequencer implements stepflow.Sequencer with per-year counters
type MemorySequencer struct {
	mu       sync.Mutex
	counters map[int]int64
}

// NewMemorySequencer creates a new in-memory sequencer
func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{counters: make(map[int]int64)}
}

func (s *MemorySequencer) Next(ctx context.Context, year int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[year]++
	return s.counters[year], nil
}

var (
	_ stepflow.OutcomeStore = (*MemoryStore)(nil)
	_ stepflow.Sequencer    = (*MemorySequencer)(nil)
)
