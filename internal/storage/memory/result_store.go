package memory

import (
	"context"
	"sort"
	"sync"

	"strategy-validation-lab/internal/domain"
	"strategy-validation-lab/internal/storage"
)

// ResultStore is an in-memory implementation of storage.OptimizationResultStore.
type ResultStore struct {
	mu   sync.RWMutex
	data map[string]*domain.OptimizationResult // keyed by result ID
}

// NewResultStore creates a new in-memory result store.
func NewResultStore() *ResultStore {
	return &ResultStore{
		data: make(map[string]*domain.OptimizationResult),
	}
}

// InsertBatch adds multiple results atomically. Fails the entire batch on any
// duplicate.
func (s *ResultStore) InsertBatch(_ context.Context, results []*domain.OptimizationResult) error {
	if len(results) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batchKeys := make(map[string]struct{}, len(results))
	for _, r := range results {
		if r == nil || r.ID == "" || r.RunID == "" {
			return storage.ErrInvalidInput
		}
		if _, exists := s.data[r.ID]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[r.ID]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[r.ID] = struct{}{}
	}

	for _, r := range results {
		copy := *r
		s.data[r.ID] = &copy
	}

	return nil
}

// GetByRunID retrieves all results for a run, ordered by combination index ASC.
func (s *ResultStore) GetByRunID(_ context.Context, runID string) ([]*domain.OptimizationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.OptimizationResult
	for _, r := range s.data {
		if r.RunID == runID {
			copy := *r
			result = append(result, &copy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CombinationIndex < result[j].CombinationIndex
	})

	return result, nil
}

// AssignRanks ranks a run's results by descending average test score and
// flags the best one. Returns ErrNotFound when the run has no results.
func (s *ResultStore) AssignRanks(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []*domain.OptimizationResult
	for _, r := range s.data {
		if r.RunID == runID {
			results = append(results, r)
		}
	}
	if len(results) == 0 {
		return storage.ErrNotFound
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].AvgTestScore != results[j].AvgTestScore {
			return results[i].AvgTestScore > results[j].AvgTestScore
		}
		return results[i].CombinationIndex < results[j].CombinationIndex
	})

	for i, r := range results {
		r.Rank = i + 1
		r.IsBest = i == 0
	}

	return nil
}

var _ storage.OptimizationResultStore = (*ResultStore)(nil)
