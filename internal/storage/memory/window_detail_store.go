package memory

import (
	"context"
	"sort"
	"sync"

	"strategy-validation-lab/internal/domain"
	"strategy-validation-lab/internal/storage"
)

type windowRow struct {
	combinationIndex int
	window           domain.WindowResult
}

// WindowDetailStore is an in-memory implementation of storage.WindowDetailStore.
type WindowDetailStore struct {
	mu   sync.RWMutex
	data map[string][]windowRow // keyed by run ID
}

// NewWindowDetailStore creates a new in-memory window detail store.
func NewWindowDetailStore() *WindowDetailStore {
	return &WindowDetailStore{
		data: make(map[string][]windowRow),
	}
}

// InsertBatch appends window detail rows for one evaluated combination.
func (s *WindowDetailStore) InsertBatch(_ context.Context, runID string, combinationIndex int, windows []domain.WindowResult) error {
	if runID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range windows {
		s.data[runID] = append(s.data[runID], windowRow{combinationIndex: combinationIndex, window: w})
	}
	return nil
}

// GetByRun retrieves all archived windows for a run, ordered by combination
// index then window index.
func (s *WindowDetailStore) GetByRun(_ context.Context, runID string) ([]domain.WindowResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]windowRow, len(s.data[runID]))
	copy(rows, s.data[runID])

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].combinationIndex != rows[j].combinationIndex {
			return rows[i].combinationIndex < rows[j].combinationIndex
		}
		return rows[i].window.WindowIndex < rows[j].window.WindowIndex
	})

	out := make([]domain.WindowResult, len(rows))
	for i, r := range rows {
		out[i] = r.window
	}
	return out, nil
}

var _ storage.WindowDetailStore = (*WindowDetailStore)(nil)
