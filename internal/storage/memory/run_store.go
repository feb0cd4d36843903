// Package memory provides in-memory store implementations for tests and for
// the single-process cmd/validate flow. Semantics match the Postgres stores,
// including conditional status updates and atomic batch commits.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"strategy-validation-lab/internal/domain"
	"strategy-validation-lab/internal/storage"
)

// RunStore is an in-memory implementation of storage.OptimizationRunStore.
// CommitBatch writes results through the paired ResultStore under the run
// lock, so a batch is never half-applied.
type RunStore struct {
	mu      sync.RWMutex
	data    map[string]*domain.OptimizationRun
	results *ResultStore
}

// NewRunStore creates a new in-memory run store committing batches into results.
func NewRunStore(results *ResultStore) *RunStore {
	return &RunStore{
		data:    make(map[string]*domain.OptimizationRun),
		results: results,
	}
}

// Insert adds a new run. Returns ErrDuplicateKey if the ID exists.
func (s *RunStore) Insert(_ context.Context, run *domain.OptimizationRun) error {
	if run == nil || run.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[run.ID]; exists {
		return storage.ErrDuplicateKey
	}

	copy := *run
	s.data[run.ID] = &copy
	return nil
}

// GetByID retrieves a run by its ID. Returns ErrNotFound if not exists.
func (s *RunStore) GetByID(_ context.Context, runID string) (*domain.OptimizationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.data[runID]
	if !exists {
		return nil, storage.ErrNotFound
	}

	copy := *run
	return &copy, nil
}

// ListByStatus retrieves all runs in any of the given statuses, ordered by
// created_at ASC.
func (s *RunStore) ListByStatus(_ context.Context, statuses ...domain.RunStatus) ([]*domain.OptimizationRun, error) {
	want := make(map[domain.RunStatus]struct{}, len(statuses))
	for _, st := range statuses {
		want[st] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.OptimizationRun
	for _, run := range s.data {
		if _, ok := want[run.Status]; ok {
			copy := *run
			result = append(result, &copy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}

// UpdateStatusIf transitions the run only if its current status is one of
// from. A lost race reports (false, nil).
func (s *RunStore) UpdateStatusIf(_ context.Context, runID string, from []domain.RunStatus, to domain.RunStatus, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.data[runID]
	if !exists {
		return false, storage.ErrNotFound
	}

	matched := false
	for _, f := range from {
		if run.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}

	now := time.Now().UTC()
	run.Status = to
	run.UpdatedAt = now
	switch to {
	case domain.RunStatusRunning:
		run.StartedAt = &now
	case domain.RunStatusCompleted, domain.RunStatusCancelled:
		run.CompletedAt = &now
	case domain.RunStatusFailed:
		run.CompletedAt = &now
		run.FailureReason = reason
	}

	return true, nil
}

// Heartbeat records run liveness at the given instant.
func (s *RunStore) Heartbeat(_ context.Context, runID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.data[runID]
	if !exists {
		return storage.ErrNotFound
	}

	run.LastHeartbeatAt = &at
	run.UpdatedAt = at
	return nil
}

// CommitBatch inserts the batch's results and applies the run bookkeeping
// under one lock. If the result insert fails, the run is left untouched.
func (s *RunStore) CommitBatch(ctx context.Context, runID string, results []*domain.OptimizationResult, update domain.RunBatchUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.data[runID]
	if !exists {
		return storage.ErrNotFound
	}

	if err := s.results.InsertBatch(ctx, results); err != nil {
		return err
	}

	now := time.Now().UTC()
	run.CombinationsTested = update.CombinationsTested
	run.PatienceCount = update.PatienceCount
	if update.BestScore != nil {
		run.BestScore = update.BestScore
		run.BestParameters = update.BestParameters
	}
	if update.BaselineScore != nil {
		run.BaselineScore = update.BaselineScore
	}
	run.ETA = update.ETA
	run.LastHeartbeatAt = &now
	run.UpdatedAt = now

	return nil
}

// SetImprovement records the final improvement-over-baseline percentage.
func (s *RunStore) SetImprovement(_ context.Context, runID string, improvement float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.data[runID]
	if !exists {
		return storage.ErrNotFound
	}

	run.Improvement = &improvement
	run.UpdatedAt = time.Now().UTC()
	return nil
}

var _ storage.OptimizationRunStore = (*RunStore)(nil)
