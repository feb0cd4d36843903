package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"strategy-validation-lab/internal/domain"
	"strategy-validation-lab/internal/storage"
)

// PipelineStore is an in-memory implementation of storage.PipelineStore.
type PipelineStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Pipeline
}

// NewPipelineStore creates a new in-memory pipeline store.
func NewPipelineStore() *PipelineStore {
	return &PipelineStore{
		data: make(map[string]*domain.Pipeline),
	}
}

// Insert adds a new pipeline. Returns ErrDuplicateKey if the ID exists.
func (s *PipelineStore) Insert(_ context.Context, p *domain.Pipeline) error {
	if p == nil || p.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[p.ID]; exists {
		return storage.ErrDuplicateKey
	}

	s.data[p.ID] = clonePipeline(p)
	return nil
}

// GetByID retrieves a pipeline by its ID. Returns ErrNotFound if not exists.
func (s *PipelineStore) GetByID(_ context.Context, pipelineID string) (*domain.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.data[pipelineID]
	if !exists {
		return nil, storage.ErrNotFound
	}

	return clonePipeline(p), nil
}

// ListByStatus retrieves all pipelines in any of the given statuses, ordered
// by created_at ASC.
func (s *PipelineStore) ListByStatus(_ context.Context, statuses ...domain.PipelineStatus) ([]*domain.Pipeline, error) {
	want := make(map[domain.PipelineStatus]struct{}, len(statuses))
	for _, st := range statuses {
		want[st] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Pipeline
	for _, p := range s.data {
		if _, ok := want[p.Status]; ok {
			result = append(result, clonePipeline(p))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}

// UpdateStatusIf transitions the pipeline only if its current status is one
// of from. A lost race reports (false, nil).
func (s *PipelineStore) UpdateStatusIf(_ context.Context, pipelineID string, from []domain.PipelineStatus, to domain.PipelineStatus, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.data[pipelineID]
	if !exists {
		return false, storage.ErrNotFound
	}

	matched := false
	for _, f := range from {
		if p.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}

	now := time.Now().UTC()
	p.Status = to
	p.UpdatedAt = now
	switch to {
	case domain.PipelineStatusCompleted, domain.PipelineStatusCancelled:
		p.CompletedAt = &now
	case domain.PipelineStatusFailed:
		p.CompletedAt = &now
		p.FailureReason = reason
	}

	return true, nil
}

// SetStage advances the pipeline to a stage and records the external
// run/session reference driving it.
func (s *PipelineStore) SetStage(_ context.Context, pipelineID string, stage domain.Stage, activeRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.data[pipelineID]
	if !exists {
		return storage.ErrNotFound
	}

	p.CurrentStage = stage
	p.ActiveStageRef = activeRef
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// SetStageResult records the outcome of a completed stage.
func (s *PipelineStore) SetStageResult(_ context.Context, pipelineID string, result *domain.StageResult) error {
	if result == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.data[pipelineID]
	if !exists {
		return storage.ErrNotFound
	}

	if p.StageResults == nil {
		p.StageResults = make(map[domain.Stage]*domain.StageResult)
	}
	copy := *result
	p.StageResults[result.Stage] = &copy
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// SetOptimizedParameters stores the parameters selected by OPTIMIZE.
func (s *PipelineStore) SetOptimizedParameters(_ context.Context, pipelineID string, params map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.data[pipelineID]
	if !exists {
		return storage.ErrNotFound
	}

	p.OptimizedParameters = cloneValues(params)
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// SetPendingAdvance marks whether stage advancement is withheld while paused.
func (s *PipelineStore) SetPendingAdvance(_ context.Context, pipelineID string, pending bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.data[pipelineID]
	if !exists {
		return storage.ErrNotFound
	}

	p.PendingAdvance = pending
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// SetRecommendation records the final deployment recommendation.
func (s *PipelineStore) SetRecommendation(_ context.Context, pipelineID string, rec domain.Recommendation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.data[pipelineID]
	if !exists {
		return storage.ErrNotFound
	}

	p.Recommendation = rec
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func clonePipeline(p *domain.Pipeline) *domain.Pipeline {
	copy := *p
	copy.OptimizedParameters = cloneValues(p.OptimizedParameters)
	if p.StageResults != nil {
		copy.StageResults = make(map[domain.Stage]*domain.StageResult, len(p.StageResults))
		for stage, r := range p.StageResults {
			rc := *r
			copy.StageResults[stage] = &rc
		}
	}
	return &copy
}

func cloneValues(values map[string]interface{}) map[string]interface{} {
	if values == nil {
		return nil
	}
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

var _ storage.PipelineStore = (*PipelineStore)(nil)
