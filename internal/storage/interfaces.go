package storage

import (
	"context"
	"time"

	"strategy-validation-lab/internal/domain"
)

// OptimizationRunStore provides access to optimization_runs storage.
//
// Status changes always go through UpdateStatusIf, a conditional update keyed
// on the expected prior statuses. The orchestrator and the watchdog coordinate
// exclusively through these conditional updates; there is no in-process
// locking between them.
type OptimizationRunStore interface {
	// Insert adds a new run. Returns ErrDuplicateKey if the ID exists.
	Insert(ctx context.Context, run *domain.OptimizationRun) error

	// GetByID retrieves a run by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, runID string) (*domain.OptimizationRun, error)

	// ListByStatus retrieves all runs in any of the given statuses,
	// ordered by created_at ASC.
	ListByStatus(ctx context.Context, statuses ...domain.RunStatus) ([]*domain.OptimizationRun, error)

	// UpdateStatusIf transitions the run to a new status only if its current
	// status is one of from. Reports whether this caller won the transition;
	// a lost race is (false, nil), not an error. reason is recorded as the
	// failure reason for FAILED transitions. StartedAt/CompletedAt timestamps
	// are maintained by the store.
	UpdateStatusIf(ctx context.Context, runID string, from []domain.RunStatus, to domain.RunStatus, reason string) (bool, error)

	// Heartbeat records run liveness at the given instant.
	Heartbeat(ctx context.Context, runID string, at time.Time) error

	// CommitBatch atomically inserts a batch of results and applies the run
	// bookkeeping in one transaction. Either everything lands or nothing does.
	CommitBatch(ctx context.Context, runID string, results []*domain.OptimizationResult, update domain.RunBatchUpdate) error

	// SetImprovement records the final improvement-over-baseline percentage.
	SetImprovement(ctx context.Context, runID string, improvement float64) error
}

// OptimizationResultStore provides access to optimization_results storage.
type OptimizationResultStore interface {
	// InsertBatch adds multiple results atomically. Fails the entire batch
	// on any duplicate.
	InsertBatch(ctx context.Context, results []*domain.OptimizationResult) error

	// GetByRunID retrieves all results for a run, ordered by combination
	// index ASC.
	GetByRunID(ctx context.Context, runID string) ([]*domain.OptimizationResult, error)

	// AssignRanks ranks a run's results by descending average test score
	// (rank 1 = best) and flags the best result. Returns ErrNotFound when the
	// run has no results.
	AssignRanks(ctx context.Context, runID string) error
}

// PipelineStore provides access to validation_pipelines storage.
type PipelineStore interface {
	// Insert adds a new pipeline. Returns ErrDuplicateKey if the ID exists.
	Insert(ctx context.Context, p *domain.Pipeline) error

	// GetByID retrieves a pipeline by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, pipelineID string) (*domain.Pipeline, error)

	// ListByStatus retrieves all pipelines in any of the given statuses,
	// ordered by created_at ASC.
	ListByStatus(ctx context.Context, statuses ...domain.PipelineStatus) ([]*domain.Pipeline, error)

	// UpdateStatusIf transitions the pipeline conditionally, same contract as
	// OptimizationRunStore.UpdateStatusIf.
	UpdateStatusIf(ctx context.Context, pipelineID string, from []domain.PipelineStatus, to domain.PipelineStatus, reason string) (bool, error)

	// SetStage advances the pipeline to a stage and records the external
	// run/session reference driving it.
	SetStage(ctx context.Context, pipelineID string, stage domain.Stage, activeRef string) error

	// SetStageResult records the outcome of a completed stage.
	SetStageResult(ctx context.Context, pipelineID string, result *domain.StageResult) error

	// SetOptimizedParameters stores the parameters selected by the OPTIMIZE
	// stage for use in later stages.
	SetOptimizedParameters(ctx context.Context, pipelineID string, params map[string]interface{}) error

	// SetPendingAdvance marks whether stage advancement is withheld while the
	// pipeline is paused.
	SetPendingAdvance(ctx context.Context, pipelineID string, pending bool) error

	// SetRecommendation records the final deployment recommendation.
	SetRecommendation(ctx context.Context, pipelineID string, rec domain.Recommendation) error
}

// UniverseStore provides access to the evaluation-universe asset catalog.
type UniverseStore interface {
	// TopByMarketRank retrieves the n highest-ranked assets that have data.
	// When fewer than n ranked assets have data, any assets with data fill
	// the remainder.
	TopByMarketRank(ctx context.Context, n int) ([]domain.Asset, error)

	// Upsert inserts or replaces an asset by symbol.
	Upsert(ctx context.Context, a domain.Asset) error
}

// WindowDetailStore archives per-window evaluation detail for analytics.
// Append-only; rows are never updated.
type WindowDetailStore interface {
	// InsertBatch appends window detail rows for one evaluated combination.
	InsertBatch(ctx context.Context, runID string, combinationIndex int, windows []domain.WindowResult) error

	// GetByRun retrieves all archived windows for a run, ordered by
	// combination index then window index.
	GetByRun(ctx context.Context, runID string) ([]domain.WindowResult, error)
}
