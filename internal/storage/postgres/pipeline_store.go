package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"strategy-validation-lab/internal/domain"
	"strategy-validation-lab/internal/storage"
)

// PipelineStore implements storage.PipelineStore using PostgreSQL.
type PipelineStore struct {
	pool *Pool
}

// NewPipelineStore creates a new PipelineStore.
func NewPipelineStore(pool *Pool) *PipelineStore {
	return &PipelineStore{pool: pool}
}

// Compile-time interface check.
var _ storage.PipelineStore = (*PipelineStore)(nil)

const pipelineColumns = `
	pipeline_id, strategy_config_id, status, current_stage,
	optimization_config, progression_rules, active_stage_ref,
	optimized_parameters, stage_results, recommendation, pending_advance,
	failure_reason, created_at, updated_at, completed_at
`

// Insert adds a new pipeline. Returns ErrDuplicateKey if the ID exists.
func (s *PipelineStore) Insert(ctx context.Context, p *domain.Pipeline) error {
	if p == nil || p.ID == "" {
		return storage.ErrInvalidInput
	}

	configJSON, err := marshalJSON(p.OptimizationConfig)
	if err != nil {
		return err
	}
	rulesJSON, err := marshalJSON(p.Rules)
	if err != nil {
		return err
	}
	paramsJSON, err := marshalJSON(p.OptimizedParameters)
	if err != nil {
		return err
	}
	resultsJSON, err := marshalJSON(p.StageResults)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO validation_pipelines (` + pipelineColumns + `)
		VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15
		)
	`

	_, err = s.pool.Exec(ctx, query,
		p.ID, p.StrategyConfigID, p.Status, p.CurrentStage,
		configJSON, rulesJSON, p.ActiveStageRef,
		paramsJSON, resultsJSON, p.Recommendation, p.PendingAdvance,
		p.FailureReason, p.CreatedAt, p.UpdatedAt, p.CompletedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert pipeline: %w", err)
	}
	return nil
}

// GetByID retrieves a pipeline by its ID. Returns ErrNotFound if not exists.
func (s *PipelineStore) GetByID(ctx context.Context, pipelineID string) (*domain.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM validation_pipelines WHERE pipeline_id = $1`

	row := s.pool.QueryRow(ctx, query, pipelineID)
	p, err := scanPipeline(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get pipeline by id: %w", err)
	}
	return p, nil
}

// ListByStatus retrieves all pipelines in any of the given statuses, ordered
// by created_at ASC.
func (s *PipelineStore) ListByStatus(ctx context.Context, statuses ...domain.PipelineStatus) ([]*domain.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM validation_pipelines WHERE status = ANY($1) ORDER BY created_at ASC`

	strs := make([]string, len(statuses))
	for i, st := range statuses {
		strs[i] = string(st)
	}

	rows, err := s.pool.Query(ctx, query, strs)
	if err != nil {
		return nil, fmt.Errorf("list pipelines by status: %w", err)
	}
	defer rows.Close()

	var pipelines []*domain.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline row: %w", err)
		}
		pipelines = append(pipelines, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pipeline rows: %w", err)
	}
	return pipelines, nil
}

// UpdateStatusIf transitions the pipeline only if its current status is one
// of from. A lost race reports (false, nil).
func (s *PipelineStore) UpdateStatusIf(ctx context.Context, pipelineID string, from []domain.PipelineStatus, to domain.PipelineStatus, reason string) (bool, error) {
	strs := make([]string, len(from))
	for i, st := range from {
		strs[i] = string(st)
	}

	query := `
		UPDATE validation_pipelines SET
			status = $3,
			updated_at = now(),
			completed_at = CASE WHEN $3 IN ('COMPLETED', 'FAILED', 'CANCELLED') THEN now() ELSE completed_at END,
			failure_reason = CASE WHEN $3 = 'FAILED' THEN $4 ELSE failure_reason END
		WHERE pipeline_id = $1 AND status = ANY($2)
	`

	tag, err := s.pool.Exec(ctx, query, pipelineID, strs, string(to), reason)
	if err != nil {
		return false, fmt.Errorf("conditional pipeline status update: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM validation_pipelines WHERE pipeline_id = $1)`, pipelineID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pipeline existence: %w", err)
	}
	if !exists {
		return false, storage.ErrNotFound
	}
	return false, nil
}

// SetStage advances the pipeline to a stage and records the external
// run/session reference driving it.
func (s *PipelineStore) SetStage(ctx context.Context, pipelineID string, stage domain.Stage, activeRef string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE validation_pipelines SET current_stage = $2, active_stage_ref = $3, updated_at = now() WHERE pipeline_id = $1`,
		pipelineID, stage, activeRef,
	)
	if err != nil {
		return fmt.Errorf("set pipeline stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SetStageResult records the outcome of a completed stage. Stage results are
// kept as one JSONB map keyed by stage.
func (s *PipelineStore) SetStageResult(ctx context.Context, pipelineID string, result *domain.StageResult) error {
	if result == nil {
		return storage.ErrInvalidInput
	}

	resultJSON, err := marshalJSON(result)
	if err != nil {
		return err
	}

	query := `
		UPDATE validation_pipelines SET
			stage_results = COALESCE(stage_results, '{}'::jsonb) || jsonb_build_object($2::text, $3::jsonb),
			updated_at = now()
		WHERE pipeline_id = $1
	`

	tag, err := s.pool.Exec(ctx, query, pipelineID, string(result.Stage), resultJSON)
	if err != nil {
		return fmt.Errorf("set pipeline stage result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SetOptimizedParameters stores the parameters selected by OPTIMIZE.
func (s *PipelineStore) SetOptimizedParameters(ctx context.Context, pipelineID string, params map[string]interface{}) error {
	paramsJSON, err := marshalJSON(params)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE validation_pipelines SET optimized_parameters = $2, updated_at = now() WHERE pipeline_id = $1`,
		pipelineID, paramsJSON,
	)
	if err != nil {
		return fmt.Errorf("set optimized parameters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SetPendingAdvance marks whether stage advancement is withheld while paused.
func (s *PipelineStore) SetPendingAdvance(ctx context.Context, pipelineID string, pending bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE validation_pipelines SET pending_advance = $2, updated_at = now() WHERE pipeline_id = $1`,
		pipelineID, pending,
	)
	if err != nil {
		return fmt.Errorf("set pending advance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SetRecommendation records the final deployment recommendation.
func (s *PipelineStore) SetRecommendation(ctx context.Context, pipelineID string, rec domain.Recommendation) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE validation_pipelines SET recommendation = $2, updated_at = now() WHERE pipeline_id = $1`,
		pipelineID, rec,
	)
	if err != nil {
		return fmt.Errorf("set recommendation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// scanPipeline scans a single row into a Pipeline.
func scanPipeline(row pgx.Row) (*domain.Pipeline, error) {
	var (
		p           domain.Pipeline
		configJSON  []byte
		rulesJSON   []byte
		paramsJSON  []byte
		resultsJSON []byte
	)

	err := row.Scan(
		&p.ID, &p.StrategyConfigID, &p.Status, &p.CurrentStage,
		&configJSON, &rulesJSON, &p.ActiveStageRef,
		&paramsJSON, &resultsJSON, &p.Recommendation, &p.PendingAdvance,
		&p.FailureReason, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(configJSON, &p.OptimizationConfig); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(rulesJSON, &p.Rules); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(paramsJSON, &p.OptimizedParameters); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(resultsJSON, &p.StageResults); err != nil {
		return nil, err
	}

	return &p, nil
}
