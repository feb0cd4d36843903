package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"strategy-validation-lab/internal/domain"
	"strategy-validation-lab/internal/storage"
)

// RunStore implements storage.OptimizationRunStore using PostgreSQL.
type RunStore struct {
	pool *Pool
}

// NewRunStore creates a new RunStore.
func NewRunStore(pool *Pool) *RunStore {
	return &RunStore{pool: pool}
}

// Compile-time interface check.
var _ storage.OptimizationRunStore = (*RunStore)(nil)

const runColumns = `
	run_id, strategy_config_id, pipeline_id, status,
	config, parameter_space, baseline_parameters,
	total_combinations, combinations_tested,
	best_score, best_parameters, baseline_score, improvement,
	patience_count, failure_reason, eta,
	last_heartbeat_at, started_at, completed_at, created_at, updated_at
`

// Insert adds a new run. Returns ErrDuplicateKey if the ID exists.
func (s *RunStore) Insert(ctx context.Context, run *domain.OptimizationRun) error {
	if run == nil || run.ID == "" {
		return storage.ErrInvalidInput
	}

	configJSON, err := marshalJSON(run.Config)
	if err != nil {
		return err
	}
	spaceJSON, err := marshalJSON(run.ParameterSpace)
	if err != nil {
		return err
	}
	baselineJSON, err := marshalJSON(run.BaselineParameters)
	if err != nil {
		return err
	}
	bestJSON, err := marshalJSON(run.BestParameters)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO optimization_runs (` + runColumns + `)
		VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9,
			$10, $11, $12, $13,
			$14, $15, $16,
			$17, $18, $19, $20, $21
		)
	`

	_, err = s.pool.Exec(ctx, query,
		run.ID, run.StrategyConfigID, run.PipelineID, run.Status,
		configJSON, spaceJSON, baselineJSON,
		run.TotalCombinations, run.CombinationsTested,
		run.BestScore, bestJSON, run.BaselineScore, run.Improvement,
		run.PatienceCount, run.FailureReason, run.ETA,
		run.LastHeartbeatAt, run.StartedAt, run.CompletedAt, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert optimization run: %w", err)
	}
	return nil
}

// GetByID retrieves a run by its ID. Returns ErrNotFound if not exists.
func (s *RunStore) GetByID(ctx context.Context, runID string) (*domain.OptimizationRun, error) {
	query := `SELECT ` + runColumns + ` FROM optimization_runs WHERE run_id = $1`

	row := s.pool.QueryRow(ctx, query, runID)
	run, err := scanRun(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get optimization run by id: %w", err)
	}
	return run, nil
}

// ListByStatus retrieves all runs in any of the given statuses, ordered by
// created_at ASC.
func (s *RunStore) ListByStatus(ctx context.Context, statuses ...domain.RunStatus) ([]*domain.OptimizationRun, error) {
	query := `SELECT ` + runColumns + ` FROM optimization_runs WHERE status = ANY($1) ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("list optimization runs by status: %w", err)
	}
	defer rows.Close()

	var runs []*domain.OptimizationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan optimization run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate optimization run rows: %w", err)
	}
	return runs, nil
}

// UpdateStatusIf transitions the run only if its current status is one of
// from. A lost race reports (false, nil). Lifecycle timestamps are maintained
// inside the same statement so the update stays a single atomic write.
func (s *RunStore) UpdateStatusIf(ctx context.Context, runID string, from []domain.RunStatus, to domain.RunStatus, reason string) (bool, error) {
	query := `
		UPDATE optimization_runs SET
			status = $3,
			updated_at = now(),
			started_at = CASE WHEN $3 = 'RUNNING' THEN now() ELSE started_at END,
			completed_at = CASE WHEN $3 IN ('COMPLETED', 'FAILED', 'CANCELLED') THEN now() ELSE completed_at END,
			failure_reason = CASE WHEN $3 = 'FAILED' THEN $4 ELSE failure_reason END
		WHERE run_id = $1 AND status = ANY($2)
	`

	tag, err := s.pool.Exec(ctx, query, runID, statusStrings(from), string(to), reason)
	if err != nil {
		return false, fmt.Errorf("conditional run status update: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Distinguish a lost race from a missing run.
	var exists bool
	err = s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM optimization_runs WHERE run_id = $1)`, runID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check run existence: %w", err)
	}
	if !exists {
		return false, storage.ErrNotFound
	}
	return false, nil
}

// Heartbeat records run liveness at the given instant.
func (s *RunStore) Heartbeat(ctx context.Context, runID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE optimization_runs SET last_heartbeat_at = $2, updated_at = $2 WHERE run_id = $1`,
		runID, at,
	)
	if err != nil {
		return fmt.Errorf("heartbeat run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CommitBatch inserts the batch's results and applies the run bookkeeping in
// one transaction. Either everything lands or nothing does.
func (s *RunStore) CommitBatch(ctx context.Context, runID string, results []*domain.OptimizationResult, update domain.RunBatchUpdate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, r := range results {
		if err := insertResultTx(ctx, tx, r); err != nil {
			return err
		}
	}

	bestJSON, err := marshalJSON(update.BestParameters)
	if err != nil {
		return err
	}

	query := `
		UPDATE optimization_runs SET
			combinations_tested = $2,
			patience_count = $3,
			best_score = COALESCE($4, best_score),
			best_parameters = CASE WHEN $4 IS NOT NULL THEN $5 ELSE best_parameters END,
			baseline_score = COALESCE($6, baseline_score),
			eta = $7,
			last_heartbeat_at = now(),
			updated_at = now()
		WHERE run_id = $1
	`

	tag, err := tx.Exec(ctx, query,
		runID, update.CombinationsTested, update.PatienceCount,
		update.BestScore, bestJSON, update.BaselineScore, update.ETA,
	)
	if err != nil {
		return fmt.Errorf("apply batch run update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// SetImprovement records the final improvement-over-baseline percentage.
func (s *RunStore) SetImprovement(ctx context.Context, runID string, improvement float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE optimization_runs SET improvement = $2, updated_at = now() WHERE run_id = $1`,
		runID, improvement,
	)
	if err != nil {
		return fmt.Errorf("set run improvement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// scanRun scans a single row into an OptimizationRun.
func scanRun(row pgx.Row) (*domain.OptimizationRun, error) {
	var (
		run          domain.OptimizationRun
		configJSON   []byte
		spaceJSON    []byte
		baselineJSON []byte
		bestJSON     []byte
	)

	err := row.Scan(
		&run.ID, &run.StrategyConfigID, &run.PipelineID, &run.Status,
		&configJSON, &spaceJSON, &baselineJSON,
		&run.TotalCombinations, &run.CombinationsTested,
		&run.BestScore, &bestJSON, &run.BaselineScore, &run.Improvement,
		&run.PatienceCount, &run.FailureReason, &run.ETA,
		&run.LastHeartbeatAt, &run.StartedAt, &run.CompletedAt, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(configJSON, &run.Config); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(spaceJSON, &run.ParameterSpace); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(baselineJSON, &run.BaselineParameters); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(bestJSON, &run.BestParameters); err != nil {
		return nil, err
	}

	return &run, nil
}

func statusStrings(statuses []domain.RunStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
