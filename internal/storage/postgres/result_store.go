package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"strategy-validation-lab/internal/domain"
	"strategy-validation-lab/internal/storage"
)

// ResultStore implements storage.OptimizationResultStore using PostgreSQL.
type ResultStore struct {
	pool *Pool
}

// NewResultStore creates a new ResultStore.
func NewResultStore(pool *Pool) *ResultStore {
	return &ResultStore{pool: pool}
}

// Compile-time interface check.
var _ storage.OptimizationResultStore = (*ResultStore)(nil)

const resultColumns = `
	result_id, run_id, combination_index, parameters,
	avg_train_score, avg_test_score, avg_degradation, consistency_score,
	overfitting_windows, windows,
	rank, is_baseline, is_best, created_at
`

// insertResultTx inserts one result inside an existing transaction. Shared
// with RunStore.CommitBatch so batch commits reuse the same statement.
func insertResultTx(ctx context.Context, tx pgx.Tx, r *domain.OptimizationResult) error {
	if r == nil || r.ID == "" || r.RunID == "" {
		return storage.ErrInvalidInput
	}

	paramsJSON, err := marshalJSON(r.Parameters)
	if err != nil {
		return err
	}
	windowsJSON, err := marshalJSON(r.Windows)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO optimization_results (` + resultColumns + `)
		VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10,
			$11, $12, $13, $14
		)
	`

	_, err = tx.Exec(ctx, query,
		r.ID, r.RunID, r.CombinationIndex, paramsJSON,
		r.AvgTrainScore, r.AvgTestScore, r.AvgDegradation, r.ConsistencyScore,
		r.OverfittingWindows, windowsJSON,
		r.Rank, r.IsBaseline, r.IsBest, r.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert optimization result: %w", err)
	}
	return nil
}

// InsertBatch adds multiple results atomically. Fails the entire batch on any
// duplicate.
func (s *ResultStore) InsertBatch(ctx context.Context, results []*domain.OptimizationResult) error {
	if len(results) == 0 {
		return nil
	}

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

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetByRunID retrieves all results for a run, ordered by combination index ASC.
func (s *ResultStore) GetByRunID(ctx context.Context, runID string) ([]*domain.OptimizationResult, error) {
	query := `SELECT ` + resultColumns + ` FROM optimization_results WHERE run_id = $1 ORDER BY combination_index ASC`

	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("get optimization results by run id: %w", err)
	}
	defer rows.Close()

	var results []*domain.OptimizationResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan optimization result row: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate optimization result rows: %w", err)
	}
	return results, nil
}

// AssignRanks ranks a run's results by descending average test score and
// flags the best one. Returns ErrNotFound when the run has no results.
func (s *ResultStore) AssignRanks(ctx context.Context, runID string) error {
	query := `
		WITH ranked AS (
			SELECT result_id,
			       ROW_NUMBER() OVER (ORDER BY avg_test_score DESC, combination_index ASC) AS rn
			FROM optimization_results
			WHERE run_id = $1
		)
		UPDATE optimization_results r
		SET rank = ranked.rn, is_best = (ranked.rn = 1)
		FROM ranked
		WHERE r.result_id = ranked.result_id
	`

	tag, err := s.pool.Exec(ctx, query, runID)
	if err != nil {
		return fmt.Errorf("assign result ranks: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// scanResult scans a single row into an OptimizationResult.
func scanResult(row pgx.Row) (*domain.OptimizationResult, error) {
	var (
		r           domain.OptimizationResult
		paramsJSON  []byte
		windowsJSON []byte
	)

	err := row.Scan(
		&r.ID, &r.RunID, &r.CombinationIndex, &paramsJSON,
		&r.AvgTrainScore, &r.AvgTestScore, &r.AvgDegradation, &r.ConsistencyScore,
		&r.OverfittingWindows, &windowsJSON,
		&r.Rank, &r.IsBaseline, &r.IsBest, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(paramsJSON, &r.Parameters); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(windowsJSON, &r.Windows); err != nil {
		return nil, err
	}

	return &r, nil
}
