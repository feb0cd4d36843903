package clickhouse

import (
	"context"
	"fmt"
	"time"

	"strategy-validation-lab/internal/domain"
	"strategy-validation-lab/internal/storage"
)

// WindowDetailStore implements storage.WindowDetailStore using ClickHouse.
// The table is a MergeTree archive; rows are append-only and never updated,
// so no uniqueness is enforced.
type WindowDetailStore struct {
	conn *Conn
}

// NewWindowDetailStore creates a new WindowDetailStore.
func NewWindowDetailStore(conn *Conn) *WindowDetailStore {
	return &WindowDetailStore{conn: conn}
}

// Compile-time interface check.
var _ storage.WindowDetailStore = (*WindowDetailStore)(nil)

// InsertBatch appends window detail rows for one evaluated combination.
func (s *WindowDetailStore) InsertBatch(ctx context.Context, runID string, combinationIndex int, windows []domain.WindowResult) error {
	if runID == "" {
		return storage.ErrInvalidInput
	}
	if len(windows) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO optimization_window_details (
			run_id, combination_index, window_index,
			train_start, train_end, test_start, test_end,
			train_score, test_score, degradation, overfitting,
			inserted_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare window detail batch: %w", err)
	}

	now := time.Now().UTC()
	for _, w := range windows {
		err := batch.Append(
			runID, int32(combinationIndex), int32(w.WindowIndex),
			w.TrainStart, w.TrainEnd, w.TestStart, w.TestEnd,
			w.TrainScore, w.TestScore, w.Degradation, w.Overfitting,
			now,
		)
		if err != nil {
			return fmt.Errorf("append window detail row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send window detail batch: %w", err)
	}
	return nil
}

// GetByRun retrieves all archived windows for a run, ordered by combination
// index then window index.
func (s *WindowDetailStore) GetByRun(ctx context.Context, runID string) ([]domain.WindowResult, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT window_index, train_start, train_end, test_start, test_end,
		       train_score, test_score, degradation, overfitting
		FROM optimization_window_details
		WHERE run_id = ?
		ORDER BY combination_index ASC, window_index ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query window details: %w", err)
	}
	defer rows.Close()

	var windows []domain.WindowResult
	for rows.Next() {
		var (
			w   domain.WindowResult
			idx int32
		)
		err := rows.Scan(
			&idx, &w.TrainStart, &w.TrainEnd, &w.TestStart, &w.TestEnd,
			&w.TrainScore, &w.TestScore, &w.Degradation, &w.Overfitting,
		)
		if err != nil {
			return nil, fmt.Errorf("scan window detail row: %w", err)
		}
		w.WindowIndex = int(idx)
		windows = append(windows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate window detail rows: %w", err)
	}
	return windows, nil
}
