package postgres

import (
	"context"
	"fmt"

	"strategy-validation-lab/internal/domain"
	"strategy-validation-lab/internal/storage"
)

// UniverseStore implements storage.UniverseStore using PostgreSQL.
type UniverseStore struct {
	pool *Pool
}

// NewUniverseStore creates a new UniverseStore.
func NewUniverseStore(pool *Pool) *UniverseStore {
	return &UniverseStore{pool: pool}
}

// Compile-time interface check.
var _ storage.UniverseStore = (*UniverseStore)(nil)

// Upsert inserts or replaces an asset by symbol.
func (s *UniverseStore) Upsert(ctx context.Context, a domain.Asset) error {
	if a.Symbol == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO universe_assets (symbol, market_rank, has_data)
		VALUES ($1, $2, $3)
		ON CONFLICT (symbol) DO UPDATE SET market_rank = $2, has_data = $3
	`

	if _, err := s.pool.Exec(ctx, query, a.Symbol, a.MarketRank, a.HasData); err != nil {
		return fmt.Errorf("upsert universe asset: %w", err)
	}
	return nil
}

// TopByMarketRank retrieves the n highest-ranked assets that have data.
// Unranked assets with data fill the remainder when ranked ones run out.
func (s *UniverseStore) TopByMarketRank(ctx context.Context, n int) ([]domain.Asset, error) {
	if n <= 0 {
		return nil, storage.ErrInvalidInput
	}

	query := `
		SELECT symbol, market_rank, has_data
		FROM universe_assets
		WHERE has_data
		ORDER BY (market_rank <= 0), market_rank ASC, symbol ASC
		LIMIT $1
	`

	rows, err := s.pool.Query(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("get top universe assets: %w", err)
	}
	defer rows.Close()

	var assets []domain.Asset
	for rows.Next() {
		var a domain.Asset
		if err := rows.Scan(&a.Symbol, &a.MarketRank, &a.HasData); err != nil {
			return nil, fmt.Errorf("scan universe asset row: %w", err)
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate universe asset rows: %w", err)
	}
	return assets, nil
}
