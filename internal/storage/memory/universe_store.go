package memory

import (
	"context"
	"sort"
	"sync"

	"strategy-validation-lab/internal/domain"
	"strategy-validation-lab/internal/storage"
)

// UniverseStore is an in-memory implementation of storage.UniverseStore.
type UniverseStore struct {
	mu   sync.RWMutex
	data map[string]domain.Asset // keyed by symbol
}

// NewUniverseStore creates a new in-memory universe store.
func NewUniverseStore() *UniverseStore {
	return &UniverseStore{
		data: make(map[string]domain.Asset),
	}
}

// Upsert inserts or replaces an asset by symbol.
func (s *UniverseStore) Upsert(_ context.Context, a domain.Asset) error {
	if a.Symbol == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[a.Symbol] = a
	return nil
}

// TopByMarketRank retrieves the n highest-ranked assets that have data.
// Unranked assets with data fill the remainder when ranked ones run out.
func (s *UniverseStore) TopByMarketRank(_ context.Context, n int) ([]domain.Asset, error) {
	if n <= 0 {
		return nil, storage.ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var ranked, unranked []domain.Asset
	for _, a := range s.data {
		if !a.HasData {
			continue
		}
		if a.MarketRank > 0 {
			ranked = append(ranked, a)
		} else {
			unranked = append(unranked, a)
		}
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].MarketRank != ranked[j].MarketRank {
			return ranked[i].MarketRank < ranked[j].MarketRank
		}
		return ranked[i].Symbol < ranked[j].Symbol
	})
	sort.Slice(unranked, func(i, j int) bool {
		return unranked[i].Symbol < unranked[j].Symbol
	})

	out := append(ranked, unranked...)
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

var _ storage.UniverseStore = (*UniverseStore)(nil)
