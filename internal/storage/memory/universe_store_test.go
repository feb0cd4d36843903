package memory

import (
	"context"
	"testing"

	"strategy-validation-lab/internal/domain"
)

func TestUniverseStore_TopByMarketRank(t *testing.T) {
	store := NewUniverseStore()
	ctx := context.Background()

	assets := []domain.Asset{
		{Symbol: "BTC", MarketRank: 1, HasData: true},
		{Symbol: "ETH", MarketRank: 2, HasData: true},
		{Symbol: "SOL", MarketRank: 5, HasData: true},
		{Symbol: "XRP", MarketRank: 3, HasData: false}, // no data, excluded
		{Symbol: "DOGE", HasData: true},                // unranked fallback
	}
	for _, a := range assets {
		if err := store.Upsert(ctx, a); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	top, err := store.TopByMarketRank(ctx, 3)
	if err != nil {
		t.Fatalf("TopByMarketRank: %v", err)
	}
	want := []string{"BTC", "ETH", "SOL"}
	for i, symbol := range want {
		if top[i].Symbol != symbol {
			t.Errorf("position %d: expected %s, got %s", i, symbol, top[i].Symbol)
		}
	}

	// Asking past the ranked set pulls in unranked assets with data.
	all, err := store.TopByMarketRank(ctx, 10)
	if err != nil {
		t.Fatalf("TopByMarketRank: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 assets with data, got %d", len(all))
	}
	if all[3].Symbol != "DOGE" {
		t.Errorf("unranked asset should come last, got %s", all[3].Symbol)
	}
}

func TestUniverseStore_WindowDetailRoundTrip(t *testing.T) {
	store := NewWindowDetailStore()
	ctx := context.Background()

	first := []domain.WindowResult{{WindowIndex: 0, TestScore: 1.0}, {WindowIndex: 1, TestScore: 1.1}}
	second := []domain.WindowResult{{WindowIndex: 0, TestScore: 0.8}}
	if err := store.InsertBatch(ctx, "run-1", 1, second); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if err := store.InsertBatch(ctx, "run-1", 0, first); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	got, err := store.GetByRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetByRun: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 windows, got %d", len(got))
	}
	if got[0].TestScore != 1.0 || got[1].TestScore != 1.1 || got[2].TestScore != 0.8 {
		t.Errorf("windows out of order: %+v", got)
	}
}
