package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-validation-lab/internal/domain"
	"strategy-validation-lab/internal/storage"
)

func testPipeline(id string) *domain.Pipeline {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &domain.Pipeline{
		ID:               id,
		StrategyConfigID: "strat-1",
		Status:           domain.PipelineStatusPending,
		CurrentStage:     domain.StageOptimize,
		OptimizationConfig: domain.OptimizationConfig{
			StrategyConfigID: "strat-1",
			SearchMethod:     domain.SearchGrid,
			Objective:        domain.ObjectiveSharpeRatio,
		},
		Rules: domain.ProgressionRules{
			MinImprovementPct:  5,
			MinLiveReplayScore: 30,
			MinSharpeRatio:     1.0,
			MaxDrawdown:        -0.25,
			MinWinRate:         0.45,
			MinTotalReturn:     0,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPipelineStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	pipelines := NewPipelineStore(pool)
	universe := NewUniverseStore(pool)

	t.Run("insert and get round trip", func(t *testing.T) {
		p := testPipeline("p-roundtrip")
		require.NoError(t, pipelines.Insert(ctx, p))
		assert.ErrorIs(t, pipelines.Insert(ctx, p), storage.ErrDuplicateKey)

		got, err := pipelines.GetByID(ctx, "p-roundtrip")
		require.NoError(t, err)
		assert.Equal(t, domain.StageOptimize, got.CurrentStage)
		assert.Equal(t, 30.0, got.Rules.MinLiveReplayScore)
	})

	t.Run("stage progression fields", func(t *testing.T) {
		require.NoError(t, pipelines.Insert(ctx, testPipeline("p-stage")))

		require.NoError(t, pipelines.SetStage(ctx, "p-stage", domain.StageHistorical, "bt-1"))
		require.NoError(t, pipelines.SetOptimizedParameters(ctx, "p-stage",
			map[string]interface{}{"lookback": float64(30)}))

		score := 65.0
		result := &domain.StageResult{
			Stage:       domain.StageHistorical,
			Passed:      true,
			Score:       &score,
			CompletedAt: time.Now().UTC(),
		}
		require.NoError(t, pipelines.SetStageResult(ctx, "p-stage", result))

		got, err := pipelines.GetByID(ctx, "p-stage")
		require.NoError(t, err)
		assert.Equal(t, domain.StageHistorical, got.CurrentStage)
		assert.Equal(t, "bt-1", got.ActiveStageRef)
		assert.Equal(t, float64(30), got.OptimizedParameters["lookback"])

		r := got.StageResultFor(domain.StageHistorical)
		require.NotNil(t, r)
		assert.True(t, r.Passed)
		require.NotNil(t, r.Score)
		assert.Equal(t, 65.0, *r.Score)

		// A second stage result lands beside the first, not over it.
		second := &domain.StageResult{Stage: domain.StageLiveReplay, Passed: false, CompletedAt: time.Now().UTC()}
		require.NoError(t, pipelines.SetStageResult(ctx, "p-stage", second))
		got, err = pipelines.GetByID(ctx, "p-stage")
		require.NoError(t, err)
		assert.NotNil(t, got.StageResultFor(domain.StageHistorical))
		assert.NotNil(t, got.StageResultFor(domain.StageLiveReplay))
	})

	t.Run("conditional status update", func(t *testing.T) {
		require.NoError(t, pipelines.Insert(ctx, testPipeline("p-cas")))

		won, err := pipelines.UpdateStatusIf(ctx, "p-cas",
			[]domain.PipelineStatus{domain.PipelineStatusPending}, domain.PipelineStatusRunning, "")
		require.NoError(t, err)
		assert.True(t, won)

		won, err = pipelines.UpdateStatusIf(ctx, "p-cas",
			[]domain.PipelineStatus{domain.PipelineStatusPending}, domain.PipelineStatusFailed, "orphaned")
		require.NoError(t, err)
		assert.False(t, won)

		got, err := pipelines.GetByID(ctx, "p-cas")
		require.NoError(t, err)
		assert.Equal(t, domain.PipelineStatusRunning, got.Status)
	})

	t.Run("recommendation and pending advance", func(t *testing.T) {
		require.NoError(t, pipelines.Insert(ctx, testPipeline("p-rec")))
		require.NoError(t, pipelines.SetRecommendation(ctx, "p-rec", domain.RecommendNeedsReview))
		require.NoError(t, pipelines.SetPendingAdvance(ctx, "p-rec", true))

		got, err := pipelines.GetByID(ctx, "p-rec")
		require.NoError(t, err)
		assert.Equal(t, domain.RecommendNeedsReview, got.Recommendation)
		assert.True(t, got.PendingAdvance)
	})

	t.Run("universe top by market rank", func(t *testing.T) {
		assets := []domain.Asset{
			{Symbol: "BTC", MarketRank: 1, HasData: true},
			{Symbol: "ETH", MarketRank: 2, HasData: true},
			{Symbol: "XRP", MarketRank: 3, HasData: false},
			{Symbol: "DOGE", HasData: true},
		}
		for _, a := range assets {
			require.NoError(t, universe.Upsert(ctx, a))
		}

		top, err := universe.TopByMarketRank(ctx, 2)
		require.NoError(t, err)
		require.Len(t, top, 2)
		assert.Equal(t, "BTC", top[0].Symbol)
		assert.Equal(t, "ETH", top[1].Symbol)

		all, err := universe.TopByMarketRank(ctx, 10)
		require.NoError(t, err)
		require.Len(t, all, 3, "assets without data are excluded")
		assert.Equal(t, "DOGE", all[2].Symbol, "unranked assets come last")
	})
}
