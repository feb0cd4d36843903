package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"strategy-validation-lab/internal/domain"
)

// setupTestDB creates a PostgreSQL container for testing and applies the
// embedded migrations. Returns a cleanup function that must be called after
// tests complete.
func setupTestDB(t *testing.T) (*Pool, func()) {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err, "failed to create pool")

	applySchema(t, ctx, pool)

	cleanup := func() {
		pool.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}

	return pool, cleanup
}

// applySchema creates the tables the stores depend on. Mirrors the embedded
// migration; kept inline so the test file is self-contained if migrations
// grow backend-specific steps.
func applySchema(t *testing.T, ctx context.Context, pool *Pool) {
	t.Helper()

	schema := `
		CREATE TABLE IF NOT EXISTS optimization_runs (
			run_id              TEXT PRIMARY KEY,
			strategy_config_id  TEXT NOT NULL,
			pipeline_id         TEXT NOT NULL DEFAULT '',
			status              TEXT NOT NULL,
			config              JSONB NOT NULL,
			parameter_space     JSONB NOT NULL,
			baseline_parameters JSONB,
			total_combinations  INTEGER NOT NULL DEFAULT 0,
			combinations_tested INTEGER NOT NULL DEFAULT 0,
			best_score          DOUBLE PRECISION,
			best_parameters     JSONB,
			baseline_score      DOUBLE PRECISION,
			improvement         DOUBLE PRECISION,
			patience_count      INTEGER NOT NULL DEFAULT 0,
			failure_reason      TEXT NOT NULL DEFAULT '',
			eta                 TIMESTAMPTZ,
			last_heartbeat_at   TIMESTAMPTZ,
			started_at          TIMESTAMPTZ,
			completed_at        TIMESTAMPTZ,
			created_at          TIMESTAMPTZ NOT NULL,
			updated_at          TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS optimization_results (
			result_id           TEXT PRIMARY KEY,
			run_id              TEXT NOT NULL REFERENCES optimization_runs (run_id),
			combination_index   INTEGER NOT NULL,
			parameters          JSONB,
			avg_train_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_test_score      DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_degradation     DOUBLE PRECISION NOT NULL DEFAULT 0,
			consistency_score   DOUBLE PRECISION NOT NULL DEFAULT 0,
			overfitting_windows INTEGER NOT NULL DEFAULT 0,
			windows             JSONB,
			rank                INTEGER NOT NULL DEFAULT 0,
			is_baseline         BOOLEAN NOT NULL DEFAULT FALSE,
			is_best             BOOLEAN NOT NULL DEFAULT FALSE,
			created_at          TIMESTAMPTZ NOT NULL,
			UNIQUE (run_id, combination_index)
		);
		CREATE TABLE IF NOT EXISTS validation_pipelines (
			pipeline_id          TEXT PRIMARY KEY,
			strategy_config_id   TEXT NOT NULL,
			status               TEXT NOT NULL,
			current_stage        TEXT NOT NULL,
			optimization_config  JSONB NOT NULL,
			progression_rules    JSONB NOT NULL,
			active_stage_ref     TEXT NOT NULL DEFAULT '',
			optimized_parameters JSONB,
			stage_results        JSONB,
			recommendation       TEXT NOT NULL DEFAULT '',
			pending_advance      BOOLEAN NOT NULL DEFAULT FALSE,
			failure_reason       TEXT NOT NULL DEFAULT '',
			created_at           TIMESTAMPTZ NOT NULL,
			updated_at           TIMESTAMPTZ NOT NULL,
			completed_at         TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS universe_assets (
			symbol      TEXT PRIMARY KEY,
			market_rank INTEGER NOT NULL DEFAULT 0,
			has_data    BOOLEAN NOT NULL DEFAULT FALSE
		);
	`

	_, err := pool.Exec(ctx, schema)
	require.NoError(t, err, "failed to apply schema")
}

func testRun(id string) *domain.OptimizationRun {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &domain.OptimizationRun{
		ID:               id,
		StrategyConfigID: "strat-1",
		Status:           domain.RunStatusPending,
		Config: domain.OptimizationConfig{
			StrategyConfigID: "strat-1",
			SearchMethod:     domain.SearchGrid,
			Objective:        domain.ObjectiveSharpeRatio,
			TrainDays:        90,
			TestDays:         30,
			StepDays:         30,
		},
		ParameterSpace: domain.ParameterSpace{
			StrategyType: "momentum",
			Parameters: []domain.ParameterDefinition{
				{Name: "lookback", Type: domain.ParamTypeInteger, Min: 10, Max: 50, Step: 10, Default: 20},
			},
		},
		BaselineParameters: map[string]interface{}{"lookback": float64(20)},
		TotalCombinations:  5,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// ptr is a helper to create pointers to values.
func ptr[T any](v T) *T {
	return &v
}
