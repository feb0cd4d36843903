package clickhouse

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"strategy-validation-lab/internal/domain"
)

// setupTestDB creates a ClickHouse container and returns a connection with
// the schema applied. Returns a cleanup function that must be called when done.
func setupTestDB(t *testing.T) (*Conn, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "clickhouse/clickhouse-server:24.1-alpine",
		ExposedPorts: []string{"9000/tcp", "8123/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("Application: Ready for connections").
				WithStartupTimeout(60*time.Second),
			wait.ForListeningPort("9000/tcp"),
		),
		Env: map[string]string{
			"CLICKHOUSE_DB":       "test",
			"CLICKHOUSE_USER":     "default",
			"CLICKHOUSE_PASSWORD": "",
		},
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	dsn := fmt.Sprintf("clickhouse://%s:%s/test", host, port.Port())
	conn, err := NewConn(ctx, dsn)
	require.NoError(t, err)

	err = conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS optimization_window_details (
			run_id            String,
			combination_index Int32,
			window_index      Int32,
			train_start       DateTime64(3, 'UTC'),
			train_end         DateTime64(3, 'UTC'),
			test_start        DateTime64(3, 'UTC'),
			test_end          DateTime64(3, 'UTC'),
			train_score       Float64,
			test_score        Float64,
			degradation       Float64,
			overfitting       Bool,
			inserted_at       DateTime64(3, 'UTC')
		)
		ENGINE = MergeTree()
		ORDER BY (run_id, combination_index, window_index)
	`)
	require.NoError(t, err)

	cleanup := func() {
		conn.Close()
		_ = container.Terminate(ctx)
	}

	return conn, cleanup
}

func TestWindowDetailStore_Integration(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewWindowDetailStore(conn)

	day := func(d int) time.Time {
		return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, d)
	}

	first := []domain.WindowResult{
		{WindowIndex: 0, TrainStart: day(0), TrainEnd: day(89), TestStart: day(90), TestEnd: day(119), TrainScore: 1.2, TestScore: 1.0, Degradation: 16.7},
		{WindowIndex: 1, TrainStart: day(30), TrainEnd: day(119), TestStart: day(120), TestEnd: day(149), TrainScore: 1.3, TestScore: 0.4, Degradation: 55.0, Overfitting: true},
	}
	second := []domain.WindowResult{
		{WindowIndex: 0, TrainStart: day(0), TrainEnd: day(89), TestStart: day(90), TestEnd: day(119), TrainScore: 0.9, TestScore: 0.8},
	}

	require.NoError(t, store.InsertBatch(ctx, "run-1", 1, second))
	require.NoError(t, store.InsertBatch(ctx, "run-1", 0, first))
	require.NoError(t, store.InsertBatch(ctx, "run-other", 0, second))

	got, err := store.GetByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Ordered by combination index then window index.
	assert.Equal(t, 1.0, got[0].TestScore)
	assert.Equal(t, 0.4, got[1].TestScore)
	assert.True(t, got[1].Overfitting)
	assert.Equal(t, 0.8, got[2].TestScore)
	assert.Equal(t, day(90), got[0].TestStart.UTC())

	// Empty batch is a no-op.
	require.NoError(t, store.InsertBatch(ctx, "run-1", 5, nil))
}
