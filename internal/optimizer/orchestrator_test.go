package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"strategy-validation-lab/internal/domain"
	"strategy-validation-lab/internal/engine"
	"strategy-validation-lab/internal/events"
	"strategy-validation-lab/internal/queue"
	"strategy-validation-lab/internal/storage/memory"
)

type testHarness struct {
	orch    *Orchestrator
	runs    *memory.RunStore
	results *memory.ResultStore
	windows *memory.WindowDetailStore
	queue   *queue.MemoryQueue
	bus     *events.MemoryBus

	mu        sync.Mutex
	completed []domain.OptimizationCompletedEvent
	failed    []domain.OptimizationFailedEvent
}

func newHarness(t *testing.T, backtester engine.Backtester, seedUniverse bool) *testHarness {
	t.Helper()

	results := memory.NewResultStore()
	h := &testHarness{
		runs:    memory.NewRunStore(results),
		results: results,
		windows: memory.NewWindowDetailStore(),
		queue:   queue.NewMemoryQueue(),
		bus:     events.NewMemoryBus(),
	}

	ctx := context.Background()
	universe := memory.NewUniverseStore()
	if seedUniverse {
		for _, a := range []domain.Asset{
			{Symbol: "BTC", MarketRank: 1, HasData: true},
			{Symbol: "ETH", MarketRank: 2, HasData: true},
			{Symbol: "SOL", MarketRank: 3, HasData: true},
		} {
			if err := universe.Upsert(ctx, a); err != nil {
				t.Fatalf("seed universe: %v", err)
			}
		}
	}

	err := h.bus.Subscribe(ctx, domain.TopicOptimizationCompleted, func(_ context.Context, payload []byte) {
		var ev domain.OptimizationCompletedEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Errorf("decode completed event: %v", err)
			return
		}
		h.mu.Lock()
		h.completed = append(h.completed, ev)
		h.mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	err = h.bus.Subscribe(ctx, domain.TopicOptimizationFailed, func(_ context.Context, payload []byte) {
		var ev domain.OptimizationFailedEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Errorf("decode failed event: %v", err)
			return
		}
		h.mu.Lock()
		h.failed = append(h.failed, ev)
		h.mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	h.orch, err = New(Options{
		Runs:          h.runs,
		Results:       results,
		Universe:      universe,
		WindowDetails: h.windows,
		Queue:         h.queue,
		Bus:           h.bus,
		Backtester:    backtester,
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func (h *testHarness) completedEvents() []domain.OptimizationCompletedEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.OptimizationCompletedEvent(nil), h.completed...)
}

func (h *testHarness) failedEvents() []domain.OptimizationFailedEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.OptimizationFailedEvent(nil), h.failed...)
}

func testSpace() domain.ParameterSpace {
	return domain.ParameterSpace{
		StrategyType: "momentum",
		Parameters: []domain.ParameterDefinition{
			{Name: "lookback", Type: domain.ParamTypeInteger, Min: 10, Max: 50, Step: 10, Default: 20},
			{Name: "mode", Type: domain.ParamTypeCategorical, Values: []interface{}{"fast", "slow"}, Default: "fast"},
		},
		Version: "1",
	}
}

func TestStartOptimization_PersistsPendingAndEnqueues(t *testing.T) {
	h := newHarness(t, engine.NewStubBacktester(), true)
	ctx := context.Background()

	run, err := h.orch.StartOptimization(ctx, validConfig(), testSpace())
	if err != nil {
		t.Fatalf("StartOptimization: %v", err)
	}

	if run.Status != domain.RunStatusPending {
		t.Errorf("status = %s, want PENDING", run.Status)
	}
	if run.TotalCombinations == 0 {
		t.Error("total combinations not sized")
	}
	if run.BaselineParameters["lookback"] == nil || run.BaselineParameters["mode"] == nil {
		t.Errorf("baseline parameters missing: %v", run.BaselineParameters)
	}

	stored, err := h.runs.GetByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.Status != domain.RunStatusPending {
		t.Errorf("persisted status = %s, want PENDING", stored.Status)
	}

	queued, err := h.queue.Contains(ctx, run.ID)
	if err != nil || !queued {
		t.Errorf("expected run queued, got queued=%v err=%v", queued, err)
	}
}

func TestStartOptimization_RejectsInvalidConfig(t *testing.T) {
	h := newHarness(t, engine.NewStubBacktester(), true)

	in := validConfig()
	in.StrategyConfigID = ""
	if _, err := h.orch.StartOptimization(context.Background(), in, testSpace()); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestStartOptimization_RejectsMalformedSpace(t *testing.T) {
	h := newHarness(t, engine.NewStubBacktester(), true)
	ctx := context.Background()

	// A zero step would make numeric expansion walk forever if it ever
	// reached the generator.
	space := domain.ParameterSpace{
		StrategyType: "momentum",
		Parameters: []domain.ParameterDefinition{
			{Name: "threshold", Type: domain.ParamTypeFloat, Min: 0, Max: 1, Step: 0, Default: 0.5},
		},
	}

	_, err := h.orch.StartOptimization(ctx, validConfig(), space)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if !strings.Contains(err.Error(), "step must be positive") {
		t.Errorf("error %q does not name the bad step", err)
	}

	pending, err := h.runs.ListByStatus(ctx, domain.RunStatusPending)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("rejected space still persisted %d runs", len(pending))
	}
}

func TestExecuteOptimization_CompletesRun(t *testing.T) {
	h := newHarness(t, engine.NewStubBacktester(), true)
	ctx := context.Background()

	run, err := h.orch.StartOptimization(ctx, validConfig(), testSpace())
	if err != nil {
		t.Fatalf("StartOptimization: %v", err)
	}
	job, err := h.queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	if err := h.orch.ExecuteOptimization(ctx, job.RunID); err != nil {
		t.Fatalf("ExecuteOptimization: %v", err)
	}

	final, err := h.runs.GetByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.Status != domain.RunStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", final.Status)
	}
	if final.CombinationsTested != run.TotalCombinations {
		t.Errorf("tested %d of %d combinations", final.CombinationsTested, run.TotalCombinations)
	}
	if final.BestScore == nil || final.BaselineScore == nil {
		t.Fatal("best or baseline score not recorded")
	}
	if final.Improvement == nil {
		t.Fatal("improvement not recorded")
	}
	if final.CompletedAt == nil {
		t.Error("completed timestamp not set")
	}

	results, err := h.results.GetByRunID(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetByRunID: %v", err)
	}
	if len(results) != run.TotalCombinations {
		t.Fatalf("persisted %d results, want %d", len(results), run.TotalCombinations)
	}

	var best *domain.OptimizationResult
	sawBaseline := false
	for _, res := range results {
		if res.Rank == 1 {
			best = res
		}
		if res.CombinationIndex == 0 {
			if !res.IsBaseline {
				t.Error("combination 0 is not flagged baseline")
			}
			sawBaseline = true
		}
	}
	if !sawBaseline {
		t.Error("baseline combination missing from results")
	}
	if best == nil {
		t.Fatal("no result ranked 1")
	}
	if !best.IsBest {
		t.Error("rank-1 result not flagged best")
	}
	if best.AvgTestScore != *final.BestScore {
		t.Errorf("best score %v does not match rank-1 result %v", *final.BestScore, best.AvgTestScore)
	}

	archived, err := h.windows.GetByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetByRun: %v", err)
	}
	if len(archived) == 0 || len(archived)%len(results) != 0 {
		t.Errorf("archived %d window rows for %d results", len(archived), len(results))
	}

	done := h.completedEvents()
	if len(done) != 1 {
		t.Fatalf("got %d completion events, want 1", len(done))
	}
	if done[0].RunID != run.ID || done[0].BestScore != *final.BestScore {
		t.Errorf("completion event mismatch: %+v", done[0])
	}
	if len(h.failedEvents()) != 0 {
		t.Errorf("unexpected failure events: %v", h.failedEvents())
	}
}

func TestExecuteOptimization_NotPending(t *testing.T) {
	h := newHarness(t, engine.NewStubBacktester(), true)
	ctx := context.Background()

	run, err := h.orch.StartOptimization(ctx, validConfig(), testSpace())
	if err != nil {
		t.Fatalf("StartOptimization: %v", err)
	}
	if err := h.orch.ExecuteOptimization(ctx, run.ID); err != nil {
		t.Fatalf("first execution: %v", err)
	}

	if err := h.orch.ExecuteOptimization(ctx, run.ID); !errors.Is(err, ErrNotRunnable) {
		t.Errorf("expected ErrNotRunnable on replay, got %v", err)
	}
	if len(h.completedEvents()) != 1 {
		t.Errorf("duplicate execution produced extra events: %d", len(h.completedEvents()))
	}
}

func TestExecuteOptimization_EmptyUniverseFails(t *testing.T) {
	h := newHarness(t, engine.NewStubBacktester(), false)
	ctx := context.Background()

	run, err := h.orch.StartOptimization(ctx, validConfig(), testSpace())
	if err != nil {
		t.Fatalf("StartOptimization: %v", err)
	}

	if err := h.orch.ExecuteOptimization(ctx, run.ID); !errors.Is(err, ErrEmptyUniverse) {
		t.Fatalf("expected ErrEmptyUniverse, got %v", err)
	}

	final, err := h.runs.GetByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.Status != domain.RunStatusFailed {
		t.Errorf("status = %s, want FAILED", final.Status)
	}
	if !strings.Contains(final.FailureReason, "universe") {
		t.Errorf("failure reason %q does not mention the universe", final.FailureReason)
	}
	if len(h.failedEvents()) != 1 {
		t.Errorf("got %d failure events, want 1", len(h.failedEvents()))
	}
}

func TestExecuteOptimization_TooFewWindowsFails(t *testing.T) {
	h := newHarness(t, engine.NewStubBacktester(), true)
	ctx := context.Background()

	in := validConfig()
	in.EndDate = in.StartDate.AddDate(0, 0, 150) // room for two windows, need three
	run, err := h.orch.StartOptimization(ctx, in, testSpace())
	if err != nil {
		t.Fatalf("StartOptimization: %v", err)
	}

	err = h.orch.ExecuteOptimization(ctx, run.ID)
	if err == nil || !strings.Contains(err.Error(), "walk-forward windows") {
		t.Fatalf("expected window-count error, got %v", err)
	}

	final, _ := h.runs.GetByID(ctx, run.ID)
	if final.Status != domain.RunStatusFailed {
		t.Errorf("status = %s, want FAILED", final.Status)
	}
}

func TestCancelOptimization_PendingRemovesJob(t *testing.T) {
	h := newHarness(t, engine.NewStubBacktester(), true)
	ctx := context.Background()

	run, err := h.orch.StartOptimization(ctx, validConfig(), testSpace())
	if err != nil {
		t.Fatalf("StartOptimization: %v", err)
	}

	if err := h.orch.CancelOptimization(ctx, run.ID); err != nil {
		t.Fatalf("CancelOptimization: %v", err)
	}

	final, _ := h.runs.GetByID(ctx, run.ID)
	if final.Status != domain.RunStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", final.Status)
	}
	queued, _ := h.queue.Contains(ctx, run.ID)
	if queued {
		t.Error("cancelled run still queued")
	}

	if err := h.orch.CancelOptimization(ctx, run.ID); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("expected ErrNotCancellable on terminal run, got %v", err)
	}
}

// cancellingBacktester flips the run to CANCELLED during the first backtest,
// standing in for a concurrent cancel request arriving mid-batch.
type cancellingBacktester struct {
	inner  engine.Backtester
	once   sync.Once
	cancel func()
}

func (b *cancellingBacktester) ExecuteBacktest(ctx context.Context, strategyID string,
	parameters map[string]interface{}, startDate, endDate time.Time, universe []string) (domain.BacktestMetrics, error) {
	b.once.Do(b.cancel)
	return b.inner.ExecuteBacktest(ctx, strategyID, parameters, startDate, endDate, universe)
}

func TestExecuteOptimization_CancelObservedAtBatchBoundary(t *testing.T) {
	bt := &cancellingBacktester{inner: engine.NewStubBacktester()}
	h := newHarness(t, bt, true)
	ctx := context.Background()

	in := validConfig()
	in.MaxConcurrentTests = 2
	run, err := h.orch.StartOptimization(ctx, in, testSpace())
	if err != nil {
		t.Fatalf("StartOptimization: %v", err)
	}
	if run.TotalCombinations <= in.MaxConcurrentTests {
		t.Fatalf("space too small to span batches: %d combinations", run.TotalCombinations)
	}

	bt.cancel = func() {
		won, err := h.runs.UpdateStatusIf(ctx, run.ID,
			[]domain.RunStatus{domain.RunStatusRunning}, domain.RunStatusCancelled, "")
		if err != nil || !won {
			t.Errorf("cancel transition: won=%v err=%v", won, err)
		}
	}

	if err := h.orch.ExecuteOptimization(ctx, run.ID); err != nil {
		t.Fatalf("ExecuteOptimization: %v", err)
	}

	final, err := h.runs.GetByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.Status != domain.RunStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", final.Status)
	}
	// The in-flight batch commits; the boundary check before the next batch
	// stops the run with nothing further written.
	if final.CombinationsTested != in.MaxConcurrentTests {
		t.Errorf("tested %d combinations after cancel, want %d", final.CombinationsTested, in.MaxConcurrentTests)
	}
	if final.Improvement != nil {
		t.Error("cancelled run must not record an improvement")
	}

	results, err := h.results.GetByRunID(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetByRunID: %v", err)
	}
	if len(results) != in.MaxConcurrentTests {
		t.Errorf("persisted %d results after cancel, want %d", len(results), in.MaxConcurrentTests)
	}
	for _, res := range results {
		if res.Rank != 0 {
			t.Errorf("cancelled run has ranked result: %+v", res)
		}
	}

	if len(h.completedEvents()) != 0 {
		t.Errorf("cancelled run published completion events: %d", len(h.completedEvents()))
	}
	if len(h.failedEvents()) != 0 {
		t.Errorf("cancelled run published failure events: %d", len(h.failedEvents()))
	}
}

func TestExecuteOptimization_LostCompletionWritesNothing(t *testing.T) {
	bt := &cancellingBacktester{inner: engine.NewStubBacktester()}
	h := newHarness(t, bt, true)
	ctx := context.Background()

	// One batch spans the whole space, so the cancel lands between the final
	// commit and the terminal transition instead of at a batch boundary.
	in := validConfig()
	in.MaxConcurrentTests = 20
	run, err := h.orch.StartOptimization(ctx, in, testSpace())
	if err != nil {
		t.Fatalf("StartOptimization: %v", err)
	}
	if run.TotalCombinations > in.MaxConcurrentTests {
		t.Fatalf("space spans multiple batches: %d combinations", run.TotalCombinations)
	}

	bt.cancel = func() {
		won, err := h.runs.UpdateStatusIf(ctx, run.ID,
			[]domain.RunStatus{domain.RunStatusRunning}, domain.RunStatusCancelled, "")
		if err != nil || !won {
			t.Errorf("cancel transition: won=%v err=%v", won, err)
		}
	}

	if err := h.orch.ExecuteOptimization(ctx, run.ID); err != nil {
		t.Fatalf("ExecuteOptimization: %v", err)
	}

	final, err := h.runs.GetByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.Status != domain.RunStatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", final.Status)
	}
	// The in-flight batch still commits, but the executor that lost the
	// terminal transition must not rank results or record an improvement.
	if final.CombinationsTested != run.TotalCombinations {
		t.Errorf("tested %d of %d combinations", final.CombinationsTested, run.TotalCombinations)
	}
	if final.Improvement != nil {
		t.Error("losing executor recorded an improvement")
	}

	results, err := h.results.GetByRunID(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetByRunID: %v", err)
	}
	for _, res := range results {
		if res.Rank != 0 || res.IsBest {
			t.Errorf("losing executor ranked result: %+v", res)
		}
	}

	if len(h.completedEvents()) != 0 {
		t.Errorf("losing executor published completion events: %d", len(h.completedEvents()))
	}
	if len(h.failedEvents()) != 0 {
		t.Errorf("losing executor published failure events: %d", len(h.failedEvents()))
	}
}

func TestExecuteOptimization_EarlyStop(t *testing.T) {
	h := newHarness(t, engine.NewStubBacktester(), true)
	ctx := context.Background()

	in := validConfig()
	in.EarlyStopEnabled = true
	in.EarlyStopPatience = 1
	in.MinImprovement = 1e6 // nothing counts as significant
	in.MaxConcurrentTests = 2

	run, err := h.orch.StartOptimization(ctx, in, testSpace())
	if err != nil {
		t.Fatalf("StartOptimization: %v", err)
	}
	if run.TotalCombinations <= 2*in.MaxConcurrentTests {
		t.Fatalf("space too small to trigger early stop: %d combinations", run.TotalCombinations)
	}

	if err := h.orch.ExecuteOptimization(ctx, run.ID); err != nil {
		t.Fatalf("ExecuteOptimization: %v", err)
	}

	final, err := h.runs.GetByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.Status != domain.RunStatusCompleted {
		t.Errorf("status = %s, want COMPLETED", final.Status)
	}
	if final.CombinationsTested >= run.TotalCombinations {
		t.Errorf("early stop did not trigger: tested %d of %d",
			final.CombinationsTested, run.TotalCombinations)
	}
	if len(h.completedEvents()) != 1 {
		t.Errorf("got %d completion events, want 1", len(h.completedEvents()))
	}
}

func TestGenerateCombinations_DeterministicPerRun(t *testing.T) {
	cfg, err := ResolveConfig(validConfig())
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	cfg.SearchMethod = domain.SearchRandom
	cfg.MaxCombinations = 8

	space := testSpace()
	first, err := generateCombinations("run-a", cfg, space)
	if err != nil {
		t.Fatalf("generateCombinations: %v", err)
	}
	second, err := generateCombinations("run-a", cfg, space)
	if err != nil {
		t.Fatalf("generateCombinations: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("regeneration changed size: %d vs %d", len(first), len(second))
	}
	for i := range first {
		for name, v := range first[i].Values {
			if second[i].Values[name] != v {
				t.Fatalf("combination %d differs on %s: %v vs %v", i, name, v, second[i].Values[name])
			}
		}
	}
	if !first[0].IsBaseline {
		t.Error("combination 0 is not the baseline")
	}
}
