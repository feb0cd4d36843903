package optimizer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"strategy-validation-lab/internal/domain"
	"strategy-validation-lab/internal/engine"
	"strategy-validation-lab/internal/events"
	"strategy-validation-lab/internal/observability"
	"strategy-validation-lab/internal/paramspace"
	"strategy-validation-lab/internal/queue"
	"strategy-validation-lab/internal/scoring"
	"strategy-validation-lab/internal/storage"
	"strategy-validation-lab/internal/walkforward"
)

// Sentinel errors returned by the orchestrator.
var (
	ErrNotCancellable = errors.New("run is not in a cancellable state")
	ErrEmptyUniverse  = errors.New("no assets with data in the evaluation universe")
	ErrNotRunnable    = errors.New("run is not pending execution")
)

// Options configures an Orchestrator. Runs, Results, Universe, Queue, Bus and
// Backtester are required; WindowDetails is optional and enables per-window
// archiving when set.
type Options struct {
	Runs          storage.OptimizationRunStore
	Results       storage.OptimizationResultStore
	Universe      storage.UniverseStore
	WindowDetails storage.WindowDetailStore

	Queue      queue.Queue
	Bus        events.Bus
	Backtester engine.Backtester

	UniverseSize int // defaults to DefaultUniverseSize

	Logger zerolog.Logger
}

// Orchestrator owns the optimization run lifecycle: it creates and enqueues
// runs, executes them batch by batch, and finalizes or cancels them. All
// status changes go through conditional updates so a concurrent watchdog can
// never be clobbered.
type Orchestrator struct {
	runs          storage.OptimizationRunStore
	results       storage.OptimizationResultStore
	universe      storage.UniverseStore
	windowDetails storage.WindowDetailStore

	queue      queue.Queue
	bus        events.Bus
	backtester engine.Backtester

	universeSize int
	log          zerolog.Logger
}

// New creates an Orchestrator from Options.
func New(opts Options) (*Orchestrator, error) {
	if opts.Runs == nil {
		return nil, errors.New("optimizer: run store is required")
	}
	if opts.Results == nil {
		return nil, errors.New("optimizer: result store is required")
	}
	if opts.Universe == nil {
		return nil, errors.New("optimizer: universe store is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("optimizer: queue is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("optimizer: event bus is required")
	}
	if opts.Backtester == nil {
		return nil, errors.New("optimizer: backtester is required")
	}
	if opts.UniverseSize == 0 {
		opts.UniverseSize = DefaultUniverseSize
	}

	return &Orchestrator{
		runs:          opts.Runs,
		results:       opts.Results,
		universe:      opts.Universe,
		windowDetails: opts.WindowDetails,
		queue:         opts.Queue,
		bus:           opts.Bus,
		backtester:    opts.Backtester,
		universeSize:  opts.UniverseSize,
		log:           opts.Logger.With().Str("component", "optimizer").Logger(),
	}, nil
}

// StartOptimization validates the config, generates the combination set to
// size the run, persists it as PENDING and enqueues it for a worker. The
// combinations themselves are regenerated at execution time from the run ID,
// so the worker does not need them persisted.
func (o *Orchestrator) StartOptimization(ctx context.Context, cfg domain.OptimizationConfig, space domain.ParameterSpace) (*domain.OptimizationRun, error) {
	resolved, err := ResolveConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := paramspace.ValidateSpace(space); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	runID := uuid.NewString()
	combos, err := generateCombinations(runID, resolved, space)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	run := &domain.OptimizationRun{
		ID:                 runID,
		StrategyConfigID:   resolved.StrategyConfigID,
		PipelineID:         resolved.PipelineID,
		Status:             domain.RunStatusPending,
		Config:             resolved,
		ParameterSpace:     space,
		BaselineParameters: paramspace.BaselineValues(space),
		TotalCombinations:  len(combos),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := o.runs.Insert(ctx, run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	job := queue.Job{
		ID:         runID,
		Kind:       queue.JobKindOptimization,
		RunID:      runID,
		EnqueuedAt: now,
	}
	if err := o.queue.Enqueue(ctx, job); err != nil {
		// Leave the PENDING row for the orphan watchdog to reap.
		return nil, fmt.Errorf("enqueue run %s: %w", runID, err)
	}

	o.log.Info().
		Str("run_id", runID).
		Str("strategy", resolved.StrategyConfigID).
		Str("search_method", string(resolved.SearchMethod)).
		Int("combinations", len(combos)).
		Msg("optimization run queued")
	return run, nil
}

// CancelOptimization cancels a PENDING or RUNNING run. The conditional status
// update is the cancellation signal: a RUNNING executor observes it at the
// next batch boundary and stops without further writes. For PENDING runs the
// queued job is removed as well.
func (o *Orchestrator) CancelOptimization(ctx context.Context, runID string) error {
	won, err := o.runs.UpdateStatusIf(ctx, runID,
		[]domain.RunStatus{domain.RunStatusPending, domain.RunStatusRunning},
		domain.RunStatusCancelled, "")
	if err != nil {
		return fmt.Errorf("cancel run %s: %w", runID, err)
	}
	if !won {
		return fmt.Errorf("cancel run %s: %w", runID, ErrNotCancellable)
	}

	if _, err := o.queue.Remove(ctx, runID); err != nil {
		o.log.Warn().Err(err).Str("run_id", runID).Msg("failed to remove cancelled run from queue")
	}

	observability.RecordRunFinished(string(domain.RunStatusCancelled))
	o.log.Info().Str("run_id", runID).Msg("optimization run cancelled")
	return nil
}

// ExecuteOptimization runs a queued optimization to completion. It is the
// worker entry point: the PENDING to RUNNING transition claims the run, so
// duplicate deliveries of the same job are harmless.
func (o *Orchestrator) ExecuteOptimization(ctx context.Context, runID string) (err error) {
	run, err := o.runs.GetByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}

	won, err := o.runs.UpdateStatusIf(ctx, runID,
		[]domain.RunStatus{domain.RunStatusPending}, domain.RunStatusRunning, "")
	if err != nil {
		return fmt.Errorf("claim run %s: %w", runID, err)
	}
	if !won {
		o.log.Warn().Str("run_id", runID).Str("status", string(run.Status)).
			Msg("run not pending, skipping execution")
		return fmt.Errorf("run %s: %w", runID, ErrNotRunnable)
	}

	observability.RecordRunStarted()
	observability.DefaultMetrics.RunsInFlight.Inc()
	defer observability.DefaultMetrics.RunsInFlight.Dec()

	defer func() {
		if r := recover(); r != nil {
			o.failRun(context.WithoutCancel(ctx), run, fmt.Sprintf("panic: %v", r))
			panic(r)
		}
	}()

	if err := o.execute(ctx, run); err != nil {
		o.failRun(context.WithoutCancel(ctx), run, err.Error())
		return err
	}
	return nil
}

// execute is the claimed-run body: universe and window setup, the batch loop,
// and finalization.
func (o *Orchestrator) execute(ctx context.Context, run *domain.OptimizationRun) error {
	cfg := run.Config
	log := o.log.With().Str("run_id", run.ID).Logger()

	assets, err := o.universe.TopByMarketRank(ctx, o.universeSize)
	if err != nil {
		return fmt.Errorf("load universe: %w", err)
	}
	if len(assets) == 0 {
		return ErrEmptyUniverse
	}
	universe := make([]string, len(assets))
	for i, a := range assets {
		universe[i] = a.Symbol
	}

	windows, err := walkforward.GenerateWindows(cfg.StartDate, cfg.EndDate,
		cfg.TrainDays, cfg.TestDays, cfg.StepDays, cfg.WalkForwardMethod)
	if err != nil {
		return err
	}
	if len(windows) < cfg.MinWindows {
		return fmt.Errorf("date range yields %d walk-forward windows, need at least %d",
			len(windows), cfg.MinWindows)
	}

	combos, err := generateCombinations(run.ID, cfg, run.ParameterSpace)
	if err != nil {
		return err
	}

	log.Info().
		Int("combinations", len(combos)).
		Int("windows", len(windows)).
		Int("universe", len(universe)).
		Msg("starting optimization")

	startedAt := time.Now()
	var (
		tested        int
		bestScore     *float64
		bestParams    map[string]interface{}
		baselineScore *float64
		patience      int
	)

	for off := 0; off < len(combos); off += cfg.MaxConcurrentTests {
		// A cancellation won elsewhere ends the run here, with no further
		// writes from this executor.
		current, err := o.runs.GetByID(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("refresh run: %w", err)
		}
		if current.Status != domain.RunStatusRunning {
			log.Info().Str("status", string(current.Status)).
				Msg("run no longer running, stopping execution")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		end := off + cfg.MaxConcurrentTests
		if end > len(combos) {
			end = len(combos)
		}
		batch := combos[off:end]

		batchStart := time.Now()
		batchResults, err := o.evaluateBatch(ctx, run, batch, windows, universe)
		if err != nil {
			return err
		}
		observability.RecordBatch(len(batchResults), time.Since(batchStart).Seconds())

		tested += len(batchResults)

		improved := false
		for _, res := range batchResults {
			observability.RecordOverfittingWindows(res.OverfittingWindows)
			if res.IsBaseline {
				s := res.AvgTestScore
				baselineScore = &s
			}
			if bestScore == nil || res.AvgTestScore > *bestScore {
				if bestScore == nil || res.AvgTestScore-*bestScore >= cfg.MinImprovement {
					improved = true
				}
				s := res.AvgTestScore
				bestScore = &s
				bestParams = res.Parameters
			}
		}
		if improved {
			patience = 0
		} else {
			patience++
		}

		update := domain.RunBatchUpdate{
			CombinationsTested: tested,
			BestScore:          bestScore,
			BestParameters:     bestParams,
			BaselineScore:      baselineScore,
			PatienceCount:      patience,
			ETA:                estimateETA(startedAt, tested, len(combos)),
		}
		if err := o.runs.CommitBatch(ctx, run.ID, batchResults, update); err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}

		o.archiveWindows(ctx, run.ID, batchResults)

		log.Debug().
			Int("tested", tested).
			Int("total", len(combos)).
			Int("patience", patience).
			Msg("batch committed")

		if cfg.EarlyStopEnabled && patience >= cfg.EarlyStopPatience {
			observability.DefaultMetrics.EarlyStops.Inc()
			log.Info().Int("tested", tested).Int("patience", patience).
				Msg("early stopping, no significant improvement")
			break
		}
	}

	return o.finalize(ctx, run, bestScore, bestParams, baselineScore)
}

// evaluateBatch scores each combination of the batch concurrently. Within a
// combination the windows run sequentially, train then test, so concurrency
// is bounded by the batch size alone.
func (o *Orchestrator) evaluateBatch(ctx context.Context, run *domain.OptimizationRun,
	batch []domain.ParameterCombination, windows []domain.WalkForwardWindow, universe []string) ([]*domain.OptimizationResult, error) {

	results := make([]*domain.OptimizationResult, len(batch))
	errs := make([]error, len(batch))

	var wg sync.WaitGroup
	for i, combo := range batch {
		wg.Add(1)
		go func(i int, combo domain.ParameterCombination) {
			defer wg.Done()
			res, err := o.evaluateCombination(ctx, run, combo, windows, universe)
			if err != nil {
				errs[i] = fmt.Errorf("combination %d: %w", combo.Index, err)
				return
			}
			results[i] = res
		}(i, combo)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return results, nil
}

// evaluateCombination backtests one combination across every window and
// aggregates the per-window scores into an OptimizationResult.
func (o *Orchestrator) evaluateCombination(ctx context.Context, run *domain.OptimizationRun,
	combo domain.ParameterCombination, windows []domain.WalkForwardWindow, universe []string) (*domain.OptimizationResult, error) {

	cfg := run.Config
	windowResults := make([]domain.WindowResult, 0, len(windows))
	testScores := make([]float64, 0, len(windows))

	var sumTrain, sumTest, sumDegradation float64
	overfitting := 0

	for _, w := range windows {
		trainMetrics, err := o.backtester.ExecuteBacktest(ctx, run.StrategyConfigID,
			combo.Values, w.TrainStartDate, w.TrainEndDate, universe)
		if err != nil {
			return nil, fmt.Errorf("train window %d: %w", w.WindowIndex, err)
		}
		testMetrics, err := o.backtester.ExecuteBacktest(ctx, run.StrategyConfigID,
			combo.Values, w.TestStartDate, w.TestEndDate, universe)
		if err != nil {
			return nil, fmt.Errorf("test window %d: %w", w.WindowIndex, err)
		}

		trainScore := scoring.ObjectiveScore(cfg.Objective, trainMetrics, cfg.CompositeWeights)
		testScore := scoring.ObjectiveScore(cfg.Objective, testMetrics, cfg.CompositeWeights)
		assessment := walkforward.ProcessWindow(trainMetrics, testMetrics)

		if assessment.Overfitting {
			overfitting++
		}
		sumTrain += trainScore
		sumTest += testScore
		sumDegradation += assessment.Degradation
		testScores = append(testScores, testScore)

		windowResults = append(windowResults, domain.WindowResult{
			WindowIndex: w.WindowIndex,
			TrainStart:  w.TrainStartDate,
			TrainEnd:    w.TrainEndDate,
			TestStart:   w.TestStartDate,
			TestEnd:     w.TestEndDate,
			TrainScore:  trainScore,
			TestScore:   testScore,
			Degradation: assessment.Degradation,
			Overfitting: assessment.Overfitting,
		})
	}

	n := float64(len(windows))
	return &domain.OptimizationResult{
		ID:                 uuid.NewString(),
		RunID:              run.ID,
		CombinationIndex:   combo.Index,
		Parameters:         combo.Values,
		AvgTrainScore:      sumTrain / n,
		AvgTestScore:       sumTest / n,
		AvgDegradation:     sumDegradation / n,
		ConsistencyScore:   scoring.ConsistencyScore(testScores),
		OverfittingWindows: overfitting,
		Windows:            windowResults,
		IsBaseline:         combo.IsBaseline,
		CreatedAt:          time.Now().UTC(),
	}, nil
}

// finalize claims the terminal transition, then ranks the results, records
// the improvement over baseline and publishes the completion event. The CAS
// comes first so an executor that loses to a concurrent cancel writes nothing
// at all.
func (o *Orchestrator) finalize(ctx context.Context, run *domain.OptimizationRun,
	bestScore *float64, bestParams map[string]interface{}, baselineScore *float64) error {

	won, err := o.runs.UpdateStatusIf(ctx, run.ID,
		[]domain.RunStatus{domain.RunStatusRunning}, domain.RunStatusCompleted, "")
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if !won {
		// Cancelled or failed by another actor between the last batch and
		// here. Their terminal state stands; no event from us.
		o.log.Warn().Str("run_id", run.ID).Msg("lost completion transition")
		return nil
	}

	if err := o.results.AssignRanks(ctx, run.ID); err != nil {
		return fmt.Errorf("assign ranks: %w", err)
	}

	improvement := 0.0
	if bestScore != nil && baselineScore != nil && *baselineScore != 0 {
		improvement = (*bestScore - *baselineScore) / abs(*baselineScore) * 100
	}
	if err := o.runs.SetImprovement(ctx, run.ID, improvement); err != nil {
		return fmt.Errorf("record improvement: %w", err)
	}

	observability.RecordRunFinished(string(domain.RunStatusCompleted))

	event := domain.OptimizationCompletedEvent{
		RunID:            run.ID,
		StrategyConfigID: run.StrategyConfigID,
		PipelineID:       run.PipelineID,
		BestParameters:   bestParams,
		Improvement:      improvement,
	}
	if bestScore != nil {
		event.BestScore = *bestScore
	}
	if err := o.bus.Publish(ctx, domain.TopicOptimizationCompleted, event); err != nil {
		o.log.Error().Err(err).Str("run_id", run.ID).Msg("failed to publish completion event")
	}

	o.log.Info().
		Str("run_id", run.ID).
		Float64("improvement_pct", improvement).
		Msg("optimization run completed")
	return nil
}

// failRun marks the run FAILED and publishes the failure event if this caller
// won the transition.
func (o *Orchestrator) failRun(ctx context.Context, run *domain.OptimizationRun, reason string) {
	won, err := o.runs.UpdateStatusIf(ctx, run.ID,
		[]domain.RunStatus{domain.RunStatusPending, domain.RunStatusRunning},
		domain.RunStatusFailed, reason)
	if err != nil {
		o.log.Error().Err(err).Str("run_id", run.ID).Msg("failed to mark run FAILED")
		return
	}
	if !won {
		return
	}

	observability.RecordRunFinished(string(domain.RunStatusFailed))

	event := domain.OptimizationFailedEvent{
		RunID:      run.ID,
		PipelineID: run.PipelineID,
		Reason:     reason,
	}
	if err := o.bus.Publish(ctx, domain.TopicOptimizationFailed, event); err != nil {
		o.log.Error().Err(err).Str("run_id", run.ID).Msg("failed to publish failure event")
	}

	o.log.Error().Str("run_id", run.ID).Str("reason", reason).Msg("optimization run failed")
}

// archiveWindows writes per-window detail for analytics. Best effort: a
// failure here never fails the run.
func (o *Orchestrator) archiveWindows(ctx context.Context, runID string, results []*domain.OptimizationResult) {
	if o.windowDetails == nil {
		return
	}
	for _, res := range results {
		if err := o.windowDetails.InsertBatch(ctx, runID, res.CombinationIndex, res.Windows); err != nil {
			o.log.Warn().Err(err).
				Str("run_id", runID).
				Int("combination", res.CombinationIndex).
				Msg("failed to archive window details")
		}
	}
}

// generateCombinations expands the parameter space deterministically from the
// run ID, so the executing worker reproduces exactly the combination set the
// run was sized with, in the same order, without persisting it.
func generateCombinations(runID string, cfg domain.OptimizationConfig, space domain.ParameterSpace) ([]domain.ParameterCombination, error) {
	gen := paramspace.NewGenerator(seedFor(runID))

	var combos []domain.ParameterCombination
	switch cfg.SearchMethod {
	case domain.SearchRandom:
		combos = gen.GenerateRandomCombinations(space, cfg.MaxCombinations)
	default:
		combos = gen.GenerateCombinations(space, cfg.MaxCombinations)
	}
	if len(combos) == 0 {
		return nil, errors.New("parameter space produced no combinations")
	}
	return combos, nil
}

// seedFor derives a stable RNG seed from a run ID.
func seedFor(runID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(runID))
	return int64(h.Sum64())
}

// estimateETA extrapolates the completion time from batch throughput so far.
func estimateETA(startedAt time.Time, tested, total int) *time.Time {
	if tested == 0 || tested >= total {
		return nil
	}
	elapsed := time.Since(startedAt)
	perCombination := elapsed / time.Duration(tested)
	eta := time.Now().Add(perCombination * time.Duration(total-tested)).UTC()
	return &eta
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
