// Package main runs one validation pipeline end to end on in-memory stores
// with the stub engines: optimization, historical backtest, live replay and
// paper trading, finishing with a deployment recommendation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"strategy-validation-lab/internal/domain"
	"strategy-validation-lab/internal/engine"
	"strategy-validation-lab/internal/events"
	"strategy-validation-lab/internal/optimizer"
	"strategy-validation-lab/internal/pipeline"
	"strategy-validation-lab/internal/queue"
	"strategy-validation-lab/internal/storage/memory"
)

func main() {
	verbose := flag.Bool("verbose", false, "Verbose output")
	maxCombinations := flag.Int("max-combinations", 40, "Combination cap for the parameter search")
	flag.Parse()

	logLevel := zerolog.WarnLevel
	if *verbose {
		logLevel = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(logLevel).With().Timestamp().Logger()

	ctx := context.Background()
	if err := run(ctx, logger, *maxCombinations); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger zerolog.Logger, maxCombinations int) error {
	resultStore := memory.NewResultStore()
	runStore := memory.NewRunStore(resultStore)
	pipelineStore := memory.NewPipelineStore()
	universeStore := memory.NewUniverseStore()
	windowStore := memory.NewWindowDetailStore()

	bus := events.NewMemoryBus()
	jobs := queue.NewMemoryQueue()
	backtester := engine.NewStubBacktester()
	lifecycle := engine.NewStubLifecycle()

	for i, symbol := range []string{"BTC", "ETH", "SOL", "BNB", "XRP", "ADA", "DOGE", "AVAX"} {
		err := universeStore.Upsert(ctx, domain.Asset{Symbol: symbol, MarketRank: i + 1, HasData: true})
		if err != nil {
			return fmt.Errorf("seed universe: %w", err)
		}
	}

	orch, err := optimizer.New(optimizer.Options{
		Runs:          runStore,
		Results:       resultStore,
		Universe:      universeStore,
		WindowDetails: windowStore,
		Queue:         jobs,
		Bus:           bus,
		Backtester:    backtester,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	machine, err := pipeline.New(pipeline.Options{
		Pipelines:   pipelineStore,
		Universe:    universeStore,
		Optimizer:   orch,
		Backtests:   lifecycle,
		PaperTrades: lifecycle,
		Scorer:      engine.NewStubScorer(),
		Regime:      &engine.StubRegimeDetector{Regime: "bull"},
		Bus:         bus,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	if err := machine.Subscribe(ctx); err != nil {
		return err
	}

	cfg := domain.OptimizationConfig{
		StrategyConfigID: "momentum-v1",
		SearchMethod:     domain.SearchGrid,
		Objective:        domain.ObjectiveSharpeRatio,
		MaxCombinations:  maxCombinations,
		StartDate:        time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:          time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
	}
	space := domain.ParameterSpace{
		StrategyType: "momentum",
		Parameters: []domain.ParameterDefinition{
			{Name: "lookback_days", Type: domain.ParamTypeInteger, Min: 10, Max: 60, Step: 10, Default: 30},
			{Name: "entry_threshold", Type: domain.ParamTypeFloat, Min: 0.01, Max: 0.05, Step: 0.01, Default: 0.02},
			{Name: "exit_mode", Type: domain.ParamTypeCategorical, Values: []interface{}{"trailing", "fixed"}, Default: "trailing"},
		},
		Constraints: []domain.ParameterConstraint{
			{Type: domain.ConstraintGreaterThan, Param1: "lookback_days", Value: 5},
		},
		Version: "1",
	}

	fmt.Println("=== Strategy Validation ===")

	p, err := machine.StartPipeline(ctx, cfg, space, domain.ProgressionRules{MinImprovementPct: 0.1})
	if err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	fmt.Printf("Pipeline %s started for %s\n", p.ID, p.StrategyConfigID)

	// The optimization job runs in-process. Its completion event drives the
	// machine forward synchronously on the memory bus.
	job, err := jobs.Dequeue(ctx)
	if err != nil {
		return fmt.Errorf("dequeue optimization job: %w", err)
	}
	fmt.Println("\n--- OPTIMIZE ---")
	if err := orch.ExecuteOptimization(ctx, job.RunID); err != nil {
		return fmt.Errorf("execute optimization: %w", err)
	}
	printRun(ctx, runStore, resultStore, job.RunID)

	// The remaining stages live in external engines in production; the stub
	// backtester completes them here.
	for i := 0; i < 8; i++ {
		p, err = pipelineStore.GetByID(ctx, p.ID)
		if err != nil {
			return err
		}
		if terminal(p.Status) {
			break
		}
		if err := completeStage(ctx, bus, backtester, lifecycle, p); err != nil {
			return err
		}
	}

	p, err = pipelineStore.GetByID(ctx, p.ID)
	if err != nil {
		return err
	}
	printPipeline(p)
	if p.Status == domain.PipelineStatusFailed {
		return fmt.Errorf("pipeline failed: %s", p.FailureReason)
	}
	return nil
}

// completeStage publishes the completion event the active external run would
// emit, with metrics from the stub backtester.
func completeStage(ctx context.Context, bus events.Bus, backtester engine.Backtester,
	lifecycle *engine.StubLifecycle, p *domain.Pipeline) error {

	switch p.CurrentStage {
	case domain.StageHistorical, domain.StageLiveReplay:
		req := lifecycle.Backtests[len(lifecycle.Backtests)-1]
		metrics, err := backtester.ExecuteBacktest(ctx, req.StrategyID, req.Parameters,
			req.StartDate, req.EndDate, req.Universe)
		if err != nil {
			return fmt.Errorf("%s backtest: %w", req.Type, err)
		}
		fmt.Printf("\n--- %s ---\n", p.CurrentStage)
		printMetrics(metrics)
		return bus.Publish(ctx, domain.TopicBacktestCompleted, domain.BacktestCompletedEvent{
			BacktestID: p.ActiveStageRef,
			PipelineID: p.ID,
			Type:       req.Type,
			Metrics:    metrics,
		})

	case domain.StagePaperTrade:
		req := lifecycle.Sessions[len(lifecycle.Sessions)-1]
		end := time.Now().UTC()
		metrics, err := backtester.ExecuteBacktest(ctx, req.StrategyID, req.Parameters,
			end.Add(-req.Duration), end, req.Universe)
		if err != nil {
			return fmt.Errorf("paper-trade simulation: %w", err)
		}
		fmt.Printf("\n--- %s ---\n", p.CurrentStage)
		printMetrics(metrics)
		return bus.Publish(ctx, domain.TopicPaperTradeCompleted, domain.PaperTradeCompletedEvent{
			SessionID:     p.ActiveStageRef,
			PipelineID:    p.ID,
			Metrics:       metrics,
			StoppedReason: "duration elapsed",
		})

	default:
		return fmt.Errorf("unexpected stage %s", p.CurrentStage)
	}
}

func terminal(s domain.PipelineStatus) bool {
	switch s {
	case domain.PipelineStatusCompleted, domain.PipelineStatusFailed, domain.PipelineStatusCancelled:
		return true
	}
	return false
}

func printRun(ctx context.Context, runs *memory.RunStore, results *memory.ResultStore, runID string) {
	run, err := runs.GetByID(ctx, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load run: %v\n", err)
		return
	}
	fmt.Printf("Run %s: %s, %d/%d combinations\n",
		run.ID, run.Status, run.CombinationsTested, run.TotalCombinations)
	if run.BestScore != nil {
		fmt.Printf("  best score:     %.4f\n", *run.BestScore)
	}
	if run.BaselineScore != nil {
		fmt.Printf("  baseline score: %.4f\n", *run.BaselineScore)
	}
	if run.Improvement != nil {
		fmt.Printf("  improvement:    %+.2f%%\n", *run.Improvement)
	}

	all, err := results.GetByRunID(ctx, runID)
	if err != nil {
		return
	}
	fmt.Println("  top results:")
	for _, res := range all {
		if res.Rank == 0 || res.Rank > 3 {
			continue
		}
		fmt.Printf("    #%d score=%.4f consistency=%.1f overfit=%d/%d params=%v\n",
			res.Rank, res.AvgTestScore, res.ConsistencyScore,
			res.OverfittingWindows, len(res.Windows), res.Parameters)
	}
}

func printMetrics(m domain.BacktestMetrics) {
	fmt.Printf("  sharpe=%.2f return=%+.1f%% drawdown=%.1f%% win=%.0f%% trades=%d\n",
		m.SharpeRatio, m.TotalReturn*100, m.MaxDrawdown*100, m.WinRate*100, m.TradeCount)
}

func printPipeline(p *domain.Pipeline) {
	fmt.Println("\n=== Result ===")
	fmt.Printf("Pipeline %s: %s\n", p.ID, p.Status)
	for _, stage := range []domain.Stage{domain.StageOptimize, domain.StageHistorical, domain.StageLiveReplay, domain.StagePaperTrade} {
		res := p.StageResultFor(stage)
		if res == nil {
			continue
		}
		verdict := "FAIL"
		if res.Passed {
			verdict = "PASS"
		}
		line := fmt.Sprintf("  %-11s %s", stage, verdict)
		if res.Score != nil {
			line += fmt.Sprintf("  score=%.2f", *res.Score)
		}
		if res.Improvement != nil {
			line += fmt.Sprintf("  improvement=%+.2f%%", *res.Improvement)
		}
		if res.Detail != "" {
			line += "  (" + res.Detail + ")"
		}
		fmt.Println(line)
	}
	if p.Recommendation != "" {
		fmt.Printf("Recommendation: %s\n", p.Recommendation)
	}
}
