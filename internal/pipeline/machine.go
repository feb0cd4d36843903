package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"strategy-validation-lab/internal/domain"
	"strategy-validation-lab/internal/engine"
	"strategy-validation-lab/internal/events"
	"strategy-validation-lab/internal/observability"
	"strategy-validation-lab/internal/storage"
)

// Sentinel errors returned by the machine.
var (
	ErrNotPausable    = errors.New("pipeline is not in a pausable state")
	ErrNotResumable   = errors.New("pipeline is not paused")
	ErrNotCancellable = errors.New("pipeline is not in a cancellable state")
	ErrNotSkippable   = errors.New("pipeline stage cannot be skipped")
)

// liveReplayDays is the trailing slice of the configured range replayed
// against recent market data in the LIVE_REPLAY stage.
const liveReplayDays = 30

// defaultPaperTradeDuration bounds a paper-trading session when the external
// engine does not stop it earlier.
const defaultPaperTradeDuration = 7 * 24 * time.Hour

// OptimizationService is the slice of the optimizer the machine drives.
type OptimizationService interface {
	StartOptimization(ctx context.Context, cfg domain.OptimizationConfig, space domain.ParameterSpace) (*domain.OptimizationRun, error)
	CancelOptimization(ctx context.Context, runID string) error
}

// Options configures a Machine. All fields except Logger are required.
type Options struct {
	Pipelines storage.PipelineStore
	Universe  storage.UniverseStore

	Optimizer   OptimizationService
	Backtests   engine.BacktestService
	PaperTrades engine.PaperTradeService
	Scorer      engine.Scorer
	Regime      engine.RegimeDetector

	Bus events.Bus

	UniverseSize int

	Logger zerolog.Logger
}

// Machine is the validation pipeline state machine. It never mutates a
// pipeline in memory: every transition is a conditional store update, so
// duplicate events and concurrent watchdogs cannot double-transition.
type Machine struct {
	pipelines storage.PipelineStore
	universe  storage.UniverseStore

	optimizer   OptimizationService
	backtests   engine.BacktestService
	paperTrades engine.PaperTradeService
	scorer      engine.Scorer
	regime      engine.RegimeDetector

	bus events.Bus

	universeSize int
	log          zerolog.Logger
}

// New creates a Machine from Options.
func New(opts Options) (*Machine, error) {
	if opts.Pipelines == nil {
		return nil, errors.New("pipeline: store is required")
	}
	if opts.Universe == nil {
		return nil, errors.New("pipeline: universe store is required")
	}
	if opts.Optimizer == nil {
		return nil, errors.New("pipeline: optimization service is required")
	}
	if opts.Backtests == nil {
		return nil, errors.New("pipeline: backtest service is required")
	}
	if opts.PaperTrades == nil {
		return nil, errors.New("pipeline: paper-trade service is required")
	}
	if opts.Scorer == nil {
		return nil, errors.New("pipeline: scorer is required")
	}
	if opts.Regime == nil {
		return nil, errors.New("pipeline: regime detector is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("pipeline: event bus is required")
	}
	if opts.UniverseSize == 0 {
		opts.UniverseSize = 50
	}

	return &Machine{
		pipelines:    opts.Pipelines,
		universe:     opts.Universe,
		optimizer:    opts.Optimizer,
		backtests:    opts.Backtests,
		paperTrades:  opts.PaperTrades,
		scorer:       opts.Scorer,
		regime:       opts.Regime,
		bus:          opts.Bus,
		universeSize: opts.UniverseSize,
		log:          opts.Logger.With().Str("component", "pipeline").Logger(),
	}, nil
}

// Subscribe wires the machine's event handlers onto the bus.
func (m *Machine) Subscribe(ctx context.Context) error {
	subs := map[string]events.Handler{
		domain.TopicOptimizationCompleted: m.handleOptimizationCompleted,
		domain.TopicOptimizationFailed:    m.handleOptimizationFailed,
		domain.TopicBacktestCompleted:     m.handleBacktestCompleted,
		domain.TopicPaperTradeCompleted:   m.handlePaperTradeCompleted,
	}
	for topic, h := range subs {
		if err := m.bus.Subscribe(ctx, topic, h); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// StartPipeline creates a pipeline, transitions it to RUNNING and kicks off
// the OPTIMIZE stage. The parameter space is consumed at start; later stages
// only need the optimized parameters the OPTIMIZE stage persists.
func (m *Machine) StartPipeline(ctx context.Context, cfg domain.OptimizationConfig, space domain.ParameterSpace, rules domain.ProgressionRules) (*domain.Pipeline, error) {
	now := time.Now().UTC()
	p := &domain.Pipeline{
		ID:                 uuid.NewString(),
		StrategyConfigID:   cfg.StrategyConfigID,
		Status:             domain.PipelineStatusPending,
		CurrentStage:       domain.StageOptimize,
		OptimizationConfig: cfg,
		Rules:              ResolveRules(rules),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := m.pipelines.Insert(ctx, p); err != nil {
		return nil, fmt.Errorf("persist pipeline: %w", err)
	}

	won, err := m.pipelines.UpdateStatusIf(ctx, p.ID,
		[]domain.PipelineStatus{domain.PipelineStatusPending}, domain.PipelineStatusRunning, "")
	if err != nil || !won {
		return nil, fmt.Errorf("activate pipeline %s: won=%v: %w", p.ID, won, err)
	}

	cfg.PipelineID = p.ID
	run, err := m.optimizer.StartOptimization(ctx, cfg, space)
	if err != nil {
		m.failPipeline(ctx, p.ID, fmt.Sprintf("start optimization: %v", err))
		return nil, fmt.Errorf("start optimization: %w", err)
	}
	if err := m.pipelines.SetStage(ctx, p.ID, domain.StageOptimize, run.ID); err != nil {
		return nil, fmt.Errorf("record optimize stage: %w", err)
	}

	m.log.Info().
		Str("pipeline_id", p.ID).
		Str("run_id", run.ID).
		Str("strategy", cfg.StrategyConfigID).
		Msg("pipeline started")

	return m.pipelines.GetByID(ctx, p.ID)
}

// PausePipeline pauses a RUNNING pipeline. A running optimization is left to
// finish; its advancement is withheld until resume. Paper-trading sessions
// are paused in the external engine as well.
func (m *Machine) PausePipeline(ctx context.Context, pipelineID string) error {
	p, err := m.pipelines.GetByID(ctx, pipelineID)
	if err != nil {
		return err
	}

	won, err := m.pipelines.UpdateStatusIf(ctx, pipelineID,
		[]domain.PipelineStatus{domain.PipelineStatusRunning}, domain.PipelineStatusPaused, "")
	if err != nil {
		return fmt.Errorf("pause pipeline %s: %w", pipelineID, err)
	}
	if !won {
		return fmt.Errorf("pause pipeline %s: %w", pipelineID, ErrNotPausable)
	}

	if p.CurrentStage == domain.StagePaperTrade && p.ActiveStageRef != "" {
		if err := m.paperTrades.PauseSession(ctx, p.ActiveStageRef); err != nil {
			m.log.Warn().Err(err).Str("pipeline_id", pipelineID).
				Msg("failed to pause paper-trading session")
		}
	}

	m.log.Info().Str("pipeline_id", pipelineID).Str("stage", string(p.CurrentStage)).
		Msg("pipeline paused")
	return nil
}

// ResumePipeline resumes a PAUSED pipeline, performing any stage advancement
// withheld while paused.
func (m *Machine) ResumePipeline(ctx context.Context, pipelineID string) error {
	won, err := m.pipelines.UpdateStatusIf(ctx, pipelineID,
		[]domain.PipelineStatus{domain.PipelineStatusPaused}, domain.PipelineStatusRunning, "")
	if err != nil {
		return fmt.Errorf("resume pipeline %s: %w", pipelineID, err)
	}
	if !won {
		return fmt.Errorf("resume pipeline %s: %w", pipelineID, ErrNotResumable)
	}

	p, err := m.pipelines.GetByID(ctx, pipelineID)
	if err != nil {
		return err
	}

	if p.CurrentStage == domain.StagePaperTrade && p.ActiveStageRef != "" {
		if err := m.paperTrades.ResumeSession(ctx, p.ActiveStageRef); err != nil {
			m.log.Warn().Err(err).Str("pipeline_id", pipelineID).
				Msg("failed to resume paper-trading session")
		}
	}

	if p.PendingAdvance {
		if err := m.pipelines.SetPendingAdvance(ctx, pipelineID, false); err != nil {
			return fmt.Errorf("clear pending advance: %w", err)
		}
		m.advanceFrom(ctx, p, p.CurrentStage)
	}

	m.log.Info().Str("pipeline_id", pipelineID).Msg("pipeline resumed")
	return nil
}

// CancelPipeline cancels a pipeline and propagates the cancellation to
// whatever external run is active for the current stage.
func (m *Machine) CancelPipeline(ctx context.Context, pipelineID string) error {
	p, err := m.pipelines.GetByID(ctx, pipelineID)
	if err != nil {
		return err
	}

	won, err := m.pipelines.UpdateStatusIf(ctx, pipelineID,
		[]domain.PipelineStatus{domain.PipelineStatusPending, domain.PipelineStatusRunning, domain.PipelineStatusPaused},
		domain.PipelineStatusCancelled, "")
	if err != nil {
		return fmt.Errorf("cancel pipeline %s: %w", pipelineID, err)
	}
	if !won {
		return fmt.Errorf("cancel pipeline %s: %w", pipelineID, ErrNotCancellable)
	}

	m.cancelActiveStage(ctx, p)
	observability.RecordPipelineFinished(string(domain.PipelineStatusCancelled))
	m.log.Info().Str("pipeline_id", pipelineID).Str("stage", string(p.CurrentStage)).
		Msg("pipeline cancelled")
	return nil
}

// SkipStage advances a RUNNING pipeline past its current stage without a gate
// check. Explicit operator action; the skipped stage records no result.
func (m *Machine) SkipStage(ctx context.Context, pipelineID string) error {
	p, err := m.pipelines.GetByID(ctx, pipelineID)
	if err != nil {
		return err
	}
	if p.Status != domain.PipelineStatusRunning {
		return fmt.Errorf("skip stage on pipeline %s: %w", pipelineID, ErrNotSkippable)
	}

	m.cancelActiveStage(ctx, p)
	m.log.Info().Str("pipeline_id", pipelineID).Str("stage", string(p.CurrentStage)).
		Msg("stage skipped by operator")
	m.advanceFrom(ctx, p, p.CurrentStage)
	return nil
}

// cancelActiveStage forwards a cancellation to the external run driving the
// current stage. Best effort.
func (m *Machine) cancelActiveStage(ctx context.Context, p *domain.Pipeline) {
	if p.ActiveStageRef == "" {
		return
	}

	var err error
	switch p.CurrentStage {
	case domain.StageOptimize:
		err = m.optimizer.CancelOptimization(ctx, p.ActiveStageRef)
	case domain.StageHistorical, domain.StageLiveReplay:
		err = m.backtests.CancelBacktest(ctx, p.ActiveStageRef)
	case domain.StagePaperTrade:
		err = m.paperTrades.CancelSession(ctx, p.ActiveStageRef)
	}
	if err != nil {
		m.log.Warn().Err(err).
			Str("pipeline_id", p.ID).
			Str("stage", string(p.CurrentStage)).
			Str("ref", p.ActiveStageRef).
			Msg("failed to cancel active stage run")
	}
}

// handleOptimizationCompleted gates the OPTIMIZE stage on improvement over
// baseline and advances to HISTORICAL.
func (m *Machine) handleOptimizationCompleted(ctx context.Context, payload []byte) {
	var ev domain.OptimizationCompletedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		m.log.Error().Err(err).Msg("malformed optimization completion event")
		return
	}
	if ev.PipelineID == "" {
		return // standalone run, not pipeline-owned
	}

	p, ok := m.eventTarget(ctx, ev.PipelineID, domain.StageOptimize, ev.RunID)
	if !ok {
		return
	}

	passed := ev.Improvement >= p.Rules.MinImprovementPct
	score := ev.BestScore
	improvement := ev.Improvement
	result := &domain.StageResult{
		Stage:       domain.StageOptimize,
		Passed:      passed,
		Score:       &score,
		Improvement: &improvement,
		CompletedAt: time.Now().UTC(),
	}
	if !passed {
		result.Detail = fmt.Sprintf("improvement %.2f%% below required %.2f%%",
			ev.Improvement, p.Rules.MinImprovementPct)
	}
	if err := m.pipelines.SetStageResult(ctx, p.ID, result); err != nil {
		m.log.Error().Err(err).Str("pipeline_id", p.ID).Msg("failed to record stage result")
		return
	}
	observability.RecordStageResult(string(domain.StageOptimize), passed)

	if !passed {
		m.failPipeline(ctx, p.ID, result.Detail)
		return
	}

	if err := m.pipelines.SetOptimizedParameters(ctx, p.ID, ev.BestParameters); err != nil {
		m.log.Error().Err(err).Str("pipeline_id", p.ID).Msg("failed to store optimized parameters")
		return
	}

	m.advanceOrHold(ctx, p.ID, domain.StageOptimize)
}

// handleOptimizationFailed fails the owning pipeline.
func (m *Machine) handleOptimizationFailed(ctx context.Context, payload []byte) {
	var ev domain.OptimizationFailedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		m.log.Error().Err(err).Msg("malformed optimization failure event")
		return
	}
	if ev.PipelineID == "" {
		return
	}
	if _, ok := m.eventTarget(ctx, ev.PipelineID, domain.StageOptimize, ev.RunID); !ok {
		return
	}
	m.failPipeline(ctx, ev.PipelineID, fmt.Sprintf("optimization failed: %s", ev.Reason))
}

// handleBacktestCompleted processes HISTORICAL and LIVE_REPLAY completions.
func (m *Machine) handleBacktestCompleted(ctx context.Context, payload []byte) {
	var ev domain.BacktestCompletedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		m.log.Error().Err(err).Msg("malformed backtest completion event")
		return
	}

	stage := domain.StageHistorical
	if ev.Type == domain.BacktestLiveReplay {
		stage = domain.StageLiveReplay
	}
	p, ok := m.eventTarget(ctx, ev.PipelineID, stage, ev.BacktestID)
	if !ok {
		return
	}

	switch stage {
	case domain.StageHistorical:
		m.completeHistorical(ctx, p, ev.Metrics)
	case domain.StageLiveReplay:
		m.completeLiveReplay(ctx, p, ev.Metrics)
	}
}

// completeHistorical records the baseline metrics and always advances; the
// quality gate comes after LIVE_REPLAY.
func (m *Machine) completeHistorical(ctx context.Context, p *domain.Pipeline, metrics domain.BacktestMetrics) {
	result := &domain.StageResult{
		Stage:       domain.StageHistorical,
		Passed:      true,
		Metrics:     &metrics,
		Detail:      "baseline recorded",
		CompletedAt: time.Now().UTC(),
	}
	if err := m.pipelines.SetStageResult(ctx, p.ID, result); err != nil {
		m.log.Error().Err(err).Str("pipeline_id", p.ID).Msg("failed to record stage result")
		return
	}
	observability.RecordStageResult(string(domain.StageHistorical), true)
	m.advanceOrHold(ctx, p.ID, domain.StageHistorical)
}

// completeLiveReplay computes the combined validation score against the
// historical baseline and gates on the configured minimum, inclusive.
func (m *Machine) completeLiveReplay(ctx context.Context, p *domain.Pipeline, metrics domain.BacktestMetrics) {
	degradation := 0.0
	if hist := p.StageResultFor(domain.StageHistorical); hist != nil && hist.Metrics != nil && hist.Metrics.TotalReturn != 0 {
		degradation = (hist.Metrics.TotalReturn - metrics.TotalReturn) / abs(hist.Metrics.TotalReturn) * 100
	}

	opts := engine.ScoreOptions{}
	if regime, err := m.regime.GetCurrentRegime(ctx, m.regimeAsset(ctx)); err != nil {
		m.log.Warn().Err(err).Str("pipeline_id", p.ID).
			Msg("market regime unavailable, scoring without modifier")
	} else {
		opts.MarketRegime = regime
	}

	breakdown, err := m.scorer.CalculateScore(ctx, metrics, degradation, opts)
	if err != nil {
		m.failPipeline(ctx, p.ID, fmt.Sprintf("validation scoring failed: %v", err))
		return
	}

	passed := breakdown.OverallScore >= p.Rules.MinLiveReplayScore
	score := breakdown.OverallScore
	result := &domain.StageResult{
		Stage:       domain.StageLiveReplay,
		Passed:      passed,
		Score:       &score,
		Metrics:     &metrics,
		Detail:      fmt.Sprintf("grade %s", breakdown.Grade),
		CompletedAt: time.Now().UTC(),
	}
	if !passed {
		result.Detail = fmt.Sprintf("score %.2f below required %.2f", score, p.Rules.MinLiveReplayScore)
	}
	if err := m.pipelines.SetStageResult(ctx, p.ID, result); err != nil {
		m.log.Error().Err(err).Str("pipeline_id", p.ID).Msg("failed to record stage result")
		return
	}
	observability.RecordStageResult(string(domain.StageLiveReplay), passed)

	if !passed {
		m.failPipeline(ctx, p.ID, result.Detail)
		return
	}
	m.advanceOrHold(ctx, p.ID, domain.StageLiveReplay)
}

// handlePaperTradeCompleted applies the per-metric thresholds and completes
// or fails the pipeline.
func (m *Machine) handlePaperTradeCompleted(ctx context.Context, payload []byte) {
	var ev domain.PaperTradeCompletedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		m.log.Error().Err(err).Msg("malformed paper-trade completion event")
		return
	}

	p, ok := m.eventTarget(ctx, ev.PipelineID, domain.StagePaperTrade, ev.SessionID)
	if !ok {
		return
	}

	passed, reason := paperTradeGate(p.Rules, ev.Metrics)
	result := &domain.StageResult{
		Stage:       domain.StagePaperTrade,
		Passed:      passed,
		Metrics:     &ev.Metrics,
		Detail:      reason,
		CompletedAt: time.Now().UTC(),
	}
	if err := m.pipelines.SetStageResult(ctx, p.ID, result); err != nil {
		m.log.Error().Err(err).Str("pipeline_id", p.ID).Msg("failed to record stage result")
		return
	}
	observability.RecordStageResult(string(domain.StagePaperTrade), passed)

	if !passed {
		m.failPipeline(ctx, p.ID, fmt.Sprintf("paper trading failed: %s", reason))
		return
	}
	m.advanceOrHold(ctx, p.ID, domain.StagePaperTrade)
}

// eventTarget loads and screens the pipeline an event addresses. Duplicate or
// stale events fail the screen and are dropped, which is what makes the
// handlers idempotent.
func (m *Machine) eventTarget(ctx context.Context, pipelineID string, stage domain.Stage, ref string) (*domain.Pipeline, bool) {
	p, err := m.pipelines.GetByID(ctx, pipelineID)
	if err != nil {
		m.log.Warn().Err(err).Str("pipeline_id", pipelineID).Msg("event for unknown pipeline")
		return nil, false
	}
	if p.Status != domain.PipelineStatusRunning && p.Status != domain.PipelineStatusPaused {
		return nil, false
	}
	if p.CurrentStage != stage || p.ActiveStageRef != ref {
		return nil, false
	}
	if res := p.StageResultFor(stage); res != nil {
		return nil, false // already processed
	}
	return p, true
}

// advanceOrHold advances past a completed stage, or withholds the advancement
// when the pipeline is paused.
func (m *Machine) advanceOrHold(ctx context.Context, pipelineID string, stage domain.Stage) {
	p, err := m.pipelines.GetByID(ctx, pipelineID)
	if err != nil {
		m.log.Error().Err(err).Str("pipeline_id", pipelineID).Msg("failed to reload pipeline")
		return
	}
	if p.Status == domain.PipelineStatusPaused {
		if err := m.pipelines.SetPendingAdvance(ctx, pipelineID, true); err != nil {
			m.log.Error().Err(err).Str("pipeline_id", pipelineID).Msg("failed to withhold advancement")
		}
		return
	}
	m.advanceFrom(ctx, p, stage)
}

// advanceFrom starts the stage following the given one, or completes the
// pipeline after PAPER_TRADE.
func (m *Machine) advanceFrom(ctx context.Context, p *domain.Pipeline, stage domain.Stage) {
	switch domain.NextStage(stage) {
	case domain.StageHistorical:
		m.startBacktestStage(ctx, p, domain.StageHistorical)
	case domain.StageLiveReplay:
		m.startBacktestStage(ctx, p, domain.StageLiveReplay)
	case domain.StagePaperTrade:
		m.startPaperTrade(ctx, p)
	default:
		m.completePipeline(ctx, p)
	}
}

// startBacktestStage kicks off a HISTORICAL or LIVE_REPLAY backtest with the
// optimized parameters. LIVE_REPLAY covers only the trailing slice of the
// configured range.
func (m *Machine) startBacktestStage(ctx context.Context, p *domain.Pipeline, stage domain.Stage) {
	universe, err := m.universeSymbols(ctx)
	if err != nil {
		m.failPipeline(ctx, p.ID, fmt.Sprintf("load universe: %v", err))
		return
	}

	cfg := p.OptimizationConfig
	req := engine.BacktestRequest{
		StrategyID: p.StrategyConfigID,
		PipelineID: p.ID,
		Parameters: p.OptimizedParameters,
		StartDate:  cfg.StartDate,
		EndDate:    cfg.EndDate,
		Universe:   universe,
	}
	if stage == domain.StageLiveReplay {
		req.Type = domain.BacktestLiveReplay
		req.StartDate = cfg.EndDate.AddDate(0, 0, -liveReplayDays)
	} else {
		req.Type = domain.BacktestHistorical
	}

	backtestID, err := m.backtests.CreateBacktest(ctx, req)
	if err != nil {
		m.failPipeline(ctx, p.ID, fmt.Sprintf("start %s backtest: %v", req.Type, err))
		return
	}
	if err := m.pipelines.SetStage(ctx, p.ID, stage, backtestID); err != nil {
		m.log.Error().Err(err).Str("pipeline_id", p.ID).Msg("failed to record stage")
		return
	}

	m.log.Info().
		Str("pipeline_id", p.ID).
		Str("stage", string(stage)).
		Str("backtest_id", backtestID).
		Msg("stage started")
}

// startPaperTrade opens a paper-trading session with the optimized parameters.
func (m *Machine) startPaperTrade(ctx context.Context, p *domain.Pipeline) {
	universe, err := m.universeSymbols(ctx)
	if err != nil {
		m.failPipeline(ctx, p.ID, fmt.Sprintf("load universe: %v", err))
		return
	}

	sessionID, err := m.paperTrades.CreateSession(ctx, engine.PaperTradeRequest{
		StrategyID: p.StrategyConfigID,
		PipelineID: p.ID,
		Parameters: p.OptimizedParameters,
		Universe:   universe,
		Duration:   defaultPaperTradeDuration,
	})
	if err != nil {
		m.failPipeline(ctx, p.ID, fmt.Sprintf("start paper trading: %v", err))
		return
	}
	if err := m.pipelines.SetStage(ctx, p.ID, domain.StagePaperTrade, sessionID); err != nil {
		m.log.Error().Err(err).Str("pipeline_id", p.ID).Msg("failed to record stage")
		return
	}

	m.log.Info().
		Str("pipeline_id", p.ID).
		Str("session_id", sessionID).
		Msg("paper trading started")
}

// completePipeline derives the deployment recommendation and finishes the
// pipeline.
func (m *Machine) completePipeline(ctx context.Context, p *domain.Pipeline) {
	fresh, err := m.pipelines.GetByID(ctx, p.ID)
	if err != nil {
		m.log.Error().Err(err).Str("pipeline_id", p.ID).Msg("failed to reload pipeline")
		return
	}

	var score *float64
	if res := fresh.StageResultFor(domain.StageLiveReplay); res != nil {
		score = res.Score
	}
	var paper domain.BacktestMetrics
	if res := fresh.StageResultFor(domain.StagePaperTrade); res != nil && res.Metrics != nil {
		paper = *res.Metrics
	}

	rec := deriveRecommendation(fresh.Rules, score, paper)
	if err := m.pipelines.SetRecommendation(ctx, p.ID, rec); err != nil {
		m.log.Error().Err(err).Str("pipeline_id", p.ID).Msg("failed to record recommendation")
		return
	}

	if err := m.pipelines.SetStage(ctx, p.ID, domain.StageCompleted, ""); err != nil {
		m.log.Error().Err(err).Str("pipeline_id", p.ID).Msg("failed to record final stage")
		return
	}

	won, err := m.pipelines.UpdateStatusIf(ctx, p.ID,
		[]domain.PipelineStatus{domain.PipelineStatusRunning}, domain.PipelineStatusCompleted, "")
	if err != nil {
		m.log.Error().Err(err).Str("pipeline_id", p.ID).Msg("failed to complete pipeline")
		return
	}
	if !won {
		return
	}

	observability.RecordPipelineFinished(string(domain.PipelineStatusCompleted))
	m.log.Info().
		Str("pipeline_id", p.ID).
		Str("recommendation", string(rec)).
		Msg("pipeline completed")
}

// failPipeline marks the pipeline FAILED if it is still live.
func (m *Machine) failPipeline(ctx context.Context, pipelineID, reason string) {
	won, err := m.pipelines.UpdateStatusIf(ctx, pipelineID,
		[]domain.PipelineStatus{domain.PipelineStatusPending, domain.PipelineStatusRunning, domain.PipelineStatusPaused},
		domain.PipelineStatusFailed, reason)
	if err != nil {
		m.log.Error().Err(err).Str("pipeline_id", pipelineID).Msg("failed to mark pipeline FAILED")
		return
	}
	if !won {
		return
	}
	observability.RecordPipelineFinished(string(domain.PipelineStatusFailed))
	m.log.Error().Str("pipeline_id", pipelineID).Str("reason", reason).Msg("pipeline failed")
}

// universeSymbols loads the evaluation universe for stage-level runs.
func (m *Machine) universeSymbols(ctx context.Context) ([]string, error) {
	assets, err := m.universe.TopByMarketRank(ctx, m.universeSize)
	if err != nil {
		return nil, err
	}
	symbols := make([]string, len(assets))
	for i, a := range assets {
		symbols[i] = a.Symbol
	}
	return symbols, nil
}

// regimeAsset picks the reference asset for regime detection: the top-ranked
// universe asset, or empty when the universe is unavailable.
func (m *Machine) regimeAsset(ctx context.Context) string {
	assets, err := m.universe.TopByMarketRank(ctx, 1)
	if err != nil || len(assets) == 0 {
		return ""
	}
	return assets[0].Symbol
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
