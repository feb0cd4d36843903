package domain

import "time"

// PipelineStatus is the lifecycle state of a validation pipeline.
type PipelineStatus string

// Pipeline status constants.
const (
	PipelineStatusPending   PipelineStatus = "PENDING"
	PipelineStatusRunning   PipelineStatus = "RUNNING"
	PipelineStatusPaused    PipelineStatus = "PAUSED"
	PipelineStatusCancelled PipelineStatus = "CANCELLED"
	PipelineStatusFailed    PipelineStatus = "FAILED"
	PipelineStatusCompleted PipelineStatus = "COMPLETED"
)

// Stage is one step of the validation sequence.
type Stage string

// Stage constants, in execution order.
const (
	StageOptimize   Stage = "OPTIMIZE"
	StageHistorical Stage = "HISTORICAL"
	StageLiveReplay Stage = "LIVE_REPLAY"
	StagePaperTrade Stage = "PAPER_TRADE"
	StageCompleted  Stage = "COMPLETED"
)

// NextStage returns the stage that follows s, or StageCompleted when the
// sequence is exhausted.
func NextStage(s Stage) Stage {
	switch s {
	case StageOptimize:
		return StageHistorical
	case StageHistorical:
		return StageLiveReplay
	case StageLiveReplay:
		return StagePaperTrade
	default:
		return StageCompleted
	}
}

// Recommendation is the deployment verdict issued on pipeline completion.
type Recommendation string

// Recommendation constants.
const (
	RecommendDeploy      Recommendation = "DEPLOY"
	RecommendNeedsReview Recommendation = "NEEDS_REVIEW"
	RecommendDoNotDeploy Recommendation = "DO_NOT_DEPLOY"
)

// ProgressionRules are the thresholds gating stage advancement. Build through
// pipeline.ResolveRules so defaults are applied once.
type ProgressionRules struct {
	// OPTIMIZE gate: minimum improvement over baseline, in percent.
	MinImprovementPct float64

	// LIVE_REPLAY gate: minimum combined validation score (inclusive).
	MinLiveReplayScore float64

	// PAPER_TRADE gates: explicit per-metric thresholds.
	MinSharpeRatio float64
	MaxDrawdown    float64 // most negative drawdown tolerated
	MinWinRate     float64
	MinTotalReturn float64
}

// StageResult records the outcome of one completed stage.
type StageResult struct {
	Stage       Stage
	Passed      bool
	Score       *float64
	Improvement *float64
	Metrics     *BacktestMetrics
	Detail      string
	CompletedAt time.Time
}

// Pipeline is the persisted record of one validation pipeline. Mutated only
// through the state machine's transition methods, always via conditional
// store updates.
type Pipeline struct {
	ID               string
	StrategyConfigID string
	Status           PipelineStatus
	CurrentStage     Stage

	OptimizationConfig OptimizationConfig
	Rules              ProgressionRules

	// ID of the external run/session driving the current stage: the
	// optimization run for OPTIMIZE, backtest IDs for HISTORICAL and
	// LIVE_REPLAY, the paper-trading session for PAPER_TRADE.
	ActiveStageRef string

	OptimizedParameters map[string]interface{}
	StageResults        map[Stage]*StageResult
	Recommendation      Recommendation

	// Set while paused during OPTIMIZE: the stage finished but advancement
	// is withheld until resume.
	PendingAdvance bool

	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// StageResultFor returns the recorded result for a stage, or nil.
func (p *Pipeline) StageResultFor(s Stage) *StageResult {
	if p.StageResults == nil {
		return nil
	}
	return p.StageResults[s]
}
