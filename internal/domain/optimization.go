package domain

import "time"

// RunStatus is the lifecycle state of an optimization run.
type RunStatus string

// Run status constants.
const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// SearchMethod selects how the parameter space is expanded.
type SearchMethod string

// Search method constants.
const (
	SearchGrid   SearchMethod = "grid"
	SearchRandom SearchMethod = "random"
)

// WalkForwardMethod selects how train windows advance.
type WalkForwardMethod string

// Walk-forward method constants.
const (
	WalkForwardRolling  WalkForwardMethod = "rolling"
	WalkForwardAnchored WalkForwardMethod = "anchored"
)

// Objective identifies the scoring objective for an optimization run.
type Objective string

// Objective constants.
const (
	ObjectiveSharpeRatio  Objective = "sharpe_ratio"
	ObjectiveTotalReturn  Objective = "total_return"
	ObjectiveProfitFactor Objective = "profit_factor"
	ObjectiveCalmarRatio  Objective = "calmar_ratio"
	ObjectiveSortinoRatio Objective = "sortino_ratio"
	ObjectiveComposite    Objective = "composite"
)

// OptimizationConfig is the fully-resolved configuration of an optimization
// run. Build it through optimizer.ResolveConfig so defaults are applied and
// validated once; never merge partial configs ad hoc.
type OptimizationConfig struct {
	StrategyConfigID string
	PipelineID       string // optional owning pipeline

	SearchMethod    SearchMethod
	Objective       Objective
	MaxCombinations int

	// Walk-forward windowing
	StartDate         time.Time
	EndDate           time.Time
	TrainDays         int
	TestDays          int
	StepDays          int
	WalkForwardMethod WalkForwardMethod
	MinWindows        int

	// Early stopping
	EarlyStopEnabled   bool
	EarlyStopPatience  int
	MinImprovement     float64 // absolute score delta that resets patience
	MaxConcurrentTests int     // combinations evaluated in parallel per batch

	// Composite objective weights, keyed by metric name.
	// Must sum to 1.0 +/- 0.001 when Objective is composite.
	CompositeWeights map[string]float64
}

// OptimizationRun is the persisted record of one parameter search.
// Owned exclusively by the optimizer; watchdogs and the pipeline only read it
// or transition it through conditional status updates.
type OptimizationRun struct {
	ID               string
	StrategyConfigID string
	PipelineID       string
	Status           RunStatus

	Config         OptimizationConfig
	ParameterSpace ParameterSpace

	BaselineParameters map[string]interface{}
	TotalCombinations  int
	CombinationsTested int

	BestScore      *float64
	BestParameters map[string]interface{}
	BaselineScore  *float64
	Improvement    *float64 // percent over baseline, set on completion

	// Early-stopping bookkeeping: consecutive batches without a significant
	// improvement.
	PatienceCount int

	FailureReason   string
	ETA             *time.Time
	LastHeartbeatAt *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HeartbeatAge returns how long ago the run last reported progress, falling
// back to the start time (then creation time) when no heartbeat was recorded.
func (r *OptimizationRun) HeartbeatAge(now time.Time) time.Duration {
	switch {
	case r.LastHeartbeatAt != nil:
		return now.Sub(*r.LastHeartbeatAt)
	case r.StartedAt != nil:
		return now.Sub(*r.StartedAt)
	default:
		return now.Sub(r.CreatedAt)
	}
}

// WindowResult is the per-window evaluation detail for one combination.
type WindowResult struct {
	WindowIndex int
	TrainStart  time.Time
	TrainEnd    time.Time
	TestStart   time.Time
	TestEnd     time.Time
	TrainScore  float64
	TestScore   float64
	Degradation float64 // percent drop train -> test, negative = improved
	Overfitting bool
}

// OptimizationResult is one evaluated combination: averaged window scores and
// the per-window detail. Rank is assigned after the run completes (1 = best).
type OptimizationResult struct {
	ID               string
	RunID            string
	CombinationIndex int
	Parameters       map[string]interface{}

	AvgTrainScore      float64
	AvgTestScore       float64
	AvgDegradation     float64
	ConsistencyScore   float64
	OverfittingWindows int
	Windows            []WindowResult

	Rank       int
	IsBaseline bool
	IsBest     bool
	CreatedAt  time.Time
}

// RunBatchUpdate carries the run-level bookkeeping committed atomically with
// each batch of results.
type RunBatchUpdate struct {
	CombinationsTested int
	BestScore          *float64
	BestParameters     map[string]interface{}
	BaselineScore      *float64
	PatienceCount      int
	ETA                *time.Time
}
