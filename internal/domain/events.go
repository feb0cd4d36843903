package domain

// Event topic names for the completion-event bus.
const (
	TopicOptimizationCompleted = "optimization.completed"
	TopicOptimizationFailed    = "optimization.failed"
	TopicBacktestCompleted     = "backtest.completed"
	TopicPaperTradeCompleted   = "papertrade.completed"
)

// BacktestType distinguishes the two backtest-driven stages.
type BacktestType string

// Backtest type constants.
const (
	BacktestHistorical BacktestType = "historical"
	BacktestLiveReplay BacktestType = "live_replay"
)

// OptimizationCompletedEvent is emitted when an optimization run completes.
// Consumers must be idempotent against duplicate delivery.
type OptimizationCompletedEvent struct {
	RunID            string                 `json:"run_id"`
	StrategyConfigID string                 `json:"strategy_config_id"`
	PipelineID       string                 `json:"pipeline_id,omitempty"`
	BestParameters   map[string]interface{} `json:"best_parameters"`
	BestScore        float64                `json:"best_score"`
	Improvement      float64                `json:"improvement"`
}

// OptimizationFailedEvent is emitted when a run is marked FAILED, by the
// optimizer or by a watchdog winning the conditional transition.
type OptimizationFailedEvent struct {
	RunID      string `json:"run_id"`
	PipelineID string `json:"pipeline_id,omitempty"`
	Reason     string `json:"reason"`
}

// BacktestCompletedEvent is emitted by the external backtest engine when a
// HISTORICAL or LIVE_REPLAY run finishes.
type BacktestCompletedEvent struct {
	BacktestID string          `json:"backtest_id"`
	PipelineID string          `json:"pipeline_id"`
	Type       BacktestType    `json:"type"`
	Metrics    BacktestMetrics `json:"metrics"`
}

// PaperTradeCompletedEvent is emitted when a paper-trading session stops.
type PaperTradeCompletedEvent struct {
	SessionID     string          `json:"session_id"`
	PipelineID    string          `json:"pipeline_id"`
	Metrics       BacktestMetrics `json:"metrics"`
	StoppedReason string          `json:"stopped_reason"`
}
