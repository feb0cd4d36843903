package engine

import (
	"context"
	"time"

	"strategy-validation-lab/internal/domain"
)

// BacktestRequest starts one stage-level backtest run.
type BacktestRequest struct {
	StrategyID string
	PipelineID string
	Type       domain.BacktestType
	Parameters map[string]interface{}
	StartDate  time.Time
	EndDate    time.Time
	Universe   []string
}

// BacktestService drives the HISTORICAL and LIVE_REPLAY stages. Runs execute
// externally; completion arrives through the event bus.
type BacktestService interface {
	// CreateBacktest starts an asynchronous backtest and returns its ID.
	CreateBacktest(ctx context.Context, req BacktestRequest) (string, error)
	CancelBacktest(ctx context.Context, backtestID string) error
}

// PaperTradeRequest starts one paper-trading session.
type PaperTradeRequest struct {
	StrategyID string
	PipelineID string
	Parameters map[string]interface{}
	Universe   []string
	Duration   time.Duration
}

// PaperTradeService drives the PAPER_TRADE stage. Sessions are keyed by
// opaque IDs; pause and resume are forwarded to the external engine.
type PaperTradeService interface {
	CreateSession(ctx context.Context, req PaperTradeRequest) (string, error)
	PauseSession(ctx context.Context, sessionID string) error
	ResumeSession(ctx context.Context, sessionID string) error
	CancelSession(ctx context.Context, sessionID string) error
}
