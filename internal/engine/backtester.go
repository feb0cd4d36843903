// Package engine defines the contracts of the external collaborators the
// validation pipeline drives: the backtest engine, the scoring and
// market-regime services, and the stage lifecycle services. Their execution
// internals live outside this module.
package engine

import (
	"context"
	"fmt"
	"time"

	"strategy-validation-lab/internal/domain"
)

// Backtester executes one backtest of a strategy with concrete parameters
// over a date range and universe.
type Backtester interface {
	ExecuteBacktest(ctx context.Context, strategyID string, parameters map[string]interface{},
		startDate, endDate time.Time, universe []string) (domain.BacktestMetrics, error)
}

// BacktestError describes a failed backtest invocation, including the date
// range that failed.
type BacktestError struct {
	StrategyID string
	StartDate  time.Time
	EndDate    time.Time
	Err        error
}

func (e *BacktestError) Error() string {
	return fmt.Sprintf("backtest for strategy %s over %s..%s failed: %v",
		e.StrategyID, e.StartDate.Format("2006-01-02"), e.EndDate.Format("2006-01-02"), e.Err)
}

func (e *BacktestError) Unwrap() error { return e.Err }
