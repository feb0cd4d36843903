package engine

import (
	"context"
	"errors"

	"strategy-validation-lab/internal/domain"
)

// ErrRegimeUnavailable is returned when the market-regime service cannot
// produce a regime. Callers degrade gracefully to "no modifier".
var ErrRegimeUnavailable = errors.New("market regime unavailable")

// ScoreOptions carries optional inputs for score calculation.
type ScoreOptions struct {
	MarketRegime string // empty when unavailable
}

// ScoreBreakdown is the scoring service's output contract.
type ScoreBreakdown struct {
	OverallScore    float64
	Grade           string
	ComponentScores map[string]float64
	RegimeModifier  float64
	Warnings        []string
}

// Scorer computes the combined validation score from performance metrics,
// walk-forward degradation, and an optional market-regime modifier.
type Scorer interface {
	CalculateScore(ctx context.Context, metrics domain.BacktestMetrics, degradationPct float64, opts ScoreOptions) (ScoreBreakdown, error)
}

// RegimeDetector reports the current market regime for an asset.
type RegimeDetector interface {
	GetCurrentRegime(ctx context.Context, asset string) (string, error)
}
