// Package scoring maps backtest metrics to optimization objective scores.
package scoring

import (
	"math"

	"strategy-validation-lab/internal/domain"
)

// Composite weight keys.
const (
	WeightSharpeRatio  = "sharpe_ratio"
	WeightTotalReturn  = "total_return"
	WeightCalmarRatio  = "calmar_ratio"
	WeightProfitFactor = "profit_factor"
	WeightMaxDrawdown  = "max_drawdown"
	WeightWinRate      = "win_rate"
)

// riskFreeRate is the annualized risk-free rate used for the Sortino ratio.
const riskFreeRate = 0.02

// normRange is a fixed normalization range for one composite component.
type normRange struct {
	lo, hi float64
}

// Documented normalization ranges for composite scoring. Values outside a
// range are clamped at the bounds.
var compositeRanges = map[string]normRange{
	WeightSharpeRatio:  {-1, 3},
	WeightTotalReturn:  {-0.5, 0.5},
	WeightCalmarRatio:  {0, 3},
	WeightProfitFactor: {0.5, 3},
	WeightMaxDrawdown:  {-1, 0},
	WeightWinRate:      {0, 1},
}

// IsCompositeMetric reports whether name is a metric the composite objective
// scores. Weights keyed by any other name would be silently ignored by
// compositeScore, so config validation rejects them up front.
func IsCompositeMetric(name string) bool {
	_, ok := compositeRanges[name]
	return ok
}

// ObjectiveScore computes the score of one backtest under the selected
// objective. weights is only consulted for the composite objective.
func ObjectiveScore(objective domain.Objective, m domain.BacktestMetrics, weights map[string]float64) float64 {
	switch objective {
	case domain.ObjectiveTotalReturn:
		return m.TotalReturn
	case domain.ObjectiveProfitFactor:
		return profitFactor(m)
	case domain.ObjectiveCalmarRatio:
		return calmarRatio(m)
	case domain.ObjectiveSortinoRatio:
		return sortinoRatio(m)
	case domain.ObjectiveComposite:
		return compositeScore(m, weights)
	default:
		return m.SharpeRatio
	}
}

// profitFactor defaults to 1 when the engine did not report one.
func profitFactor(m domain.BacktestMetrics) float64 {
	if m.ProfitFactor == 0 {
		return 1
	}
	return m.ProfitFactor
}

// calmarRatio is total return over drawdown magnitude, 0 for zero drawdown.
func calmarRatio(m domain.BacktestMetrics) float64 {
	if m.MaxDrawdown == 0 {
		return 0
	}
	return m.TotalReturn / math.Abs(m.MaxDrawdown)
}

// sortinoRatio is excess return over downside deviation, falling back to the
// Sharpe ratio when downside deviation is absent.
func sortinoRatio(m domain.BacktestMetrics) float64 {
	if m.DownsideDeviation == 0 {
		return m.SharpeRatio
	}
	return (m.TotalReturn - riskFreeRate) / m.DownsideDeviation
}

// compositeScore is the weighted sum of six metrics, each linearly
// normalized into [0,1] against its documented range.
func compositeScore(m domain.BacktestMetrics, weights map[string]float64) float64 {
	components := map[string]float64{
		WeightSharpeRatio:  m.SharpeRatio,
		WeightTotalReturn:  m.TotalReturn,
		WeightCalmarRatio:  calmarRatio(m),
		WeightProfitFactor: profitFactor(m),
		WeightMaxDrawdown:  m.MaxDrawdown,
		WeightWinRate:      m.WinRate,
	}

	score := 0.0
	for name, w := range weights {
		r, ok := compositeRanges[name]
		if !ok {
			continue
		}
		score += w * normalize(components[name], r.lo, r.hi)
	}
	return score
}

// normalize maps v into [0,1] over [lo,hi], clamping at the bounds.
func normalize(v, lo, hi float64) float64 {
	if v <= lo {
		return 0
	}
	if v >= hi {
		return 1
	}
	return (v - lo) / (hi - lo)
}
