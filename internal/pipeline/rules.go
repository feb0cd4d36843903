// Package pipeline implements the validation state machine driving a strategy
// through OPTIMIZE, HISTORICAL, LIVE_REPLAY and PAPER_TRADE. Stage execution
// is delegated to external engines; the machine reacts to their completion
// events and advances through persisted conditional updates only.
package pipeline

import (
	"strategy-validation-lab/internal/domain"
)

// Default progression thresholds.
const (
	DefaultMinImprovementPct  = 5.0
	DefaultMinLiveReplayScore = 30.0
	DefaultMinSharpeRatio     = 0.5
	DefaultMaxDrawdown        = -0.30
	DefaultMinWinRate         = 0.40
	DefaultMinTotalReturn     = 0.0
)

// Recommendation score boundaries, inclusive.
const (
	deployScoreFloor = 70.0
	reviewScoreFloor = 30.0
)

// ResolveRules fills unset progression thresholds with the defaults. A zero
// value means unset for every field except MinTotalReturn, whose default is
// zero anyway.
func ResolveRules(in domain.ProgressionRules) domain.ProgressionRules {
	rules := in
	if rules.MinImprovementPct == 0 {
		rules.MinImprovementPct = DefaultMinImprovementPct
	}
	if rules.MinLiveReplayScore == 0 {
		rules.MinLiveReplayScore = DefaultMinLiveReplayScore
	}
	if rules.MinSharpeRatio == 0 {
		rules.MinSharpeRatio = DefaultMinSharpeRatio
	}
	if rules.MaxDrawdown == 0 {
		rules.MaxDrawdown = DefaultMaxDrawdown
	}
	if rules.MinWinRate == 0 {
		rules.MinWinRate = DefaultMinWinRate
	}
	return rules
}

// paperTradeGate checks the explicit per-metric PAPER_TRADE thresholds.
// Every threshold is inclusive.
func paperTradeGate(rules domain.ProgressionRules, m domain.BacktestMetrics) (bool, string) {
	switch {
	case m.SharpeRatio < rules.MinSharpeRatio:
		return false, "sharpe ratio below threshold"
	case m.MaxDrawdown < rules.MaxDrawdown:
		return false, "drawdown beyond tolerance"
	case m.WinRate < rules.MinWinRate:
		return false, "win rate below threshold"
	case m.TotalReturn < rules.MinTotalReturn:
		return false, "total return below threshold"
	default:
		return true, ""
	}
}

// deriveRecommendation maps the LIVE_REPLAY validation score to a deployment
// verdict. When no score was recorded it falls back to the paper-trade metric
// thresholds.
func deriveRecommendation(rules domain.ProgressionRules, score *float64, paper domain.BacktestMetrics) domain.Recommendation {
	if score != nil {
		switch {
		case *score >= deployScoreFloor:
			return domain.RecommendDeploy
		case *score >= reviewScoreFloor:
			return domain.RecommendNeedsReview
		default:
			return domain.RecommendDoNotDeploy
		}
	}

	if passed, _ := paperTradeGate(rules, paper); passed {
		return domain.RecommendDeploy
	}
	if paper.SharpeRatio > 0 && paper.TotalReturn > 0 {
		return domain.RecommendNeedsReview
	}
	return domain.RecommendDoNotDeploy
}
