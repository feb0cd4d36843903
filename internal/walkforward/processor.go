package walkforward

import (
	"math"

	"strategy-validation-lab/internal/domain"
)

// Degradation blend weights and overfitting thresholds. The classifier is
// deterministic: identical inputs always produce identical output.
const (
	sharpeWeight = 0.50
	returnWeight = 0.30
	profitWeight = 0.20

	degradationLimit  = 30.0  // percent
	strongTrainSharpe = 1.0
	weakTestSharpe    = 0.5
	testReturnFloor   = -0.05
	winRateDropLimit  = 0.20 // 20 percentage points
)

// Assessment is the processed outcome of one window's train/test pair.
type Assessment struct {
	Degradation float64 // weighted percent drop, negative = test outperformed
	Overfitting bool
}

// ProcessWindow computes the weighted performance degradation from train to
// test and classifies the window as overfit or not.
//
// Degradation blends the percentage drops of Sharpe ratio (50%), total
// return (30%), and profit factor (20%). Overfitting is flagged when any of:
// degradation above 30%, a strong train Sharpe collapsing in test, a positive
// train return going below -5% in test, or a win-rate drop over 20 points.
func ProcessWindow(train, test domain.BacktestMetrics) Assessment {
	degradation := sharpeWeight*pctDrop(train.SharpeRatio, test.SharpeRatio) +
		returnWeight*pctDrop(train.TotalReturn, test.TotalReturn) +
		profitWeight*pctDrop(train.ProfitFactor, test.ProfitFactor)

	overfit := degradation > degradationLimit ||
		(train.SharpeRatio > strongTrainSharpe && test.SharpeRatio < weakTestSharpe) ||
		(train.TotalReturn > 0 && test.TotalReturn < testReturnFloor) ||
		(train.WinRate-test.WinRate > winRateDropLimit)

	return Assessment{Degradation: degradation, Overfitting: overfit}
}

// pctDrop is the percentage decline from train to test, relative to the
// train magnitude. Zero train value yields zero drop.
func pctDrop(train, test float64) float64 {
	if train == 0 {
		return 0
	}
	return (train - test) / math.Abs(train) * 100
}
