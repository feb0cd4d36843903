package domain

// BacktestMetrics is the output contract of the external backtest engine.
type BacktestMetrics struct {
	SharpeRatio       float64
	TotalReturn       float64 // fractional, 0.10 = +10%
	MaxDrawdown       float64 // negative or zero
	WinRate           float64 // 0..1
	Volatility        float64
	ProfitFactor      float64
	TradeCount        int
	DownsideDeviation float64
}

// Asset is one instrument in the evaluation universe.
type Asset struct {
	Symbol     string
	MarketRank int
	HasData    bool
}
