package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"strategy-validation-lab/internal/domain"
)

// StubBacktester is a deterministic in-process backtester for testing and for
// cmd/validate. Metrics are derived purely from the strategy ID, parameter
// values, and date range, so the same inputs always produce the same metrics.
type StubBacktester struct{}

// NewStubBacktester creates a new stub backtester.
func NewStubBacktester() *StubBacktester {
	return &StubBacktester{}
}

// ExecuteBacktest derives synthetic metrics from a hash of the inputs.
func (b *StubBacktester) ExecuteBacktest(_ context.Context, strategyID string, parameters map[string]interface{},
	startDate, endDate time.Time, universe []string) (domain.BacktestMetrics, error) {
	if !endDate.After(startDate) {
		return domain.BacktestMetrics{}, &BacktestError{
			StrategyID: strategyID,
			StartDate:  startDate,
			EndDate:    endDate,
			Err:        fmt.Errorf("end date not after start date"),
		}
	}

	h := fnv.New64a()
	h.Write([]byte(strategyID))
	h.Write([]byte(startDate.Format("2006-01-02")))
	h.Write([]byte(endDate.Format("2006-01-02")))
	names := make([]string, 0, len(parameters))
	for name := range parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(h, "%s=%v;", name, parameters[name])
	}
	for _, asset := range universe {
		h.Write([]byte(asset))
	}

	// Map the hash into plausible metric ranges. unit is uniform-ish in [0,1).
	seed := h.Sum64()
	unit := func(salt uint64) float64 {
		v := seed ^ salt
		v ^= v >> 33
		v *= 0xff51afd7ed558ccd
		v ^= v >> 33
		return float64(v%100000) / 100000
	}

	sharpe := unit(1)*3 - 0.5           // [-0.5, 2.5)
	totalReturn := unit(2)*0.8 - 0.2    // [-0.2, 0.6)
	drawdown := -unit(3) * 0.4          // (-0.4, 0]
	winRate := 0.3 + unit(4)*0.4        // [0.3, 0.7)
	profitFactor := 0.8 + unit(5)*1.7   // [0.8, 2.5)
	downsideDev := 0.02 + unit(6)*0.18  // [0.02, 0.2)
	volatility := 0.05 + unit(7)*0.45   // [0.05, 0.5)
	days := int(endDate.Sub(startDate).Hours() / 24)
	tradeCount := 1 + int(unit(8)*float64(days))

	return domain.BacktestMetrics{
		SharpeRatio:       round4(sharpe),
		TotalReturn:       round4(totalReturn),
		MaxDrawdown:       round4(drawdown),
		WinRate:           round4(winRate),
		Volatility:        round4(volatility),
		ProfitFactor:      round4(profitFactor),
		TradeCount:        tradeCount,
		DownsideDeviation: round4(downsideDev),
	}, nil
}

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }

var _ Backtester = (*StubBacktester)(nil)

// StubScorer grades metrics with a fixed linear blend. It applies a small
// regime modifier when a regime is supplied and subtracts degradation.
type StubScorer struct{}

// NewStubScorer creates a new stub scorer.
func NewStubScorer() *StubScorer {
	return &StubScorer{}
}

// CalculateScore computes a 0-100 score from the metrics.
func (s *StubScorer) CalculateScore(_ context.Context, m domain.BacktestMetrics, degradationPct float64, opts ScoreOptions) (ScoreBreakdown, error) {
	components := map[string]float64{
		"sharpe":   clamp01((m.SharpeRatio+1)/4) * 100,
		"return":   clamp01((m.TotalReturn+0.5)/1) * 100,
		"drawdown": clamp01(1+m.MaxDrawdown) * 100,
		"win_rate": m.WinRate * 100,
	}

	overall := 0.35*components["sharpe"] + 0.30*components["return"] +
		0.20*components["drawdown"] + 0.15*components["win_rate"]
	overall -= degradationPct * 0.5
	if overall < 0 {
		overall = 0
	}

	modifier := 0.0
	switch opts.MarketRegime {
	case "bull":
		modifier = 5
	case "bear":
		modifier = -5
	}
	overall = clampRange(overall+modifier, 0, 100)

	var warnings []string
	if m.SharpeRatio < 0 {
		warnings = append(warnings, "negative sharpe ratio")
	}
	if degradationPct > 30 {
		warnings = append(warnings, "severe walk-forward degradation")
	}

	return ScoreBreakdown{
		OverallScore:    math.Round(overall*100) / 100,
		Grade:           gradeFor(overall),
		ComponentScores: components,
		RegimeModifier:  modifier,
		Warnings:        warnings,
	}, nil
}

func gradeFor(score float64) string {
	switch {
	case score >= 85:
		return "A"
	case score >= 70:
		return "B"
	case score >= 50:
		return "C"
	case score >= 30:
		return "D"
	default:
		return "F"
	}
}

func clamp01(v float64) float64 { return clampRange(v, 0, 1) }

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

var _ Scorer = (*StubScorer)(nil)

// StubRegimeDetector returns a fixed regime, or ErrRegimeUnavailable when
// constructed without one.
type StubRegimeDetector struct {
	Regime string
}

func (d *StubRegimeDetector) GetCurrentRegime(_ context.Context, _ string) (string, error) {
	if d.Regime == "" {
		return "", ErrRegimeUnavailable
	}
	return d.Regime, nil
}

var _ RegimeDetector = (*StubRegimeDetector)(nil)

// StubLifecycle implements the stage lifecycle services in-process. Created
// runs are recorded so tests and cmd/validate can complete them by publishing
// the matching events.
type StubLifecycle struct {
	Backtests   []BacktestRequest
	Sessions    []PaperTradeRequest
	backtestIDs []string
	sessionIDs  []string
	cancelled   map[string]bool
	paused      map[string]bool
}

// NewStubLifecycle creates a new stub lifecycle service.
func NewStubLifecycle() *StubLifecycle {
	return &StubLifecycle{
		cancelled: make(map[string]bool),
		paused:    make(map[string]bool),
	}
}

func (l *StubLifecycle) CreateBacktest(_ context.Context, req BacktestRequest) (string, error) {
	id := uuid.NewString()
	l.Backtests = append(l.Backtests, req)
	l.backtestIDs = append(l.backtestIDs, id)
	return id, nil
}

func (l *StubLifecycle) CancelBacktest(_ context.Context, backtestID string) error {
	l.cancelled[backtestID] = true
	return nil
}

func (l *StubLifecycle) CreateSession(_ context.Context, req PaperTradeRequest) (string, error) {
	id := uuid.NewString()
	l.Sessions = append(l.Sessions, req)
	l.sessionIDs = append(l.sessionIDs, id)
	return id, nil
}

func (l *StubLifecycle) PauseSession(_ context.Context, sessionID string) error {
	l.paused[sessionID] = true
	return nil
}

func (l *StubLifecycle) ResumeSession(_ context.Context, sessionID string) error {
	l.paused[sessionID] = false
	return nil
}

func (l *StubLifecycle) CancelSession(_ context.Context, sessionID string) error {
	l.cancelled[sessionID] = true
	return nil
}

// LastBacktestID returns the most recently created backtest ID, or "".
func (l *StubLifecycle) LastBacktestID() string {
	if len(l.backtestIDs) == 0 {
		return ""
	}
	return l.backtestIDs[len(l.backtestIDs)-1]
}

// LastSessionID returns the most recently created session ID, or "".
func (l *StubLifecycle) LastSessionID() string {
	if len(l.sessionIDs) == 0 {
		return ""
	}
	return l.sessionIDs[len(l.sessionIDs)-1]
}

// Cancelled reports whether a run or session ID was cancelled.
func (l *StubLifecycle) Cancelled(id string) bool { return l.cancelled[id] }

// Paused reports whether a session is currently paused.
func (l *StubLifecycle) Paused(id string) bool { return l.paused[id] }

var (
	_ BacktestService   = (*StubLifecycle)(nil)
	_ PaperTradeService = (*StubLifecycle)(nil)
)
