package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"strategy-validation-lab/internal/domain"
)

func TestStubBacktester_Deterministic(t *testing.T) {
	b := NewStubBacktester()
	ctx := context.Background()
	params := map[string]interface{}{"lookback": 20, "threshold": 1.5}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
	universe := []string{"BTC", "ETH"}

	first, err := b.ExecuteBacktest(ctx, "momentum", params, start, end, universe)
	if err != nil {
		t.Fatalf("ExecuteBacktest: %v", err)
	}
	second, err := b.ExecuteBacktest(ctx, "momentum", params, start, end, universe)
	if err != nil {
		t.Fatalf("ExecuteBacktest: %v", err)
	}
	if first != second {
		t.Errorf("same inputs must yield same metrics: %+v != %+v", first, second)
	}
}

func TestStubBacktester_ParametersChangeMetrics(t *testing.T) {
	b := NewStubBacktester()
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)

	a, _ := b.ExecuteBacktest(ctx, "momentum", map[string]interface{}{"lookback": 20}, start, end, nil)
	c, _ := b.ExecuteBacktest(ctx, "momentum", map[string]interface{}{"lookback": 40}, start, end, nil)
	if a == c {
		t.Error("different parameters should yield different metrics")
	}
}

func TestStubBacktester_InvertedRangeFails(t *testing.T) {
	b := NewStubBacktester()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := b.ExecuteBacktest(context.Background(), "momentum", nil, start, end, nil)
	if err == nil {
		t.Fatal("expected error for inverted date range")
	}
	var btErr *BacktestError
	if !errors.As(err, &btErr) {
		t.Fatalf("expected *BacktestError, got %T", err)
	}
}

func TestStubScorer_RegimeModifier(t *testing.T) {
	s := NewStubScorer()
	m := domain.BacktestMetrics{SharpeRatio: 1.2, TotalReturn: 0.15, MaxDrawdown: -0.1, WinRate: 0.55}

	neutral, err := s.CalculateScore(context.Background(), m, 0, ScoreOptions{})
	if err != nil {
		t.Fatalf("CalculateScore: %v", err)
	}
	bull, _ := s.CalculateScore(context.Background(), m, 0, ScoreOptions{MarketRegime: "bull"})
	if bull.OverallScore <= neutral.OverallScore {
		t.Errorf("bull regime should raise score: %g <= %g", bull.OverallScore, neutral.OverallScore)
	}
	if bull.RegimeModifier != 5 {
		t.Errorf("expected modifier 5, got %g", bull.RegimeModifier)
	}
}

func TestStubScorer_DegradationWarning(t *testing.T) {
	s := NewStubScorer()
	m := domain.BacktestMetrics{SharpeRatio: 1.0, TotalReturn: 0.1, WinRate: 0.5}

	got, err := s.CalculateScore(context.Background(), m, 45, ScoreOptions{})
	if err != nil {
		t.Fatalf("CalculateScore: %v", err)
	}
	found := false
	for _, w := range got.Warnings {
		if w == "severe walk-forward degradation" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected degradation warning, got %v", got.Warnings)
	}
}

func TestStubRegimeDetector_Unavailable(t *testing.T) {
	d := &StubRegimeDetector{}
	if _, err := d.GetCurrentRegime(context.Background(), "BTC"); err != ErrRegimeUnavailable {
		t.Errorf("expected ErrRegimeUnavailable, got %v", err)
	}

	d.Regime = "bull"
	regime, err := d.GetCurrentRegime(context.Background(), "BTC")
	if err != nil || regime != "bull" {
		t.Errorf("expected bull, got %q err %v", regime, err)
	}
}

func TestStubLifecycle_Tracking(t *testing.T) {
	l := NewStubLifecycle()
	ctx := context.Background()

	id, err := l.CreateBacktest(ctx, BacktestRequest{StrategyID: "momentum", Type: domain.BacktestHistorical})
	if err != nil {
		t.Fatalf("CreateBacktest: %v", err)
	}
	if l.LastBacktestID() != id {
		t.Errorf("LastBacktestID mismatch")
	}
	if err := l.CancelBacktest(ctx, id); err != nil {
		t.Fatalf("CancelBacktest: %v", err)
	}
	if !l.Cancelled(id) {
		t.Error("backtest should be recorded as cancelled")
	}

	sid, _ := l.CreateSession(ctx, PaperTradeRequest{StrategyID: "momentum"})
	if err := l.PauseSession(ctx, sid); err != nil {
		t.Fatalf("PauseSession: %v", err)
	}
	if !l.Paused(sid) {
		t.Error("session should be paused")
	}
	if err := l.ResumeSession(ctx, sid); err != nil {
		t.Fatalf("ResumeSession: %v", err)
	}
	if l.Paused(sid) {
		t.Error("session should be resumed")
	}
}
