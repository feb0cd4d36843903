package optimizer

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"strategy-validation-lab/internal/domain"
)

func validConfig() domain.OptimizationConfig {
	return domain.OptimizationConfig{
		StrategyConfigID: "strat-1",
		StartDate:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:          time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
	}
}

func TestResolveConfig_AppliesDefaults(t *testing.T) {
	cfg, err := ResolveConfig(validConfig())
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}

	if cfg.SearchMethod != domain.SearchGrid {
		t.Errorf("search method = %q, want grid", cfg.SearchMethod)
	}
	if cfg.Objective != domain.ObjectiveSharpeRatio {
		t.Errorf("objective = %q, want sharpe_ratio", cfg.Objective)
	}
	if cfg.MaxCombinations != DefaultMaxCombinations {
		t.Errorf("max combinations = %d, want %d", cfg.MaxCombinations, DefaultMaxCombinations)
	}
	if cfg.TrainDays != DefaultTrainDays || cfg.TestDays != DefaultTestDays || cfg.StepDays != DefaultStepDays {
		t.Errorf("window days = %d/%d/%d, want %d/%d/%d",
			cfg.TrainDays, cfg.TestDays, cfg.StepDays,
			DefaultTrainDays, DefaultTestDays, DefaultStepDays)
	}
	if cfg.WalkForwardMethod != domain.WalkForwardRolling {
		t.Errorf("walk-forward method = %q, want rolling", cfg.WalkForwardMethod)
	}
	if cfg.MinWindows != DefaultMinWindows {
		t.Errorf("min windows = %d, want %d", cfg.MinWindows, DefaultMinWindows)
	}
	if cfg.EarlyStopPatience != DefaultEarlyStopPatience {
		t.Errorf("patience = %d, want %d", cfg.EarlyStopPatience, DefaultEarlyStopPatience)
	}
	if cfg.MinImprovement != DefaultMinImprovement {
		t.Errorf("min improvement = %v, want %v", cfg.MinImprovement, DefaultMinImprovement)
	}
	if cfg.MaxConcurrentTests != DefaultMaxConcurrentTests {
		t.Errorf("max concurrent = %d, want %d", cfg.MaxConcurrentTests, DefaultMaxConcurrentTests)
	}
}

func TestResolveConfig_PreservesExplicitValues(t *testing.T) {
	in := validConfig()
	in.SearchMethod = domain.SearchRandom
	in.MaxCombinations = 25
	in.TrainDays = 60
	in.StepDays = 15

	cfg, err := ResolveConfig(in)
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}
	if cfg.SearchMethod != domain.SearchRandom || cfg.MaxCombinations != 25 ||
		cfg.TrainDays != 60 || cfg.StepDays != 15 {
		t.Errorf("explicit values overwritten: %+v", cfg)
	}
}

func TestResolveConfig_CompositeDefaultWeights(t *testing.T) {
	in := validConfig()
	in.Objective = domain.ObjectiveComposite

	cfg, err := ResolveConfig(in)
	if err != nil {
		t.Fatalf("ResolveConfig: %v", err)
	}

	sum := 0.0
	for _, w := range cfg.CompositeWeights {
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("default composite weights sum to %v, want 1.0", sum)
	}
}

func TestResolveConfig_Violations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.OptimizationConfig)
		want   string
	}{
		{
			name:   "missing strategy id",
			mutate: func(c *domain.OptimizationConfig) { c.StrategyConfigID = "" },
			want:   "strategy config id",
		},
		{
			name:   "inverted dates",
			mutate: func(c *domain.OptimizationConfig) { c.StartDate, c.EndDate = c.EndDate, c.StartDate },
			want:   "before end date",
		},
		{
			name: "step exceeds train",
			mutate: func(c *domain.OptimizationConfig) {
				c.TrainDays = 30
				c.StepDays = 60
			},
			want: "must not exceed train days",
		},
		{
			name:   "unknown search method",
			mutate: func(c *domain.OptimizationConfig) { c.SearchMethod = "genetic" },
			want:   "unknown search method",
		},
		{
			name:   "unknown objective",
			mutate: func(c *domain.OptimizationConfig) { c.Objective = "alpha" },
			want:   "unknown objective",
		},
		{
			name:   "unknown walk-forward method",
			mutate: func(c *domain.OptimizationConfig) { c.WalkForwardMethod = "expanding" },
			want:   "unknown walk-forward method",
		},
		{
			name: "composite weights off balance",
			mutate: func(c *domain.OptimizationConfig) {
				c.Objective = domain.ObjectiveComposite
				c.CompositeWeights = map[string]float64{"sharpe_ratio": 0.5, "total_return": 0.3}
			},
			want: "composite weights sum",
		},
		{
			name: "unknown composite weight key",
			mutate: func(c *domain.OptimizationConfig) {
				c.Objective = domain.ObjectiveComposite
				// Sums to 1.0: only the typoed key is wrong.
				c.CompositeWeights = map[string]float64{"sharpe": 0.6, "total_return": 0.4}
			},
			want: `unknown composite weight "sharpe"`,
		},
		{
			name: "negative composite weight",
			mutate: func(c *domain.OptimizationConfig) {
				c.Objective = domain.ObjectiveComposite
				c.CompositeWeights = map[string]float64{"sharpe_ratio": 1.2, "total_return": -0.2}
			},
			want: "must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validConfig()
			tt.mutate(&in)

			_, err := ResolveConfig(in)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestResolveConfig_ReportsAllViolationsAtOnce(t *testing.T) {
	in := validConfig()
	in.StrategyConfigID = ""
	in.SearchMethod = "genetic"
	in.TrainDays = 30
	in.StepDays = 60

	_, err := ResolveConfig(in)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"strategy config id", "unknown search method", "must not exceed train days"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error %q missing %q", err, want)
		}
	}
}

func TestResolveConfig_WeightToleranceBoundary(t *testing.T) {
	in := validConfig()
	in.Objective = domain.ObjectiveComposite
	in.CompositeWeights = map[string]float64{"sharpe_ratio": 0.6, "total_return": 0.4009}

	if _, err := ResolveConfig(in); err != nil {
		t.Errorf("sum within tolerance rejected: %v", err)
	}

	in.CompositeWeights = map[string]float64{"sharpe_ratio": 0.6, "total_return": 0.402}
	if _, err := ResolveConfig(in); err == nil {
		t.Error("sum outside tolerance accepted")
	}
}
