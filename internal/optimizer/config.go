// Package optimizer runs parameter searches: it validates and resolves run
// configuration, generates combinations, evaluates them in concurrent batches
// against walk-forward windows, and persists ranked results.
package optimizer

import (
	"errors"
	"fmt"
	"math"
	"time"

	"strategy-validation-lab/internal/domain"
	"strategy-validation-lab/internal/scoring"
)

// Default configuration values applied by ResolveConfig.
const (
	DefaultMaxCombinations    = 100
	DefaultTrainDays          = 90
	DefaultTestDays           = 30
	DefaultStepDays           = 30
	DefaultMinWindows         = 3
	DefaultEarlyStopPatience  = 10
	DefaultMinImprovement     = 0.01
	DefaultMaxConcurrentTests = 3
	DefaultUniverseSize       = 50
)

// compositeWeightTolerance is how far composite weights may stray from 1.0.
const compositeWeightTolerance = 0.001

// ErrInvalidConfig wraps all configuration violations found during resolution.
var ErrInvalidConfig = errors.New("invalid optimization config")

// DefaultCompositeWeights is the balanced weighting used when the composite
// objective is selected without explicit weights.
func DefaultCompositeWeights() map[string]float64 {
	return map[string]float64{
		scoring.WeightSharpeRatio:  0.30,
		scoring.WeightTotalReturn:  0.20,
		scoring.WeightCalmarRatio:  0.15,
		scoring.WeightProfitFactor: 0.15,
		scoring.WeightMaxDrawdown:  0.10,
		scoring.WeightWinRate:      0.10,
	}
}

// ResolveConfig fills in defaults and validates the result, returning a
// fully-resolved configuration. Every violation is reported, joined into one
// error, so a caller fixes the config in one pass. Partial configs are only
// ever merged here.
func ResolveConfig(in domain.OptimizationConfig) (domain.OptimizationConfig, error) {
	cfg := in

	if cfg.SearchMethod == "" {
		cfg.SearchMethod = domain.SearchGrid
	}
	if cfg.Objective == "" {
		cfg.Objective = domain.ObjectiveSharpeRatio
	}
	if cfg.MaxCombinations == 0 {
		cfg.MaxCombinations = DefaultMaxCombinations
	}
	if cfg.TrainDays == 0 {
		cfg.TrainDays = DefaultTrainDays
	}
	if cfg.TestDays == 0 {
		cfg.TestDays = DefaultTestDays
	}
	if cfg.StepDays == 0 {
		cfg.StepDays = DefaultStepDays
	}
	if cfg.WalkForwardMethod == "" {
		cfg.WalkForwardMethod = domain.WalkForwardRolling
	}
	if cfg.MinWindows == 0 {
		cfg.MinWindows = DefaultMinWindows
	}
	if cfg.EarlyStopPatience == 0 {
		cfg.EarlyStopPatience = DefaultEarlyStopPatience
	}
	if cfg.MinImprovement == 0 {
		cfg.MinImprovement = DefaultMinImprovement
	}
	if cfg.MaxConcurrentTests == 0 {
		cfg.MaxConcurrentTests = DefaultMaxConcurrentTests
	}
	if cfg.Objective == domain.ObjectiveComposite && cfg.CompositeWeights == nil {
		cfg.CompositeWeights = DefaultCompositeWeights()
	}

	if err := validateConfig(cfg); err != nil {
		return domain.OptimizationConfig{}, err
	}
	return cfg, nil
}

// validateConfig collects every violation before failing.
func validateConfig(cfg domain.OptimizationConfig) error {
	var errs []error

	if cfg.StrategyConfigID == "" {
		errs = append(errs, errors.New("strategy config id is required"))
	}

	switch cfg.SearchMethod {
	case domain.SearchGrid, domain.SearchRandom:
	default:
		errs = append(errs, fmt.Errorf("unknown search method %q", cfg.SearchMethod))
	}

	switch cfg.Objective {
	case domain.ObjectiveSharpeRatio, domain.ObjectiveTotalReturn, domain.ObjectiveProfitFactor,
		domain.ObjectiveCalmarRatio, domain.ObjectiveSortinoRatio, domain.ObjectiveComposite:
	default:
		errs = append(errs, fmt.Errorf("unknown objective %q", cfg.Objective))
	}

	switch cfg.WalkForwardMethod {
	case domain.WalkForwardRolling, domain.WalkForwardAnchored:
	default:
		errs = append(errs, fmt.Errorf("unknown walk-forward method %q", cfg.WalkForwardMethod))
	}

	if cfg.MaxCombinations < 1 {
		errs = append(errs, errors.New("max combinations must be positive"))
	}
	if cfg.TrainDays < 1 {
		errs = append(errs, errors.New("train days must be positive"))
	}
	if cfg.TestDays < 1 {
		errs = append(errs, errors.New("test days must be positive"))
	}
	if cfg.StepDays < 1 {
		errs = append(errs, errors.New("step days must be positive"))
	}
	if cfg.StepDays > cfg.TrainDays {
		errs = append(errs, fmt.Errorf("step days (%d) must not exceed train days (%d)", cfg.StepDays, cfg.TrainDays))
	}
	if cfg.MinWindows < 1 {
		errs = append(errs, errors.New("min windows must be positive"))
	}

	if cfg.StartDate.IsZero() || cfg.EndDate.IsZero() {
		errs = append(errs, errors.New("start and end dates are required"))
	} else if !cfg.StartDate.Before(cfg.EndDate) {
		errs = append(errs, fmt.Errorf("start date %s must be before end date %s",
			cfg.StartDate.Format(time.DateOnly), cfg.EndDate.Format(time.DateOnly)))
	}

	if cfg.EarlyStopEnabled {
		if cfg.EarlyStopPatience < 1 {
			errs = append(errs, errors.New("early stop patience must be positive"))
		}
		if cfg.MinImprovement < 0 {
			errs = append(errs, errors.New("min improvement must not be negative"))
		}
	}
	if cfg.MaxConcurrentTests < 1 {
		errs = append(errs, errors.New("max concurrent tests must be positive"))
	}

	if cfg.Objective == domain.ObjectiveComposite {
		sum := 0.0
		for name, w := range cfg.CompositeWeights {
			if !scoring.IsCompositeMetric(name) {
				errs = append(errs, fmt.Errorf("unknown composite weight %q", name))
			}
			if w < 0 {
				errs = append(errs, fmt.Errorf("composite weight %q must not be negative", name))
			}
			sum += w
		}
		if math.Abs(sum-1.0) > compositeWeightTolerance {
			errs = append(errs, fmt.Errorf("composite weights sum to %.4f, expected 1.0 +/- %.3f",
				sum, compositeWeightTolerance))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
