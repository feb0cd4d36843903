// Package paramspace builds searchable parameter spaces from strategy config
// schemas and expands them into concrete parameter combinations.
package paramspace

import (
	"math"

	"strategy-validation-lab/internal/domain"
)

// FieldSchema is one field of a strategy's declarative config schema.
type FieldSchema struct {
	Name        string
	Type        string // "boolean" | "number" | "integer" | "string"
	Default     interface{}
	Min         *float64
	Max         *float64
	Step        *float64
	Enum        []interface{}
	Priority    int
	Description string
}

// StrategyConfigSchema is the declarative schema of a strategy's config plus
// optional cross-field constraints.
type StrategyConfigSchema struct {
	StrategyType string
	Version      string
	Fields       []FieldSchema
	Constraints  []domain.ParameterConstraint
}

// executionControlFields are excluded from optimization: they shape runtime
// behavior (enablement, pacing, caps), not strategy logic.
var executionControlFields = map[string]bool{
	"enabled":           true,
	"dryRun":            true,
	"cooldownMinutes":   true,
	"tradeCooldownSec":  true,
	"maxOpenTrades":     true,
	"maxDailyTrades":    true,
	"maxPositionValue":  true,
	"notifyOnSignal":    true,
	"persistSignals":    true,
	"executionTimeout":  true,
	"orderRetryCount":   true,
	"allowShortSelling": true,
}

// BuildSpace converts a strategy config schema into a ParameterSpace.
// Pure function: filters execution-control fields, keeps only optimizable
// fields, and drops constraints that reference a filtered-out field.
//
// A field is optimizable iff it is boolean (categorical {true,false}), has at
// least two enum values, or is numeric with min < max.
func BuildSpace(schema StrategyConfigSchema) domain.ParameterSpace {
	space := domain.ParameterSpace{
		StrategyType: schema.StrategyType,
		Version:      schema.Version,
	}

	kept := make(map[string]bool, len(schema.Fields))
	for _, f := range schema.Fields {
		if executionControlFields[f.Name] {
			continue
		}
		def, ok := buildDefinition(f)
		if !ok {
			continue
		}
		space.Parameters = append(space.Parameters, def)
		kept[f.Name] = true
	}

	for _, c := range schema.Constraints {
		if !kept[c.Param1] {
			continue
		}
		if c.Param2 != "" && !kept[c.Param2] {
			continue
		}
		space.Constraints = append(space.Constraints, c)
	}

	return space
}

// buildDefinition converts one schema field to a parameter definition.
// Returns false when the field is not optimizable.
func buildDefinition(f FieldSchema) (domain.ParameterDefinition, bool) {
	def := domain.ParameterDefinition{
		Name:     f.Name,
		Default:  f.Default,
		Priority: f.Priority,
	}

	if f.Type == "boolean" {
		def.Type = domain.ParamTypeCategorical
		def.Values = []interface{}{true, false}
		return def, true
	}

	if len(f.Enum) >= 2 && distinctCount(f.Enum) >= 2 {
		def.Type = domain.ParamTypeCategorical
		def.Values = f.Enum
		return def, true
	}

	if f.Min == nil || f.Max == nil || *f.Min >= *f.Max {
		return domain.ParameterDefinition{}, false
	}

	def.Min = *f.Min
	def.Max = *f.Max

	if isIntegerField(f) {
		def.Type = domain.ParamTypeInteger
		def.Step = 1
		if f.Step != nil && *f.Step >= 1 {
			def.Step = math.Trunc(*f.Step)
		}
		return def, true
	}

	def.Type = domain.ParamTypeFloat
	if f.Step != nil && *f.Step > 0 {
		def.Step = *f.Step
	} else {
		def.Step = defaultFloatStep(def.Min, def.Max)
	}
	return def, true
}

// isIntegerField infers integer-ness from the default and bounds all being
// whole numbers.
func isIntegerField(f FieldSchema) bool {
	if !isWhole(*f.Min) || !isWhole(*f.Max) {
		return false
	}
	if d, ok := toFloat(f.Default); ok {
		return isWhole(d)
	}
	return true
}

// defaultFloatStep picks range/10, clamped into [range/100, range] so the
// step stays positive and non-degenerate even for very small ranges.
func defaultFloatStep(min, max float64) float64 {
	r := max - min
	step := r / 10
	if step < r/100 {
		step = r / 100
	}
	if step > r {
		step = r
	}
	return step
}

func isWhole(v float64) bool {
	return v == math.Trunc(v)
}

func distinctCount(values []interface{}) int {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		seen[valueKeyOne(v)] = struct{}{}
	}
	return len(seen)
}
