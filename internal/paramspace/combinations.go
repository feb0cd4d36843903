package paramspace

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"strategy-validation-lab/internal/domain"
)

// floatStepEpsilon guards against float error when walking a numeric range.
const floatStepEpsilon = 1e-9

// Generator expands parameter spaces into concrete combinations.
// Sampling is driven by the supplied seed so runs are reproducible.
type Generator struct {
	rng *rand.Rand
}

// NewGenerator creates a Generator with a seeded RNG.
func NewGenerator(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

// BaselineValues returns the value map matching the space's defaults.
func BaselineValues(space domain.ParameterSpace) map[string]interface{} {
	values := make(map[string]interface{}, len(space.Parameters))
	for _, p := range space.Parameters {
		values[p.Name] = p.Default
	}
	return values
}

// GenerateCombinations expands the space into the full cartesian product,
// filters by constraints, and guarantees the baseline combination at index 0.
// The baseline is retained even if it violates constraints or is excluded by
// sampling. When the valid set exceeds maxCombinations (> 0), a uniform
// random sample of the non-baseline set is taken and entries re-indexed.
func (g *Generator) GenerateCombinations(space domain.ParameterSpace, maxCombinations int) []domain.ParameterCombination {
	baseline := BaselineValues(space)
	baselineKey := valueKey(baseline)

	valueSets := make([][]interface{}, len(space.Parameters))
	for i, p := range space.Parameters {
		valueSets[i] = ExpandValues(p)
	}

	var combos []domain.ParameterCombination
	baselineSeen := false

	product(valueSets, func(indices []int) {
		values := make(map[string]interface{}, len(space.Parameters))
		for i, p := range space.Parameters {
			values[p.Name] = valueSets[i][indices[i]]
		}

		isBaseline := valueKey(values) == baselineKey
		if !isBaseline && !SatisfiesConstraints(values, space.Constraints) {
			return
		}
		if isBaseline {
			baselineSeen = true
		}
		combos = append(combos, domain.ParameterCombination{
			Values:     values,
			IsBaseline: isBaseline,
		})
	})

	if !baselineSeen {
		// Grid did not land on the defaults (or they failed constraints):
		// the baseline is still always evaluated for comparison.
		combos = append(combos, domain.ParameterCombination{
			Values:     baseline,
			IsBaseline: true,
		})
	}

	combos = g.sampleWithBaseline(combos, maxCombinations)
	return reindexBaselineFirst(combos)
}

// GenerateRandomCombinations emits the baseline at index 0 followed by up to
// n-1 independent uniform draws over the discretized space, skipping exact
// duplicates and constraint violations. Sampling stops early after 10*n
// failed attempts.
func (g *Generator) GenerateRandomCombinations(space domain.ParameterSpace, n int) []domain.ParameterCombination {
	baseline := BaselineValues(space)
	combos := []domain.ParameterCombination{{
		Index:      0,
		Values:     baseline,
		IsBaseline: true,
	}}
	if n <= 1 {
		return combos
	}

	valueSets := make([][]interface{}, len(space.Parameters))
	for i, p := range space.Parameters {
		valueSets[i] = ExpandValues(p)
	}

	seen := map[string]struct{}{valueKey(baseline): {}}
	maxAttempts := 10 * n

	for attempts := 0; len(combos) < n && attempts < maxAttempts; attempts++ {
		values := make(map[string]interface{}, len(space.Parameters))
		for i, p := range space.Parameters {
			values[p.Name] = valueSets[i][g.rng.Intn(len(valueSets[i]))]
		}

		key := valueKey(values)
		if _, dup := seen[key]; dup {
			continue
		}
		if !SatisfiesConstraints(values, space.Constraints) {
			continue
		}

		seen[key] = struct{}{}
		combos = append(combos, domain.ParameterCombination{
			Index:  len(combos),
			Values: values,
		})
	}

	return combos
}

// ExpandValues discretizes one parameter into its concrete value set.
// Numeric ranges walk min..max by step; the max value is force-appended when
// the step does not land on it exactly (min=10 max=15 step=4 -> 10,14,15).
func ExpandValues(p domain.ParameterDefinition) []interface{} {
	switch p.Type {
	case domain.ParamTypeCategorical:
		return p.Values
	case domain.ParamTypeInteger:
		var values []interface{}
		step := int(p.Step)
		if step < 1 {
			step = 1
		}
		last := math.Inf(-1)
		for v := int(p.Min); v <= int(p.Max); v += step {
			values = append(values, v)
			last = float64(v)
		}
		if last < p.Max {
			values = append(values, int(p.Max))
		}
		return values
	case domain.ParamTypeFloat:
		step := p.Step
		if step <= 0 {
			// Degenerate step: walk straight to the bounds instead of
			// looping forever. ValidateSpace rejects these upstream.
			step = p.Max - p.Min
		}
		if step <= 0 {
			return []interface{}{p.Min}
		}
		var values []interface{}
		last := math.Inf(-1)
		for v := p.Min; v <= p.Max+floatStepEpsilon; v += step {
			values = append(values, v)
			last = v
		}
		if last < p.Max-floatStepEpsilon {
			values = append(values, p.Max)
		}
		return values
	default:
		return []interface{}{p.Default}
	}
}

// sampleWithBaseline takes a uniform Fisher-Yates sample of the non-baseline
// combinations when the set exceeds max, always retaining the baseline.
func (g *Generator) sampleWithBaseline(combos []domain.ParameterCombination, max int) []domain.ParameterCombination {
	if max <= 0 || len(combos) <= max {
		return combos
	}

	var baseline *domain.ParameterCombination
	others := make([]domain.ParameterCombination, 0, len(combos)-1)
	for i := range combos {
		if combos[i].IsBaseline {
			b := combos[i]
			baseline = &b
			continue
		}
		others = append(others, combos[i])
	}

	for i := len(others) - 1; i > 0; i-- {
		j := g.rng.Intn(i + 1)
		others[i], others[j] = others[j], others[i]
	}

	keep := max
	if baseline != nil {
		keep--
	}
	if keep > len(others) {
		keep = len(others)
	}
	sampled := others[:keep]
	if baseline != nil {
		sampled = append(sampled, *baseline)
	}
	return sampled
}

// reindexBaselineFirst moves the baseline to index 0 and re-indexes 0..n-1.
func reindexBaselineFirst(combos []domain.ParameterCombination) []domain.ParameterCombination {
	sort.SliceStable(combos, func(i, j int) bool {
		return combos[i].IsBaseline && !combos[j].IsBaseline
	})
	for i := range combos {
		combos[i].Index = i
	}
	return combos
}

// product iterates the cartesian product of the value sets, invoking visit
// with the current index vector. Empty spaces yield a single empty vector.
func product(valueSets [][]interface{}, visit func(indices []int)) {
	for _, set := range valueSets {
		if len(set) == 0 {
			return
		}
	}

	indices := make([]int, len(valueSets))
	for {
		visit(indices)

		pos := len(indices) - 1
		for pos >= 0 {
			indices[pos]++
			if indices[pos] < len(valueSets[pos]) {
				break
			}
			indices[pos] = 0
			pos--
		}
		if pos < 0 {
			return
		}
	}
}

// valueKey renders a value map as a canonical string for structural equality.
func valueKey(values map[string]interface{}) string {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s=%s;", name, valueKeyOne(values[name]))
	}
	return b.String()
}
