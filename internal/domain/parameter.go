package domain

// ParamType classifies an optimizable parameter.
type ParamType string

// Parameter type constants.
const (
	ParamTypeInteger     ParamType = "integer"
	ParamTypeFloat       ParamType = "float"
	ParamTypeCategorical ParamType = "categorical"
)

// ParameterDefinition describes one searchable dimension of a strategy's
// configuration. Numeric types use Min/Max/Step; categorical types use Values.
type ParameterDefinition struct {
	Name     string
	Type     ParamType
	Min      float64
	Max      float64
	Step     float64
	Values   []interface{} // categorical only, >= 2 distinct values
	Default  interface{}
	Priority int
}

// ConstraintType classifies a cross-parameter constraint.
type ConstraintType string

// Constraint type constants.
const (
	ConstraintLessThan    ConstraintType = "less_than"
	ConstraintGreaterThan ConstraintType = "greater_than"
	ConstraintNotEqual    ConstraintType = "not_equal"
	ConstraintCustom      ConstraintType = "custom"
)

// ParameterConstraint restricts which value combinations are valid.
// Param1 is compared against Param2's value when Param2 is set, otherwise
// against the literal Value. Custom constraints receive the full value map.
type ParameterConstraint struct {
	Type      ConstraintType
	Param1    string
	Param2    string
	Value     interface{}
	Predicate func(values map[string]interface{}) bool `json:"-"` // custom only, not persisted
}

// ParameterSpace is the searchable space for one strategy type.
type ParameterSpace struct {
	StrategyType string
	Parameters   []ParameterDefinition
	Constraints  []ParameterConstraint
	Version      string
}

// ParameterCombination is one concrete point in a ParameterSpace.
// The baseline combination (the strategy's documented defaults) is always
// present and always at index 0. Combinations are immutable once generated.
type ParameterCombination struct {
	Index      int
	Values     map[string]interface{}
	IsBaseline bool
}
