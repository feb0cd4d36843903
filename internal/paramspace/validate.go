package paramspace

import (
	"errors"
	"fmt"

	"strategy-validation-lab/internal/domain"
)

// ValidateSpace checks the structural invariants of a parameter space before
// expansion: numeric parameters need min < max and a positive step, and
// categorical parameters need at least two distinct values. Spaces built by
// BuildSpace always pass; spaces arriving over the API must be checked here
// before any expansion walks their ranges. Every violation is reported,
// joined into one error.
func ValidateSpace(space domain.ParameterSpace) error {
	var errs []error

	for _, p := range space.Parameters {
		if p.Name == "" {
			errs = append(errs, errors.New("parameter with empty name"))
		}

		switch p.Type {
		case domain.ParamTypeInteger, domain.ParamTypeFloat:
			if p.Min >= p.Max {
				errs = append(errs, fmt.Errorf("parameter %q: min %v must be less than max %v", p.Name, p.Min, p.Max))
			}
			if p.Step <= 0 {
				errs = append(errs, fmt.Errorf("parameter %q: step must be positive, got %v", p.Name, p.Step))
			}
		case domain.ParamTypeCategorical:
			if distinctCount(p.Values) < 2 {
				errs = append(errs, fmt.Errorf("parameter %q: categorical parameters need at least two distinct values", p.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("parameter %q: unknown type %q", p.Name, p.Type))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
