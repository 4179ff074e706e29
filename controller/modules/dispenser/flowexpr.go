package dispenser

import (
	"fmt"
	"math"

	"github.com/Knetic/govaluate"
)

// NewFlowExpression builds a FlowEstimator from an arithmetic expression
// over "position" (percent) and "coefficient", yielding flow per minute.
// Non-finite or negative results count as no flow.
func NewFlowExpression(expr string) (FlowEstimator, error) {
	e, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return nil, fmt.Errorf("flow expression %q: %w", expr, err)
	}
	for _, v := range e.Vars() {
		if v != "position" && v != "coefficient" {
			return nil, fmt.Errorf("flow expression %q: unknown variable %q", expr, v)
		}
	}
	if _, err := evalFlow(e, 50, DefaultFlowCoeff); err != nil {
		return nil, fmt.Errorf("flow expression %q: %w", expr, err)
	}
	return func(position, coefficient float64) float64 {
		if position < flowDeadband {
			return 0
		}
		v, err := evalFlow(e, position, coefficient)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return 0
		}
		return v
	}, nil
}

func evalFlow(e *govaluate.EvaluableExpression, position, coefficient float64) (float64, error) {
	res, err := e.Evaluate(map[string]interface{}{
		"position":    position,
		"coefficient": coefficient,
	})
	if err != nil {
		return 0, err
	}
	v, ok := res.(float64)
	if !ok {
		return 0, fmt.Errorf("result is %T, not a number", res)
	}
	return v, nil
}
