package promote

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/opx-platform/opx-core/pkg/contracts"
	"github.com/opx-platform/opx-core/pkg/rules"
)

// conditionEnv declares the variables a policy condition expression may
// reference. Expressions are pure; there are no custom functions with side
// effects.
func conditionEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("candidate", cel.DynType),
		cel.Variable("authority", cel.DynType),
		cel.Variable("currentTime", cel.StringType),
		cel.Variable("pendingForService", cel.BoolType),
	)
}

// evalConditions runs each named condition in order and returns the name of
// the first that evaluates true. A compile error, runtime error, or
// non-boolean result counts as a trigger: policy conditions fail closed.
func evalConditions(env *cel.Env, conditions []rules.PolicyCondition, activation map[string]any) (string, bool, error) {
	for _, cond := range conditions {
		ast, issues := env.Compile(cond.Expression)
		if issues != nil && issues.Err() != nil {
			return cond.Name, true, fmt.Errorf("promote: condition %q: %w", cond.Name, issues.Err())
		}
		prog, err := env.Program(ast)
		if err != nil {
			return cond.Name, true, fmt.Errorf("promote: condition %q: %w", cond.Name, err)
		}
		out, _, err := prog.Eval(activation)
		if err != nil {
			return cond.Name, true, fmt.Errorf("promote: condition %q: %w", cond.Name, err)
		}
		b, ok := out.Value().(bool)
		if !ok {
			return cond.Name, true, fmt.Errorf("promote: condition %q: non-boolean result", cond.Name)
		}
		if b {
			return cond.Name, true, nil
		}
	}
	return "", false, nil
}

// activationFor renders the evaluation inputs as the generic value model CEL
// expressions see.
func activationFor(in Inputs) (map[string]any, error) {
	candidate, err := toGeneric(in.Candidate)
	if err != nil {
		return nil, err
	}
	authority, err := toGeneric(in.Authority)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"candidate":         candidate,
		"authority":         authority,
		"currentTime":       contracts.FormatTimestamp(in.CurrentTime),
		"pendingForService": in.PendingForService,
	}, nil
}

func toGeneric(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
