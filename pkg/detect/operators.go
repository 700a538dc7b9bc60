package detect

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Condition operators supported by detection rules.
const (
	OpEq         = "eq"
	OpNeq        = "neq"
	OpIn         = "in"
	OpNotIn      = "notIn"
	OpGt         = "gt"
	OpGe         = "ge"
	OpLt         = "lt"
	OpLe         = "le"
	OpExists     = "exists"
	OpRegex      = "regex"
	OpStartsWith = "startsWith"
	OpEndsWith   = "endsWith"
)

// evalOperator applies op to (actual, present, expected). Unknown operators
// and malformed expectations evaluate false; the engine fails closed on a
// condition rather than erroring out of an evaluation.
func evalOperator(op string, actual any, present bool, expected any) bool {
	switch op {
	case OpExists:
		return present
	case OpEq:
		return present && valuesEqual(actual, expected)
	case OpNeq:
		return present && !valuesEqual(actual, expected)
	case OpIn:
		return present && containsValue(expected, actual)
	case OpNotIn:
		return present && !containsValue(expected, actual)
	case OpGt, OpGe, OpLt, OpLe:
		if !present {
			return false
		}
		a, okA := toFloat(actual)
		e, okE := toFloat(expected)
		if !okA || !okE {
			return false
		}
		switch op {
		case OpGt:
			return a > e
		case OpGe:
			return a >= e
		case OpLt:
			return a < e
		default:
			return a <= e
		}
	case OpRegex:
		s, okS := toString(actual)
		p, okP := toString(expected)
		if !present || !okS || !okP {
			return false
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	case OpStartsWith:
		s, okS := toString(actual)
		p, okP := toString(expected)
		return present && okS && okP && strings.HasPrefix(s, p)
	case OpEndsWith:
		s, okS := toString(actual)
		p, okP := toString(expected)
		return present && okS && okP && strings.HasSuffix(s, p)
	default:
		return false
	}
}

// valuesEqual compares numerically when both sides are numbers, otherwise by
// normalized equality.
func valuesEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	if as, ok := toString(a); ok {
		bs, ok := toString(b)
		return ok && as == bs
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	return a == nil && b == nil
}

func containsValue(expected, actual any) bool {
	list, ok := expected.([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		if valuesEqual(actual, item) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}
