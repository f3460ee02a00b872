package orchestration

import (
	"fmt"
	"strings"
)

// EvaluateCondition evaluates a minimal JSONLogic expression against an
// event payload. Supported operators: var, ==, !=, <, >, <=, >=, and, or,
// !, length. A nil condition is vacuously true.
//
// The subset is deliberately small: trigger conditions filter events, they
// do not compute. Anything outside the subset is a hard error so a typo in
// a trigger definition surfaces instead of silently matching nothing.
func EvaluateCondition(condition map[string]interface{}, data map[string]interface{}) (bool, error) {
	if len(condition) == 0 {
		return true, nil
	}
	result, err := evalLogic(condition, data)
	if err != nil {
		return false, err
	}
	return truthy(result), nil
}

func evalLogic(node interface{}, data map[string]interface{}) (interface{}, error) {
	expr, ok := node.(map[string]interface{})
	if !ok || len(expr) != 1 {
		// Not an operator application; treat as a literal.
		return node, nil
	}

	var op string
	var rawArgs interface{}
	for k, v := range expr {
		op, rawArgs = k, v
	}

	switch op {
	case "var":
		return evalVar(rawArgs, data)

	case "==", "!=", "<", ">", "<=", ">=":
		args, err := evalArgs(rawArgs, data, 2)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return compare(op, args[0], args[1])

	case "and":
		args, err := argList(rawArgs)
		if err != nil {
			return nil, fmt.Errorf("and: %w", err)
		}
		for _, arg := range args {
			value, err := evalLogic(arg, data)
			if err != nil {
				return nil, err
			}
			if !truthy(value) {
				return false, nil
			}
		}
		return true, nil

	case "or":
		args, err := argList(rawArgs)
		if err != nil {
			return nil, fmt.Errorf("or: %w", err)
		}
		for _, arg := range args {
			value, err := evalLogic(arg, data)
			if err != nil {
				return nil, err
			}
			if truthy(value) {
				return true, nil
			}
		}
		return false, nil

	case "!":
		// JSONLogic permits both {"!": x} and {"!": [x]}.
		arg := rawArgs
		if list, ok := rawArgs.([]interface{}); ok {
			if len(list) != 1 {
				return nil, fmt.Errorf("!: want 1 argument, got %d", len(list))
			}
			arg = list[0]
		}
		value, err := evalLogic(arg, data)
		if err != nil {
			return nil, err
		}
		return !truthy(value), nil

	case "length":
		arg := rawArgs
		if list, ok := rawArgs.([]interface{}); ok {
			if len(list) != 1 {
				return nil, fmt.Errorf("length: want 1 argument, got %d", len(list))
			}
			arg = list[0]
		}
		value, err := evalLogic(arg, data)
		if err != nil {
			return nil, err
		}
		return lengthOf(value)

	default:
		return nil, fmt.Errorf("unsupported condition operator %q", op)
	}
}

func evalVar(rawArgs interface{}, data map[string]interface{}) (interface{}, error) {
	path := ""
	var fallback interface{}
	hasFallback := false

	switch a := rawArgs.(type) {
	case string:
		path = a
	case []interface{}:
		if len(a) == 0 || len(a) > 2 {
			return nil, fmt.Errorf("var: want path or [path, default]")
		}
		s, ok := a[0].(string)
		if !ok {
			return nil, fmt.Errorf("var: path must be a string")
		}
		path = s
		if len(a) == 2 {
			fallback = a[1]
			hasFallback = true
		}
	default:
		return nil, fmt.Errorf("var: path must be a string")
	}

	value, found := lookupPath(data, strings.Split(path, "."))
	if !found {
		if hasFallback {
			return fallback, nil
		}
		return nil, nil
	}
	return value, nil
}

func evalArgs(rawArgs interface{}, data map[string]interface{}, want int) ([]interface{}, error) {
	list, err := argList(rawArgs)
	if err != nil {
		return nil, err
	}
	if len(list) != want {
		return nil, fmt.Errorf("want %d arguments, got %d", want, len(list))
	}
	out := make([]interface{}, len(list))
	for i, arg := range list {
		value, err := evalLogic(arg, data)
		if err != nil {
			return nil, err
		}
		out[i] = value
	}
	return out, nil
}

func argList(rawArgs interface{}) ([]interface{}, error) {
	list, ok := rawArgs.([]interface{})
	if !ok {
		return nil, fmt.Errorf("arguments must be a list")
	}
	return list, nil
}

func compare(op string, a, b interface{}) (interface{}, error) {
	if fa, okA := toFloat(a); okA {
		if fb, okB := toFloat(b); okB {
			switch op {
			case "==":
				return fa == fb, nil
			case "!=":
				return fa != fb, nil
			case "<":
				return fa < fb, nil
			case ">":
				return fa > fb, nil
			case "<=":
				return fa <= fb, nil
			case ">=":
				return fa >= fb, nil
			}
		}
	}

	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		switch op {
		case "==":
			return sa == sb, nil
		case "!=":
			return sa != sb, nil
		case "<":
			return sa < sb, nil
		case ">":
			return sa > sb, nil
		case "<=":
			return sa <= sb, nil
		case ">=":
			return sa >= sb, nil
		}
	}

	// Mixed or non-ordered types only support (in)equality.
	switch op {
	case "==":
		return a == b, nil
	case "!=":
		return a != b, nil
	}
	return nil, fmt.Errorf("%s: operands %T and %T are not comparable", op, a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

func lengthOf(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case string:
		return float64(len(t)), nil
	case []interface{}:
		return float64(len(t)), nil
	case map[string]interface{}:
		return float64(len(t)), nil
	case nil:
		return float64(0), nil
	}
	return nil, fmt.Errorf("length: unsupported operand %T", v)
}
