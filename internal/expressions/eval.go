package expressions

import (
	"os"

	"github.com/runcard-io/runcard/pkg/schema"
)

// Evaluator evaluates restricted expressions against a Scope. It is
// read-only: evaluating the same expression twice against an unchanged
// scope yields identical results.
type Evaluator struct {
	scope *Scope
}

// NewEvaluator creates an Evaluator over the given scope.
func NewEvaluator(scope *Scope) *Evaluator {
	return &Evaluator{scope: scope}
}

// Evaluate parses and evaluates one expression.
func (ev *Evaluator) Evaluate(expr string) (any, error) {
	n, err := parseExpr(expr)
	if err != nil {
		return nil, err
	}
	return ev.eval(n)
}

func (ev *Evaluator) eval(n node) (any, error) {
	switch nd := n.(type) {
	case *litNode:
		return nd.value, nil

	case *nameNode:
		v, ok := ev.scope.Lookup(nd.name)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "unresolved name %q", nd.name)
		}
		return v, nil

	case *attrNode:
		target, err := ev.eval(nd.target)
		if err != nil {
			return nil, err
		}
		return Attr(target, nd.name)

	case *indexNode:
		target, err := ev.eval(nd.target)
		if err != nil {
			return nil, err
		}
		idx, err := ev.eval(nd.index)
		if err != nil {
			return nil, err
		}
		return Index(target, idx)

	case *boolOpNode:
		return ev.evalBoolOp(nd)

	case *notNode:
		operand, err := ev.eval(nd.operand)
		if err != nil {
			return nil, err
		}
		return !Truthy(operand), nil

	case *negNode:
		operand, err := ev.eval(nd.operand)
		if err != nil {
			return nil, err
		}
		if f, ok := operand.(float64); ok {
			return -f, nil
		}
		if i, ok := toInt(operand); ok {
			return -i, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "cannot negate %s", typeName(operand))

	case *compareNode:
		return ev.evalCompare(nd)

	case *callNode:
		return ev.evalCall(nd)

	case *listNode:
		out := make([]any, 0, len(nd.elems))
		for _, elem := range nd.elems {
			v, err := ev.eval(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil

	case *mapNode:
		out := make(map[string]any, len(nd.keys))
		for i := range nd.keys {
			key, err := ev.eval(nd.keys[i])
			if err != nil {
				return nil, err
			}
			ks, ok := key.(string)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "map literal key must be a string, got %s", typeName(key))
			}
			value, err := ev.eval(nd.values[i])
			if err != nil {
				return nil, err
			}
			out[ks] = value
		}
		return out, nil

	default:
		return nil, schema.NewError(schema.ErrCodeEvaluation, "unsupported expression node")
	}
}

// evalBoolOp short-circuits: "and" returns false at the first falsy
// operand, "or" returns true at the first truthy one. The result is
// always the truthiness of the last evaluated operand.
func (ev *Evaluator) evalBoolOp(n *boolOpNode) (any, error) {
	if n.op == "and" {
		result := false
		for _, part := range n.parts {
			v, err := ev.eval(part)
			if err != nil {
				return nil, err
			}
			result = Truthy(v)
			if !result {
				return false, nil
			}
		}
		return result, nil
	}
	for _, part := range n.parts {
		v, err := ev.eval(part)
		if err != nil {
			return nil, err
		}
		if Truthy(v) {
			return true, nil
		}
	}
	return false, nil
}

// evalCompare applies chained comparison: every pairwise comparison
// must hold, left to right, stopping at the first false.
func (ev *Evaluator) evalCompare(n *compareNode) (any, error) {
	left, err := ev.eval(n.left)
	if err != nil {
		return nil, err
	}
	for i, op := range n.ops {
		right, err := ev.eval(n.comparators[i])
		if err != nil {
			return nil, err
		}
		ok, err := compareOnce(op, left, right)
		if err != nil {
			return nil, err
		}
		if !ok {
			return false, nil
		}
		left = right
	}
	return true, nil
}

func compareOnce(op string, left, right any) (bool, error) {
	switch op {
	case "==":
		return Equal(left, right), nil
	case "!=":
		return !Equal(left, right), nil
	case "<":
		return Less(left, right)
	case ">":
		return Less(right, left)
	case "<=":
		gt, err := Less(right, left)
		if err != nil {
			return false, err
		}
		return !gt, nil
	case ">=":
		lt, err := Less(left, right)
		if err != nil {
			return false, err
		}
		return !lt, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeEvaluation, "unsupported comparison operator %q", op)
	}
}

// evalCall dispatches the three whitelisted introspection helpers.
func (ev *Evaluator) evalCall(n *callNode) (any, error) {
	switch n.fn {
	case "len":
		if len(n.args) != 1 {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "len() takes exactly one argument, got %d", len(n.args))
		}
		arg, err := ev.eval(n.args[0])
		if err != nil {
			return nil, err
		}
		return Length(arg)

	case "empty":
		if len(n.args) != 1 {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "empty() takes exactly one argument, got %d", len(n.args))
		}
		arg, err := ev.eval(n.args[0])
		if err != nil {
			return nil, err
		}
		return IsEmpty(arg), nil

	case "exists":
		if len(n.args) != 1 {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "exists() takes exactly one argument, got %d", len(n.args))
		}
		arg, err := ev.eval(n.args[0])
		if err != nil {
			return nil, err
		}
		_, statErr := os.Stat(Stringify(arg))
		return statErr == nil, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "call to %q is not allowed (only len, empty, exists)", n.fn)
	}
}
