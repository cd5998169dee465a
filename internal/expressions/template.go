package expressions

import (
	"strings"

	"github.com/runcard-io/runcard/pkg/schema"
)

// Render substitutes ${expression} placeholders. Non-string input
// passes through unchanged. A string whose entire trimmed content is a
// single placeholder yields the expression's native value (null
// becomes the empty string); a string with embedded placeholders yields
// a string with each result stringified. An unterminated placeholder is
// a syntax error.
func (ev *Evaluator) Render(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	return ev.RenderString(s)
}

// RenderString renders one template string.
func (ev *Evaluator) RenderString(s string) (any, error) {
	trimmed := strings.TrimSpace(s)
	if expr, whole := wholePlaceholder(trimmed); whole {
		result, err := ev.Evaluate(expr)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return "", nil
		}
		return result, nil
	}

	var sb strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start == -1 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		sb.WriteString(rest[:start])
		end := strings.Index(rest[start+2:], "}")
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeSyntax, "unterminated ${ placeholder in %q", s)
		}
		end += start + 2
		expr := strings.TrimSpace(rest[start+2 : end])
		result, err := ev.Evaluate(expr)
		if err != nil {
			return nil, err
		}
		sb.WriteString(Stringify(result))
		rest = rest[end+1:]
	}
}

// wholePlaceholder reports whether the trimmed string is exactly one
// ${...} placeholder and returns its body.
func wholePlaceholder(s string) (string, bool) {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return "", false
	}
	body := s[2 : len(s)-1]
	// the first closing brace must be the final character, otherwise the
	// string embeds more than one placeholder
	if strings.ContainsAny(body, "{}") {
		return "", false
	}
	return strings.TrimSpace(body), true
}

// HasPlaceholder reports whether a string contains a ${...} marker.
func HasPlaceholder(s string) bool {
	return strings.Contains(s, "${")
}

// EvalGuard evaluates a step or option guard. nil means true; booleans
// pass through; strings containing ${...} render as templates, while
// bare strings are evaluated directly as expressions; any other value
// reports its truthiness.
func (ev *Evaluator) EvalGuard(guard any) (bool, error) {
	switch g := guard.(type) {
	case nil:
		return true, nil
	case bool:
		return g, nil
	case string:
		if HasPlaceholder(g) {
			rendered, err := ev.RenderString(g)
			if err != nil {
				return false, err
			}
			return Truthy(rendered), nil
		}
		result, err := ev.Evaluate(g)
		if err != nil {
			return false, err
		}
		return Truthy(result), nil
	default:
		return Truthy(guard), nil
	}
}
