// Package argv turns declarative argument specifications into concrete
// process argument vectors.
package argv

import (
	"strings"

	"github.com/runcard-io/runcard/internal/expressions"
	"github.com/runcard-io/runcard/pkg/schema"
)

// Build renders an argv spec into a concrete argument vector. Output
// order exactly matches declaration order.
func Build(spec []schema.ArgvEntry, ev *expressions.Evaluator) ([]string, error) {
	out := make([]string, 0, len(spec))
	for _, entry := range spec {
		switch {
		case entry.IsLit:
			rendered, err := ev.Render(entry.Literal)
			if err != nil {
				return nil, err
			}
			out = append(out, expressions.Stringify(rendered))

		case entry.Flag != nil:
			args, err := buildShorthand(entry.Flag, ev)
			if err != nil {
				return nil, err
			}
			out = append(out, args...)

		case entry.Option != nil:
			args, err := buildOption(entry.Option, ev)
			if err != nil {
				return nil, err
			}
			out = append(out, args...)

		default:
			return nil, schema.NewError(schema.ErrCodeConfig, "unsupported argv entry")
		}
	}
	return out, nil
}

// buildShorthand handles the single-key {optName: valueExpr} form:
// true appends the option alone, false/null/"" omit it entirely, a
// list emits one (opt, element) pair per element.
func buildShorthand(flag *schema.FlagEntry, ev *expressions.Evaluator) ([]string, error) {
	value, err := ev.Render(flag.Value)
	if err != nil {
		return nil, err
	}
	switch v := value.(type) {
	case bool:
		if v {
			return []string{flag.Opt}, nil
		}
		return nil, nil
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return []string{flag.Opt, v}, nil
	case []any:
		out := make([]string, 0, 2*len(v))
		for _, item := range v {
			out = append(out, flag.Opt, expressions.Stringify(item))
		}
		return out, nil
	default:
		return []string{flag.Opt, expressions.Stringify(value)}, nil
	}
}

func buildOption(opt *schema.OptionSpec, ev *expressions.Evaluator) ([]string, error) {
	pass, err := ev.EvalGuard(opt.When)
	if err != nil {
		return nil, err
	}
	if !pass {
		return nil, nil
	}

	value, err := ev.Render(opt.From)
	if err != nil {
		return nil, err
	}

	mode := opt.Mode
	if mode == "" || mode == "auto" {
		switch value.(type) {
		case bool:
			mode = "flag"
		case []any:
			mode = "repeat"
		default:
			mode = "value"
		}
	}

	// Tri-state string values always take the flag path, regardless of
	// the declared mode. This is a documented rule, not an accident:
	// "auto" contributes nothing, "true" appends opt, "false" appends
	// false_opt when supplied.
	if s, ok := value.(string); ok {
		switch s {
		case "auto":
			return nil, nil
		case "true":
			return []string{opt.Opt}, nil
		case "false":
			if opt.FalseOpt != "" {
				return []string{opt.FalseOpt}, nil
			}
			return nil, nil
		}
	}

	omitIfEmpty := opt.OmitIfEmpty == nil || *opt.OmitIfEmpty
	if omitIfEmpty && expressions.IsEmpty(value) {
		return nil, nil
	}

	style := opt.Style
	if style == "" {
		style = "separate"
	}

	switch mode {
	case "flag":
		switch v := value.(type) {
		case bool:
			if v {
				return []string{opt.Opt}, nil
			}
			if opt.FalseOpt != "" {
				return []string{opt.FalseOpt}, nil
			}
		}
		return nil, nil

	case "value":
		return emitPair(opt.Opt, style, expressions.Stringify(value)), nil

	case "repeat":
		items := asList(value)
		var out []string
		for _, item := range items {
			out = append(out, emitPair(opt.Opt, style, formatItem(opt.Template, item))...)
		}
		return out, nil

	case "join":
		items := asList(value)
		rendered := make([]string, 0, len(items))
		for _, item := range items {
			rendered = append(rendered, formatItem(opt.Template, item))
		}
		joiner := opt.Joiner
		if joiner == "" {
			joiner = ","
		}
		return emitPair(opt.Opt, style, strings.Join(rendered, joiner)), nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "unknown argv mode %q", mode)
	}
}

// asList treats a scalar as a singleton list.
func asList(value any) []any {
	if list, ok := value.([]any); ok {
		return list
	}
	return []any{value}
}

// emitPair formats one (opt, value) pair per the declared style:
// separate yields [opt, value], equals yields ["opt=value"].
func emitPair(opt, style, value string) []string {
	if style == "equals" {
		return []string{opt + "=" + value}
	}
	return []string{opt, value}
}

// formatItem applies the per-item formatting template. Map items use
// named {key} substitution; scalars substitute {} and {0}.
func formatItem(template string, item any) string {
	if template == "" {
		return expressions.Stringify(item)
	}
	if m, ok := item.(map[string]any); ok {
		out := template
		for k, v := range m {
			out = strings.ReplaceAll(out, "{"+k+"}", expressions.Stringify(v))
		}
		return out
	}
	rendered := expressions.Stringify(item)
	out := strings.ReplaceAll(template, "{}", rendered)
	return strings.ReplaceAll(out, "{0}", rendered)
}
