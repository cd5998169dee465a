package schema

import (
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Runcard is the parsed, validated root of a runcard document: global
// variable declarations plus a mapping of action id to Action. It is
// loaded once and read-only to the engine.
type Runcard struct {
	Version int                    `yaml:"version" json:"version"`
	Vars    VarList                `yaml:"vars,omitempty" json:"vars,omitempty"`
	App     *AppConfig             `yaml:"app,omitempty" json:"app,omitempty"`
	Runtime map[string]RuntimeSpec `yaml:"runtime,omitempty" json:"runtime,omitempty"`
	Actions map[string]*Action     `yaml:"actions" json:"actions"`
}

// VarDecl is one global variable declaration. Value is either the
// value itself or a {default: ...} mapping.
type VarDecl struct {
	Name  string
	Value any
}

// VarList preserves the declaration order of the vars mapping so later
// variables can reference earlier ones during resolution.
type VarList []VarDecl

// UnmarshalYAML decodes a YAML mapping into an ordered VarList.
func (v *VarList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return NewError(ErrCodeConfig, "vars must be a mapping")
	}
	out := make(VarList, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var name string
		if err := node.Content[i].Decode(&name); err != nil {
			return NewError(ErrCodeConfig, "vars keys must be strings").WithCause(err)
		}
		var value any
		if err := node.Content[i+1].Decode(&value); err != nil {
			return NewErrorf(ErrCodeConfig, "invalid value for var %q", name).WithCause(err)
		}
		out = append(out, VarDecl{Name: name, Value: value})
	}
	*v = out
	return nil
}

// AppConfig carries application-wide execution defaults.
type AppConfig struct {
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Workdir string            `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	Shell   bool              `yaml:"shell,omitempty" json:"shell,omitempty"`
}

// RuntimeSpec remaps a logical program name (e.g. "python") to a
// concrete executable path. The path may be a template.
type RuntimeSpec struct {
	Executable string `yaml:"executable" json:"executable"`
}

// Action is a named, user-triggerable unit of work: one pipeline (or a
// single-run shorthand) plus an optional recovery pipeline.
type Action struct {
	Title    string  `yaml:"title" json:"title"`
	Form     *Form   `yaml:"form,omitempty" json:"form,omitempty"`
	Pipeline []*Step `yaml:"pipeline,omitempty" json:"pipeline,omitempty"`
	Run      *RunSpec `yaml:"run,omitempty" json:"run,omitempty"`
	OnError  []*Step `yaml:"on_error,omitempty" json:"on_error,omitempty"`
}

// Form describes the input fields an action exposes to the caller.
type Form struct {
	Fields []FormField `yaml:"fields" json:"fields"`
}

// FormField is one user input field. Default may be a template.
type FormField struct {
	ID      string `yaml:"id" json:"id"`
	Label   string `yaml:"label,omitempty" json:"label,omitempty"`
	Type    string `yaml:"type,omitempty" json:"type,omitempty"`
	Default any    `yaml:"default,omitempty" json:"default,omitempty"`
	Widget  string `yaml:"widget,omitempty" json:"widget,omitempty"`
	Options []any  `yaml:"options,omitempty" json:"options,omitempty"`
}

// Step is one node in a pipeline: a program invocation, a nested
// pipeline, or a foreach loop. Exactly one of Run, Pipeline, Foreach
// is set.
type Step struct {
	ID              string       `yaml:"id,omitempty" json:"id,omitempty"`
	When            any          `yaml:"when,omitempty" json:"when,omitempty"`
	ContinueOnError bool         `yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty"`
	Run             *RunSpec     `yaml:"run,omitempty" json:"run,omitempty"`
	Pipeline        []*Step      `yaml:"pipeline,omitempty" json:"pipeline,omitempty"`
	Foreach         *ForeachSpec `yaml:"foreach,omitempty" json:"foreach,omitempty"`
}

// ForeachSpec iterates body steps once per element of the rendered
// source list, binding the alias and loop.index per iteration.
type ForeachSpec struct {
	In    any     `yaml:"in" json:"in"`
	As    string  `yaml:"as,omitempty" json:"as,omitempty"`
	Steps []*Step `yaml:"steps" json:"steps"`
}

// RunSpec describes one external program invocation.
type RunSpec struct {
	Program   string            `yaml:"program" json:"program"`
	Argv      []ArgvEntry       `yaml:"argv,omitempty" json:"argv,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Workdir   string            `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	Shell     *bool             `yaml:"shell,omitempty" json:"shell,omitempty"`
	Stdout    string            `yaml:"stdout,omitempty" json:"stdout,omitempty"`
	Stderr    string            `yaml:"stderr,omitempty" json:"stderr,omitempty"`
	TimeoutMs int64             `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	Capture   *bool             `yaml:"capture,omitempty" json:"capture,omitempty"`
}

// ArgvEntry is one declarative argv element: a literal string, a
// single-key flag shorthand, or an extended option specification.
// Exactly one of the three forms is set after unmarshalling.
type ArgvEntry struct {
	Literal string
	IsLit   bool
	Flag    *FlagEntry
	Option  *OptionSpec
}

// FlagEntry is the single-key shorthand form {optName: valueExpr}.
type FlagEntry struct {
	Opt   string
	Value any
}

// OptionSpec is the extended option form.
type OptionSpec struct {
	Opt         string `yaml:"opt" json:"opt"`
	From        any    `yaml:"from,omitempty" json:"from,omitempty"`
	Mode        string `yaml:"mode,omitempty" json:"mode,omitempty"`
	Style       string `yaml:"style,omitempty" json:"style,omitempty"`
	Template    string `yaml:"template,omitempty" json:"template,omitempty"`
	Joiner      string `yaml:"joiner,omitempty" json:"joiner,omitempty"`
	FalseOpt    string `yaml:"false_opt,omitempty" json:"false_opt,omitempty"`
	OmitIfEmpty *bool  `yaml:"omit_if_empty,omitempty" json:"omit_if_empty,omitempty"`
	When        any    `yaml:"when,omitempty" json:"when,omitempty"`
}

// UnmarshalYAML classifies an argv entry by shape.
func (e *ArgvEntry) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var raw any
		if err := node.Decode(&raw); err != nil {
			return NewError(ErrCodeConfig, "invalid argv entry").WithCause(err)
		}
		s, err := cast.ToStringE(raw)
		if err != nil {
			return NewErrorf(ErrCodeConfig, "argv entry %v is not a string", raw).WithCause(err)
		}
		e.Literal = s
		e.IsLit = true
		return nil
	case yaml.MappingNode:
		var probe map[string]any
		if err := node.Decode(&probe); err != nil {
			return NewError(ErrCodeConfig, "invalid argv entry").WithCause(err)
		}
		if _, hasOpt := probe["opt"]; hasOpt {
			var opt OptionSpec
			if err := node.Decode(&opt); err != nil {
				return NewError(ErrCodeConfig, "invalid argv option spec").WithCause(err)
			}
			e.Option = &opt
			return nil
		}
		if len(probe) == 1 {
			for k, v := range probe {
				e.Flag = &FlagEntry{Opt: k, Value: v}
			}
			return nil
		}
		return NewError(ErrCodeConfig, "argv map entry must be a single-key shorthand or carry an opt key")
	default:
		return NewError(ErrCodeConfig, "argv entry must be a string or a map")
	}
}
