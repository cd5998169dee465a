package expressions

import (
	"os"
	"runtime"
)

// Scope is the read-only name environment visible to expressions at a
// given point of pipeline execution. It is conceptually immutable: loop
// iterations and recovery runs layer new bindings via child builders
// without mutating the parent.
type Scope struct {
	names map[string]any
}

// Lookup resolves a top-level name.
func (s *Scope) Lookup(name string) (any, bool) {
	v, ok := s.names[name]
	return v, ok
}

// Names returns the name map for diagnostic use. Callers must not mutate it.
func (s *Scope) Names() map[string]any {
	return s.names
}

// ScopeBuilder assembles Scopes from the engine's state layers: resolved
// vars, caller-supplied form values, the process environment, prior step
// results, OS metadata, and any active loop or error bindings.
type ScopeBuilder struct {
	vars     map[string]any
	form     map[string]any
	env      map[string]any
	steps    map[string]any
	bindings map[string]any // loop aliases, loop.index, error context
}

// NewScopeBuilder creates a builder with the invocation-constant layers.
func NewScopeBuilder(vars, form map[string]any) *ScopeBuilder {
	return &ScopeBuilder{
		vars:  vars,
		form:  form,
		env:   environMap(),
		steps: make(map[string]any),
	}
}

// SetVars replaces the resolved vars layer.
func (b *ScopeBuilder) SetVars(vars map[string]any) {
	b.vars = vars
}

// AddStepResult registers a completed step's result fields. Results are
// append-only; the engine guarantees ids are unique within a run.
func (b *ScopeBuilder) AddStepResult(stepID string, fields map[string]any) {
	b.steps[stepID] = fields
}

// WithBindings returns a child builder layering extra top-level names
// (foreach aliases, loop, error) over this one. The child shares the
// append-only step results so later iterations see earlier outcomes.
func (b *ScopeBuilder) WithBindings(extra map[string]any) *ScopeBuilder {
	merged := make(map[string]any, len(b.bindings)+len(extra))
	for k, v := range b.bindings {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return &ScopeBuilder{
		vars:     b.vars,
		form:     b.form,
		env:      b.env,
		steps:    b.steps, // shared, append-only
		bindings: merged,
	}
}

// Build snapshots the current layers into a Scope.
func (b *ScopeBuilder) Build() *Scope {
	names := map[string]any{
		"vars": b.vars,
		"form": b.form,
		"env":  b.env,
		"step": copyMap(b.steps),
		"cwd":  workingDir(),
		"home": homeDir(),
		"temp": os.TempDir(),
		"os":   runtime.GOOS,
	}
	for k, v := range b.bindings {
		names[k] = v
	}
	return &Scope{names: names}
}

func environMap() map[string]any {
	env := make(map[string]any)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return env
}

func workingDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return wd
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

func copyMap(m map[string]any) map[string]any {
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
