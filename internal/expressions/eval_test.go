package expressions

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runcard-io/runcard/pkg/schema"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	builder := NewScopeBuilder(
		map[string]any{
			"name":    "demo",
			"count":   3,
			"ratio":   1.5,
			"enabled": true,
			"empty":   "",
			"items":   []any{"a", "b", "c"},
			"tags":    map[string]any{"env": "prod"},
			"nothing": nil,
		},
		map[string]any{"target": "/tmp/out", "verbose": false},
	)
	builder.AddStepResult("build", map[string]any{
		"exit_code": 0,
		"stdout":    "ok",
		"stderr":    "",
	})
	return NewEvaluator(builder.Build())
}

func eval(t *testing.T, expr string) any {
	t.Helper()
	v, err := newTestEvaluator(t).Evaluate(expr)
	require.NoError(t, err, "expression %q", expr)
	return v
}

func evalErr(t *testing.T, expr string) *schema.Error {
	t.Helper()
	_, err := newTestEvaluator(t).Evaluate(expr)
	require.Error(t, err, "expression %q", expr)
	return schema.AsError(err, schema.ErrCodeEvaluation)
}

func TestEvaluate_Literals(t *testing.T) {
	tests := []struct {
		expr string
		want any
	}{
		{`42`, int64(42)},
		{`-7`, int64(-7)},
		{`3.25`, 3.25},
		{`1e3`, 1000.0},
		{`"hello"`, "hello"},
		{`'single'`, "single"},
		{`"with \"quotes\""`, `with "quotes"`},
		{`true`, true},
		{`false`, false},
		{`null`, nil},
		{`[1, 2, 3]`, []any{int64(1), int64(2), int64(3)}},
		{`["a", true,]`, []any{"a", true}},
		{`{"k": 1, "j": "v"}`, map[string]any{"k": int64(1), "j": "v"}},
		{`[]`, []any{}},
		{`{}`, map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			assert.Equal(t, tt.want, eval(t, tt.expr))
		})
	}
}

func TestEvaluate_ScopeAccess(t *testing.T) {
	assert.Equal(t, "demo", eval(t, `vars.name`))
	assert.Equal(t, "/tmp/out", eval(t, `form.target`))
	assert.Equal(t, "prod", eval(t, `vars.tags.env`))
	assert.Equal(t, "b", eval(t, `vars.items[1]`))
	assert.Equal(t, "prod", eval(t, `vars.tags["env"]`))
	assert.Equal(t, 0, eval(t, `step.build.exit_code`))
	assert.Equal(t, runtime.GOOS, eval(t, `os`))
}

func TestEvaluate_MissingMapKeyIsNull(t *testing.T) {
	assert.Nil(t, eval(t, `vars.tags.missing`))
	assert.Equal(t, true, eval(t, `vars.tags.missing == null`))
}

func TestEvaluate_UnresolvedName(t *testing.T) {
	serr := evalErr(t, `no_such_name`)
	assert.Equal(t, schema.ErrCodeEvaluation, serr.Code)
	assert.Contains(t, serr.Message, "no_such_name")
}

func TestEvaluate_AttrOnNonMap(t *testing.T) {
	serr := evalErr(t, `vars.name.field`)
	assert.Equal(t, schema.ErrCodeEvaluation, serr.Code)
}

func TestEvaluate_IndexOutOfRange(t *testing.T) {
	serr := evalErr(t, `vars.items[9]`)
	assert.Contains(t, serr.Message, "out of range")
}

func TestEvaluate_Comparisons(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{`1 == 1`, true},
		{`1 == 1.0`, true},
		{`1 != 2`, true},
		{`"a" == "a"`, true},
		{`"a" != "b"`, true},
		{`2 < 3`, true},
		{`3 <= 3`, true},
		{`4 > 3`, true},
		{`"abc" < "abd"`, true},
		{`vars.count == 3`, true},
		{`[1, 2] == [1, 2]`, true},
		{`[1, 2] == [2, 1]`, false},
		{`1 == "1"`, false},
		{`null == null`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			assert.Equal(t, tt.want, eval(t, tt.expr))
		})
	}
}

func TestEvaluate_ChainedComparison(t *testing.T) {
	assert.Equal(t, true, eval(t, `1 < 2 < 3`))
	assert.Equal(t, false, eval(t, `1 < 3 < 2`))
	assert.Equal(t, true, eval(t, `0 <= vars.count <= 10`))
}

func TestEvaluate_OrderingMismatchedTypes(t *testing.T) {
	serr := evalErr(t, `1 < "a"`)
	assert.Contains(t, serr.Message, "cannot order")
}

func TestEvaluate_BoolOps(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{`true and true`, true},
		{`true and false`, false},
		{`false or true`, true},
		{`false or false`, false},
		{`not false`, true},
		{`not vars.empty`, true},
		{`vars.enabled and vars.count > 0`, true},
		{`vars.empty or vars.name == "demo"`, true},
		{`true and true and false`, false},
		{`vars.count and true`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			assert.Equal(t, tt.want, eval(t, tt.expr))
		})
	}
}

func TestEvaluate_ShortCircuit(t *testing.T) {
	// the right-hand side would fail if evaluated
	assert.Equal(t, false, eval(t, `false and no_such_name`))
	assert.Equal(t, true, eval(t, `true or no_such_name`))
}

func TestEvaluate_Calls(t *testing.T) {
	assert.Equal(t, int64(4), eval(t, `len("demo")`))
	assert.Equal(t, int64(3), eval(t, `len(vars.items)`))
	assert.Equal(t, int64(1), eval(t, `len(vars.tags)`))
	assert.Equal(t, true, eval(t, `empty("")`))
	assert.Equal(t, true, eval(t, `empty(vars.nothing)`))
	assert.Equal(t, false, eval(t, `empty(vars.items)`))
}

func TestEvaluate_Exists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "present")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	builder := NewScopeBuilder(map[string]any{"path": path}, nil)
	ev := NewEvaluator(builder.Build())

	v, err := ev.Evaluate(`exists(vars.path)`)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = ev.Evaluate(`exists("/definitely/not/here/at/all")`)
	require.NoError(t, err)
	assert.Equal(t, false, v)
}

func TestEvaluate_UnknownCallRejected(t *testing.T) {
	serr := evalErr(t, `open("/etc/passwd")`)
	assert.Contains(t, serr.Message, "not allowed")
}

func TestEvaluate_SyntaxErrors(t *testing.T) {
	exprs := []string{
		``,
		`1 +`,
		`(1`,
		`[1, 2`,
		`"unterminated`,
		`vars.`,
		`1 2`,
		`and true`,
	}
	for _, expr := range exprs {
		t.Run(expr, func(t *testing.T) {
			_, err := newTestEvaluator(t).Evaluate(expr)
			require.Error(t, err)
			serr := schema.AsError(err, schema.ErrCodeSyntax)
			assert.Equal(t, schema.ErrCodeSyntax, serr.Code)
		})
	}
}

func TestEvaluate_RepeatedOnSameEvaluator(t *testing.T) {
	ev := newTestEvaluator(t)
	for _, expr := range []string{
		`vars.count == 3 or vars.enabled`,
		`vars.items`,
		`vars.tags`,
		`[vars.name, vars.items[0], step.build.exit_code]`,
		`{"n": vars.count, "sub": vars.tags}`,
	} {
		first, err := ev.Evaluate(expr)
		require.NoError(t, err, "expression %q", expr)
		second, err := ev.Evaluate(expr)
		require.NoError(t, err, "expression %q", expr)
		assert.Equal(t, first, second, "expression %q", expr)
	}
	// evaluation must not have written through to the scope
	items, err := ev.Evaluate(`vars.items`)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, items)
	tags, err := ev.Evaluate(`vars.tags`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"env": "prod"}, tags)
}

func TestEvaluate_LenOfNumberFails(t *testing.T) {
	serr := evalErr(t, `len(3)`)
	assert.Contains(t, serr.Message, "len()")
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(false))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy(0))
	assert.False(t, Truthy(0.0))
	assert.False(t, Truthy([]any{}))
	assert.False(t, Truthy(map[string]any{}))
	assert.True(t, Truthy(true))
	assert.True(t, Truthy("x"))
	assert.True(t, Truthy(1))
	assert.True(t, Truthy([]any{nil}))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "plain", Stringify("plain"))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, "42", Stringify(42))
	assert.Equal(t, "42", Stringify(int64(42)))
	assert.Equal(t, "1.5", Stringify(1.5))
	assert.Equal(t, `["a","b"]`, Stringify([]any{"a", "b"}))
	assert.Equal(t, `{"k":1}`, Stringify(map[string]any{"k": 1}))
}

func TestScopeBuilder_StepResultsAppendOnly(t *testing.T) {
	builder := NewScopeBuilder(map[string]any{}, nil)
	scopeBefore := builder.Build()
	builder.AddStepResult("later", map[string]any{"exit_code": 0})

	// the earlier snapshot must not see the new step
	_, ok := scopeBefore.Names()["step"].(map[string]any)["later"]
	assert.False(t, ok)

	scopeAfter := builder.Build()
	_, ok = scopeAfter.Names()["step"].(map[string]any)["later"]
	assert.True(t, ok)
}

func TestScopeBuilder_BindingsLayer(t *testing.T) {
	builder := NewScopeBuilder(map[string]any{"x": 1}, nil)
	child := builder.WithBindings(map[string]any{
		"item": "first",
		"loop": map[string]any{"index": 0},
	})
	grandchild := child.WithBindings(map[string]any{"item": "inner"})

	ev := NewEvaluator(child.Build())
	v, err := ev.Evaluate(`item`)
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	v, err = ev.Evaluate(`loop.index`)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	// inner binding shadows, outer layers stay visible
	ev = NewEvaluator(grandchild.Build())
	v, err = ev.Evaluate(`item`)
	require.NoError(t, err)
	assert.Equal(t, "inner", v)
	v, err = ev.Evaluate(`loop.index`)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	// parent scope never sees the binding
	_, err = NewEvaluator(builder.Build()).Evaluate(`item`)
	require.Error(t, err)
}

func TestScopeBuilder_SharedStepsAcrossChildren(t *testing.T) {
	builder := NewScopeBuilder(map[string]any{}, nil)
	child := builder.WithBindings(map[string]any{"item": 1})
	child.AddStepResult("from_child", map[string]any{"exit_code": 0})

	v, err := NewEvaluator(builder.Build()).Evaluate(`step.from_child.exit_code`)
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}
