package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/runcard-io/runcard/internal/argv"
	"github.com/runcard-io/runcard/internal/expressions"
	"github.com/runcard-io/runcard/internal/logging"
	"github.com/runcard-io/runcard/internal/streaming"
	"github.com/runcard-io/runcard/pkg/schema"
)

// Run statuses reported in RunResult.Meta.
const (
	StatusSuccess   = "success"
	StatusRecovered = "recovered"
)

// recoveryPrefix namespaces recovery step results in the final result
// map so they never collide with primary step ids.
const recoveryPrefix = "on_error."

// LogFunc receives human-readable progress lines during a run.
type LogFunc func(line string)

// Engine executes the actions of a loaded runcard. It is safe for
// concurrent use; each Run carries its own state.
type Engine struct {
	card     *schema.Runcard
	registry *runRegistry
	hub      streaming.Hub
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithHub routes run events to the given hub.
func WithHub(h streaming.Hub) Option {
	return func(e *Engine) { e.hub = h }
}

// WithLogger sets the structured logger used by the engine.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New builds an Engine over a validated runcard.
func New(card *schema.Runcard, opts ...Option) *Engine {
	e := &Engine{
		card:     card,
		registry: newRunRegistry(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Hub returns the engine's event hub, or nil when none is configured.
func (e *Engine) Hub() streaming.Hub { return e.hub }

// ActionInfo is a summary of one runnable action.
type ActionInfo struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Actions lists the card's actions sorted by id.
func (e *Engine) Actions() []ActionInfo {
	infos := make([]ActionInfo, 0, len(e.card.Actions))
	for id, action := range e.card.Actions {
		infos = append(infos, ActionInfo{ID: id, Title: action.Title})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// RunResult is the complete outcome of one action run.
type RunResult struct {
	Steps map[string]*StepResult `json:"steps"`
	Meta  Meta                   `json:"_meta"`
}

// Meta carries run-level status alongside the per-step results.
type Meta struct {
	Status string                 `json:"status"`
	Error  *schema.FailureContext `json:"error,omitempty"`
}

// runContext is the per-phase state threaded through a step walk. The
// primary pipeline and a recovery pipeline each get their own, with
// independent result maps and step namespaces.
type runContext struct {
	actionID string
	runID    string
	scopes   *expressions.ScopeBuilder
	results  map[string]*StepResult
	log      LogFunc
	token    *cancelToken
}

func (rc *runContext) withBindings(bindings map[string]any) *runContext {
	child := *rc
	child.scopes = rc.scopes.WithBindings(bindings)
	return &child
}

// record stores a step result under a collision-free id and exposes it
// to later expressions as step.<id>.
func (rc *runContext) record(stepID string, res *StepResult) string {
	id := stepID
	if _, taken := rc.results[id]; taken {
		for n := 2; ; n++ {
			candidate := fmt.Sprintf("%s_%d", stepID, n)
			if _, taken := rc.results[candidate]; !taken {
				id = candidate
				break
			}
		}
	}
	rc.results[id] = res
	rc.scopes.AddStepResult(id, res.fields())
	return id
}

// Run executes the named action to completion. Form values take part
// in variable resolution and expression scope. The returned error is
// nil on success and on successful recovery; RunResult.Meta tells the
// two apart.
func (e *Engine) Run(ctx context.Context, actionID string, form map[string]any, log LogFunc) (*RunResult, error) {
	action, ok := e.card.Actions[actionID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "unknown action %q", actionID)
	}
	pipeline := action.Pipeline
	if len(pipeline) == 0 {
		if action.Run == nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "action %q has no pipeline or run", actionID)
		}
		pipeline = []*schema.Step{{ID: actionID + "_run", Run: action.Run}}
	}
	if log == nil {
		log = func(string) {}
	}
	supplied := form
	form = make(map[string]any, len(supplied))
	for k, v := range supplied {
		form[k] = v
	}

	runID := uuid.NewString()
	ctx = logging.WithRunID(logging.WithActionID(ctx, actionID), runID)

	token := e.registry.acquire(actionID)
	defer e.registry.release(actionID, token)

	vars, err := e.resolveVars(form)
	if err != nil {
		return nil, err
	}

	// Absent form fields take their rendered defaults before any step
	// sees the scope.
	if action.Form != nil {
		ev := expressions.NewEvaluator(expressions.NewScopeBuilder(vars, form).Build())
		for _, field := range action.Form.Fields {
			if _, ok := form[field.ID]; ok {
				continue
			}
			rendered, err := ev.Render(field.Default)
			if err != nil {
				return nil, schema.AsError(err, schema.ErrCodeEvaluation)
			}
			form[field.ID] = rendered
		}
	}

	rc := &runContext{
		actionID: actionID,
		runID:    runID,
		scopes:   expressions.NewScopeBuilder(vars, form),
		results:  make(map[string]*StepResult),
		log:      log,
		token:    token,
	}

	e.logger.InfoContext(ctx, "action started")
	runErr := e.runSteps(ctx, pipeline, rc)
	if runErr == nil {
		e.logger.InfoContext(ctx, "action finished")
		e.emit(rc, streaming.EventDone, "", "[done] "+actionID)
		return &RunResult{Steps: rc.results, Meta: Meta{Status: StatusSuccess}}, nil
	}

	primary := schema.ContextFor(runErr)
	e.logger.WarnContext(ctx, "action failed",
		"step_id", primary.StepID, "error_type", primary.Type, "error", primary.Message)
	e.emit(rc, streaming.EventError, primary.StepID,
		fmt.Sprintf("[error] %s: %s", primary.StepID, primary.Message))

	if len(action.OnError) == 0 {
		return nil, runErr
	}

	e.logger.InfoContext(ctx, "starting recovery", "failed_step", primary.StepID)
	e.emit(rc, streaming.EventRecover, primary.StepID, "[recover] running on_error pipeline")

	recovery := &runContext{
		actionID: actionID,
		runID:    runID,
		scopes: expressions.NewScopeBuilder(vars, form).
			WithBindings(map[string]any{"error": primary.Map()}),
		results: make(map[string]*StepResult),
		log:     log,
		token:   token.forRecovery(),
	}
	if recErr := e.runSteps(ctx, action.OnError, recovery); recErr != nil {
		secondary := schema.ContextFor(recErr)
		e.logger.ErrorContext(ctx, "recovery failed",
			"step_id", secondary.StepID, "error", secondary.Message)
		return nil, &schema.RecoveryError{Primary: primary, Recovery: secondary, Cause: runErr}
	}

	merged := rc.results
	for id, res := range recovery.results {
		merged[recoveryPrefix+id] = res
	}
	e.logger.InfoContext(ctx, "action recovered")
	e.emit(rc, streaming.EventDone, "", "[done] "+actionID+" (recovered)")
	return &RunResult{Steps: merged, Meta: Meta{Status: StatusRecovered, Error: &primary}}, nil
}

// Stop requests cooperative cancellation of every in-flight run of the
// action and terminates its live process trees. It returns without
// waiting for the runs to unwind.
func (e *Engine) Stop(actionID string) {
	e.logger.Info("stop requested", "action_id", actionID)
	e.registry.stop(actionID)
}

// Resolve computes the action's effective form values without running
// anything: supplied values pass through, missing fields fall back to
// their rendered defaults.
func (e *Engine) Resolve(actionID string, form map[string]any) (map[string]any, error) {
	action, ok := e.card.Actions[actionID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "unknown action %q", actionID)
	}
	if form == nil {
		form = map[string]any{}
	}
	vars, err := e.resolveVars(form)
	if err != nil {
		return nil, err
	}
	resolved := map[string]any{}
	if action.Form == nil {
		return resolved, nil
	}
	ev := expressions.NewEvaluator(expressions.NewScopeBuilder(vars, form).Build())
	for _, field := range action.Form.Fields {
		if v, ok := form[field.ID]; ok {
			resolved[field.ID] = v
			continue
		}
		rendered, err := ev.Render(field.Default)
		if err != nil {
			return nil, schema.AsError(err, schema.ErrCodeEvaluation)
		}
		resolved[field.ID] = rendered
	}
	return resolved, nil
}

// ResolveVars renders the card's top-level vars in declaration order;
// earlier vars are visible to later ones.
func (e *Engine) ResolveVars(form map[string]any) (map[string]any, error) {
	if form == nil {
		form = map[string]any{}
	}
	return e.resolveVars(form)
}

func (e *Engine) resolveVars(form map[string]any) (map[string]any, error) {
	vars := make(map[string]any, len(e.card.Vars))
	builder := expressions.NewScopeBuilder(vars, form)
	for _, decl := range e.card.Vars {
		raw := decl.Value
		if m, ok := raw.(map[string]any); ok {
			if d, has := m["default"]; has {
				raw = d
			}
		}
		ev := expressions.NewEvaluator(builder.Build())
		val, err := ev.Render(raw)
		if err != nil {
			return nil, schema.AsError(err, schema.ErrCodeEvaluation)
		}
		vars[decl.Name] = val
	}
	return vars, nil
}

// runSteps walks one step list. It is re-entered for nested pipelines,
// foreach bodies, and the recovery pipeline.
func (e *Engine) runSteps(ctx context.Context, steps []*schema.Step, rc *runContext) error {
	for i, step := range steps {
		stepID := step.ID
		if stepID == "" {
			stepID = fmt.Sprintf("step_%d", i+1)
		}

		if rc.token.Cancelled() {
			return schema.NewError(schema.ErrCodeCancelled, "action was stopped").WithStep(stepID)
		}
		if err := ctx.Err(); err != nil {
			return schema.NewError(schema.ErrCodeCancelled, "run context cancelled").
				WithStep(stepID).WithCause(err)
		}

		stepCtx := logging.WithStepID(ctx, stepID)
		err := func() error {
			ev := expressions.NewEvaluator(rc.scopes.Build())
			pass, err := ev.EvalGuard(step.When)
			if err != nil {
				return schema.AsError(err, schema.ErrCodeEvaluation).WithStep(stepID)
			}
			if !pass {
				e.logger.DebugContext(stepCtx, "step skipped")
				e.emit(rc, streaming.EventSkip, stepID, fmt.Sprintf("[skip] %s (when=false)", stepID))
				return nil
			}
			return e.dispatchStep(stepCtx, step, stepID, ev, rc)
		}()
		if err != nil {
			serr := schema.AsError(err, schema.ErrCodeExecution)
			if serr.StepID == "" {
				serr = serr.WithStep(stepID)
			}
			if step.ContinueOnError && serr.Code != schema.ErrCodeConfig {
				e.logger.WarnContext(stepCtx, "step failed, continuing", "error", serr.Message)
				e.emit(rc, streaming.EventWarn, stepID, fmt.Sprintf("[warn] %s: %s", stepID, serr.Message))
				continue
			}
			return serr
		}
	}
	return nil
}

func (e *Engine) dispatchStep(ctx context.Context, step *schema.Step, stepID string, ev *expressions.Evaluator, rc *runContext) error {
	switch {
	case step.Run != nil:
		return e.runCommand(ctx, stepID, step, ev, rc)
	case len(step.Pipeline) > 0:
		return e.runSteps(ctx, step.Pipeline, rc)
	case step.Foreach != nil:
		return e.runForeach(ctx, step.Foreach, ev, rc)
	default:
		return schema.NewErrorf(schema.ErrCodeConfig, "step %q has nothing to do", stepID).WithStep(stepID)
	}
}

func (e *Engine) runForeach(ctx context.Context, spec *schema.ForeachSpec, ev *expressions.Evaluator, rc *runContext) error {
	rendered, err := ev.Render(spec.In)
	if err != nil {
		return err
	}
	items, ok := rendered.([]any)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeEvaluation, "foreach.in must produce a list, got %T", rendered)
	}
	alias := spec.As
	if alias == "" {
		alias = "item"
	}
	for i, item := range items {
		child := rc.withBindings(map[string]any{
			alias:  item,
			"loop": map[string]any{"index": i},
		})
		if err := e.runSteps(ctx, spec.Steps, child); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runCommand(ctx context.Context, stepID string, step *schema.Step, ev *expressions.Evaluator, rc *runContext) error {
	run := step.Run

	programVal, err := ev.Render(run.Program)
	if err != nil {
		return err
	}
	program := e.resolveProgram(expressions.Stringify(programVal), ev)
	if program == "" {
		return schema.NewError(schema.ErrCodeConfig, "run.program is empty").WithStep(stepID)
	}

	args, err := argv.Build(run.Argv, ev)
	if err != nil {
		return schema.AsError(err, schema.ErrCodeEvaluation).WithStep(stepID)
	}

	env, err := e.buildEnv(run.Env, ev)
	if err != nil {
		return schema.AsError(err, schema.ErrCodeEvaluation).WithStep(stepID)
	}

	dir, err := e.resolveWorkdir(run.Workdir, ev)
	if err != nil {
		return schema.AsError(err, schema.ErrCodeEvaluation).WithStep(stepID)
	}

	shell := false
	if e.card.App != nil {
		shell = e.card.App.Shell
	}
	if run.Shell != nil {
		shell = *run.Shell
	}

	capture := run.Capture == nil || *run.Capture
	stdoutMode, err := e.resolveStream(run.Stdout, capture, ev)
	if err != nil {
		return schema.AsError(err, schema.ErrCodeEvaluation).WithStep(stepID)
	}
	stderrMode, err := e.resolveStream(run.Stderr, capture, ev)
	if err != nil {
		return schema.AsError(err, schema.ErrCodeEvaluation).WithStep(stepID)
	}

	e.logger.InfoContext(ctx, "starting process", "program", program, "args", args, "shell", shell)
	e.emit(rc, streaming.EventRun, stepID,
		fmt.Sprintf("[run] %s: %s %s", stepID, program, strings.Join(args, " ")))

	emit := func(stream, line string) {
		e.emit(rc, stream, stepID, fmt.Sprintf("[%s] %s", stream, line))
	}

	result, err := runProcess(ctx, processSpec{
		stepID:  stepID,
		program: program,
		args:    args,
		dir:     dir,
		env:     env,
		shell:   shell,
		stdout:  stdoutMode,
		stderr:  stderrMode,
		timeout: time.Duration(run.TimeoutMs) * time.Millisecond,
	}, rc.token, emit)
	if err != nil {
		return err
	}

	recordedID := rc.record(stepID, result)
	e.logger.InfoContext(ctx, "process finished",
		"exit_code", result.ExitCode, "duration_ms", result.DurationMs)

	if result.ExitCode != 0 && !step.ContinueOnError {
		return schema.NewErrorf(schema.ErrCodeProcessExit, "process exited with code %d", result.ExitCode).
			WithStep(recordedID).
			WithDetails(map[string]any{"exit_code": result.ExitCode})
	}
	return nil
}

// resolveProgram maps a runtime alias to its configured executable.
func (e *Engine) resolveProgram(program string, ev *expressions.Evaluator) string {
	rt, ok := e.card.Runtime[program]
	if !ok || rt.Executable == "" {
		return program
	}
	rendered, err := ev.Render(rt.Executable)
	if err != nil {
		return rt.Executable
	}
	return expressions.Stringify(rendered)
}

// buildEnv layers the step environment over the app environment over
// the parent process environment. Values on both layers are rendered.
func (e *Engine) buildEnv(stepEnv map[string]string, ev *expressions.Evaluator) ([]string, error) {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	layers := []map[string]string{}
	if e.card.App != nil && len(e.card.App.Env) > 0 {
		layers = append(layers, e.card.App.Env)
	}
	if len(stepEnv) > 0 {
		layers = append(layers, stepEnv)
	}
	for _, layer := range layers {
		for k, v := range layer {
			rendered, err := ev.Render(v)
			if err != nil {
				return nil, err
			}
			merged[k] = expressions.Stringify(rendered)
		}
	}
	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env, nil
}

func (e *Engine) resolveWorkdir(stepDir string, ev *expressions.Evaluator) (string, error) {
	dir := stepDir
	if dir == "" && e.card.App != nil {
		dir = e.card.App.Workdir
	}
	if dir == "" {
		return "", nil
	}
	rendered, err := ev.Render(dir)
	if err != nil {
		return "", err
	}
	return expressions.Stringify(rendered), nil
}

// resolveStream normalises a stream mode, rendering the path of a
// file: target. An empty mode falls back to the capture flag.
func (e *Engine) resolveStream(mode string, capture bool, ev *expressions.Evaluator) (string, error) {
	if mode == "" {
		if capture {
			return streamCapture, nil
		}
		return streamInherit, nil
	}
	if strings.HasPrefix(mode, filePrefix) {
		rendered, err := ev.Render(strings.TrimPrefix(mode, filePrefix))
		if err != nil {
			return "", err
		}
		return filePrefix + expressions.Stringify(rendered), nil
	}
	return mode, nil
}

func (e *Engine) emit(rc *runContext, kind, stepID, line string) {
	rc.log(line)
	if e.hub == nil {
		return
	}
	_ = e.hub.Publish(context.Background(), streaming.RunEvent{
		ActionID: rc.actionID,
		RunID:    rc.runID,
		StepID:   stepID,
		Kind:     kind,
		Line:     line,
	})
}
