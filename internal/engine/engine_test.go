package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runcard-io/runcard/pkg/schema"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test relies on POSIX tools")
	}
}

func parseCard(t *testing.T, doc string) *schema.Runcard {
	t.Helper()
	rc, err := schema.Parse([]byte(doc))
	require.NoError(t, err)
	return rc
}

// logCollector gathers progress lines thread-safely.
type logCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *logCollector) add(line string) {
	c.mu.Lock()
	c.lines = append(c.lines, line)
	c.mu.Unlock()
}

func (c *logCollector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func (c *logCollector) joined() string {
	return strings.Join(c.all(), "\n")
}

func runAction(t *testing.T, doc, actionID string, form map[string]any) (*RunResult, *logCollector, error) {
	t.Helper()
	eng := New(parseCard(t, doc))
	logs := &logCollector{}
	result, err := eng.Run(context.Background(), actionID, form, logs.add)
	return result, logs, err
}

func TestRun_CapturesOutput(t *testing.T) {
	skipOnWindows(t)
	result, logs, err := runAction(t, `
version: 1
actions:
  hello:
    title: Hello
    pipeline:
      - id: greet
        run:
          program: echo
          argv: [hello, world]
`, "hello", nil)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, StatusSuccess, result.Meta.Status)
	greet := result.Steps["greet"]
	require.NotNil(t, greet)
	assert.Equal(t, 0, greet.ExitCode)
	assert.Equal(t, "hello world", greet.Stdout)
	assert.Empty(t, greet.Stderr)
	assert.GreaterOrEqual(t, greet.DurationMs, int64(0))

	assert.Contains(t, logs.joined(), "[run] greet: echo hello world")
	assert.Contains(t, logs.joined(), "[stdout] hello world")
}

func TestRun_SingleRunShorthand(t *testing.T) {
	skipOnWindows(t)
	result, _, err := runAction(t, `
version: 1
actions:
  ping:
    title: Ping
    run:
      program: echo
      argv: [pong]
`, "ping", nil)
	require.NoError(t, err)
	require.NotNil(t, result.Steps["ping_run"])
	assert.Equal(t, "pong", result.Steps["ping_run"].Stdout)
}

func TestRun_UnknownAction(t *testing.T) {
	_, _, err := runAction(t, `
version: 1
actions:
  a:
    title: A
    run: { program: "true" }
`, "nope", nil)
	require.Error(t, err)
	serr := schema.AsError(err, schema.ErrCodeConfig)
	assert.Equal(t, schema.ErrCodeConfig, serr.Code)
}

func TestRun_VarsResolveInOrder(t *testing.T) {
	skipOnWindows(t)
	result, _, err := runAction(t, `
version: 1
vars:
  base: /srv/app
  logs: "${vars.base}/logs"
  mode:
    default: fast
actions:
  show:
    title: Show
    pipeline:
      - id: print
        run:
          program: echo
          argv: ["${vars.logs}", "${vars.mode}"]
`, "show", nil)
	require.NoError(t, err)
	assert.Equal(t, "/srv/app/logs fast", result.Steps["print"].Stdout)
}

func TestRun_FormValuesInScope(t *testing.T) {
	skipOnWindows(t)
	result, _, err := runAction(t, `
version: 1
actions:
  greet:
    title: Greet
    form:
      fields:
        - id: name
          default: nobody
    pipeline:
      - id: say
        run:
          program: echo
          argv: ["${form.name}"]
`, "greet", map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "ada", result.Steps["say"].Stdout)
}

func TestRun_StepResultsVisibleDownstream(t *testing.T) {
	skipOnWindows(t)
	result, _, err := runAction(t, `
version: 1
actions:
  chain:
    title: Chain
    pipeline:
      - id: first
        run:
          program: echo
          argv: [alpha]
      - id: second
        run:
          program: echo
          argv: ["got ${step.first.stdout} exit=${step.first.exit_code}"]
`, "chain", nil)
	require.NoError(t, err)
	assert.Equal(t, "got alpha exit=0", result.Steps["second"].Stdout)
}

func TestRun_WhenSkips(t *testing.T) {
	skipOnWindows(t)
	result, logs, err := runAction(t, `
version: 1
actions:
  cond:
    title: Conditional
    form:
      fields:
        - id: extra
          default: false
    pipeline:
      - id: always
        run: { program: echo, argv: [base] }
      - id: optional
        when: "${form.extra}"
        run: { program: echo, argv: [extra] }
`, "cond", nil)
	require.NoError(t, err)
	assert.Contains(t, result.Steps, "always")
	assert.NotContains(t, result.Steps, "optional")
	assert.Contains(t, logs.joined(), "[skip] optional (when=false)")
}

func TestRun_WhenExpressionString(t *testing.T) {
	skipOnWindows(t)
	result, _, err := runAction(t, `
version: 1
vars:
  count: 3
actions:
  cond:
    title: Conditional
    pipeline:
      - id: yes_step
        when: "vars.count > 1"
        run: { program: echo, argv: [ran] }
      - id: no_step
        when: "vars.count > 99"
        run: { program: echo, argv: [never] }
`, "cond", nil)
	require.NoError(t, err)
	assert.Contains(t, result.Steps, "yes_step")
	assert.NotContains(t, result.Steps, "no_step")
}

func TestRun_NonzeroExitFails(t *testing.T) {
	skipOnWindows(t)
	result, _, err := runAction(t, `
version: 1
actions:
  boom:
    title: Boom
    pipeline:
      - id: fail_here
        run: { program: "false" }
      - id: after
        run: { program: echo, argv: [reached] }
`, "boom", nil)
	require.Error(t, err)
	assert.Nil(t, result)

	serr := schema.AsError(err, schema.ErrCodeExecution)
	assert.Equal(t, schema.ErrCodeProcessExit, serr.Code)
	assert.Equal(t, "fail_here", serr.StepID)
	assert.Equal(t, 1, serr.Details["exit_code"])
}

func TestRun_ContinueOnError(t *testing.T) {
	skipOnWindows(t)
	result, logs, err := runAction(t, `
version: 1
actions:
  tolerant:
    title: Tolerant
    pipeline:
      - id: shaky
        continue_on_error: true
        run: { program: "false" }
      - id: after
        run: { program: echo, argv: [reached] }
`, "tolerant", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Meta.Status)
	assert.Contains(t, result.Steps, "after")
	// the failing step still records its result
	require.Contains(t, result.Steps, "shaky")
	assert.Equal(t, 1, result.Steps["shaky"].ExitCode)
	assert.NotContains(t, logs.joined(), "[warn]")
}

func TestRun_ContinueOnErrorWarnsOnHardFailure(t *testing.T) {
	skipOnWindows(t)
	_, logs, err := runAction(t, `
version: 1
actions:
  tolerant:
    title: Tolerant
    pipeline:
      - id: shaky
        continue_on_error: true
        run:
          program: echo
          argv: ["${bogus_name}"]
      - id: after
        run: { program: echo, argv: [reached] }
`, "tolerant", nil)
	require.NoError(t, err)
	assert.Contains(t, logs.joined(), "[warn] shaky:")
}

func TestRun_ContinueOnErrorDoesNotMaskConfigError(t *testing.T) {
	// A step with nothing to do only arises through the API; document
	// validation rejects it before the engine ever sees it.
	eng := New(&schema.Runcard{
		Version: 1,
		Actions: map[string]*schema.Action{
			"broken": {
				Title: "Broken",
				Pipeline: []*schema.Step{
					{ID: "noop", ContinueOnError: true},
					{ID: "after", Run: &schema.RunSpec{Program: "echo", Argv: []schema.ArgvEntry{{Literal: "reached", IsLit: true}}}},
				},
			},
		},
	})
	result, err := eng.Run(context.Background(), "broken", nil, nil)
	require.Error(t, err)
	assert.Nil(t, result)

	serr := schema.AsError(err, schema.ErrCodeExecution)
	assert.Equal(t, schema.ErrCodeConfig, serr.Code)
	assert.Equal(t, "noop", serr.StepID)
}

func TestRun_SpawnFailure(t *testing.T) {
	skipOnWindows(t)
	_, _, err := runAction(t, `
version: 1
actions:
  ghost:
    title: Ghost
    pipeline:
      - id: missing
        run: { program: /no/such/binary/anywhere }
`, "ghost", nil)
	require.Error(t, err)
	serr := schema.AsError(err, schema.ErrCodeExecution)
	assert.Equal(t, schema.ErrCodeExecution, serr.Code)
	assert.Equal(t, "missing", serr.StepID)
}

func TestRun_NestedPipeline(t *testing.T) {
	skipOnWindows(t)
	result, _, err := runAction(t, `
version: 1
actions:
  nested:
    title: Nested
    pipeline:
      - id: outer
        pipeline:
          - id: inner_a
            run: { program: echo, argv: [a] }
          - id: inner_b
            run: { program: echo, argv: ["${step.inner_a.stdout}b"] }
`, "nested", nil)
	require.NoError(t, err)
	assert.Equal(t, "ab", result.Steps["inner_b"].Stdout)
}

func TestRun_Foreach(t *testing.T) {
	skipOnWindows(t)
	result, _, err := runAction(t, `
version: 1
vars:
  names: [ana, bob]
actions:
  fan:
    title: Fan out
    pipeline:
      - id: each
        foreach:
          in: "${vars.names}"
          as: who
          steps:
            - id: greet
              run:
                program: echo
                argv: ["${loop.index}:${who}"]
`, "fan", nil)
	require.NoError(t, err)

	// duplicate ids across iterations get numeric suffixes
	require.Contains(t, result.Steps, "greet")
	require.Contains(t, result.Steps, "greet_2")
	assert.Equal(t, "0:ana", result.Steps["greet"].Stdout)
	assert.Equal(t, "1:bob", result.Steps["greet_2"].Stdout)
}

func TestRun_ForeachDefaultAlias(t *testing.T) {
	skipOnWindows(t)
	result, _, err := runAction(t, `
version: 1
vars:
  names: [solo]
actions:
  fan:
    title: Fan out
    pipeline:
      - id: each
        foreach:
          in: "${vars.names}"
          steps:
            - id: handle
              run: { program: echo, argv: ["${item}"] }
`, "fan", nil)
	require.NoError(t, err)
	assert.Equal(t, "solo", result.Steps["handle"].Stdout)
}

func TestRun_ForeachNonListFails(t *testing.T) {
	_, _, err := runAction(t, `
version: 1
actions:
  fan:
    title: Fan out
    pipeline:
      - id: each
        foreach:
          in: "just a string"
          steps:
            - id: handle
              run: { program: echo }
`, "fan", nil)
	require.Error(t, err)
	serr := schema.AsError(err, schema.ErrCodeEvaluation)
	assert.Equal(t, schema.ErrCodeEvaluation, serr.Code)
	assert.Contains(t, serr.Message, "list")
}

func TestRun_StepEnvAndWorkdir(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	result, _, err := runAction(t, fmt.Sprintf(`
version: 1
app:
  env:
    APP_LEVEL: from_app
actions:
  env_check:
    title: Env check
    pipeline:
      - id: print
        run:
          program: /bin/sh
          argv: [-c, "echo $APP_LEVEL $STEP_LEVEL $PWD"]
          env:
            STEP_LEVEL: from_step
          workdir: %q
`, dir), "env_check", nil)
	require.NoError(t, err)
	out := result.Steps["print"].Stdout
	assert.Contains(t, out, "from_app")
	assert.Contains(t, out, "from_step")
	assert.Contains(t, out, dir)
}

func TestRun_ShellMode(t *testing.T) {
	skipOnWindows(t)
	result, _, err := runAction(t, `
version: 1
actions:
  piped:
    title: Piped
    pipeline:
      - id: count
        run:
          program: "printf 'a\nb\nc' | wc -l"
          shell: true
`, "piped", nil)
	require.NoError(t, err)
	assert.Equal(t, "2", strings.TrimSpace(result.Steps["count"].Stdout))
}

func TestRun_RuntimeRemap(t *testing.T) {
	skipOnWindows(t)
	result, _, err := runAction(t, `
version: 1
runtime:
  shout:
    executable: echo
actions:
  mapped:
    title: Mapped
    pipeline:
      - id: say
        run:
          program: shout
          argv: [mapped]
`, "mapped", nil)
	require.NoError(t, err)
	assert.Equal(t, "mapped", result.Steps["say"].Stdout)
}

func TestRun_Timeout(t *testing.T) {
	skipOnWindows(t)
	start := time.Now()
	_, _, err := runAction(t, `
version: 1
actions:
  slow:
    title: Slow
    pipeline:
      - id: nap
        run:
          program: sleep
          argv: ["5"]
          timeout_ms: 300
`, "slow", nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)

	serr := schema.AsError(err, schema.ErrCodeExecution)
	assert.Equal(t, schema.ErrCodeTimeout, serr.Code)
	assert.Equal(t, "nap", serr.StepID)
	assert.Equal(t, int64(300), serr.Details["timeout_ms"])
}

func TestRun_StderrCaptured(t *testing.T) {
	skipOnWindows(t)
	result, logs, err := runAction(t, `
version: 1
actions:
  noisy:
    title: Noisy
    pipeline:
      - id: complain
        run:
          program: /bin/sh
          argv: [-c, "echo oops >&2"]
`, "noisy", nil)
	require.NoError(t, err)
	assert.Equal(t, "oops", result.Steps["complain"].Stderr)
	assert.Contains(t, logs.joined(), "[stderr] oops")
}

func TestRun_StdoutToFile(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "out.log")
	result, _, err := runAction(t, fmt.Sprintf(`
version: 1
actions:
  save:
    title: Save
    pipeline:
      - id: write
        run:
          program: echo
          argv: [persisted]
          stdout: "file:%s"
`, target), "save", nil)
	require.NoError(t, err)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "persisted\n", string(data))
	// redirected output is not captured
	assert.Empty(t, result.Steps["write"].Stdout)
}

func TestRun_Recovery(t *testing.T) {
	skipOnWindows(t)
	result, logs, err := runAction(t, `
version: 1
actions:
  deploy:
    title: Deploy
    pipeline:
      - id: push
        run: { program: "false" }
    on_error:
      - id: rollback
        run:
          program: echo
          argv: ["undo after ${error.type} in ${error.step_id}"]
`, "deploy", nil)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, StatusRecovered, result.Meta.Status)
	require.NotNil(t, result.Meta.Error)
	assert.Equal(t, "push", result.Meta.Error.StepID)
	assert.Equal(t, "process_exit", result.Meta.Error.Type)

	rollback := result.Steps["on_error.rollback"]
	require.NotNil(t, rollback)
	assert.Equal(t, "undo after process_exit in push", rollback.Stdout)

	assert.Contains(t, logs.joined(), "[error] push:")
	assert.Contains(t, logs.joined(), "[recover]")
}

func TestRun_RecoveryFailureReportsBoth(t *testing.T) {
	skipOnWindows(t)
	_, _, err := runAction(t, `
version: 1
actions:
  deploy:
    title: Deploy
    pipeline:
      - id: push
        run: { program: "false" }
    on_error:
      - id: rollback
        run: { program: "false" }
`, "deploy", nil)
	require.Error(t, err)

	var recErr *schema.RecoveryError
	require.True(t, errors.As(err, &recErr))
	assert.Equal(t, "push", recErr.Primary.StepID)
	assert.Equal(t, "rollback", recErr.Recovery.StepID)
	assert.Contains(t, err.Error(), "push")
	assert.Contains(t, err.Error(), "rollback")
}

func TestRun_NoRecoveryWithoutOnError(t *testing.T) {
	skipOnWindows(t)
	result, _, err := runAction(t, `
version: 1
actions:
  plain:
    title: Plain
    pipeline:
      - id: fail
        run: { program: "false" }
`, "plain", nil)
	require.Error(t, err)
	assert.Nil(t, result)
}

func TestStop_CancelsRunningProcess(t *testing.T) {
	skipOnWindows(t)
	eng := New(parseCard(t, `
version: 1
actions:
  slow:
    title: Slow
    pipeline:
      - id: nap
        run: { program: sleep, argv: ["30"] }
      - id: never
        run: { program: echo, argv: [unreachable] }
`))

	type outcome struct {
		result *RunResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := eng.Run(context.Background(), "slow", nil, nil)
		done <- outcome{result, err}
	}()

	time.Sleep(400 * time.Millisecond)
	start := time.Now()
	eng.Stop("slow")

	select {
	case out := <-done:
		assert.Less(t, time.Since(start), 3*time.Second, "cancellation should interrupt promptly")
		require.Error(t, out.err)
		serr := schema.AsError(out.err, schema.ErrCodeExecution)
		assert.Equal(t, schema.ErrCodeCancelled, serr.Code)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not unwind after stop")
	}
}

func TestStop_RecoveryStillRuns(t *testing.T) {
	skipOnWindows(t)
	eng := New(parseCard(t, `
version: 1
actions:
  guarded:
    title: Guarded
    pipeline:
      - id: nap
        run: { program: sleep, argv: ["30"] }
    on_error:
      - id: cleanup
        run: { program: echo, argv: ["cleaned up"] }
`))

	done := make(chan *RunResult, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := eng.Run(context.Background(), "guarded", nil, nil)
		done <- result
		errCh <- err
	}()

	time.Sleep(400 * time.Millisecond)
	eng.Stop("guarded")

	select {
	case result := <-done:
		require.NoError(t, <-errCh)
		require.NotNil(t, result)
		assert.Equal(t, StatusRecovered, result.Meta.Status)
		assert.Equal(t, "cancelled", result.Meta.Error.Type)
		require.Contains(t, result.Steps, "on_error.cleanup")
		assert.Equal(t, "cleaned up", result.Steps["on_error.cleanup"].Stdout)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not unwind after stop")
	}
}

func TestRun_ContextCancellation(t *testing.T) {
	skipOnWindows(t)
	eng := New(parseCard(t, `
version: 1
actions:
  slow:
    title: Slow
    run: { program: sleep, argv: ["30"] }
`))

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := eng.Run(ctx, "slow", nil, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	serr := schema.AsError(err, schema.ErrCodeExecution)
	assert.Equal(t, schema.ErrCodeCancelled, serr.Code)
}

func TestResolve_FormDefaults(t *testing.T) {
	eng := New(parseCard(t, `
version: 1
vars:
  region: eu-1
actions:
  deploy:
    title: Deploy
    form:
      fields:
        - id: target
          default: "${vars.region}"
        - id: dry_run
          default: false
    run: { program: "true" }
`))

	resolved, err := eng.Resolve("deploy", nil)
	require.NoError(t, err)
	assert.Equal(t, "eu-1", resolved["target"])
	assert.Equal(t, false, resolved["dry_run"])

	resolved, err = eng.Resolve("deploy", map[string]any{"target": "us-2"})
	require.NoError(t, err)
	assert.Equal(t, "us-2", resolved["target"])
	assert.Equal(t, false, resolved["dry_run"])
}

func TestActions_SortedListing(t *testing.T) {
	eng := New(parseCard(t, `
version: 1
actions:
  zeta: { title: Z, run: { program: "true" } }
  alpha: { title: A, run: { program: "true" } }
`))
	infos := eng.Actions()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].ID)
	assert.Equal(t, "zeta", infos[1].ID)
}
