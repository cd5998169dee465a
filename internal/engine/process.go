package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/runcard-io/runcard/pkg/schema"
)

const (
	pollInterval = 100 * time.Millisecond
	termGrace    = 1 * time.Second
)

// Stream mode values accepted by processSpec.stdout / stderr. Anything
// of the form "file:<path>" redirects to that path.
const (
	streamCapture = "capture"
	streamInherit = "inherit"
	filePrefix    = "file:"
)

// processSpec is a fully rendered command: every field is final, no
// template placeholders remain.
type processSpec struct {
	stepID  string
	program string
	args    []string
	dir     string
	env     []string
	shell   bool
	stdout  string
	stderr  string
	timeout time.Duration
}

// StepResult is the recorded outcome of one executed command.
type StepResult struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"duration_ms"`
}

// fields exposes the result to the expression scope under step.<id>.
func (r *StepResult) fields() map[string]any {
	return map[string]any{
		"exit_code":   r.ExitCode,
		"stdout":      r.Stdout,
		"stderr":      r.Stderr,
		"duration_ms": r.DurationMs,
	}
}

// streamFunc receives one decoded output line per call, tagged with
// the stream it came from ("stdout" or "stderr").
type streamFunc func(stream, line string)

// runProcess starts the command described by spec and supervises it
// until exit, timeout, or cancellation. Captured output is streamed
// line by line through emit as it is produced. The returned StepResult
// is non-nil whenever the process ran to completion, even with a
// nonzero exit code.
func runProcess(ctx context.Context, spec processSpec, token *cancelToken, emit streamFunc) (*StepResult, error) {
	var cmd *exec.Cmd
	if spec.shell {
		line := spec.program
		if len(spec.args) > 0 {
			line += " " + strings.Join(spec.args, " ")
		}
		cmd = shellCommand(line)
	} else {
		cmd = exec.Command(spec.program, spec.args...)
	}
	cmd.Dir = spec.dir
	cmd.Env = spec.env
	setProcessGroup(cmd)

	var (
		wg          sync.WaitGroup
		stdoutLines []string
		stderrLines []string
		writeEnds   []*os.File
		closers     []io.Closer
	)

	attachStream := func(mode, name string, assign func(io.Writer), collect *[]string) error {
		switch {
		case mode == streamInherit:
			if name == "stdout" {
				assign(os.Stdout)
			} else {
				assign(os.Stderr)
			}
		case strings.HasPrefix(mode, filePrefix):
			f, err := os.Create(strings.TrimPrefix(mode, filePrefix))
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeExecution, "cannot open %s target: %v", name, err).WithStep(spec.stepID)
			}
			closers = append(closers, f)
			assign(f)
		default:
			pr, pw, err := os.Pipe()
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeExecution, "cannot create %s pipe: %v", name, err).WithStep(spec.stepID)
			}
			writeEnds = append(writeEnds, pw)
			assign(pw)
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer pr.Close()
				readLines(pr, name, collect, emit)
			}()
		}
		return nil
	}

	cleanup := func() {
		for _, w := range writeEnds {
			w.Close()
		}
		wg.Wait()
		for _, c := range closers {
			c.Close()
		}
	}

	if err := attachStream(spec.stdout, "stdout", func(w io.Writer) { cmd.Stdout = w }, &stdoutLines); err != nil {
		cleanup()
		return nil, err
	}
	if err := attachStream(spec.stderr, "stderr", func(w io.Writer) { cmd.Stderr = w }, &stderrLines); err != nil {
		cleanup()
		return nil, err
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "failed to start %s: %v", spec.program, err).
			WithStep(spec.stepID).WithCause(err)
	}

	// The child holds its own copies of the pipe write ends; closing
	// ours lets the readers see EOF when the tree exits.
	for _, w := range writeEnds {
		w.Close()
	}
	writeEnds = nil

	token.attach(cmd.Process)
	defer token.detach(cmd.Process)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var deadline time.Time
	if spec.timeout > 0 {
		deadline = start.Add(spec.timeout)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var (
		waitErr   error
		stopped   bool
		timedOut  bool
		finished  bool
	)
	for !finished {
		select {
		case waitErr = <-done:
			finished = true
		case <-ticker.C:
			if token.Cancelled() || ctx.Err() != nil {
				terminateTree(cmd.Process)
				select {
				case waitErr = <-done:
				case <-time.After(termGrace):
					killTree(cmd.Process)
					waitErr = <-done
				}
				stopped = true
				finished = true
			} else if !deadline.IsZero() && time.Now().After(deadline) {
				killTree(cmd.Process)
				waitErr = <-done
				timedOut = true
				finished = true
			}
		}
	}

	cleanup()
	duration := time.Since(start).Milliseconds()

	switch {
	case stopped, token.Cancelled():
		return nil, schema.NewError(schema.ErrCodeCancelled, "action was stopped").WithStep(spec.stepID)
	case timedOut:
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "process exceeded timeout of %dms", spec.timeout.Milliseconds()).
			WithStep(spec.stepID).
			WithDetails(map[string]any{"timeout_ms": spec.timeout.Milliseconds()})
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "process wait failed: %v", waitErr).
				WithStep(spec.stepID).WithCause(waitErr)
		}
	}

	return &StepResult{
		ExitCode:   exitCode,
		Stdout:     strings.Join(stdoutLines, "\n"),
		Stderr:     strings.Join(stderrLines, "\n"),
		DurationMs: duration,
	}, nil
}

// readLines splits the stream on both \n and \r so progress output
// that redraws a line (pip, curl, and friends) still surfaces as it
// happens. Empty segments, such as the gap inside \r\n, are dropped.
func readLines(r io.Reader, stream string, collect *[]string, emit streamFunc) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	sc.Split(splitAnyNewline)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		*collect = append(*collect, line)
		if emit != nil {
			emit(stream, line)
		}
	}
}

func splitAnyNewline(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
