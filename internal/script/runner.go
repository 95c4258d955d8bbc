// Package script runs configured project scripts and turns their
// diagnostics into feedback the planner can weigh. A failing test or vet
// script surfaces as per-file errors that raise those files' priorities.
package script

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"time"

	"vibegraph/internal/logging"
)

const (
	// DefaultScriptTimeout bounds one script run.
	DefaultScriptTimeout = 5 * time.Minute

	// defaultMaxOutputBytes caps captured output per stream.
	defaultMaxOutputBytes = 1 << 20
)

// ScriptResult is one script invocation's captured outcome.
type ScriptResult struct {
	Name      string        `json:"name"`
	Cmdline   string        `json:"cmdline"`
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout,omitempty"`
	Stderr    string        `json:"stderr,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
}

// Passed reports whether the script ran to completion with exit code 0.
func (r ScriptResult) Passed() bool {
	return !r.TimedOut && r.ExitCode == 0
}

// Runner executes project scripts through the system shell.
type Runner struct {
	// Dir is the working directory scripts run in.
	Dir string
	// Env extends the inherited environment.
	Env []string
	// Timeout bounds each run when the caller's context has no deadline.
	Timeout time.Duration
	// MaxOutputBytes caps each captured stream.
	MaxOutputBytes int64
}

// NewRunner returns a runner rooted at dir with stock limits.
func NewRunner(dir string) *Runner {
	return &Runner{
		Dir:            dir,
		Timeout:        DefaultScriptTimeout,
		MaxOutputBytes: defaultMaxOutputBytes,
	}
}

// Run executes one named script. A non-zero exit or a timeout is reported
// in the result, not as an error; the error return is reserved for runs
// that could not start at all.
func (r *Runner) Run(ctx context.Context, name, cmdline string) (ScriptResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := shellCommand(ctx, cmdline)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}

	maxOutput := r.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}
	var stdout, stderr bytes.Buffer
	outLimited := &limitedWriter{w: &stdout, max: maxOutput}
	errLimited := &limitedWriter{w: &stderr, max: maxOutput}
	cmd.Stdout = outLimited
	cmd.Stderr = errLimited

	logging.ScriptDebug("run %q: %s", name, cmdline)
	start := time.Now()
	err := cmd.Run()

	result := ScriptResult{
		Name:      name,
		Cmdline:   cmdline,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(start),
		Truncated: outLimited.truncated || errLimited.truncated,
	}

	switch {
	case err == nil:
		logging.Script("%q passed in %s", name, result.Duration.Round(time.Millisecond))
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
		result.ExitCode = -1
		logging.ScriptWarn("%q killed after %s", name, result.Duration.Round(time.Millisecond))
	default:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return ScriptResult{}, err
		}
		result.ExitCode = exitErr.ExitCode()
		logging.ScriptWarn("%q exited %d in %s", name, result.ExitCode, result.Duration.Round(time.Millisecond))
	}
	return result, nil
}

// RunAll runs every configured script in name order and collects the
// feedback. A script that cannot start records a synthetic failed result
// so one broken entry does not hide the rest.
func (r *Runner) RunAll(ctx context.Context, scripts map[string]string) *Feedback {
	names := make([]string, 0, len(scripts))
	for name := range scripts {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]ScriptResult, 0, len(names))
	for _, name := range names {
		res, err := r.Run(ctx, name, scripts[name])
		if err != nil {
			logging.ScriptError("%q failed to start: %v", name, err)
			res = ScriptResult{Name: name, Cmdline: scripts[name], ExitCode: -1, Stderr: err.Error()}
		}
		results = append(results, res)
	}
	return Collect(results...)
}

func shellCommand(ctx context.Context, cmdline string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", cmdline)
	}
	return exec.CommandContext(ctx, "sh", "-c", cmdline)
}

// limitedWriter drops writes past max, remembering that it did.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.max {
		lw.truncated = true
		return n, nil
	}
	if lw.written+int64(n) > lw.max {
		p = p[:lw.max-lw.written]
		lw.truncated = true
	}
	w, err := lw.w.Write(p)
	lw.written += int64(w)
	if err != nil {
		return w, err
	}
	return n, nil
}
