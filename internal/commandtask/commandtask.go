// Package commandtask turns config-declared services into tasks that run an
// external program. Output tails and the exit status are recorded on the
// running job's supervisable.
package commandtask

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"jobkit/internal/config"
	"jobkit/pkg/jobkit"
	logx "jobkit/pkg/logx"
	"jobkit/pkg/supervisable"
)

const (
	// DefaultTailBytes is how much of each output stream is kept.
	DefaultTailBytes = 4096
	maxStepLines     = 20
	waitDelay        = 2 * time.Second
)

// ContextType names the supervisable context holding a Result.
const ContextType = "command"

var ErrEmptyCommand = errors.New("command is empty")

// Spec describes one command invocation.
type Spec struct {
	Name      string
	Command   []string
	Dir       string
	Env       []string
	Timeout   time.Duration
	TailBytes int
}

func FromConfig(c config.ServiceConfig) Spec {
	return Spec{
		Name:    c.Name,
		Command: append([]string(nil), c.Command...),
		Dir:     c.Dir,
		Env:     append([]string(nil), c.Env...),
		Timeout: c.TimeoutDuration(),
	}
}

// Result is what one invocation produced.
type Result struct {
	Command  []string      `json:"command"`
	ExitCode int           `json:"exit_code"`
	Took     time.Duration `json:"took"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
}

// Run executes spec and waits for it. A non-zero exit, a timeout or a
// start failure is returned as an error alongside the partial Result.
func Run(ctx context.Context, spec Spec) (Result, error) {
	res := Result{Command: spec.Command, ExitCode: -1}
	if len(spec.Command) == 0 || strings.TrimSpace(spec.Command[0]) == "" {
		return res, ErrEmptyCommand
	}
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	tailBytes := spec.TailBytes
	if tailBytes <= 0 {
		tailBytes = DefaultTailBytes
	}
	stdout := newTail(tailBytes)
	stderr := newTail(tailBytes)

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	res.Took = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		return res, fmt.Errorf("%s: timed out after %s", spec.Command[0], spec.Timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, fmt.Errorf("%s: exit status %d", spec.Command[0], res.ExitCode)
		}
		return res, fmt.Errorf("%s: %w", spec.Command[0], err)
	}
	return res, nil
}

// Task wraps spec into a jobkit task that reports through the supervisable
// carried by ctx.
func Task(spec Spec, log logx.Logger) jobkit.Task {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "commandtask"), logx.String("service", spec.Name))
	return func(ctx context.Context) error {
		sv := supervisable.FromContext(ctx)
		_ = sv.OnMessage("command.start", "Running {0}", strings.Join(spec.Command, " "))

		res, err := Run(ctx, spec)
		_ = sv.SetContext(ContextType, res)
		recordLines(sv, "command.stdout", res.Stdout)
		recordLines(sv, "command.stderr", res.Stderr)

		if err != nil {
			sv.Mark(supervisable.MarkUrgent)
			log.Warn("command failed",
				logx.Int("exit_code", res.ExitCode),
				logx.Bool("timed_out", res.TimedOut),
				logx.Duration("took", res.Took),
				logx.Err(err),
			)
			return err
		}
		log.Debug("command done", logx.Duration("took", res.Took))
		return sv.ResultDone("command.done", "{0} exited 0 after {1}", spec.Command[0], res.Took.Round(time.Millisecond).String())
	}
}

// recordLines adds the last output lines as steps.
func recordLines(sv *supervisable.Supervisable, code, out string) {
	out = strings.TrimRight(out, "\n")
	if out == "" {
		return
	}
	lines := strings.Split(out, "\n")
	if len(lines) > maxStepLines {
		lines = lines[len(lines)-maxStepLines:]
	}
	for _, l := range lines {
		_ = sv.OnMessage(code, "{0}", l)
	}
}

// tail keeps the last max bytes written to it.
type tail struct {
	max       int
	buf       []byte
	truncated bool
}

func newTail(max int) *tail { return &tail{max: max} }

func (t *tail) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		t.truncated = true
		return n, nil
	}
	if over := len(t.buf) + len(p) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
		t.truncated = true
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

func (t *tail) String() string {
	if !t.truncated {
		return string(t.buf)
	}
	// Drop the partial first line.
	if i := bytes.IndexByte(t.buf, '\n'); i >= 0 && i < len(t.buf)-1 {
		return "..." + string(t.buf[i:])
	}
	return "..." + string(t.buf)
}
