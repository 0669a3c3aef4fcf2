package commandtask

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobkit/internal/config"
	"jobkit/pkg/jobkit"
	logx "jobkit/pkg/logx"
	"jobkit/pkg/supervisable"
)

func sh(script string) []string { return []string{"/bin/sh", "-c", script} }

func TestRunSuccess(t *testing.T) {
	res, err := Run(context.Background(), Spec{Command: sh("echo hello; echo oops >&2"), Env: []string{"JOBKIT_X=1"}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.False(t, res.TimedOut)
}

func TestRunEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	res, err := Run(context.Background(), Spec{Command: sh(`echo "$JOBKIT_X $(pwd)"`), Env: []string{"JOBKIT_X=42"}, Dir: dir})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Stdout, "42 "))
	assert.Contains(t, res.Stdout, dir)
}

func TestRunExitCode(t *testing.T) {
	res, err := Run(context.Background(), Spec{Command: sh("echo bad >&2; exit 3")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "bad\n", res.Stderr)
}

func TestRunTimeout(t *testing.T) {
	res, err := Run(context.Background(), Spec{Command: []string{"sleep", "5"}, Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, res.TimedOut)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, res.Took, 3*time.Second)
}

func TestRunRejectsEmptyAndMissing(t *testing.T) {
	_, err := Run(context.Background(), Spec{})
	assert.ErrorIs(t, err, ErrEmptyCommand)

	res, err := Run(context.Background(), Spec{Command: []string{"/nonexistent/jobkit-binary"}})
	require.Error(t, err)
	assert.Equal(t, -1, res.ExitCode)
}

func TestTailKeepsEnd(t *testing.T) {
	tl := newTail(10)
	_, _ = tl.Write([]byte("line-one\nline-two\n"))
	assert.Equal(t, "...\nline-two\n", tl.String())

	tl = newTail(64)
	_, _ = tl.Write([]byte("short\n"))
	assert.Equal(t, "short\n", tl.String())

	tl = newTail(4)
	_, _ = tl.Write([]byte("ab"))
	_, _ = tl.Write([]byte("cdef"))
	assert.Equal(t, "...cdef", tl.String())
}

func TestFromConfig(t *testing.T) {
	spec := FromConfig(config.ServiceConfig{Name: "rotate", Command: []string{"logrotate", "-f"}, Timeout: "30s", Dir: "/tmp"})
	assert.Equal(t, "rotate", spec.Name)
	assert.Equal(t, []string{"logrotate", "-f"}, spec.Command)
	assert.Equal(t, 30*time.Second, spec.Timeout)
	assert.Equal(t, "/tmp", spec.Dir)
}

func TestTaskRecordsSupervisable(t *testing.T) {
	eng := jobkit.NewFlat()
	var runErr error
	eng.RunOneShot("ok", "cmd", 0, Task(Spec{Name: "ok", Command: sh("echo one; echo two")}, logx.Nop()), func(err error) { runErr = err })
	require.NoError(t, runErr)

	evs := eng.Recorder().ByJob("ok")
	require.Len(t, evs, 1)
	ev := evs[0]
	assert.Equal(t, supervisable.StateDone, ev.State)
	require.NotNil(t, ev.Result)
	assert.Equal(t, supervisable.WorksDone, ev.Result.State)
	assert.Equal(t, ContextType, ev.ContextType)

	var steps []string
	for _, s := range ev.Steps {
		steps = append(steps, s.Message.String())
	}
	assert.Equal(t, []string{"Running /bin/sh -c echo one; echo two", "one", "two"}, steps)

	var res Result
	require.NoError(t, eng.Manager().Extractor(ev).Extract(&res))
	assert.Equal(t, 0, res.ExitCode)
}

func TestTaskFailureMarksUrgent(t *testing.T) {
	eng := jobkit.NewFlat()
	var runErr error
	eng.RunOneShot("bad", "cmd", 0, Task(Spec{Name: "bad", Command: sh("echo nope >&2; exit 2")}, logx.Nop()), func(err error) { runErr = err })
	require.Error(t, runErr)

	ev := eng.Recorder().ByJob("bad")[0]
	assert.Equal(t, supervisable.StateError, ev.State)
	assert.True(t, ev.HasMark(supervisable.MarkUrgent))
	assert.Contains(t, ev.Error, "exit status 2")
}
