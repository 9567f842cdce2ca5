package agent

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/benchfleet/benchfleet/pkg/api"
	"github.com/benchfleet/benchfleet/test/testutil"
	"github.com/benchfleet/benchfleet/test/testutil/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestEngine_Wait(t *testing.T) {
	e := NewEngine(testutil.NewTestLogger(t), t.TempDir())

	start := time.Now()
	res := e.Run(context.Background(), RunSpec{Script: api.ScriptSpec{Action: api.ActionWait}, Duration: 100 * time.Millisecond})
	assert.Equal(t, 0, res.ExitCode)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 0.1, res.Details["waited_seconds"])
}

func TestEngine_WaitCancelled(t *testing.T) {
	e := NewEngine(testutil.NewTestLogger(t), t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	res := e.Run(ctx, RunSpec{Script: api.ScriptSpec{Action: api.ActionWait}, Duration: time.Minute})
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.ErrorMessage, "wait interrupted")
}

func TestEngine_UnknownAction(t *testing.T) {
	e := NewEngine(testutil.NewTestLogger(t), t.TempDir())
	res := e.Run(context.Background(), RunSpec{Script: api.ScriptSpec{Action: "teleport"}})
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.ErrorMessage, `unknown script action "teleport"`)
	assert.Equal(t, `exit=-1 unknown script action "teleport"`, res.describe())
}

func TestEngine_PanicBecomesFailure(t *testing.T) {
	e := NewEngine(testutil.NewTestLogger(t), t.TempDir())
	e.actions[api.ActionWait] = func(context.Context, RunSpec) RunResult {
		panic("boom")
	}
	res := e.Run(context.Background(), RunSpec{Script: api.ScriptSpec{Action: api.ActionWait}})
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.ErrorMessage, "boom")
}

func TestEngine_Benchmarks(t *testing.T) {
	e := NewEngine(testutil.NewTestLogger(t), t.TempDir())

	tests := []struct {
		name string
		kind api.BenchmarkType
		keys []string
	}{
		{name: "cpu", kind: api.BenchmarkCPU, keys: []string{"cpu"}},
		{name: "default is cpu", kind: "", keys: []string{"cpu"}},
		{name: "disk", kind: api.BenchmarkDisk, keys: []string{"disk"}},
		{name: "full", kind: api.BenchmarkFull, keys: []string{"cpu", "memory", "disk"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Run(context.Background(), RunSpec{
				Script:   api.ScriptSpec{Action: api.ActionBenchmark, BenchmarkType: tt.kind},
				Duration: 150 * time.Millisecond,
			})
			require.Equal(t, 0, res.ExitCode, res.ErrorMessage)
			for _, k := range tt.keys {
				assert.Contains(t, res.Details, k)
			}
		})
	}

	res := e.Run(context.Background(), RunSpec{Script: api.ScriptSpec{Action: api.ActionBenchmark, BenchmarkType: "gpu"}})
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.ErrorMessage, "unknown benchmark type")
}

func TestEngine_LaunchErrors(t *testing.T) {
	e := NewEngine(testutil.NewTestLogger(t), t.TempDir())

	res := e.Run(context.Background(), RunSpec{Script: api.ScriptSpec{Action: api.ActionLaunch}})
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.ErrorMessage, "launch requires a path")

	res = e.Run(context.Background(), RunSpec{Script: api.ScriptSpec{Action: api.ActionLaunch, Path: "/nonexistent/tool"}})
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.ErrorMessage, "launch target not found")
}

func TestEngine_LaunchExitsEarly(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a POSIX shell")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	e := NewEngine(testutil.NewTestLogger(t), t.TempDir())

	res := e.Run(context.Background(), RunSpec{
		Script:   api.ScriptSpec{Action: api.ActionLaunch, Path: sh, Args: []string{"-c", "exit 3"}},
		Duration: 10 * time.Second,
	})
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, true, res.Details["exited_early"])
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, -1, exitCode(errors.New("not started")))
}

func TestEngine_TimeoutFails(t *testing.T) {
	e := NewEngine(testutil.NewTestLogger(t), t.TempDir())
	e.grace = 0
	e.actions[api.ActionLaunch] = func(ctx context.Context, _ RunSpec) RunResult {
		<-ctx.Done()
		return RunResult{}
	}

	start := time.Now()
	res := e.Run(context.Background(), RunSpec{Script: api.ScriptSpec{Action: api.ActionLaunch, TimeoutSeconds: 1}})
	assert.Equal(t, -1, res.ExitCode)
	assert.Equal(t, "execution timed out after 1s", res.ErrorMessage)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestEngine_TimeoutRaisedToDuration(t *testing.T) {
	logger, logs := mocks.NewObservedLogger(zapcore.InfoLevel)
	e := NewEngine(logger, t.TempDir())
	e.grace = 100 * time.Millisecond

	res := e.Run(context.Background(), RunSpec{
		Script:   api.ScriptSpec{Action: api.ActionWait, TimeoutSeconds: 1},
		Duration: 1200 * time.Millisecond,
	})
	require.Equal(t, 0, res.ExitCode, res.ErrorMessage)
	assert.Equal(t, 1, logs.FilterMessageSnippet("raising it").Len())
}
