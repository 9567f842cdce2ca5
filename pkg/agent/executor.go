package agent

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/benchfleet/benchfleet/pkg/api"
	"go.uber.org/zap"
)

const (
	DefaultScriptTimeout = 30 * time.Minute
	processWaitTimeout   = 30 * time.Second
	processStopGrace     = 5 * time.Second
)

// RunSpec is everything the engine needs to run one attempt. The effective
// timeout is Script.TimeoutSeconds (DefaultScriptTimeout when unset) but never
// less than Duration plus a grace period; a smaller configured timeout is
// raised and logged.
type RunSpec struct {
	Script   api.ScriptSpec
	Duration time.Duration
	// ExePath is the main executable of the last provisioned package, used when
	// a launch script names no path.
	ExePath string
}

// RunResult is the single outcome of an attempt
type RunResult struct {
	ExitCode     int
	ErrorMessage string
	Details      map[string]interface{}
}

type actionFunc func(ctx context.Context, spec RunSpec) RunResult

// Engine runs scripts through a dispatch table keyed by action
type Engine struct {
	logger  *zap.Logger
	workDir string
	grace   time.Duration
	actions map[api.ScriptAction]actionFunc
}

// NewEngine creates an execution engine; workDir holds scratch files for disk benchmarks
func NewEngine(logger *zap.Logger, workDir string) *Engine {
	e := &Engine{
		logger:  logger.With(zap.String("component", "engine")),
		workDir: workDir,
		grace:   processWaitTimeout,
	}
	e.actions = map[api.ScriptAction]actionFunc{
		api.ActionBenchmark: e.runBenchmark,
		api.ActionLaunch:    e.runLaunch,
		api.ActionWait:      e.runWait,
	}
	return e
}

// Run executes spec. Panics, unknown actions and timeouts become exit code -1.
func (e *Engine) Run(ctx context.Context, spec RunSpec) (result RunResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Execution panicked", zap.Any("panic", r))
			result = RunResult{ExitCode: -1, ErrorMessage: fmt.Sprintf("execution panicked: %v", r)}
		}
	}()

	action := spec.Script.Action
	if action == "" {
		action = api.ActionBenchmark
	}
	fn, ok := e.actions[action]
	if !ok {
		return RunResult{ExitCode: -1, ErrorMessage: fmt.Sprintf("unknown script action %q", action)}
	}

	timeout := DefaultScriptTimeout
	if spec.Script.TimeoutSeconds > 0 {
		timeout = time.Duration(spec.Script.TimeoutSeconds) * time.Second
	}
	if floor := spec.Duration + e.grace; floor > timeout {
		if spec.Script.TimeoutSeconds > 0 {
			e.logger.Warn("Configured timeout is shorter than the test duration, raising it",
				zap.Duration("configured", timeout),
				zap.Duration("effective", floor),
			)
		}
		timeout = floor
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.logger.Info("Running script",
		zap.String("action", string(action)),
		zap.Duration("duration", spec.Duration),
		zap.Duration("timeout", timeout),
	)
	result = fn(ctx, spec)
	if result.ExitCode == 0 && ctx.Err() == context.DeadlineExceeded {
		result = RunResult{ExitCode: -1, ErrorMessage: fmt.Sprintf("execution timed out after %s", timeout)}
	}
	return result
}

func (e *Engine) runWait(ctx context.Context, spec RunSpec) RunResult {
	if err := sleepCtx(ctx, spec.Duration); err != nil {
		return RunResult{ExitCode: -1, ErrorMessage: "wait interrupted: " + err.Error()}
	}
	return RunResult{Details: map[string]interface{}{"waited_seconds": spec.Duration.Seconds()}}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) runLaunch(ctx context.Context, spec RunSpec) RunResult {
	path := spec.Script.Path
	if path == "" {
		path = spec.ExePath
	}
	if path == "" {
		return RunResult{ExitCode: -1, ErrorMessage: "launch requires a path"}
	}
	if _, err := os.Stat(path); err != nil {
		return RunResult{ExitCode: -1, ErrorMessage: fmt.Sprintf("launch target not found: %s", path)}
	}

	args := append([]string(nil), spec.Script.Args...)
	for k, v := range spec.Script.Params {
		args = append(args, fmt.Sprintf("--%s=%s", k, v))
	}

	// #nosec G204
	cmd := exec.Command(path, args...)
	cmd.Dir = filepath.Dir(path)
	if err := cmd.Start(); err != nil {
		return RunResult{ExitCode: -1, ErrorMessage: fmt.Sprintf("failed to launch %s: %v", path, err)}
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	e.logger.Info("Process launched", zap.String("path", path), zap.Int("pid", cmd.Process.Pid))

	if name := spec.Script.Process; name != "" {
		if !waitForProcess(ctx, name, processWaitTimeout) {
			stopProcess(cmd, exited)
			return RunResult{ExitCode: -1, ErrorMessage: fmt.Sprintf("process %q did not appear within %s", name, processWaitTimeout)}
		}
	}

	t := time.NewTimer(spec.Duration)
	defer t.Stop()
	select {
	case err := <-exited:
		// The target finished on its own before the hold time.
		code := exitCode(err)
		res := RunResult{ExitCode: code, Details: map[string]interface{}{"pid": cmd.Process.Pid, "exited_early": true}}
		if code != 0 {
			res.ErrorMessage = fmt.Sprintf("process exited with code %d", code)
		}
		return res
	case <-ctx.Done():
		stopProcess(cmd, exited)
		return RunResult{ExitCode: -1, ErrorMessage: "launch interrupted: " + ctx.Err().Error()}
	case <-t.C:
	}

	stopProcess(cmd, exited)
	if name := spec.Script.Process; name != "" {
		if p := findProcess(context.Background(), name); p != nil {
			_ = p.Terminate()
		}
	}
	return RunResult{Details: map[string]interface{}{"pid": cmd.Process.Pid, "held_seconds": spec.Duration.Seconds()}}
}

func waitForProcess(ctx context.Context, name string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if findProcess(ctx, name) != nil {
			return true
		}
		if sleepCtx(ctx, 500*time.Millisecond) != nil {
			return false
		}
	}
	return false
}

func stopProcess(cmd *exec.Cmd, exited <-chan error) {
	_ = cmd.Process.Kill()
	select {
	case <-exited:
	case <-time.After(processStopGrace):
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

type benchmarkFunc func(ctx context.Context, e *Engine, d time.Duration) (map[string]interface{}, error)

var benchmarks = map[api.BenchmarkType]benchmarkFunc{
	api.BenchmarkCPU:    cpuBenchmark,
	api.BenchmarkMemory: memoryBenchmark,
	api.BenchmarkDisk:   diskBenchmark,
}

func (e *Engine) runBenchmark(ctx context.Context, spec RunSpec) RunResult {
	kind := spec.Script.BenchmarkType
	if kind == "" {
		kind = api.BenchmarkCPU
	}

	details := map[string]interface{}{}
	if kind == api.BenchmarkFull {
		// Each stage gets an equal share of the duration.
		share := spec.Duration / time.Duration(len(benchmarks))
		for _, k := range []api.BenchmarkType{api.BenchmarkCPU, api.BenchmarkMemory, api.BenchmarkDisk} {
			res, err := benchmarks[k](ctx, e, share)
			if err != nil {
				return RunResult{ExitCode: -1, ErrorMessage: fmt.Sprintf("%s benchmark failed: %v", k, err), Details: details}
			}
			details[string(k)] = res
		}
		return RunResult{Details: details}
	}

	fn, ok := benchmarks[kind]
	if !ok {
		return RunResult{ExitCode: -1, ErrorMessage: fmt.Sprintf("unknown benchmark type %q", kind)}
	}
	res, err := fn(ctx, e, spec.Duration)
	if err != nil {
		return RunResult{ExitCode: -1, ErrorMessage: fmt.Sprintf("%s benchmark failed: %v", kind, err)}
	}
	details[string(kind)] = res
	return RunResult{Details: details}
}

func cpuBenchmark(ctx context.Context, _ *Engine, d time.Duration) (map[string]interface{}, error) {
	deadline := time.Now().Add(d)
	buf := make([]byte, 4096)
	_, _ = rand.Read(buf)
	var rounds int64
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for i := 0; i < 64; i++ {
			sum := sha256.Sum256(buf)
			copy(buf, sum[:])
		}
		rounds += 64
	}
	return map[string]interface{}{
		"sha256_rounds":     rounds,
		"rounds_per_second": float64(rounds) / d.Seconds(),
	}, nil
}

func memoryBenchmark(ctx context.Context, _ *Engine, d time.Duration) (map[string]interface{}, error) {
	const blockSize = 64 << 20
	src := make([]byte, blockSize)
	dst := make([]byte, blockSize)
	deadline := time.Now().Add(d)
	var copied int64
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		copy(dst, src)
		copied += blockSize
	}
	return map[string]interface{}{
		"copied_mb":      copied / mib,
		"throughput_mbs": float64(copied) / mib / d.Seconds(),
	}, nil
}

func diskBenchmark(ctx context.Context, e *Engine, d time.Duration) (map[string]interface{}, error) {
	const chunk = 1 << 20
	if err := os.MkdirAll(e.workDir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(e.workDir, "disk-bench.tmp")
	defer os.Remove(path)

	data := make([]byte, chunk)
	_, _ = rand.Read(data)

	deadline := time.Now().Add(d / 2)
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	var written int64
	start := time.Now()
	for time.Now().Before(deadline) && ctx.Err() == nil {
		if _, err := f.Write(data); err != nil {
			f.Close()
			return nil, err
		}
		written += chunk
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	writeSecs := time.Since(start).Seconds()
	f.Close()

	f, err = os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var read int64
	start = time.Now()
	deadline = time.Now().Add(d / 2)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		n, err := f.Read(data)
		read += int64(n)
		if err != nil {
			if _, serr := f.Seek(0, 0); serr != nil {
				return nil, serr
			}
		}
	}
	readSecs := time.Since(start).Seconds()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return map[string]interface{}{
		"write_mbs": safeRate(written, writeSecs),
		"read_mbs":  safeRate(read, readSecs),
	}, nil
}

func safeRate(bytes int64, secs float64) float64 {
	if secs <= 0 {
		return 0
	}
	return round2(float64(bytes) / mib / secs)
}

// describe renders a result for logs and command replies
func (r RunResult) describe() string {
	if r.ExitCode == 0 {
		return "ok"
	}
	return strings.TrimSpace(fmt.Sprintf("exit=%d %s", r.ExitCode, r.ErrorMessage))
}
