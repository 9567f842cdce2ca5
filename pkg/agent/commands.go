package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/benchfleet/benchfleet/pkg/api"
	"github.com/benchfleet/benchfleet/pkg/observability"
	"go.uber.org/zap"
)

const defaultRunScriptTimeout = 5 * time.Minute

type commandHandler func(ctx context.Context, cmd api.ControlCommand, params map[string]interface{}) (map[string]interface{}, error)

// CommandProcessor polls control commands and dispatches them by type
type CommandProcessor struct {
	agent    *Agent
	logger   *zap.Logger
	handlers map[api.CommandType]commandHandler
}

// NewCommandProcessor creates the command sub-loop for a
func NewCommandProcessor(a *Agent) *CommandProcessor {
	p := &CommandProcessor{
		agent:  a,
		logger: a.logger.With(zap.String("component", "commands")),
	}
	p.handlers = map[api.CommandType]commandHandler{
		api.CommandStartBenchmark:    p.startBenchmark,
		api.CommandStopBenchmark:     p.stopBenchmark,
		api.CommandRunScript:         p.runScript,
		api.CommandCollectMetrics:    p.collectMetrics,
		api.CommandRestartAgent:      p.restartAgent,
		api.CommandUpdateConfig:      p.updateConfig,
		api.CommandInstallSoftware:   p.installSoftware,
		api.CommandUninstallSoftware: p.uninstallSoftware,
	}
	return p
}

// Run polls until ctx is done or the agent stops
func (p *CommandProcessor) Run(ctx context.Context) {
	for {
		p.Poll(ctx)
		if !p.agent.wait(ctx, p.agent.intervals().Command) {
			return
		}
	}
}

// Poll handles every command currently pending for the device
func (p *CommandProcessor) Poll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Command loop panicked", zap.Any("panic", r))
			observability.AgentPollErrorsTotal.WithLabelValues("panic").Inc()
		}
	}()

	ctx = p.agent.deviceContext(ctx)
	cmds, err := p.agent.client.PendingCommands(ctx, p.agent.DeviceID())
	if err != nil {
		observability.AgentPollErrorsTotal.WithLabelValues("commands").Inc()
		p.logger.Warn("Command poll failed", zap.Error(err))
		return
	}
	for _, cmd := range cmds {
		if p.agent.stopping() {
			return
		}
		p.handle(ctx, cmd)
	}
}

func (p *CommandProcessor) handle(ctx context.Context, cmd api.ControlCommand) {
	logger := p.logger.With(zap.String("command_id", cmd.ID), zap.String("command_type", string(cmd.CommandType)))

	if cmd.Status == api.CommandPending {
		if err := p.agent.client.AcknowledgeCommand(ctx, cmd.ID); err != nil {
			logger.Warn("Failed to acknowledge command", zap.Error(err))
			return
		}
	}

	result, err := p.dispatch(ctx, cmd)
	req := api.CompleteCommandRequest{}
	outcome := "completed"
	if err != nil {
		req.ErrorMessage = err.Error()
		outcome = "failed"
	}
	if result != nil {
		if raw, merr := json.Marshal(result); merr == nil {
			req.Result = raw
		}
	}
	observability.AgentCommandsTotal.WithLabelValues(string(cmd.CommandType), outcome).Inc()

	if cerr := p.agent.client.CompleteCommand(ctx, cmd.ID, req); cerr != nil {
		logger.Error("Failed to complete command", zap.Error(cerr))
		return
	}
	logger.Info("Command handled", zap.String("outcome", outcome))
}

func (p *CommandProcessor) dispatch(ctx context.Context, cmd api.ControlCommand) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command panicked: %v", r)
		}
	}()

	h, ok := p.handlers[cmd.CommandType]
	if !ok {
		return nil, fmt.Errorf("unsupported command type %q", cmd.CommandType)
	}
	params := map[string]interface{}{}
	if len(cmd.Params) > 0 {
		if err := json.Unmarshal(cmd.Params, &params); err != nil {
			return nil, fmt.Errorf("invalid command params: %w", err)
		}
	}
	return h(ctx, cmd, params)
}

func stringParam(params map[string]interface{}, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func intParam(params map[string]interface{}, key string, def int) int {
	if v, ok := params[key].(float64); ok && v > 0 {
		return int(v)
	}
	return def
}

func (p *CommandProcessor) startBenchmark(ctx context.Context, _ api.ControlCommand, params map[string]interface{}) (map[string]interface{}, error) {
	if id := p.agent.CurrentTaskID(); id != "" {
		return nil, fmt.Errorf("device is busy with task %s", id)
	}
	spec := RunSpec{
		Script: api.ScriptSpec{
			Action:        api.ActionBenchmark,
			BenchmarkType: api.BenchmarkType(stringParam(params, "benchmark_type")),
		},
		Duration: time.Duration(intParam(params, "duration_seconds", 30)) * time.Second,
	}
	res := p.agent.engine.Run(ctx, spec)
	if res.ExitCode != 0 {
		return res.Details, fmt.Errorf("%s", res.ErrorMessage)
	}
	return res.Details, nil
}

func (p *CommandProcessor) stopBenchmark(ctx context.Context, cmd api.ControlCommand, params map[string]interface{}) (map[string]interface{}, error) {
	result := map[string]interface{}{"task_cancelled": p.agent.abortRun()}
	name := stringParam(params, "process")
	if name == "" {
		name = cmd.TargetSoftware
	}
	if name != "" {
		killed := 0
		for proc := findProcess(ctx, name); proc != nil && killed < 32; proc = findProcess(ctx, name) {
			if err := proc.KillWithContext(ctx); err != nil {
				return result, fmt.Errorf("failed to stop %s (pid %d): %w", name, proc.Pid, err)
			}
			killed++
		}
		result["killed"] = killed
	}
	return result, nil
}

func (p *CommandProcessor) runScript(ctx context.Context, _ api.ControlCommand, params map[string]interface{}) (map[string]interface{}, error) {
	path := stringParam(params, "script_path")
	if path == "" {
		return nil, fmt.Errorf("script_path is required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("script not found: %s", path)
	}
	timeout := time.Duration(intParam(params, "timeout", int(defaultRunScriptTimeout/time.Second))) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var args []string
	if raw, ok := params["args"].([]interface{}); ok {
		for _, a := range raw {
			args = append(args, fmt.Sprint(a))
		}
	}
	// #nosec G204
	cmd := exec.CommandContext(ctx, path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	err := cmd.Run()

	result := map[string]interface{}{
		"exit_code": exitCode(err),
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
	}
	if ctx.Err() == context.DeadlineExceeded {
		return result, fmt.Errorf("script timed out after %s", timeout)
	}
	if err != nil {
		return result, fmt.Errorf("script failed: %w", err)
	}
	return result, nil
}

func (p *CommandProcessor) collectMetrics(ctx context.Context, _ api.ControlCommand, _ map[string]interface{}) (map[string]interface{}, error) {
	sample, err := NewHostCollector(p.agent.hardware, "").Collect(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"sample":      sample,
		"system_info": p.agent.hardware.SystemInfo(ctx),
	}, nil
}

func (p *CommandProcessor) restartAgent(_ context.Context, _ api.ControlCommand, _ map[string]interface{}) (map[string]interface{}, error) {
	p.agent.requestRestart()
	return map[string]interface{}{"status": "restarting"}, nil
}

func (p *CommandProcessor) updateConfig(_ context.Context, _ api.ControlCommand, params map[string]interface{}) (map[string]interface{}, error) {
	if p.agent.config.OnConfigUpdate == nil {
		return nil, fmt.Errorf("config updates are not supported by this agent")
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("no config values given")
	}
	if err := p.agent.config.OnConfigUpdate(params); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	return map[string]interface{}{"status": "updated", "keys": keys}, nil
}

func (p *CommandProcessor) descriptor(ctx context.Context, cmd api.ControlCommand, params map[string]interface{}) (*api.SoftwareDescriptor, error) {
	code := cmd.TargetSoftware
	if code == "" {
		code = stringParam(params, "software_code")
	}
	if code == "" {
		return nil, fmt.Errorf("target_software is required")
	}
	return p.agent.client.Software(ctx, code)
}

func (p *CommandProcessor) installSoftware(ctx context.Context, cmd api.ControlCommand, params map[string]interface{}) (map[string]interface{}, error) {
	d, err := p.descriptor(ctx, cmd, params)
	if err != nil {
		return nil, err
	}
	reports, err := p.agent.provisioner.Provision(ctx, []api.SoftwareDescriptor{*d})
	if err != nil {
		return nil, err
	}
	r := reports[0]
	return map[string]interface{}{"code": r.Code, "skipped": r.Skipped, "exe_path": r.ExePath}, nil
}

func (p *CommandProcessor) uninstallSoftware(ctx context.Context, cmd api.ControlCommand, params map[string]interface{}) (map[string]interface{}, error) {
	d, err := p.descriptor(ctx, cmd, params)
	if err != nil {
		return nil, err
	}
	target, err := p.agent.provisioner.Uninstall(*d)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"removed": target}, nil
}
