package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benchfleet/benchfleet/pkg/api"
	"github.com/benchfleet/benchfleet/pkg/observability"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Version is the agent build version reported on registration
var Version = "dev"

// Config represents the agent configuration
type Config struct {
	CoordinatorURL string
	DataDir        string
	InstallDir     string
	MetricsAddr    string
	DeviceName     string
	// MACAddress overrides the detected address; it is the device's identity
	MACAddress string

	IdleInterval          time.Duration
	BusyInterval          time.Duration
	CommandInterval       time.Duration
	ErrorBackoff          time.Duration
	RegisterRetryInterval time.Duration
	MetricsPushInterval   time.Duration
	SampleJoinTimeout     time.Duration

	RetryAttempts uint
	RetryDelay    time.Duration
	RateLimit     float64

	Logger *zap.Logger

	// OnConfigUpdate applies an update_config command; nil rejects such commands
	OnConfigUpdate func(values map[string]interface{}) error
	// NewCollector builds the sampler's collector; nil samples the host
	NewCollector func(processName string) Collector
}

// Validate validates the agent configuration
func (c *Config) Validate() error {
	if c.CoordinatorURL == "" {
		return fmt.Errorf("coordinator URL is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.InstallDir == "" {
		c.InstallDir = filepath.Join(c.DataDir, "software")
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = 10 * time.Second
	}
	if c.BusyInterval <= 0 {
		c.BusyInterval = 60 * time.Second
	}
	if c.CommandInterval <= 0 {
		c.CommandInterval = 5 * time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 10 * time.Second
	}
	if c.RegisterRetryInterval <= 0 {
		c.RegisterRetryInterval = 30 * time.Second
	}
	if c.SampleJoinTimeout <= 0 {
		c.SampleJoinTimeout = DefaultJoinTimeout
	}
	if c.MetricsPushInterval < 0 {
		return fmt.Errorf("metrics push interval must not be negative")
	}
	return nil
}

// Agent polls the coordinator for work and runs it on this host
type Agent struct {
	config *Config
	logger *zap.Logger

	client      *Client
	hardware    *HardwareDetector
	provisioner *Provisioner
	engine      *Engine
	commands    *CommandProcessor

	metricsServer *observability.MetricsServer

	mu            sync.RWMutex
	deviceID      string
	mac           string
	currentTaskID string
	cancelRun     context.CancelFunc
	draining      bool

	stopCh    chan struct{}
	restartCh chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	restarted sync.Once
}

// New creates a new agent instance
func New(config *Config) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	for _, dir := range []string{config.DataDir, config.InstallDir, filepath.Join(config.DataDir, "downloads")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	client, err := NewClient(ClientConfig{
		BaseURL:       config.CoordinatorURL,
		RetryAttempts: config.RetryAttempts,
		RetryDelay:    config.RetryDelay,
		RateLimit:     rate.Limit(config.RateLimit),
		Logger:        config.Logger,
	})
	if err != nil {
		return nil, err
	}

	a := &Agent{
		config:    config,
		logger:    config.Logger,
		client:    client,
		hardware:  NewHardwareDetector(config.Logger, ""),
		engine:    NewEngine(config.Logger, filepath.Join(config.DataDir, "scratch")),
		stopCh:    make(chan struct{}),
		restartCh: make(chan struct{}),
	}
	a.provisioner = NewProvisioner(client, config.Logger, filepath.Join(config.DataDir, "downloads"), config.InstallDir)
	a.commands = NewCommandProcessor(a)

	if config.MetricsAddr != "" {
		a.metricsServer = observability.NewMetricsServer(config.MetricsAddr, config.Logger)
	}

	config.Logger.Info("Agent initialized",
		zap.String("coordinator", config.CoordinatorURL),
		zap.String("data_dir", config.DataDir),
		zap.String("install_dir", config.InstallDir),
	)
	return a, nil
}

// Start registers in the background and starts the poll loops
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Info("Starting agent", zap.String("version", Version))

	if a.metricsServer != nil {
		if err := a.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	a.startOnce.Do(func() {
		a.wg.Add(1)
		go a.run(ctx)
	})
	return nil
}

// Stop stops the loops, waiting for the current task up to ctx's deadline
func (a *Agent) Stop(ctx context.Context) error {
	a.logger.Info("Stopping agent")
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.abortRun()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("Agent loops did not stop before the deadline")
	}

	a.mu.RLock()
	id, mac := a.deviceID, a.mac
	a.mu.RUnlock()
	if id != "" {
		hbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.client.Heartbeat(hbCtx, api.HeartbeatRequest{MACAddress: mac, Status: api.DeviceOffline}); err != nil {
			a.logger.Debug("Failed to send offline heartbeat", zap.Error(err))
		}
		cancel()
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Stop(ctx); err != nil {
			a.logger.Error("Failed to stop metrics server", zap.Error(err))
		}
	}

	a.logger.Info("Agent stopped")
	return nil
}

// Intervals are the timings that can change while the agent runs
type Intervals struct {
	Idle        time.Duration
	Busy        time.Duration
	Command     time.Duration
	MetricsPush time.Duration
}

func (a *Agent) intervals() Intervals {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Intervals{
		Idle:        a.config.IdleInterval,
		Busy:        a.config.BusyInterval,
		Command:     a.config.CommandInterval,
		MetricsPush: a.config.MetricsPushInterval,
	}
}

// Reconfigure applies next in place when it differs from the running config
// only in its intervals. It returns false, leaving the agent untouched, when
// next changes anything that needs a new agent.
func (a *Agent) Reconfigure(next *Config) (bool, error) {
	if err := next.Validate(); err != nil {
		return false, fmt.Errorf("invalid configuration: %w", err)
	}
	cur := a.config
	if next.CoordinatorURL != cur.CoordinatorURL ||
		next.DataDir != cur.DataDir ||
		next.InstallDir != cur.InstallDir ||
		next.MetricsAddr != cur.MetricsAddr ||
		next.DeviceName != cur.DeviceName ||
		next.MACAddress != cur.MACAddress ||
		next.RetryAttempts != cur.RetryAttempts ||
		next.RetryDelay != cur.RetryDelay ||
		next.RateLimit != cur.RateLimit {
		return false, nil
	}

	a.mu.Lock()
	cur.IdleInterval = next.IdleInterval
	cur.BusyInterval = next.BusyInterval
	cur.CommandInterval = next.CommandInterval
	cur.MetricsPushInterval = next.MetricsPushInterval
	a.mu.Unlock()

	a.logger.Info("Applied configuration in place",
		zap.Duration("idle_interval", next.IdleInterval),
		zap.Duration("busy_interval", next.BusyInterval),
		zap.Duration("command_interval", next.CommandInterval),
		zap.Duration("metrics_push_interval", next.MetricsPushInterval),
	)
	return true, nil
}

// Drain stops the agent from taking new tasks and waits for the current one
// to finish. The loops keep heartbeating and handling commands.
func (a *Agent) Drain(ctx context.Context) error {
	a.mu.Lock()
	a.draining = true
	a.mu.Unlock()

	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for a.CurrentTaskID() != "" {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// RestartRequested is closed when a restart_agent command arrives
func (a *Agent) RestartRequested() <-chan struct{} {
	return a.restartCh
}

func (a *Agent) requestRestart() {
	a.restarted.Do(func() { close(a.restartCh) })
}

// DeviceID returns the coordinator-assigned id, or "" before registration
func (a *Agent) DeviceID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.deviceID
}

// CurrentTaskID returns the task being run, if any
func (a *Agent) CurrentTaskID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.currentTaskID
}

// Hardware returns the hardware detector
func (a *Agent) Hardware() *HardwareDetector {
	return a.hardware
}

func (a *Agent) stopping() bool {
	select {
	case <-a.stopCh:
		return true
	default:
		return false
	}
}

// wait sleeps for d unless the agent stops first
func (a *Agent) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-a.stopCh:
		return false
	case <-t.C:
		return true
	}
}

func (a *Agent) run(ctx context.Context) {
	defer a.wg.Done()

	if !a.registerUntilDone(ctx) {
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.commands.Run(ctx)
	}()

	for !a.stopping() && ctx.Err() == nil {
		delay := a.intervals().Idle
		if !a.safeTick(ctx) {
			delay = a.config.ErrorBackoff
		}
		if !a.wait(ctx, delay) {
			return
		}
	}
}

// safeTick runs one loop iteration and reports false if it panicked
func (a *Agent) safeTick(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Agent loop panicked", zap.Any("panic", r))
			observability.AgentPollErrorsTotal.WithLabelValues("panic").Inc()
			ok = false
		}
	}()
	a.tick(ctx)
	return true
}

func (a *Agent) registerUntilDone(ctx context.Context) bool {
	for {
		err := a.register(ctx)
		if err == nil {
			return true
		}
		a.logger.Error("Registration failed, retrying",
			zap.Duration("retry_in", a.config.RegisterRetryInterval),
			zap.Error(err),
		)
		observability.AgentPollErrorsTotal.WithLabelValues("register").Inc()
		if !a.wait(ctx, a.config.RegisterRetryInterval) {
			return false
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	hostname, mac, ip := a.hardware.Identity(ctx)
	if a.config.MACAddress != "" {
		mac = a.config.MACAddress
	}
	if mac == "" {
		return fmt.Errorf("no MAC address detected; set one explicitly")
	}
	name := a.config.DeviceName
	if name == "" {
		name = hostname
	}

	device, err := a.client.Register(ctx, api.RegisterRequest{
		DeviceName:   name,
		Hostname:     hostname,
		MACAddress:   mac,
		IPAddress:    ip,
		AgentVersion: Version,
		Hardware:     a.hardware.Snapshot(ctx),
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.deviceID = device.ID
	a.mac = device.MACAddress
	a.mu.Unlock()

	a.logger.Info("Registered with coordinator",
		zap.String("device_id", device.ID),
		zap.String("mac", device.MACAddress),
	)
	return nil
}

func (a *Agent) deviceContext(ctx context.Context) context.Context {
	return observability.WithDeviceID(ctx, a.DeviceID())
}

func (a *Agent) heartbeat(ctx context.Context, status api.DeviceStatus) error {
	a.mu.RLock()
	req := api.HeartbeatRequest{MACAddress: a.mac, Status: status, CurrentTaskID: a.currentTaskID}
	a.mu.RUnlock()
	req.SystemInfo = a.hardware.SystemInfo(ctx)

	err := a.client.Heartbeat(a.deviceContext(ctx), req)
	if IsNotFound(err) {
		// The coordinator lost our record, e.g. after a store reset.
		a.logger.Warn("Coordinator does not know this device, re-registering")
		return a.register(ctx)
	}
	return err
}

// tick sends a heartbeat and runs at most one pending task
func (a *Agent) tick(ctx context.Context) {
	if err := a.heartbeat(ctx, api.DeviceOnline); err != nil {
		observability.AgentPollErrorsTotal.WithLabelValues("heartbeat").Inc()
		a.logger.Warn("Heartbeat failed", zap.Error(err))
	}

	a.mu.RLock()
	draining := a.draining
	a.mu.RUnlock()
	if draining {
		return
	}

	deviceID := a.DeviceID()
	tasks, err := a.client.PendingTasks(a.deviceContext(ctx), deviceID)
	if err != nil {
		observability.AgentPollErrorsTotal.WithLabelValues("tasks").Inc()
		a.logger.Warn("Task poll failed", zap.Error(err))
		return
	}
	if len(tasks) == 0 {
		return
	}
	a.logger.Info("Found pending tasks", zap.Int("count", len(tasks)))
	a.RunTask(ctx, tasks[0])
}

// claimRun marks taskID as running unless the agent is draining
func (a *Agent) claimRun(taskID string, cancel context.CancelFunc) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.draining {
		return false
	}
	a.currentTaskID = taskID
	a.cancelRun = cancel
	return true
}

func (a *Agent) clearRun() {
	a.mu.Lock()
	a.currentTaskID = ""
	a.cancelRun = nil
	a.mu.Unlock()
}

// abortRun cancels the running task, if any
func (a *Agent) abortRun() bool {
	a.mu.RLock()
	cancel := a.cancelRun
	a.mu.RUnlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// RunTask provisions, executes and reports one task. It always reports either
// a software error or exactly one execution result.
func (a *Agent) RunTask(ctx context.Context, task api.PendingTask) {
	ctx = observability.WithTaskID(a.deviceContext(ctx), task.ID)
	logger := observability.ContextLogger(ctx, a.logger).With(zap.String("task_name", task.TaskName))
	deviceID := a.DeviceID()
	ctx, span := observability.StartSpan(ctx, "benchfleet/agent", "RunTask",
		observability.AttrTaskID.String(task.ID),
		observability.AttrDeviceID.String(deviceID),
	)
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !a.claimRun(task.ID, cancel) {
		logger.Info("Agent is draining, leaving task for later")
		return
	}
	defer a.clearRun()

	exePath := ""
	if len(task.Software) > 0 {
		logger.Info("Preparing software", zap.Int("count", len(task.Software)))
		reports, err := a.provisioner.Provision(runCtx, task.Software)
		if err != nil {
			span.RecordError(err)
			a.reportSoftwareError(ctx, task.ID, deviceID, err)
			return
		}
		if n := len(reports); n > 0 {
			exePath = reports[n-1].ExePath
		}
	}

	start, err := a.client.StartExecution(ctx, api.StartExecutionRequest{
		ScriptID: task.ID,
		DeviceID: deviceID,
		TaskID:   task.ID,
	})
	if err != nil {
		// Lost an exclusive claim or the task was cancelled meanwhile.
		logger.Warn("Failed to start execution", zap.Error(err))
		return
	}
	logger = logger.With(zap.String("execution_id", start.ExecutionID))

	if err := a.heartbeat(ctx, api.DeviceTesting); err != nil {
		logger.Debug("Testing heartbeat failed", zap.Error(err))
	}

	result, samples := a.execute(runCtx, task, exePath, start.ExecutionID, logger)

	resp, err := a.client.CompleteExecution(ctx, start.ExecutionID, api.CompleteExecutionRequest{
		ExitCode:     result.ExitCode,
		ErrorMessage: result.ErrorMessage,
		MetricsData:  samples,
	})
	if err != nil {
		logger.Error("Failed to complete execution", zap.Error(err))
	} else {
		logger.Info("Execution completed",
			zap.Bool("success", resp.Success),
			zap.Int64("duration_seconds", resp.DurationSeconds),
			zap.Int("samples", len(samples)),
		)
	}

	outcome := "success"
	if result.ExitCode != 0 {
		outcome = "failure"
	}
	observability.AgentExecutionsTotal.WithLabelValues(string(task.Script.Action), outcome).Inc()

	a.mu.Lock()
	a.currentTaskID = ""
	a.mu.Unlock()
	if err := a.heartbeat(ctx, api.DeviceOnline); err != nil {
		logger.Debug("Online heartbeat failed", zap.Error(err))
	}
}

// execute runs the script with a concurrent sampler and returns the result plus
// every sample not yet pushed
func (a *Agent) execute(ctx context.Context, task api.PendingTask, exePath, executionID string, logger *zap.Logger) (RunResult, []api.MetricSample) {
	duration := time.Duration(task.TestDurationSeconds) * time.Second
	interval := time.Duration(task.SampleIntervalMS) * time.Millisecond

	var collector Collector
	if a.config.NewCollector != nil {
		collector = a.config.NewCollector(task.Script.Process)
	} else {
		collector = NewHostCollector(a.hardware, task.Script.Process)
	}
	sampler := NewSampler(collector, interval, logger)
	sampler.Start(ctx, duration)

	bg, stopBg := context.WithCancel(ctx)
	unsentCh := make(chan []api.MetricSample, 1)
	go func() {
		unsentCh <- a.busyLoop(bg, sampler, executionID, logger)
	}()

	result := a.engine.Run(ctx, RunSpec{Script: task.Script, Duration: duration, ExePath: exePath})
	if ctx.Err() == context.Canceled && result.ExitCode == 0 {
		result = RunResult{ExitCode: -1, ErrorMessage: "execution cancelled"}
	}

	stopBg()
	unsent := <-unsentCh
	if !sampler.Stop(a.config.SampleJoinTimeout) {
		logger.Warn("Sampler join timed out; completing with the samples collected so far")
	}
	logger.Info("Script finished", zap.String("result", result.describe()))
	return result, append(unsent, sampler.Drain()...)
}

// busyLoop keeps the device marked as testing and pushes partial sample batches.
// Batches that fail to push are returned so they ride along with completion.
func (a *Agent) busyLoop(ctx context.Context, sampler *Sampler, executionID string, logger *zap.Logger) []api.MetricSample {
	var unsent []api.MetricSample
	iv := a.intervals()
	hb := time.NewTicker(iv.Busy)
	defer hb.Stop()

	var push <-chan time.Time
	if iv.MetricsPush > 0 {
		t := time.NewTicker(iv.MetricsPush)
		defer t.Stop()
		push = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return unsent
		case <-hb.C:
			if err := a.heartbeat(ctx, api.DeviceTesting); err != nil {
				logger.Debug("Busy heartbeat failed", zap.Error(err))
			}
		case <-push:
			batch := sampler.Drain()
			if len(batch) == 0 {
				continue
			}
			if err := a.client.PushMetrics(ctx, executionID, batch); err != nil {
				logger.Warn("Failed to push partial metrics", zap.Int("samples", len(batch)), zap.Error(err))
				unsent = append(unsent, batch...)
			}
		}
	}
}

func (a *Agent) reportSoftwareError(ctx context.Context, taskID, deviceID string, err error) {
	req := api.SoftwareErrorRequest{
		ErrorType:    SoftwareInstallError,
		ErrorMessage: err.Error(),
		DeviceID:     deviceID,
		Timestamp:    time.Now().UTC(),
	}
	if pe, ok := err.(*ProvisionError); ok {
		req.SoftwareCode = pe.Code
	}
	if rerr := a.client.ReportSoftwareError(ctx, taskID, req); rerr != nil {
		a.logger.Error("Failed to report software error",
			zap.String("task_id", taskID),
			zap.NamedError("provision_error", err),
			zap.Error(rerr),
		)
		return
	}
	a.logger.Info("Reported software error", zap.String("task_id", taskID), zap.String("error", err.Error()))
}
