package tasks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benchfleet/benchfleet/pkg/api"
	"github.com/benchfleet/benchfleet/pkg/observability"
	"github.com/benchfleet/benchfleet/pkg/scheduler"
	"github.com/benchfleet/benchfleet/pkg/store"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DefaultTestDurationSeconds = 60
	DefaultSampleIntervalMS    = 1000
	DefaultPageSize            = 20
	MaxPageSize                = 100

	tracerName = "benchfleet/tasks"
)

// CompletionListener is told when a recurring task completes and needs a successor.
type CompletionListener interface {
	TaskCompleted(taskID string)
}

// Config contains configuration for the task service
type Config struct {
	Store     *store.Store
	Events    *observability.EventStream
	Logger    *zap.Logger
	Clock     clockwork.Clock
	ClaimMode api.ClaimMode
}

// Validate checks the configuration and applies defaults
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.Store == nil {
		result = multierror.Append(result, fmt.Errorf("store is required"))
	}
	if c.Logger == nil {
		result = multierror.Append(result, fmt.Errorf("logger is required"))
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ClaimMode == "" {
		c.ClaimMode = api.ClaimShared
	}
	if c.ClaimMode != api.ClaimShared && c.ClaimMode != api.ClaimExclusive {
		result = multierror.Append(result, fmt.Errorf("unknown claim mode %q", c.ClaimMode))
	}
	return result.ErrorOrNil()
}

// Service implements the task distribution protocol
type Service struct {
	store     *store.Store
	events    *observability.EventStream
	logger    *zap.Logger
	clock     clockwork.Clock
	claimMode api.ClaimMode

	mu       sync.RWMutex
	listener CompletionListener
}

// New creates a new task service
func New(config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task service config: %w", err)
	}
	return &Service{
		store:     config.Store,
		events:    config.Events,
		logger:    config.Logger.With(zap.String("component", "tasks")),
		clock:     config.Clock,
		claimMode: config.ClaimMode,
	}, nil
}

// SetCompletionListener registers the single consumer of recurring completions
func (s *Service) SetCompletionListener(l CompletionListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// ClaimMode returns how start_execution treats concurrent claims
func (s *Service) ClaimMode() api.ClaimMode {
	return s.claimMode
}

// Create validates and persists a new task
func (s *Service) Create(ctx context.Context, req api.CreateTaskRequest) (*api.Task, error) {
	now := s.clock.Now().UTC()

	task, err := s.buildTask(req, now)
	if err != nil {
		return nil, err
	}

	if err := store.NewTaskRepository(s.store.DB(ctx)).Create(task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	observability.TasksCreatedTotal.WithLabelValues(string(task.ScheduleType)).Inc()
	s.logger.Info("Task created",
		zap.String("task_id", task.ID),
		zap.String("task_name", task.TaskName),
		zap.String("status", string(task.Status)),
		zap.String("schedule_type", string(task.ScheduleType)),
		zap.Int("targets", len(task.TargetDeviceIDs)),
	)
	s.recordEvent(ctx, observability.Event{
		Type:         observability.EventTaskCreated,
		Severity:     observability.SeverityInfo,
		ActorType:    "user",
		ResourceType: "task",
		ResourceID:   task.ID,
		Action:       "create",
		Description:  fmt.Sprintf("Task %s created", task.TaskName),
		Success:      true,
	})

	out := task.API()
	return &out, nil
}

func (s *Service) buildTask(req api.CreateTaskRequest, now time.Time) (*store.Task, error) {
	if strings.TrimSpace(req.TaskName) == "" {
		return nil, &store.ValidationError{Field: "task_name", Message: "is required"}
	}
	if req.ScheduleType == "" {
		req.ScheduleType = api.ScheduleImmediate
	}
	if !req.ScheduleType.Valid() {
		return nil, &store.ValidationError{Field: "schedule_type", Message: fmt.Sprintf("unknown schedule type %q", req.ScheduleType)}
	}
	if req.Script.Action == "" {
		req.Script.Action = api.ActionBenchmark
	}
	if !req.Script.Action.Valid() {
		return nil, &store.ValidationError{Field: "script.action", Message: fmt.Sprintf("unknown action %q", req.Script.Action)}
	}
	if req.Script.Action == api.ActionLaunch && req.Script.Path == "" {
		return nil, &store.ValidationError{Field: "script.path", Message: "is required for launch"}
	}
	if req.TestDurationSeconds < 0 {
		return nil, &store.ValidationError{Field: "test_duration_seconds", Message: "must not be negative"}
	}
	if req.TestDurationSeconds == 0 {
		req.TestDurationSeconds = DefaultTestDurationSeconds
	}
	if req.SampleIntervalMS <= 0 {
		req.SampleIntervalMS = DefaultSampleIntervalMS
	}

	firstRun, err := scheduler.FirstRun(req.ScheduleType, req.ScheduledAt, req.CronExpression, now)
	if err != nil {
		return nil, &store.ValidationError{Field: "schedule", Message: err.Error()}
	}

	status := api.TaskPending
	if firstRun != nil && firstRun.After(now) {
		status = api.TaskScheduled
	}

	return &store.Task{
		ID:                  uuid.New().String(),
		TaskName:            req.TaskName,
		TaskType:            req.TaskType,
		Status:              status,
		TargetDeviceIDs:     req.TargetDeviceIDs,
		ScheduleType:        req.ScheduleType,
		ScheduledAt:         firstRun,
		CronExpression:      req.CronExpression,
		SoftwareList:        req.SoftwareList,
		Script:              req.Script,
		TestDurationSeconds: req.TestDurationSeconds,
		SampleIntervalMS:    req.SampleIntervalMS,
		CreatedAt:           now,
	}, nil
}

// Get returns a task by id
func (s *Service) Get(ctx context.Context, id string) (*api.Task, error) {
	t, err := store.NewTaskRepository(s.store.DB(ctx)).FindByID(id)
	if err != nil {
		return nil, err
	}
	out := t.API()
	return &out, nil
}

// List returns a page of tasks, newest first
func (s *Service) List(ctx context.Context, status api.TaskStatus, page, pageSize int) (*api.TaskList, error) {
	if status != "" && !status.Valid() {
		return nil, &store.ValidationError{Field: "status", Message: fmt.Sprintf("unknown task status %q", status)}
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	rows, total, err := store.NewTaskRepository(s.store.DB(ctx)).List(status, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	list := &api.TaskList{Total: total, Page: page, PageSize: pageSize, Items: make([]api.Task, 0, len(rows))}
	for i := range rows {
		list.Items = append(list.Items, rows[i].API())
	}
	return list, nil
}

// PollPending returns every pending task addressed to deviceID, oldest first, with software
// descriptors resolved in list order. It does not claim anything: a broadcast task stays
// visible to every device until one of them starts it.
func (s *Service) PollPending(ctx context.Context, deviceID string) ([]api.PendingTask, error) {
	if deviceID == "" {
		return nil, &store.ValidationError{Field: "device_id", Message: "is required"}
	}
	observability.PendingPollsTotal.Inc()

	db := s.store.DB(ctx)
	pending, err := store.NewTaskRepository(db).ListByStatus(api.TaskPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}

	var (
		matched []store.Task
		codes   []string
	)
	for _, t := range pending {
		if t.Targets(deviceID) {
			matched = append(matched, t)
			codes = append(codes, t.SoftwareList...)
		}
	}

	catalog, err := store.NewSoftwareRepository(db).FindByCodes(codes)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve software: %w", err)
	}

	out := make([]api.PendingTask, 0, len(matched))
	for i := range matched {
		pt := api.PendingTask{Task: matched[i].API(), Software: make([]api.SoftwareDescriptor, 0, len(matched[i].SoftwareList))}
		for _, code := range matched[i].SoftwareList {
			if sw, ok := catalog[code]; ok {
				pt.Software = append(pt.Software, sw.API())
			} else {
				// Unknown codes still travel so the agent fails on download and reports it
				pt.Software = append(pt.Software, api.SoftwareDescriptor{Code: code, Name: code})
			}
		}
		out = append(out, pt)
	}
	return out, nil
}

// StartExecution moves the task to running and opens an Execution for the device
func (s *Service) StartExecution(ctx context.Context, req api.StartExecutionRequest) (*api.StartExecutionResponse, error) {
	ctx, span := observability.StartSpan(ctx, tracerName, "StartExecution",
		observability.AttrTaskID.String(req.TaskID),
		observability.AttrDeviceID.String(req.DeviceID),
	)
	resp, err := s.startExecution(ctx, req)
	observability.EndSpan(span, err)
	return resp, err
}

func (s *Service) startExecution(ctx context.Context, req api.StartExecutionRequest) (*api.StartExecutionResponse, error) {
	if req.TaskID == "" {
		return nil, &store.ValidationError{Field: "task_id", Message: "is required"}
	}
	if req.DeviceID == "" {
		return nil, &store.ValidationError{Field: "device_id", Message: "is required"}
	}

	now := s.clock.Now().UTC()
	resp := &api.StartExecutionResponse{}
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		taskRepo := store.NewTaskRepository(tx)
		task, err := taskRepo.FindByID(req.TaskID)
		if err != nil {
			return err
		}

		switch {
		case task.Status == api.TaskPending && s.claimMode == api.ClaimExclusive:
			won, err := taskRepo.ClaimPending(task.ID, req.DeviceID, now)
			if err != nil {
				return err
			}
			if !won {
				return &store.ProtocolStateError{Resource: "task:" + task.ID, Operation: "claim", State: string(api.TaskRunning)}
			}
			resp.Claimed = true
		case task.Status == api.TaskPending:
			task.Status = api.TaskRunning
			task.StartedAt = &now
			task.AssignedDeviceID = req.DeviceID
			if err := taskRepo.Save(task); err != nil {
				return err
			}
			resp.Claimed = true
		case task.Status == api.TaskRunning && s.claimMode == api.ClaimShared:
			// Another device already started this broadcast task
		default:
			return &store.ProtocolStateError{Resource: "task:" + task.ID, Operation: "start", State: string(task.Status)}
		}

		exec := &store.Execution{
			ID:        uuid.New().String(),
			TaskID:    task.ID,
			DeviceID:  req.DeviceID,
			ScriptID:  req.ScriptID,
			Status:    api.ExecutionRunning,
			StartTime: now,
			ExitCode:  -1,
		}
		if err := store.NewExecutionRepository(tx).Create(exec); err != nil {
			return err
		}
		resp.ExecutionID = exec.ID
		return nil
	})
	if err != nil {
		if store.IsProtocolStateError(err) {
			observability.ExecutionsStartedTotal.WithLabelValues("rejected").Inc()
		}
		return nil, err
	}

	claim := "shared"
	if resp.Claimed {
		claim = "won"
	}
	observability.ExecutionsStartedTotal.WithLabelValues(claim).Inc()

	s.logger.Info("Execution started",
		zap.String("execution_id", resp.ExecutionID),
		zap.String("task_id", req.TaskID),
		zap.String("device_id", req.DeviceID),
		zap.Bool("claimed", resp.Claimed),
	)
	s.recordEvent(ctx, observability.Event{
		Type:         observability.EventExecutionStarted,
		Severity:     observability.SeverityInfo,
		ActorType:    "device",
		ActorID:      req.DeviceID,
		ResourceType: "execution",
		ResourceID:   resp.ExecutionID,
		Action:       "start",
		Description:  fmt.Sprintf("Execution of task %s started", req.TaskID),
		Success:      true,
	})
	return resp, nil
}

// CompleteExecution closes an execution, stores its metric batch and settles the task
func (s *Service) CompleteExecution(ctx context.Context, executionID string, req api.CompleteExecutionRequest) (*api.CompleteExecutionResponse, error) {
	ctx, span := observability.StartSpan(ctx, tracerName, "CompleteExecution",
		observability.AttrExecutionID.String(executionID),
	)
	resp, err := s.completeExecution(ctx, executionID, req)
	observability.EndSpan(span, err)
	return resp, err
}

func (s *Service) completeExecution(ctx context.Context, executionID string, req api.CompleteExecutionRequest) (*api.CompleteExecutionResponse, error) {
	now := s.clock.Now().UTC()

	var (
		exec        *store.Execution
		task        *store.Task
		settled     bool
		needsSpawn  bool
		sampleCount int
	)
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		execRepo := store.NewExecutionRepository(tx)
		var err error
		exec, err = execRepo.FindByID(executionID)
		if err != nil {
			return err
		}
		if exec.Status != api.ExecutionRunning {
			return &store.ProtocolStateError{Resource: "execution:" + exec.ID, Operation: "complete", State: string(exec.Status)}
		}

		exec.EndTime = &now
		exec.ExitCode = req.ExitCode
		exec.ErrorMessage = req.ErrorMessage
		exec.DurationSeconds = FloorSeconds(exec.StartTime, now)
		sampleStatus := string(api.ExecutionCompleted)
		exec.Status = api.ExecutionCompleted
		if req.ExitCode != 0 {
			exec.Status = api.ExecutionFailed
			sampleStatus = string(api.ExecutionFailed)
		}
		if err := execRepo.Save(exec); err != nil {
			return err
		}

		samples := make([]store.MetricSample, 0, len(req.MetricsData))
		for _, m := range req.MetricsData {
			samples = append(samples, store.NewMetricSample(exec.ID, sampleStatus, m))
		}
		if err := execRepo.AppendSamples(samples); err != nil {
			return err
		}
		sampleCount = len(samples)

		taskRepo := store.NewTaskRepository(tx)
		task, err = taskRepo.FindByID(exec.TaskID)
		if err != nil {
			return err
		}
		if task.Status != api.TaskRunning {
			// Another execution of a broadcast task or a cancel already settled it
			return nil
		}

		task.CompletedAt = &now
		if req.ExitCode == 0 {
			task.Status = api.TaskCompleted
		} else {
			task.Status = api.TaskFailed
			task.ErrorMessage = appendNote(task.ErrorMessage, fmt.Sprintf("[execution %s] exit_code=%d %s", exec.ID, req.ExitCode, req.ErrorMessage))
		}
		settled = true
		needsSpawn = task.Status == api.TaskCompleted && task.ScheduleType.Recurring() && task.SpawnedTaskID == ""
		return taskRepo.Save(task)
	})
	if err != nil {
		return nil, err
	}

	observability.MetricSamplesStoredTotal.WithLabelValues("batch").Add(float64(sampleCount))
	observability.ExecutionDurationSeconds.WithLabelValues(string(exec.Status)).Observe(float64(exec.DurationSeconds))

	s.logger.Info("Execution completed",
		zap.String("execution_id", exec.ID),
		zap.String("task_id", exec.TaskID),
		zap.Int("exit_code", exec.ExitCode),
		zap.Int64("duration_seconds", exec.DurationSeconds),
		zap.Int("samples", sampleCount),
	)
	s.recordEvent(ctx, observability.Event{
		Type:         observability.EventExecutionFinished,
		Severity:     observability.SeverityInfo,
		ActorType:    "device",
		ActorID:      exec.DeviceID,
		ResourceType: "execution",
		ResourceID:   exec.ID,
		Action:       "complete",
		Description:  fmt.Sprintf("Execution of task %s finished", exec.TaskID),
		Success:      exec.ExitCode == 0,
		Error:        exec.ErrorMessage,
	})

	if settled {
		observability.TasksFinishedTotal.WithLabelValues(string(task.Status)).Inc()
		s.recordEvent(ctx, observability.NewTaskFinishedEvent(task.ID, exec.ID, exec.ExitCode, exec.ErrorMessage))
	}
	if needsSpawn {
		s.notifyCompleted(task.ID)
	}

	return &api.CompleteExecutionResponse{
		ExecutionID:     exec.ID,
		Success:         exec.ExitCode == 0,
		DurationSeconds: exec.DurationSeconds,
	}, nil
}

// FloorSeconds returns the whole seconds elapsed between start and end.
func FloorSeconds(start, end time.Time) int64 {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

// PushMetrics appends samples to a running execution
func (s *Service) PushMetrics(ctx context.Context, executionID string, samples []api.MetricSample) (*api.PushMetricsResponse, error) {
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		repo := store.NewExecutionRepository(tx)
		exec, err := repo.FindByID(executionID)
		if err != nil {
			return err
		}
		if exec.Status != api.ExecutionRunning {
			return &store.ProtocolStateError{Resource: "execution:" + exec.ID, Operation: "push metrics to", State: string(exec.Status)}
		}
		rows := make([]store.MetricSample, 0, len(samples))
		for _, m := range samples {
			rows = append(rows, store.NewMetricSample(exec.ID, string(api.ExecutionRunning), m))
		}
		return repo.AppendSamples(rows)
	})
	if err != nil {
		return nil, err
	}
	observability.MetricSamplesStoredTotal.WithLabelValues("incremental").Add(float64(len(samples)))
	return &api.PushMetricsResponse{Success: true, Count: len(samples)}, nil
}

// ReportSoftwareError fails a task because provisioning its software did not succeed
func (s *Service) ReportSoftwareError(ctx context.Context, taskID string, req api.SoftwareErrorRequest) (*api.SoftwareErrorResponse, error) {
	if req.ErrorType == "" {
		req.ErrorType = "software_install"
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = s.clock.Now().UTC()
	}
	now := s.clock.Now().UTC()

	note := fmt.Sprintf("[software error] type=%s", req.ErrorType)
	if req.SoftwareCode != "" {
		note += " software=" + req.SoftwareCode
	}
	if req.DeviceID != "" {
		note += " device=" + req.DeviceID
	}
	note += fmt.Sprintf(" message=%s time=%s", req.ErrorMessage, req.Timestamp.UTC().Format(time.RFC3339))

	var transitioned bool
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		repo := store.NewTaskRepository(tx)
		task, err := repo.FindByID(taskID)
		if err != nil {
			return err
		}
		switch task.Status {
		case api.TaskCompleted, api.TaskCancelled:
			return &store.ProtocolStateError{Resource: "task:" + task.ID, Operation: "report software error on", State: string(task.Status)}
		case api.TaskFailed:
		default:
			task.Status = api.TaskFailed
			task.CompletedAt = &now
			transitioned = true
		}
		task.ErrorMessage = appendNote(task.ErrorMessage, note)
		return repo.Save(task)
	})
	if err != nil {
		return nil, err
	}

	observability.SoftwareErrorsTotal.WithLabelValues(req.ErrorType).Inc()
	if transitioned {
		observability.TasksFinishedTotal.WithLabelValues(string(api.TaskFailed)).Inc()
	}
	s.logger.Warn("Software error reported",
		zap.String("task_id", taskID),
		zap.String("device_id", req.DeviceID),
		zap.String("error_type", req.ErrorType),
		zap.String("error", req.ErrorMessage),
	)
	s.recordEvent(ctx, observability.NewSoftwareErrorEvent(taskID, req.DeviceID, req.ErrorType, req.ErrorMessage))

	return &api.SoftwareErrorResponse{Status: "error_reported", Message: req.ErrorMessage}, nil
}

// Cancel stops a task that has not finished
func (s *Service) Cancel(ctx context.Context, id string) (*api.Task, error) {
	now := s.clock.Now().UTC()
	var task *store.Task
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		repo := store.NewTaskRepository(tx)
		var err error
		task, err = repo.FindByID(id)
		if err != nil {
			return err
		}
		if task.Status.Terminal() {
			return &store.ProtocolStateError{Resource: "task:" + id, Operation: "cancel", State: string(task.Status)}
		}
		task.Status = api.TaskCancelled
		task.CompletedAt = &now
		return repo.Save(task)
	})
	if err != nil {
		return nil, err
	}

	observability.TasksFinishedTotal.WithLabelValues(string(api.TaskCancelled)).Inc()
	s.logger.Info("Task cancelled", zap.String("task_id", id))
	s.recordEvent(ctx, observability.Event{
		Type:         observability.EventTaskCancelled,
		Severity:     observability.SeverityInfo,
		ActorType:    "user",
		ResourceType: "task",
		ResourceID:   id,
		Action:       "cancel",
		Description:  fmt.Sprintf("Task %s cancelled", id),
		Success:      true,
	})
	out := task.API()
	return &out, nil
}

// Retry clones a failed or cancelled task into a new pending task
func (s *Service) Retry(ctx context.Context, id string) (*api.Task, error) {
	now := s.clock.Now().UTC()
	var clone *store.Task
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		repo := store.NewTaskRepository(tx)
		orig, err := repo.FindByID(id)
		if err != nil {
			return err
		}
		if orig.Status != api.TaskFailed && orig.Status != api.TaskCancelled {
			return &store.ProtocolStateError{Resource: "task:" + id, Operation: "retry", State: string(orig.Status)}
		}
		clone = &store.Task{
			ID:                  uuid.New().String(),
			TaskName:            orig.TaskName,
			TaskType:            orig.TaskType,
			Status:              api.TaskPending,
			TargetDeviceIDs:     orig.TargetDeviceIDs,
			ScheduleType:        api.ScheduleImmediate,
			SoftwareList:        orig.SoftwareList,
			Script:              orig.Script,
			TestDurationSeconds: orig.TestDurationSeconds,
			SampleIntervalMS:    orig.SampleIntervalMS,
			ParentTaskID:        orig.ID,
			CreatedAt:           now,
		}
		return repo.Create(clone)
	})
	if err != nil {
		return nil, err
	}

	observability.TasksCreatedTotal.WithLabelValues(string(api.ScheduleImmediate)).Inc()
	s.logger.Info("Task retried", zap.String("task_id", id), zap.String("new_task_id", clone.ID))
	out := clone.API()
	return &out, nil
}

// Executions returns the executions of a task
func (s *Service) Executions(ctx context.Context, taskID string) ([]api.Execution, error) {
	db := s.store.DB(ctx)
	if _, err := store.NewTaskRepository(db).FindByID(taskID); err != nil {
		return nil, err
	}
	rows, err := store.NewExecutionRepository(db).ListByTask(taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	out := make([]api.Execution, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].API())
	}
	return out, nil
}

// Execution returns one execution
func (s *Service) Execution(ctx context.Context, id string) (*api.Execution, error) {
	e, err := store.NewExecutionRepository(s.store.DB(ctx)).FindByID(id)
	if err != nil {
		return nil, err
	}
	out := e.API()
	return &out, nil
}

// Metrics returns the samples recorded for an execution
func (s *Service) Metrics(ctx context.Context, executionID string) ([]api.MetricSample, error) {
	repo := store.NewExecutionRepository(s.store.DB(ctx))
	if _, err := repo.FindByID(executionID); err != nil {
		return nil, err
	}
	rows, err := repo.Samples(executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list samples: %w", err)
	}
	out := make([]api.MetricSample, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].API())
	}
	return out, nil
}

func (s *Service) notifyCompleted(taskID string) {
	s.mu.RLock()
	l := s.listener
	s.mu.RUnlock()
	if l != nil {
		l.TaskCompleted(taskID)
	}
}

func (s *Service) recordEvent(ctx context.Context, ev observability.Event) {
	if s.events != nil {
		s.events.RecordEvent(ctx, ev)
	}
}

func appendNote(existing, note string) string {
	if existing == "" {
		return note
	}
	return existing + "\n" + note
}
