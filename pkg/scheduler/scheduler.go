package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benchfleet/benchfleet/pkg/api"
	"github.com/benchfleet/benchfleet/pkg/observability"
	"github.com/benchfleet/benchfleet/pkg/store"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DefaultInterval is how often due tasks are promoted and recurrences spawned.
	DefaultInterval = 60 * time.Second

	jobPrefix     = "task_"
	notifyBacklog = 64
)

// Config contains scheduler configuration
type Config struct {
	Store    *store.Store
	Events   *observability.EventStream
	Logger   *zap.Logger
	Clock    clockwork.Clock
	Interval time.Duration
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
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	return result.ErrorOrNil()
}

// SweepResult reports what one sweep changed
type SweepResult struct {
	Promoted []string
	Spawned  []string
}

// Scheduler promotes due tasks to pending and spawns successors of completed recurring tasks.
// It is the only component that creates successors.
type Scheduler struct {
	store    *store.Store
	events   *observability.EventStream
	logger   *zap.Logger
	clock    clockwork.Clock
	interval time.Duration

	notify chan string

	mu        sync.RWMutex
	started   bool
	lastSweep *time.Time
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a new scheduler
func New(config Config) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	return &Scheduler{
		store:    config.Store,
		events:   config.Events,
		logger:   config.Logger.With(zap.String("component", "scheduler")),
		clock:    config.Clock,
		interval: config.Interval,
		notify:   make(chan string, notifyBacklog),
	}, nil
}

// Start runs an initial sweep and launches the scheduler loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	stop, done := make(chan struct{}), make(chan struct{})
	s.stopCh, s.doneCh = stop, done
	s.mu.Unlock()

	s.logger.Info("Starting scheduler", zap.Duration("interval", s.interval))
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("Initial scheduler sweep failed", zap.Error(err))
	}
	go s.run(ctx, stop, done)
	return nil
}

// Stop stops the scheduler loop
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	stop, done := s.stopCh, s.doneCh
	s.mu.Unlock()
	if !started {
		return nil
	}

	s.logger.Info("Stopping scheduler")
	close(stop)
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("Scheduler stopped")
	return nil
}

// TaskCompleted queues a successor check for a completed recurring task. It never blocks;
// when the backlog is full the next sweep picks the task up.
func (s *Scheduler) TaskCompleted(taskID string) {
	select {
	case s.notify <- taskID:
	default:
		s.logger.Debug("Completion backlog full, deferring to sweep", zap.String("task_id", taskID))
	}
}

func (s *Scheduler) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case id := <-s.notify:
			if _, err := s.Spawn(ctx, id); err != nil {
				s.logger.Error("Failed to spawn successor", zap.String("task_id", id), zap.Error(err))
			}
		case <-ticker.Chan():
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("Scheduler sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep spawns missing successors and then promotes every due task
func (s *Scheduler) Sweep(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	defer func() {
		observability.SchedulerSweepDuration.Observe(time.Since(start).Seconds())
	}()

	result := &SweepResult{}
	var errs *multierror.Error

	awaiting, err := store.NewTaskRepository(s.store.DB(ctx)).ListAwaitingSpawn()
	if err != nil {
		return nil, fmt.Errorf("failed to list completed recurring tasks: %w", err)
	}
	for i := range awaiting {
		child, err := s.Spawn(ctx, awaiting[i].ID)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if child != nil {
			result.Spawned = append(result.Spawned, child.ID)
		}
	}

	now := s.clock.Now().UTC()
	repo := store.NewTaskRepository(s.store.DB(ctx))
	due, err := repo.ListDue(now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due tasks: %w", err)
	}
	for i := range due {
		ok, err := s.promote(ctx, &due[i], "due")
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if ok {
			result.Promoted = append(result.Promoted, due[i].ID)
		}
	}

	s.mu.Lock()
	s.lastSweep = &now
	s.mu.Unlock()
	s.refreshGauge(ctx)

	if len(result.Promoted) > 0 || len(result.Spawned) > 0 {
		s.logger.Info("Scheduler sweep",
			zap.Int("promoted", len(result.Promoted)),
			zap.Int("spawned", len(result.Spawned)),
		)
	}
	return result, errs.ErrorOrNil()
}

func (s *Scheduler) promote(ctx context.Context, t *store.Task, reason string) (bool, error) {
	ok, err := store.NewTaskRepository(s.store.DB(ctx)).Promote(t.ID)
	if err != nil {
		return false, fmt.Errorf("failed to promote task %s: %w", t.ID, err)
	}
	if !ok {
		return false, nil
	}
	observability.SchedulerPromotionsTotal.Inc()
	s.logger.Info("Task promoted to pending", zap.String("task_id", t.ID), zap.String("reason", reason))
	s.recordEvent(ctx, observability.Event{
		Type:         observability.EventTaskPromoted,
		Severity:     observability.SeverityInfo,
		ActorType:    "system",
		ActorID:      "scheduler",
		ResourceType: "task",
		ResourceID:   t.ID,
		Action:       "promote",
		Description:  fmt.Sprintf("Task %s promoted (%s)", t.TaskName, reason),
		Success:      true,
	})
	return true, nil
}

// Spawn creates the successor of a completed recurring task. The successor is created and
// recorded on its parent in one transaction, so a task never gets two successors. It returns
// nil when there is nothing to spawn.
func (s *Scheduler) Spawn(ctx context.Context, taskID string) (*api.Task, error) {
	now := s.clock.Now().UTC()
	var (
		parent *store.Task
		child  *store.Task
	)
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		repo := store.NewTaskRepository(tx)
		var err error
		parent, err = repo.FindByID(taskID)
		if err != nil {
			return err
		}
		if parent.Status != api.TaskCompleted || !parent.ScheduleType.Recurring() || parent.SpawnedTaskID != "" {
			return nil
		}

		next, err := NextRun(parent)
		if err != nil {
			return err
		}
		successor := &store.Task{
			ID:                  uuid.New().String(),
			TaskName:            parent.TaskName,
			TaskType:            parent.TaskType,
			Status:              api.TaskScheduled,
			TargetDeviceIDs:     parent.TargetDeviceIDs,
			ScheduleType:        parent.ScheduleType,
			ScheduledAt:         &next,
			CronExpression:      parent.CronExpression,
			SoftwareList:        parent.SoftwareList,
			Script:              parent.Script,
			TestDurationSeconds: parent.TestDurationSeconds,
			SampleIntervalMS:    parent.SampleIntervalMS,
			SchedulePaused:      parent.SchedulePaused,
			ParentTaskID:        parent.ID,
			CreatedAt:           now,
		}

		won, err := repo.MarkSpawned(parent.ID, successor.ID)
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		if err := repo.Create(successor); err != nil {
			return err
		}
		child = successor
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to spawn successor of %s: %w", taskID, err)
	}
	if child == nil {
		return nil, nil
	}

	observability.SchedulerSpawnsTotal.WithLabelValues(string(child.ScheduleType)).Inc()
	s.logger.Info("Spawned recurring task",
		zap.String("parent_task_id", parent.ID),
		zap.String("task_id", child.ID),
		zap.Time("scheduled_at", *child.ScheduledAt),
	)
	s.recordEvent(ctx, observability.NewRecurrenceSpawnedEvent(parent.ID, child.ID, *child.ScheduledAt))

	out := child.API()
	return &out, nil
}

// JobID returns the job id of a scheduled task.
func JobID(taskID string) string {
	return jobPrefix + taskID
}

func taskIDFromJob(jobID string) (string, error) {
	if !strings.HasPrefix(jobID, jobPrefix) || len(jobID) == len(jobPrefix) {
		return "", &store.ValidationError{Field: "job_id", Message: fmt.Sprintf("malformed job id %q", jobID)}
	}
	return strings.TrimPrefix(jobID, jobPrefix), nil
}

func toJob(t *store.Task) api.Job {
	return api.Job{
		ID:           JobID(t.ID),
		TaskID:       t.ID,
		Name:         t.TaskName,
		ScheduleType: t.ScheduleType,
		NextRunTime:  t.ScheduledAt,
		Paused:       t.SchedulePaused,
	}
}

// Jobs lists every task waiting for its scheduled time
func (s *Scheduler) Jobs(ctx context.Context) ([]api.Job, error) {
	tasks, err := store.NewTaskRepository(s.store.DB(ctx)).ListByStatus(api.TaskScheduled)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	jobs := make([]api.Job, 0, len(tasks))
	for i := range tasks {
		jobs = append(jobs, toJob(&tasks[i]))
	}
	return jobs, nil
}

// Job returns one scheduled job
func (s *Scheduler) Job(ctx context.Context, jobID string) (*api.Job, error) {
	t, err := s.scheduledTask(ctx, jobID, "inspect")
	if err != nil {
		return nil, err
	}
	job := toJob(t)
	return &job, nil
}

func (s *Scheduler) scheduledTask(ctx context.Context, jobID, op string) (*store.Task, error) {
	taskID, err := taskIDFromJob(jobID)
	if err != nil {
		return nil, err
	}
	t, err := store.NewTaskRepository(s.store.DB(ctx)).FindByID(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != api.TaskScheduled {
		return nil, &store.ProtocolStateError{Resource: "job:" + jobID, Operation: op, State: string(t.Status)}
	}
	return t, nil
}

// Pause stops a job from being promoted until it is resumed
func (s *Scheduler) Pause(ctx context.Context, jobID string) (*api.Job, error) {
	return s.setPaused(ctx, jobID, true)
}

// Resume lets a paused job be promoted again
func (s *Scheduler) Resume(ctx context.Context, jobID string) (*api.Job, error) {
	return s.setPaused(ctx, jobID, false)
}

func (s *Scheduler) setPaused(ctx context.Context, jobID string, paused bool) (*api.Job, error) {
	op := "resume"
	if paused {
		op = "pause"
	}
	t, err := s.scheduledTask(ctx, jobID, op)
	if err != nil {
		return nil, err
	}
	if err := store.NewTaskRepository(s.store.DB(ctx)).SetPaused(t.ID, paused); err != nil {
		return nil, fmt.Errorf("failed to %s job %s: %w", op, jobID, err)
	}
	t.SchedulePaused = paused
	s.logger.Info("Job "+op+"d", zap.String("job_id", jobID))
	job := toJob(t)
	return &job, nil
}

// RunNow promotes a scheduled job immediately, ignoring its time and pause flag
func (s *Scheduler) RunNow(ctx context.Context, jobID string) (*api.Job, error) {
	t, err := s.scheduledTask(ctx, jobID, "run")
	if err != nil {
		return nil, err
	}
	ok, err := s.promote(ctx, t, "manual")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &store.ConflictError{Resource: "job:" + jobID, Message: "job was promoted concurrently"}
	}
	t.Status = api.TaskPending
	job := toJob(t)
	return &job, nil
}

// Remove cancels a scheduled job so it never runs
func (s *Scheduler) Remove(ctx context.Context, jobID string) error {
	t, err := s.scheduledTask(ctx, jobID, "remove")
	if err != nil {
		return err
	}
	now := s.clock.Now().UTC()
	t.Status = api.TaskCancelled
	t.CompletedAt = &now
	if err := store.NewTaskRepository(s.store.DB(ctx)).Save(t); err != nil {
		return fmt.Errorf("failed to remove job %s: %w", jobID, err)
	}
	s.logger.Info("Job removed", zap.String("job_id", jobID))
	s.refreshGauge(ctx)
	return nil
}

// Status summarises the scheduler
func (s *Scheduler) Status(ctx context.Context) api.SchedulerStatus {
	s.mu.RLock()
	status := api.SchedulerStatus{
		Running:   s.started,
		Interval:  s.interval.String(),
		LastSweep: s.lastSweep,
	}
	s.mu.RUnlock()

	if jobs, err := s.Jobs(ctx); err == nil {
		status.JobCount = len(jobs)
	}
	return status
}

func (s *Scheduler) refreshGauge(ctx context.Context) {
	jobs, err := s.Jobs(ctx)
	if err != nil {
		return
	}
	observability.SchedulerJobs.Set(float64(len(jobs)))
}

func (s *Scheduler) recordEvent(ctx context.Context, ev observability.Event) {
	if s.events != nil {
		s.events.RecordEvent(ctx, ev)
	}
}
