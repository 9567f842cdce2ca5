package commands

import (
	"context"
	"encoding/json"
	"fmt"
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
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5

	DefaultListLimit = 100
)

// Config contains configuration for the command queue
type Config struct {
	Store  *store.Store
	Events *observability.EventStream
	Logger *zap.Logger
	Clock  clockwork.Clock
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
	return result.ErrorOrNil()
}

// Queue holds per-device control commands. A command moves
// pending -> executing -> completed|failed and never backwards.
type Queue struct {
	store  *store.Store
	events *observability.EventStream
	logger *zap.Logger
	clock  clockwork.Clock
}

// New creates a new command queue
func New(config Config) (*Queue, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command queue config: %w", err)
	}
	return &Queue{
		store:  config.Store,
		events: config.Events,
		logger: config.Logger.With(zap.String("component", "commands")),
		clock:  config.Clock,
	}, nil
}

// Enqueue validates and stores a new pending command
func (q *Queue) Enqueue(ctx context.Context, req api.CreateCommandRequest) (*api.ControlCommand, error) {
	if req.DeviceID == "" {
		return nil, &store.ValidationError{Field: "device_id", Message: "is required"}
	}
	if !req.CommandType.Valid() {
		return nil, &store.ValidationError{Field: "command_type", Message: fmt.Sprintf("unknown command type %q", req.CommandType)}
	}
	if req.Priority == 0 {
		req.Priority = DefaultPriority
	}
	if req.Priority < MinPriority || req.Priority > MaxPriority {
		return nil, &store.ValidationError{Field: "priority", Message: fmt.Sprintf("must be between %d and %d", MinPriority, MaxPriority)}
	}
	if req.Source == "" {
		req.Source = api.SourceManual
	}
	if !req.Source.Valid() {
		return nil, &store.ValidationError{Field: "source", Message: fmt.Sprintf("unknown source %q", req.Source)}
	}
	if len(req.Params) > 0 && !json.Valid(req.Params) {
		return nil, &store.ValidationError{Field: "command_params", Message: "must be valid JSON"}
	}

	cmd := &store.Command{
		ID:             uuid.New().String(),
		DeviceID:       req.DeviceID,
		CommandType:    req.CommandType,
		TargetSoftware: req.TargetSoftware,
		Params:         string(req.Params),
		Status:         api.CommandPending,
		Priority:       req.Priority,
		Source:         req.Source,
		TriggeredBy:    req.TriggeredBy,
		CreatedAt:      q.clock.Now().UTC(),
	}
	if err := store.NewCommandRepository(q.store.DB(ctx)).Create(cmd); err != nil {
		return nil, fmt.Errorf("failed to enqueue command: %w", err)
	}

	observability.CommandTransitionsTotal.WithLabelValues(string(cmd.CommandType), string(api.CommandPending)).Inc()
	q.logger.Info("Command queued",
		zap.String("command_id", cmd.ID),
		zap.String("device_id", cmd.DeviceID),
		zap.String("command_type", string(cmd.CommandType)),
		zap.Int("priority", cmd.Priority),
	)
	q.recordEvent(ctx, observability.Event{
		Type:         observability.EventCommandQueued,
		Severity:     observability.SeverityInfo,
		ActorType:    string(cmd.Source),
		ActorID:      cmd.TriggeredBy,
		ResourceType: "command",
		ResourceID:   cmd.ID,
		Action:       "enqueue",
		Description:  fmt.Sprintf("Command %s queued for device %s", cmd.CommandType, cmd.DeviceID),
		Success:      true,
	})

	out := cmd.API()
	return &out, nil
}

// Pending returns the device's pending commands, highest priority first then oldest,
// and stamps sent_at on first delivery. Commands stay pending until acknowledged.
func (q *Queue) Pending(ctx context.Context, deviceID string) ([]api.ControlCommand, error) {
	if deviceID == "" {
		return nil, &store.ValidationError{Field: "device_id", Message: "is required"}
	}

	now := q.clock.Now().UTC()
	var out []api.ControlCommand
	err := q.store.Transaction(ctx, func(tx *gorm.DB) error {
		repo := store.NewCommandRepository(tx)
		rows, err := repo.PendingForDevice(deviceID)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(rows))
		out = make([]api.ControlCommand, 0, len(rows))
		for i := range rows {
			if rows[i].SentAt == nil {
				ids = append(ids, rows[i].ID)
				rows[i].SentAt = &now
			}
			out = append(out, rows[i].API())
		}
		return repo.MarkSent(ids, now)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending commands: %w", err)
	}
	return out, nil
}

// Acknowledge moves a pending command to executing
func (q *Queue) Acknowledge(ctx context.Context, id string) (*api.ControlCommand, error) {
	cmd, err := q.transition(ctx, id, "acknowledge", api.CommandPending, func(c *store.Command, now time.Time) {
		c.Status = api.CommandExecuting
		c.AcknowledgedAt = &now
	})
	if err != nil {
		return nil, err
	}
	q.logger.Debug("Command acknowledged", zap.String("command_id", id))
	out := cmd.API()
	return &out, nil
}

// Complete records the outcome of an executing command. An error message fails it.
func (q *Queue) Complete(ctx context.Context, id string, req api.CompleteCommandRequest) (*api.ControlCommand, error) {
	if len(req.Result) > 0 && !json.Valid(req.Result) {
		return nil, &store.ValidationError{Field: "result", Message: "must be valid JSON"}
	}
	cmd, err := q.transition(ctx, id, "complete", api.CommandExecuting, func(c *store.Command, now time.Time) {
		c.Status = api.CommandCompleted
		if req.ErrorMessage != "" {
			c.Status = api.CommandFailed
		}
		c.Result = string(req.Result)
		c.ErrorMessage = req.ErrorMessage
		c.CompletedAt = &now
	})
	if err != nil {
		return nil, err
	}

	q.logger.Info("Command finished",
		zap.String("command_id", cmd.ID),
		zap.String("device_id", cmd.DeviceID),
		zap.String("status", string(cmd.Status)),
	)
	q.recordEvent(ctx, observability.NewCommandFinishedEvent(cmd.ID, cmd.DeviceID, string(cmd.CommandType), cmd.ErrorMessage))
	out := cmd.API()
	return &out, nil
}

func (q *Queue) transition(ctx context.Context, id, op string, from api.CommandStatus, apply func(*store.Command, time.Time)) (*store.Command, error) {
	now := q.clock.Now().UTC()
	var cmd *store.Command
	err := q.store.Transaction(ctx, func(tx *gorm.DB) error {
		repo := store.NewCommandRepository(tx)
		var err error
		cmd, err = repo.FindByID(id)
		if err != nil {
			return err
		}
		if cmd.Status != from {
			return &store.ProtocolStateError{Resource: "command:" + id, Operation: op, State: string(cmd.Status)}
		}
		apply(cmd, now)
		changed, err := repo.Transition(cmd, from)
		if err != nil {
			return err
		}
		if !changed {
			// Another caller moved the command after our read.
			current := "unknown"
			if latest, ferr := repo.FindByID(id); ferr == nil {
				current = string(latest.Status)
			}
			return &store.ProtocolStateError{Resource: "command:" + id, Operation: op, State: current}
		}
		return nil
	})
	if err != nil {
		if store.IsProtocolStateError(err) {
			observability.CommandProtocolErrorsTotal.WithLabelValues(op).Inc()
		}
		return nil, err
	}
	observability.CommandTransitionsTotal.WithLabelValues(string(cmd.CommandType), string(cmd.Status)).Inc()
	return cmd, nil
}

// Get returns one command
func (q *Queue) Get(ctx context.Context, id string) (*api.ControlCommand, error) {
	cmd, err := store.NewCommandRepository(q.store.DB(ctx)).FindByID(id)
	if err != nil {
		return nil, err
	}
	out := cmd.API()
	return &out, nil
}

// List returns commands filtered by device and status, newest first
func (q *Queue) List(ctx context.Context, deviceID string, status api.CommandStatus, limit int) (*api.CommandList, error) {
	if status != "" && !status.Valid() {
		return nil, &store.ValidationError{Field: "status", Message: fmt.Sprintf("unknown command status %q", status)}
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := store.NewCommandRepository(q.store.DB(ctx)).List(deviceID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	list := &api.CommandList{Total: len(rows), Items: make([]api.ControlCommand, 0, len(rows))}
	for i := range rows {
		list.Items = append(list.Items, rows[i].API())
	}
	return list, nil
}

func (q *Queue) recordEvent(ctx context.Context, ev observability.Event) {
	if q.events != nil {
		q.events.RecordEvent(ctx, ev)
	}
}
