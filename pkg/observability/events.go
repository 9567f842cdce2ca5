package observability

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	// Device events
	EventDeviceRegistered EventType = "device.registered"
	EventDeviceOffline    EventType = "device.offline"
	EventDeviceAlert      EventType = "device.alert"

	// Task events
	EventTaskCreated       EventType = "task.created"
	EventTaskCompleted     EventType = "task.completed"
	EventTaskFailed        EventType = "task.failed"
	EventTaskCancelled     EventType = "task.cancelled"
	EventSoftwareError     EventType = "task.software_error"
	EventExecutionStarted  EventType = "execution.started"
	EventExecutionFinished EventType = "execution.finished"

	// Command events
	EventCommandQueued   EventType = "command.queued"
	EventCommandFinished EventType = "command.finished"

	// Scheduler events
	EventTaskPromoted      EventType = "scheduler.promoted"
	EventRecurrenceSpawned EventType = "scheduler.spawned"
)

// EventSeverity represents the severity level of an event
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// Event represents an audit event
type Event struct {
	// Event metadata
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	Severity  EventSeverity `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`

	// Correlation IDs
	RequestID     string `json:"request_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	// Actor information
	ActorType string `json:"actor_type,omitempty"` // user, system, agent
	ActorID   string `json:"actor_id,omitempty"`

	// Resource information
	ResourceType string `json:"resource_type,omitempty"` // device, task, command, software
	ResourceID   string `json:"resource_id,omitempty"`

	// Event details
	Action      string                 `json:"action"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	// Outcome
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// EventStream is a bounded in-memory log of domain events, newest last
type EventStream struct {
	logger    *zap.Logger
	mu        sync.RWMutex
	events    []Event
	maxSize   int
	retention time.Duration
}

// EventStreamConfig holds configuration for the event stream
type EventStreamConfig struct {
	MaxSize   int           // events kept in memory, default 10000
	Retention time.Duration // zero keeps events until evicted by MaxSize
}

// NewEventStream creates a new event stream
func NewEventStream(cfg EventStreamConfig, logger *zap.Logger) *EventStream {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10000
	}
	return &EventStream{
		logger:    logger,
		events:    make([]Event, 0, cfg.MaxSize),
		maxSize:   cfg.MaxSize,
		retention: cfg.Retention,
	}
}

// RecordEvent stamps the event with an ID, time and the request IDs in ctx,
// stores it and logs it at a level matching its severity
func (es *EventStream) RecordEvent(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = GenerateRequestID()
	}
	if event.RequestID == "" {
		event.RequestID = GetRequestID(ctx)
	}
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	es.mu.Lock()
	es.events = append(es.events, event)
	if over := len(es.events) - es.maxSize; over > 0 {
		es.events = es.events[over:]
	}
	if es.retention > 0 {
		cutoff := event.Timestamp.Add(-es.retention)
		i := 0
		for i < len(es.events) && es.events[i].Timestamp.Before(cutoff) {
			i++
		}
		es.events = es.events[i:]
	}
	es.mu.Unlock()

	es.logEvent(event)
}

func (es *EventStream) logEvent(event Event) {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("action", event.Action),
		zap.Bool("success", event.Success),
	}
	if event.RequestID != "" {
		fields = append(fields, zap.String("request_id", event.RequestID))
	}
	if event.ActorID != "" {
		fields = append(fields, zap.String("actor_id", event.ActorID))
	}
	if event.ResourceID != "" {
		fields = append(fields, zap.String(event.ResourceType+"_id", event.ResourceID))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}

	switch event.Severity {
	case SeverityWarning:
		es.logger.Warn(event.Description, fields...)
	case SeverityError, SeverityCritical:
		es.logger.Error(event.Description, append(fields, zap.String("severity", string(event.Severity)))...)
	default:
		es.logger.Info(event.Description, fields...)
	}
}

// GetEvents returns the matching events, oldest first. With a limit only the
// most recent matches are kept.
func (es *EventStream) GetEvents(filter EventFilter) []Event {
	es.mu.RLock()
	defer es.mu.RUnlock()

	result := make([]Event, 0)
	for _, event := range es.events {
		if filter.Matches(event) {
			result = append(result, event)
		}
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[len(result)-filter.Limit:]
	}
	return result
}

// EventFilter selects events; zero fields match everything
type EventFilter struct {
	Types        []EventType
	Severities   []EventSeverity
	ActorID      string
	ResourceType string
	ResourceID   string
	Since        time.Time
	Limit        int
}

// Matches reports whether the event passes every set criterion
func (f EventFilter) Matches(event Event) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, event.Type) {
		return false
	}
	if len(f.Severities) > 0 && !slices.Contains(f.Severities, event.Severity) {
		return false
	}
	if f.ActorID != "" && event.ActorID != f.ActorID {
		return false
	}
	if f.ResourceType != "" && event.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && event.ResourceID != f.ResourceID {
		return false
	}
	if !f.Since.IsZero() && event.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Helper functions for creating specific events

// NewDeviceRegisteredEvent creates a device registered event
func NewDeviceRegisteredEvent(deviceID, mac, hostname string, firstSeen bool) Event {
	return Event{
		Type:         EventDeviceRegistered,
		Severity:     SeverityInfo,
		ActorType:    "device",
		ActorID:      deviceID,
		ResourceType: "device",
		ResourceID:   deviceID,
		Action:       "register",
		Description:  fmt.Sprintf("Device %s (%s) registered", hostname, mac),
		Metadata: map[string]interface{}{
			"mac_address": mac,
			"first_seen":  firstSeen,
		},
		Success: true,
	}
}

// NewDeviceOfflineEvent creates a device offline event
func NewDeviceOfflineEvent(deviceID, mac string, lastSeen time.Time, threshold time.Duration) Event {
	return Event{
		Type:         EventDeviceOffline,
		Severity:     SeverityWarning,
		ActorType:    "system",
		ResourceType: "device",
		ResourceID:   deviceID,
		Action:       "liveness_sweep",
		Description:  fmt.Sprintf("Device %s marked offline after %s without heartbeat", mac, threshold),
		Metadata: map[string]interface{}{
			"mac_address":  mac,
			"last_seen_at": lastSeen,
		},
		Success: true,
	}
}

// NewDeviceAlertEvent creates a resource threshold alert for a device
func NewDeviceAlertEvent(deviceID, metric string, value, threshold float64, critical bool) Event {
	severity := SeverityWarning
	if critical {
		severity = SeverityCritical
	}
	return Event{
		Type:         EventDeviceAlert,
		Severity:     severity,
		ActorType:    "device",
		ActorID:      deviceID,
		ResourceType: "device",
		ResourceID:   deviceID,
		Action:       "threshold_check",
		Description:  fmt.Sprintf("Device %s %s at %.1f exceeds %.1f", deviceID, metric, value, threshold),
		Metadata: map[string]interface{}{
			"metric":    metric,
			"value":     value,
			"threshold": threshold,
		},
		Success: true,
	}
}

// NewTaskFinishedEvent creates a task completed or failed event
func NewTaskFinishedEvent(taskID, executionID string, exitCode int, errMsg string) Event {
	event := Event{
		Type:         EventTaskCompleted,
		Severity:     SeverityInfo,
		ActorType:    "device",
		ResourceType: "task",
		ResourceID:   taskID,
		Action:       "complete",
		Description:  fmt.Sprintf("Task %s completed", taskID),
		Metadata: map[string]interface{}{
			"execution_id": executionID,
			"exit_code":    exitCode,
		},
		Success: exitCode == 0,
		Error:   errMsg,
	}
	if exitCode != 0 {
		event.Type = EventTaskFailed
		event.Severity = SeverityError
		event.Description = fmt.Sprintf("Task %s failed with exit code %d", taskID, exitCode)
	}
	return event
}

// NewSoftwareErrorEvent creates a software provisioning failure event
func NewSoftwareErrorEvent(taskID, deviceID, errorType, message string) Event {
	return Event{
		Type:         EventSoftwareError,
		Severity:     SeverityError,
		ActorType:    "device",
		ActorID:      deviceID,
		ResourceType: "task",
		ResourceID:   taskID,
		Action:       "provision",
		Description:  fmt.Sprintf("Software provisioning failed for task %s", taskID),
		Metadata: map[string]interface{}{
			"error_type": errorType,
		},
		Success: false,
		Error:   message,
	}
}

// NewRecurrenceSpawnedEvent creates an event for a recurring task successor
func NewRecurrenceSpawnedEvent(parentID, childID string, next time.Time) Event {
	return Event{
		Type:         EventRecurrenceSpawned,
		Severity:     SeverityInfo,
		ActorType:    "system",
		ResourceType: "task",
		ResourceID:   childID,
		Action:       "spawn",
		Description:  fmt.Sprintf("Recurring task %s spawned successor %s", parentID, childID),
		Metadata: map[string]interface{}{
			"parent_task_id": parentID,
			"scheduled_at":   next,
		},
		Success: true,
	}
}

// NewCommandFinishedEvent creates a command completion event
func NewCommandFinishedEvent(commandID, deviceID, commandType, errMsg string) Event {
	event := Event{
		Type:         EventCommandFinished,
		Severity:     SeverityInfo,
		ActorType:    "device",
		ActorID:      deviceID,
		ResourceType: "command",
		ResourceID:   commandID,
		Action:       "complete",
		Description:  fmt.Sprintf("Command %s (%s) finished", commandID, commandType),
		Success:      errMsg == "",
		Error:        errMsg,
	}
	if errMsg != "" {
		event.Severity = SeverityWarning
	}
	return event
}
