package store

import (
	"time"

	"github.com/benchfleet/benchfleet/pkg/api"
	"gorm.io/gorm"
)

// Repositories take a *gorm.DB so callers can pass either the store handle or a transaction.

// DeviceRepository persists devices.
type DeviceRepository struct{ db *gorm.DB }

// NewDeviceRepository returns a device repository over db.
func NewDeviceRepository(db *gorm.DB) *DeviceRepository { return &DeviceRepository{db: db} }

// FindByMAC looks a device up by its identity.
func (r *DeviceRepository) FindByMAC(mac string) (*Device, error) {
	var d Device
	if err := r.db.Where("mac_address = ?", mac).First(&d).Error; err != nil {
		return nil, notFound(err, "device", mac)
	}
	return &d, nil
}

// FindByID looks a device up by id.
func (r *DeviceRepository) FindByID(id string) (*Device, error) {
	var d Device
	if err := r.db.Where("id = ?", id).First(&d).Error; err != nil {
		return nil, notFound(err, "device", id)
	}
	return &d, nil
}

// Create inserts a new device.
func (r *DeviceRepository) Create(d *Device) error {
	return r.db.Create(d).Error
}

// Save writes every field of d.
func (r *DeviceRepository) Save(d *Device) error {
	return r.db.Save(d).Error
}

// List returns devices, optionally filtered by status, newest registration first.
func (r *DeviceRepository) List(status api.DeviceStatus) ([]Device, error) {
	q := r.db.Order("registered_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var devices []Device
	if err := q.Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// ListStale returns every non-offline device last seen before cutoff.
func (r *DeviceRepository) ListStale(cutoff time.Time) ([]Device, error) {
	var devices []Device
	err := r.db.Where("status <> ? AND last_seen_at < ?", api.DeviceOffline, cutoff).
		Order("last_seen_at ASC").
		Find(&devices).Error
	return devices, err
}

// MarkOffline demotes the device if it is still stale. It reports whether a row changed.
func (r *DeviceRepository) MarkOffline(id string, cutoff time.Time) (bool, error) {
	res := r.db.Model(&Device{}).
		Where("id = ? AND status <> ? AND last_seen_at < ?", id, api.DeviceOffline, cutoff).
		Update("status", api.DeviceOffline)
	return res.RowsAffected > 0, res.Error
}

// CountByStatus returns the number of devices in each status.
func (r *DeviceRepository) CountByStatus() (map[api.DeviceStatus]int64, error) {
	var rows []struct {
		Status api.DeviceStatus
		Count  int64
	}
	if err := r.db.Model(&Device{}).Select("status, count(*) as count").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[api.DeviceStatus]int64, len(api.DeviceStatuses))
	for _, s := range api.DeviceStatuses {
		counts[s] = 0
	}
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// TaskRepository persists tasks.
type TaskRepository struct{ db *gorm.DB }

// NewTaskRepository returns a task repository over db.
func NewTaskRepository(db *gorm.DB) *TaskRepository { return &TaskRepository{db: db} }

// Create inserts a new task.
func (r *TaskRepository) Create(t *Task) error {
	return r.db.Create(t).Error
}

// FindByID looks a task up by id.
func (r *TaskRepository) FindByID(id string) (*Task, error) {
	var t Task
	if err := r.db.Where("id = ?", id).First(&t).Error; err != nil {
		return nil, notFound(err, "task", id)
	}
	return &t, nil
}

// Save writes every field of t.
func (r *TaskRepository) Save(t *Task) error {
	return r.db.Save(t).Error
}

// List returns a page of tasks, newest first.
func (r *TaskRepository) List(status api.TaskStatus, offset, limit int) ([]Task, int64, error) {
	q := r.db.Model(&Task{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var tasks []Task
	if err := q.Order("created_at DESC").Offset(offset).Limit(limit).Find(&tasks).Error; err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// ListByStatus returns every task in status, oldest first.
func (r *TaskRepository) ListByStatus(status api.TaskStatus) ([]Task, error) {
	var tasks []Task
	err := r.db.Where("status = ?", status).Order("created_at ASC").Find(&tasks).Error
	return tasks, err
}

// ListDue returns non-paused scheduled tasks whose scheduled_at is at or before now.
func (r *TaskRepository) ListDue(now time.Time) ([]Task, error) {
	var tasks []Task
	err := r.db.Where("status = ? AND schedule_paused = ? AND scheduled_at <= ?", api.TaskScheduled, false, now).
		Order("scheduled_at ASC").
		Find(&tasks).Error
	return tasks, err
}

// ListAwaitingSpawn returns completed recurring tasks that have no successor yet.
func (r *TaskRepository) ListAwaitingSpawn() ([]Task, error) {
	var tasks []Task
	err := r.db.Where("status = ? AND schedule_type IN ? AND spawned_task_id = ?",
		api.TaskCompleted,
		[]api.ScheduleType{api.ScheduleDaily, api.ScheduleWeekly, api.ScheduleCron},
		"").
		Order("completed_at ASC").
		Find(&tasks).Error
	return tasks, err
}

// ClaimPending atomically moves a pending task to running. It reports whether this call won.
func (r *TaskRepository) ClaimPending(id, deviceID string, now time.Time) (bool, error) {
	res := r.db.Model(&Task{}).
		Where("id = ? AND status = ?", id, api.TaskPending).
		Updates(map[string]interface{}{
			"status":             api.TaskRunning,
			"started_at":         now,
			"assigned_device_id": deviceID,
		})
	return res.RowsAffected == 1, res.Error
}

// Promote moves a scheduled task to pending. It reports whether this call changed the row.
func (r *TaskRepository) Promote(id string) (bool, error) {
	res := r.db.Model(&Task{}).
		Where("id = ? AND status = ?", id, api.TaskScheduled).
		Update("status", api.TaskPending)
	return res.RowsAffected == 1, res.Error
}

// SetPaused toggles the schedule pause flag of a task.
func (r *TaskRepository) SetPaused(id string, paused bool) error {
	return r.db.Model(&Task{}).Where("id = ?", id).Update("schedule_paused", paused).Error
}

// MarkSpawned records the successor of a recurring task unless one is already recorded.
func (r *TaskRepository) MarkSpawned(id, successorID string) (bool, error) {
	res := r.db.Model(&Task{}).
		Where("id = ? AND spawned_task_id = ?", id, "").
		Update("spawned_task_id", successorID)
	return res.RowsAffected == 1, res.Error
}

// ExecutionRepository persists executions and their metric samples.
type ExecutionRepository struct{ db *gorm.DB }

// NewExecutionRepository returns an execution repository over db.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository { return &ExecutionRepository{db: db} }

// Create inserts a new execution.
func (r *ExecutionRepository) Create(e *Execution) error {
	return r.db.Create(e).Error
}

// FindByID looks an execution up by id.
func (r *ExecutionRepository) FindByID(id string) (*Execution, error) {
	var e Execution
	if err := r.db.Where("id = ?", id).First(&e).Error; err != nil {
		return nil, notFound(err, "execution", id)
	}
	return &e, nil
}

// Save writes every field of e.
func (r *ExecutionRepository) Save(e *Execution) error {
	return r.db.Save(e).Error
}

// ListByTask returns the executions of a task in start order.
func (r *ExecutionRepository) ListByTask(taskID string) ([]Execution, error) {
	var executions []Execution
	err := r.db.Where("task_id = ?", taskID).Order("start_time ASC").Find(&executions).Error
	return executions, err
}

// AppendSamples stores a batch of metric samples.
func (r *ExecutionRepository) AppendSamples(samples []MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	return r.db.CreateInBatches(samples, 200).Error
}

// Samples returns the metric samples of an execution in time order.
func (r *ExecutionRepository) Samples(executionID string) ([]MetricSample, error) {
	var samples []MetricSample
	err := r.db.Where("execution_id = ?", executionID).Order("timestamp ASC, id ASC").Find(&samples).Error
	return samples, err
}

// CommandRepository persists control commands.
type CommandRepository struct{ db *gorm.DB }

// NewCommandRepository returns a command repository over db.
func NewCommandRepository(db *gorm.DB) *CommandRepository { return &CommandRepository{db: db} }

// Create inserts a new command.
func (r *CommandRepository) Create(c *Command) error {
	return r.db.Create(c).Error
}

// FindByID looks a command up by id.
func (r *CommandRepository) FindByID(id string) (*Command, error) {
	var c Command
	if err := r.db.Where("id = ?", id).First(&c).Error; err != nil {
		return nil, notFound(err, "command", id)
	}
	return &c, nil
}

// Transition writes c's lifecycle fields only if the stored row is still in
// status from. It reports whether this call changed the row.
func (r *CommandRepository) Transition(c *Command, from api.CommandStatus) (bool, error) {
	res := r.db.Model(&Command{}).
		Where("id = ? AND status = ?", c.ID, from).
		Select("status", "result", "error_message", "acknowledged_at", "completed_at").
		Updates(c)
	return res.RowsAffected == 1, res.Error
}

// PendingForDevice returns the device's pending commands, highest priority first, then oldest.
func (r *CommandRepository) PendingForDevice(deviceID string) ([]Command, error) {
	var commands []Command
	err := r.db.Where("device_id = ? AND status = ?", deviceID, api.CommandPending).
		Order("priority DESC").
		Order("created_at ASC").
		Find(&commands).Error
	return commands, err
}

// MarkSent stamps sent_at on commands that were never delivered before.
func (r *CommandRepository) MarkSent(ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.Model(&Command{}).
		Where("id IN ? AND sent_at IS NULL", ids).
		Update("sent_at", now).Error
}

// List returns commands filtered by device and status, newest first.
func (r *CommandRepository) List(deviceID string, status api.CommandStatus, limit int) ([]Command, error) {
	q := r.db.Order("created_at DESC")
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var commands []Command
	err := q.Find(&commands).Error
	return commands, err
}

// SoftwareRepository persists the software catalog.
type SoftwareRepository struct{ db *gorm.DB }

// NewSoftwareRepository returns a software repository over db.
func NewSoftwareRepository(db *gorm.DB) *SoftwareRepository { return &SoftwareRepository{db: db} }

// Create inserts a catalog entry, rejecting duplicate codes.
func (r *SoftwareRepository) Create(s *Software) error {
	var n int64
	if err := r.db.Model(&Software{}).Where("code = ?", s.Code).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return &ConflictError{Resource: "software:" + s.Code, Message: "code already registered"}
	}
	return r.db.Create(s).Error
}

// FindByCode looks a catalog entry up by code.
func (r *SoftwareRepository) FindByCode(code string) (*Software, error) {
	var s Software
	if err := r.db.Where("code = ?", code).First(&s).Error; err != nil {
		return nil, notFound(err, "software", code)
	}
	return &s, nil
}

// FindByCodes returns the catalog entries for codes keyed by code. Unknown codes are absent.
func (r *SoftwareRepository) FindByCodes(codes []string) (map[string]Software, error) {
	out := make(map[string]Software, len(codes))
	if len(codes) == 0 {
		return out, nil
	}
	var rows []Software
	if err := r.db.Where("code IN ?", codes).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, s := range rows {
		out[s.Code] = s
	}
	return out, nil
}

// List returns the catalog ordered by code.
func (r *SoftwareRepository) List(activeOnly bool) ([]Software, error) {
	q := r.db.Order("code ASC")
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var rows []Software
	err := q.Find(&rows).Error
	return rows, err
}
