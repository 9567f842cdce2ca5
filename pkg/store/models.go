package store

import (
	"encoding/json"
	"time"

	"github.com/benchfleet/benchfleet/pkg/api"
)

// Device is the persisted form of a registered agent host. Identity is the MAC address.
type Device struct {
	ID            string           `gorm:"primaryKey;size:36"`
	MACAddress    string           `gorm:"uniqueIndex;size:32;not null"`
	DeviceName    string           `gorm:"size:255"`
	Hostname      string           `gorm:"size:255"`
	IPAddress     string           `gorm:"size:64"`
	AgentVersion  string           `gorm:"size:32"`
	Status        api.DeviceStatus `gorm:"size:16;index"`
	CurrentTaskID string           `gorm:"size:36"`
	Hardware      api.HardwareInfo `gorm:"serializer:json"`
	SystemInfo    *api.SystemInfo  `gorm:"serializer:json"`
	LastSeenAt    time.Time        `gorm:"index"`
	RegisteredAt  time.Time
	UpdatedAt     time.Time
}

// API converts the row to its wire form.
func (d *Device) API() api.Device {
	return api.Device{
		ID:            d.ID,
		DeviceName:    d.DeviceName,
		Hostname:      d.Hostname,
		MACAddress:    d.MACAddress,
		IPAddress:     d.IPAddress,
		AgentVersion:  d.AgentVersion,
		Status:        d.Status,
		CurrentTaskID: d.CurrentTaskID,
		Hardware:      d.Hardware,
		SystemInfo:    d.SystemInfo,
		LastSeenAt:    d.LastSeenAt,
		RegisteredAt:  d.RegisteredAt,
	}
}

// Task is the persisted form of a unit of work.
type Task struct {
	ID                  string           `gorm:"primaryKey;size:36"`
	TaskName            string           `gorm:"size:255"`
	TaskType            string           `gorm:"size:64"`
	Status              api.TaskStatus   `gorm:"size:16;index"`
	TargetDeviceIDs     []string         `gorm:"serializer:json"`
	ScheduleType        api.ScheduleType `gorm:"size:16"`
	ScheduledAt         *time.Time       `gorm:"index"`
	CronExpression      string           `gorm:"size:128"`
	SoftwareList        []string         `gorm:"serializer:json"`
	Script              api.ScriptSpec   `gorm:"serializer:json"`
	TestDurationSeconds int
	SampleIntervalMS    int
	AssignedDeviceID    string `gorm:"size:36"`
	ErrorMessage        string `gorm:"type:text"`
	SchedulePaused      bool
	ParentTaskID        string `gorm:"size:36;index"`
	SpawnedTaskID       string `gorm:"size:36"`
	StartedAt           *time.Time
	CompletedAt         *time.Time
	CreatedAt           time.Time `gorm:"index"`
	UpdatedAt           time.Time
}

// API converts the row to its wire form.
func (t *Task) API() api.Task {
	targets := t.TargetDeviceIDs
	if targets == nil {
		targets = []string{}
	}
	software := t.SoftwareList
	if software == nil {
		software = []string{}
	}
	return api.Task{
		ID:                  t.ID,
		TaskName:            t.TaskName,
		TaskType:            t.TaskType,
		Status:              t.Status,
		TargetDeviceIDs:     targets,
		ScheduleType:        t.ScheduleType,
		ScheduledAt:         t.ScheduledAt,
		CronExpression:      t.CronExpression,
		SoftwareList:        software,
		Script:              t.Script,
		TestDurationSeconds: t.TestDurationSeconds,
		SampleIntervalMS:    t.SampleIntervalMS,
		AssignedDeviceID:    t.AssignedDeviceID,
		ErrorMessage:        t.ErrorMessage,
		SchedulePaused:      t.SchedulePaused,
		ParentTaskID:        t.ParentTaskID,
		SpawnedTaskID:       t.SpawnedTaskID,
		StartedAt:           t.StartedAt,
		CompletedAt:         t.CompletedAt,
		CreatedAt:           t.CreatedAt,
	}
}

// Targets reports whether the task is addressed to deviceID. An empty target list is a broadcast.
func (t *Task) Targets(deviceID string) bool {
	if len(t.TargetDeviceIDs) == 0 {
		return true
	}
	for _, id := range t.TargetDeviceIDs {
		if id == deviceID {
			return true
		}
	}
	return false
}

// Execution is one device's attempt at a task.
type Execution struct {
	ID              string              `gorm:"primaryKey;size:36"`
	TaskID          string              `gorm:"size:36;index"`
	DeviceID        string              `gorm:"size:36;index"`
	ScriptID        string              `gorm:"size:64"`
	Status          api.ExecutionStatus `gorm:"size:16"`
	StartTime       time.Time
	EndTime         *time.Time
	ExitCode        int
	ErrorMessage    string `gorm:"type:text"`
	DurationSeconds int64
}

// API converts the row to its wire form.
func (e *Execution) API() api.Execution {
	return api.Execution{
		ID:              e.ID,
		TaskID:          e.TaskID,
		DeviceID:        e.DeviceID,
		ScriptID:        e.ScriptID,
		Status:          e.Status,
		StartTime:       e.StartTime,
		EndTime:         e.EndTime,
		ExitCode:        e.ExitCode,
		ErrorMessage:    e.ErrorMessage,
		DurationSeconds: e.DurationSeconds,
	}
}

// MetricSample is an append-only resource observation attached to an execution.
type MetricSample struct {
	ID                uint   `gorm:"primaryKey"`
	ExecutionID       string `gorm:"size:36;index"`
	Timestamp         time.Time
	CPUPercent        float64
	MemoryPercent     float64
	MemoryUsedMB      float64
	MemoryAvailableMB float64
	DiskReadMBps      float64
	DiskWriteMBps     float64
	NetworkSentMBps   float64
	NetworkRecvMBps   float64
	GPUPercent        *float64
	GPUMemoryMB       *float64
	ProcessName       string `gorm:"size:255"`
	ProcessID         int32
	FPS               *float64
	LatencyMS         *float64
	Status            string `gorm:"size:16"`
}

// NewMetricSample builds a row from a wire sample, stamping status.
func NewMetricSample(executionID, status string, m api.MetricSample) MetricSample {
	return MetricSample{
		ExecutionID:       executionID,
		Timestamp:         m.Timestamp,
		CPUPercent:        m.CPUPercent,
		MemoryPercent:     m.MemoryPercent,
		MemoryUsedMB:      m.MemoryUsedMB,
		MemoryAvailableMB: m.MemoryAvailableMB,
		DiskReadMBps:      m.DiskReadMBps,
		DiskWriteMBps:     m.DiskWriteMBps,
		NetworkSentMBps:   m.NetworkSentMBps,
		NetworkRecvMBps:   m.NetworkRecvMBps,
		GPUPercent:        m.GPUPercent,
		GPUMemoryMB:       m.GPUMemoryMB,
		ProcessName:       m.ProcessName,
		ProcessID:         m.ProcessID,
		FPS:               m.FPS,
		LatencyMS:         m.LatencyMS,
		Status:            status,
	}
}

// API converts the row to its wire form.
func (m *MetricSample) API() api.MetricSample {
	return api.MetricSample{
		Timestamp:         m.Timestamp,
		CPUPercent:        m.CPUPercent,
		MemoryPercent:     m.MemoryPercent,
		MemoryUsedMB:      m.MemoryUsedMB,
		MemoryAvailableMB: m.MemoryAvailableMB,
		DiskReadMBps:      m.DiskReadMBps,
		DiskWriteMBps:     m.DiskWriteMBps,
		NetworkSentMBps:   m.NetworkSentMBps,
		NetworkRecvMBps:   m.NetworkRecvMBps,
		GPUPercent:        m.GPUPercent,
		GPUMemoryMB:       m.GPUMemoryMB,
		ProcessName:       m.ProcessName,
		ProcessID:         m.ProcessID,
		FPS:               m.FPS,
		LatencyMS:         m.LatencyMS,
		Status:            m.Status,
	}
}

// Command is a queued control command.
type Command struct {
	ID             string            `gorm:"primaryKey;size:36"`
	DeviceID       string            `gorm:"size:36;index:idx_command_queue,priority:1"`
	CommandType    api.CommandType   `gorm:"size:32"`
	TargetSoftware string            `gorm:"size:64"`
	Params         string            `gorm:"type:text"`
	Status         api.CommandStatus `gorm:"size:16;index:idx_command_queue,priority:2"`
	Priority       int
	Source         api.CommandSource `gorm:"size:16"`
	TriggeredBy    string            `gorm:"size:128"`
	Result         string            `gorm:"type:text"`
	ErrorMessage   string            `gorm:"type:text"`
	SentAt         *time.Time
	AcknowledgedAt *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
}

// API converts the row to its wire form.
func (c *Command) API() api.ControlCommand {
	return api.ControlCommand{
		ID:             c.ID,
		DeviceID:       c.DeviceID,
		CommandType:    c.CommandType,
		TargetSoftware: c.TargetSoftware,
		Params:         rawJSON(c.Params),
		Status:         c.Status,
		Priority:       c.Priority,
		Source:         c.Source,
		TriggeredBy:    c.TriggeredBy,
		Result:         rawJSON(c.Result),
		ErrorMessage:   c.ErrorMessage,
		SentAt:         c.SentAt,
		AcknowledgedAt: c.AcknowledgedAt,
		CompletedAt:    c.CompletedAt,
		CreatedAt:      c.CreatedAt,
	}
}

func rawJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

// Software is a catalog entry for a provisionable package.
type Software struct {
	Code                string              `gorm:"primaryKey;size:64"`
	Name                string              `gorm:"size:255"`
	SoftwareType        api.SoftwareType    `gorm:"size:16"`
	PackageFormat       api.PackageFormat   `gorm:"size:8"`
	StoragePath         string              `gorm:"size:1024"`
	TargetInstallPath   string              `gorm:"size:1024"`
	SubfolderName       string              `gorm:"size:255"`
	SilentInstallCmd    string              `gorm:"size:1024"`
	MainExeRelativePath string              `gorm:"size:1024"`
	DetectionMethod     api.DetectionMethod `gorm:"size:16"`
	DetectionPath       string              `gorm:"size:1024"`
	DetectionKeyword    string              `gorm:"size:255"`
	Version             string              `gorm:"size:64"`
	LaunchParams        string              `gorm:"size:1024"`
	IsActive            bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// API converts the row to its wire form.
func (s *Software) API() api.SoftwareDescriptor {
	return api.SoftwareDescriptor{
		Code:                s.Code,
		Name:                s.Name,
		SoftwareType:        s.SoftwareType,
		PackageFormat:       s.PackageFormat,
		StoragePath:         s.StoragePath,
		TargetInstallPath:   s.TargetInstallPath,
		SubfolderName:       s.SubfolderName,
		SilentInstallCmd:    s.SilentInstallCmd,
		MainExeRelativePath: s.MainExeRelativePath,
		DetectionMethod:     s.DetectionMethod,
		DetectionPath:       s.DetectionPath,
		DetectionKeyword:    s.DetectionKeyword,
		Version:             s.Version,
		LaunchParams:        s.LaunchParams,
		IsActive:            s.IsActive,
	}
}

// SoftwareFromAPI builds a catalog row from its wire form.
func SoftwareFromAPI(d api.SoftwareDescriptor) *Software {
	return &Software{
		Code:                d.Code,
		Name:                d.Name,
		SoftwareType:        d.SoftwareType,
		PackageFormat:       d.PackageFormat,
		StoragePath:         d.StoragePath,
		TargetInstallPath:   d.TargetInstallPath,
		SubfolderName:       d.SubfolderName,
		SilentInstallCmd:    d.SilentInstallCmd,
		MainExeRelativePath: d.MainExeRelativePath,
		DetectionMethod:     d.DetectionMethod,
		DetectionPath:       d.DetectionPath,
		DetectionKeyword:    d.DetectionKeyword,
		Version:             d.Version,
		LaunchParams:        d.LaunchParams,
		IsActive:            d.IsActive,
	}
}
