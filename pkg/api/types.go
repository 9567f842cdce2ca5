package api

import (
	"encoding/json"
	"time"
)

// Wire types shared by the coordinator HTTP surface, the agent client and benchctl.

// HardwareInfo is the hardware snapshot an agent sends on registration.
type HardwareInfo struct {
	CPUModel       string  `json:"cpu_model,omitempty" yaml:"cpu_model,omitempty"`
	CPUCores       int     `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty"`
	CPUThreads     int     `json:"cpu_threads,omitempty" yaml:"cpu_threads,omitempty"`
	GPUModel       string  `json:"gpu_model,omitempty" yaml:"gpu_model,omitempty"`
	GPUVRAMMB      int     `json:"gpu_vram_mb,omitempty" yaml:"gpu_vram_mb,omitempty"`
	RAMTotalGB     float64 `json:"ram_total_gb,omitempty" yaml:"ram_total_gb,omitempty"`
	DiskModel      string  `json:"disk_model,omitempty" yaml:"disk_model,omitempty"`
	DiskCapacityGB float64 `json:"disk_capacity_gb,omitempty" yaml:"disk_capacity_gb,omitempty"`
	OSName         string  `json:"os_name,omitempty" yaml:"os_name,omitempty"`
	OSVersion      string  `json:"os_version,omitempty" yaml:"os_version,omitempty"`
	OSBuild        string  `json:"os_build,omitempty" yaml:"os_build,omitempty"`
}

// SystemInfo is the resource usage summary carried by a heartbeat.
type SystemInfo struct {
	CPUUsagePercent  float64 `json:"cpu_usage_percent"`
	RAMUsagePercent  float64 `json:"ram_usage_percent"`
	RAMUsedGB        float64 `json:"ram_used_gb"`
	DiskUsagePercent float64 `json:"disk_usage_percent"`
	ProcessCount     int     `json:"process_count"`
}

// RegisterRequest is the body of POST /agent/register.
type RegisterRequest struct {
	DeviceName   string       `json:"device_name"`
	Hostname     string       `json:"hostname"`
	MACAddress   string       `json:"mac_address"`
	IPAddress    string       `json:"ip_address"`
	AgentVersion string       `json:"agent_version"`
	Hardware     HardwareInfo `json:"hardware"`
}

// Device is a registered agent host.
type Device struct {
	ID            string       `json:"id" yaml:"id"`
	DeviceName    string       `json:"device_name" yaml:"device_name"`
	Hostname      string       `json:"hostname" yaml:"hostname"`
	MACAddress    string       `json:"mac_address" yaml:"mac_address"`
	IPAddress     string       `json:"ip_address" yaml:"ip_address"`
	AgentVersion  string       `json:"agent_version" yaml:"agent_version"`
	Status        DeviceStatus `json:"status" yaml:"status"`
	CurrentTaskID string       `json:"current_task_id,omitempty" yaml:"current_task_id,omitempty"`
	Hardware      HardwareInfo `json:"hardware" yaml:"hardware"`
	SystemInfo    *SystemInfo  `json:"system_info,omitempty" yaml:"system_info,omitempty"`
	LastSeenAt    time.Time    `json:"last_seen_at" yaml:"last_seen_at"`
	RegisteredAt  time.Time    `json:"registered_at" yaml:"registered_at"`
}

// HeartbeatRequest is the body of POST /agent/heartbeat.
type HeartbeatRequest struct {
	MACAddress    string       `json:"mac_address"`
	Status        DeviceStatus `json:"status"`
	CurrentTaskID string       `json:"current_task_id,omitempty"`
	SystemInfo    *SystemInfo  `json:"system_info,omitempty"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	Status   string `json:"status"`
	DeviceID string `json:"device_id"`
}

// ScriptSpec describes what the execution engine runs for a task.
type ScriptSpec struct {
	Action         ScriptAction      `json:"action" yaml:"action"`
	BenchmarkType  BenchmarkType     `json:"benchmark_type,omitempty" yaml:"benchmark_type,omitempty"`
	Path           string            `json:"path,omitempty" yaml:"path,omitempty"`
	Args           []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Params         map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	Process        string            `json:"process,omitempty" yaml:"process,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// CreateTaskRequest is the body of POST /tasks.
type CreateTaskRequest struct {
	TaskName            string       `json:"task_name" yaml:"task_name"`
	TaskType            string       `json:"task_type" yaml:"task_type"`
	TargetDeviceIDs     []string     `json:"target_device_ids,omitempty" yaml:"target_device_ids,omitempty"`
	ScheduleType        ScheduleType `json:"schedule_type,omitempty" yaml:"schedule_type,omitempty"`
	ScheduledAt         *time.Time   `json:"scheduled_at,omitempty" yaml:"scheduled_at,omitempty"`
	CronExpression      string       `json:"cron_expression,omitempty" yaml:"cron_expression,omitempty"`
	SoftwareList        []string     `json:"software_list,omitempty" yaml:"software_list,omitempty"`
	Script              ScriptSpec   `json:"script" yaml:"script"`
	TestDurationSeconds int          `json:"test_duration_seconds" yaml:"test_duration_seconds"`
	SampleIntervalMS    int          `json:"sample_interval_ms,omitempty" yaml:"sample_interval_ms,omitempty"`
}

// Task is a unit of work for one or more devices.
type Task struct {
	ID                  string       `json:"id" yaml:"id"`
	TaskName            string       `json:"task_name" yaml:"task_name"`
	TaskType            string       `json:"task_type" yaml:"task_type"`
	Status              TaskStatus   `json:"status" yaml:"status"`
	TargetDeviceIDs     []string     `json:"target_device_ids" yaml:"target_device_ids"`
	ScheduleType        ScheduleType `json:"schedule_type" yaml:"schedule_type"`
	ScheduledAt         *time.Time   `json:"scheduled_at,omitempty" yaml:"scheduled_at,omitempty"`
	CronExpression      string       `json:"cron_expression,omitempty" yaml:"cron_expression,omitempty"`
	SoftwareList        []string     `json:"software_list" yaml:"software_list"`
	Script              ScriptSpec   `json:"script" yaml:"script"`
	TestDurationSeconds int          `json:"test_duration_seconds" yaml:"test_duration_seconds"`
	SampleIntervalMS    int          `json:"sample_interval_ms" yaml:"sample_interval_ms"`
	AssignedDeviceID    string       `json:"assigned_device_id,omitempty" yaml:"assigned_device_id,omitempty"`
	ErrorMessage        string       `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	SchedulePaused      bool         `json:"schedule_paused" yaml:"schedule_paused"`
	ParentTaskID        string       `json:"parent_task_id,omitempty" yaml:"parent_task_id,omitempty"`
	SpawnedTaskID       string       `json:"spawned_task_id,omitempty" yaml:"spawned_task_id,omitempty"`
	StartedAt           *time.Time   `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt         *time.Time   `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	CreatedAt           time.Time    `json:"created_at" yaml:"created_at"`
}

// TaskList is a page of tasks.
type TaskList struct {
	Total    int64  `json:"total" yaml:"total"`
	Page     int    `json:"page" yaml:"page"`
	PageSize int    `json:"page_size" yaml:"page_size"`
	Items    []Task `json:"items" yaml:"items"`
}

// SoftwareDescriptor is the catalog entry an agent provisions from.
type SoftwareDescriptor struct {
	Code                string          `json:"code" yaml:"code"`
	Name                string          `json:"name" yaml:"name"`
	SoftwareType        SoftwareType    `json:"software_type,omitempty" yaml:"software_type,omitempty"`
	PackageFormat       PackageFormat   `json:"package_format,omitempty" yaml:"package_format,omitempty"`
	StoragePath         string          `json:"storage_path,omitempty" yaml:"storage_path,omitempty"`
	TargetInstallPath   string          `json:"target_install_path,omitempty" yaml:"target_install_path,omitempty"`
	SubfolderName       string          `json:"subfolder_name,omitempty" yaml:"subfolder_name,omitempty"`
	SilentInstallCmd    string          `json:"silent_install_cmd,omitempty" yaml:"silent_install_cmd,omitempty"`
	MainExeRelativePath string          `json:"main_exe_relative_path,omitempty" yaml:"main_exe_relative_path,omitempty"`
	DetectionMethod     DetectionMethod `json:"detection_method,omitempty" yaml:"detection_method,omitempty"`
	DetectionPath       string          `json:"detection_path,omitempty" yaml:"detection_path,omitempty"`
	DetectionKeyword    string          `json:"detection_keyword,omitempty" yaml:"detection_keyword,omitempty"`
	Version             string          `json:"version,omitempty" yaml:"version,omitempty"`
	LaunchParams        string          `json:"launch_params,omitempty" yaml:"launch_params,omitempty"`
	IsActive            bool            `json:"is_active" yaml:"is_active"`
}

// PendingTask is a task as handed to a polling agent, with its software resolved in order.
type PendingTask struct {
	Task
	Software []SoftwareDescriptor `json:"software"`
}

// StartExecutionRequest is the body of POST /executions/start.
type StartExecutionRequest struct {
	ScriptID string `json:"script_id"`
	DeviceID string `json:"device_id"`
	TaskID   string `json:"task_id"`
}

// StartExecutionResponse carries the new execution id.
type StartExecutionResponse struct {
	ExecutionID string `json:"execution_id"`
	Claimed     bool   `json:"claimed"`
}

// MetricSample is one resource usage observation during an execution.
type MetricSample struct {
	Timestamp         time.Time `json:"timestamp"`
	CPUPercent        float64   `json:"cpu_percent"`
	MemoryPercent     float64   `json:"memory_percent"`
	MemoryUsedMB      float64   `json:"memory_used_mb"`
	MemoryAvailableMB float64   `json:"memory_available_mb"`
	DiskReadMBps      float64   `json:"disk_read_mbps"`
	DiskWriteMBps     float64   `json:"disk_write_mbps"`
	NetworkSentMBps   float64   `json:"network_sent_mbps"`
	NetworkRecvMBps   float64   `json:"network_recv_mbps"`
	GPUPercent        *float64  `json:"gpu_percent,omitempty"`
	GPUMemoryMB       *float64  `json:"gpu_memory_mb,omitempty"`
	ProcessName       string    `json:"process_name,omitempty"`
	ProcessID         int32     `json:"process_id,omitempty"`
	FPS               *float64  `json:"fps,omitempty"`
	LatencyMS         *float64  `json:"latency_ms,omitempty"`
	Status            string    `json:"status,omitempty"`
}

// CompleteExecutionRequest is the body of PUT /executions/{id}/complete.
type CompleteExecutionRequest struct {
	ExitCode     int            `json:"exit_code"`
	ErrorMessage string         `json:"error_message,omitempty"`
	MetricsData  []MetricSample `json:"metrics_data,omitempty"`
}

// CompleteExecutionResponse reports the closed execution.
type CompleteExecutionResponse struct {
	ExecutionID     string `json:"execution_id"`
	Success         bool   `json:"success"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// PushMetricsRequest is the body of POST /executions/{id}/metrics.
type PushMetricsRequest struct {
	MetricsData []MetricSample `json:"metrics_data"`
}

// PushMetricsResponse reports how many samples were stored.
type PushMetricsResponse struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
}

// Execution is one device's attempt at a task.
type Execution struct {
	ID              string          `json:"id" yaml:"id"`
	TaskID          string          `json:"task_id" yaml:"task_id"`
	DeviceID        string          `json:"device_id" yaml:"device_id"`
	ScriptID        string          `json:"script_id,omitempty" yaml:"script_id,omitempty"`
	Status          ExecutionStatus `json:"status" yaml:"status"`
	StartTime       time.Time       `json:"start_time" yaml:"start_time"`
	EndTime         *time.Time      `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	ExitCode        int             `json:"exit_code" yaml:"exit_code"`
	ErrorMessage    string          `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	DurationSeconds int64           `json:"duration_seconds" yaml:"duration_seconds"`
}

// SoftwareErrorRequest is the body of POST /tasks/{id}/software_error.
type SoftwareErrorRequest struct {
	ErrorType    string    `json:"error_type"`
	ErrorMessage string    `json:"error_message"`
	SoftwareCode string    `json:"software_code,omitempty"`
	DeviceID     string    `json:"device_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// SoftwareErrorResponse acknowledges a software error report.
type SoftwareErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// CreateCommandRequest is the body of POST /commands.
type CreateCommandRequest struct {
	DeviceID       string          `json:"device_id" yaml:"device_id"`
	CommandType    CommandType     `json:"command_type" yaml:"command_type"`
	TargetSoftware string          `json:"target_software,omitempty" yaml:"target_software,omitempty"`
	Params         json.RawMessage `json:"command_params,omitempty" yaml:"-"`
	Priority       int             `json:"priority,omitempty" yaml:"priority,omitempty"`
	Source         CommandSource   `json:"source,omitempty" yaml:"source,omitempty"`
	TriggeredBy    string          `json:"triggered_by,omitempty" yaml:"triggered_by,omitempty"`
}

// ControlCommand is a one-shot instruction addressed to a device.
type ControlCommand struct {
	ID             string          `json:"id" yaml:"id"`
	DeviceID       string          `json:"device_id" yaml:"device_id"`
	CommandType    CommandType     `json:"command_type" yaml:"command_type"`
	TargetSoftware string          `json:"target_software,omitempty" yaml:"target_software,omitempty"`
	Params         json.RawMessage `json:"command_params,omitempty" yaml:"-"`
	Status         CommandStatus   `json:"status" yaml:"status"`
	Priority       int             `json:"priority" yaml:"priority"`
	Source         CommandSource   `json:"source" yaml:"source"`
	TriggeredBy    string          `json:"triggered_by,omitempty" yaml:"triggered_by,omitempty"`
	Result         json.RawMessage `json:"result,omitempty" yaml:"-"`
	ErrorMessage   string          `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	SentAt         *time.Time      `json:"sent_at,omitempty" yaml:"sent_at,omitempty"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty" yaml:"acknowledged_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at" yaml:"created_at"`
}

// CommandList wraps a set of commands.
type CommandList struct {
	Total int              `json:"total" yaml:"total"`
	Items []ControlCommand `json:"items" yaml:"items"`
}

// CompleteCommandRequest is the body of POST /commands/{id}/complete.
type CompleteCommandRequest struct {
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// StatusResponse is the generic {"status": ...} reply.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Job is a scheduler entry keyed by task.
type Job struct {
	ID           string       `json:"id" yaml:"id"`
	TaskID       string       `json:"task_id" yaml:"task_id"`
	Name         string       `json:"name" yaml:"name"`
	ScheduleType ScheduleType `json:"schedule_type" yaml:"schedule_type"`
	NextRunTime  *time.Time   `json:"next_run_time,omitempty" yaml:"next_run_time,omitempty"`
	Paused       bool         `json:"paused" yaml:"paused"`
}

// SchedulerStatus summarises the scheduler loop.
type SchedulerStatus struct {
	Running   bool       `json:"running" yaml:"running"`
	JobCount  int        `json:"job_count" yaml:"job_count"`
	Interval  string     `json:"interval" yaml:"interval"`
	LastSweep *time.Time `json:"last_sweep,omitempty" yaml:"last_sweep,omitempty"`
}

// FleetStatus is the coordinator's view of its settings and the live fleet.
type FleetStatus struct {
	ClaimMode      ClaimMode       `json:"claim_mode" yaml:"claim_mode"`
	StaleThreshold string          `json:"stale_threshold" yaml:"stale_threshold"`
	OnlineDevices  []string        `json:"online_devices" yaml:"online_devices"`
	Scheduler      SchedulerStatus `json:"scheduler" yaml:"scheduler"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
