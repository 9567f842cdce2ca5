package api

import "fmt"

// DeviceStatus is the liveness state of a registered device.
type DeviceStatus string

const (
	DeviceOffline DeviceStatus = "offline"
	DeviceOnline  DeviceStatus = "online"
	DeviceTesting DeviceStatus = "testing"
	DeviceError   DeviceStatus = "error"
)

// DeviceStatuses lists every device status.
var DeviceStatuses = []DeviceStatus{DeviceOffline, DeviceOnline, DeviceTesting, DeviceError}

// Valid reports whether s is a known device status.
func (s DeviceStatus) Valid() bool {
	for _, v := range DeviceStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	// TaskScheduled holds a task until its scheduled_at elapses.
	TaskScheduled TaskStatus = "scheduled"
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// TaskStatuses lists every task status.
var TaskStatuses = []TaskStatus{TaskScheduled, TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	for _, v := range TaskStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// ScheduleType selects how a task is triggered.
type ScheduleType string

const (
	ScheduleImmediate ScheduleType = "immediate"
	ScheduleOnce      ScheduleType = "once"
	ScheduleDaily     ScheduleType = "daily"
	ScheduleWeekly    ScheduleType = "weekly"
	ScheduleCron      ScheduleType = "cron"
)

// ScheduleTypes lists every schedule type.
var ScheduleTypes = []ScheduleType{ScheduleImmediate, ScheduleOnce, ScheduleDaily, ScheduleWeekly, ScheduleCron}

// Valid reports whether s is a known schedule type.
func (s ScheduleType) Valid() bool {
	for _, v := range ScheduleTypes {
		if s == v {
			return true
		}
	}
	return false
}

// Recurring reports whether completing a task of this type spawns a successor.
func (s ScheduleType) Recurring() bool {
	return s == ScheduleDaily || s == ScheduleWeekly || s == ScheduleCron
}

// ExecutionStatus is the state of a single execution attempt.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// CommandStatus is the state of a control command.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandExecuting CommandStatus = "executing"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
)

// Valid reports whether s is a known command status.
func (s CommandStatus) Valid() bool {
	switch s {
	case CommandPending, CommandExecuting, CommandCompleted, CommandFailed:
		return true
	}
	return false
}

// CommandType names the instruction carried by a control command.
type CommandType string

const (
	CommandStartBenchmark    CommandType = "start_benchmark"
	CommandStopBenchmark     CommandType = "stop_benchmark"
	CommandRunScript         CommandType = "run_script"
	CommandCollectMetrics    CommandType = "collect_metrics"
	CommandRestartAgent      CommandType = "restart_agent"
	CommandUpdateConfig      CommandType = "update_config"
	CommandInstallSoftware   CommandType = "install_software"
	CommandUninstallSoftware CommandType = "uninstall_software"
)

// CommandTypes lists every command type.
var CommandTypes = []CommandType{
	CommandStartBenchmark,
	CommandStopBenchmark,
	CommandRunScript,
	CommandCollectMetrics,
	CommandRestartAgent,
	CommandUpdateConfig,
	CommandInstallSoftware,
	CommandUninstallSoftware,
}

// Valid reports whether t is a known command type.
func (t CommandType) Valid() bool {
	for _, v := range CommandTypes {
		if t == v {
			return true
		}
	}
	return false
}

// CommandSource records who queued a command.
type CommandSource string

const (
	SourceManual    CommandSource = "manual"
	SourceScheduler CommandSource = "scheduler"
	SourceAI        CommandSource = "ai"
)

// Valid reports whether s is a known command source.
func (s CommandSource) Valid() bool {
	return s == SourceManual || s == SourceScheduler || s == SourceAI
}

// DetectionMethod selects how an agent decides software is already present.
type DetectionMethod string

const (
	DetectFile     DetectionMethod = "file"
	DetectProcess  DetectionMethod = "process"
	DetectRegistry DetectionMethod = "registry"
)

// Valid reports whether m is a known detection method.
func (m DetectionMethod) Valid() bool {
	return m == DetectFile || m == DetectProcess || m == DetectRegistry
}

// PackageFormat is the archive or installer kind of a software package.
type PackageFormat string

const (
	FormatZip PackageFormat = "zip"
	FormatRar PackageFormat = "rar"
	Format7z  PackageFormat = "7z"
	FormatExe PackageFormat = "exe"
	FormatMsi PackageFormat = "msi"
)

// Valid reports whether f is a known package format.
func (f PackageFormat) Valid() bool {
	switch f {
	case FormatZip, FormatRar, Format7z, FormatExe, FormatMsi:
		return true
	}
	return false
}

// SoftwareType distinguishes installers from portable packages.
type SoftwareType string

const (
	SoftwareInstaller SoftwareType = "installer"
	SoftwarePortable  SoftwareType = "portable"
)

// ScriptAction selects the execution engine routine.
type ScriptAction string

const (
	ActionBenchmark ScriptAction = "benchmark"
	ActionLaunch    ScriptAction = "launch"
	ActionWait      ScriptAction = "wait"
)

// Valid reports whether a is a known script action.
func (a ScriptAction) Valid() bool {
	return a == ActionBenchmark || a == ActionLaunch || a == ActionWait
}

// BenchmarkType selects the synthetic workload of a benchmark action.
type BenchmarkType string

const (
	BenchmarkCPU    BenchmarkType = "cpu"
	BenchmarkMemory BenchmarkType = "memory"
	BenchmarkDisk   BenchmarkType = "disk"
	BenchmarkFull   BenchmarkType = "full"
)

// ClaimMode controls how start_execution treats a task another device may already run.
type ClaimMode string

const (
	// ClaimShared lets every device that saw a broadcast task start it (at-least-once).
	ClaimShared ClaimMode = "shared"
	// ClaimExclusive atomically claims pending -> running; later starts are rejected.
	ClaimExclusive ClaimMode = "exclusive"
)

// ParseClaimMode converts a config string into a ClaimMode.
func ParseClaimMode(s string) (ClaimMode, error) {
	switch ClaimMode(s) {
	case ClaimShared, "":
		return ClaimShared, nil
	case ClaimExclusive:
		return ClaimExclusive, nil
	}
	return "", fmt.Errorf("unknown claim mode %q", s)
}
