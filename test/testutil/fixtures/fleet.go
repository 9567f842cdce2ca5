package fixtures

import (
	"fmt"

	"github.com/benchfleet/benchfleet/pkg/api"
)

// NewRegisterRequest creates a registration for a bench workstation with the given MAC
func NewRegisterRequest(mac string) api.RegisterRequest {
	return api.RegisterRequest{
		DeviceName:   "bench-" + mac,
		Hostname:     fmt.Sprintf("bench-%s.lab", mac),
		MACAddress:   mac,
		IPAddress:    "10.0.0.10",
		AgentVersion: "1.0.0",
		Hardware: api.HardwareInfo{
			CPUModel:   "Test CPU",
			CPUCores:   8,
			CPUThreads: 16,
			RAMTotalGB: 32,
			OSName:     "linux",
		},
	}
}

// NewTaskRequest creates an immediate wait task with no software
func NewTaskRequest(name string, targets ...string) api.CreateTaskRequest {
	return api.CreateTaskRequest{
		TaskName:            name,
		TaskType:            "benchmark",
		TargetDeviceIDs:     targets,
		ScheduleType:        api.ScheduleImmediate,
		Script:              api.ScriptSpec{Action: api.ActionWait},
		TestDurationSeconds: 10,
		SampleIntervalMS:    1000,
	}
}

// NewSoftware creates a zip package descriptor detected by file
func NewSoftware(code, detectionPath string) api.SoftwareDescriptor {
	return api.SoftwareDescriptor{
		Code:            code,
		Name:            code,
		SoftwareType:    api.SoftwarePortable,
		PackageFormat:   api.FormatZip,
		DetectionMethod: api.DetectFile,
		DetectionPath:   detectionPath,
		IsActive:        true,
	}
}
