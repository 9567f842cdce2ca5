package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benchfleet/benchfleet/pkg/api"
	"github.com/benchfleet/benchfleet/pkg/observability"
)

type tableView struct {
	columns []string
	rows    [][]string
	footer  string
}

// viewOf returns the column layout for list resources
func viewOf(v interface{}) (*tableView, bool) {
	switch r := v.(type) {
	case []api.Device:
		return deviceView(r), true
	case api.TaskList:
		return taskView(r), true
	case []api.Execution:
		return executionView(r), true
	case api.CommandList:
		return commandView(r), true
	case []api.SoftwareDescriptor:
		return softwareView(r), true
	case []api.Job:
		return jobView(r), true
	case []observability.Event:
		return eventView(r), true
	case api.FleetStatus:
		return fleetView(r), true
	}
	return nil, false
}

func deviceView(devices []api.Device) *tableView {
	view := &tableView{
		columns: []string{"ID", "NAME", "HOSTNAME", "MAC", "IP", "STATUS", "TASK", "LAST SEEN"},
		footer:  fmt.Sprintf("Total: %d devices", len(devices)),
	}
	for _, d := range devices {
		last := d.LastSeenAt
		view.rows = append(view.rows, []string{
			d.ID, d.DeviceName, d.Hostname, d.MACAddress, dash(d.IPAddress),
			string(d.Status), dash(d.CurrentTaskID), Timestamp(&last),
		})
	}
	return view
}

func taskView(list api.TaskList) *tableView {
	view := &tableView{
		columns: []string{"ID", "NAME", "STATUS", "SCHEDULE", "TARGETS", "ASSIGNED", "CREATED"},
		footer:  fmt.Sprintf("Page %d, %d of %d tasks", list.Page, len(list.Items), list.Total),
	}
	for _, t := range list.Items {
		targets := "all"
		if len(t.TargetDeviceIDs) > 0 {
			targets = strconv.Itoa(len(t.TargetDeviceIDs))
		}
		created := t.CreatedAt
		view.rows = append(view.rows, []string{
			t.ID, t.TaskName, string(t.Status), string(t.ScheduleType),
			targets, dash(t.AssignedDeviceID), Timestamp(&created),
		})
	}
	return view
}

func executionView(execs []api.Execution) *tableView {
	view := &tableView{
		columns: []string{"ID", "DEVICE", "STATUS", "STARTED", "ENDED", "EXIT", "DURATION", "ERROR"},
	}
	for _, e := range execs {
		start := e.StartTime
		view.rows = append(view.rows, []string{
			e.ID, e.DeviceID, string(e.Status), Timestamp(&start), Timestamp(e.EndTime),
			strconv.Itoa(e.ExitCode),
			(time.Duration(e.DurationSeconds) * time.Second).String(),
			dash(e.ErrorMessage),
		})
	}
	return view
}

func commandView(list api.CommandList) *tableView {
	view := &tableView{
		columns: []string{"ID", "DEVICE", "TYPE", "STATUS", "PRIORITY", "SOURCE", "CREATED", "ERROR"},
		footer:  fmt.Sprintf("Total: %d commands", list.Total),
	}
	for _, c := range list.Items {
		created := c.CreatedAt
		view.rows = append(view.rows, []string{
			c.ID, c.DeviceID, string(c.CommandType), string(c.Status),
			strconv.Itoa(c.Priority), string(c.Source), Timestamp(&created), dash(c.ErrorMessage),
		})
	}
	return view
}

func softwareView(list []api.SoftwareDescriptor) *tableView {
	view := &tableView{
		columns: []string{"CODE", "NAME", "TYPE", "FORMAT", "VERSION", "DETECTION", "ACTIVE"},
	}
	for _, sw := range list {
		view.rows = append(view.rows, []string{
			sw.Code, sw.Name, dash(string(sw.SoftwareType)), dash(string(sw.PackageFormat)),
			dash(sw.Version), dash(string(sw.DetectionMethod)), strconv.FormatBool(sw.IsActive),
		})
	}
	return view
}

func jobView(jobs []api.Job) *tableView {
	view := &tableView{
		columns: []string{"ID", "TASK", "NAME", "SCHEDULE", "NEXT RUN", "PAUSED"},
	}
	for _, j := range jobs {
		view.rows = append(view.rows, []string{
			j.ID, j.TaskID, j.Name, string(j.ScheduleType),
			Timestamp(j.NextRunTime), strconv.FormatBool(j.Paused),
		})
	}
	return view
}

func eventView(events []observability.Event) *tableView {
	view := &tableView{
		columns: []string{"TIME", "TYPE", "SEVERITY", "RESOURCE", "DESCRIPTION"},
	}
	for _, e := range events {
		ts := e.Timestamp
		resource := "-"
		if e.ResourceType != "" {
			resource = e.ResourceType + "/" + e.ResourceID
		}
		view.rows = append(view.rows, []string{
			Timestamp(&ts), string(e.Type), string(e.Severity), resource, e.Description,
		})
	}
	return view
}

// fleetView is a two-column summary rather than a list
func fleetView(s api.FleetStatus) *tableView {
	online := "-"
	if len(s.OnlineDevices) > 0 {
		online = strings.Join(s.OnlineDevices, ", ")
	}
	return &tableView{
		columns: []string{"SETTING", "VALUE"},
		rows: [][]string{
			{"claim mode", string(s.ClaimMode)},
			{"stale threshold", s.StaleThreshold},
			{"online devices", online},
			{"scheduler running", strconv.FormatBool(s.Scheduler.Running)},
			{"scheduled jobs", strconv.Itoa(s.Scheduler.JobCount)},
			{"last sweep", Timestamp(s.Scheduler.LastSweep)},
		},
		footer: fmt.Sprintf("%d devices online", len(s.OnlineDevices)),
	}
}

// commandDetail decodes the raw params and result so YAML shows them as maps
type commandDetail struct {
	api.ControlCommand `yaml:",inline"`
	Params             interface{} `yaml:"command_params,omitempty"`
	Result             interface{} `yaml:"result,omitempty"`
}

// detailOf adjusts single resources for the YAML fallback of table format
func detailOf(v interface{}) interface{} {
	c, ok := v.(api.ControlCommand)
	if !ok {
		return v
	}
	d := commandDetail{ControlCommand: c}
	if len(c.Params) > 0 {
		_ = json.Unmarshal(c.Params, &d.Params)
	}
	if len(c.Result) > 0 {
		_ = json.Unmarshal(c.Result, &d.Result)
	}
	return d
}

// Timestamp formats t in local time, or "-" when unset
func Timestamp(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
