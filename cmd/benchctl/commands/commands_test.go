package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benchfleet/benchfleet/pkg/api"
	"github.com/benchfleet/benchfleet/pkg/coordinator"
	"github.com/benchfleet/benchfleet/test/testutil"
	"github.com/benchfleet/benchfleet/test/testutil/fixtures"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t     *testing.T
	coord *coordinator.Coordinator
	url   string
	cfg   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	c, err := coordinator.New(&coordinator.Config{
		DataDir:  t.TempDir(),
		BindAddr: "127.0.0.1:0",
		Logger:   testutil.NewTestLogger(t),
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	return &harness{
		t:     t,
		coord: c,
		url:   "http://" + c.Addr(),
		cfg:   filepath.Join(t.TempDir(), "absent.yaml"),
	}
}

// run executes benchctl args against the harness coordinator
func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	root := &cobra.Command{Use: "benchctl", SilenceUsage: true, SilenceErrors: true}
	root.PersistentFlags().String("coordinator", "", "")
	root.PersistentFlags().String("config", "", "")
	root.PersistentFlags().StringP("output", "o", "table", "")
	root.AddCommand(
		NewDeviceCommand(),
		NewTaskCommand(),
		NewCommandCommand(),
		NewSoftwareCommand(),
		NewSchedulerCommand(),
		NewEventsCommand(),
		NewStatusCommand(),
		NewVersionCommand("v1.2.3", "today", "abc123"),
	)

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(append([]string{"--coordinator", h.url, "--config", h.cfg}, args...))
	err := root.Execute()
	return buf.String(), err
}

func (h *harness) runJSON(out interface{}, args ...string) {
	h.t.Helper()
	raw, err := h.run(append(args, "-o", "json")...)
	require.NoError(h.t, err, raw)
	require.NoError(h.t, json.Unmarshal([]byte(raw), out), raw)
}

func (h *harness) registerDevice(mac string) *api.Device {
	h.t.Helper()
	d, err := h.coord.Registry().Register(context.Background(), fixtures.NewRegisterRequest(mac))
	require.NoError(h.t, err)
	return d
}

func TestDeviceCommands(t *testing.T) {
	h := newHarness(t)
	d := h.registerDevice("AA:BB:CC:00:00:10")

	out, err := h.run("device", "list")
	require.NoError(t, err)
	assert.Contains(t, out, d.ID)
	assert.Contains(t, out, "Total: 1 devices")

	var got api.Device
	h.runJSON(&got, "device", "get", d.ID)
	assert.Equal(t, d.MACAddress, got.MACAddress)

	out, err = h.run("device", "get", d.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "mac_address: "+d.MACAddress)

	_, err = h.run("device", "get", "no-such-device")
	assert.ErrorContains(t, err, "404")
}

func TestTaskCommands(t *testing.T) {
	h := newHarness(t)

	var task api.Task
	h.runJSON(&task, "task", "create", "--name", "cpu-burn", "--action", "benchmark", "--benchmark", "cpu", "--duration", "30")
	assert.Equal(t, "cpu-burn", task.TaskName)
	assert.Equal(t, api.TaskPending, task.Status)
	assert.Equal(t, api.BenchmarkCPU, task.Script.BenchmarkType)

	var list api.TaskList
	h.runJSON(&list, "task", "list")
	assert.EqualValues(t, 1, list.Total)

	out, err := h.run("task", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "cpu-burn")

	out, err = h.run("task", "cancel", task.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled")

	var retried api.Task
	h.runJSON(&retried, "task", "retry", task.ID)
	assert.Equal(t, api.TaskPending, retried.Status)

	var execs []api.Execution
	h.runJSON(&execs, "task", "executions", task.ID)
	assert.Empty(t, execs)

	_, err = h.run("task", "create")
	assert.ErrorContains(t, err, "task name is required")
}

func TestTaskCreate_FromManifestAndSchedulerCommands(t *testing.T) {
	h := newHarness(t)
	manifest := filepath.Join(t.TempDir(), "task.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte(`task_name: nightly
task_type: benchmark
schedule_type: cron
cron_expression: "0 3 * * *"
script:
  action: wait
test_duration_seconds: 60
`), 0644))

	var task api.Task
	h.runJSON(&task, "task", "create", "-f", manifest)
	assert.Equal(t, api.TaskScheduled, task.Status)
	assert.Equal(t, api.ScheduleCron, task.ScheduleType)

	var jobs []api.Job
	h.runJSON(&jobs, "scheduler", "jobs")
	require.Len(t, jobs, 1)
	assert.Equal(t, task.ID, jobs[0].TaskID)

	var job api.Job
	h.runJSON(&job, "scheduler", "pause", jobs[0].ID)
	assert.True(t, job.Paused)
	h.runJSON(&job, "scheduler", "resume", jobs[0].ID)
	assert.False(t, job.Paused)

	var status api.SchedulerStatus
	h.runJSON(&status, "scheduler", "status")
	assert.Equal(t, 1, status.JobCount)

	out, err := h.run("scheduler", "remove", jobs[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "removed")

	got, err := h.coord.Tasks().Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, api.TaskCancelled, got.Status)
}

func TestCommandCommands(t *testing.T) {
	h := newHarness(t)
	d := h.registerDevice("AA:BB:CC:00:00:11")

	var cmd api.ControlCommand
	h.runJSON(&cmd, "command", "send", d.ID, "run_script", "--param", "script_path=/opt/bench/run.sh", "--param", "timeout=60", "--priority", "1")
	assert.Equal(t, api.CommandPending, cmd.Status)
	assert.Equal(t, api.SourceManual, cmd.Source)
	assert.Equal(t, 1, cmd.Priority)

	var params map[string]interface{}
	require.NoError(t, json.Unmarshal(cmd.Params, &params))
	assert.Equal(t, "/opt/bench/run.sh", params["script_path"])
	assert.EqualValues(t, 60, params["timeout"])

	var list api.CommandList
	h.runJSON(&list, "command", "list", "--device", d.ID)
	assert.Equal(t, 1, list.Total)

	out, err := h.run("command", "get", cmd.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "script_path: /opt/bench/run.sh")

	_, err = h.run("command", "send", d.ID, "update_config", "--params-json", "[1,2]")
	assert.ErrorContains(t, err, "must be a JSON object")
}

func TestSoftwareCommands(t *testing.T) {
	h := newHarness(t)
	desc := filepath.Join(t.TempDir(), "tool.yaml")
	require.NoError(t, os.WriteFile(desc, []byte(`code: TOOL
name: Bench Tool
software_type: portable
package_format: zip
detection_method: file
detection_path: C:\bench\tool.exe
`), 0644))

	out, err := h.run("software", "register", "-f", desc)
	require.NoError(t, err)
	assert.Contains(t, out, "Software TOOL registered")

	var list []api.SoftwareDescriptor
	h.runJSON(&list, "software", "list", "--active")
	require.Len(t, list, 1)
	assert.Equal(t, "Bench Tool", list[0].Name)
	assert.True(t, list[0].IsActive)
}

func TestEventsAndVersion(t *testing.T) {
	h := newHarness(t)
	h.registerDevice("AA:BB:CC:00:00:12")

	var events []map[string]interface{}
	h.runJSON(&events, "events", "--resource-type", "device", "--since", "1h")
	assert.NotEmpty(t, events)

	h.runJSON(&events, "events", "--severity", "critical")
	assert.Empty(t, events)

	out, err := h.run("version")
	require.NoError(t, err)
	assert.Contains(t, out, "benchctl version v1.2.3")
	assert.Contains(t, out, "Git commit: abc123")
}

func TestStatusCommand(t *testing.T) {
	h := newHarness(t)
	d := h.registerDevice("AA:BB:CC:00:00:13")

	var status api.FleetStatus
	h.runJSON(&status, "status")
	assert.Equal(t, api.ClaimShared, status.ClaimMode)
	assert.Equal(t, []string{d.ID}, status.OnlineDevices)
	assert.True(t, status.Scheduler.Running)

	out, err := h.run("status")
	require.NoError(t, err)
	assert.Contains(t, out, d.ID)
	assert.Contains(t, out, "1 devices online")

	_, err = h.run("status", "-o", "xml")
	assert.ErrorContains(t, err, `unknown output format "xml"`)
}
