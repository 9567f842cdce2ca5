package agent

import (
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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sendCommand(t *testing.T, c *coordinator.Coordinator, deviceID string, kind api.CommandType, software string, params interface{}) string {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	cmd, err := c.Commands().Enqueue(context.Background(), api.CreateCommandRequest{
		DeviceID:       deviceID,
		CommandType:    kind,
		TargetSoftware: software,
		Params:         raw,
	})
	require.NoError(t, err)
	return cmd.ID
}

func waitCommand(t *testing.T, c *coordinator.Coordinator, id string) (*api.ControlCommand, map[string]interface{}) {
	t.Helper()
	var cmd *api.ControlCommand
	testutil.Eventually(t, 15*time.Second, func() bool {
		var err error
		cmd, err = c.Commands().Get(context.Background(), id)
		require.NoError(t, err)
		return cmd.Status == api.CommandCompleted || cmd.Status == api.CommandFailed
	}, "command "+id)
	result := map[string]interface{}{}
	if len(cmd.Result) > 0 {
		require.NoError(t, json.Unmarshal(cmd.Result, &result))
	}
	return cmd, result
}

func TestCommands_StartBenchmark(t *testing.T) {
	c := startCoordinator(t)
	a := newTestAgent(t, c, nil)
	runAgent(t, a)

	cmd, result := waitCommand(t, c, sendCommand(t, c, a.DeviceID(), api.CommandStartBenchmark, "",
		map[string]interface{}{"benchmark_type": "cpu", "duration_seconds": 1}))
	require.Equal(t, api.CommandCompleted, cmd.Status, cmd.ErrorMessage)
	assert.Contains(t, result, "cpu")

	cmd, _ = waitCommand(t, c, sendCommand(t, c, a.DeviceID(), api.CommandStartBenchmark, "",
		map[string]interface{}{"benchmark_type": "quantum", "duration_seconds": 1}))
	assert.Equal(t, api.CommandFailed, cmd.Status)
	assert.Contains(t, cmd.ErrorMessage, "unknown benchmark type")
}

func TestCommands_StopBenchmarkCancelsRunningTask(t *testing.T) {
	c := startCoordinator(t)
	a := newTestAgent(t, c, nil)
	runAgent(t, a)

	cmd, result := waitCommand(t, c, sendCommand(t, c, a.DeviceID(), api.CommandStopBenchmark, "",
		map[string]interface{}{"process": "no-such-process-benchfleet"}))
	require.Equal(t, api.CommandCompleted, cmd.Status, cmd.ErrorMessage)
	assert.Equal(t, false, result["task_cancelled"])
	assert.Equal(t, 0.0, result["killed"])

	taskID := startLongTask(t, c, a, 60)
	cmd, result = waitCommand(t, c, sendCommand(t, c, a.DeviceID(), api.CommandStopBenchmark, "", nil))
	require.Equal(t, api.CommandCompleted, cmd.Status, cmd.ErrorMessage)
	assert.Equal(t, true, result["task_cancelled"])

	testutil.Eventually(t, 10*time.Second, func() bool {
		return taskStatus(t, c, taskID) == api.TaskFailed
	}, "cancelled task fails")
	execs, err := c.Tasks().Executions(context.Background(), taskID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, -1, execs[0].ExitCode)
}

func TestCommands_InstallAndUninstallSoftware(t *testing.T) {
	packageDir := t.TempDir()
	c := startCoordinator(t, func(cfg *coordinator.Config) { cfg.PackageDir = packageDir })
	ctx := context.Background()
	writeZip(t, filepath.Join(packageDir, "tool.zip"), map[string]string{"bin/tool.exe": "binary"})

	installDir := t.TempDir()
	d := fixtures.NewSoftware("TOOL", filepath.Join(installDir, "tool", "bin", "tool.exe"))
	d.StoragePath = "tool.zip"
	d.SubfolderName = "tool"
	d.MainExeRelativePath = "bin/tool.exe"
	_, err := c.Catalog().Register(ctx, d)
	require.NoError(t, err)

	shared := fixtures.NewSoftware("SHARED", "")
	shared.TargetInstallPath = installDir
	_, err = c.Catalog().Register(ctx, shared)
	require.NoError(t, err)

	a := newTestAgent(t, c, func(cfg *Config) { cfg.InstallDir = installDir })
	runAgent(t, a)

	cmd, result := waitCommand(t, c, sendCommand(t, c, a.DeviceID(), api.CommandInstallSoftware, "TOOL", nil))
	require.Equal(t, api.CommandCompleted, cmd.Status, cmd.ErrorMessage)
	assert.Equal(t, false, result["skipped"])
	assert.Equal(t, filepath.Join(installDir, "tool", "bin", "tool.exe"), result["exe_path"])

	cmd, result = waitCommand(t, c, sendCommand(t, c, a.DeviceID(), api.CommandInstallSoftware, "TOOL", nil))
	require.Equal(t, api.CommandCompleted, cmd.Status, cmd.ErrorMessage)
	assert.Equal(t, true, result["skipped"])

	cmd, _ = waitCommand(t, c, sendCommand(t, c, a.DeviceID(), api.CommandUninstallSoftware, "SHARED", nil))
	assert.Equal(t, api.CommandFailed, cmd.Status)
	assert.Contains(t, cmd.ErrorMessage, "refusing to uninstall")
	_, err = os.Stat(filepath.Join(installDir, "tool", "bin", "tool.exe"))
	assert.NoError(t, err)

	cmd, result = waitCommand(t, c, sendCommand(t, c, a.DeviceID(), api.CommandUninstallSoftware, "TOOL", nil))
	require.Equal(t, api.CommandCompleted, cmd.Status, cmd.ErrorMessage)
	assert.Equal(t, filepath.Join(installDir, "tool"), result["removed"])
	_, err = os.Stat(filepath.Join(installDir, "tool"))
	assert.True(t, os.IsNotExist(err))

	cmd, _ = waitCommand(t, c, sendCommand(t, c, a.DeviceID(), api.CommandInstallSoftware, "", nil))
	assert.Equal(t, api.CommandFailed, cmd.Status)
	assert.Contains(t, cmd.ErrorMessage, "target_software is required")
}
