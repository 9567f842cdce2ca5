package agent

import (
	"context"
	"testing"

	"github.com/benchfleet/benchfleet/test/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNvidiaSMI(t *testing.T) {
	reading, err := parseNvidiaSMI("NVIDIA GeForce RTX 4090, 37, 2048, 24564\n")
	require.NoError(t, err)
	assert.Equal(t, "NVIDIA GeForce RTX 4090", reading.Name)
	assert.Equal(t, 37.0, reading.UtilPercent)
	assert.Equal(t, 2048.0, reading.MemoryUsedMB)
	assert.Equal(t, 24564.0, reading.MemoryTotalMB)

	_, err = parseNvidiaSMI("")
	assert.Error(t, err)

	_, err = parseNvidiaSMI("GPU, 1, 2\n")
	assert.ErrorContains(t, err, "3 fields")

	_, err = parseNvidiaSMI("GPU, [N/A], 2, 3\n")
	assert.ErrorContains(t, err, "field 1")
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 1.23, round2(1.2345))
	assert.Equal(t, 0.0, round2(0))
}

func TestHardwareDetector_Snapshot(t *testing.T) {
	hd := NewHardwareDetector(testutil.NewTestLogger(t), "")
	ctx := context.Background()

	hw := hd.Snapshot(ctx)
	assert.Greater(t, hw.CPUThreads, 0)
	assert.Greater(t, hw.RAMTotalGB, 0.0)
	assert.NotEmpty(t, hw.OSName)

	info := hd.SystemInfo(ctx)
	require.NotNil(t, info)
	assert.GreaterOrEqual(t, info.RAMUsagePercent, 0.0)
}
