package registry

import (
	"context"
	"testing"
	"time"

	"github.com/benchfleet/benchfleet/pkg/api"
	"github.com/benchfleet/benchfleet/pkg/observability"
	"github.com/benchfleet/benchfleet/pkg/store"
	"github.com/benchfleet/benchfleet/test/testutil"
	"github.com/benchfleet/benchfleet/test/testutil/fixtures"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupRegistry(t *testing.T) (*Registry, clockwork.FakeClock, *observability.EventStream) {
	t.Helper()
	clock := testutil.NewFakeClock()
	events := testutil.NewEventStream()
	r, err := New(Config{
		Store:          testutil.NewTestStore(t),
		Events:         events,
		Logger:         zap.NewNop(),
		Clock:          clock,
		StaleThreshold: 5 * time.Minute,
		SweepInterval:  30 * time.Second,
	})
	require.NoError(t, err)
	return r, clock, events
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store is required")
	assert.Contains(t, err.Error(), "logger is required")

	assert.Equal(t, DefaultStaleThreshold, cfg.StaleThreshold)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.NotNil(t, cfg.Clock)
}

func TestRegistry_RegisterIsIdempotentByMAC(t *testing.T) {
	r, clock, _ := setupRegistry(t)
	ctx := context.Background()

	first, err := r.Register(ctx, fixtures.NewRegisterRequest("aa-bb-cc-dd-ee-01"))
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", first.MACAddress)
	assert.Equal(t, api.DeviceOnline, first.Status)
	assert.Equal(t, testutil.Epoch, first.RegisteredAt.UTC())

	clock.Advance(time.Minute)
	req := fixtures.NewRegisterRequest("AA:BB:CC:DD:EE:01")
	req.AgentVersion = "1.1.0"
	second, err := r.Register(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "1.1.0", second.AgentVersion)
	assert.Equal(t, testutil.Epoch.Add(time.Minute), second.LastSeenAt.UTC())

	devices, err := r.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestRegistry_RegisterRequiresMAC(t *testing.T) {
	r, _, _ := setupRegistry(t)
	_, err := r.Register(context.Background(), api.RegisterRequest{Hostname: "x"})
	require.Error(t, err)
	assert.True(t, store.IsValidationError(err))
}

func TestRegistry_HeartbeatUnknownDevice(t *testing.T) {
	r, _, _ := setupRegistry(t)
	_, err := r.Heartbeat(context.Background(), api.HeartbeatRequest{MACAddress: "FF:FF", Status: api.DeviceOnline})
	require.Error(t, err)
	assert.True(t, store.IsNotFoundError(err))
}

func TestRegistry_HeartbeatUpdatesStatus(t *testing.T) {
	r, clock, _ := setupRegistry(t)
	ctx := context.Background()

	d, err := r.Register(ctx, fixtures.NewRegisterRequest("AA:01"))
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	got, err := r.Heartbeat(ctx, api.HeartbeatRequest{
		MACAddress:    "aa:01",
		Status:        api.DeviceTesting,
		CurrentTaskID: "task-1",
		SystemInfo:    &api.SystemInfo{CPUUsagePercent: 12},
	})
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, api.DeviceTesting, got.Status)
	assert.Equal(t, "task-1", got.CurrentTaskID)
	require.NotNil(t, got.SystemInfo)
	assert.Equal(t, 12.0, got.SystemInfo.CPUUsagePercent)

	_, err = r.Heartbeat(ctx, api.HeartbeatRequest{MACAddress: "AA:01", Status: "sleeping"})
	assert.True(t, store.IsValidationError(err))
}

func TestRegistry_SweepThresholdIsStrict(t *testing.T) {
	r, clock, events := setupRegistry(t)
	ctx := context.Background()

	d, err := r.Register(ctx, fixtures.NewRegisterRequest("AA:02"))
	require.NoError(t, err)

	// Exactly at the threshold the device is still online
	clock.Advance(5 * time.Minute)
	demoted, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, demoted)

	clock.Advance(time.Second)
	demoted, err = r.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, demoted, 1)
	assert.Equal(t, d.ID, demoted[0].ID)

	got, err := r.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, api.DeviceOffline, got.Status)

	offline := events.GetEvents(observability.EventFilter{Types: []observability.EventType{observability.EventDeviceOffline}})
	assert.Len(t, offline, 1)
}

func TestRegistry_SweepIsIdempotent(t *testing.T) {
	r, clock, events := setupRegistry(t)
	ctx := context.Background()

	for _, mac := range []string{"AA:03", "AA:04", "AA:05"} {
		_, err := r.Register(ctx, fixtures.NewRegisterRequest(mac))
		require.NoError(t, err)
	}
	clock.Advance(2 * time.Minute)
	_, err := r.Heartbeat(ctx, api.HeartbeatRequest{MACAddress: "AA:05", Status: api.DeviceOnline})
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)
	first, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	before := len(events.GetEvents(observability.EventFilter{}))
	second, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Equal(t, before, len(events.GetEvents(observability.EventFilter{})), "second sweep must not emit events")

	online, err := r.List(ctx, api.DeviceOnline)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "AA:05", online[0].MACAddress)
}

func TestRegistry_SweepDemotesTestingDevices(t *testing.T) {
	r, clock, _ := setupRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, fixtures.NewRegisterRequest("AA:06"))
	require.NoError(t, err)
	_, err = r.Heartbeat(ctx, api.HeartbeatRequest{MACAddress: "AA:06", Status: api.DeviceTesting})
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	demoted, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Len(t, demoted, 1)
}

func TestRegistry_HeartbeatRevivesOfflineDevice(t *testing.T) {
	r, clock, _ := setupRegistry(t)
	ctx := context.Background()

	d, err := r.Register(ctx, fixtures.NewRegisterRequest("AA:07"))
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)
	_, err = r.Sweep(ctx)
	require.NoError(t, err)

	_, err = r.Heartbeat(ctx, api.HeartbeatRequest{MACAddress: "AA:07", Status: api.DeviceOnline})
	require.NoError(t, err)

	got, err := r.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, api.DeviceOnline, got.Status)

	ids, err := r.OnlineDeviceIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{d.ID}, ids)
}

func TestRegistry_LivenessLoop(t *testing.T) {
	r, clock, _ := setupRegistry(t)
	ctx := context.Background()

	d, err := r.Register(ctx, fixtures.NewRegisterRequest("AA:08"))
	require.NoError(t, err)

	require.NoError(t, r.Start(ctx))
	defer r.Stop(ctx)

	clock.BlockUntil(1)
	clock.Advance(5*time.Minute + 30*time.Second)

	testutil.Eventually(t, 2*time.Second, func() bool {
		got, err := r.Get(ctx, d.ID)
		return err == nil && got.Status == api.DeviceOffline
	}, "device demoted by loop")
}

func TestRegistry_HeartbeatAlertsRespectCooldown(t *testing.T) {
	r, clock, events := setupRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, fixtures.NewRegisterRequest("AA:09"))
	require.NoError(t, err)

	hot := api.HeartbeatRequest{
		MACAddress: "AA:09",
		Status:     api.DeviceOnline,
		SystemInfo: &api.SystemInfo{CPUUsagePercent: 97, RAMUsagePercent: 86},
	}
	alerts := func() []observability.Event {
		return events.GetEvents(observability.EventFilter{Types: []observability.EventType{observability.EventDeviceAlert}})
	}

	_, err = r.Heartbeat(ctx, hot)
	require.NoError(t, err)
	require.Len(t, alerts(), 2)
	assert.Equal(t, observability.SeverityCritical, alerts()[0].Severity)

	clock.Advance(time.Minute)
	_, err = r.Heartbeat(ctx, hot)
	require.NoError(t, err)
	assert.Len(t, alerts(), 2, "alerts within cooldown are suppressed")

	clock.Advance(5 * time.Minute)
	_, err = r.Heartbeat(ctx, hot)
	require.NoError(t, err)
	assert.Len(t, alerts(), 4)
}

func TestRegistry_RestartAfterStop(t *testing.T) {
	r, _, _ := setupRegistry(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, r.Start(ctx))
		assert.Error(t, r.Start(ctx), "second start while running")

		stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		require.NoError(t, r.Stop(stopCtx))
		cancel()
	}
	assert.NoError(t, r.Stop(ctx), "stop when already stopped")
}
