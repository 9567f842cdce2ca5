package tasks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benchfleet/benchfleet/pkg/api"
	"github.com/benchfleet/benchfleet/pkg/observability"
	"github.com/benchfleet/benchfleet/pkg/scheduler"
	"github.com/benchfleet/benchfleet/pkg/store"
	"github.com/benchfleet/benchfleet/test/testutil"
	"github.com/benchfleet/benchfleet/test/testutil/fixtures"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	svc    *Service
	store  *store.Store
	clock  clockwork.FakeClock
	events *observability.EventStream
}

func setup(t *testing.T, mode api.ClaimMode) *fixture {
	t.Helper()
	f := &fixture{
		store:  testutil.NewTestStore(t),
		clock:  testutil.NewFakeClock(),
		events: testutil.NewEventStream(),
	}
	svc, err := New(Config{
		Store:     f.store,
		Events:    f.events,
		Logger:    zap.NewNop(),
		Clock:     f.clock,
		ClaimMode: mode,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

type recordingListener struct {
	mu  sync.Mutex
	ids []string
}

func (l *recordingListener) TaskCompleted(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, id)
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{ClaimMode: "first-wins"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store is required")
	assert.Contains(t, err.Error(), "unknown claim mode")

	cfg = Config{Store: &store.Store{}, Logger: zap.NewNop()}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, api.ClaimShared, cfg.ClaimMode)
}

func TestService_CreateAppliesDefaultsAndValidates(t *testing.T) {
	f := setup(t, api.ClaimShared)
	ctx := context.Background()

	task, err := f.svc.Create(ctx, api.CreateTaskRequest{TaskName: "defaults"})
	require.NoError(t, err)
	assert.Equal(t, api.TaskPending, task.Status)
	assert.Equal(t, api.ScheduleImmediate, task.ScheduleType)
	assert.Equal(t, api.ActionBenchmark, task.Script.Action)
	assert.Equal(t, DefaultTestDurationSeconds, task.TestDurationSeconds)
	assert.Equal(t, DefaultSampleIntervalMS, task.SampleIntervalMS)
	assert.Empty(t, task.TargetDeviceIDs)

	bad := []api.CreateTaskRequest{
		{},
		{TaskName: "x", ScheduleType: "hourly"},
		{TaskName: "x", Script: api.ScriptSpec{Action: "dance"}},
		{TaskName: "x", Script: api.ScriptSpec{Action: api.ActionLaunch}},
		{TaskName: "x", ScheduleType: api.ScheduleOnce},
		{TaskName: "x", ScheduleType: api.ScheduleCron, CronExpression: "not cron"},
		{TaskName: "x", TestDurationSeconds: -1},
	}
	for _, req := range bad {
		_, err := f.svc.Create(ctx, req)
		assert.True(t, store.IsValidationError(err), "expected validation error for %+v, got %v", req, err)
	}
}

func TestService_CreateFutureTaskIsScheduled(t *testing.T) {
	f := setup(t, api.ClaimShared)
	ctx := context.Background()

	at := testutil.Epoch.Add(time.Hour)
	req := fixtures.NewTaskRequest("later")
	req.ScheduleType = api.ScheduleOnce
	req.ScheduledAt = &at

	task, err := f.svc.Create(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, api.TaskScheduled, task.Status)

	polled, err := f.svc.PollPending(ctx, "dev-1")
	require.NoError(t, err)
	assert.Empty(t, polled, "scheduled tasks are not handed out")
}

func TestService_PollPendingFiltersTargetsAndResolvesSoftware(t *testing.T) {
	f := setup(t, api.ClaimShared)
	ctx := context.Background()

	require.NoError(t, store.NewSoftwareRepository(f.store.DB(ctx)).Create(store.SoftwareFromAPI(fixtures.NewSoftware("bench3d", "C:/bench3d/bench.exe"))))

	targeted := fixtures.NewTaskRequest("targeted", "dev-1")
	targeted.SoftwareList = []string{"ghost", "bench3d"}
	t1, err := f.svc.Create(ctx, targeted)
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	t2, err := f.svc.Create(ctx, fixtures.NewTaskRequest("broadcast"))
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, fixtures.NewTaskRequest("other", "dev-2"))
	require.NoError(t, err)

	polled, err := f.svc.PollPending(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, polled, 2)
	assert.Equal(t, t1.ID, polled[0].ID)
	assert.Equal(t, t2.ID, polled[1].ID)

	require.Len(t, polled[0].Software, 2)
	assert.Equal(t, "ghost", polled[0].Software[0].Code, "software keeps list order")
	assert.Empty(t, polled[0].Software[0].PackageFormat)
	assert.Equal(t, "bench3d", polled[0].Software[1].Code)
	assert.Equal(t, api.FormatZip, polled[0].Software[1].PackageFormat)

	_, err = f.svc.PollPending(ctx, "")
	assert.True(t, store.IsValidationError(err))
}

func TestService_BroadcastVisibleToConcurrentPollers(t *testing.T) {
	f := setup(t, api.ClaimShared)
	ctx := context.Background()

	task, err := f.svc.Create(ctx, fixtures.NewTaskRequest("everyone"))
	require.NoError(t, err)

	const pollers = 8
	var wg sync.WaitGroup
	seen := make([]bool, pollers)
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			polled, err := f.svc.PollPending(ctx, "dev-"+string(rune('a'+i)))
			if err == nil && len(polled) == 1 && polled[0].ID == task.ID {
				seen[i] = true
			}
		}(i)
	}
	wg.Wait()

	for i, ok := range seen {
		assert.True(t, ok, "poller %d did not see the broadcast task", i)
	}
}

func TestService_SharedClaimAllowsEveryDevice(t *testing.T) {
	f := setup(t, api.ClaimShared)
	ctx := context.Background()

	task, err := f.svc.Create(ctx, fixtures.NewTaskRequest("shared"))
	require.NoError(t, err)

	first, err := f.svc.StartExecution(ctx, api.StartExecutionRequest{TaskID: task.ID, DeviceID: "dev-1"})
	require.NoError(t, err)
	assert.True(t, first.Claimed)

	second, err := f.svc.StartExecution(ctx, api.StartExecutionRequest{TaskID: task.ID, DeviceID: "dev-2"})
	require.NoError(t, err)
	assert.False(t, second.Claimed)
	assert.NotEqual(t, first.ExecutionID, second.ExecutionID)

	got, err := f.svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, api.TaskRunning, got.Status)
	assert.Equal(t, "dev-1", got.AssignedDeviceID)

	executions, err := f.svc.Executions(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, executions, 2)
}

func TestService_ExclusiveClaimHasOneWinner(t *testing.T) {
	f := setup(t, api.ClaimExclusive)
	ctx := context.Background()

	task, err := f.svc.Create(ctx, fixtures.NewTaskRequest("exclusive"))
	require.NoError(t, err)

	const devices = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		losers  int
	)
	for i := 0; i < devices; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.StartExecution(ctx, api.StartExecutionRequest{TaskID: task.ID, DeviceID: "dev-" + string(rune('a'+i))})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners++
			} else if store.IsProtocolStateError(err) {
				losers++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, devices-1, losers)

	executions, err := f.svc.Executions(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, executions, 1)
}

func TestService_StartRejectsTerminalAndUnknownTasks(t *testing.T) {
	f := setup(t, api.ClaimShared)
	ctx := context.Background()

	_, err := f.svc.StartExecution(ctx, api.StartExecutionRequest{TaskID: "nope", DeviceID: "dev-1"})
	assert.True(t, store.IsNotFoundError(err))

	_, err = f.svc.StartExecution(ctx, api.StartExecutionRequest{TaskID: "nope"})
	assert.True(t, store.IsValidationError(err))

	task, err := f.svc.Create(ctx, fixtures.NewTaskRequest("cancelled"))
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, task.ID)
	require.NoError(t, err)

	_, err = f.svc.StartExecution(ctx, api.StartExecutionRequest{TaskID: task.ID, DeviceID: "dev-1"})
	assert.True(t, store.IsProtocolStateError(err))
}

func TestService_CompleteExecutionFloorsDurationAndStoresSamples(t *testing.T) {
	f := setup(t, api.ClaimShared)
	ctx := context.Background()

	task, err := f.svc.Create(ctx, fixtures.NewTaskRequest("timed"))
	require.NoError(t, err)
	start, err := f.svc.StartExecution(ctx, api.StartExecutionRequest{TaskID: task.ID, DeviceID: "dev-1"})
	require.NoError(t, err)

	f.clock.Advance(10*time.Second + 900*time.Millisecond)

	samples := make([]api.MetricSample, 10)
	for i := range samples {
		samples[i] = api.MetricSample{Timestamp: testutil.Epoch.Add(time.Duration(i) * time.Second), CPUPercent: float64(i)}
	}
	resp, err := f.svc.CompleteExecution(ctx, start.ExecutionID, api.CompleteExecutionRequest{ExitCode: 0, MetricsData: samples})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.EqualValues(t, 10, resp.DurationSeconds)

	got, err := f.svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, api.TaskCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	stored, err := f.svc.Metrics(ctx, start.ExecutionID)
	require.NoError(t, err)
	require.Len(t, stored, 10)
	assert.Equal(t, string(api.ExecutionCompleted), stored[9].Status)
	assert.Equal(t, 9.0, stored[9].CPUPercent)

	_, err = f.svc.CompleteExecution(ctx, start.ExecutionID, api.CompleteExecutionRequest{})
	assert.True(t, store.IsProtocolStateError(err), "second completion is rejected")

	_, err = f.svc.PushMetrics(ctx, start.ExecutionID, samples[:1])
	assert.True(t, store.IsProtocolStateError(err))
}

func TestService_CompleteWithNonZeroExitFailsTask(t *testing.T) {
	f := setup(t, api.ClaimShared)
	ctx := context.Background()

	task, err := f.svc.Create(ctx, fixtures.NewTaskRequest("crash"))
	require.NoError(t, err)
	start, err := f.svc.StartExecution(ctx, api.StartExecutionRequest{TaskID: task.ID, DeviceID: "dev-1"})
	require.NoError(t, err)

	resp, err := f.svc.CompleteExecution(ctx, start.ExecutionID, api.CompleteExecutionRequest{ExitCode: -1, ErrorMessage: "panic: boom"})
	require.NoError(t, err)
	assert.False(t, resp.Success)

	got, err := f.svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, api.TaskFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "panic: boom")

	exec, err := f.svc.Execution(ctx, start.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, api.ExecutionFailed, exec.Status)
	assert.Equal(t, -1, exec.ExitCode)

	failed := f.events.GetEvents(observability.EventFilter{Types: []observability.EventType{observability.EventTaskFailed}})
	assert.Len(t, failed, 1)
}

func TestService_PushMetricsAppends(t *testing.T) {
	f := setup(t, api.ClaimShared)
	ctx := context.Background()

	task, err := f.svc.Create(ctx, fixtures.NewTaskRequest("stream"))
	require.NoError(t, err)
	start, err := f.svc.StartExecution(ctx, api.StartExecutionRequest{TaskID: task.ID, DeviceID: "dev-1"})
	require.NoError(t, err)

	resp, err := f.svc.PushMetrics(ctx, start.ExecutionID, []api.MetricSample{{Timestamp: testutil.Epoch}, {Timestamp: testutil.Epoch.Add(time.Second)}})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Count)

	_, err = f.svc.CompleteExecution(ctx, start.ExecutionID, api.CompleteExecutionRequest{MetricsData: []api.MetricSample{{Timestamp: testutil.Epoch.Add(2 * time.Second)}}})
	require.NoError(t, err)

	stored, err := f.svc.Metrics(ctx, start.ExecutionID)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, string(api.ExecutionRunning), stored[0].Status)

	_, err = f.svc.PushMetrics(ctx, "missing", nil)
	assert.True(t, store.IsNotFoundError(err))
}

func TestService_SoftwareErrorFailsTaskWithoutExecution(t *testing.T) {
	f := setup(t, api.ClaimShared)
	ctx := context.Background()

	req := fixtures.NewTaskRequest("needs-software", "dev-1")
	req.SoftwareList = []string{"ghost"}
	task, err := f.svc.Create(ctx, req)
	require.NoError(t, err)

	resp, err := f.svc.ReportSoftwareError(ctx, task.ID, api.SoftwareErrorRequest{
		ErrorType:    "software_install",
		ErrorMessage: "download failed: 404",
		SoftwareCode: "ghost",
		DeviceID:     "dev-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "error_reported", resp.Status)

	got, err := f.svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, api.TaskFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "software=ghost")
	assert.Contains(t, got.ErrorMessage, "download failed: 404")

	executions, err := f.svc.Executions(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, executions)

	// A second report on the failed task only appends
	_, err = f.svc.ReportSoftwareError(ctx, task.ID, api.SoftwareErrorRequest{ErrorMessage: "again"})
	require.NoError(t, err)
	got, err = f.svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Contains(t, got.ErrorMessage, "again")

	_, err = f.svc.ReportSoftwareError(ctx, "missing", api.SoftwareErrorRequest{})
	assert.True(t, store.IsNotFoundError(err))
}

func TestService_SoftwareErrorRejectedOnCompletedTask(t *testing.T) {
	f := setup(t, api.ClaimShared)
	ctx := context.Background()

	task, err := f.svc.Create(ctx, fixtures.NewTaskRequest("done"))
	require.NoError(t, err)
	start, err := f.svc.StartExecution(ctx, api.StartExecutionRequest{TaskID: task.ID, DeviceID: "dev-1"})
	require.NoError(t, err)
	_, err = f.svc.CompleteExecution(ctx, start.ExecutionID, api.CompleteExecutionRequest{})
	require.NoError(t, err)

	_, err = f.svc.ReportSoftwareError(ctx, task.ID, api.SoftwareErrorRequest{ErrorMessage: "late"})
	assert.True(t, store.IsProtocolStateError(err))
}

func TestService_CancelAndRetry(t *testing.T) {
	f := setup(t, api.ClaimShared)
	ctx := context.Background()

	task, err := f.svc.Create(ctx, fixtures.NewTaskRequest("flaky", "dev-1"))
	require.NoError(t, err)

	_, err = f.svc.Retry(ctx, task.ID)
	assert.True(t, store.IsProtocolStateError(err), "pending tasks cannot be retried")

	cancelled, err := f.svc.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, api.TaskCancelled, cancelled.Status)

	_, err = f.svc.Cancel(ctx, task.ID)
	assert.True(t, store.IsProtocolStateError(err))

	clone, err := f.svc.Retry(ctx, task.ID)
	require.NoError(t, err)
	assert.NotEqual(t, task.ID, clone.ID)
	assert.Equal(t, api.TaskPending, clone.Status)
	assert.Equal(t, task.ID, clone.ParentTaskID)
	assert.Equal(t, []string{"dev-1"}, clone.TargetDeviceIDs)
}

func TestService_ListPaginates(t *testing.T) {
	f := setup(t, api.ClaimShared)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.svc.Create(ctx, fixtures.NewTaskRequest("t"))
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}

	page, err := f.svc.List(ctx, "", 2, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 5, page.Total)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 2, page.Page)

	page, err = f.svc.List(ctx, api.TaskPending, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, page.PageSize)
	assert.Len(t, page.Items, 5)

	_, err = f.svc.List(ctx, "bogus", 1, 10)
	assert.True(t, store.IsValidationError(err))
}

func TestService_RecurringCompletionNotifiesListener(t *testing.T) {
	f := setup(t, api.ClaimShared)
	ctx := context.Background()
	listener := &recordingListener{}
	f.svc.SetCompletionListener(listener)

	at := testutil.Epoch
	req := fixtures.NewTaskRequest("daily")
	req.ScheduleType = api.ScheduleDaily
	req.ScheduledAt = &at
	task, err := f.svc.Create(ctx, req)
	require.NoError(t, err)
	require.Equal(t, api.TaskPending, task.Status)

	once, err := f.svc.Create(ctx, fixtures.NewTaskRequest("once"))
	require.NoError(t, err)

	for _, id := range []string{task.ID, once.ID} {
		start, err := f.svc.StartExecution(ctx, api.StartExecutionRequest{TaskID: id, DeviceID: "dev-1"})
		require.NoError(t, err)
		_, err = f.svc.CompleteExecution(ctx, start.ExecutionID, api.CompleteExecutionRequest{})
		require.NoError(t, err)
	}

	assert.Equal(t, []string{task.ID}, listener.ids)
}

func TestService_DailyTaskSpawnsOneSuccessor(t *testing.T) {
	f := setup(t, api.ClaimShared)
	ctx := context.Background()

	sched, err := scheduler.New(scheduler.Config{Store: f.store, Logger: zap.NewNop(), Clock: f.clock})
	require.NoError(t, err)
	f.svc.SetCompletionListener(sched)

	at := testutil.Epoch
	req := fixtures.NewTaskRequest("nightly")
	req.ScheduleType = api.ScheduleDaily
	req.ScheduledAt = &at
	task, err := f.svc.Create(ctx, req)
	require.NoError(t, err)

	start, err := f.svc.StartExecution(ctx, api.StartExecutionRequest{TaskID: task.ID, DeviceID: "dev-1"})
	require.NoError(t, err)
	_, err = f.svc.CompleteExecution(ctx, start.ExecutionID, api.CompleteExecutionRequest{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := sched.Sweep(ctx)
		require.NoError(t, err)
	}

	list, err := f.svc.List(ctx, "", 1, 10)
	require.NoError(t, err)
	require.EqualValues(t, 2, list.Total)

	orig, err := f.svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, api.TaskCompleted, orig.Status)
	require.NotEmpty(t, orig.SpawnedTaskID)

	succ, err := f.svc.Get(ctx, orig.SpawnedTaskID)
	require.NoError(t, err)
	assert.Equal(t, api.TaskScheduled, succ.Status)
	require.NotNil(t, succ.ScheduledAt)
	assert.True(t, at.Add(24*time.Hour).Equal(*succ.ScheduledAt))
}

func TestFloorSeconds(t *testing.T) {
	start := testutil.Epoch
	assert.EqualValues(t, 0, FloorSeconds(start, start.Add(999*time.Millisecond)))
	assert.EqualValues(t, 1, FloorSeconds(start, start.Add(time.Second)))
	assert.EqualValues(t, 59, FloorSeconds(start, start.Add(59*time.Second+999*time.Millisecond)))
	assert.EqualValues(t, 0, FloorSeconds(start, start.Add(-time.Second)))
}
