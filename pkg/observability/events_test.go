package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEventStream_RecordAndFilter(t *testing.T) {
	es := NewEventStream(EventStreamConfig{MaxSize: 10}, zap.NewNop())
	ctx := WithRequestID(context.Background(), "req-1")

	es.RecordEvent(ctx, NewDeviceOfflineEvent("d1", "AA:BB", time.Now(), 5*time.Minute))
	es.RecordEvent(ctx, NewSoftwareErrorEvent("t1", "d1", "software_install", "download failed"))
	es.RecordEvent(ctx, NewTaskFinishedEvent("t2", "e1", 0, ""))

	all := es.GetEvents(EventFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, "req-1", all[0].RequestID)
	assert.NotEmpty(t, all[0].ID)

	offline := es.GetEvents(EventFilter{Types: []EventType{EventDeviceOffline}})
	require.Len(t, offline, 1)
	assert.Equal(t, "d1", offline[0].ResourceID)

	errorsOnly := es.GetEvents(EventFilter{Severities: []EventSeverity{SeverityError}})
	require.Len(t, errorsOnly, 1)
	assert.Equal(t, EventSoftwareError, errorsOnly[0].Type)

	byTask := es.GetEvents(EventFilter{ResourceType: "task", ResourceID: "t2"})
	require.Len(t, byTask, 1)
	assert.True(t, byTask[0].Success)
}

func TestEventStream_MaxSizeAndLimit(t *testing.T) {
	es := NewEventStream(EventStreamConfig{MaxSize: 3}, zap.NewNop())
	for i := 0; i < 5; i++ {
		es.RecordEvent(context.Background(), NewRecurrenceSpawnedEvent("p", string(rune('a'+i)), time.Now()))
	}

	all := es.GetEvents(EventFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ResourceID)

	limited := es.GetEvents(EventFilter{Limit: 2})
	require.Len(t, limited, 2)
	assert.Equal(t, "e", limited[1].ResourceID)
}

func TestEventStream_Retention(t *testing.T) {
	es := NewEventStream(EventStreamConfig{MaxSize: 10, Retention: time.Hour}, zap.NewNop())
	now := time.Now()

	old := NewTaskFinishedEvent("old", "e", 0, "")
	old.Timestamp = now.Add(-2 * time.Hour)
	es.RecordEvent(context.Background(), old)

	fresh := NewTaskFinishedEvent("fresh", "e", 0, "")
	fresh.Timestamp = now
	es.RecordEvent(context.Background(), fresh)

	all := es.GetEvents(EventFilter{})
	require.Len(t, all, 1)
	assert.Equal(t, "fresh", all[0].ResourceID)
}

func TestEventFilter_SinceAndActor(t *testing.T) {
	es := NewEventStream(EventStreamConfig{}, zap.NewNop())
	now := time.Now()

	early := NewCommandFinishedEvent("c1", "d1", "run_script", "exit 1")
	early.Timestamp = now.Add(-time.Minute)
	es.RecordEvent(context.Background(), early)
	es.RecordEvent(context.Background(), NewCommandFinishedEvent("c2", "d2", "collect_metrics", ""))

	recent := es.GetEvents(EventFilter{Since: now.Add(-time.Second)})
	require.Len(t, recent, 1)
	assert.Equal(t, "c2", recent[0].ResourceID)

	byActor := es.GetEvents(EventFilter{ActorID: "d1"})
	require.Len(t, byActor, 1)
	assert.False(t, byActor[0].Success)
	assert.Equal(t, SeverityWarning, byActor[0].Severity)
}

func TestNewTaskFinishedEvent_Failure(t *testing.T) {
	ev := NewTaskFinishedEvent("t1", "e1", -1, "timeout")
	assert.Equal(t, EventTaskFailed, ev.Type)
	assert.Equal(t, SeverityError, ev.Severity)
	assert.Equal(t, "timeout", ev.Error)
}
