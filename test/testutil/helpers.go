package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/benchfleet/benchfleet/pkg/observability"
	"github.com/benchfleet/benchfleet/pkg/store"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// Epoch is a fixed, readable instant used to seed fake clocks.
var Epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// NewTestLogger creates a logger suitable for testing that outputs to the test log
func NewTestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// NewTestStore opens a SQLite store in a per-test directory and closes it on cleanup
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(store.Config{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "benchfleet.db"),
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// NewFakeClock returns a fake clock starting at Epoch
func NewFakeClock() clockwork.FakeClock {
	return clockwork.NewFakeClockAt(Epoch)
}

// NewEventStream returns an in-memory event stream that discards logs
func NewEventStream() *observability.EventStream {
	return observability.NewEventStream(observability.EventStreamConfig{MaxSize: 1000}, zap.NewNop())
}

// Eventually polls cond until it holds or the timeout elapses
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s: condition not met within %s", msg, timeout)
}
