package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benchfleet/benchfleet/pkg/api"
	"github.com/benchfleet/benchfleet/test/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCollector struct {
	calls int32
	fail  bool
}

func (c *countingCollector) Collect(ctx context.Context) (api.MetricSample, error) {
	n := atomic.AddInt32(&c.calls, 1)
	if c.fail {
		return api.MetricSample{}, errors.New("sensor unavailable")
	}
	return api.MetricSample{Timestamp: time.Now().UTC(), CPUPercent: float64(n)}, nil
}

func TestSampler_CollectsUntilDuration(t *testing.T) {
	collector := &countingCollector{}
	s := NewSampler(collector, 20*time.Millisecond, testutil.NewTestLogger(t))
	s.Start(context.Background(), 200*time.Millisecond)

	testutil.Eventually(t, time.Second, func() bool {
		select {
		case <-s.done:
			return true
		default:
			return false
		}
	}, "sampler should stop on its own after the duration")
	require.True(t, s.Stop(time.Second))

	samples := s.Samples()
	assert.GreaterOrEqual(t, len(samples), 5)
	assert.LessOrEqual(t, len(samples), 12)
	assert.Equal(t, 1.0, samples[0].CPUPercent)
}

func TestSampler_DrainReturnsOnlyNewSamples(t *testing.T) {
	collector := &countingCollector{}
	s := NewSampler(collector, 10*time.Millisecond, testutil.NewTestLogger(t))
	s.Start(context.Background(), 0)

	testutil.Eventually(t, time.Second, func() bool { return len(s.Samples()) >= 3 }, "first batch")
	first := s.Drain()
	require.NotEmpty(t, first)

	testutil.Eventually(t, time.Second, func() bool { return len(s.Samples()) >= len(first)+3 }, "second batch")
	require.True(t, s.Stop(time.Second))
	second := s.Drain()
	require.NotEmpty(t, second)

	assert.Greater(t, second[0].CPUPercent, first[len(first)-1].CPUPercent)
	assert.Len(t, s.Samples(), len(first)+len(second))
	assert.Empty(t, s.Drain())
}

func TestSampler_SkipsFailedReadings(t *testing.T) {
	collector := &countingCollector{fail: true}
	s := NewSampler(collector, 10*time.Millisecond, testutil.NewTestLogger(t))
	s.Start(context.Background(), 50*time.Millisecond)
	require.True(t, s.Stop(time.Second))

	assert.Empty(t, s.Samples())
	assert.GreaterOrEqual(t, atomic.LoadInt32(&collector.calls), int32(1))
}

func TestSampler_StopWithoutStart(t *testing.T) {
	s := NewSampler(&countingCollector{}, 0, testutil.NewTestLogger(t))
	assert.Equal(t, DefaultSampleInterval, s.interval)
	assert.True(t, s.Stop(time.Millisecond))
}

func TestRateMB(t *testing.T) {
	assert.Equal(t, 0.0, rateMB(10, 20, 1))
	assert.InDelta(t, 2.0, rateMB(2*mib+100, 100, 1), 0.001)
}

// stuckCollector returns one reading, then blocks without honouring ctx
type stuckCollector struct {
	calls   int32
	entered chan struct{}
	release chan struct{}
}

func (c *stuckCollector) Collect(context.Context) (api.MetricSample, error) {
	if atomic.AddInt32(&c.calls, 1) == 1 {
		return api.MetricSample{Timestamp: time.Now().UTC(), CPUPercent: 1}, nil
	}
	select {
	case c.entered <- struct{}{}:
	default:
	}
	<-c.release
	return api.MetricSample{Timestamp: time.Now().UTC(), CPUPercent: 2}, nil
}

func TestSampler_StopGivesUpOnBlockedCollector(t *testing.T) {
	collector := &stuckCollector{entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := NewSampler(collector, 10*time.Millisecond, testutil.NewTestLogger(t))
	s.Start(context.Background(), 0)

	select {
	case <-collector.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("collector was never called a second time")
	}

	start := time.Now()
	assert.False(t, s.Stop(50*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second)

	samples := s.Drain()
	require.Len(t, samples, 1)
	assert.Equal(t, 1.0, samples[0].CPUPercent)

	close(collector.release)
	testutil.Eventually(t, time.Second, func() bool {
		select {
		case <-s.done:
			return true
		default:
			return false
		}
	}, "sampler goroutine exits once the collector returns")
}
