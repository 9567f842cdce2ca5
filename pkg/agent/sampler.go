package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benchfleet/benchfleet/pkg/api"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

const (
	DefaultSampleInterval = time.Second
	DefaultJoinTimeout    = 5 * time.Second
)

// Collector takes one resource sample
type Collector interface {
	Collect(ctx context.Context) (api.MetricSample, error)
}

// HostCollector samples the whole host through gopsutil. Disk and network
// throughput are computed from the counter delta since the previous call.
type HostCollector struct {
	hardware    *HardwareDetector
	processName string

	mu       sync.Mutex
	last     time.Time
	diskRead uint64
	diskWrit uint64
	netSent  uint64
	netRecv  uint64
}

// NewHostCollector creates a collector; processName, when set, tags samples
// with the matching process
func NewHostCollector(hardware *HardwareDetector, processName string) *HostCollector {
	return &HostCollector{hardware: hardware, processName: processName}
}

// Collect implements Collector
func (c *HostCollector) Collect(ctx context.Context) (api.MetricSample, error) {
	now := time.Now().UTC()
	s := api.MetricSample{Timestamp: now, Status: "running"}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = round2(pct[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemoryPercent = round2(vm.UsedPercent)
		s.MemoryUsedMB = round2(float64(vm.Used) / mib)
		s.MemoryAvailableMB = round2(float64(vm.Available) / mib)
	}

	var diskRead, diskWrite uint64
	if counters, err := disk.IOCountersWithContext(ctx); err == nil {
		for _, ctr := range counters {
			diskRead += ctr.ReadBytes
			diskWrite += ctr.WriteBytes
		}
	}
	var netSent, netRecv uint64
	if stats, err := net.IOCountersWithContext(ctx, false); err == nil && len(stats) > 0 {
		netSent = stats[0].BytesSent
		netRecv = stats[0].BytesRecv
	}

	c.mu.Lock()
	if !c.last.IsZero() {
		if secs := now.Sub(c.last).Seconds(); secs > 0 {
			s.DiskReadMBps = rateMB(diskRead, c.diskRead, secs)
			s.DiskWriteMBps = rateMB(diskWrite, c.diskWrit, secs)
			s.NetworkSentMBps = rateMB(netSent, c.netSent, secs)
			s.NetworkRecvMBps = rateMB(netRecv, c.netRecv, secs)
		}
	}
	c.last, c.diskRead, c.diskWrit, c.netSent, c.netRecv = now, diskRead, diskWrite, netSent, netRecv
	c.mu.Unlock()

	if c.hardware != nil {
		if gpu, err := c.hardware.ReadGPU(ctx); err == nil {
			util, used := gpu.UtilPercent, gpu.MemoryUsedMB
			s.GPUPercent = &util
			s.GPUMemoryMB = &used
		}
	}

	if c.processName != "" {
		if p := findProcess(ctx, c.processName); p != nil {
			s.ProcessID = p.Pid
			s.ProcessName, _ = p.NameWithContext(ctx)
		}
	}
	return s, nil
}

func rateMB(cur, prev uint64, secs float64) float64 {
	if cur < prev {
		return 0
	}
	return round2(float64(cur-prev) / mib / secs)
}

// findProcess returns the first process whose name contains keyword, case-insensitively
func findProcess(ctx context.Context, keyword string) *process.Process {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil
	}
	keyword = strings.ToLower(keyword)
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(name), keyword) {
			return p
		}
	}
	return nil
}

// Sampler runs a collector on a fixed interval into an in-memory buffer
type Sampler struct {
	collector Collector
	interval  time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	samples []api.MetricSample
	drained int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSampler creates a sampler; a zero interval uses DefaultSampleInterval
func NewSampler(collector Collector, interval time.Duration, logger *zap.Logger) *Sampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Sampler{
		collector: collector,
		interval:  interval,
		logger:    logger,
	}
}

// Start begins sampling until ctx is cancelled, duration elapses or Stop is called.
// The first sample is taken immediately.
func (s *Sampler) Start(ctx context.Context, duration time.Duration) {
	var cancel context.CancelFunc
	if duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, duration)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Sampler panicked", zap.Any("panic", r))
			}
		}()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.sample(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sample(ctx)
			}
		}
	}()
}

func (s *Sampler) sample(ctx context.Context) {
	sample, err := s.collector.Collect(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("Failed to collect sample", zap.Error(err))
		}
		return
	}
	s.mu.Lock()
	s.samples = append(s.samples, sample)
	s.mu.Unlock()
}

// Stop cancels sampling and waits up to joinTimeout for the goroutine to exit.
// It reports whether the join completed in time.
func (s *Sampler) Stop(joinTimeout time.Duration) bool {
	if s.cancel == nil {
		return true
	}
	s.cancel()
	if joinTimeout <= 0 {
		joinTimeout = DefaultJoinTimeout
	}
	select {
	case <-s.done:
		return true
	case <-time.After(joinTimeout):
		s.logger.Warn("Sampler did not stop in time", zap.Duration("timeout", joinTimeout))
		return false
	}
}

// Samples returns a copy of every sample collected so far
func (s *Sampler) Samples() []api.MetricSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]api.MetricSample, len(s.samples))
	copy(out, s.samples)
	return out
}

// Drain returns the samples collected since the previous Drain
func (s *Sampler) Drain() []api.MetricSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]api.MetricSample, len(s.samples)-s.drained)
	copy(out, s.samples[s.drained:])
	s.drained = len(s.samples)
	return out
}
