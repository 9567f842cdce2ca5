package agent

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benchfleet/benchfleet/pkg/api"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

const (
	gib           = 1024 * 1024 * 1024
	mib           = 1024 * 1024
	nvidiaTimeout = 5 * time.Second
)

// GPUReading is one nvidia-smi observation
type GPUReading struct {
	Name          string
	UtilPercent   float64
	MemoryUsedMB  float64
	MemoryTotalMB float64
}

// HardwareDetector collects the hardware snapshot and live usage of the host
type HardwareDetector struct {
	logger   *zap.Logger
	diskPath string

	mu          sync.Mutex
	gpuDisabled bool
}

// NewHardwareDetector creates a new hardware detector
func NewHardwareDetector(logger *zap.Logger, diskPath string) *HardwareDetector {
	if diskPath == "" {
		diskPath = defaultDiskPath()
	}
	return &HardwareDetector{
		logger:   logger,
		diskPath: diskPath,
	}
}

func defaultDiskPath() string {
	if runtime.GOOS == "windows" {
		return `C:\`
	}
	return "/"
}

// Snapshot gathers the registration hardware info. Every reading is best effort.
func (hd *HardwareDetector) Snapshot(ctx context.Context) api.HardwareInfo {
	var info api.HardwareInfo

	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		info.CPUModel = strings.TrimSpace(cpus[0].ModelName)
	} else if err != nil {
		hd.logger.Debug("CPU info unavailable", zap.Error(err))
	}
	if cores, err := cpu.CountsWithContext(ctx, false); err == nil {
		info.CPUCores = cores
	}
	if threads, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.CPUThreads = threads
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.RAMTotalGB = round2(float64(vm.Total) / gib)
	}

	if usage, err := disk.UsageWithContext(ctx, hd.diskPath); err == nil {
		info.DiskCapacityGB = round2(float64(usage.Total) / gib)
	}
	if parts, err := disk.PartitionsWithContext(ctx, false); err == nil {
		for _, p := range parts {
			if p.Mountpoint == hd.diskPath {
				info.DiskModel = p.Device
				break
			}
		}
	}

	if hi, err := host.InfoWithContext(ctx); err == nil {
		info.OSName = hi.Platform
		if info.OSName == "" {
			info.OSName = hi.OS
		}
		info.OSVersion = hi.PlatformVersion
		info.OSBuild = hi.KernelVersion
	}

	if gpu, err := hd.ReadGPU(ctx); err == nil {
		info.GPUModel = gpu.Name
		info.GPUVRAMMB = int(gpu.MemoryTotalMB)
	}

	return info
}

// SystemInfo summarises current usage for a heartbeat
func (hd *HardwareDetector) SystemInfo(ctx context.Context) *api.SystemInfo {
	si := &api.SystemInfo{}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		si.CPUUsagePercent = round2(pct[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		si.RAMUsagePercent = round2(vm.UsedPercent)
		si.RAMUsedGB = round2(float64(vm.Used) / gib)
	}
	if usage, err := disk.UsageWithContext(ctx, hd.diskPath); err == nil {
		si.DiskUsagePercent = round2(usage.UsedPercent)
	}
	if pids, err := process.PidsWithContext(ctx); err == nil {
		si.ProcessCount = len(pids)
	}
	return si
}

// Identity returns the hostname plus the MAC and IPv4 address of the first
// non-loopback interface that is up
func (hd *HardwareDetector) Identity(ctx context.Context) (hostname, mac, ip string) {
	hostname, _ = os.Hostname()

	ifaces, err := net.InterfacesWithContext(ctx)
	if err != nil {
		hd.logger.Warn("Failed to list network interfaces", zap.Error(err))
		return hostname, "", ""
	}
	for _, iface := range ifaces {
		if iface.HardwareAddr == "" || hasFlag(iface.Flags, "loopback") || !hasFlag(iface.Flags, "up") {
			continue
		}
		for _, addr := range iface.Addrs {
			a := addr.Addr
			if i := strings.IndexByte(a, '/'); i >= 0 {
				a = a[:i]
			}
			if strings.Count(a, ".") == 3 {
				return hostname, iface.HardwareAddr, a
			}
		}
		if mac == "" {
			mac = iface.HardwareAddr
		}
	}
	return hostname, mac, ip
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

var errNoGPU = errors.New("no nvidia gpu")

// ReadGPU queries the first NVIDIA GPU. A missing nvidia-smi disables further queries.
func (hd *HardwareDetector) ReadGPU(ctx context.Context) (*GPUReading, error) {
	hd.mu.Lock()
	disabled := hd.gpuDisabled
	hd.mu.Unlock()
	if disabled {
		return nil, errNoGPU
	}

	ctx, cancel := context.WithTimeout(ctx, nvidiaTimeout)
	defer cancel()

	// #nosec G204
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=name,utilization.gpu,memory.used,memory.total",
		"--format=csv,noheader,nounits")
	out, err := cmd.Output()
	var execErr *exec.Error
	if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
		hd.mu.Lock()
		hd.gpuDisabled = true
		hd.mu.Unlock()
		hd.logger.Debug("nvidia-smi not available, GPU sampling disabled")
		return nil, errNoGPU
	}
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseNvidiaSMI(string(out))
}

func parseNvidiaSMI(out string) (*GPUReading, error) {
	r := csv.NewReader(strings.NewReader(out))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to parse nvidia-smi output: %w", err)
	}
	if len(record) != 4 {
		return nil, fmt.Errorf("unexpected nvidia-smi record with %d fields", len(record))
	}
	reading := &GPUReading{Name: strings.TrimSpace(record[0])}
	fields := []*float64{&reading.UtilPercent, &reading.MemoryUsedMB, &reading.MemoryTotalMB}
	for i, dst := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[i+1]), 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse nvidia-smi field %d: %w", i+1, err)
		}
		*dst = v
	}
	return reading, nil
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
