package registry

import (
	"sync"
	"time"

	"github.com/benchfleet/benchfleet/pkg/api"
	"github.com/benchfleet/benchfleet/pkg/observability"
	"github.com/jonboulle/clockwork"
)

// Threshold is a warning/critical pair for one heartbeat metric
type Threshold struct {
	Warning  float64 `mapstructure:"warning"`
	Critical float64 `mapstructure:"critical"`
}

// AlertThresholds configures heartbeat resource alerts
type AlertThresholds struct {
	CPUPercent    Threshold
	MemoryPercent Threshold
	DiskPercent   Threshold
	Cooldown      time.Duration
}

// DefaultAlertThresholds returns the stock thresholds
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{
		CPUPercent:    Threshold{Warning: 80, Critical: 95},
		MemoryPercent: Threshold{Warning: 85, Critical: 95},
		DiskPercent:   Threshold{Warning: 90, Critical: 98},
		Cooldown:      5 * time.Minute,
	}
}

// alertEvaluator raises at most one alert per device, metric and level within the cooldown
type alertEvaluator struct {
	thresholds AlertThresholds
	clock      clockwork.Clock

	mu   sync.Mutex
	last map[string]time.Time // device|metric|level -> last alert
}

func newAlertEvaluator(thresholds AlertThresholds, clock clockwork.Clock) *alertEvaluator {
	return &alertEvaluator{
		thresholds: thresholds,
		clock:      clock,
		last:       make(map[string]time.Time),
	}
}

func (a *alertEvaluator) evaluate(deviceID string, info *api.SystemInfo) []observability.Event {
	checks := []struct {
		metric    string
		value     float64
		threshold Threshold
	}{
		{"cpu_percent", info.CPUUsagePercent, a.thresholds.CPUPercent},
		{"memory_percent", info.RAMUsagePercent, a.thresholds.MemoryPercent},
		{"disk_percent", info.DiskUsagePercent, a.thresholds.DiskPercent},
	}

	now := a.clock.Now()
	a.mu.Lock()
	defer a.mu.Unlock()

	var events []observability.Event
	for _, c := range checks {
		var (
			level    string
			limit    float64
			critical bool
		)
		switch {
		case c.threshold.Critical > 0 && c.value >= c.threshold.Critical:
			level, limit, critical = "critical", c.threshold.Critical, true
		case c.threshold.Warning > 0 && c.value >= c.threshold.Warning:
			level, limit = "warning", c.threshold.Warning
		default:
			continue
		}

		key := deviceID + "|" + c.metric + "|" + level
		if last, ok := a.last[key]; ok && now.Sub(last) < a.thresholds.Cooldown {
			continue
		}
		a.last[key] = now

		observability.DeviceAlertsTotal.WithLabelValues(c.metric, level).Inc()
		events = append(events, observability.NewDeviceAlertEvent(deviceID, c.metric, c.value, limit, critical))
	}
	return events
}
