package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benchfleet/benchfleet/pkg/api"
	"github.com/benchfleet/benchfleet/pkg/observability"
	"github.com/benchfleet/benchfleet/pkg/store"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DefaultStaleThreshold is how long a device may go without a heartbeat before it is offline.
	DefaultStaleThreshold = 5 * time.Minute

	// DefaultSweepInterval is how often the liveness sweep runs.
	DefaultSweepInterval = 30 * time.Second
)

// Config contains configuration for the device registry
type Config struct {
	Store          *store.Store
	Events         *observability.EventStream
	Logger         *zap.Logger
	Clock          clockwork.Clock
	StaleThreshold time.Duration
	SweepInterval  time.Duration
	Alerts         AlertThresholds
}

// Validate checks the configuration and applies defaults
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.Store == nil {
		result = multierror.Append(result, fmt.Errorf("store is required"))
	}
	if c.Logger == nil {
		result = multierror.Append(result, fmt.Errorf("logger is required"))
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = DefaultStaleThreshold
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Alerts.Cooldown == 0 {
		c.Alerts = DefaultAlertThresholds()
	}
	return result.ErrorOrNil()
}

// Registry tracks devices and demotes the ones that stop sending heartbeats
type Registry struct {
	store     *store.Store
	events    *observability.EventStream
	logger    *zap.Logger
	clock     clockwork.Clock
	threshold time.Duration
	interval  time.Duration
	alerts    *alertEvaluator

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a new device registry
func New(config Config) (*Registry, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registry config: %w", err)
	}

	return &Registry{
		store:     config.Store,
		events:    config.Events,
		logger:    config.Logger.With(zap.String("component", "registry")),
		clock:     config.Clock,
		threshold: config.StaleThreshold,
		interval:  config.SweepInterval,
		alerts:    newAlertEvaluator(config.Alerts, config.Clock),
	}, nil
}

// Start launches the liveness sweep loop
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("registry already started")
	}
	r.started = true
	r.stopCh, r.doneCh = make(chan struct{}), make(chan struct{})

	r.logger.Info("Starting device registry",
		zap.Duration("stale_threshold", r.threshold),
		zap.Duration("sweep_interval", r.interval),
	)
	go r.monitorLiveness(ctx, r.stopCh, r.doneCh)
	return nil
}

// Stop stops the liveness sweep loop and waits for it to exit
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.started = false
	stop, done := r.stopCh, r.doneCh
	r.mu.Unlock()
	if !started {
		return nil
	}

	r.logger.Info("Stopping device registry")
	close(stop)

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.logger.Info("Device registry stopped")
	return nil
}

// Threshold returns the staleness threshold
func (r *Registry) Threshold() time.Duration {
	return r.threshold
}

// NormalizeMAC canonicalises a MAC address into upper-case colon form.
func NormalizeMAC(mac string) string {
	mac = strings.ToUpper(strings.TrimSpace(mac))
	return strings.ReplaceAll(mac, "-", ":")
}

// Register upserts a device by MAC address and marks it online
func (r *Registry) Register(ctx context.Context, req api.RegisterRequest) (*api.Device, error) {
	mac := NormalizeMAC(req.MACAddress)
	if mac == "" {
		return nil, &store.ValidationError{Field: "mac_address", Message: "is required"}
	}

	now := r.clock.Now().UTC()
	var (
		device    *store.Device
		firstSeen bool
	)
	err := r.store.Transaction(ctx, func(tx *gorm.DB) error {
		repo := store.NewDeviceRepository(tx)
		existing, err := repo.FindByMAC(mac)
		if err != nil && !store.IsNotFoundError(err) {
			return err
		}

		if existing == nil {
			firstSeen = true
			existing = &store.Device{
				ID:           uuid.New().String(),
				MACAddress:   mac,
				RegisteredAt: now,
			}
		}

		existing.DeviceName = req.DeviceName
		existing.Hostname = req.Hostname
		existing.IPAddress = req.IPAddress
		existing.AgentVersion = req.AgentVersion
		existing.Hardware = req.Hardware
		existing.Status = api.DeviceOnline
		existing.LastSeenAt = now
		device = existing

		if firstSeen {
			return repo.Create(existing)
		}
		return repo.Save(existing)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register device %s: %w", mac, err)
	}

	kind := "returning"
	if firstSeen {
		kind = "new"
	}
	observability.DeviceRegistrationsTotal.WithLabelValues(kind).Inc()

	r.logger.Info("Device registered",
		zap.String("device_id", device.ID),
		zap.String("mac_address", mac),
		zap.String("hostname", device.Hostname),
		zap.Bool("first_seen", firstSeen),
	)
	r.recordEvent(ctx, observability.NewDeviceRegisteredEvent(device.ID, mac, device.Hostname, firstSeen))

	out := device.API()
	return &out, nil
}

// Heartbeat refreshes a device's liveness and reported status. Last write wins.
func (r *Registry) Heartbeat(ctx context.Context, req api.HeartbeatRequest) (*api.Device, error) {
	mac := NormalizeMAC(req.MACAddress)
	if mac == "" {
		return nil, &store.ValidationError{Field: "mac_address", Message: "is required"}
	}
	status := req.Status
	if status == "" {
		status = api.DeviceOnline
	}
	if !status.Valid() {
		return nil, &store.ValidationError{Field: "status", Message: fmt.Sprintf("unknown device status %q", req.Status)}
	}

	now := r.clock.Now().UTC()
	var device *store.Device
	err := r.store.Transaction(ctx, func(tx *gorm.DB) error {
		repo := store.NewDeviceRepository(tx)
		d, err := repo.FindByMAC(mac)
		if err != nil {
			return err
		}
		d.LastSeenAt = now
		d.Status = status
		d.CurrentTaskID = req.CurrentTaskID
		if req.SystemInfo != nil {
			d.SystemInfo = req.SystemInfo
		}
		device = d
		return repo.Save(d)
	})
	if err != nil {
		if store.IsNotFoundError(err) {
			observability.HeartbeatsTotal.WithLabelValues("unknown_device").Inc()
			return nil, err
		}
		observability.HeartbeatsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to process heartbeat from %s: %w", mac, err)
	}
	observability.HeartbeatsTotal.WithLabelValues("ok").Inc()

	if req.SystemInfo != nil {
		for _, ev := range r.alerts.evaluate(device.ID, req.SystemInfo) {
			r.recordEvent(ctx, ev)
		}
	}

	out := device.API()
	return &out, nil
}

// Get returns a device by id
func (r *Registry) Get(ctx context.Context, id string) (*api.Device, error) {
	d, err := store.NewDeviceRepository(r.store.DB(ctx)).FindByID(id)
	if err != nil {
		return nil, err
	}
	out := d.API()
	return &out, nil
}

// List returns every device, optionally filtered by status
func (r *Registry) List(ctx context.Context, status api.DeviceStatus) ([]api.Device, error) {
	if status != "" && !status.Valid() {
		return nil, &store.ValidationError{Field: "status", Message: fmt.Sprintf("unknown device status %q", status)}
	}
	devices, err := store.NewDeviceRepository(r.store.DB(ctx)).List(status)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	out := make([]api.Device, 0, len(devices))
	for i := range devices {
		out = append(out, devices[i].API())
	}
	return out, nil
}

// OnlineDeviceIDs returns the ids of every device not currently offline
func (r *Registry) OnlineDeviceIDs(ctx context.Context) ([]string, error) {
	devices, err := store.NewDeviceRepository(r.store.DB(ctx)).List("")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		if d.Status != api.DeviceOffline {
			ids = append(ids, d.ID)
		}
	}
	return ids, nil
}

// Sweep demotes every device whose last heartbeat is older than the threshold.
// Running it again without new heartbeats changes nothing. It returns the demoted devices.
func (r *Registry) Sweep(ctx context.Context) ([]api.Device, error) {
	start := time.Now()
	defer func() {
		observability.LivenessSweepDuration.Observe(time.Since(start).Seconds())
	}()

	now := r.clock.Now().UTC()
	cutoff := now.Add(-r.threshold)

	repo := store.NewDeviceRepository(r.store.DB(ctx))
	stale, err := repo.ListStale(cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale devices: %w", err)
	}

	demoted := make([]api.Device, 0, len(stale))
	for i := range stale {
		d := &stale[i]
		changed, err := repo.MarkOffline(d.ID, cutoff)
		if err != nil {
			r.logger.Error("Failed to mark device offline", zap.String("device_id", d.ID), zap.Error(err))
			continue
		}
		if !changed {
			// A heartbeat landed between the read and the update
			continue
		}

		r.logger.Warn("Device marked as offline",
			zap.String("device_id", d.ID),
			zap.String("mac_address", d.MACAddress),
			zap.Duration("since_heartbeat", now.Sub(d.LastSeenAt)),
		)
		observability.DeviceOfflineTransitionsTotal.Inc()
		r.recordEvent(ctx, observability.NewDeviceOfflineEvent(d.ID, d.MACAddress, d.LastSeenAt, r.threshold))

		d.Status = api.DeviceOffline
		demoted = append(demoted, d.API())
	}

	r.refreshGauges(ctx)
	return demoted, nil
}

// monitorLiveness runs the sweep on every tick
func (r *Registry) monitorLiveness(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.Chan():
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("Liveness sweep failed", zap.Error(err))
			}
		}
	}
}

func (r *Registry) refreshGauges(ctx context.Context) {
	counts, err := store.NewDeviceRepository(r.store.DB(ctx)).CountByStatus()
	if err != nil {
		r.logger.Debug("Failed to count devices", zap.Error(err))
		return
	}
	for status, n := range counts {
		observability.DevicesByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (r *Registry) recordEvent(ctx context.Context, ev observability.Event) {
	if r.events != nil {
		r.events.RecordEvent(ctx, ev)
	}
}
