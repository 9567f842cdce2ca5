package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benchfleet/benchfleet/pkg/api"
	"github.com/benchfleet/benchfleet/pkg/coordinator/commands"
	"github.com/benchfleet/benchfleet/pkg/coordinator/httpapi"
	"github.com/benchfleet/benchfleet/pkg/coordinator/registry"
	"github.com/benchfleet/benchfleet/pkg/coordinator/tasks"
	"github.com/benchfleet/benchfleet/pkg/observability"
	"github.com/benchfleet/benchfleet/pkg/scheduler"
	"github.com/benchfleet/benchfleet/pkg/store"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config represents the coordinator configuration
type Config struct {
	DataDir     string
	BindAddr    string
	MetricsAddr string
	Logger      *zap.Logger
	Clock       clockwork.Clock

	// Store defaults to SQLite under DataDir
	StoreDriver store.Driver
	StoreDSN    string

	// PackageDir holds software packages served to agents; defaults to DataDir/packages
	PackageDir string

	StaleThreshold    time.Duration
	SweepInterval     time.Duration
	SchedulerInterval time.Duration
	ClaimMode         api.ClaimMode
	Alerts            registry.AlertThresholds

	RateLimit float64
	RateBurst int

	EventBufferSize int
}

// Validate validates the coordinator configuration
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.DataDir == "" {
		result = multierror.Append(result, fmt.Errorf("data directory is required"))
	}
	if c.BindAddr == "" {
		result = multierror.Append(result, fmt.Errorf("bind address is required"))
	}
	if c.Logger == nil {
		result = multierror.Append(result, fmt.Errorf("logger is required"))
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.StoreDriver == "" {
		c.StoreDriver = store.DriverSQLite
	}
	if c.StoreDSN == "" && c.StoreDriver == store.DriverSQLite && c.DataDir != "" {
		c.StoreDSN = filepath.Join(c.DataDir, "benchfleet.db")
	}
	if c.PackageDir == "" && c.DataDir != "" {
		c.PackageDir = filepath.Join(c.DataDir, "packages")
	}
	if c.ClaimMode == "" {
		c.ClaimMode = api.ClaimShared
	}
	if c.RateLimit < 0 {
		result = multierror.Append(result, fmt.Errorf("rate limit must not be negative"))
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = 10000
	}
	return result.ErrorOrNil()
}

// Coordinator owns the fleet state and serves the agent and operator APIs
type Coordinator struct {
	config *Config
	logger *zap.Logger

	store     *store.Store
	events    *observability.EventStream
	registry  *registry.Registry
	tasks     *tasks.Service
	catalog   *tasks.Catalog
	commands  *commands.Queue
	scheduler *scheduler.Scheduler

	server        *http.Server
	metricsServer *observability.MetricsServer

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new coordinator instance
func New(config *Config) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &Coordinator{
		config: config,
		logger: config.Logger,
	}

	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(config.PackageDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create package directory: %w", err)
	}

	config.Logger.Info("Opening store", zap.String("driver", string(config.StoreDriver)))
	st, err := store.Open(store.Config{
		Driver: config.StoreDriver,
		DSN:    config.StoreDSN,
		Logger: config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	c.store = st

	c.events = observability.NewEventStream(observability.EventStreamConfig{
		MaxSize:   config.EventBufferSize,
		Retention: 24 * time.Hour,
	}, config.Logger)

	if err := c.buildServices(); err != nil {
		_ = st.Close()
		return nil, err
	}

	router, err := httpapi.NewRouter(httpapi.Config{
		Registry:  c.registry,
		Tasks:     c.tasks,
		Catalog:   c.catalog,
		Commands:  c.commands,
		Scheduler: c.scheduler,
		Events:    c.events,
		Logger:    config.Logger,
		RateLimit: rate.Limit(config.RateLimit),
		RateBurst: config.RateBurst,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	c.server = &http.Server{
		Addr:              config.BindAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if config.MetricsAddr != "" {
		c.metricsServer = observability.NewMetricsServer(config.MetricsAddr, config.Logger)
		c.metricsServer.AddReadinessCheck("store", c.store.Ping)
	}

	return c, nil
}

func (c *Coordinator) buildServices() error {
	cfg := c.config
	var err error

	cfg.Logger.Info("Initializing device registry")
	c.registry, err = registry.New(registry.Config{
		Store:          c.store,
		Events:         c.events,
		Logger:         cfg.Logger,
		Clock:          cfg.Clock,
		StaleThreshold: cfg.StaleThreshold,
		SweepInterval:  cfg.SweepInterval,
		Alerts:         cfg.Alerts,
	})
	if err != nil {
		return err
	}

	cfg.Logger.Info("Initializing task service", zap.String("claim_mode", string(cfg.ClaimMode)))
	c.tasks, err = tasks.New(tasks.Config{
		Store:     c.store,
		Events:    c.events,
		Logger:    cfg.Logger,
		Clock:     cfg.Clock,
		ClaimMode: cfg.ClaimMode,
	})
	if err != nil {
		return err
	}
	c.catalog = tasks.NewCatalog(c.store, cfg.Logger, cfg.PackageDir)

	c.commands, err = commands.New(commands.Config{
		Store:  c.store,
		Events: c.events,
		Logger: cfg.Logger,
		Clock:  cfg.Clock,
	})
	if err != nil {
		return err
	}

	cfg.Logger.Info("Initializing scheduler")
	c.scheduler, err = scheduler.New(scheduler.Config{
		Store:    c.store,
		Events:   c.events,
		Logger:   cfg.Logger,
		Clock:    cfg.Clock,
		Interval: cfg.SchedulerInterval,
	})
	if err != nil {
		return err
	}
	c.tasks.SetCompletionListener(c.scheduler)
	return nil
}

// Start starts the background loops and the HTTP servers
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info("Starting coordinator",
		zap.String("bind_addr", c.config.BindAddr),
		zap.String("metrics_addr", c.config.MetricsAddr),
	)

	if err := c.registry.Start(ctx); err != nil {
		return fmt.Errorf("failed to start registry: %w", err)
	}
	if err := c.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	if c.metricsServer != nil {
		if err := c.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	lis, err := net.Listen("tcp", c.config.BindAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.config.BindAddr, err)
	}
	c.mu.Lock()
	c.listener = lis
	c.mu.Unlock()

	go func() {
		if err := c.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	c.logger.Info("Coordinator started successfully", zap.String("address", lis.Addr().String()))
	return nil
}

// Addr returns the address the API is listening on, or "" before Start
func (c *Coordinator) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop stops the coordinator
func (c *Coordinator) Stop(ctx context.Context) error {
	c.logger.Info("Stopping coordinator")
	var result *multierror.Error

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.server.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("http server: %w", err))
	}

	if err := c.scheduler.Stop(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("scheduler: %w", err))
	}
	if err := c.registry.Stop(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("registry: %w", err))
	}
	if c.metricsServer != nil {
		if err := c.metricsServer.Stop(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := c.store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("store: %w", err))
	}

	if err := result.ErrorOrNil(); err != nil {
		c.logger.Error("Coordinator stopped with errors", zap.Error(err))
		return err
	}
	c.logger.Info("Coordinator stopped")
	return nil
}

// Handler returns the API handler, for embedding in tests
func (c *Coordinator) Handler() http.Handler {
	return c.server.Handler
}

// Registry returns the device registry
func (c *Coordinator) Registry() *registry.Registry {
	return c.registry
}

// Tasks returns the task service
func (c *Coordinator) Tasks() *tasks.Service {
	return c.tasks
}

// Catalog returns the software catalog
func (c *Coordinator) Catalog() *tasks.Catalog {
	return c.catalog
}

// Commands returns the command queue
func (c *Coordinator) Commands() *commands.Queue {
	return c.commands
}

// Scheduler returns the scheduler
func (c *Coordinator) Scheduler() *scheduler.Scheduler {
	return c.scheduler
}

// Events returns the domain event stream
func (c *Coordinator) Events() *observability.EventStream {
	return c.events
}
