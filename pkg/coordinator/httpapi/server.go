package httpapi

import (
	"fmt"
	"net/http"

	"github.com/benchfleet/benchfleet/pkg/coordinator/commands"
	"github.com/benchfleet/benchfleet/pkg/coordinator/registry"
	"github.com/benchfleet/benchfleet/pkg/coordinator/tasks"
	"github.com/benchfleet/benchfleet/pkg/observability"
	"github.com/benchfleet/benchfleet/pkg/scheduler"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const tracerName = "benchfleet/coordinator"

// Config wires the coordinator services into the HTTP surface
type Config struct {
	Registry  *registry.Registry
	Tasks     *tasks.Service
	Catalog   *tasks.Catalog
	Commands  *commands.Queue
	Scheduler *scheduler.Scheduler
	Events    *observability.EventStream
	Logger    *zap.Logger

	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit rate.Limit
	RateBurst int
}

// Validate checks that every service is present
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.Registry == nil {
		result = multierror.Append(result, fmt.Errorf("registry is required"))
	}
	if c.Tasks == nil {
		result = multierror.Append(result, fmt.Errorf("task service is required"))
	}
	if c.Catalog == nil {
		result = multierror.Append(result, fmt.Errorf("software catalog is required"))
	}
	if c.Commands == nil {
		result = multierror.Append(result, fmt.Errorf("command queue is required"))
	}
	if c.Scheduler == nil {
		result = multierror.Append(result, fmt.Errorf("scheduler is required"))
	}
	if c.Logger == nil {
		result = multierror.Append(result, fmt.Errorf("logger is required"))
	}
	if c.RateLimit < 0 {
		result = multierror.Append(result, fmt.Errorf("rate limit must not be negative"))
	}
	return result.ErrorOrNil()
}

type handler struct {
	registry  *registry.Registry
	tasks     *tasks.Service
	catalog   *tasks.Catalog
	commands  *commands.Queue
	scheduler *scheduler.Scheduler
	events    *observability.EventStream
	logger    *zap.Logger
}

// NewRouter builds the chi router serving the agent protocol and the operator API
func NewRouter(cfg Config) (http.Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid http api config: %w", err)
	}

	h := &handler{
		registry:  cfg.Registry,
		tasks:     cfg.Tasks,
		catalog:   cfg.Catalog,
		commands:  cfg.Commands,
		scheduler: cfg.Scheduler,
		events:    cfg.Events,
		logger:    cfg.Logger.Named("http"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.CorrelationMiddleware(h.logger))
	r.Use(observability.TracingMiddleware(tracerName))
	r.Use(observability.MetricsMiddleware(routePattern))
	if cfg.RateLimit > 0 {
		r.Use(newClientLimiter(cfg.RateLimit, cfg.RateBurst).middleware)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorMessage(w, http.StatusNotFound, "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	// Agent protocol
	r.Route("/agent", func(r chi.Router) {
		r.Post("/register", h.register)
		r.Post("/heartbeat", h.heartbeat)
	})

	r.Route("/devices", func(r chi.Router) {
		r.Get("/", h.listDevices)
		r.Get("/{id}", h.getDevice)
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", h.listTasks)
		r.Post("/", h.createTask)
		r.Get("/pending", h.pendingTasks)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getTask)
			r.Post("/cancel", h.cancelTask)
			r.Post("/retry", h.retryTask)
			r.Get("/executions", h.taskExecutions)
			r.Post("/software_error", h.softwareError)
		})
	})

	r.Route("/executions", func(r chi.Router) {
		r.Post("/start", h.startExecution)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getExecution)
			r.Put("/complete", h.completeExecution)
			r.Post("/metrics", h.pushMetrics)
			r.Get("/metrics", h.executionMetrics)
		})
	})

	r.Route("/commands", func(r chi.Router) {
		r.Get("/", h.listCommands)
		r.Post("/", h.enqueueCommand)
		r.Get("/pending", h.pendingCommands)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getCommand)
			r.Post("/acknowledge", h.acknowledgeCommand)
			r.Post("/complete", h.completeCommand)
		})
	})

	r.Route("/software", func(r chi.Router) {
		r.Get("/", h.listSoftware)
		r.Post("/", h.registerSoftware)
		r.Get("/{code}", h.getSoftware)
		r.Get("/{code}/download", h.downloadSoftware)
	})

	r.Route("/scheduler", func(r chi.Router) {
		r.Get("/status", h.schedulerStatus)
		r.Get("/jobs", h.listJobs)
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", h.getJob)
			r.Delete("/", h.removeJob)
			r.Post("/pause", h.pauseJob)
			r.Post("/resume", h.resumeJob)
			r.Post("/run", h.runJob)
		})
	})

	r.Get("/events", h.listEvents)
	r.Get("/status", h.fleetStatus)

	return r, nil
}

// routePattern labels metrics with the matched chi pattern instead of the raw path
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	return rctx.RoutePattern()
}
