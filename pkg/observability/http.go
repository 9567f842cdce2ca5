package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessCheck reports whether a dependency is ready to serve
type ReadinessCheck func(ctx context.Context) error

// MetricsServer serves Prometheus metrics over HTTP
type MetricsServer struct {
	addr   string
	logger *zap.Logger
	server *http.Server

	mu     sync.RWMutex
	checks map[string]ReadinessCheck
}

// NewMetricsServer creates a new metrics server
func NewMetricsServer(addr string, logger *zap.Logger) *MetricsServer {
	ms := &MetricsServer{
		addr:   addr,
		logger: logger,
		checks: make(map[string]ReadinessCheck),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", ms.readyHandler)

	ms.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ms
}

// AddReadinessCheck registers a named check consulted by /ready
func (ms *MetricsServer) AddReadinessCheck(name string, check ReadinessCheck) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.checks[name] = check
}

// Handler returns the server's HTTP handler
func (ms *MetricsServer) Handler() http.Handler {
	return ms.server.Handler
}

// Start starts the metrics server
func (ms *MetricsServer) Start() error {
	ms.logger.Info("Starting metrics server",
		zap.String("address", ms.addr),
	)

	// Start server in a goroutine
	go func() {
		if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ms.logger.Error("Metrics server error",
				zap.Error(err),
			)
		}
	}()

	return nil
}

// Stop stops the metrics server gracefully
func (ms *MetricsServer) Stop(ctx context.Context) error {
	ms.logger.Info("Stopping metrics server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := ms.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}

	return nil
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyHandler runs every registered readiness check
func (ms *MetricsServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for name, check := range ms.checks {
		if err := check(ctx); err != nil {
			ms.logger.Warn("Readiness check failed", zap.String("check", name), zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "NOT READY: %s", name)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

// statusRecorder captures the response status for middleware
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// RouteFunc resolves the route pattern of a handled request, keeping label cardinality bounded
type RouteFunc func(r *http.Request) string

// MetricsMiddleware records request counts and latencies per route
func MetricsMiddleware(route RouteFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			pattern := route(r)
			if pattern == "" {
				pattern = "unmatched"
			}
			HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).Inc()
			HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		})
	}
}
