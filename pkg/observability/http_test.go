package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

func TestMetricsServer_Endpoints(t *testing.T) {
	server := NewMetricsServer("localhost:0", zap.NewNop())

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{path: "/health", wantStatus: http.StatusOK, wantBody: "OK"},
		{path: "/ready", wantStatus: http.StatusOK, wantBody: "READY"},
		{path: "/metrics", wantStatus: http.StatusOK, wantBody: "go_goroutines"},
		{path: "/missing", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("GET %s status = %d, want %d", tt.path, rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("GET %s body = %q, want it to contain %q", tt.path, rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestMetricsServer_ReadinessCheckFails(t *testing.T) {
	server := NewMetricsServer("localhost:0", zap.NewNop())
	server.AddReadinessCheck("store", func(ctx context.Context) error {
		return errors.New("database is closed")
	})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "store") {
		t.Errorf("body should name the failing check, got %q", rec.Body.String())
	}
}

func TestMetricsServer_StartStop(t *testing.T) {
	server := NewMetricsServer("127.0.0.1:0", zap.NewNop())
	if err := server.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := server.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestMetricsMiddleware_RecordsRoute(t *testing.T) {
	handler := MetricsMiddleware(func(r *http.Request) string { return "/teapot" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
	)

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/teapot", "418"))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/teapot/1", nil))
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/teapot", "418"))

	if after-before != 1 {
		t.Errorf("request counter delta = %v, want 1", after-before)
	}
}
