package config

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benchfleet/benchfleet/pkg/api"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("coordinator", "", "")
	cmd.Flags().String("config", "", "")
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestLoadConfig_Defaults(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")
	cfg, err := LoadConfig(newFlagCommand(t, "--config", missing))
	require.NoError(t, err)
	assert.Equal(t, DefaultCoordinator, cfg.Coordinator)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
}

func TestLoadConfig_FileThenFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("coordinator: bench-coord:8080/\ntimeout: 3s\n"), 0644))

	cfg, err := LoadConfig(newFlagCommand(t, "--config", path))
	require.NoError(t, err)
	assert.Equal(t, "http://bench-coord:8080", cfg.Coordinator)
	assert.Equal(t, 3*time.Second, cfg.Timeout)

	cfg, err = LoadConfig(newFlagCommand(t, "--config", path, "--coordinator", "https://override"))
	require.NoError(t, err)
	assert.Equal(t, "https://override", cfg.Coordinator)
}

func TestLoadConfig_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("coordinator: [unterminated\n"), 0644))

	_, err := LoadConfig(newFlagCommand(t, "--config", path))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestClient_DecodesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tasks/missing":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"task not found"}`))
		case "/plain":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		}
	}))
	defer srv.Close()

	client := (&Config{Coordinator: srv.URL, Timeout: time.Second}).NewClient()

	err := client.Get("/tasks/missing", nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "task not found", apiErr.Message)

	err = client.Get("/plain", nil)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "boom", apiErr.Message)

	var resp api.StatusResponse
	require.NoError(t, client.Post("/echo", map[string]string{"k": "v"}, &resp))
	assert.Equal(t, "ok", resp.Status)
}
