package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benchfleet/benchfleet/pkg/api"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// DefaultCoordinator is used when neither flag, env nor config file names one
const DefaultCoordinator = "http://localhost:8080"

// Config holds CLI configuration
type Config struct {
	Coordinator string        `mapstructure:"coordinator"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// LoadConfig loads configuration from file, environment and flags, in rising precedence
func LoadConfig(cmd *cobra.Command) (*Config, error) {
	cfg := &Config{}

	configFile, _ := cmd.Flags().GetString("config")
	if configFile == "" {
		// Default to $HOME/.benchfleet/config.yaml
		home, err := os.UserHomeDir()
		if err == nil {
			configFile = filepath.Join(home, ".benchfleet", "config.yaml")
		}
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BENCHFLEET")
	v.AutomaticEnv()
	_ = v.BindEnv("coordinator")
	_ = v.BindEnv("timeout")
	v.SetDefault("timeout", 10*time.Second)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if coordinator, _ := cmd.Flags().GetString("coordinator"); coordinator != "" {
		cfg.Coordinator = coordinator
	}
	if cfg.Coordinator == "" {
		cfg.Coordinator = DefaultCoordinator
	}
	if !strings.Contains(cfg.Coordinator, "://") {
		cfg.Coordinator = "http://" + cfg.Coordinator
	}
	cfg.Coordinator = strings.TrimRight(cfg.Coordinator, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return cfg, nil
}

// APIError is a non-2xx reply from the coordinator
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coordinator returned %d: %s", e.Status, e.Message)
}

// Client is the operator-side HTTP client
type Client struct {
	base    string
	http    *http.Client
	timeout time.Duration
}

// NewClient creates a client for the configured coordinator
func (c *Config) NewClient() *Client {
	return &Client{base: c.Coordinator, http: &http.Client{}, timeout: c.Timeout}
}

// Get decodes GET path into out
func (c *Client) Get(path string, out interface{}) error {
	return c.Do(http.MethodGet, path, nil, out)
}

// Post sends in as JSON and decodes the reply into out
func (c *Client) Post(path string, in, out interface{}) error {
	return c.Do(http.MethodPost, path, in, out)
}

// Delete issues DELETE path
func (c *Client) Delete(path string, out interface{}) error {
	return c.Do(http.MethodDelete, path, nil, out)
}

// Do performs one request with the configured timeout
func (c *Client) Do(method, path string, in, out interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach coordinator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var payload api.ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
