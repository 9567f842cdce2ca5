package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/benchfleet/benchfleet/pkg/api"
	"github.com/benchfleet/benchfleet/pkg/observability"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ClientConfig configures the coordinator client
type ClientConfig struct {
	BaseURL         string
	Timeout         time.Duration
	DownloadTimeout time.Duration
	RetryAttempts   uint
	RetryDelay      time.Duration
	RateLimit       rate.Limit
	RateBurst       int
	HTTPClient      *http.Client
	Logger          *zap.Logger
}

// Validate checks the configuration and applies defaults
func (c *ClientConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("coordinator URL is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid coordinator URL: %w", err)
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = 2 * time.Hour
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 20
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 10
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	return nil
}

// StatusError is a non-2xx reply from the coordinator
type StatusError struct {
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("coordinator returned %d: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the coordinator
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// retryable reports whether a failed call may succeed if repeated
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// Client talks to the coordinator over HTTP. Calls are paced by a token bucket,
// retried with a fixed delay and guarded by a circuit breaker.
type Client struct {
	baseURL  string
	http     *http.Client
	timeout  time.Duration
	download time.Duration
	attempts uint
	delay    time.Duration
	limiter  *rate.Limiter
	cb       *gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewClient creates a coordinator client
func NewClient(config ClientConfig) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	logger := config.Logger.With(zap.String("component", "client"))
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "coordinator",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Client errors mean the coordinator is up.
		IsSuccessful: func(err error) bool {
			return err == nil || !retryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.AgentClientBreakerState.Set(float64(to))
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Client{
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		http:     config.HTTPClient,
		timeout:  config.Timeout,
		download: config.DownloadTimeout,
		attempts: config.RetryAttempts,
		delay:    config.RetryDelay,
		limiter:  rate.NewLimiter(config.RateLimit, config.RateBurst),
		cb:       cb,
		logger:   logger,
	}, nil
}

// Register announces the device and returns its coordinator record
func (c *Client) Register(ctx context.Context, req api.RegisterRequest) (*api.Device, error) {
	var device api.Device
	if err := c.do(ctx, http.MethodPost, "/agent/register", req, &device); err != nil {
		return nil, err
	}
	return &device, nil
}

// Heartbeat reports liveness and resource usage
func (c *Client) Heartbeat(ctx context.Context, req api.HeartbeatRequest) error {
	return c.do(ctx, http.MethodPost, "/agent/heartbeat", req, nil)
}

// PendingTasks returns the tasks visible to the device
func (c *Client) PendingTasks(ctx context.Context, deviceID string) ([]api.PendingTask, error) {
	var tasks []api.PendingTask
	err := c.do(ctx, http.MethodGet, "/tasks/pending?device_id="+url.QueryEscape(deviceID), nil, &tasks)
	return tasks, err
}

// StartExecution claims a task and opens an execution
func (c *Client) StartExecution(ctx context.Context, req api.StartExecutionRequest) (*api.StartExecutionResponse, error) {
	var resp api.StartExecutionResponse
	if err := c.do(ctx, http.MethodPost, "/executions/start", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CompleteExecution closes an execution with its final samples
func (c *Client) CompleteExecution(ctx context.Context, executionID string, req api.CompleteExecutionRequest) (*api.CompleteExecutionResponse, error) {
	var resp api.CompleteExecutionResponse
	if err := c.do(ctx, http.MethodPut, "/executions/"+url.PathEscape(executionID)+"/complete", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PushMetrics appends a partial batch of samples to a running execution
func (c *Client) PushMetrics(ctx context.Context, executionID string, samples []api.MetricSample) error {
	return c.do(ctx, http.MethodPost, "/executions/"+url.PathEscape(executionID)+"/metrics",
		api.PushMetricsRequest{MetricsData: samples}, nil)
}

// ReportSoftwareError fails a task because provisioning did not succeed
func (c *Client) ReportSoftwareError(ctx context.Context, taskID string, req api.SoftwareErrorRequest) error {
	return c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/software_error", req, nil)
}

// PendingCommands returns the device's undelivered and unacknowledged commands
func (c *Client) PendingCommands(ctx context.Context, deviceID string) ([]api.ControlCommand, error) {
	var list api.CommandList
	if err := c.do(ctx, http.MethodGet, "/commands/pending?device_id="+url.QueryEscape(deviceID), nil, &list); err != nil {
		return nil, err
	}
	return list.Items, nil
}

// AcknowledgeCommand moves a command to executing
func (c *Client) AcknowledgeCommand(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/commands/"+url.PathEscape(id)+"/acknowledge", nil, nil)
}

// CompleteCommand records a command's outcome
func (c *Client) CompleteCommand(ctx context.Context, id string, req api.CompleteCommandRequest) error {
	return c.do(ctx, http.MethodPost, "/commands/"+url.PathEscape(id)+"/complete", req, nil)
}

// Software returns one catalog entry
func (c *Client) Software(ctx context.Context, code string) (*api.SoftwareDescriptor, error) {
	var sw api.SoftwareDescriptor
	if err := c.do(ctx, http.MethodGet, "/software/"+url.PathEscape(code), nil, &sw); err != nil {
		return nil, err
	}
	return &sw, nil
}

// Download streams a software package into dir and returns the file path.
// It makes a single attempt; any non-200 reply is returned as a StatusError.
func (c *Client) Download(ctx context.Context, code, dir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.download)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/software/"+url.PathEscape(code)+"/download", nil)
	if err != nil {
		return "", err
	}
	observability.InjectHeaders(ctx, req)
	observability.InjectTraceHeaders(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", code, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: %w", code, readStatusError(resp))
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}
	path := filepath.Join(dir, packageFilename(resp.Header.Get("Content-Disposition"), code))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("download %s: %w", code, err)
	}

	c.logger.Info("Package downloaded",
		zap.String("code", code),
		zap.String("path", path),
		zap.Int64("bytes", n),
	)
	return path, nil
}

func packageFilename(disposition, fallback string) string {
	if _, params, err := mime.ParseMediaType(disposition); err == nil {
		if name := filepath.Base(params["filename"]); name != "" && name != "." && name != "/" {
			return name
		}
	}
	return fallback
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	_, err := c.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(c.attempts),
			retry.LastErrorOnly(true),
			retry.RetryIf(retryable),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				var se *StatusError
				if errors.As(err, &se) && se.RetryAfter > 0 {
					return se.RetryAfter
				}
				return c.delay
			}),
		)
		return nil, r.Do(func() error {
			return c.attempt(ctx, method, path, body, out)
		})
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) attempt(ctx context.Context, method, path string, body []byte, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	observability.InjectHeaders(ctx, req)
	observability.InjectTraceHeaders(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return readStatusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func readStatusError(resp *http.Response) error {
	se := &StatusError{Code: resp.StatusCode}
	var payload api.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		se.Message = payload.Error
	} else {
		se.Message = strings.TrimSpace(string(raw))
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		se.RetryAfter = time.Duration(secs) * time.Second
	}
	return se
}
