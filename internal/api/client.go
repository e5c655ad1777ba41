package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nuralogix/dfx-api-client-go/internal/auth"
	"github.com/nuralogix/dfx-api-client-go/internal/metrics"
	"github.com/nuralogix/dfx-api-client-go/internal/protocol"
	"github.com/nuralogix/dfx-api-client-go/internal/session"
)

const (
	defaultTimeout       = 30 * time.Second
	defaultMaxRetries    = 3
	defaultMaxConcurrent = 4
	defaultRetryBackoff  = time.Second
	maxRetryBackoff      = 30 * time.Second

	// DefaultResolution is the measurement resolution requested on creation
	DefaultResolution = 100

	userAgent = "dfx-api-client-go/1.0"
)

// Config contains API client configuration
type Config struct {
	BaseURL       string
	Token         string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int

	// RetryBackoff is the first retry delay; it doubles per attempt
	RetryBackoff time.Duration

	// UserProfileID is sent with every measurement creation
	UserProfileID string
}

// StatusError is a non-2xx answer from the API
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP error %d: %s", e.Status, e.Code)
	}
	return fmt.Sprintf("HTTP error %d", e.Status)
}

// Unwrap maps API error codes onto the auth sentinels
func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == "INVALID_USER":
		return auth.ErrInvalidUser
	case e.Code == "INVALID_PASSWORD":
		return auth.ErrInvalidPassword
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return auth.ErrUnauthorized
	}
	return nil
}

// Client talks to the DFX REST API
type Client struct {
	config     Config
	httpClient *http.Client
	sem        *semaphore.Weighted
	metrics    *metrics.Metrics
	logger     *slog.Logger

	// onUnauthorized returns a new user token when session creation is
	// rejected with an auth error
	onUnauthorized func(ctx context.Context) (string, error)

	mu    sync.RWMutex
	token string

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration
	active          int
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// NewClient creates a new API client. m may be nil.
func NewClient(config Config, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base url cannot be empty")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = defaultMaxRetries
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaultMaxConcurrent
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaultRetryBackoff
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		sem:        semaphore.NewWeighted(int64(config.MaxConcurrent)),
		metrics:    m,
		logger:     logger,
		token:      config.Token,
	}, nil
}

// SetToken replaces the user token used for measurement calls
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current user token
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// OnUnauthorized installs the callback used to obtain a new user token
// when session creation fails with auth.ErrUnauthorized
func (c *Client) OnUnauthorized(fn func(ctx context.Context) (string, error)) {
	c.onUnauthorized = fn
}

type registerRequest struct {
	Key          string `json:"Key"`
	DeviceTypeID string `json:"DeviceTypeID"`
	Name         string `json:"Name"`
	Identifier   string `json:"Identifier"`
	Version      string `json:"Version"`
}

// RegisterDevice registers a device under the license and returns the
// device token
func (c *Client) RegisterDevice(ctx context.Context, licenseKey, deviceName string) (string, error) {
	body := registerRequest{
		Key:          licenseKey,
		DeviceTypeID: "LINUX",
		Name:         deviceName,
		Identifier:   "DFXCLIENT",
		Version:      "1.0.0",
	}

	var resp protocol.RESTResponse
	if err := c.call(ctx, "register_device", http.MethodPost, "/organizations/licenses", "", body, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("registration response has no token")
	}
	return resp.Token, nil
}

// Login authenticates a user with the device token and returns the user
// token. Unknown users and wrong passwords match auth.ErrInvalidUser and
// auth.ErrInvalidPassword.
func (c *Client) Login(ctx context.Context, email, password, deviceToken string) (string, error) {
	body := map[string]string{"Email": email, "Password": password}

	var resp protocol.RESTResponse
	if err := c.call(ctx, "login", http.MethodPost, "/users/auth", deviceToken, body, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("login response has no token")
	}
	return resp.Token, nil
}

// createUserRequest mirrors auth.Profile field for field
type createUserRequest struct {
	Email       string `json:"Email"`
	Password    string `json:"Password"`
	FirstName   string `json:"FirstName"`
	LastName    string `json:"LastName"`
	PhoneNumber string `json:"PhoneNumber"`
	Gender      string `json:"Gender"`
	DateOfBirth string `json:"DateOfBirth"`
	HeightCm    string `json:"HeightCm"`
	WeightKg    string `json:"WeightKg"`
}

// CreateUser creates the user described by profile and returns its id
func (c *Client) CreateUser(ctx context.Context, profile auth.Profile, deviceToken string) (string, error) {
	body := createUserRequest(profile)

	var resp protocol.RESTResponse
	if err := c.call(ctx, "create_user", http.MethodPost, "/users", deviceToken, body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create user response has no id")
	}
	return resp.ID, nil
}

type createMeasurementRequest struct {
	StudyID       string `json:"StudyID"`
	Resolution    int    `json:"Resolution"`
	UserProfileID string `json:"UserProfileID"`
	Mode          string `json:"Mode"`
}

// CreateSession creates a measurement and returns its id. An auth failure
// refreshes the user token once through the OnUnauthorized callback.
func (c *Client) CreateSession(ctx context.Context, studyID string, mode session.Mode) (string, error) {
	body := createMeasurementRequest{
		StudyID:       studyID,
		Resolution:    DefaultResolution,
		UserProfileID: c.config.UserProfileID,
		Mode:          string(mode),
	}

	var resp protocol.RESTResponse
	err := c.call(ctx, "create_measurement", http.MethodPost, "/measurements", c.Token(), body, &resp)
	if errors.Is(err, auth.ErrUnauthorized) && c.onUnauthorized != nil {
		c.logger.Warn("Measurement creation unauthorized, refreshing token")
		token, rerr := c.onUnauthorized(ctx)
		if rerr != nil {
			return "", fmt.Errorf("failed to refresh token: %w", rerr)
		}
		c.SetToken(token)
		err = c.call(ctx, "create_measurement", http.MethodPost, "/measurements", token, body, &resp)
	}
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create measurement response has no id")
	}

	c.logger.Info("Measurement created",
		slog.String("measurement_id", resp.ID),
		slog.String("study_id", studyID),
		slog.String("mode", string(mode)),
	)
	return resp.ID, nil
}

// RetrieveResults fetches the stored results of a measurement
func (c *Client) RetrieveResults(ctx context.Context, sessionID string) (json.RawMessage, error) {
	var raw json.RawMessage
	path := "/measurements/" + url.PathEscape(sessionID)
	if err := c.call(ctx, "retrieve_measurement", http.MethodGet, path, c.Token(), nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// call runs one API operation under the concurrency limit, retrying
// transient failures with exponential backoff
func (c *Client) call(ctx context.Context, op, method, path, token string, body, out any) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	c.begin()
	defer c.end()

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
	}

	startTime := time.Now()
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()
			if c.metrics != nil {
				c.metrics.RecordAPIRetry()
			}

			backoff := c.config.RetryBackoff << (attempt - 1)
			if backoff > maxRetryBackoff {
				backoff = maxRetryBackoff
			}
			c.logger.Warn("Retrying API request",
				slog.String("operation", op),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
				slog.String("error", lastErr.Error()),
			)

			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		respBody, err := c.doRequest(ctx, method, path, token, payload)
		if err == nil {
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(time.Since(startTime))
			c.record(op, "success")
			if out == nil || len(respBody) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("failed to parse %s response: %w", op, err)
			}
			return nil
		}

		lastErr = err
		if ctx.Err() != nil || !isRetryableError(err) {
			break
		}
	}

	c.incrementFailedRequests()
	c.record(op, "failure")
	return fmt.Errorf("%s failed: %w", op, lastErr)
}

// doRequest performs a single HTTP request
func (c *Client) doRequest(ctx context.Context, method, path, token string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	c.logger.Debug("API response",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr protocol.RESTResponse
		_ = json.Unmarshal(respBody, &apiErr)
		return nil, &StatusError{Status: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Message}
	}
	return respBody, nil
}

// isRetryableError reports whether a failed attempt may succeed on retry:
// server errors, rate limiting and network failures
func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status >= 500 || statusErr.Status == http.StatusTooManyRequests
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func (c *Client) record(op, outcome string) {
	if c.metrics != nil {
		c.metrics.RecordAPIRequest(op, outcome)
	}
}

// Statistics methods
func (c *Client) begin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
	c.active++
}

func (c *Client) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active--
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  c.active,
	}
}

// Close waits for in-flight requests to finish
func (c *Client) Close(ctx context.Context) error {
	if err := c.sem.Acquire(ctx, int64(c.config.MaxConcurrent)); err != nil {
		return err
	}
	c.sem.Release(int64(c.config.MaxConcurrent))
	c.httpClient.CloseIdleConnections()
	return nil
}
