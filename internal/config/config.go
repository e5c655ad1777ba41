package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete client configuration
type Config struct {
	API         APIConfig         `yaml:"api"`
	Identity    IdentityConfig    `yaml:"identity"`
	Measurement MeasurementConfig `yaml:"measurement"`
	Transport   TransportConfig   `yaml:"transport"`
	Credentials CredentialsConfig `yaml:"credentials"`
	HTTP        HTTPConfig        `yaml:"http"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// APIConfig selects the API environment
type APIConfig struct {
	Server        string `yaml:"server"`   // qa, dev, demo, prod, prod-cn, demo-cn
	RESTURL       string `yaml:"rest_url"` // overrides the server's REST url
	WSURL         string `yaml:"ws_url"`   // overrides the server's WebSocket url
	Timeout       int    `yaml:"timeout"`  // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// IdentityConfig holds the license and the user the measurements belong to
type IdentityConfig struct {
	LicenseKey  string `yaml:"license_key"`
	StudyID     string `yaml:"study_id"`
	Email       string `yaml:"email"`
	Password    string `yaml:"password"`
	DeviceName  string `yaml:"device_name"`
	FirstName   string `yaml:"first_name"`
	LastName    string `yaml:"last_name"`
	PhoneNumber string `yaml:"phone_number"`
	Gender      string `yaml:"gender"`
	DateOfBirth string `yaml:"date_of_birth"`
	HeightCm    string `yaml:"height_cm"`
	WeightKg    string `yaml:"weight_kg"`
}

// MeasurementConfig describes the upload
type MeasurementConfig struct {
	Mode               string  `yaml:"mode"`
	ChunkDuration      float64 `yaml:"chunk_duration"` // seconds
	VideoLength        float64 `yaml:"video_length"`   // seconds, 0 derives it from the payloads
	PreemptiveRollover bool    `yaml:"preemptive_rollover"`
	PaceUploads        float64 `yaml:"pace_uploads"` // 1 sends in real time, 0 disables pacing
}

// TransportConfig contains chunk upload and result channel settings
type TransportConfig struct {
	Method            string `yaml:"method"` // rest or websocket
	RecvTimeoutMs     int    `yaml:"recv_timeout_ms"`
	PollIntervalMs    int    `yaml:"poll_interval_ms"`
	SignalIntervalMs  int    `yaml:"signal_interval_ms"`
	ResultQueueSize   int    `yaml:"result_queue_size"`
	ResponseHasAction bool   `yaml:"response_has_action"`
	AckMaxLength      int    `yaml:"ack_max_length"`
}

// CredentialsConfig selects where tokens are cached
type CredentialsConfig struct {
	Backend     string `yaml:"backend"` // memory, file or redis
	Path        string `yaml:"path"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
	RedisTTL    int    `yaml:"redis_ttl"` // seconds, 0 never expires
}

// HTTPConfig contains status server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Default returns a configuration with every optional field filled in
func Default() *Config {
	return &Config{
		API: APIConfig{
			Server:        "prod",
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 4,
		},
		Identity: IdentityConfig{
			DeviceName: "dfxclient",
		},
		Measurement: MeasurementConfig{
			Mode:          "DISCRETE",
			ChunkDuration: 15,
		},
		Transport: TransportConfig{
			Method:           "websocket",
			RecvTimeoutMs:    5000,
			PollIntervalMs:   200,
			SignalIntervalMs: 500,
			ResultQueueSize:  30,
			AckMaxLength:     60,
		},
		Credentials: CredentialsConfig{
			Backend:     "file",
			Path:        "./dfx-credentials.yaml",
			RedisPrefix: "dfx",
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "127.0.0.1",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api config: %w", err)
	}

	if err := c.Identity.Validate(); err != nil {
		return fmt.Errorf("identity config: %w", err)
	}

	if err := c.Measurement.Validate(); err != nil {
		return fmt.Errorf("measurement config: %w", err)
	}

	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport config: %w", err)
	}

	if err := c.Credentials.Validate(); err != nil {
		return fmt.Errorf("credentials config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

var validServers = map[string]bool{
	"qa": true, "dev": true, "demo": true, "prod": true, "prod-cn": true, "demo-cn": true,
}

// Validate validates API configuration
func (a *APIConfig) Validate() error {
	if !validServers[strings.ToLower(a.Server)] && (a.RESTURL == "" || a.WSURL == "") {
		return fmt.Errorf("server must be one of [qa, dev, demo, prod, prod-cn, demo-cn] unless rest_url and ws_url are set, got '%s'", a.Server)
	}

	if a.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", a.Timeout)
	}

	if a.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", a.MaxRetries)
	}

	if a.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", a.MaxConcurrent)
	}

	return nil
}

// Validate validates identity configuration
func (i *IdentityConfig) Validate() error {
	if i.LicenseKey == "" {
		return fmt.Errorf("license_key cannot be empty")
	}

	if i.StudyID == "" {
		return fmt.Errorf("study_id cannot be empty")
	}

	if i.Email == "" {
		return fmt.Errorf("email cannot be empty")
	}

	if i.Password == "" {
		return fmt.Errorf("password cannot be empty")
	}

	return nil
}

var validModes = map[string]bool{
	"DISCRETE": true, "BATCH": true, "VIDEO": true, "STREAMING": true,
}

// Validate validates measurement configuration
func (m *MeasurementConfig) Validate() error {
	if !validModes[strings.ToUpper(m.Mode)] {
		return fmt.Errorf("mode must be one of [DISCRETE, BATCH, VIDEO, STREAMING], got '%s'", m.Mode)
	}

	if m.ChunkDuration < 5 || m.ChunkDuration > 30 {
		return fmt.Errorf("chunk_duration must be between 5 and 30 seconds, got %g", m.ChunkDuration)
	}

	if m.VideoLength < 0 {
		return fmt.Errorf("video_length cannot be negative, got %g", m.VideoLength)
	}

	if m.VideoLength > 0 && m.VideoLength < m.ChunkDuration {
		return fmt.Errorf("video_length (%g) must be at least chunk_duration (%g)", m.VideoLength, m.ChunkDuration)
	}

	if m.PaceUploads < 0 {
		return fmt.Errorf("pace_uploads cannot be negative, got %g", m.PaceUploads)
	}

	return nil
}

// Validate validates transport configuration
func (t *TransportConfig) Validate() error {
	if t.Method != "rest" && t.Method != "websocket" {
		return fmt.Errorf("method must be 'rest' or 'websocket', got '%s'", t.Method)
	}

	if t.RecvTimeoutMs < 1 {
		return fmt.Errorf("recv_timeout_ms must be positive, got %d", t.RecvTimeoutMs)
	}

	if t.PollIntervalMs < 1 {
		return fmt.Errorf("poll_interval_ms must be positive, got %d", t.PollIntervalMs)
	}

	if t.SignalIntervalMs < 1 {
		return fmt.Errorf("signal_interval_ms must be positive, got %d", t.SignalIntervalMs)
	}

	if t.ResultQueueSize < 1 {
		return fmt.Errorf("result_queue_size must be at least 1, got %d", t.ResultQueueSize)
	}

	if t.AckMaxLength < 1 {
		return fmt.Errorf("ack_max_length must be positive, got %d", t.AckMaxLength)
	}

	return nil
}

// Validate validates credentials configuration
func (c *CredentialsConfig) Validate() error {
	switch c.Backend {
	case "memory":
	case "file":
		if c.Path == "" {
			return fmt.Errorf("path cannot be empty for the file backend")
		}
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("redis_addr cannot be empty for the redis backend")
		}
	default:
		return fmt.Errorf("backend must be one of [memory, file, redis], got '%s'", c.Backend)
	}

	if c.RedisTTL < 0 {
		return fmt.Errorf("redis_ttl cannot be negative, got %d", c.RedisTTL)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output is stdout, stderr or a file path
	return nil
}

// GetTimeoutDuration returns the API timeout as a time.Duration
func (a *APIConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(a.Timeout) * time.Second
}

// GetRecvTimeout returns the WebSocket receive timeout as a time.Duration
func (t *TransportConfig) GetRecvTimeout() time.Duration {
	return time.Duration(t.RecvTimeoutMs) * time.Millisecond
}

// GetPollInterval returns the result poll interval as a time.Duration
func (t *TransportConfig) GetPollInterval() time.Duration {
	return time.Duration(t.PollIntervalMs) * time.Millisecond
}

// GetSignalInterval returns the coordination wait as a time.Duration
func (t *TransportConfig) GetSignalInterval() time.Duration {
	return time.Duration(t.SignalIntervalMs) * time.Millisecond
}

// GetRedisTTL returns the credential TTL as a time.Duration
func (c *CredentialsConfig) GetRedisTTL() time.Duration {
	return time.Duration(c.RedisTTL) * time.Second
}
