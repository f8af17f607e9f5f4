// Package config provides node configuration loaded from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"

	"github.com/morezero/peer-rpc/pkg/labels"
	"github.com/morezero/peer-rpc/pkg/retry"
)

const logPrefix = "config:LoadConfig"

// Config holds peer-node configuration.
type Config struct {
	// Identity. An empty NodeID is replaced by a random one at load time.
	NodeID      string `envconfig:"NODE_ID"`
	ServiceName string `envconfig:"SERVICE_NAME" default:"peer-node"`

	// Listening side. AdvertiseAddr is what other nodes dial; empty means
	// the bound listen address.
	ListenProtocol string `envconfig:"LISTEN_PROTOCOL" default:"tcp"`
	ListenAddr     string `envconfig:"LISTEN_ADDR" default:"0.0.0.0:7400"`
	AdvertiseAddr  string `envconfig:"ADVERTISE_ADDR"`
	EndpointLabels string `envconfig:"ENDPOINT_LABELS"`
	EndpointWeight int    `envconfig:"ENDPOINT_WEIGHT" default:"1"`

	// COMMS: endpoint events travel over NATS at COMMSURL. Empty keeps
	// discovery in process.
	COMMSURL        string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	DiscoveryPrefix string `envconfig:"DISCOVERY_SUBJECT_PREFIX" default:"peer.discovery"`

	// Database. Empty DatabaseURL keeps endpoints in memory.
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// Static peers announced at start and used by the CLI when neither
	// NATS nor the database is configured.
	BootstrapFile string `envconfig:"BOOTSTRAP_FILE"`

	// Connectors
	CallTimeout  time.Duration `envconfig:"CALL_TIMEOUT" default:"10s"`
	PingEnabled  bool          `envconfig:"PING_ENABLED" default:"true"`
	PingInterval time.Duration `envconfig:"PING_INTERVAL" default:"5s"`
	PingTimeout  time.Duration `envconfig:"PING_TIMEOUT" default:"3s"`
	DrainTimeout time.Duration `envconfig:"DRAIN_TIMEOUT" default:"5s"`

	// Sender connect retry. RetryMaxTimes 0 retries forever.
	RetryMaxTimes    int           `envconfig:"RETRY_MAX_TIMES" default:"0"`
	RetryMinInterval time.Duration `envconfig:"RETRY_MIN_INTERVAL" default:"500ms"`
	RetryMaxInterval time.Duration `envconfig:"RETRY_MAX_INTERVAL" default:"5s"`

	// HTTP health endpoint
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	return &c, nil
}

// ValidateForServe checks required config when running a node.
func (c *Config) ValidateForServe() error {
	if c.ServiceName == "" {
		return fmt.Errorf("%s - SERVICE_NAME is required for serve", logPrefix)
	}
	switch c.ListenProtocol {
	case "tcp", "ws":
	default:
		return fmt.Errorf("%s - LISTEN_PROTOCOL must be tcp or ws, got %q", logPrefix, c.ListenProtocol)
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("%s - LISTEN_ADDR %q: %w", logPrefix, c.ListenAddr, err)
	}
	if _, err := c.Labels(); err != nil {
		return fmt.Errorf("%s - ENDPOINT_LABELS: %w", logPrefix, err)
	}
	if c.EndpointWeight < 0 {
		return fmt.Errorf("%s - ENDPOINT_WEIGHT must not be negative", logPrefix)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("%s - CALL_TIMEOUT must be positive", logPrefix)
	}
	if c.PingEnabled && (c.PingInterval <= 0 || c.PingTimeout <= 0) {
		return fmt.Errorf("%s - PING_INTERVAL and PING_TIMEOUT must be positive", logPrefix)
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("%s - DRAIN_TIMEOUT must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	return c.validateRetry()
}

// ValidateForCall checks required config for the one-shot call and
// endpoints commands.
func (c *Config) ValidateForCall() error {
	if c.COMMSURL == "" && c.DatabaseURL == "" && c.BootstrapFile == "" {
		return fmt.Errorf("%s - COMMS_URL, DATABASE_URL or BOOTSTRAP_FILE is required to find endpoints", logPrefix)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("%s - CALL_TIMEOUT must be positive", logPrefix)
	}
	return c.validateRetry()
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, clear).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

func (c *Config) validateRetry() error {
	if c.RetryMaxTimes < 0 {
		return fmt.Errorf("%s - RETRY_MAX_TIMES must not be negative", logPrefix)
	}
	if c.RetryMinInterval <= 0 || c.RetryMaxInterval < c.RetryMinInterval {
		return fmt.Errorf("%s - need 0 < RETRY_MIN_INTERVAL <= RETRY_MAX_INTERVAL", logPrefix)
	}
	return nil
}

// Labels parses ENDPOINT_LABELS.
func (c *Config) Labels() (map[string]string, error) {
	return labels.Parse(c.EndpointLabels)
}

// Advertise returns the address other nodes should dial, given the address
// the listener actually bound. An unspecified bound host becomes loopback.
func (c *Config) Advertise(bound string) string {
	if c.AdvertiseAddr != "" {
		return c.AdvertiseAddr
	}
	host, port, err := net.SplitHostPort(bound)
	if err != nil {
		return bound
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// RetryOptions returns the sender connect retry policy.
func (c *Config) RetryOptions() retry.Options {
	return retry.Options{
		MaxRetryTimes:     c.RetryMaxTimes,
		IncrementInterval: true,
		MinInterval:       c.RetryMinInterval,
		MaxInterval:       c.RetryMaxInterval,
	}
}

// SlogLevel maps LOG_LEVEL to a slog level; unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
