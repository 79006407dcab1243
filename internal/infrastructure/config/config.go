package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Printlink Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Comms     CommsConfig     `yaml:"comms"`
	Queue     QueueConfig     `yaml:"queue"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SiteConfig identifies this installation.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// CommsConfig contains printer discovery and link settings.
type CommsConfig struct {
	// BinariesDir is where helper executables (the serial port detector) live.
	BinariesDir string `yaml:"binaries_dir"`

	// DiscoveryInterval is how often the discovery loop rescans for printers.
	// Default: 2s
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`

	// ConnectTimeout bounds the handshake with a newly discovered printer.
	// Default: 5s
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// SendTimeout bounds a single payload send including acknowledgement.
	// Default: 30s
	SendTimeout time.Duration `yaml:"send_timeout"`

	// AckTimeout bounds the wait for a device to acknowledge one frame on
	// serial and TCP links. Default: 10s
	AckTimeout time.Duration `yaml:"ack_timeout"`

	Serial    SerialConfig      `yaml:"serial"`
	Network   NetworkConfig     `yaml:"network"`
	Simulated []SimulatedConfig `yaml:"simulated"`
}

// SerialConfig configures USB serial printer discovery.
type SerialConfig struct {
	Enabled bool `yaml:"enabled"`

	// Detector is the executable name (relative to BinariesDir) that prints
	// one attached printer port per line.
	Detector string `yaml:"detector"`

	// Patterns are glob patterns used when no detector is installed.
	Patterns []string `yaml:"patterns"`

	BaudRate int `yaml:"baud_rate"`
}

// NetworkConfig configures network-attached printers.
type NetworkConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Printers     []string      `yaml:"printers"` // host:port
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// SimulatedConfig declares an in-process simulated printer.
type SimulatedConfig struct {
	ID    string        `yaml:"id"`
	Delay time.Duration `yaml:"delay"`
}

// QueueConfig contains per-printer send queue settings.
type QueueConfig struct {
	Capacity int         `yaml:"capacity"`
	Retry    RetryConfig `yaml:"retry"`
}

// RetryConfig bounds retries of transient transport failures.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

// TasksConfig contains managed task settings.
type TasksConfig struct {
	// GracePeriod is how long shutdown waits for cooperative task exit
	// before forcing termination.
	// Default: 5s
	GracePeriod time.Duration `yaml:"grace_period"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`

	// MaxPayloadBytes limits the size of a job submitted over HTTP.
	MaxPayloadBytes int64 `yaml:"max_payload_bytes"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: PRINTLINK_SECTION_KEY
// For example: PRINTLINK_DATABASE_PATH, PRINTLINK_COMMS_BINARIES_DIR
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides
// applied. Used when no config file is present.
func Default() (*Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "printlink-001",
			Name: "Printlink",
		},
		Comms: CommsConfig{
			BinariesDir:       "/opt/printlink/bin",
			DiscoveryInterval: 2 * time.Second,
			ConnectTimeout:    5 * time.Second,
			SendTimeout:       30 * time.Second,
			AckTimeout:        10 * time.Second,
			Serial: SerialConfig{
				Enabled:  true,
				Detector: "printer-detector",
				Patterns: []string{"/dev/ttyACM*"},
				BaudRate: 115200,
			},
			Network: NetworkConfig{
				ProbeTimeout: time.Second,
			},
		},
		Queue: QueueConfig{
			Capacity: 64,
			Retry: RetryConfig{
				MaxAttempts: 3,
				Backoff:     250 * time.Millisecond,
			},
		},
		Tasks: TasksConfig{
			GracePeriod: 5 * time.Second,
		},
		Database: DatabaseConfig{
			Path:        "./data/printlink.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "printlink-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8180,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			MaxPayloadBytes: 64 << 20,
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: PRINTLINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Comms
	if v := os.Getenv("PRINTLINK_COMMS_BINARIES_DIR"); v != "" {
		cfg.Comms.BinariesDir = v
	}
	if v := os.Getenv("PRINTLINK_COMMS_NETWORK_PRINTERS"); v != "" {
		cfg.Comms.Network.Enabled = true
		cfg.Comms.Network.Printers = splitList(v)
	}

	// Tasks
	if v := os.Getenv("PRINTLINK_TASKS_GRACE_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Tasks.GracePeriod = d
		}
	}

	// Database
	if v := os.Getenv("PRINTLINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("PRINTLINK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("PRINTLINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("PRINTLINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("PRINTLINK_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("PRINTLINK_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("PRINTLINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// Comms validation
	if c.Comms.DiscoveryInterval <= 0 {
		errs = append(errs, "comms.discovery_interval must be positive")
	}
	if c.Comms.ConnectTimeout <= 0 {
		errs = append(errs, "comms.connect_timeout must be positive")
	}
	if c.Comms.SendTimeout <= 0 {
		errs = append(errs, "comms.send_timeout must be positive")
	}
	if c.Comms.AckTimeout <= 0 {
		errs = append(errs, "comms.ack_timeout must be positive")
	}
	if c.Comms.Serial.Enabled && c.Comms.Serial.BaudRate <= 0 {
		errs = append(errs, "comms.serial.baud_rate must be positive")
	}
	seen := make(map[string]bool)
	for i, sim := range c.Comms.Simulated {
		switch {
		case sim.ID == "":
			errs = append(errs, fmt.Sprintf("comms.simulated[%d].id is required", i))
		case seen[sim.ID]:
			errs = append(errs, fmt.Sprintf("comms.simulated[%d].id %q is duplicated", i, sim.ID))
		}
		seen[sim.ID] = true
	}

	// Queue validation
	if c.Queue.Capacity < 1 {
		errs = append(errs, "queue.capacity must be at least 1")
	}
	if c.Queue.Retry.MaxAttempts < 1 {
		errs = append(errs, "queue.retry.max_attempts must be at least 1")
	}
	if c.Queue.Retry.Backoff < 0 {
		errs = append(errs, "queue.retry.backoff must not be negative")
	}

	if c.Tasks.GracePeriod < 0 {
		errs = append(errs, "tasks.grace_period must not be negative")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
