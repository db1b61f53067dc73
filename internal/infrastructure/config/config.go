package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the lab fleet controller.
// All configuration is loaded from YAML and can be overridden by
// LABFLEET_* environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Fleet     FleetConfig     `yaml:"fleet"`
}

// SiteConfig contains lab-site information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
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

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket event-stream settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains telemetry sink settings.
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

// FleetConfig contains the coordination-engine settings: TDMA slot
// layout, FDMA channel list, and watchdog timing.
type FleetConfig struct {
	TDMA     TDMAConfig     `yaml:"tdma"`
	Channels []string       `yaml:"channels"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
}

// TDMAConfig contains the transmission slot layout.
type TDMAConfig struct {
	// SlotSeconds is the width of one transmission window.
	SlotSeconds int `yaml:"slot_seconds"`

	// NumSlots is the cycle length; slots repeat every
	// NumSlots*SlotSeconds seconds.
	NumSlots int `yaml:"num_slots"`
}

// WatchdogConfig contains device-silence detection settings.
type WatchdogConfig struct {
	// Timeout is how long a device may stay silent before the sweep
	// marks it offline (seconds).
	Timeout int `yaml:"timeout"`

	// SweepInterval is how often the periodic sweep runs (seconds).
	SweepInterval int `yaml:"sweep_interval"`

	// GracePeriod is reserved for a pre-offline warning window.
	// It is parsed and carried but not applied by the sweep.
	GracePeriod int `yaml:"grace_period"`
}

// Load reads configuration from a YAML file and applies environment
// variable overrides.
//
// The loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern LABFLEET_SECTION_KEY,
// e.g. LABFLEET_DATABASE_PATH, LABFLEET_MQTT_HOST.
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

// defaultConfig returns a Config with defaults matching a single-bench
// lab deployment.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "lab-001",
			Name: "IoT Lab",
		},
		Database: DatabaseConfig{
			Path:        "./data/labfleet.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "labfleet-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
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
		Fleet: FleetConfig{
			TDMA: TDMAConfig{
				SlotSeconds: 2,
				NumSlots:    16,
			},
			Channels: []string{"ch0", "ch1", "ch2", "ch3"},
			Watchdog: WatchdogConfig{
				Timeout:       30,
				SweepInterval: 10,
				GracePeriod:   5,
			},
		},
	}
}

// applyEnvOverrides applies LABFLEET_* environment variable overrides.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LABFLEET_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("LABFLEET_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("LABFLEET_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("LABFLEET_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("LABFLEET_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("LABFLEET_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("LABFLEET_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("LABFLEET_TDMA_SLOT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Fleet.TDMA.SlotSeconds = n
		}
	}
	if v := os.Getenv("LABFLEET_TDMA_NUM_SLOTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Fleet.TDMA.NumSlots = n
		}
	}
	if v := os.Getenv("LABFLEET_WATCHDOG_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Fleet.Watchdog.Timeout = n
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Fleet.TDMA.SlotSeconds < 1 {
		errs = append(errs, "fleet.tdma.slot_seconds must be at least 1")
	}
	if c.Fleet.TDMA.NumSlots < 1 {
		errs = append(errs, "fleet.tdma.num_slots must be at least 1")
	}
	if len(c.Fleet.Channels) == 0 {
		errs = append(errs, "fleet.channels must list at least one channel")
	}
	if c.Fleet.Watchdog.Timeout < 1 {
		errs = append(errs, "fleet.watchdog.timeout must be at least 1 second")
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

// WatchdogTimeout returns the device-silence timeout as a Duration.
func (c *Config) WatchdogTimeout() time.Duration {
	return time.Duration(c.Fleet.Watchdog.Timeout) * time.Second
}

// SweepInterval returns the watchdog sweep cadence as a Duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Fleet.Watchdog.SweepInterval) * time.Second
}
