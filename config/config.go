// Package config handles configuration loading for the fieldlink gateway.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigurationError indicates missing or invalid required configuration.
// It is the only fatal startup condition: callers abort before any worker
// or connection is started.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// Config holds the complete gateway configuration.
type Config struct {
	Namespace string         `yaml:"namespace"` // Instance namespace for topic/key isolation
	Broker    BrokerConfig   `yaml:"broker"`
	S7        S7Config       `yaml:"s7"`
	Pool      PoolConfig     `yaml:"pool"`
	Liveness  LivenessConfig `yaml:"liveness"`
	Fleet     FleetConfig    `yaml:"fleet,omitempty"`
	Kafka     KafkaConfig    `yaml:"kafka,omitempty"`
	Valkey    ValkeyConfig   `yaml:"valkey,omitempty"`
	Devices   []DeviceConfig `yaml:"devices,omitempty"`
}

// BrokerConfig holds MQTT broker connection settings.
type BrokerConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	ClientID      string `yaml:"client_id"`
	Username      string `yaml:"username,omitempty"`
	Password      string `yaml:"password,omitempty"`
	UseTLS        bool   `yaml:"use_tls,omitempty"`
	InboundTopic  string `yaml:"inbound_topic"`
	OutboundTopic string `yaml:"outbound_topic"`

	// Reconnect backoff: delay starts at InitialDelay and is multiplied by
	// Rate after each failed attempt, capped at MaxDelay.
	InitialDelay time.Duration `yaml:"initial_delay"`
	Rate         float64       `yaml:"rate"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// S7Config holds field-protocol connection defaults applied to every device.
type S7Config struct {
	Rack    int           `yaml:"rack"`
	Slot    int           `yaml:"slot"`
	Timeout time.Duration `yaml:"timeout"`
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	RetryDelay time.Duration `yaml:"retry_delay"` // Delay between connect attempts in Get
}

// AlarmCoordinate is the well-known field-protocol address the liveness
// monitor writes the communication alarm flag to. It is a single documented
// convention per deployment, not looked up per device.
type AlarmCoordinate struct {
	DB   int `yaml:"db"`
	Byte int `yaml:"byte"`
	Bit  int `yaml:"bit"`
}

// LivenessConfig holds heartbeat monitoring settings.
type LivenessConfig struct {
	Grace       time.Duration   `yaml:"grace"`        // Added to 3x cycle for the timeout
	SweepPeriod time.Duration   `yaml:"sweep_period"` // How often the sweep runs
	Alarm       AlarmCoordinate `yaml:"alarm"`
}

// FleetConfig holds the optional full-fleet poll worker settings.
type FleetConfig struct {
	Enabled bool          `yaml:"enabled"`
	Period  time.Duration `yaml:"period"`
}

// KafkaConfig holds the optional Kafka telemetry mirror settings.
type KafkaConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers,omitempty"`
	Topic         string        `yaml:"topic,omitempty"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // "", "plain", "scram-sha-256", "scram-sha-512"
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"`
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`
}

// TLSConfig returns a TLS configuration if TLS is enabled.
func (c *KafkaConfig) TLSConfig() *tls.Config {
	if !c.UseTLS {
		return nil
	}
	return &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
	}
}

// ValkeyConfig holds the optional Valkey/Redis last-value store settings.
type ValkeyConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address,omitempty"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db,omitempty"`
	UseTLS    bool   `yaml:"use_tls,omitempty"`
	KeyPrefix string `yaml:"key_prefix,omitempty"`
}

// DeviceConfig declares one device and its variables in the static catalog.
type DeviceConfig struct {
	Code            string           `yaml:"code"`
	Address         string           `yaml:"address"`
	Cycle           time.Duration    `yaml:"cycle"`
	Status          int              `yaml:"status,omitempty"`
	ProductionOrder string           `yaml:"production_order,omitempty"`
	Variables       []VariableConfig `yaml:"variables,omitempty"`
}

// VariableConfig declares one typed field-protocol address on a device.
type VariableConfig struct {
	Key       string `yaml:"key"`
	DB        int    `yaml:"db"`
	Byte      int    `yaml:"byte"`
	Bit       int    `yaml:"bit,omitempty"`
	Type      string `yaml:"type"`               // bool | int | real
	Direction string `yaml:"direction"`          // read | write
	Category  string `yaml:"category,omitempty"` // alarm | output | equipment
}

// DefaultConfig returns a config with operational defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "fieldlink",
		Broker: BrokerConfig{
			Port:         1883,
			ClientID:     "fieldlink",
			InitialDelay: 1 * time.Second,
			Rate:         2,
			MaxDelay:     30 * time.Second,
		},
		S7: S7Config{
			Rack:    0,
			Slot:    0,
			Timeout: 10 * time.Second,
		},
		Pool: PoolConfig{
			RetryDelay: 5 * time.Second,
		},
		Liveness: LivenessConfig{
			Grace:       5 * time.Second,
			SweepPeriod: 1 * time.Second,
			Alarm:       AlarmCoordinate{DB: 8, Byte: 8, Bit: 0},
		},
		Fleet: FleetConfig{
			Period: 60 * time.Second,
		},
		Kafka: KafkaConfig{
			RequiredAcks: 1,
			MaxRetries:   3,
			RetryBackoff: 250 * time.Millisecond,
		},
		Valkey: ValkeyConfig{
			Address: "localhost:6379",
		},
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "fieldlink.yaml"
	}
	return filepath.Join(home, ".fieldlink", "config.yaml")
}

// Load reads and validates configuration from a YAML file.
// Missing optional fields fall back to defaults; missing required fields
// return a ConfigurationError.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults backfills zero values that unmarshalling may have clobbered.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Broker.Port == 0 {
		c.Broker.Port = def.Broker.Port
	}
	if c.Broker.ClientID == "" {
		c.Broker.ClientID = def.Broker.ClientID
	}
	if c.Broker.InitialDelay <= 0 {
		c.Broker.InitialDelay = def.Broker.InitialDelay
	}
	if c.Broker.Rate <= 1 {
		c.Broker.Rate = def.Broker.Rate
	}
	if c.Broker.MaxDelay <= 0 {
		c.Broker.MaxDelay = def.Broker.MaxDelay
	}
	if c.S7.Timeout <= 0 {
		c.S7.Timeout = def.S7.Timeout
	}
	if c.Pool.RetryDelay <= 0 {
		c.Pool.RetryDelay = def.Pool.RetryDelay
	}
	if c.Liveness.Grace <= 0 {
		c.Liveness.Grace = def.Liveness.Grace
	}
	if c.Liveness.SweepPeriod <= 0 {
		c.Liveness.SweepPeriod = def.Liveness.SweepPeriod
	}
	if c.Fleet.Period <= 0 {
		c.Fleet.Period = def.Fleet.Period
	}
	if c.Kafka.RequiredAcks == 0 {
		c.Kafka.RequiredAcks = def.Kafka.RequiredAcks
	}
	if c.Kafka.MaxRetries == 0 {
		c.Kafka.MaxRetries = def.Kafka.MaxRetries
	}
	if c.Kafka.RetryBackoff <= 0 {
		c.Kafka.RetryBackoff = def.Kafka.RetryBackoff
	}
	if c.Valkey.Address == "" {
		c.Valkey.Address = def.Valkey.Address
	}
	if c.Valkey.KeyPrefix == "" {
		c.Valkey.KeyPrefix = c.Namespace
	}
}

// Validate checks required fields. Broker connection settings are required;
// Kafka and Valkey are validated only when enabled.
func (c *Config) Validate() error {
	if c.Broker.Host == "" {
		return &ConfigurationError{Field: "broker.host", Reason: "required"}
	}
	if c.Broker.InboundTopic == "" {
		return &ConfigurationError{Field: "broker.inbound_topic", Reason: "required"}
	}
	if c.Broker.OutboundTopic == "" {
		return &ConfigurationError{Field: "broker.outbound_topic", Reason: "required"}
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return &ConfigurationError{Field: "kafka.brokers", Reason: "required when kafka is enabled"}
		}
		if c.Kafka.Topic == "" {
			return &ConfigurationError{Field: "kafka.topic", Reason: "required when kafka is enabled"}
		}
	}
	if c.Valkey.Enabled && c.Valkey.Address == "" {
		return &ConfigurationError{Field: "valkey.address", Reason: "required when valkey is enabled"}
	}
	for i, d := range c.Devices {
		if d.Code == "" {
			return &ConfigurationError{Field: fmt.Sprintf("devices[%d].code", i), Reason: "required"}
		}
		if d.Address == "" {
			return &ConfigurationError{Field: fmt.Sprintf("devices[%d].address", i), Reason: "required"}
		}
		if d.Cycle <= 0 {
			return &ConfigurationError{Field: fmt.Sprintf("devices[%d].cycle", i), Reason: "must be positive"}
		}
	}
	return nil
}

// BrokerURL returns the broker address in paho URL form.
func (b *BrokerConfig) BrokerURL() string {
	if b.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", b.Host, b.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", b.Host, b.Port)
}
