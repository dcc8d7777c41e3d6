// Package config loads the rockfalld YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	SiteID           string          `yaml:"site_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // graceful shutdown timeout in seconds (default: 5)
	Capture          CaptureConfig   `yaml:"capture"`
	Session          SessionConfig   `yaml:"session"`
	Inference        InferenceConfig `yaml:"inference"`
	Indicator        IndicatorConfig `yaml:"indicator"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	Kafka            KafkaConfig     `yaml:"kafka"`
	Journal          JournalConfig   `yaml:"journal"`
	HTTP             HTTPConfig      `yaml:"http"`
}

// CaptureConfig selects and tunes the camera source
type CaptureConfig struct {
	Source            string `yaml:"source"` // mock, v4l2, rtsp, test
	Device            string `yaml:"device"` // /dev/video0 or rtsp:// url
	Width             int    `yaml:"width"`
	Height            int    `yaml:"height"`
	JPEGQuality       int    `yaml:"jpeg_quality"` // 1-100 (default: 80)
	StartTimeoutS     int    `yaml:"start_timeout_s"`
	SnapshotTimeoutMS int    `yaml:"snapshot_timeout_ms"`
}

// SessionConfig contains monitoring session settings
type SessionConfig struct {
	TickIntervalMS    int  `yaml:"tick_interval_ms"`   // default: 1000
	DetectionHistory  int  `yaml:"detection_history"`  // default: 50
	ConfidenceHistory int  `yaml:"confidence_history"` // default: 20
	AutoStart         bool `yaml:"auto_start"`         // start a session when the daemon boots
}

// InferenceConfig points at the detection service
type InferenceConfig struct {
	BaseURL  string `yaml:"base_url"`
	TimeoutS int    `yaml:"timeout_s"` // default: 10
}

// IndicatorConfig selects where the camera-active flag is persisted
type IndicatorConfig struct {
	Backend string `yaml:"backend"` // file, mqtt, none
	Path    string `yaml:"path"`    // file backend only
}

// MQTTConfig contains MQTT broker settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker   string          `yaml:"broker"`
	Username string          `yaml:"username"`
	Password string          `yaml:"password"`
	Topics   MQTTTopics      `yaml:"topics"`
	QoS      map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control    string `yaml:"control"`
	Status     string `yaml:"status"`
	Detections string `yaml:"detections"`
	Alerts     string `yaml:"alerts"`
	Indicator  string `yaml:"indicator"`
}

// KafkaConfig enables the detection stream when Brokers is set
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// JournalConfig enables the Postgres detection journal when DSN is set
type JournalConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// HTTPConfig contains the API server settings
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes a YAML document, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// TickInterval returns the frame scheduler interval.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Session.TickIntervalMS) * time.Millisecond
}

// InferenceTimeout returns the per-request timeout of the inference client.
func (c *Config) InferenceTimeout() time.Duration {
	return time.Duration(c.Inference.TimeoutS) * time.Second
}

// MQTTEnabled reports whether a broker is configured.
func (c *Config) MQTTEnabled() bool {
	return c.MQTT.Broker != ""
}

// KafkaEnabled reports whether the detection stream is configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

// JournalEnabled reports whether the detection journal is configured.
func (c *Config) JournalEnabled() bool {
	return c.Journal.DSN != ""
}

// QoS returns the configured QoS for kind, 0 when unset.
func (c *Config) QoS(kind string) byte {
	if qos, ok := c.MQTT.QoS[kind]; ok {
		return qos
	}
	return 0
}
