package config

import (
	"fmt"
	"net/url"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Capture sources understood by the daemon.
const (
	SourceMock = "mock"
	SourceV4L2 = "v4l2"
	SourceRTSP = "rtsp"
	SourceTest = "test"
)

// Indicator backends.
const (
	IndicatorFile = "file"
	IndicatorMQTT = "mqtt"
	IndicatorNone = "none"
)

func applyDefaults(cfg *Config) {
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if cfg.Capture.Source == "" {
		cfg.Capture.Source = SourceMock
	}
	if cfg.Capture.Width <= 0 {
		cfg.Capture.Width = 640
	}
	if cfg.Capture.Height <= 0 {
		cfg.Capture.Height = 480
	}
	if cfg.Capture.JPEGQuality == 0 {
		cfg.Capture.JPEGQuality = 80
	}
	if cfg.Capture.StartTimeoutS <= 0 {
		cfg.Capture.StartTimeoutS = 5
	}
	if cfg.Capture.SnapshotTimeoutMS <= 0 {
		cfg.Capture.SnapshotTimeoutMS = 2000
	}

	if cfg.Session.TickIntervalMS <= 0 {
		cfg.Session.TickIntervalMS = 1000
	}
	if cfg.Session.DetectionHistory <= 0 {
		cfg.Session.DetectionHistory = 50
	}
	if cfg.Session.ConfidenceHistory <= 0 {
		cfg.Session.ConfidenceHistory = 20
	}

	if cfg.Inference.TimeoutS <= 0 {
		cfg.Inference.TimeoutS = 10
	}

	if cfg.Indicator.Backend == "" {
		cfg.Indicator.Backend = IndicatorNone
	}

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}

	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "rockfall.detections"
	}
	if cfg.Journal.MaxOpenConns <= 0 {
		cfg.Journal.MaxOpenConns = 4
	}

	// Topics depend on instance_id
	if cfg.InstanceID != "" {
		topics := &cfg.MQTT.Topics
		if topics.Control == "" {
			topics.Control = fmt.Sprintf("geosentinel/control/%s", cfg.InstanceID)
		}
		if topics.Status == "" {
			topics.Status = fmt.Sprintf("geosentinel/status/%s", cfg.InstanceID)
		}
		if topics.Detections == "" {
			topics.Detections = fmt.Sprintf("geosentinel/detections/%s", cfg.InstanceID)
		}
		if topics.Alerts == "" {
			topics.Alerts = fmt.Sprintf("geosentinel/alerts/%s", cfg.InstanceID)
		}
		if topics.Indicator == "" {
			topics.Indicator = fmt.Sprintf("geosentinel/indicator/%s", cfg.InstanceID)
		}
	}

	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control":    1,
			"status":     1,
			"detections": 0,
			"alerts":     1,
			"indicator":  1,
		}
	}
}

// Validate checks if the configuration is valid
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.SiteID == "" {
		return fmt.Errorf("site_id is required")
	}

	switch cfg.Capture.Source {
	case SourceMock, SourceTest:
	case SourceV4L2, SourceRTSP:
		if cfg.Capture.Device == "" {
			return fmt.Errorf("capture.device is required for source %q", cfg.Capture.Source)
		}
	default:
		return fmt.Errorf("capture.source: unknown source %q (must be mock, v4l2, rtsp or test)", cfg.Capture.Source)
	}
	if cfg.Capture.JPEGQuality < 1 || cfg.Capture.JPEGQuality > 100 {
		return fmt.Errorf("capture.jpeg_quality must be in [1,100], got %d", cfg.Capture.JPEGQuality)
	}

	if cfg.Inference.BaseURL == "" {
		return fmt.Errorf("inference.base_url is required")
	}
	u, err := url.Parse(cfg.Inference.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("inference.base_url must be an http(s) url, got %q", cfg.Inference.BaseURL)
	}

	switch cfg.Indicator.Backend {
	case IndicatorNone:
	case IndicatorFile:
		if cfg.Indicator.Path == "" {
			return fmt.Errorf("indicator.path is required for the file backend")
		}
	case IndicatorMQTT:
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("indicator backend mqtt requires mqtt.broker")
		}
	default:
		return fmt.Errorf("indicator.backend: unknown backend %q (must be file, mqtt or none)", cfg.Indicator.Backend)
	}

	for kind, qos := range cfg.MQTT.QoS {
		if qos > 2 {
			return fmt.Errorf("mqtt.qos.%s must be 0, 1 or 2, got %d", kind, qos)
		}
	}

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required when kafka.brokers is set")
	}

	return nil
}
