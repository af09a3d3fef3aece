// Package config loads the local streamer configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/video-system/go-video-streamer/internal/devices"
	"github.com/video-system/go-video-streamer/pkg/pipeline"
	"github.com/video-system/go-video-streamer/pkg/settings"
)

// Config holds all streamer configuration
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Platform  PlatformConfig  `yaml:"platform"`
	Streaming StreamingConfig `yaml:"streaming"`
	Encoder   EncoderConfig   `yaml:"encoder"`
	Audio     AudioConfig     `yaml:"audio"`
	Sink      SinkConfig      `yaml:"sink"`
	Recording RecordingConfig `yaml:"recording"`
	API       APIConfig       `yaml:"api"`
	Events    EventsConfig    `yaml:"events"`
	Log       LogConfig       `yaml:"log"`
}

// DeviceConfig identifies this device
type DeviceConfig struct {
	Serial string `yaml:"serial"` // empty reads /proc/cpuinfo
}

// PlatformConfig configures the device-management API
type PlatformConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// StreamingConfig configures the control loop
type StreamingConfig struct {
	MaxChannels       int           `yaml:"max_channels"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	EOSTimeout        time.Duration `yaml:"eos_timeout"`
	Workers           int           `yaml:"workers"`
	CameraSelection   string        `yaml:"camera_selection"` // last, first
	StateFile         string        `yaml:"state_file"`
}

// EncoderConfig selects the H.264 encoder
type EncoderConfig struct {
	Element      string `yaml:"element"` // mpph264enc, x264enc
	Profile      string `yaml:"profile"`
	HeadroomKbps int    `yaml:"headroom_kbps"`
}

// AudioConfig configures the AAC branch
type AudioConfig struct {
	Bitrate int `yaml:"bitrate"` // bits per second
	Rate    int `yaml:"rate"`
}

// SinkConfig configures sink retries
type SinkConfig struct {
	RetryInterval time.Duration `yaml:"retry_interval"`
	ProbeAddress  string        `yaml:"probe_address"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

// RecordingConfig configures local segment recording
type RecordingConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Path            string        `yaml:"path"`
	SegmentDuration time.Duration `yaml:"segment_duration"`
	Retention       time.Duration `yaml:"retention"`
	MaxBytes        int64         `yaml:"max_bytes"` // 0 means no size limit
}

// APIConfig configures the local status API
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// EventsConfig configures NATS publishing
type EventsConfig struct {
	NatsURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// LogConfig configures the root logger
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Load reads an optional .env file, then the YAML file at path, then
// applies defaults and environment overrides. An empty path skips the
// YAML file.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}

		// Expand environment variables
		data = []byte(os.ExpandEnv(string(data)))

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Platform.Timeout == 0 {
		c.Platform.Timeout = 10 * time.Second
	}
	if c.Streaming.MaxChannels == 0 {
		c.Streaming.MaxChannels = settings.MaxChannels
	}
	if c.Streaming.PollInterval == 0 {
		c.Streaming.PollInterval = 5 * time.Second
	}
	if c.Streaming.ReconcileInterval == 0 {
		c.Streaming.ReconcileInterval = 5 * time.Second
	}
	if c.Streaming.EOSTimeout == 0 {
		c.Streaming.EOSTimeout = 2 * time.Second
	}
	if c.Streaming.Workers == 0 {
		c.Streaming.Workers = 4
	}
	if c.Streaming.CameraSelection == "" {
		c.Streaming.CameraSelection = string(devices.PolicyLast)
	}
	if c.Encoder.Element == "" {
		c.Encoder.Element = pipeline.EncoderMPP
	}
	if c.Encoder.Profile == "" {
		c.Encoder.Profile = "main"
	}
	if c.Encoder.HeadroomKbps == 0 {
		c.Encoder.HeadroomKbps = 1000
	}
	if c.Audio.Bitrate == 0 {
		c.Audio.Bitrate = 96000
	}
	if c.Audio.Rate == 0 {
		c.Audio.Rate = 48000
	}
	if c.Sink.RetryInterval == 0 {
		c.Sink.RetryInterval = 10 * time.Second
	}
	if c.Sink.ProbeAddress == "" {
		c.Sink.ProbeAddress = "8.8.8.8:53"
	}
	if c.Sink.ProbeTimeout == 0 {
		c.Sink.ProbeTimeout = 5 * time.Second
	}
	if c.Recording.Path == "" {
		c.Recording.Path = "/var/lib/streamer/recordings"
	}
	if c.Recording.SegmentDuration == 0 {
		c.Recording.SegmentDuration = 5 * time.Minute
	}
	if c.Recording.Retention == 0 {
		c.Recording.Retention = 24 * time.Hour
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "streamer"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) applyEnv() {
	c.Platform.URL = getEnv("BACKEND_API", c.Platform.URL)
	c.Platform.APIKey = getEnv("API_KEY", c.Platform.APIKey)
	c.Device.Serial = getEnv("DEVICE_SERIAL", c.Device.Serial)
	c.Events.NatsURL = getEnv("NATS_URL", c.Events.NatsURL)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Development = getEnvBool("LOG_DEVELOPMENT", c.Log.Development)
	c.API.Port = getEnvInt("API_PORT", c.API.Port)
	c.Streaming.PollInterval = getEnvDuration("POLL_INTERVAL", c.Streaming.PollInterval)
}

// Validate checks values the streamer cannot run without
func (c *Config) Validate() error {
	var errs []error
	if c.Platform.URL == "" {
		errs = append(errs, errors.New("platform.url is required"))
	}
	if c.Streaming.MaxChannels < 1 || c.Streaming.MaxChannels > settings.MaxChannels {
		errs = append(errs, fmt.Errorf("streaming.max_channels must be between 1 and %d", settings.MaxChannels))
	}
	if c.Streaming.Workers < 1 {
		errs = append(errs, errors.New("streaming.workers must be positive"))
	}
	if _, err := devices.ParsePolicy(c.Streaming.CameraSelection); err != nil {
		errs = append(errs, fmt.Errorf("streaming.camera_selection: %w", err))
	}
	switch c.Encoder.Element {
	case pipeline.EncoderMPP, pipeline.EncoderX264:
	default:
		errs = append(errs, fmt.Errorf("encoder.element %q is not supported", c.Encoder.Element))
	}
	if c.Recording.MaxBytes < 0 {
		errs = append(errs, errors.New("recording.max_bytes must not be negative"))
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port %d out of range", c.API.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Policy returns the parsed camera selection policy
func (c *Config) Policy() devices.Policy {
	p, err := devices.ParsePolicy(c.Streaming.CameraSelection)
	if err != nil {
		return devices.PolicyLast
	}
	return p
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
