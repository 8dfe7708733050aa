package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iburimskiy/wave-stream/internal/wave"
)

const (
	MaxScreenWidth = 1000
	ScreenHeight   = 400

	HistorySize = 8192

	// Stroke
	StrokeWidth     = 1
	ColorShiftSpeed = 0.002
)

// Config is the shared client and server configuration.
type Config struct {
	Server      ServerConfig    `yaml:"server"`
	Listen      string          `yaml:"listen"`
	Reconnect   ReconnectConfig `yaml:"reconnect"`
	PushTimeout time.Duration   `yaml:"push_timeout"`
	Stream      StreamConfig    `yaml:"stream"`
	Log         LogConfig       `yaml:"log"`
	Settings    wave.Settings   `yaml:"settings"`
}

// ServerConfig locates the sample server.
type ServerConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	UseTLS bool   `yaml:"use_tls"`
}

// ReconnectConfig is the stream reconnect policy. MaxRetries 0 retries
// forever, a negative value disables reconnection.
type ReconnectConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
}

// StreamConfig controls sample generation on the server.
type StreamConfig struct {
	Tick   time.Duration `yaml:"tick"`
	Batch  int           `yaml:"batch"`
	Height int           `yaml:"height"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "localhost", Port: 8080},
		Listen: ":8080",
		Reconnect: ReconnectConfig{
			MaxRetries:    0,
			RetryDelay:    500 * time.Millisecond,
			MaxRetryDelay: 10 * time.Second,
		},
		PushTimeout: 5 * time.Second,
		Stream:      StreamConfig{Tick: 50 * time.Millisecond, Batch: 8, Height: ScreenHeight},
		Log:         LogConfig{Level: "info", Format: "text"},
		Settings:    wave.DefaultSettings(),
	}
}

// Load reads a YAML file over Default. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that values are usable.
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Reconnect.RetryDelay <= 0 {
		return fmt.Errorf("reconnect.retry_delay must be > 0")
	}
	if c.Reconnect.MaxRetryDelay < c.Reconnect.RetryDelay {
		return fmt.Errorf("reconnect.max_retry_delay must be >= retry_delay")
	}
	if c.PushTimeout < 0 {
		return fmt.Errorf("push_timeout must be >= 0")
	}
	if c.Stream.Tick <= 0 {
		return fmt.Errorf("stream.tick must be > 0")
	}
	if c.Stream.Batch <= 0 {
		return fmt.Errorf("stream.batch must be > 0")
	}
	if c.Stream.Height <= 0 {
		return fmt.Errorf("stream.height must be > 0")
	}
	if err := c.Settings.Validate(); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	return nil
}
