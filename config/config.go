package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig `yaml:"server"`
	Logging LogConfig    `yaml:"logging"`
}

// ServerConfig controls the listener and the event loop
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Backlog int    `yaml:"backlog"`

	ReadBufferSize  int `yaml:"read_buffer_size"`  // bytes per read call
	MaxHeaderBytes  int `yaml:"max_header_bytes"`  // header section limit
	MaxRequestBytes int `yaml:"max_request_bytes"` // header + body limit
	MaxConnections  int `yaml:"max_connections"`

	PollTimeout  time.Duration `yaml:"poll_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"` // idle limit before a request completes
	WriteTimeout time.Duration `yaml:"write_timeout"`

	Env string `yaml:"env"`
}

// LogConfig contains settings for logging
type LogConfig struct {
	Level       string `yaml:"level"`   // debug, info, warn, error
	Console     bool   `yaml:"console"` // human readable output instead of JSON
	LogToFile   bool   `yaml:"log_to_file"`
	LogFilePath string `yaml:"log_file_path"`
	MaxSize     int    `yaml:"max_size"`    // megabytes
	MaxBackups  int    `yaml:"max_backups"` // rotated files to keep
	MaxAge      int    `yaml:"max_age"`     // days
	Compress    bool   `yaml:"compress"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8000,
			Backlog:         128,
			ReadBufferSize:  4096,
			MaxHeaderBytes:  16 << 10,
			MaxRequestBytes: 1 << 20,
			MaxConnections:  10000,
			PollTimeout:     100 * time.Millisecond,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			Env:             "development",
		},
		Logging: LogConfig{
			Level:       "info",
			Console:     true,
			LogToFile:   false,
			LogFilePath: "startline.log",
			MaxSize:     10,
			MaxBackups:  3,
			MaxAge:      28,
			Compress:    true,
		},
	}
}

// Load reads a YAML file over the defaults. Keys missing from the file keep
// their default values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides values from the environment (PORT, STARTLINE_HOST)
func (c *Config) ApplyEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		c.Server.Port = p
	}
	if host := os.Getenv("STARTLINE_HOST"); host != "" {
		c.Server.Host = host
	}
	return nil
}

// Validate checks the configuration for values the server cannot run with
func (c *Config) Validate() error {
	s := c.Server
	var errs []error

	if s.Port < 0 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", s.Port))
	}
	if s.Backlog <= 0 {
		errs = append(errs, fmt.Errorf("backlog must be positive, got %d", s.Backlog))
	}
	if s.ReadBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("read_buffer_size must be positive, got %d", s.ReadBufferSize))
	}
	if s.MaxHeaderBytes <= 0 || s.MaxRequestBytes < s.MaxHeaderBytes {
		errs = append(errs, fmt.Errorf("max_request_bytes (%d) must be at least max_header_bytes (%d) and both positive",
			s.MaxRequestBytes, s.MaxHeaderBytes))
	}
	if s.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("max_connections must be positive, got %d", s.MaxConnections))
	}
	if s.PollTimeout <= 0 {
		errs = append(errs, fmt.Errorf("poll_timeout must be positive, got %s", s.PollTimeout))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}
