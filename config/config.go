// Package config loads sqlbind settings from a YAML file.
//
// A file names the driver and data source, sizes the connection pool and
// sets the log level:
//
//	driver: sqlite3
//	dsn: /var/lib/widgets.db
//	pool:
//	  max_connections: 8
//	  min_connections: 2
//	  ping: true
//	  acquire_timeout: 5s
//	log_level: info
//	log_file:
//	  path: /var/log/sqlbind.log
//	  max_size_mb: 10
//	metrics_addr: 127.0.0.1:9464
//
// Fields missing from the file keep the values from Default.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/tomyedwab/sqlbind/database"
)

// Config is the top-level configuration.
type Config struct {
	// Driver is the database/sql driver name (sqlite3, postgres, sqlproxy).
	Driver string `yaml:"driver"`

	// DSN is passed to the driver unchanged.
	DSN string `yaml:"dsn"`

	// Pool sizes the connection pool. A zero max_connections means
	// unbounded.
	Pool PoolConfig `yaml:"pool"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogFile sends logs to a size-rotated file when Path is set.
	// Otherwise logs go to stdout.
	LogFile LogFileConfig `yaml:"log_file"`

	// MetricsAddr is the listen address for the Prometheus endpoint.
	// Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
}

// LogFileConfig controls log rotation.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// PoolConfig mirrors database.PoolConfig with YAML names.
type PoolConfig struct {
	MaxConnections int           `yaml:"max_connections"`
	MinConnections int           `yaml:"min_connections"`
	Ping           bool          `yaml:"ping"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// Default returns the configuration used for fields a file leaves unset.
func Default() *Config {
	return &Config{
		Driver: "sqlite3",
		DSN:    "sqlbind.db",
		Pool: PoolConfig{
			MaxConnections: 4,
			Ping:           true,
		},
		LogLevel: "info",
		LogFile: LogFileConfig{
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 7,
		},
	}
}

// LoadFile reads path over Default. Unknown keys are rejected.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Driver == "" {
		errs = append(errs, fmt.Errorf("driver is required"))
	}
	if c.Pool.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("pool.max_connections must not be negative"))
	}
	if c.Pool.MinConnections < 0 {
		errs = append(errs, fmt.Errorf("pool.min_connections must not be negative"))
	}
	if c.Pool.MaxConnections > 0 && c.Pool.MinConnections > c.Pool.MaxConnections {
		errs = append(errs, fmt.Errorf("pool.min_connections (%d) exceeds pool.max_connections (%d)",
			c.Pool.MinConnections, c.Pool.MaxConnections))
	}
	if c.Pool.AcquireTimeout < 0 {
		errs = append(errs, fmt.Errorf("pool.acquire_timeout must not be negative"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFile.MaxSizeMB < 0 || c.LogFile.MaxBackups < 0 || c.LogFile.MaxAgeDays < 0 {
		errs = append(errs, fmt.Errorf("log_file rotation limits must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// PoolFactoryConfig converts the pool section for database.NewPoolFactory.
func (c *Config) PoolFactoryConfig() database.PoolConfig {
	return database.PoolConfig{
		MaxConnections: c.Pool.MaxConnections,
		MinConnections: c.Pool.MinConnections,
		Ping:           c.Pool.Ping,
		AcquireTimeout: c.Pool.AcquireTimeout,
	}
}

// LogWriter returns where logs should be written. The caller closes it.
func (c *Config) LogWriter() io.WriteCloser {
	if c.LogFile.Path == "" {
		return nopCloser{os.Stdout}
	}
	return &lumberjack.Logger{
		Filename:   c.LogFile.Path,
		MaxSize:    c.LogFile.MaxSizeMB,
		MaxBackups: c.LogFile.MaxBackups,
		MaxAge:     c.LogFile.MaxAgeDays,
		Compress:   c.LogFile.Compress,
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// Level returns the slog level named by LogLevel.
func (c *Config) Level() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log_level must be one of: debug, info, warn, error (got %q)", s)
}
