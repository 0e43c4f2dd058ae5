package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr    = ":8080"
	defaultDBPath        = "haul.db"
	defaultSandboxDir    = "downloads"
	defaultEngine        = "poll"
	defaultPollInterval  = time.Second
	defaultMaxConcurrent = 4
	defaultTaskRetention = 7 * 24 * time.Hour

	envConfigFile    = "HAUL_CONFIG"
	envListenAddr    = "HAUL_LISTEN_ADDR"
	envDBPath        = "HAUL_DB_PATH"
	envStoreURL      = "HAUL_STORE_URL"
	envLogLevel      = "HAUL_LOG_LEVEL"
	envSandboxDir    = "HAUL_SANDBOX_DIR"
	envEngine        = "HAUL_ENGINE"
	envPollInterval  = "HAUL_POLL_INTERVAL"
	envMaxConcurrent = "HAUL_MAX_CONCURRENT"
	envMinFreeSpace  = "HAUL_MIN_FREE_SPACE"
	envTaskRetention = "HAUL_TASK_RETENTION"
)

// Config holds application configuration.
type Config struct {
	ListenAddr string
	DBPath     string
	// StoreURL selects the key-value substrate. Empty means SQLite at DBPath;
	// any gocloud blob URL (mem://, file:///path) uses a bucket instead.
	StoreURL      string
	LogLevel      slog.Level
	SandboxDir    string
	Engine        string
	PollInterval  time.Duration
	MaxConcurrent int
	MinFreeSpace  uint64
	TaskRetention time.Duration
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:    defaultListenAddr,
		DBPath:        defaultDBPath,
		LogLevel:      slog.LevelInfo,
		SandboxDir:    defaultSandboxDir,
		Engine:        defaultEngine,
		PollInterval:  defaultPollInterval,
		MaxConcurrent: defaultMaxConcurrent,
		TaskRetention: defaultTaskRetention,
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// HAUL_CONFIG if set, then HAUL_* environment variables.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv(envConfigFile); path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// yamlConfig mirrors Config with human-readable durations and sizes.
type yamlConfig struct {
	ListenAddr    string `yaml:"listen_addr"`
	DBPath        string `yaml:"db_path"`
	StoreURL      string `yaml:"store_url"`
	LogLevel      string `yaml:"log_level"`
	SandboxDir    string `yaml:"sandbox_dir"`
	Engine        string `yaml:"engine"`
	PollInterval  string `yaml:"poll_interval"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	MinFreeSpace  string `yaml:"min_free_space"`
	TaskRetention string `yaml:"task_retention"`
}

// LoadFromFile reads a YAML file over the defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()
	if yc.ListenAddr != "" {
		cfg.ListenAddr = yc.ListenAddr
	}
	if yc.DBPath != "" {
		cfg.DBPath = yc.DBPath
	}
	if yc.StoreURL != "" {
		cfg.StoreURL = yc.StoreURL
	}
	if yc.LogLevel != "" {
		cfg.LogLevel = parseLogLevel(yc.LogLevel)
	}
	if yc.SandboxDir != "" {
		cfg.SandboxDir = yc.SandboxDir
	}
	if yc.Engine != "" {
		cfg.Engine = yc.Engine
	}
	if yc.PollInterval != "" {
		if cfg.PollInterval, err = time.ParseDuration(yc.PollInterval); err != nil {
			return Config{}, fmt.Errorf("parse poll_interval: %w", err)
		}
	}
	if yc.MaxConcurrent != 0 {
		cfg.MaxConcurrent = yc.MaxConcurrent
	}
	if yc.MinFreeSpace != "" {
		if cfg.MinFreeSpace, err = humanize.ParseBytes(yc.MinFreeSpace); err != nil {
			return Config{}, fmt.Errorf("parse min_free_space: %w", err)
		}
	}
	if yc.TaskRetention != "" {
		if cfg.TaskRetention, err = time.ParseDuration(yc.TaskRetention); err != nil {
			return Config{}, fmt.Errorf("parse task_retention: %w", err)
		}
	}
	return cfg, nil
}

// LoadFromEnv overrides fields from HAUL_* environment variables.
func (c *Config) LoadFromEnv() error {
	var err error
	if v := os.Getenv(envListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(envStoreURL); v != "" {
		c.StoreURL = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envSandboxDir); v != "" {
		c.SandboxDir = v
	}
	if v := os.Getenv(envEngine); v != "" {
		c.Engine = v
	}
	if v := os.Getenv(envPollInterval); v != "" {
		if c.PollInterval, err = time.ParseDuration(v); err != nil {
			return fmt.Errorf("parse %s: %w", envPollInterval, err)
		}
	}
	if v := os.Getenv(envMaxConcurrent); v != "" {
		if c.MaxConcurrent, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("parse %s: %w", envMaxConcurrent, err)
		}
	}
	if v := os.Getenv(envMinFreeSpace); v != "" {
		if c.MinFreeSpace, err = humanize.ParseBytes(v); err != nil {
			return fmt.Errorf("parse %s: %w", envMinFreeSpace, err)
		}
	}
	if v := os.Getenv(envTaskRetention); v != "" {
		if c.TaskRetention, err = time.ParseDuration(v); err != nil {
			return fmt.Errorf("parse %s: %w", envTaskRetention, err)
		}
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.SandboxDir == "" {
		errs = append(errs, errors.New("sandbox directory is required"))
	}
	if c.Engine != "poll" && c.Engine != "callback" {
		errs = append(errs, fmt.Errorf("engine must be poll or callback, got %q", c.Engine))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if c.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("max concurrent transfers must be positive"))
	}
	if c.TaskRetention <= 0 {
		errs = append(errs, errors.New("task retention must be positive"))
	}
	return errors.Join(errs...)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
