package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvHTTPAddr          = "TURNGATE_HTTP_ADDR"
	EnvDBDriver          = "TURNGATE_DB_DRIVER"
	EnvDBDSN             = "TURNGATE_DB_DSN"
	EnvMaxProcessing     = "TURNGATE_MAX_PROCESSING"
	EnvStreamIdleTimeout = "TURNGATE_STREAM_IDLE_TIMEOUT"
	EnvQueueCapacity     = "TURNGATE_QUEUE_CAPACITY"
	EnvQuotaLimit        = "TURNGATE_QUOTA_LIMIT"
	EnvQuotaWindow       = "TURNGATE_QUOTA_WINDOW"
	EnvRequeueAge        = "TURNGATE_REQUEUE_AGE"
	EnvConfigFile        = "TURNGATE_CONFIG_FILE"
)

const (
	defaultHTTPAddr          = ":8080"
	defaultDBDriver          = "sqlite"
	defaultDBDSN             = "turngate.db"
	defaultMaxProcessing     = 10 * time.Minute
	defaultStreamIdleTimeout = 5 * time.Minute
	defaultQueueCapacity     = 256
	defaultQuotaLimit        = 60
	defaultQuotaWindow       = time.Hour
	defaultRequeueAge        = time.Minute
)

type Config struct {
	HTTPAddr          string
	DBDriver          string
	DBDSN             string
	MaxProcessing     time.Duration
	StreamIdleTimeout time.Duration
	QueueCapacity     int
	QuotaLimit        int
	QuotaWindow       time.Duration
	RequeueAge        time.Duration
}

type fileConfig struct {
	HTTPAddr          string `yaml:"http_addr"`
	DBDriver          string `yaml:"db_driver"`
	DBDSN             string `yaml:"db_dsn"`
	MaxProcessing     string `yaml:"max_processing"`
	StreamIdleTimeout string `yaml:"stream_idle_timeout"`
	QueueCapacity     *int   `yaml:"queue_capacity"`
	QuotaLimit        *int   `yaml:"quota_limit"`
	QuotaWindow       string `yaml:"quota_window"`
	RequeueAge        string `yaml:"requeue_age"`
}

func defaults() Config {
	return Config{
		HTTPAddr:          defaultHTTPAddr,
		DBDriver:          defaultDBDriver,
		DBDSN:             defaultDBDSN,
		MaxProcessing:     defaultMaxProcessing,
		StreamIdleTimeout: defaultStreamIdleTimeout,
		QueueCapacity:     defaultQueueCapacity,
		QuotaLimit:        defaultQuotaLimit,
		QuotaWindow:       defaultQuotaWindow,
		RequeueAge:        defaultRequeueAge,
	}
}

// Load resolves configuration as defaults, overlaid by the optional YAML
// file named in TURNGATE_CONFIG_FILE, overlaid by environment variables.
func Load() (Config, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv(EnvConfigFile)); path != "" {
		if err := applyYAML(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyYAML(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if v := strings.TrimSpace(file.HTTPAddr); v != "" {
		cfg.HTTPAddr = v
	}
	if v := strings.TrimSpace(file.DBDriver); v != "" {
		cfg.DBDriver = strings.ToLower(v)
	}
	if v := strings.TrimSpace(file.DBDSN); v != "" {
		cfg.DBDSN = v
	}
	if file.QueueCapacity != nil {
		cfg.QueueCapacity = *file.QueueCapacity
	}
	if file.QuotaLimit != nil {
		cfg.QuotaLimit = *file.QuotaLimit
	}

	durations := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{file.MaxProcessing, "max_processing", &cfg.MaxProcessing},
		{file.StreamIdleTimeout, "stream_idle_timeout", &cfg.StreamIdleTimeout},
		{file.QuotaWindow, "quota_window", &cfg.QuotaWindow},
		{file.RequeueAge, "requeue_age", &cfg.RequeueAge},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvHTTPAddr)); v != "" {
		cfg.HTTPAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDBDriver)); v != "" {
		cfg.DBDriver = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvDBDSN)); v != "" {
		cfg.DBDSN = v
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{EnvMaxProcessing, &cfg.MaxProcessing},
		{EnvStreamIdleTimeout, &cfg.StreamIdleTimeout},
		{EnvQuotaWindow, &cfg.QuotaWindow},
		{EnvRequeueAge, &cfg.RequeueAge},
	}
	for _, d := range durations {
		raw := strings.TrimSpace(os.Getenv(d.env))
		if raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.env, err)
		}
		*d.dst = parsed
	}

	ints := []struct {
		env string
		dst *int
	}{
		{EnvQueueCapacity, &cfg.QueueCapacity},
		{EnvQuotaLimit, &cfg.QuotaLimit},
	}
	for _, n := range ints {
		raw := strings.TrimSpace(os.Getenv(n.env))
		if raw == "" {
			continue
		}
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", n.env, err)
		}
		*n.dst = parsed
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("http addr must not be empty")
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("db driver must be sqlite or postgres, got %q", c.DBDriver)
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return errors.New("db dsn must not be empty")
	}
	if c.MaxProcessing <= 0 {
		return errors.New("max processing duration must be > 0")
	}
	if c.StreamIdleTimeout <= 0 {
		return errors.New("stream idle timeout must be > 0")
	}
	if c.QueueCapacity <= 0 {
		return errors.New("queue capacity must be > 0")
	}
	if c.QuotaLimit <= 0 {
		return errors.New("quota limit must be > 0")
	}
	if c.QuotaWindow <= 0 {
		return errors.New("quota window must be > 0")
	}
	if c.RequeueAge <= 0 {
		return errors.New("requeue age must be > 0")
	}
	return nil
}
