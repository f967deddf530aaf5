package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"dhanoi/models"
)

const (
	DefaultFeedHost    = "api-feed.dhan.co"
	DefaultAddress     = ":5000"
	DefaultScripMaster = "api-scrip-master.csv"
)

type Config struct {
	Service     ServiceConfig       `yaml:"service"`
	Logging     LoggingConfig       `yaml:"logging"`
	Feed        FeedConfig          `yaml:"feed"`
	Cache       CacheConfig         `yaml:"cache"`
	Tracker     TrackerConfig       `yaml:"tracker"`
	Refresh     RefreshConfig       `yaml:"refresh"`
	Server      ServerConfig        `yaml:"server"`
	Metrics     MetricsConfig       `yaml:"metrics"`
	Instruments []models.Instrument `yaml:"instruments"`
	ScripMaster ScripMasterConfig   `yaml:"scrip_master"`

	// TickersFromEnv is set when DHAN_TICKERS was present. The scrip master
	// lookup is skipped in that case.
	TickersFromEnv bool `yaml:"-"`
}

type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
	// ReportInterval drives the periodic runtime report when level is "report".
	ReportInterval time.Duration `yaml:"report_interval"`
}

type FeedConfig struct {
	Host             string          `yaml:"host"`
	Token            string          `yaml:"token"`
	ClientID         string          `yaml:"client_id"`
	AuthType         int             `yaml:"auth_type"`
	HandshakeTimeout time.Duration   `yaml:"handshake_timeout"`
	ReadTimeout      time.Duration   `yaml:"read_timeout"`
	PingInterval     time.Duration   `yaml:"ping_interval"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
	Frame            FrameConfig     `yaml:"frame"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type FrameConfig struct {
	OIOffset            int    `yaml:"oi_offset"`
	MinLength           int    `yaml:"min_length"`
	Routing             string `yaml:"routing"`
	SecurityIDOffset    int    `yaml:"security_id_offset"`
	SecurityIDByteOrder string `yaml:"security_id_byte_order"`
}

type CacheConfig struct {
	Freshness time.Duration `yaml:"freshness"`
}

type TrackerConfig struct {
	WindowsMinutes []int `yaml:"windows_minutes"`
}

// Windows returns the configured windows as durations.
func (c TrackerConfig) Windows() []time.Duration {
	out := make([]time.Duration, 0, len(c.WindowsMinutes))
	for _, m := range c.WindowsMinutes {
		out = append(out, time.Duration(m)*time.Minute)
	}
	return out
}

type RefreshConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type ServerConfig struct {
	Address         string          `yaml:"address"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig limits requests per client IP. A zero rate disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
	Feed       bool             `yaml:"feed"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type ScripMasterConfig struct {
	Path    string `yaml:"path"`
	Segment string `yaml:"segment"`
}

// Default returns the built-in configuration every file is layered on.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{Name: "dhanoi", Version: "dev"},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: time.Minute,
		},
		Feed: FeedConfig{
			Host:             DefaultFeedHost,
			HandshakeTimeout: 10 * time.Second,
			ReadTimeout:      90 * time.Second,
			PingInterval:     30 * time.Second,
			Reconnect: ReconnectConfig{
				BaseDelay:   5 * time.Second,
				MaxDelay:    300 * time.Second,
				MaxAttempts: 10,
			},
			Frame: FrameConfig{
				OIOffset:  35,
				MinLength: 39,
				Routing:   "broadcast",
			},
		},
		Cache:   CacheConfig{Freshness: 60 * time.Second},
		Tracker: TrackerConfig{WindowsMinutes: []int{15, 45, 75, 120, 240}},
		Refresh: RefreshConfig{Enabled: true, Interval: 60 * time.Second},
		Server: ServerConfig{
			Address:         DefaultAddress,
			ShutdownTimeout: 5 * time.Second,
			RateLimit:       RateLimitConfig{RequestsPerSecond: 20, Burst: 40},
		},
		Metrics: MetricsConfig{
			CloudWatch: CloudWatchConfig{Namespace: "DhanOI", Dashboard: "DhanOI"},
			Feed:       true,
		},
		ScripMaster: ScripMasterConfig{Path: DefaultScripMaster, Segment: "NSE_FNO"},
	}
}

// LoadConfig layers the YAML file at path and the environment over the
// defaults. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(config)

	config.Feed.Host = strings.TrimSpace(config.Feed.Host)
	config.Feed.Token = strings.TrimSpace(config.Feed.Token)
	config.Feed.ClientID = strings.TrimSpace(config.Feed.ClientID)
	if config.Feed.Frame.MinLength == 0 {
		config.Feed.Frame.MinLength = config.Feed.Frame.OIOffset + 4
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}

	rc := cfg.Feed.Reconnect
	if rc.BaseDelay <= 0 {
		return fmt.Errorf("feed.reconnect.base_delay must be greater than 0")
	}
	if rc.MaxDelay < rc.BaseDelay {
		return fmt.Errorf("feed.reconnect.max_delay must not be less than base_delay")
	}
	if rc.MaxAttempts <= 0 {
		return fmt.Errorf("feed.reconnect.max_attempts must be greater than 0")
	}

	if cfg.Feed.HandshakeTimeout <= 0 {
		return fmt.Errorf("feed.handshake_timeout must be greater than 0")
	}
	if cfg.Feed.ReadTimeout <= 0 {
		return fmt.Errorf("feed.read_timeout must be greater than 0")
	}
	if cfg.Feed.PingInterval <= 0 || cfg.Feed.PingInterval >= cfg.Feed.ReadTimeout {
		return fmt.Errorf("feed.ping_interval must be greater than 0 and less than read_timeout")
	}

	frame := cfg.Feed.Frame
	if frame.OIOffset < 0 {
		return fmt.Errorf("feed.frame.oi_offset must not be negative")
	}
	if frame.MinLength < frame.OIOffset+4 {
		return fmt.Errorf("feed.frame.min_length must be at least oi_offset+4")
	}
	switch frame.Routing {
	case "", "broadcast":
	case "security_id":
		if frame.SecurityIDOffset < 0 {
			return fmt.Errorf("feed.frame.security_id_offset must not be negative")
		}
	default:
		return fmt.Errorf("feed.frame.routing '%s' is invalid", frame.Routing)
	}

	if cfg.Cache.Freshness <= 0 {
		return fmt.Errorf("cache.freshness must be greater than 0")
	}

	for _, m := range cfg.Tracker.WindowsMinutes {
		if m <= 0 {
			return fmt.Errorf("tracker.windows_minutes must only contain positive values")
		}
	}

	if cfg.Refresh.Enabled && cfg.Refresh.Interval <= 0 {
		return fmt.Errorf("refresh.interval must be greater than 0 when refresh is enabled")
	}

	if cfg.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if cfg.Server.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must not be negative")
	}
	if cfg.Server.RateLimit.RequestsPerSecond > 0 && cfg.Server.RateLimit.Burst <= 0 {
		return fmt.Errorf("server.rate_limit.burst must be greater than 0 when rate limiting is enabled")
	}

	if cfg.Metrics.CloudWatch.Enabled {
		if cfg.Metrics.CloudWatch.Region == "" {
			return fmt.Errorf("metrics.cloudwatch.region is required when CloudWatch is enabled")
		}
		if cfg.Metrics.CloudWatch.Namespace == "" {
			return fmt.Errorf("metrics.cloudwatch.namespace is required when CloudWatch is enabled")
		}
	}

	return nil
}
