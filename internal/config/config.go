package config

import (
	"errors"
	"fmt"
	"time"
)

// Cache drivers.
const (
	CacheDriverRedis  = "redis"
	CacheDriverMemory = "memory"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`

	CacheDriver string `mapstructure:"cache_driver" yaml:"cache_driver"`
	RedisURL    string `mapstructure:"redis_url" yaml:"redis_url"`

	APIBaseURL      string        `mapstructure:"api_base_url" yaml:"api_base_url"`
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout" yaml:"upstream_timeout"`
	BackendTimeout  time.Duration `mapstructure:"backend_timeout" yaml:"backend_timeout"`

	BreakerMaxFailures uint32        `mapstructure:"breaker_max_failures" yaml:"breaker_max_failures"`
	BreakerOpenTimeout time.Duration `mapstructure:"breaker_open_timeout" yaml:"breaker_open_timeout"`

	JWTSecret   string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string `mapstructure:"jwt_audience" yaml:"jwt_audience"`

	MaxMessageLength  int           `mapstructure:"max_message_length" yaml:"max_message_length"`
	RateLimitMessages int           `mapstructure:"rate_limit_messages" yaml:"rate_limit_messages"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window" yaml:"rate_limit_window"`

	PingInterval      time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	PingTimeout       time.Duration `mapstructure:"ping_timeout" yaml:"ping_timeout"`
	MaxMessageBytes   int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	WSEventsPerMinute int           `mapstructure:"ws_events_per_minute" yaml:"ws_events_per_minute"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`

	SessionTTL       time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
	RoomCacheTTL     time.Duration `mapstructure:"room_cache_ttl" yaml:"room_cache_ttl"`
	MessageCacheTTL  time.Duration `mapstructure:"message_cache_ttl" yaml:"message_cache_ttl"`
	MessageCacheSize int           `mapstructure:"message_cache_size" yaml:"message_cache_size"`
	ContextTTL       time.Duration `mapstructure:"context_ttl" yaml:"context_ttl"`
	ContextSize      int           `mapstructure:"context_size" yaml:"context_size"`

	MetricsEnabled bool `mapstructure:"metrics_enabled" yaml:"metrics_enabled"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,

		LogLevel:  "info",
		LogFormat: "console",

		CacheDriver: CacheDriverRedis,
		RedisURL:    "redis://localhost:6379/0",

		APIBaseURL:      "http://localhost:8000",
		UpstreamTimeout: 10 * time.Second,
		BackendTimeout:  60 * time.Second,

		BreakerMaxFailures: 5,
		BreakerOpenTimeout: 30 * time.Second,

		MaxMessageLength:  5000,
		RateLimitMessages: 20,
		RateLimitWindow:   time.Minute,

		PingInterval:      25 * time.Second,
		PingTimeout:       20 * time.Second,
		MaxMessageBytes:   1 << 20,
		WSEventsPerMinute: 240,

		SessionTTL:       24 * time.Hour,
		RoomCacheTTL:     time.Hour,
		MessageCacheTTL:  24 * time.Hour,
		MessageCacheSize: 50,
		ContextTTL:       time.Hour,
		ContextSize:      20,

		MetricsEnabled: true,
	}
}

// Validate reports settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt_secret is required"))
	}
	if c.APIBaseURL == "" {
		errs = append(errs, errors.New("api_base_url is required"))
	}
	if c.MaxMessageLength <= 0 {
		errs = append(errs, fmt.Errorf("max_message_length must be positive, got %d", c.MaxMessageLength))
	}
	if c.RateLimitMessages <= 0 || c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("rate_limit_messages and rate_limit_window must be positive"))
	}
	if c.BackendTimeout <= 0 {
		errs = append(errs, errors.New("backend_timeout must be positive"))
	}
	switch c.CacheDriver {
	case CacheDriverRedis, CacheDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown cache_driver %q", c.CacheDriver))
	}
	return errors.Join(errs...)
}
