package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr string `env:"NEXUS_ADDR" envDefault:":3000"`

	// Admission control
	HardLimitPerWindow int           `env:"NEXUS_HARD_LIMIT" envDefault:"200"`      // requests/min before hard block
	BlockDuration      time.Duration `env:"NEXUS_BLOCK_DURATION" envDefault:"15m"`  // hard block TTL
	GeneralLimit       int           `env:"NEXUS_GENERAL_LIMIT" envDefault:"100"`   // general tier, per minute
	AuthLimit          int           `env:"NEXUS_AUTH_LIMIT" envDefault:"10"`       // auth tier, per AuthWindow
	AuthWindow         time.Duration `env:"NEXUS_AUTH_WINDOW" envDefault:"15m"`     //
	APILimit           int           `env:"NEXUS_API_LIMIT" envDefault:"60"`        // api tier, per minute
	SlowdownThreshold  int           `env:"NEXUS_SLOWDOWN_THRESHOLD" envDefault:"50"`
	SlowdownStep       time.Duration `env:"NEXUS_SLOWDOWN_STEP" envDefault:"100ms"` // delay per request past threshold
	MaxConnsPerAddr    int           `env:"NEXUS_MAX_CONNS_PER_ADDR" envDefault:"5"`
	MessagesPerMinute  int           `env:"NEXUS_MESSAGES_PER_MINUTE" envDefault:"30"`
	SweepInterval      time.Duration `env:"NEXUS_SWEEP_INTERVAL" envDefault:"1m"` // expired block/rate record sweep

	// Probe engine
	ScanDialTimeout  time.Duration `env:"NEXUS_SCAN_DIAL_TIMEOUT" envDefault:"2s"`
	ScanMaxPorts     int           `env:"NEXUS_SCAN_MAX_PORTS" envDefault:"100"`
	ProbeInterval    time.Duration `env:"NEXUS_PROBE_INTERVAL" envDefault:"1s"`
	ProbeDialTimeout time.Duration `env:"NEXUS_PROBE_DIAL_TIMEOUT" envDefault:"2s"`

	// Tracker geolocation lookup (empty disables the remote lookup)
	GeoAPIURL     string        `env:"NEXUS_GEO_API_URL" envDefault:"http://ip-api.com/json"`
	GeoAPITimeout time.Duration `env:"NEXUS_GEO_API_TIMEOUT" envDefault:"3s"`

	// Lifecycle
	ShutdownGrace   time.Duration `env:"NEXUS_SHUTDOWN_GRACE" envDefault:"30s"`
	MetricsInterval time.Duration `env:"NEXUS_METRICS_INTERVAL" envDefault:"15s"`

	// HTTP timeouts
	HTTPReadTimeout  time.Duration `env:"NEXUS_HTTP_READ_TIMEOUT" envDefault:"10s"`
	HTTPWriteTimeout time.Duration `env:"NEXUS_HTTP_WRITE_TIMEOUT" envDefault:"10s"`
	HTTPIdleTimeout  time.Duration `env:"NEXUS_HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from an optional .env file and environment
// variables. Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("NEXUS_ADDR is required")
	}
	if c.HardLimitPerWindow < 1 {
		return fmt.Errorf("NEXUS_HARD_LIMIT must be > 0, got %d", c.HardLimitPerWindow)
	}
	if c.MaxConnsPerAddr < 1 {
		return fmt.Errorf("NEXUS_MAX_CONNS_PER_ADDR must be > 0, got %d", c.MaxConnsPerAddr)
	}
	if c.ScanMaxPorts < 1 || c.ScanMaxPorts > 65535 {
		return fmt.Errorf("NEXUS_SCAN_MAX_PORTS must be 1-65535, got %d", c.ScanMaxPorts)
	}
	if c.SlowdownThreshold >= c.GeneralLimit {
		return fmt.Errorf("NEXUS_SLOWDOWN_THRESHOLD (%d) must be below NEXUS_GENERAL_LIMIT (%d)",
			c.SlowdownThreshold, c.GeneralLimit)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("hard_limit_per_window", c.HardLimitPerWindow).
		Dur("block_duration", c.BlockDuration).
		Int("general_limit", c.GeneralLimit).
		Int("auth_limit", c.AuthLimit).
		Int("api_limit", c.APILimit).
		Int("max_conns_per_addr", c.MaxConnsPerAddr).
		Int("messages_per_minute", c.MessagesPerMinute).
		Dur("scan_dial_timeout", c.ScanDialTimeout).
		Dur("probe_interval", c.ProbeInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
