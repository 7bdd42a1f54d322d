// Package server provides configuration helpers that define runtime defaults,
// validation, and layering for the relay service.
package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string
	APIKey         string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig

	TokenTTL           time.Duration
	TokenPruneInterval time.Duration
	SingleUseTokens    bool

	SendBufferSize int
	BusBufferSize  int

	// Version is announced in every Connect message. Zero means the unix
	// time the server was created.
	Version uint64

	LogLevel        string
	LogFormat       string
	MetricsInterval time.Duration
	ShutdownTimeout time.Duration
}

func defaultConfig() Config {
	return Config{
		Port:           "127.0.0.1:3003",
		AllowedOrigins: []string{"*"},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		TokenTTL:           10 * time.Second,
		TokenPruneInterval: time.Minute,
		SendBufferSize:     256,
		BusBufferSize:      100,
		LogLevel:           "info",
		LogFormat:          "console",
		MetricsInterval:    time.Minute,
		ShutdownTimeout:    10 * time.Second,
	}
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = def.TokenTTL
	}
	if cfg.TokenPruneInterval < 0 {
		cfg.TokenPruneInterval = 0
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = def.SendBufferSize
	}
	if cfg.BusBufferSize <= 0 {
		cfg.BusBufferSize = def.BusBufferSize
	}
	if cfg.MetricsInterval < 0 {
		cfg.MetricsInterval = 0
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.Version == 0 {
		cfg.Version = uint64(time.Now().Unix())
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// Validate reports configuration that the server cannot start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("api key is required (set API_KEY or api_key)")
	}
	return nil
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()
	ApplyEnv(&cfg, os.Getenv)
	return &cfg
}

// ApplyEnv overlays the environment variables the relay understands onto cfg.
// Unset or unparsable values leave the current setting in place.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if key := getenv("API_KEY"); key != "" {
		cfg.APIKey = key
	}

	if port := getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	if origins := getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if burst := getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseDuration(interval, cfg.RateLimit.RefillInterval)
	}

	if ttl := getenv("TOKEN_TTL"); ttl != "" {
		cfg.TokenTTL = parseDuration(ttl, cfg.TokenTTL)
	}

	if single := getenv("SINGLE_USE_TOKENS"); single != "" {
		if v, err := strconv.ParseBool(single); err == nil {
			cfg.SingleUseTokens = v
		}
	}

	if level := getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if format := getenv("LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}
}

// fileConfig is the on-disk shape of the config file. Only keys present in
// the file override the current settings.
type fileConfig struct {
	Port               *string   `toml:"port" yaml:"port"`
	APIKey             *string   `toml:"api_key" yaml:"api_key"`
	AllowedOrigins     *[]string `toml:"allowed_origins" yaml:"allowed_origins"`
	MaxMessageSize     *int64    `toml:"max_message_size" yaml:"max_message_size"`
	RateLimitBurst     *int      `toml:"rate_limit_burst" yaml:"rate_limit_burst"`
	RateLimitRefill    *duration `toml:"rate_limit_refill_interval" yaml:"rate_limit_refill_interval"`
	TokenTTL           *duration `toml:"token_ttl" yaml:"token_ttl"`
	TokenPruneInterval *duration `toml:"token_prune_interval" yaml:"token_prune_interval"`
	SingleUseTokens    *bool     `toml:"single_use_tokens" yaml:"single_use_tokens"`
	SendBufferSize     *int      `toml:"send_buffer_size" yaml:"send_buffer_size"`
	BusBufferSize      *int      `toml:"bus_buffer_size" yaml:"bus_buffer_size"`
	Version            *uint64   `toml:"version" yaml:"version"`
	LogLevel           *string   `toml:"log_level" yaml:"log_level"`
	LogFormat          *string   `toml:"log_format" yaml:"log_format"`
	MetricsInterval    *duration `toml:"metrics_interval" yaml:"metrics_interval"`
	ShutdownTimeout    *duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// duration decodes "10s" style strings from either file format.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// LoadConfigFile overlays a TOML (.toml) or YAML (.yaml, .yml) file onto cfg.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var raw fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("load config %s: unsupported extension", path)
	}

	raw.apply(cfg)
	return nil
}

func (f fileConfig) apply(cfg *Config) {
	if f.Port != nil {
		cfg.Port = strings.TrimSpace(*f.Port)
	}
	if f.APIKey != nil {
		cfg.APIKey = strings.TrimSpace(*f.APIKey)
	}
	if f.AllowedOrigins != nil {
		cfg.AllowedOrigins = append([]string(nil), (*f.AllowedOrigins)...)
	}
	if f.MaxMessageSize != nil {
		cfg.MaxMessageSize = *f.MaxMessageSize
	}
	if f.RateLimitBurst != nil {
		cfg.RateLimit.Burst = *f.RateLimitBurst
	}
	if f.RateLimitRefill != nil {
		cfg.RateLimit.RefillInterval = time.Duration(*f.RateLimitRefill)
	}
	if f.TokenTTL != nil {
		cfg.TokenTTL = time.Duration(*f.TokenTTL)
	}
	if f.TokenPruneInterval != nil {
		cfg.TokenPruneInterval = time.Duration(*f.TokenPruneInterval)
	}
	if f.SingleUseTokens != nil {
		cfg.SingleUseTokens = *f.SingleUseTokens
	}
	if f.SendBufferSize != nil {
		cfg.SendBufferSize = *f.SendBufferSize
	}
	if f.BusBufferSize != nil {
		cfg.BusBufferSize = *f.BusBufferSize
	}
	if f.Version != nil {
		cfg.Version = *f.Version
	}
	if f.LogLevel != nil {
		cfg.LogLevel = *f.LogLevel
	}
	if f.LogFormat != nil {
		cfg.LogFormat = *f.LogFormat
	}
	if f.MetricsInterval != nil {
		cfg.MetricsInterval = time.Duration(*f.MetricsInterval)
	}
	if f.ShutdownTimeout != nil {
		cfg.ShutdownTimeout = time.Duration(*f.ShutdownTimeout)
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts a Go duration ("500ms") or a whole number of seconds.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
