// Package config provides YAML-based configuration loading for a Socket
// Mode bot instance, plus a functional-options constructor for embedding a
// bot directly in a host Go program without a config file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// AckMode selects how the framework acknowledges a dispatched handler
// before its own result is known. Socket Mode envelope acking (the wire
// {envelope_id} reply) always happens immediately on receipt regardless of
// this setting — AckMode instead controls whether a conversational
// "received, working on it" message is posted back to the channel.
type AckMode string

const (
	AckSilent    AckMode = "silent"    // no chat-visible ack
	AckEphemeral AckMode = "ephemeral" // ephemeral ack message
	AckCustom    AckMode = "custom"    // host-supplied AckFunc
)

// AckFunc is invoked when AckMode is AckCustom. It receives the envelope
// type and payload and returns the text to post, or "" to skip.
type AckFunc func(envelopeType string, payload map[string]any) string

// CacheKind identifies a background metadata sync target.
type CacheKind string

const (
	CacheKindUsers    CacheKind = "users"
	CacheKindChannels CacheKind = "channels"
)

// AdapterSelector picks an adapter implementation for a pluggable
// subsystem (event buffer, metadata cache, rate limiter). "memory" is
// always available; "external" requires DSN to be set and selects a
// gorm-backed cross-node store.
type AdapterSelector struct {
	Kind      string `yaml:"kind"` // "memory" (default) or "external"
	DSN       string `yaml:"dsn"`  // connection string for "external"
	Namespace string `yaml:"namespace"` // not read by any adapter: buffer and cache keys are partitioned by the instance Name alone
}

// Config is the immutable, validated configuration for one bot Instance.
// Once built it is never mutated — hot-reload builds a new Config and the
// instance swaps to it atomically between restarts of its children.
type Config struct {
	Name string `yaml:"name"` // instance name; partitions all per-instance state

	AppToken string `yaml:"app_token"` // xapp-... Socket Mode app-level token
	BotToken string `yaml:"bot_token"` // xoxb-... bot token

	TelemetryPrefix []string `yaml:"telemetry_prefix"`

	Backoff     BackoffConfig     `yaml:"backoff"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
	UserCache   UserCacheConfig   `yaml:"user_cache"`
	CacheSync   CacheSyncConfig   `yaml:"cache_sync"`

	AckModeRaw string  `yaml:"ack_mode"` // "silent", "ephemeral", or "custom"
	AckMode    AckMode `yaml:"-"`
	AckFn      AckFunc `yaml:"-"` // set via WithAckFunc, only meaningful when AckMode == custom

	RateLimiter AdapterSelector `yaml:"rate_limiter"`
	EventBuffer AdapterSelector `yaml:"event_buffer"`
	Cache       AdapterSelector `yaml:"cache"`
}

// BackoffConfig controls reconnect backoff/jitter.
type BackoffConfig struct {
	MinMS       int64   `yaml:"min_ms"`
	MaxMS       int64   `yaml:"max_ms"`
	MaxAttempts int     `yaml:"max_attempts"` // 0 means unbounded (∞)
	JitterRatio float64 `yaml:"jitter_ratio"` // in [0,1]
}

// DiagnosticsConfig controls the inbound/outbound frame ring buffer.
type DiagnosticsConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`
}

// HealthCheckConfig controls the periodic auth.test probe.
type HealthCheckConfig struct {
	Enabled    bool  `yaml:"enabled"`
	IntervalMS int64 `yaml:"interval_ms"`
}

// UserCacheConfig controls metadata cache TTL and janitor cadence.
type UserCacheConfig struct {
	TTLMS             int64 `yaml:"ttl_ms"`
	CleanupIntervalMS int64 `yaml:"cleanup_interval_ms"`
}

// CacheSyncConfig controls the background channel/user sync workers.
type CacheSyncConfig struct {
	Enabled    bool        `yaml:"enabled"`
	IntervalMS int64       `yaml:"interval_ms"`
	Kinds      []CacheKind `yaml:"kinds"`
	PageLimit  int         `yaml:"page_limit"` // 0 means unbounded (∞)
}

// Option customizes a Config built with New, for embedding a bot directly
// in a host Go program without a YAML file.
type Option func(*Config)

// WithName sets the instance name.
func WithName(name string) Option { return func(c *Config) { c.Name = name } }

// WithTokens sets the Socket Mode app token and bot token.
func WithTokens(appToken, botToken string) Option {
	return func(c *Config) { c.AppToken = appToken; c.BotToken = botToken }
}

// WithTelemetryPrefix sets the ordered telemetry name-segment prefix.
func WithTelemetryPrefix(segments ...string) Option {
	return func(c *Config) { c.TelemetryPrefix = segments }
}

// WithAckFunc installs a custom ack function and sets AckMode to custom.
func WithAckFunc(fn AckFunc) Option {
	return func(c *Config) { c.AckMode = AckCustom; c.AckFn = fn }
}

// New builds a Config from environment tokens and options, applies
// defaults, and validates it. Suitable for embedding a bot in a host Go
// program without a YAML file.
func New(opts ...Option) (*Config, error) {
	cfg := &Config{
		AppToken: os.Getenv("SLACK_APP_TOKEN"),
		BotToken: os.Getenv("SLACK_BOT_TOKEN"),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.AppToken = resolveEnvVars(cfg.AppToken)
	cfg.BotToken = resolveEnvVars(cfg.BotToken)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if len(c.TelemetryPrefix) == 0 {
		c.TelemetryPrefix = []string{c.Name}
	}
	if c.Backoff.MinMS == 0 {
		c.Backoff.MinMS = 500
	}
	if c.Backoff.MaxMS == 0 {
		c.Backoff.MaxMS = 30_000
	}
	if c.Backoff.JitterRatio == 0 {
		c.Backoff.JitterRatio = 0.2
	}
	if c.Diagnostics.BufferSize == 0 {
		c.Diagnostics.BufferSize = 500
	}
	if c.HealthCheck.IntervalMS == 0 {
		c.HealthCheck.IntervalMS = 30_000
	}
	if c.UserCache.TTLMS == 0 {
		c.UserCache.TTLMS = 5 * 60 * 1000
	}
	if c.UserCache.CleanupIntervalMS == 0 {
		c.UserCache.CleanupIntervalMS = 60_000
	}
	if c.CacheSync.IntervalMS == 0 {
		c.CacheSync.IntervalMS = 10 * 60 * 1000
	}
	if c.CacheSync.Enabled && len(c.CacheSync.Kinds) == 0 {
		c.CacheSync.Kinds = []CacheKind{CacheKindUsers, CacheKindChannels}
	}
	if c.AckMode == "" {
		switch c.AckModeRaw {
		case string(AckEphemeral):
			c.AckMode = AckEphemeral
		case string(AckCustom):
			c.AckMode = AckCustom
		default:
			c.AckMode = AckSilent
		}
	}
	if c.RateLimiter.Kind == "" {
		c.RateLimiter.Kind = "memory"
	}
	if c.EventBuffer.Kind == "" {
		c.EventBuffer.Kind = "memory"
	}
	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.BotToken == "" {
		errs = append(errs, "missing_option(bot_token)")
	}
	if c.AppToken == "" {
		errs = append(errs, "missing_option(app_token)")
	}
	if c.Backoff.MinMS <= 0 || c.Backoff.MaxMS <= 0 {
		errs = append(errs, "invalid_backoff_bounds")
	}
	if c.Backoff.MinMS > c.Backoff.MaxMS {
		errs = append(errs, "invalid_backoff_bounds: min_ms must be <= max_ms")
	}
	if c.Backoff.MaxAttempts < 0 {
		errs = append(errs, "invalid_backoff_max_attempts")
	}
	if c.Backoff.JitterRatio < 0 || c.Backoff.JitterRatio > 1 {
		errs = append(errs, "invalid_backoff_jitter")
	}
	if c.Diagnostics.BufferSize <= 0 {
		errs = append(errs, "invalid_diagnostics_buffer_size")
	}
	if c.HealthCheck.IntervalMS <= 0 {
		errs = append(errs, "invalid_health_check_interval")
	}
	if c.UserCache.TTLMS <= 0 || c.UserCache.CleanupIntervalMS <= 0 {
		errs = append(errs, "invalid_user_cache_settings")
	}
	if c.CacheSync.Enabled {
		if c.CacheSync.IntervalMS <= 0 {
			errs = append(errs, "invalid_cache_sync_interval")
		}
		if len(c.CacheSync.Kinds) == 0 {
			errs = append(errs, "invalid_cache_sync_kinds: must be non-empty when enabled")
		}
		for _, k := range c.CacheSync.Kinds {
			if k != CacheKindUsers && k != CacheKindChannels {
				errs = append(errs, fmt.Sprintf("invalid_cache_sync_kind(%s)", k))
			}
		}
	}
	if c.AckMode == AckCustom && c.AckFn == nil {
		errs = append(errs, "missing_option(ack_fn): ack_mode custom requires WithAckFunc")
	}
	switch c.RateLimiter.Kind {
	case "memory", "external":
	default:
		errs = append(errs, fmt.Sprintf("invalid_adapter(rate_limiter=%s)", c.RateLimiter.Kind))
	}
	switch c.EventBuffer.Kind {
	case "memory", "external":
	default:
		errs = append(errs, fmt.Sprintf("invalid_adapter(event_buffer=%s)", c.EventBuffer.Kind))
	}
	switch c.Cache.Kind {
	case "memory", "external":
	default:
		errs = append(errs, fmt.Sprintf("invalid_adapter(cache=%s)", c.Cache.Kind))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// resolveEnvVars replaces ${VAR_NAME} tokens in s with the corresponding
// environment variable value. Unset variables resolve to empty string.
func resolveEnvVars(s string) string {
	if s == "" {
		return s
	}
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarRe.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}
