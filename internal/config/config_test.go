package config

import (
	"os"
	"strings"
	"testing"
)

func validYAML() string {
	return `
name: myapp
app_token: xapp-1-AAA
bot_token: xoxb-1-BBB
`
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(validYAML()))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Backoff.MinMS != 500 || cfg.Backoff.MaxMS != 30_000 {
		t.Errorf("unexpected backoff defaults: %+v", cfg.Backoff)
	}
	if cfg.Backoff.JitterRatio != 0.2 {
		t.Errorf("expected default jitter 0.2, got %v", cfg.Backoff.JitterRatio)
	}
	if cfg.Diagnostics.BufferSize != 500 {
		t.Errorf("expected default buffer size 500, got %d", cfg.Diagnostics.BufferSize)
	}
	if cfg.AckMode != AckSilent {
		t.Errorf("expected default ack mode silent, got %v", cfg.AckMode)
	}
	if cfg.RateLimiter.Kind != "memory" || cfg.EventBuffer.Kind != "memory" || cfg.Cache.Kind != "memory" {
		t.Errorf("expected memory adapters by default, got %+v %+v %+v", cfg.RateLimiter, cfg.EventBuffer, cfg.Cache)
	}
	if len(cfg.TelemetryPrefix) != 1 || cfg.TelemetryPrefix[0] != "myapp" {
		t.Errorf("expected telemetry prefix [myapp], got %v", cfg.TelemetryPrefix)
	}
}

func TestParseMissingTokens(t *testing.T) {
	_, err := Parse([]byte("name: myapp\n"))
	if err == nil {
		t.Fatal("expected error for missing tokens")
	}
	if !strings.Contains(err.Error(), "missing_option(bot_token)") {
		t.Errorf("expected missing_option(bot_token) in error, got %v", err)
	}
	if !strings.Contains(err.Error(), "missing_option(app_token)") {
		t.Errorf("expected missing_option(app_token) in error, got %v", err)
	}
}

func TestParseInvalidBackoffBounds(t *testing.T) {
	yamlSrc := validYAML() + "backoff:\n  min_ms: 1000\n  max_ms: 500\n"
	_, err := Parse([]byte(yamlSrc))
	if err == nil || !strings.Contains(err.Error(), "invalid_backoff_bounds") {
		t.Fatalf("expected invalid_backoff_bounds error, got %v", err)
	}
}

func TestParseInvalidJitter(t *testing.T) {
	yamlSrc := validYAML() + "backoff:\n  jitter_ratio: 1.5\n"
	_, err := Parse([]byte(yamlSrc))
	if err == nil || !strings.Contains(err.Error(), "invalid_backoff_jitter") {
		t.Fatalf("expected invalid_backoff_jitter error, got %v", err)
	}
}

func TestParseCacheSyncRequiresNonEmptyKinds(t *testing.T) {
	yamlSrc := validYAML() + "cache_sync:\n  enabled: true\n  kinds: []\n"
	_, err := Parse([]byte(yamlSrc))
	if err == nil || !strings.Contains(err.Error(), "invalid_cache_sync_kinds") {
		t.Fatalf("expected invalid_cache_sync_kinds error, got %v", err)
	}
}

func TestParseCacheSyncDefaultsKindsWhenEnabledAndOmitted(t *testing.T) {
	yamlSrc := validYAML() + "cache_sync:\n  enabled: true\n"
	cfg, err := Parse([]byte(yamlSrc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.CacheSync.Kinds) != 2 {
		t.Errorf("expected both kinds defaulted, got %v", cfg.CacheSync.Kinds)
	}
}

func TestParseResolvesEnvVars(t *testing.T) {
	os.Setenv("SOCKBOT_TEST_BOT_TOKEN", "xoxb-resolved")
	defer os.Unsetenv("SOCKBOT_TEST_BOT_TOKEN")

	yamlSrc := "name: myapp\napp_token: xapp-1-AAA\nbot_token: ${SOCKBOT_TEST_BOT_TOKEN}\n"
	cfg, err := Parse([]byte(yamlSrc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.BotToken != "xoxb-resolved" {
		t.Errorf("expected resolved token, got %q", cfg.BotToken)
	}
}

func TestNewWithOptions(t *testing.T) {
	os.Unsetenv("SLACK_APP_TOKEN")
	os.Unsetenv("SLACK_BOT_TOKEN")

	cfg, err := New(
		WithName("opts-instance"),
		WithTokens("xapp-1", "xoxb-1"),
		WithTelemetryPrefix("myco", "prod"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cfg.Name != "opts-instance" {
		t.Errorf("expected name opts-instance, got %q", cfg.Name)
	}
	if strings.Join(cfg.TelemetryPrefix, ".") != "myco.prod" {
		t.Errorf("expected telemetry prefix myco.prod, got %v", cfg.TelemetryPrefix)
	}
}

func TestNewCustomAckModeRequiresFunc(t *testing.T) {
	_, err := New(WithTokens("xapp-1", "xoxb-1"), func(c *Config) { c.AckMode = AckCustom })
	if err == nil || !strings.Contains(err.Error(), "missing_option(ack_fn)") {
		t.Fatalf("expected missing_option(ack_fn) error, got %v", err)
	}
}

func TestWithAckFuncSatisfiesValidation(t *testing.T) {
	cfg, err := New(WithTokens("xapp-1", "xoxb-1"), WithAckFunc(func(string, map[string]any) string { return "ack" }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cfg.AckMode != AckCustom {
		t.Errorf("expected custom ack mode, got %v", cfg.AckMode)
	}
}
