package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Setenv("KEY_ENCRYPTION_SECRET", "test-secret-for-config-defaults")
	defer os.Unsetenv("KEY_ENCRYPTION_SECRET")

	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default port is 8080",
			check:  func(c *Config) bool { return c.Port == 8080 },
			expect: "8080",
		},
		{
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default log format is json",
			check:  func(c *Config) bool { return c.LogFormat == "json" },
			expect: "json",
		},
		{
			name:   "default metrics path",
			check:  func(c *Config) bool { return c.MetricsPath == "/metrics" },
			expect: "/metrics",
		},
		{
			name:   "default search source mode",
			check:  func(c *Config) bool { return c.SearchSourceMode == "brave_prefer_tavily_fallback" },
			expect: "brave_prefer_tavily_fallback",
		},
		{
			name:   "default brave overflow",
			check:  func(c *Config) bool { return c.BraveOverflow == "fallback_to_tavily" },
			expect: "fallback_to_tavily",
		},
		{
			name:   "default key selection strategy",
			check:  func(c *Config) bool { return c.TavilyKeySelectionStrategy == "round_robin" },
			expect: "round_robin",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" },
			expect: "0.0.0.0:8080",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}

func TestLoadMissingEncryptionSecret(t *testing.T) {
	os.Unsetenv("KEY_ENCRYPTION_SECRET")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when KEY_ENCRYPTION_SECRET is unset")
	}
}

func TestEffectiveBraveMinIntervalMs(t *testing.T) {
	cfg := &Config{BraveMaxQPS: 2}
	if got := cfg.EffectiveBraveMinIntervalMs(); got != 500 {
		t.Errorf("expected 500ms for 2 QPS, got %d", got)
	}

	cfg = &Config{BraveMaxQPS: 1, BraveMinIntervalMs: 1500}
	if got := cfg.EffectiveBraveMinIntervalMs(); got != 1500 {
		t.Errorf("explicit BraveMinIntervalMs should win, got %d", got)
	}

	cfg = &Config{BraveMaxQPS: 0}
	if got := cfg.EffectiveBraveMinIntervalMs(); got != 1000 {
		t.Errorf("expected fallback to 1 QPS (1000ms), got %d", got)
	}
}

func TestNormalizedUsageLogMode(t *testing.T) {
	cases := map[string]string{
		"":       "preview",
		"Full":   "full",
		"HASH":   "hash",
		"none":   "none",
		"bogus":  "preview",
		"Preview": "preview",
	}
	for in, want := range cases {
		cfg := &Config{BraveUsageLogMode: in}
		if got := cfg.NormalizedUsageLogMode(); got != want {
			t.Errorf("NormalizedUsageLogMode(%q) = %q, want %q", in, got, want)
		}
	}
}
