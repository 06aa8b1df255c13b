package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "polaris.json")
	body := `{
		"server": {"rating_port": 9010, "host": "0.0.0.0"},
		"expiry": {"domain_expiration_days": 3},
		"scanner": {"norun": ["Nmap"]}
	}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Server.RatingPort != 9010 {
		t.Errorf("rating_port = %d, want 9010", cfg.Server.RatingPort)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host = %q, want 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Expiry.DomainExpirationDays != 3 {
		t.Errorf("domain_expiration_days = %d, want 3", cfg.Expiry.DomainExpirationDays)
	}
	if len(cfg.Scanner.Norun) != 1 || cfg.Scanner.Norun[0] != "Nmap" {
		t.Errorf("norun = %v, want [Nmap]", cfg.Scanner.Norun)
	}
	// untouched sections keep defaults
	if cfg.Server.ScanDispatchPort != 8020 {
		t.Errorf("scan_dispatch_port = %d, want default 8020", cfg.Server.ScanDispatchPort)
	}
}

func TestLoadFromFileRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.json")
	if err := os.WriteFile(path, []byte(`{"server": {"rating_port": "eighty"}}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected type error for string port")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("POLARIS_DATABASE_URL", "postgres://elsewhere/db")
	t.Setenv("POLARIS_LOG_LEVEL", "debug")
	t.Setenv("POLARIS_METRICS_ADDR", "127.0.0.1:9999")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Database.URL != "postgres://elsewhere/db" {
		t.Errorf("database url not overridden: %q", cfg.Database.URL)
	}
	if cfg.Observability.Logging.Level != "debug" {
		t.Errorf("log level not overridden: %q", cfg.Observability.Logging.Level)
	}
	if !cfg.Observability.Metrics.Enabled || cfg.Observability.Metrics.Addr != "127.0.0.1:9999" {
		t.Errorf("metrics override not applied: %+v", cfg.Observability.Metrics)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown db backend", func(c *Config) { c.Database.Backend = "sqlite" }},
		{"port out of range", func(c *Config) { c.Server.RatingPort = 70000 }},
		{"duplicate ports", func(c *Config) { c.Server.ReviewDispatchPort = c.Server.RatingPort }},
		{"zero pull timeout", func(c *Config) { c.Server.PullTimeoutSeconds = 0 }},
		{"negative expiry", func(c *Config) { c.Expiry.DomainExpirationDays = -1 }},
		{"unknown cache backend", func(c *Config) { c.Cache.Backend = "memcached" }},
		{"redis cache without addr", func(c *Config) { c.Cache.Backend = "redis"; c.Cache.Addr = "" }},
		{"empty thresholds", func(c *Config) { c.Scanner.RerunThresholdsMinutes = nil }},
		{"decreasing thresholds", func(c *Config) { c.Scanner.RerunThresholdsMinutes = []int{5, 1} }},
		{"zero rerun max", func(c *Config) { c.Scanner.RerunCounterMax = 0 }},
		{"zero probe rate", func(c *Config) { c.Scanner.ProbeRatePerSecond = 0 }},
		{"rate limit without rps", func(c *Config) { c.RateLimit.Enabled = true; c.RateLimit.RequestsPerSecond = 0 }},
		{"bad sample rate", func(c *Config) { c.Observability.Tracing.Enabled = true; c.Observability.Tracing.SampleRate = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestScannerDerivedDurations(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.Scanner.RerunQueueCheckDelay().Seconds(); got != 10 {
		t.Errorf("check delay = %vs, want 10s", got)
	}
	th := cfg.Scanner.RerunThresholds()
	if len(th) != 5 || th[0].Minutes() != 1 || th[4].Minutes() != 60 {
		t.Errorf("thresholds = %v", th)
	}
}
