package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
source:
  base_url: https://directory.example
  page_param: p
http:
  timeout_seconds: 45
  max_retries: 5
  backoff_initial_ms: 100
crawler:
  chunk_size: 3
  batch_size: 10
persist:
  backend: postgres
  max_retries: 1
database:
  dsn: postgres://localhost/facilities
jobs:
  backend: redis
  max_log_entries: 200
archive:
  backend: local
  dir: /tmp/pages
logging:
  development: false
districts:
  - name: Mitte
    url: https://directory.example/kitas/berlin/mitte
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Source.BaseURL != "https://directory.example" || cfg.Source.PageParam != "p" {
		t.Fatalf("expected source overrides to apply: %+v", cfg.Source)
	}
	if cfg.Source.FacilityPattern == "" {
		t.Fatalf("expected default facility pattern to survive a partial source block")
	}
	if cfg.Crawler.ChunkSize != 3 || cfg.Crawler.BatchSize != 10 {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.Persist.Backend != "postgres" || cfg.Jobs.Backend != "redis" || cfg.Jobs.MaxLogEntries != 200 {
		t.Fatalf("expected backend overrides to apply")
	}
	if len(cfg.Districts) != 1 || cfg.Districts[0].Name != "Mitte" {
		t.Fatalf("expected seeded districts, got %+v", cfg.Districts)
	}
	if got := cfg.FetchTimeout(); got != 45*time.Second {
		t.Fatalf("expected fetch timeout 45s, got %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.ChunkSize != 5 || cfg.Crawler.BatchSize != 50 {
		t.Fatalf("unexpected chunk/batch defaults: %+v", cfg.Crawler)
	}
	if cfg.HTTP.MaxRetries != 3 || cfg.Persist.MaxRetries != 2 {
		t.Fatalf("unexpected retry defaults")
	}
	if cfg.Archive.Backend != "none" || cfg.Persist.Backend != "memory" || cfg.Jobs.Backend != "memory" {
		t.Fatalf("unexpected backend defaults")
	}
	if Millis(cfg.HTTP.BackoffInitialMs) != time.Second {
		t.Fatalf("expected 1s initial backoff")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "relative base url", mutate: func(c *Config) { c.Source.BaseURL = "/kitas" }, want: "source.base_url"},
		{name: "bad pattern", mutate: func(c *Config) { c.Source.FacilityPattern = "(" }, want: "source.facility_pattern"},
		{name: "invalid timeout", mutate: func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, want: "http.timeout_seconds"},
		{name: "zero retries", mutate: func(c *Config) { c.HTTP.MaxRetries = 0 }, want: "http.max_retries"},
		{name: "zero chunk", mutate: func(c *Config) { c.Crawler.ChunkSize = 0 }, want: "crawler.chunk_size"},
		{name: "inverted delay", mutate: func(c *Config) { c.Crawler.PageDelayMaxMs = c.Crawler.PageDelayMinMs - 1 }, want: "page_delay_max_ms"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Persist.Backend = "postgres" }, want: "database.dsn"},
		{name: "unknown jobs backend", mutate: func(c *Config) { c.Jobs.Backend = "etcd" }, want: "jobs.backend"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Archive.Backend = "gcs" }, want: "archive.bucket"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
