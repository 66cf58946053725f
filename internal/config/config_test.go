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
source:
  provider: mastodon
  base_url: https://mastodon.example
  access_token: sekrit
  user_agent: tag-agent
  timeout_seconds: 10
sink:
  provider: sqlite
  sqlite:
    path: /tmp/importer.db
importer:
  interval_seconds: 30
  page_size: 100
  max_consecutive_failures: 5
  backoff_initial_ms: 250
  backoff_max_ms: 60000
rate_limit:
  rps: 2
  burst: 5
publisher:
  provider: pubsub
  project_id: proj
  topic_name: committed-batches
archive:
  provider: gcs
  gcs_bucket: raw-pages
logging:
  development: true
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
	if cfg.Source.Provider != "mastodon" || cfg.Source.BaseURL != "https://mastodon.example" {
		t.Fatalf("expected source overrides to apply: %+v", cfg.Source)
	}
	if cfg.Sink.Provider != "sqlite" || cfg.Sink.SQLite.Path != "/tmp/importer.db" {
		t.Fatalf("expected sink overrides to apply: %+v", cfg.Sink)
	}
	if cfg.Publisher.Provider != "pubsub" || cfg.Publisher.TopicName != "committed-batches" {
		t.Fatalf("expected publisher overrides to apply: %+v", cfg.Publisher)
	}
	if cfg.Archive.GCSBucket != "raw-pages" {
		t.Fatalf("expected archive bucket, got %+v", cfg.Archive)
	}
	if !cfg.Logging.Development {
		t.Fatalf("expected development logging")
	}
	if got := cfg.Importer.Interval(); got != 30*time.Second {
		t.Fatalf("expected interval 30s, got %v", got)
	}
	if got := cfg.Importer.BackoffBase(); got != 250*time.Millisecond {
		t.Fatalf("expected backoff base 250ms, got %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
source:
  base_url: https://mastodon.example
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Source.Provider != "mastodon" {
		t.Fatalf("expected default source provider mastodon, got %q", cfg.Source.Provider)
	}
	if cfg.Sink.Provider != "memory" {
		t.Fatalf("expected default sink provider memory, got %q", cfg.Sink.Provider)
	}
	if cfg.Publisher.Provider != "noop" || cfg.Archive.Provider != "noop" {
		t.Fatalf("expected noop publisher and archive defaults")
	}
	if cfg.Importer.PageSize != 200 {
		t.Fatalf("expected default page size 200, got %d", cfg.Importer.PageSize)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing mastodon base url",
			mutate:  func(c *Config) { c.Source.BaseURL = "" },
			wantErr: "source.base_url",
		},
		{
			name:    "unknown source provider",
			mutate:  func(c *Config) { c.Source.Provider = "gopher" },
			wantErr: "source.provider",
		},
		{
			name: "postgres without dsn",
			mutate: func(c *Config) {
				c.Sink.Provider = "postgres"
				c.Sink.Postgres.DSN = ""
			},
			wantErr: "sink.postgres.dsn",
		},
		{
			name: "pubsub without topic",
			mutate: func(c *Config) {
				c.Publisher.Provider = "pubsub"
				c.Publisher.ProjectID = "proj"
			},
			wantErr: "publisher",
		},
		{
			name: "bad conn lifetime",
			mutate: func(c *Config) {
				c.Sink.Postgres.MaxConnLifetime = "soon"
			},
			wantErr: "max_conn_lifetime",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func validConfig() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Source: SourceConfig{
			Provider:       "mastodon",
			BaseURL:        "https://mastodon.example",
			TimeoutSeconds: 30,
		},
		Sink:      SinkConfig{Provider: "memory"},
		Importer:  ImporterConfig{IntervalSeconds: 60, PageSize: 200},
		Publisher: PublisherConfig{Provider: "noop"},
		Archive:   ArchiveConfig{Provider: "noop"},
	}
}
