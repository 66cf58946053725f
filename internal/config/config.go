// Package config loads and validates importer configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all daemon configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Source    SourceConfig    `mapstructure:"source"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Importer  ImporterConfig  `mapstructure:"importer"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the operational HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SourceConfig selects and configures the upstream source adapter.
type SourceConfig struct {
	// Provider is "mastodon" or "rss".
	Provider       string   `mapstructure:"provider"`
	BaseURL        string   `mapstructure:"base_url"`
	FeedURLs       []string `mapstructure:"feed_urls"`
	AccessToken    string   `mapstructure:"access_token"`
	UserAgent      string   `mapstructure:"user_agent"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
}

// SinkConfig selects and configures the entity store.
type SinkConfig struct {
	// Provider is "postgres", "sqlite" or "memory".
	Provider string         `mapstructure:"provider"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

// PostgresConfig controls the Postgres connection pool.
type PostgresConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	MaxConnLifetime string `mapstructure:"max_conn_lifetime"`
}

// SQLiteConfig locates the sqlite database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// ImporterConfig governs the scheduling loop.
type ImporterConfig struct {
	IntervalSeconds        int `mapstructure:"interval_seconds"`
	PageSize               int `mapstructure:"page_size"`
	MaxConsecutiveFailures int `mapstructure:"max_consecutive_failures"`
	BackoffInitialMs       int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs           int `mapstructure:"backoff_max_ms"`
}

// RateLimitConfig bounds outbound request rate per host.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// PublisherConfig holds metadata for committed-batch notifications.
type PublisherConfig struct {
	// Provider is "pubsub" or "noop".
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArchiveConfig controls raw payload archival.
type ArchiveConfig struct {
	// Provider is "gcs" or "noop".
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("IMPORTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("source.provider", "mastodon")
	v.SetDefault("source.user_agent", "hashtag-importer/1.0")
	v.SetDefault("source.timeout_seconds", 30)
	v.SetDefault("sink.provider", "memory")
	v.SetDefault("importer.interval_seconds", 60)
	v.SetDefault("importer.page_size", 200)
	v.SetDefault("importer.max_consecutive_failures", 10)
	v.SetDefault("importer.backoff_initial_ms", 500)
	v.SetDefault("importer.backoff_max_ms", 300000)
	v.SetDefault("rate_limit.rps", 1)
	v.SetDefault("rate_limit.burst", 3)
	v.SetDefault("publisher.provider", "noop")
	v.SetDefault("archive.provider", "noop")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Source.Provider {
	case "mastodon":
		if c.Source.BaseURL == "" {
			return fmt.Errorf("source.base_url must be set for the mastodon provider")
		}
	case "rss":
		if len(c.Source.FeedURLs) == 0 {
			return fmt.Errorf("source.feed_urls must be set for the rss provider")
		}
	default:
		return fmt.Errorf("unknown source.provider %q", c.Source.Provider)
	}
	switch c.Sink.Provider {
	case "postgres":
		if c.Sink.Postgres.DSN == "" {
			return fmt.Errorf("sink.postgres.dsn must be set for the postgres provider")
		}
	case "sqlite":
		if c.Sink.SQLite.Path == "" {
			return fmt.Errorf("sink.sqlite.path must be set for the sqlite provider")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown sink.provider %q", c.Sink.Provider)
	}
	switch c.Publisher.Provider {
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.TopicName == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic_name must be set for pubsub")
		}
	case "noop":
	default:
		return fmt.Errorf("unknown publisher.provider %q", c.Publisher.Provider)
	}
	switch c.Archive.Provider {
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set for the gcs provider")
		}
	case "noop":
	default:
		return fmt.Errorf("unknown archive.provider %q", c.Archive.Provider)
	}
	if c.Importer.IntervalSeconds <= 0 {
		return fmt.Errorf("importer.interval_seconds must be > 0")
	}
	if c.Importer.PageSize <= 0 {
		return fmt.Errorf("importer.page_size must be > 0")
	}
	if _, err := c.Sink.Postgres.ConnLifetime(); err != nil {
		return err
	}
	return nil
}

// Interval converts the configured cadence into a duration.
func (c ImporterConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// BackoffBase converts the initial backoff into a duration.
func (c ImporterConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

// BackoffMax converts the backoff ceiling into a duration.
func (c ImporterConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// SourceTimeout converts the source HTTP timeout into a duration.
func (c SourceConfig) SourceTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ConnLifetime parses max_conn_lifetime, returning zero when unset.
func (c PostgresConfig) ConnLifetime() (time.Duration, error) {
	if c.MaxConnLifetime == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.MaxConnLifetime)
	if err != nil {
		return 0, fmt.Errorf("parse sink.postgres.max_conn_lifetime: %w", err)
	}
	return d, nil
}
