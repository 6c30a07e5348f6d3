// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/facility-crawler/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Source   SourceConfig   `mapstructure:"source"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Persist  PersistConfig  `mapstructure:"persist"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Progress ProgressConfig `mapstructure:"progress"`
	// Districts seeds the crawl command when no --district flag is given.
	Districts []crawler.District `mapstructure:"districts"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SourceConfig describes the directory site and the URL shapes of each level.
type SourceConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	RegionPattern   string `mapstructure:"region_pattern"`
	DistrictPattern string `mapstructure:"district_pattern"`
	FacilityPattern string `mapstructure:"facility_pattern"`
	PageParam       string `mapstructure:"page_param"`
}

// HTTPConfig configures the fetch layer.
type HTTPConfig struct {
	UserAgent        string  `mapstructure:"user_agent"`
	AcceptLanguage   string  `mapstructure:"accept_language"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	MaxRetries       int     `mapstructure:"max_retries"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
	RespectRobots    bool    `mapstructure:"respect_robots"`
	PerHostRPS       float64 `mapstructure:"per_host_rps"`
	PerHostBurst     int     `mapstructure:"per_host_burst"`
}

// CrawlerConfig governs dispatcher and crawl pipeline behavior.
type CrawlerConfig struct {
	Workers               int `mapstructure:"workers"`
	QueueDepth            int `mapstructure:"queue_depth"`
	ChunkSize             int `mapstructure:"chunk_size"`
	BatchSize             int `mapstructure:"batch_size"`
	DefaultMaxPerDistrict int `mapstructure:"default_max_per_district"`
	MaxPages              int `mapstructure:"max_pages"`
	PageDelayMinMs        int `mapstructure:"page_delay_min_ms"`
	PageDelayMaxMs        int `mapstructure:"page_delay_max_ms"`
	DistrictDelayMinMs    int `mapstructure:"district_delay_min_ms"`
	DistrictDelayMaxMs    int `mapstructure:"district_delay_max_ms"`
}

// PersistConfig selects the facility store and its retry posture.
type PersistConfig struct {
	Backend     string `mapstructure:"backend"`
	Table       string `mapstructure:"table"`
	ConflictKey string `mapstructure:"conflict_key"`
	MaxRetries  int    `mapstructure:"max_retries"`
	BackoffMs   int    `mapstructure:"backoff_ms"`
}

// JobsConfig selects the job status backend.
type JobsConfig struct {
	Backend       string `mapstructure:"backend"`
	MaxLogEntries int    `mapstructure:"max_log_entries"`
}

// DatabaseConfig controls access to the relational database.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// RedisConfig configures the redis job backend.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ArchiveConfig sets where raw detail pages are archived, if anywhere.
type ArchiveConfig struct {
	Backend     string `mapstructure:"backend"`
	Bucket      string `mapstructure:"bucket"`
	Dir         string `mapstructure:"dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	LogSink        bool `mapstructure:"log_sink"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("source.base_url", "https://www.kita.de")
	v.SetDefault("source.region_pattern", `^/kitas/[a-z-]+/?$`)
	v.SetDefault("source.district_pattern", `^/kitas/[a-z-]+/[a-z0-9-]+/?$`)
	v.SetDefault("source.facility_pattern", `^/kita/[a-z0-9-]+/?$`)
	v.SetDefault("source.page_param", "page")
	v.SetDefault("http.user_agent", "Mozilla/5.0 (compatible; facility-crawler/0.1)")
	v.SetDefault("http.accept_language", "de-DE,de;q=0.9,en;q=0.6")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 1000)
	v.SetDefault("http.backoff_max_ms", 16000)
	v.SetDefault("http.respect_robots", true)
	v.SetDefault("http.per_host_rps", 2.0)
	v.SetDefault("http.per_host_burst", 2)
	v.SetDefault("crawler.workers", 2)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.chunk_size", 5)
	v.SetDefault("crawler.batch_size", 50)
	v.SetDefault("crawler.default_max_per_district", 100)
	v.SetDefault("crawler.max_pages", 50)
	v.SetDefault("crawler.page_delay_min_ms", 300)
	v.SetDefault("crawler.page_delay_max_ms", 900)
	v.SetDefault("crawler.district_delay_min_ms", 1000)
	v.SetDefault("crawler.district_delay_max_ms", 2500)
	v.SetDefault("persist.backend", "memory")
	v.SetDefault("persist.table", "facilities")
	v.SetDefault("persist.conflict_key", "source_url")
	v.SetDefault("persist.max_retries", 2)
	v.SetDefault("persist.backoff_ms", 500)
	v.SetDefault("jobs.backend", "memory")
	v.SetDefault("jobs.max_log_entries", 0)
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "facility-crawler")
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.dir", "./pages")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("progress.log_sink", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := c.Source.validate(); err != nil {
		return err
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries <= 0 {
		return fmt.Errorf("http.max_retries must be > 0")
	}
	if c.HTTP.BackoffInitialMs < 0 || c.HTTP.BackoffMaxMs < 0 {
		return fmt.Errorf("http backoff values must be >= 0")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.ChunkSize <= 0 {
		return fmt.Errorf("crawler.chunk_size must be > 0")
	}
	if c.Crawler.BatchSize <= 0 {
		return fmt.Errorf("crawler.batch_size must be > 0")
	}
	if c.Crawler.DefaultMaxPerDistrict <= 0 {
		return fmt.Errorf("crawler.default_max_per_district must be > 0")
	}
	if c.Crawler.PageDelayMaxMs < c.Crawler.PageDelayMinMs {
		return fmt.Errorf("crawler.page_delay_max_ms must be >= page_delay_min_ms")
	}
	if c.Crawler.DistrictDelayMaxMs < c.Crawler.DistrictDelayMinMs {
		return fmt.Errorf("crawler.district_delay_max_ms must be >= district_delay_min_ms")
	}
	switch c.Persist.Backend {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set when persist.backend is postgres")
		}
	default:
		return fmt.Errorf("persist.backend must be memory or postgres, got %q", c.Persist.Backend)
	}
	if c.Persist.MaxRetries <= 0 {
		return fmt.Errorf("persist.max_retries must be > 0")
	}
	switch c.Jobs.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set when jobs.backend is redis")
		}
	default:
		return fmt.Errorf("jobs.backend must be memory or redis, got %q", c.Jobs.Backend)
	}
	if c.Jobs.MaxLogEntries < 0 {
		return fmt.Errorf("jobs.max_log_entries must be >= 0")
	}
	switch c.Archive.Backend {
	case "none", "memory":
	case "local":
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir must be set when archive.backend is local")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set when archive.backend is gcs")
		}
	default:
		return fmt.Errorf("archive.backend must be none, memory, local or gcs, got %q", c.Archive.Backend)
	}
	return nil
}

func (s SourceConfig) validate() error {
	u, err := url.Parse(s.BaseURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("source.base_url must be an absolute url")
	}
	for name, pattern := range map[string]string{
		"source.region_pattern":   s.RegionPattern,
		"source.district_pattern": s.DistrictPattern,
		"source.facility_pattern": s.FacilityPattern,
	} {
		if pattern == "" {
			return fmt.Errorf("%s must be set", name)
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if s.PageParam == "" {
		return fmt.Errorf("source.page_param must be set")
	}
	return nil
}

// FetchTimeout is the per-request timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RequestTimeout bounds API handlers.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// Millis converts a millisecond knob into a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
