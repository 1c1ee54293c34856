package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/elonfeng/foresight/internal/secrets"
	"github.com/elonfeng/foresight/pkg/retry"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Sources     SourcesConfig     `yaml:"sources"`
	Filter      FilterConfig      `yaml:"filter"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Logging     LoggingConfig     `yaml:"logging"`
	Server      ServerConfig      `yaml:"server"`
	Notify      NotifyConfig      `yaml:"notify"`
}

// DatabaseConfig configures the local SQLite index.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// IngestConfig configures the coordinator.
type IngestConfig struct {
	// Workers bounds concurrent sources; 0 runs one worker per source.
	Workers        int         `yaml:"workers"`
	FetchTimeout   string      `yaml:"fetch_timeout"`
	PersistTimeout string      `yaml:"persist_timeout"`
	Retry          RetryConfig `yaml:"retry"`
}

// RetryConfig configures the retry policy shared by connectors and sinks.
type RetryConfig struct {
	Attempts  int     `yaml:"attempts"`
	BaseDelay string  `yaml:"base_delay"`
	MaxDelay  string  `yaml:"max_delay"`
	Jitter    float64 `yaml:"jitter"`
}

// ParseFetchTimeout returns the per-attempt fetch timeout as time.Duration.
func (c IngestConfig) ParseFetchTimeout() time.Duration {
	return parseDuration(c.FetchTimeout, time.Minute)
}

// ParsePersistTimeout returns the per-attempt persist timeout as time.Duration.
func (c IngestConfig) ParsePersistTimeout() time.Duration {
	return parseDuration(c.PersistTimeout, 15*time.Second)
}

// Policy converts the retry section into a retry.Policy.
func (c RetryConfig) Policy() retry.Policy {
	p := retry.Policy{
		Attempts:  c.Attempts,
		BaseDelay: parseDuration(c.BaseDelay, retry.Default.BaseDelay),
		MaxDelay:  parseDuration(c.MaxDelay, retry.Default.MaxDelay),
		Jitter:    c.Jitter,
	}
	if p.Attempts == 0 {
		p.Attempts = retry.Default.Attempts
	}
	return p
}

// FetchPolicy is the connector retry policy. Each fetch attempt is bounded
// by the fetch timeout, so a timed-out attempt is retried.
func (c IngestConfig) FetchPolicy() retry.Policy {
	p := c.Retry.Policy()
	p.AttemptTimeout = c.ParseFetchTimeout()
	return p
}

// PersistPolicy is the object sink retry policy, one persist timeout per
// attempt.
func (c IngestConfig) PersistPolicy() retry.Policy {
	p := c.Retry.Policy()
	p.AttemptTimeout = c.ParsePersistTimeout()
	return p
}

// ScheduleConfig configures the daemon's ingestion interval.
type ScheduleConfig struct {
	Interval string `yaml:"interval"`
}

// ParseInterval returns the ingestion interval as time.Duration.
func (s ScheduleConfig) ParseInterval() time.Duration {
	return parseDuration(s.Interval, time.Hour)
}

// SourcesConfig holds configuration for all data sources. A nil Enabled
// means auto: the source runs when its credentials resolve.
type SourcesConfig struct {
	Reddit  RedditConfig  `yaml:"reddit"`
	YouTube YouTubeConfig `yaml:"youtube"`
	RSS     RSSConfig     `yaml:"rss"`
}

// RedditConfig for the Reddit connector.
type RedditConfig struct {
	Enabled           *bool    `yaml:"enabled"`
	Subreddits        []string `yaml:"subreddits"`
	Limit             int      `yaml:"limit"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
}

// YouTubeConfig for the YouTube connector. Queries are free-text searches.
type YouTubeConfig struct {
	Enabled  *bool         `yaml:"enabled"`
	Channels []ChannelItem `yaml:"channels"`
	Queries  []string      `yaml:"queries"`
	Limit    int           `yaml:"limit"`
}

// ChannelItem names a channel by ID or channel URL.
type ChannelItem struct {
	Name string `yaml:"name"`
	ID   string `yaml:"id"`
}

// RSSConfig for the RSS/Atom connector.
type RSSConfig struct {
	Enabled *bool      `yaml:"enabled"`
	Feeds   []FeedItem `yaml:"feeds"`
	Limit   int        `yaml:"limit"`
}

// FeedItem is a single feed entry. Name defaults to the URL host.
type FeedItem struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// FilterConfig configures keyword filtering before normalization.
type FilterConfig struct {
	IncludeKeywords []string `yaml:"include_keywords"`
	ExcludeKeywords []string `yaml:"exclude_keywords"`
}

// PersistenceConfig selects the sink backend.
type PersistenceConfig struct {
	// Backend is one of sqlite, gcs, s3, redis.
	Backend string      `yaml:"backend"`
	Bucket  string      `yaml:"bucket"`
	Prefix  string      `yaml:"prefix"`
	S3      S3Config    `yaml:"s3"`
	Redis   RedisConfig `yaml:"redis"`
}

// S3Config for S3 and S3-compatible stores.
type S3Config struct {
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// RedisConfig for the Redis backend.
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "auto", "text" or "json"
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// NotifyConfig configures run summary destinations.
type NotifyConfig struct {
	OnlyOnFailure bool          `yaml:"only_on_failure"`
	Slack         SlackConfig   `yaml:"slack"`
	Discord       DiscordConfig `yaml:"discord"`
	Webhook       WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook notifications.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// DiscordConfig for Discord webhook notifications.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic HMAC-signed webhook notifications.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "./foresight.db"},
		Ingest: IngestConfig{
			FetchTimeout:   "1m",
			PersistTimeout: "15s",
			Retry: RetryConfig{
				Attempts:  3,
				BaseDelay: "500ms",
				MaxDelay:  "5s",
				Jitter:    0.2,
			},
		},
		Schedule: ScheduleConfig{Interval: "1h"},
		Sources: SourcesConfig{
			Reddit: RedditConfig{
				Subreddits:        []string{"r/BuyItForLife", "r/SkincareAddiction"},
				Limit:             25,
				RequestsPerSecond: 1,
			},
			YouTube: YouTubeConfig{
				Channels: []ChannelItem{
					{Name: "MKBHD", ID: "https://www.youtube.com/channel/UC-N1_h8Jg_Fj75R47E2lXJw"},
					{Name: "Vogue", ID: "https://www.youtube.com/channel/UCVv7qg-m4T3K-i0I6YhKjJg"},
				},
				Limit: 25,
			},
			RSS: RSSConfig{
				Feeds: []FeedItem{
					{Name: "adweek", URL: "https://www.adweek.com/feed"},
					{Name: "adage", URL: "https://www.adage.com/rss.xml"},
				},
				Limit: 25,
			},
		},
		Persistence: PersistenceConfig{
			Backend: BackendSQLite,
			Prefix:  "raw",
			S3:      S3Config{Region: "us-east-1"},
			Redis:   RedisConfig{Addr: "localhost:6379"},
		},
		Logging: LoggingConfig{Level: "info", Format: "auto"},
		Server:  ServerConfig{Port: 8080},
	}
}

// Load reads configuration from a YAML file and applies overrides from the
// resolver. An empty path uses defaults only.
func Load(path string, r secrets.Resolver) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if r != nil {
		applyOverrides(cfg, r)
	}
	cfg.normalize()
	return cfg, nil
}

// normalize canonicalizes values compared by name elsewhere.
func (c *Config) normalize() {
	c.Persistence.Backend = strings.ToLower(strings.TrimSpace(c.Persistence.Backend))
	if c.Persistence.Backend == "" {
		c.Persistence.Backend = BackendSQLite
	}
}

// applyOverrides overrides non-secret config values from the resolver.
func applyOverrides(cfg *Config, r secrets.Resolver) {
	if v, ok := r.Resolve("FORESIGHT_DB_PATH"); ok {
		cfg.Database.Path = v
	}
	if v, ok := r.Resolve("FORESIGHT_LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := r.Resolve("FORESIGHT_PERSISTENCE_BACKEND"); ok {
		cfg.Persistence.Backend = v
	}
	if v, ok := r.Resolve("GCS_BUCKET_NAME"); ok {
		cfg.Persistence.Bucket = v
	}
	if v, ok := r.Resolve("SLACK_WEBHOOK_URL"); ok {
		cfg.Notify.Slack.WebhookURL = v
		cfg.Notify.Slack.Enabled = true
	}
	if v, ok := r.Resolve("DISCORD_WEBHOOK_URL"); ok {
		cfg.Notify.Discord.WebhookURL = v
		cfg.Notify.Discord.Enabled = true
	}
	if v, ok := r.Resolve("FORESIGHT_WEBHOOK_SECRET"); ok {
		cfg.Notify.Webhook.Secret = v
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
