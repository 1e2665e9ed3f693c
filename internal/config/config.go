// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Google    GoogleConfig    `mapstructure:"google"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Store     StoreConfig     `mapstructure:"store"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles for the HTTP surface.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// GoogleConfig holds OAuth client material and provider endpoints.
type GoogleConfig struct {
	ClientID           string `mapstructure:"client_id"`
	ClientSecret       string `mapstructure:"client_secret"`
	RedirectURI        string `mapstructure:"redirect_uri"`
	TokenURL           string `mapstructure:"token_url"`
	ServiceAccountJSON string `mapstructure:"service_account_json"`
	BatchEndpoint      string `mapstructure:"batch_endpoint"`
	SearchConsoleURL   string `mapstructure:"search_console_url"`
}

// QuotaConfig sets default daily limits per (user, property).
type QuotaConfig struct {
	DailyLimit      int `mapstructure:"daily_limit"`
	PriorityReserve int `mapstructure:"priority_reserve"`
}

// BatchConfig governs chunking and the remote call budget.
type BatchConfig struct {
	ChunkSize        int     `mapstructure:"chunk_size"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	ChunksPerSecond  float64 `mapstructure:"chunks_per_second"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
}

// SchedulerConfig times the recurring background jobs.
type SchedulerConfig struct {
	Enabled               bool `mapstructure:"enabled"`
	TickSeconds           int  `mapstructure:"tick_seconds"`
	RecheckIntervalMin    int  `mapstructure:"recheck_interval_minutes"`
	RecheckCooldownMin    int  `mapstructure:"recheck_cooldown_minutes"`
	RetryIntervalMin      int  `mapstructure:"retry_interval_minutes"`
	RetryCooldownMin      int  `mapstructure:"retry_cooldown_minutes"`
	MaxRetries            int  `mapstructure:"max_retries"`
	RetentionDays         int  `mapstructure:"retention_days"`
	CleanupBatchSize      int  `mapstructure:"cleanup_batch_size"`
	SitemapIntervalHours  int  `mapstructure:"sitemap_interval_hours"`
	PropertyFreshnessHour int  `mapstructure:"property_freshness_hours"`
}

// StoreConfig selects and configures the document store backend.
type StoreConfig struct {
	Provider     string `mapstructure:"provider"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArchiveConfig sets where pruned history is archived before deletion.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INDEXER")
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
	v.SetDefault("google.token_url", "https://oauth2.googleapis.com/token")
	v.SetDefault("google.batch_endpoint", "https://indexing.googleapis.com/batch")
	v.SetDefault("google.search_console_url", "https://searchconsole.googleapis.com")
	v.SetDefault("quota.daily_limit", 200)
	v.SetDefault("quota.priority_reserve", 50)
	v.SetDefault("batch.chunk_size", 100)
	v.SetDefault("batch.timeout_seconds", 30)
	v.SetDefault("batch.chunks_per_second", 2)
	v.SetDefault("batch.backoff_initial_ms", 250)
	v.SetDefault("batch.backoff_max_ms", 5000)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick_seconds", 60)
	v.SetDefault("scheduler.recheck_interval_minutes", 60)
	v.SetDefault("scheduler.recheck_cooldown_minutes", 60)
	v.SetDefault("scheduler.retry_interval_minutes", 60)
	v.SetDefault("scheduler.retry_cooldown_minutes", 60)
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.retention_days", 90)
	v.SetDefault("scheduler.cleanup_batch_size", 500)
	v.SetDefault("scheduler.sitemap_interval_hours", 24)
	v.SetDefault("scheduler.property_freshness_hours", 12)
	v.SetDefault("store.provider", "memory")
	v.SetDefault("store.max_open_conns", 8)
	v.SetDefault("pubsub.provider", "noop")
	v.SetDefault("archive.provider", "memory")
	v.SetDefault("archive.prefix", "history")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Quota.DailyLimit <= 0 {
		return fmt.Errorf("quota.daily_limit must be > 0")
	}
	if c.Quota.PriorityReserve < 0 || c.Quota.PriorityReserve > c.Quota.DailyLimit {
		return fmt.Errorf("quota.priority_reserve must be within [0, quota.daily_limit]")
	}
	if c.Batch.ChunkSize <= 0 {
		return fmt.Errorf("batch.chunk_size must be > 0")
	}
	if c.Batch.TimeoutSeconds <= 0 {
		return fmt.Errorf("batch.timeout_seconds must be > 0")
	}
	if c.Store.Provider == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn must be set when store.provider is postgres")
	}
	if c.PubSub.Provider == "pubsub" && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub.provider is pubsub")
	}
	if c.Archive.Provider == "gcs" && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket must be set when archive.provider is gcs")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// BatchTimeout converts the batch timeout config into a duration.
func (c Config) BatchTimeout() time.Duration {
	return time.Duration(c.Batch.TimeoutSeconds) * time.Second
}

// RecheckCooldown is how long a submitted entry rests before a status re-check.
func (c Config) RecheckCooldown() time.Duration {
	return time.Duration(c.Scheduler.RecheckCooldownMin) * time.Minute
}

// RetryCooldown is how long a rate limited entry rests before a re-submit.
func (c Config) RetryCooldown() time.Duration {
	return time.Duration(c.Scheduler.RetryCooldownMin) * time.Minute
}

// RetentionHorizon is the age past which history entries are pruned.
func (c Config) RetentionHorizon() time.Duration {
	return time.Duration(c.Scheduler.RetentionDays) * 24 * time.Hour
}

// PropertyFreshness is the cache window for Search Console properties.
func (c Config) PropertyFreshness() time.Duration {
	return time.Duration(c.Scheduler.PropertyFreshnessHour) * time.Hour
}
