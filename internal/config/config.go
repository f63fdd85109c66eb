// Package config loads and validates radar configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/local-radar/internal/crawler"
)

// Provenance backends accepted in storage.provenance.backend.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// Config captures all radar configuration knobs loaded via Viper.
type Config struct {
	Watchlist   WatchlistConfig   `mapstructure:"watchlist"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Ethics      EthicsConfig      `mapstructure:"ethics"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	Normalize   NormalizeConfig   `mapstructure:"normalize"`
	Boilerplate BoilerplateConfig `mapstructure:"boilerplate"`
	Diff        DiffConfig        `mapstructure:"diff"`
	Sinks       SinksConfig       `mapstructure:"sinks"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Run         RunConfig         `mapstructure:"run"`
}

// WatchlistConfig lists the sources polled on every run.
type WatchlistConfig struct {
	Feeds []SourceConfig `mapstructure:"feeds"`
	Pages []SourceConfig `mapstructure:"pages"`
	Local []SourceConfig `mapstructure:"local"`
}

// SourceConfig is one watchlist entry.
type SourceConfig struct {
	Name        string   `mapstructure:"name"`
	URL         string   `mapstructure:"url"`
	Path        string   `mapstructure:"path"`
	Tags        []string `mapstructure:"tags"`
	KeywordsAny []string `mapstructure:"keywords_any"`
	KeywordsAll []string `mapstructure:"keywords_all"`
}

// StorageConfig locates the ledger, boilerplate history and provenance copies.
type StorageConfig struct {
	BaseDir        string           `mapstructure:"base_dir"`
	BoilerplateDir string           `mapstructure:"boilerplate_dir"`
	Provenance     ProvenanceConfig `mapstructure:"provenance"`
}

// ProvenanceConfig selects where provenance copies are written.
type ProvenanceConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// EthicsConfig holds the politeness settings.
type EthicsConfig struct {
	UserAgent                   string   `mapstructure:"user_agent"`
	ObeyRobots                  bool     `mapstructure:"obey_robots"`
	RobotsFailurePolicy         string   `mapstructure:"robots_failure_policy"`
	RobotsTTLSeconds            int      `mapstructure:"robots_ttl_seconds"`
	RateLimitPerDomainPerMinute float64  `mapstructure:"rate_limit_per_domain_per_minute"`
	RateLimitCapacity           int      `mapstructure:"rate_limit_capacity"`
	RequestTimeoutSeconds       int      `mapstructure:"request_timeout_seconds"`
	BlockedDomains              []string `mapstructure:"blocked_domains"`
}

// ConcurrencyConfig bounds in-flight work.
type ConcurrencyConfig struct {
	MaxConcurrency int    `mapstructure:"max_concurrency"`
	PerDomainMax   int    `mapstructure:"per_domain_max"`
	Mode           string `mapstructure:"mode"`
}

// FetchConfig controls retries and payload caps.
type FetchConfig struct {
	MaxRetries           int     `mapstructure:"max_retries"`
	BackoffBaseMs        int     `mapstructure:"backoff_base_ms"`
	BackoffMaxMs         int     `mapstructure:"backoff_max_ms"`
	JitterRatio          float64 `mapstructure:"jitter_ratio"`
	RetryAfterCapSeconds int     `mapstructure:"retry_after_cap_seconds"`
	MaxFileSizeMB        int     `mapstructure:"max_file_size_mb"`
}

// NormalizeConfig tunes document normalization.
type NormalizeConfig struct {
	MaxFeedEntries int    `mapstructure:"max_feed_entries"`
	PDFCommand     string `mapstructure:"pdf_command"`
}

// BoilerplateConfig tunes the block-frequency filter.
type BoilerplateConfig struct {
	Enabled            bool     `mapstructure:"enabled"`
	Kinds              []string `mapstructure:"kinds"`
	HistoryWindow      int      `mapstructure:"history_window"`
	FrequencyThreshold float64  `mapstructure:"frequency_threshold"`
	MinBlockChars      int      `mapstructure:"min_block_chars"`
	MinHistory         int      `mapstructure:"min_history"`
}

// DiffConfig tunes unified diffs.
type DiffConfig struct {
	ContextLines int `mapstructure:"context_lines"`
}

// SinksConfig enables change notification sinks.
type SinksConfig struct {
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PubSubConfig holds the Pub/Sub topic for change events.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// PostgresConfig holds the record mirror connection.
type PostgresConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// RunConfig bounds a single pipeline run.
type RunConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// Load builds a Config from disk and RADAR_* environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RADAR")
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
	v.SetDefault("storage.base_dir", ".radar")
	v.SetDefault("storage.boilerplate_dir", ".radar/boilerplate")
	v.SetDefault("storage.provenance.backend", BackendLocal)
	v.SetDefault("storage.provenance.gcs_bucket", "")
	v.SetDefault("storage.provenance.prefix", "")
	v.SetDefault("ethics.user_agent", "local-radar/0.1")
	v.SetDefault("ethics.obey_robots", true)
	v.SetDefault("ethics.robots_failure_policy", "allow")
	v.SetDefault("ethics.robots_ttl_seconds", 3600)
	v.SetDefault("ethics.rate_limit_per_domain_per_minute", 30)
	v.SetDefault("ethics.rate_limit_capacity", 0)
	v.SetDefault("ethics.request_timeout_seconds", 20)
	v.SetDefault("ethics.blocked_domains", []string{})
	v.SetDefault("concurrency.max_concurrency", 8)
	v.SetDefault("concurrency.per_domain_max", 2)
	v.SetDefault("concurrency.mode", "pool")
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.backoff_base_ms", 1000)
	v.SetDefault("fetch.backoff_max_ms", 60000)
	v.SetDefault("fetch.jitter_ratio", 0.1)
	v.SetDefault("fetch.retry_after_cap_seconds", 300)
	v.SetDefault("fetch.max_file_size_mb", 100)
	v.SetDefault("normalize.max_feed_entries", 50)
	v.SetDefault("normalize.pdf_command", "")
	v.SetDefault("boilerplate.enabled", true)
	v.SetDefault("boilerplate.kinds", []string{string(crawler.KindPage)})
	v.SetDefault("boilerplate.history_window", 30)
	v.SetDefault("boilerplate.frequency_threshold", 0.85)
	v.SetDefault("boilerplate.min_block_chars", 40)
	v.SetDefault("boilerplate.min_history", 8)
	v.SetDefault("diff.context_lines", 3)
	v.SetDefault("sinks.pubsub.enabled", false)
	v.SetDefault("sinks.pubsub.project_id", "")
	v.SetDefault("sinks.pubsub.topic", "")
	v.SetDefault("sinks.postgres.enabled", false)
	v.SetDefault("sinks.postgres.dsn", "")
	v.SetDefault("sinks.postgres.table", "snapshot_records")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("run.timeout_seconds", 0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Storage.BaseDir) == "" {
		return fmt.Errorf("storage.base_dir is required")
	}
	switch c.Storage.Provenance.Backend {
	case BackendLocal, BackendMemory:
	case BackendGCS:
		if c.Storage.Provenance.GCSBucket == "" {
			return fmt.Errorf("storage.provenance.gcs_bucket must be set when backend is gcs")
		}
	default:
		return fmt.Errorf("storage.provenance.backend %q is not one of local, gcs, memory", c.Storage.Provenance.Backend)
	}
	if c.Boilerplate.Enabled && strings.TrimSpace(c.Storage.BoilerplateDir) == "" {
		return fmt.Errorf("storage.boilerplate_dir is required when boilerplate is enabled")
	}
	switch c.Ethics.RobotsFailurePolicy {
	case "allow", "deny":
	default:
		return fmt.Errorf("ethics.robots_failure_policy must be allow or deny")
	}
	if c.Ethics.RateLimitPerDomainPerMinute < 0 {
		return fmt.Errorf("ethics.rate_limit_per_domain_per_minute must be >= 0")
	}
	if c.Ethics.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("ethics.request_timeout_seconds must be > 0")
	}
	if c.Concurrency.MaxConcurrency <= 0 {
		return fmt.Errorf("concurrency.max_concurrency must be > 0")
	}
	if c.Concurrency.PerDomainMax <= 0 {
		return fmt.Errorf("concurrency.per_domain_max must be > 0")
	}
	switch c.Concurrency.Mode {
	case "pool", "sequential":
	default:
		return fmt.Errorf("concurrency.mode must be pool or sequential")
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must be >= 0")
	}
	if c.Fetch.JitterRatio < 0 || c.Fetch.JitterRatio >= 1 {
		return fmt.Errorf("fetch.jitter_ratio must be in [0, 1)")
	}
	if c.Fetch.MaxFileSizeMB <= 0 {
		return fmt.Errorf("fetch.max_file_size_mb must be > 0")
	}
	if c.Boilerplate.FrequencyThreshold <= 0 || c.Boilerplate.FrequencyThreshold > 1 {
		return fmt.Errorf("boilerplate.frequency_threshold must be in (0, 1]")
	}
	for _, kind := range c.Boilerplate.Kinds {
		if !crawler.TargetKind(kind).Valid() {
			return fmt.Errorf("boilerplate.kinds: unknown kind %q", kind)
		}
	}
	if c.Sinks.PubSub.Enabled && (c.Sinks.PubSub.ProjectID == "" || c.Sinks.PubSub.Topic == "") {
		return fmt.Errorf("sinks.pubsub.project_id and sinks.pubsub.topic must be set when pubsub is enabled")
	}
	if c.Sinks.Postgres.Enabled && c.Sinks.Postgres.DSN == "" {
		return fmt.Errorf("sinks.postgres.dsn must be set when postgres is enabled")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Run.TimeoutSeconds < 0 {
		return fmt.Errorf("run.timeout_seconds must be >= 0")
	}
	return c.Watchlist.validate()
}

func (w WatchlistConfig) validate() error {
	seen := make(map[string]struct{})
	check := func(section string, i int, src SourceConfig, remote bool) error {
		name := strings.TrimSpace(src.Name)
		if name == "" {
			return fmt.Errorf("watchlist.%s[%d].name is required", section, i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("watchlist.%s[%d]: duplicate source name %q", section, i, name)
		}
		seen[name] = struct{}{}
		if !remote {
			if src.Path == "" && src.URL == "" {
				return fmt.Errorf("watchlist.%s[%d].path is required", section, i)
			}
			return nil
		}
		parsed, err := url.Parse(src.URL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("watchlist.%s[%d].url must be an absolute http(s) URL", section, i)
		}
		return nil
	}
	for i, src := range w.Feeds {
		if err := check("feeds", i, src, true); err != nil {
			return err
		}
	}
	for i, src := range w.Pages {
		if err := check("pages", i, src, true); err != nil {
			return err
		}
	}
	for i, src := range w.Local {
		if err := check("local", i, src, false); err != nil {
			return err
		}
	}
	return nil
}

// Targets flattens the watchlist into fetch targets: feeds, then pages, then local files.
func (c Config) Targets() []crawler.FetchTarget {
	w := c.Watchlist
	out := make([]crawler.FetchTarget, 0, len(w.Feeds)+len(w.Pages)+len(w.Local))
	for _, src := range w.Feeds {
		out = append(out, src.target(crawler.KindFeed, src.URL))
	}
	for _, src := range w.Pages {
		out = append(out, src.target(crawler.KindPage, src.URL))
	}
	for _, src := range w.Local {
		uri := src.Path
		if uri == "" {
			uri = src.URL
		}
		out = append(out, src.target(crawler.KindLocal, uri))
	}
	return out
}

func (s SourceConfig) target(kind crawler.TargetKind, uri string) crawler.FetchTarget {
	return crawler.FetchTarget{
		Name: strings.TrimSpace(s.Name),
		Kind: kind,
		URI:  uri,
		Tags: s.Tags,
		Keywords: crawler.KeywordFilter{
			Any: s.KeywordsAny,
			All: s.KeywordsAll,
		},
	}
}

// BoilerplateKinds returns the configured kinds, or none when the filter is disabled.
func (c Config) BoilerplateKinds() []crawler.TargetKind {
	if !c.Boilerplate.Enabled {
		return nil
	}
	out := make([]crawler.TargetKind, 0, len(c.Boilerplate.Kinds))
	for _, kind := range c.Boilerplate.Kinds {
		out = append(out, crawler.TargetKind(kind))
	}
	return out
}

// RequestTimeout is the per-request HTTP timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Ethics.RequestTimeoutSeconds) * time.Second
}

// RobotsTTL is how long robots verdicts are cached.
func (c Config) RobotsTTL() time.Duration {
	return time.Duration(c.Ethics.RobotsTTLSeconds) * time.Second
}

// RetryAfterCap bounds server-asserted pushback.
func (c Config) RetryAfterCap() time.Duration {
	return time.Duration(c.Fetch.RetryAfterCapSeconds) * time.Second
}

// RunTimeout bounds a run. Zero means no limit.
func (c Config) RunTimeout() time.Duration {
	return time.Duration(c.Run.TimeoutSeconds) * time.Second
}

// MaxBytes is the payload cap in bytes.
func (c Config) MaxBytes() int64 {
	return int64(c.Fetch.MaxFileSizeMB) << 20
}
