// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // Asia/Shanghai on hosts without zoneinfo

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/JakeFAU/market-price-crawler/internal/crawler"
	"github.com/JakeFAU/market-price-crawler/internal/detector"
	"github.com/JakeFAU/market-price-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/market-price-crawler/internal/scheduler"
	"github.com/JakeFAU/market-price-crawler/internal/storage/postgres"
	"github.com/JakeFAU/market-price-crawler/internal/task"
)

// Provider names accepted by the storage, snapshot and notify sections.
const (
	ProviderNone     = "none"
	ProviderMemory   = "memory"
	ProviderPostgres = "postgres"
	ProviderLocal    = "local"
	ProviderGCS      = "gcs"
	ProviderPubSub   = "pubsub"

	BackendChromedp = "chromedp"
	BackendRod      = "rod"
)

// DotEnvFiles are preloaded into the environment when present. Variables
// already set win.
var DotEnvFiles = []string{".env.local", ".env"}

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig             `mapstructure:"server"`
	Auth       AuthConfig               `mapstructure:"auth"`
	Crawler    CrawlerConfig            `mapstructure:"crawler"`
	HTTP       HTTPConfig               `mapstructure:"http"`
	Backoff    BackoffConfig            `mapstructure:"backoff"`
	Render     RenderConfig             `mapstructure:"render"`
	Detector   detector.Rules           `mapstructure:"detector"`
	Pagination crawler.PaginationConfig `mapstructure:"pagination"`
	Tasks      TasksConfig              `mapstructure:"tasks"`
	Schedule   scheduler.Config         `mapstructure:"schedule"`
	Storage    StorageConfig            `mapstructure:"storage"`
	Snapshot   SnapshotConfig           `mapstructure:"snapshot"`
	Notify     NotifyConfig             `mapstructure:"notify"`
	Logging    LoggingConfig            `mapstructure:"logging"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Port    int  `mapstructure:"port"`
	Enabled bool `mapstructure:"enabled"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig names the target site and the default keyword list.
type CrawlerConfig struct {
	Keywords     []string `mapstructure:"keywords"`
	SearchURL    string   `mapstructure:"search_url"`
	KeywordParam string   `mapstructure:"keyword_param"`
	Timezone     string   `mapstructure:"timezone"`
	UserAgents   []string `mapstructure:"user_agents"`
}

// HTTPConfig configures the direct fetch tier.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	RetryTimes     int `mapstructure:"retry_times"`
	MinDelayMs     int `mapstructure:"min_delay_ms"`
	MaxDelayMs     int `mapstructure:"max_delay_ms"`
}

// Timeout returns the per-request timeout.
func (c HTTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BackoffConfig bounds the wait after a blocked page.
type BackoffConfig struct {
	BaseSeconds     int `mapstructure:"base_seconds"`
	MaxSeconds      int `mapstructure:"max_seconds"`
	BlockedMaxRetry int `mapstructure:"blocked_max_retry"`
}

// RenderConfig configures the browser tier.
type RenderConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	Headless          bool    `mapstructure:"headless"`
	Backend           string  `mapstructure:"backend"`
	BrowserBin        string  `mapstructure:"browser_bin"`
	NavTimeoutSeconds int     `mapstructure:"nav_timeout_seconds"`
	DomainQPS         float64 `mapstructure:"domain_qps"`
	DomainBurst       int     `mapstructure:"domain_burst"`
}

// TasksConfig bounds the in-memory job registry and the worker poll.
type TasksConfig struct {
	MaxLogs        int `mapstructure:"max_logs"`
	MaxJobs        int `mapstructure:"max_jobs"`
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
}

// Manager returns the task.Manager view of c.
func (c TasksConfig) Manager() task.Config {
	return task.Config{MaxLogs: c.MaxLogs, MaxJobs: c.MaxJobs}
}

// StorageConfig selects where prices land.
type StorageConfig struct {
	Provider string          `mapstructure:"provider"`
	Postgres postgres.Config `mapstructure:"postgres"`
}

// SnapshotConfig selects where blocked pages are kept for audit.
type SnapshotConfig struct {
	Provider string `mapstructure:"provider"`
	Dir      string `mapstructure:"dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// NotifyConfig selects where job completion events go.
type NotifyConfig struct {
	Provider string        `mapstructure:"provider"`
	PubSub   pubsub.Config `mapstructure:",squash"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from .env files, an optional YAML file and the
// CRAWLER_* environment.
func Load(path string) (Config, error) {
	if err := loadDotEnv(DotEnvFiles...); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	// crawler.keyword_param has no default so that it only overrides
	// pagination.keyword_param when a file or the environment sets it.
	if err := v.BindEnv("crawler.keyword_param"); err != nil {
		return Config{}, fmt.Errorf("bind env: %w", err)
	}

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
	cfg.Crawler.Keywords = normalizeList(cfg.Crawler.Keywords)
	cfg.Crawler.UserAgents = trimList(cfg.Crawler.UserAgents)
	if cfg.Crawler.KeywordParam != "" {
		cfg.Pagination.KeywordParam = cfg.Crawler.KeywordParam
	} else {
		cfg.Crawler.KeywordParam = cfg.Pagination.KeywordParam
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.enabled", true)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")

	v.SetDefault("crawler.keywords", []string{"鹅", "玉米", "豆粕"})
	v.SetDefault("crawler.search_url", "https://www.cnhnb.com/hangqing/?k="+crawler.KeywordPlaceholder)
	v.SetDefault("crawler.timezone", "Asia/Shanghai")
	v.SetDefault("crawler.user_agents", crawler.DefaultUserAgents)

	v.SetDefault("http.timeout_seconds", 20)
	v.SetDefault("http.retry_times", 2)
	v.SetDefault("http.min_delay_ms", 200)
	v.SetDefault("http.max_delay_ms", 600)

	v.SetDefault("backoff.base_seconds", 10)
	v.SetDefault("backoff.max_seconds", 600)
	v.SetDefault("backoff.blocked_max_retry", 2)

	v.SetDefault("render.enabled", true)
	v.SetDefault("render.headless", true)
	v.SetDefault("render.backend", BackendChromedp)
	v.SetDefault("render.browser_bin", "")
	v.SetDefault("render.nav_timeout_seconds", 0)
	v.SetDefault("render.domain_qps", 0.5)
	v.SetDefault("render.domain_burst", 1)

	rules := detector.DefaultRules()
	v.SetDefault("detector.blocked_statuses", rules.BlockedStatuses)
	v.SetDefault("detector.list_item_marker", rules.ListItemMarker)
	v.SetDefault("detector.content_marker", rules.ContentMarker)
	v.SetDefault("detector.no_data_markers", rules.NoDataMarkers)
	v.SetDefault("detector.suspect_tokens", rules.SuspectTokens)

	pager := crawler.DefaultPaginationConfig()
	v.SetDefault("pagination.pager_selector", pager.PagerSelector)
	v.SetDefault("pagination.template_marker", pager.TemplateMarker)
	v.SetDefault("pagination.keyword_param", pager.KeywordParam)
	v.SetDefault("pagination.page_param", pager.PageParam)

	v.SetDefault("tasks.max_logs", 1000)
	v.SetDefault("tasks.max_jobs", 100)
	v.SetDefault("tasks.poll_interval_ms", 1000)

	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.cron", "30 8 * * *")
	v.SetDefault("schedule.run_on_start", true)
	v.SetDefault("schedule.sweep_enabled", true)
	v.SetDefault("schedule.sweep_cron", "0 11,17 * * *")

	v.SetDefault("storage.provider", ProviderMemory)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.table", "market_prices")
	v.SetDefault("storage.postgres.max_conns", 4)
	v.SetDefault("storage.postgres.acquire_timeout_seconds", 30)
	v.SetDefault("storage.postgres.auto_migrate", true)
	v.SetDefault("storage.postgres.archive_jobs", false)

	v.SetDefault("snapshot.provider", ProviderNone)
	v.SetDefault("snapshot.dir", "snapshots")
	v.SetDefault("snapshot.bucket", "")
	v.SetDefault("snapshot.prefix", "")

	v.SetDefault("notify.provider", ProviderNone)
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "")

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Location resolves the crawler timezone. Call after Validate.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Crawler.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// NavigationTimeout is the render timeout, falling back to the HTTP timeout.
func (c Config) NavigationTimeout() time.Duration {
	if c.Render.NavTimeoutSeconds > 0 {
		return time.Duration(c.Render.NavTimeoutSeconds) * time.Second
	}
	return c.HTTP.Timeout()
}

// PollInterval is the worker's idle wait between queue checks.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Tasks.PollIntervalMs) * time.Millisecond
}

// Validate ensures required fields are present and sane.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port must be between 1 and 65535")
	check(!c.Auth.Enabled || c.Auth.APIKey != "", "auth.api_key is required when auth is enabled")

	check(len(c.Crawler.Keywords) > 0, "crawler.keywords must not be empty")
	check(strings.Contains(c.Crawler.SearchURL, crawler.KeywordPlaceholder),
		"crawler.search_url must contain %s", crawler.KeywordPlaceholder)
	if _, err := time.LoadLocation(c.Crawler.Timezone); err != nil || c.Crawler.Timezone == "" {
		errs = append(errs, fmt.Errorf("crawler.timezone %q is not a known location", c.Crawler.Timezone))
	}

	check(c.HTTP.TimeoutSeconds > 0, "http.timeout_seconds must be positive")
	check(c.HTTP.RetryTimes >= 0, "http.retry_times must be non-negative")
	check(c.HTTP.MinDelayMs >= 0, "http.min_delay_ms must be non-negative")
	check(c.HTTP.MinDelayMs <= c.HTTP.MaxDelayMs, "http.min_delay_ms must not exceed http.max_delay_ms")

	check(c.Backoff.BaseSeconds > 0, "backoff.base_seconds must be positive")
	check(c.Backoff.MaxSeconds >= c.Backoff.BaseSeconds, "backoff.max_seconds must be at least backoff.base_seconds")
	check(c.Backoff.BlockedMaxRetry >= 0, "backoff.blocked_max_retry must be non-negative")

	check(c.Render.Backend == BackendChromedp || c.Render.Backend == BackendRod,
		"render.backend %q must be %s or %s", c.Render.Backend, BackendChromedp, BackendRod)
	check(c.Render.NavTimeoutSeconds >= 0, "render.nav_timeout_seconds must be non-negative")
	check(c.Render.DomainQPS >= 0, "render.domain_qps must be non-negative")

	check(c.Tasks.MaxLogs >= 2, "tasks.max_logs must be at least 2")
	check(c.Tasks.MaxJobs > 0, "tasks.max_jobs must be positive")
	check(c.Tasks.PollIntervalMs > 0, "tasks.poll_interval_ms must be positive")

	if c.Schedule.Enabled {
		if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
			errs = append(errs, fmt.Errorf("schedule.cron: %w", err))
		}
	}
	if c.Schedule.SweepEnabled {
		if _, err := cron.ParseStandard(c.Schedule.SweepCron); err != nil {
			errs = append(errs, fmt.Errorf("schedule.sweep_cron: %w", err))
		}
	}

	switch c.Storage.Provider {
	case ProviderMemory:
	case ProviderPostgres:
		check(c.Storage.Postgres.DSN != "", "storage.postgres.dsn is required for the postgres provider")
		check(c.Storage.Postgres.MaxConns > 0, "storage.postgres.max_conns must be positive")
	default:
		errs = append(errs, fmt.Errorf("storage.provider %q is not supported", c.Storage.Provider))
	}

	switch c.Snapshot.Provider {
	case ProviderNone:
	case ProviderLocal:
		check(c.Snapshot.Dir != "", "snapshot.dir is required for the local provider")
	case ProviderGCS:
		check(c.Snapshot.Bucket != "", "snapshot.bucket is required for the gcs provider")
	default:
		errs = append(errs, fmt.Errorf("snapshot.provider %q is not supported", c.Snapshot.Provider))
	}

	switch c.Notify.Provider {
	case ProviderNone, ProviderMemory:
	case ProviderPubSub:
		check(c.Notify.PubSub.ProjectID != "" && c.Notify.PubSub.Topic != "",
			"notify.project_id and notify.topic are required for the pubsub provider")
	default:
		errs = append(errs, fmt.Errorf("notify.provider %q is not supported", c.Notify.Provider))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// normalizeList splits comma-joined entries and drops blanks, so a list
// given as "a, b" through the environment matches the YAML form.
func normalizeList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func trimList(in []string) []string {
	var out []string
	for _, item := range in {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
