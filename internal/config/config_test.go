package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/market-price-crawler/internal/crawler"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 5000, cfg.Server.Port)
	require.True(t, cfg.Server.Enabled)
	require.Equal(t, []string{"鹅", "玉米", "豆粕"}, cfg.Crawler.Keywords)
	require.Equal(t, "https://www.cnhnb.com/hangqing/?k={keyword}", cfg.Crawler.SearchURL)
	require.Equal(t, crawler.DefaultUserAgents, cfg.Crawler.UserAgents)
	require.Equal(t, 20*time.Second, cfg.HTTP.Timeout())
	require.Equal(t, 20*time.Second, cfg.NavigationTimeout())
	require.Equal(t, 2, cfg.HTTP.RetryTimes)
	require.Equal(t, 10, cfg.Backoff.BaseSeconds)
	require.Equal(t, 600, cfg.Backoff.MaxSeconds)
	require.Equal(t, 2, cfg.Backoff.BlockedMaxRetry)
	require.Equal(t, BackendChromedp, cfg.Render.Backend)
	require.InDelta(t, 0.5, cfg.Render.DomainQPS, 1e-9)
	require.Equal(t, []int{403, 429}, cfg.Detector.BlockedStatuses)
	require.Equal(t, "cdlist-", cfg.Pagination.TemplateMarker)
	require.Equal(t, "k", cfg.Pagination.KeywordParam)
	require.Equal(t, "k", cfg.Crawler.KeywordParam)
	require.Equal(t, 1000, cfg.Tasks.MaxLogs)
	require.Equal(t, 100, cfg.Tasks.MaxJobs)
	require.Equal(t, time.Second, cfg.PollInterval())
	require.Equal(t, "30 8 * * *", cfg.Schedule.Cron)
	require.Equal(t, "0 11,17 * * *", cfg.Schedule.SweepCron)
	require.Equal(t, ProviderMemory, cfg.Storage.Provider)
	require.Equal(t, ProviderNone, cfg.Snapshot.Provider)
	require.Equal(t, ProviderNone, cfg.Notify.Provider)
	require.Equal(t, "Asia/Shanghai", cfg.Location().String())
}

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
crawler:
  keywords: ["生猪", "大豆"]
  keyword_param: q
  timezone: UTC
http:
  timeout_seconds: 30
  min_delay_ms: 0
  max_delay_ms: 0
render:
  backend: rod
  nav_timeout_seconds: 45
storage:
  provider: postgres
  postgres:
    dsn: postgres://crawler@localhost/prices
    table: prices
    archive_jobs: true
snapshot:
  provider: gcs
  bucket: audit
  prefix: crawler
notify:
  provider: pubsub
  project_id: demo
  topic: crawl-events
schedule:
  cron: "0 6 * * 1-5"
logging:
  development: true
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "secret", cfg.Auth.APIKey)
	require.Equal(t, []string{"生猪", "大豆"}, cfg.Crawler.Keywords)
	require.Equal(t, "q", cfg.Pagination.KeywordParam)
	require.Equal(t, time.UTC, cfg.Location())
	require.Equal(t, 45*time.Second, cfg.NavigationTimeout())
	require.Equal(t, BackendRod, cfg.Render.Backend)
	require.Equal(t, "postgres://crawler@localhost/prices", cfg.Storage.Postgres.DSN)
	require.Equal(t, "prices", cfg.Storage.Postgres.Table)
	require.True(t, cfg.Storage.Postgres.ArchiveJobs)
	require.Equal(t, int32(4), cfg.Storage.Postgres.MaxConns)
	require.Equal(t, "audit", cfg.Snapshot.Bucket)
	require.Equal(t, "demo", cfg.Notify.PubSub.ProjectID)
	require.Equal(t, "crawl-events", cfg.Notify.PubSub.Topic)
	require.Equal(t, "0 6 * * 1-5", cfg.Schedule.Cron)
	require.True(t, cfg.Logging.Development)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadPaginationKeywordParamWithoutCrawlerOverride(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pagination:\n  keyword_param: q\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "q", cfg.Pagination.KeywordParam)
	require.Equal(t, "q", cfg.Crawler.KeywordParam)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CRAWLER_CRAWLER_KEYWORDS", " 鹅 ,玉米,, ")
	t.Setenv("CRAWLER_SERVER_PORT", "7000")
	t.Setenv("CRAWLER_STORAGE_POSTGRES_ACQUIRE_TIMEOUT_SECONDS", "5")
	t.Setenv("CRAWLER_CRAWLER_KEYWORD_PARAM", "q")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, []string{"鹅", "玉米"}, cfg.Crawler.Keywords)
	require.Equal(t, 7000, cfg.Server.Port)
	require.Equal(t, 5*time.Second, cfg.Storage.Postgres.AcquireTimeout())
	require.Equal(t, "q", cfg.Pagination.KeywordParam)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("CRAWLER_TEST_DOTENV_VALUE=from-file\n"), 0o600))
	t.Setenv("CRAWLER_TEST_DOTENV_VALUE", "")
	require.NoError(t, os.Unsetenv("CRAWLER_TEST_DOTENV_VALUE"))

	require.NoError(t, loadDotEnv(filepath.Join(dir, "absent.env"), path))
	require.Equal(t, "from-file", os.Getenv("CRAWLER_TEST_DOTENV_VALUE"))
}

func validConfig() Config {
	return Config{
		Server:   ServerConfig{Port: 5000},
		Crawler:  CrawlerConfig{Keywords: []string{"鹅"}, SearchURL: "https://example.com/?k={keyword}", Timezone: "UTC"},
		HTTP:     HTTPConfig{TimeoutSeconds: 10, RetryTimes: 1, MinDelayMs: 100, MaxDelayMs: 200},
		Backoff:  BackoffConfig{BaseSeconds: 10, MaxSeconds: 600, BlockedMaxRetry: 2},
		Render:   RenderConfig{Backend: BackendChromedp},
		Tasks:    TasksConfig{MaxLogs: 10, MaxJobs: 10, PollIntervalMs: 100},
		Storage:  StorageConfig{Provider: ProviderMemory},
		Snapshot: SnapshotConfig{Provider: ProviderNone},
		Notify:   NotifyConfig{Provider: ProviderNone},
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"no keywords", func(c *Config) { c.Crawler.Keywords = nil }, "crawler.keywords"},
		{"search url without placeholder", func(c *Config) { c.Crawler.SearchURL = "https://example.com" }, "crawler.search_url"},
		{"unknown timezone", func(c *Config) { c.Crawler.Timezone = "Mars/Olympus" }, "crawler.timezone"},
		{"invalid timeout", func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, "http.timeout_seconds"},
		{"delay inverted", func(c *Config) { c.HTTP.MinDelayMs = 500 }, "http.min_delay_ms"},
		{"backoff base", func(c *Config) { c.Backoff.BaseSeconds = 0 }, "backoff.base_seconds"},
		{"backoff max below base", func(c *Config) { c.Backoff.MaxSeconds = 5 }, "backoff.max_seconds"},
		{"unknown backend", func(c *Config) { c.Render.Backend = "playwright" }, "render.backend"},
		{"tiny log cap", func(c *Config) { c.Tasks.MaxLogs = 1 }, "tasks.max_logs"},
		{"no job cap", func(c *Config) { c.Tasks.MaxJobs = 0 }, "tasks.max_jobs"},
		{"bad cron", func(c *Config) {
			c.Schedule.Enabled = true
			c.Schedule.Cron = "every morning"
		}, "schedule.cron"},
		{"bad sweep cron", func(c *Config) {
			c.Schedule.SweepEnabled = true
			c.Schedule.SweepCron = "* *"
		}, "schedule.sweep_cron"},
		{"unknown storage", func(c *Config) { c.Storage.Provider = "sqlite" }, "storage.provider"},
		{"postgres without dsn", func(c *Config) {
			c.Storage.Provider = ProviderPostgres
			c.Storage.Postgres.MaxConns = 2
		}, "storage.postgres.dsn"},
		{"unknown snapshot", func(c *Config) { c.Snapshot.Provider = "s3" }, "snapshot.provider"},
		{"gcs without bucket", func(c *Config) { c.Snapshot.Provider = ProviderGCS }, "snapshot.bucket"},
		{"unknown notify", func(c *Config) { c.Notify.Provider = "kafka" }, "notify.provider"},
		{"pubsub without topic", func(c *Config) {
			c.Notify.Provider = ProviderPubSub
			c.Notify.PubSub.ProjectID = "demo"
		}, "notify.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestDisabledScheduleSkipsCronValidation(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Schedule.Cron = "not a cron"
	require.NoError(t, cfg.Validate())
}

func TestNormalizeList(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"a", "b", "c"}, normalizeList([]string{" a,b ", "", "c"}))
	require.Nil(t, normalizeList(nil))
}
