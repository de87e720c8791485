// Package app builds and holds the long-lived services of the crawler,
// acting as a dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-price-crawler/internal/api"
	"github.com/JakeFAU/market-price-crawler/internal/clock/system"
	"github.com/JakeFAU/market-price-crawler/internal/config"
	"github.com/JakeFAU/market-price-crawler/internal/crawler"
	"github.com/JakeFAU/market-price-crawler/internal/detector"
	collyfetcher "github.com/JakeFAU/market-price-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/market-price-crawler/internal/fetcher/headless"
	rodfetcher "github.com/JakeFAU/market-price-crawler/internal/fetcher/rod"
	"github.com/JakeFAU/market-price-crawler/internal/hash/sha256"
	"github.com/JakeFAU/market-price-crawler/internal/integrity"
	"github.com/JakeFAU/market-price-crawler/internal/parser"
	"github.com/JakeFAU/market-price-crawler/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/market-price-crawler/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/market-price-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/market-price-crawler/internal/scheduler"
	"github.com/JakeFAU/market-price-crawler/internal/snapshot"
	gcsstorage "github.com/JakeFAU/market-price-crawler/internal/storage/gcs"
	"github.com/JakeFAU/market-price-crawler/internal/storage/local"
	"github.com/JakeFAU/market-price-crawler/internal/storage/memory"
	"github.com/JakeFAU/market-price-crawler/internal/storage/postgres"
	"github.com/JakeFAU/market-price-crawler/internal/task"
	"github.com/JakeFAU/market-price-crawler/internal/worker"
)

// Publisher is a job event sink that owns a connection.
type Publisher interface {
	worker.Publisher
	Close() error
}

// Option customizes NewApp.
type Option func(*options)

type options struct {
	launch crawler.LaunchFunc
	direct crawler.DirectFetcher
}

// WithLaunchFunc replaces the configured browser backend.
func WithLaunchFunc(fn crawler.LaunchFunc) Option {
	return func(o *options) {
		o.launch = fn
	}
}

// WithDirectFetcher replaces the Colly fetch tier.
func WithDirectFetcher(f crawler.DirectFetcher) Option {
	return func(o *options) {
		o.direct = f
	}
}

// App holds the shared services. It is built once at startup and closed by
// the root command after the subcommand returns.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	loc       *time.Location
	clock     crawler.Clock
	prices    crawler.PriceStore
	pool      *pgxpool.Pool
	jobs      *task.Manager
	publisher Publisher
	fetcher   *crawler.EscalatingFetcher
	crawler   *crawler.Crawler
	sweep     *integrity.Sweep

	closers []func() error
}

// NewApp builds every service named by cfg. It fails fast: a provider that
// cannot be reached aborts startup.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		loc:    cfg.Location(),
		clock:  system.New(),
	}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	archive, err := a.initPrices(ctx)
	if err != nil {
		return nil, err
	}
	taskOpts := []task.Option{task.WithClock(a.clock)}
	if archive != nil {
		taskOpts = append(taskOpts, task.WithArchive(archive))
	}
	if a.jobs, err = task.NewManager(memory.NewJobStore(), cfg.Tasks.Manager(), logger.Named("tasks"), taskOpts...); err != nil {
		return nil, fmt.Errorf("init task manager: %w", err)
	}
	if err := a.initPublisher(ctx); err != nil {
		return nil, err
	}
	snapshots, err := a.initSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.initCrawler(o, snapshots); err != nil {
		return nil, err
	}
	if a.sweep, err = integrity.New(a.prices, a.jobs, cfg.Crawler.Keywords, a.clock, a.loc, logger.Named("sweep")); err != nil {
		return nil, fmt.Errorf("init integrity sweep: %w", err)
	}

	logger.Info("application services initialized",
		zap.String("storage", cfg.Storage.Provider),
		zap.String("snapshot", cfg.Snapshot.Provider),
		zap.String("notify", cfg.Notify.Provider),
		zap.Bool("render", cfg.Render.Enabled),
		zap.String("render_backend", cfg.Render.Backend),
	)
	ready = true
	return a, nil
}

func (a *App) initPrices(ctx context.Context) (task.Archive, error) {
	switch a.cfg.Storage.Provider {
	case config.ProviderPostgres:
		pgCfg := a.cfg.Storage.Postgres
		pool, err := postgres.Connect(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("init postgres: %w", err)
		}
		a.pool = pool
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		prices, err := postgres.NewPriceStore(pool, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("init price store: %w", err)
		}
		if pgCfg.AutoMigrate {
			if err := prices.EnsureSchema(ctx); err != nil {
				return nil, err
			}
		}
		a.prices = prices
		if !pgCfg.ArchiveJobs {
			return nil, nil
		}
		archive, err := postgres.NewJobArchive(pool, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("init job archive: %w", err)
		}
		if pgCfg.AutoMigrate {
			if err := archive.EnsureSchema(ctx); err != nil {
				return nil, err
			}
		}
		return archive, nil
	case config.ProviderMemory, "":
		a.logger.Info("using in-memory price store; data is lost on exit")
		a.prices = memory.NewPriceStore()
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", a.cfg.Storage.Provider)
	}
}

func (a *App) initPublisher(ctx context.Context) error {
	switch a.cfg.Notify.Provider {
	case config.ProviderPubSub:
		pub, err := pubsubpublisher.Dial(ctx, a.cfg.Notify.PubSub)
		if err != nil {
			return fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.publisher = pub
	case config.ProviderMemory:
		a.publisher = memorypublisher.New()
	case config.ProviderNone, "":
		return nil
	default:
		return fmt.Errorf("unknown notify provider: %s", a.cfg.Notify.Provider)
	}
	a.closers = append(a.closers, a.publisher.Close)
	return nil
}

func (a *App) initSnapshots(ctx context.Context) (crawler.Snapshotter, error) {
	var store snapshot.BlobStore
	switch a.cfg.Snapshot.Provider {
	case config.ProviderLocal:
		s, err := local.New(local.Config{Dir: a.cfg.Snapshot.Dir})
		if err != nil {
			return nil, fmt.Errorf("init local snapshot store: %w", err)
		}
		store = s
	case config.ProviderGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		s, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Snapshot.Bucket, Prefix: a.cfg.Snapshot.Prefix})
		if err != nil {
			return nil, fmt.Errorf("init gcs snapshot store: %w", err)
		}
		store = s
	case config.ProviderNone, "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown snapshot provider: %s", a.cfg.Snapshot.Provider)
	}
	rec, err := snapshot.New(store, sha256.New(), a.clock, a.loc, a.logger.Named("snapshot"))
	if err != nil {
		return nil, fmt.Errorf("init snapshot recorder: %w", err)
	}
	return rec, nil
}

func (a *App) initCrawler(o options, snapshots crawler.Snapshotter) error {
	cfg := a.cfg
	direct := o.direct
	if direct == nil {
		direct = collyfetcher.New(collyfetcher.Config{
			Timeout:  cfg.HTTP.Timeout(),
			Retries:  cfg.HTTP.RetryTimes,
			MinDelay: time.Duration(cfg.HTTP.MinDelayMs) * time.Millisecond,
			MaxDelay: time.Duration(cfg.HTTP.MaxDelayMs) * time.Millisecond,
		}, a.logger.Named("direct"))
	}

	var session *crawler.RenderSession
	if cfg.Render.Enabled {
		launch := o.launch
		if launch == nil {
			launch = a.launcher()
		}
		limiter := ratelimit.New(ratelimit.Config{RPS: cfg.Render.DomainQPS, Burst: cfg.Render.DomainBurst})
		session = crawler.NewRenderSession(launch, limiter, a.logger.Named("render"))
	}

	var fetchOpts []crawler.EscalatingOption
	if snapshots != nil {
		fetchOpts = append(fetchOpts, crawler.WithSnapshotter(snapshots))
	}
	fetcher, err := crawler.NewEscalatingFetcher(
		direct,
		session,
		detector.New(cfg.Detector),
		crawler.EscalatingConfig{RenderEnabled: cfg.Render.Enabled, UserAgents: cfg.Crawler.UserAgents},
		a.logger.Named("fetch"),
		fetchOpts...,
	)
	if err != nil {
		return fmt.Errorf("init fetcher: %w", err)
	}
	a.fetcher = fetcher
	a.closers = append(a.closers, fetcher.Close)

	a.crawler, err = crawler.New(
		crawler.Config{
			SearchURL:       cfg.Crawler.SearchURL,
			BlockedMaxRetry: cfg.Backoff.BlockedMaxRetry,
			BackoffBase:     cfg.Backoff.BaseSeconds,
			BackoffMax:      cfg.Backoff.MaxSeconds,
			Location:        a.loc,
		},
		fetcher,
		parser.New(parser.Selectors{}, a.loc),
		a.prices,
		crawler.NewPaginator(cfg.Pagination),
		a.clock,
		a.logger.Named("crawler"),
	)
	if err != nil {
		return fmt.Errorf("init crawler: %w", err)
	}
	return nil
}

func (a *App) launcher() crawler.LaunchFunc {
	if a.cfg.Render.Backend == config.BackendRod {
		return rodfetcher.Launcher(rodfetcher.Config{
			Headless:          a.cfg.Render.Headless,
			BrowserBin:        a.cfg.Render.BrowserBin,
			NavigationTimeout: a.cfg.NavigationTimeout(),
		})
	}
	return headlessfetcher.Launcher(headlessfetcher.Config{
		Headless:          a.cfg.Render.Headless,
		NavigationTimeout: a.cfg.NavigationTimeout(),
	})
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Location is the crawler timezone.
func (a *App) Location() *time.Location { return a.loc }

// Jobs returns the task manager.
func (a *App) Jobs() *task.Manager { return a.jobs }

// Prices returns the configured price store.
func (a *App) Prices() crawler.PriceStore { return a.prices }

// Crawler returns the keyword orchestrator.
func (a *App) Crawler() *crawler.Crawler { return a.crawler }

// Sweep returns the integrity sweep.
func (a *App) Sweep() *integrity.Sweep { return a.sweep }

// Publisher returns the job event sink, or nil when notifications are off.
func (a *App) Publisher() Publisher { return a.publisher }

// NewWorker builds the job worker over the shared crawler.
func (a *App) NewWorker() *worker.Worker {
	var opts []worker.Option
	if a.publisher != nil {
		opts = append(opts, worker.WithPublisher(a.publisher))
	}
	return worker.New(a.jobs, a.crawler, worker.Config{PollInterval: a.cfg.PollInterval()}, a.logger.Named("worker"), opts...)
}

// NewScheduler builds the cron scheduler for the daily crawl and sweeps.
func (a *App) NewScheduler() (*scheduler.Scheduler, error) {
	s, err := scheduler.New(a.cfg.Schedule, a.cfg.Crawler.Keywords, a.jobs, a.sweep, a.loc, a.logger.Named("scheduler"))
	if err != nil {
		return nil, fmt.Errorf("init scheduler: %w", err)
	}
	return s, nil
}

// NewHTTPServer builds the API server bound to the configured port.
func (a *App) NewHTTPServer() *http.Server {
	var opts []api.Option
	if a.pool != nil {
		opts = append(opts, api.WithReadiness(a.pool.Ping))
	}
	srv := api.NewServer(a.jobs, api.Config{
		AuthEnabled: a.cfg.Auth.Enabled,
		APIKey:      a.cfg.Auth.APIKey,
	}, a.logger.Named("api"), opts...)
	return &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port)),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Close releases services in reverse order of creation. It is safe to call
// more than once.
func (a *App) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing application services", zap.Error(err))
	}
}
