// Package scheduler fires the daily crawl and the integrity sweep on cron
// schedules. Both triggers only enqueue work.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-price-crawler/internal/integrity"
)

// Config holds the cron expressions, in the scheduler's location.
type Config struct {
	Enabled      bool   `mapstructure:"enabled"`
	Cron         string `mapstructure:"cron"`
	RunOnStart   bool   `mapstructure:"run_on_start"`
	SweepEnabled bool   `mapstructure:"sweep_enabled"`
	SweepCron    string `mapstructure:"sweep_cron"`
}

// Enqueuer creates crawl jobs.
type Enqueuer interface {
	CreateJob(keywords []string, forceRestart bool) (string, error)
}

// Sweeper runs one integrity pass.
type Sweeper interface {
	Run(ctx context.Context) (integrity.Result, error)
}

// Scheduler owns a cron runner.
type Scheduler struct {
	cfg      Config
	keywords []string
	jobs     Enqueuer
	sweeper  Sweeper
	crawlAt  cron.Schedule
	sweepAt  cron.Schedule
	cron     *cron.Cron
	logger   *zap.Logger
}

// New parses the schedules. sweeper may be nil when the sweep is disabled.
func New(cfg Config, keywords []string, jobs Enqueuer, sweeper Sweeper, loc *time.Location, logger *zap.Logger) (*Scheduler, error) {
	if jobs == nil {
		return nil, fmt.Errorf("scheduler requires an enqueuer")
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cfg:      cfg,
		keywords: append([]string(nil), keywords...),
		jobs:     jobs,
		sweeper:  sweeper,
		logger:   logger,
	}
	if cfg.Enabled {
		sched, err := cron.ParseStandard(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parse crawl cron %q: %w", cfg.Cron, err)
		}
		s.crawlAt = sched
	}
	if cfg.SweepEnabled {
		if sweeper == nil {
			return nil, fmt.Errorf("sweep enabled without a sweeper")
		}
		sched, err := cron.ParseStandard(cfg.SweepCron)
		if err != nil {
			return nil, fmt.Errorf("parse sweep cron %q: %w", cfg.SweepCron, err)
		}
		s.sweepAt = sched
	}
	cl := cronLogger{sugar: logger.Sugar()}
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return s, nil
}

// Run enqueues the start-up crawl if configured, then fires schedules until
// ctx is done. It waits for running entries before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.crawlAt != nil {
		s.cron.Schedule(s.crawlAt, cron.FuncJob(func() { s.crawlTick() }))
	}
	if s.sweepAt != nil {
		s.cron.Schedule(s.sweepAt, cron.FuncJob(func() { s.sweepTick(ctx) }))
	}
	if s.cfg.RunOnStart {
		s.logger.Info("run on start")
		s.crawlTick()
	}
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.Bool("crawl", s.crawlAt != nil),
		zap.String("crawl_cron", s.cfg.Cron),
		zap.Bool("sweep", s.sweepAt != nil),
		zap.String("sweep_cron", s.cfg.SweepCron),
	)
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// Entries reports the next fire time per registered schedule.
func (s *Scheduler) Entries() []time.Time {
	entries := s.cron.Entries()
	out := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Next)
	}
	return out
}

func (s *Scheduler) crawlTick() {
	if len(s.keywords) == 0 {
		s.logger.Warn("scheduled crawl skipped: no keywords configured")
		return
	}
	id, err := s.jobs.CreateJob(s.keywords, false)
	if err != nil {
		s.logger.Error("scheduled crawl enqueue failed", zap.Error(err))
		return
	}
	s.logger.Info("scheduled crawl enqueued", zap.String("job_id", id), zap.Strings("keywords", s.keywords))
}

func (s *Scheduler) sweepTick(ctx context.Context) {
	res, err := s.sweeper.Run(ctx)
	if err != nil {
		s.logger.Error("integrity sweep failed", zap.Error(err))
		return
	}
	s.logger.Info("integrity sweep finished",
		zap.String("day", res.Day),
		zap.Int("missing", len(res.Missing)),
		zap.Strings("retried", res.Retried),
		zap.String("job_id", res.JobID),
	)
}

// cronLogger routes cron's logr-style calls to zap.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
