// Package worker drains pending crawl jobs one at a time and drives the
// orchestrator through each job's keywords in order.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/market-price-crawler/internal/crawler"
	"github.com/JakeFAU/market-price-crawler/internal/metrics"
	"github.com/JakeFAU/market-price-crawler/internal/task"
)

const defaultPollInterval = time.Second

// Jobs is the part of task.Manager the worker needs.
type Jobs interface {
	NextPending() (task.Job, bool)
	Job(id string) (task.Job, error)
	UpdateStatus(id string, status task.Status, opts ...task.UpdateOption) error
	AppendLog(id, line string) error
	AddResult(id string, stats crawler.KeywordStats) error
	IsCancelled(id string) bool
}

// KeywordCrawler crawls a single keyword.
type KeywordCrawler interface {
	CrawlKeyword(ctx context.Context, keyword string, force bool) (crawler.KeywordStats, error)
}

// Publisher announces finished jobs.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) (string, error)
}

// Config controls Worker behavior.
type Config struct {
	PollInterval time.Duration
}

// Option customizes a Worker.
type Option func(*Worker)

// WithPublisher sends a job.<status> event when each job ends.
func WithPublisher(p Publisher) Option {
	return func(w *Worker) {
		w.publisher = p
	}
}

// WithSleep replaces the idle-poll sleep.
func WithSleep(fn crawler.SleepFunc) Option {
	return func(w *Worker) {
		w.sleep = fn
	}
}

// Worker is the single consumer of the job registry.
type Worker struct {
	jobs      Jobs
	crawler   KeywordCrawler
	publisher Publisher
	cfg       Config
	sleep     crawler.SleepFunc
	logger    *zap.Logger
}

// New constructs a Worker.
func New(jobs Jobs, kc KeywordCrawler, cfg Config, logger *zap.Logger, opts ...Option) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		jobs:    jobs,
		crawler: kc,
		cfg:     cfg,
		sleep:   crawler.Sleep,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls for pending jobs until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", zap.Duration("poll_interval", w.cfg.PollInterval))
	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopped")
			return nil
		}
		job, ok := w.jobs.NextPending()
		if !ok {
			if err := w.sleep(ctx, w.cfg.PollInterval); err != nil {
				w.logger.Info("worker stopped")
				return nil
			}
			continue
		}
		w.RunJob(ctx, job)
	}
}

// RunJob executes one job and returns the status it ended in. Keyword
// failures are logged against the job and do not stop later keywords.
// Cancellation is checked between keywords.
func (w *Worker) RunJob(ctx context.Context, job task.Job) task.Status {
	logger := w.logger.With(zap.String("job_id", job.ID))
	total := len(job.Keywords)

	if err := w.jobs.UpdateStatus(job.ID, task.StatusRunning, task.WithKeywordIndex(0)); err != nil {
		logger.Warn("job could not start", zap.Error(err))
		return w.currentStatus(job.ID)
	}
	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()

	mode := "resume"
	if job.ForceRestart {
		mode = "force restart"
	}
	w.logf(logger, job.ID, "job started (%s), %d keywords", mode, total)

	var (
		failures int
		lastErr  error
	)
	for i, kw := range job.Keywords {
		if ctx.Err() != nil {
			return w.finishCancelled(ctx, logger, job.ID, "worker shutting down")
		}
		if w.jobs.IsCancelled(job.ID) {
			return w.finishCancelled(ctx, logger, job.ID, "cancelled by request")
		}
		err := w.jobs.UpdateStatus(job.ID, task.StatusRunning, task.WithKeyword(kw), task.WithKeywordIndex(i))
		if errors.Is(err, task.ErrInvalidTransition) {
			return w.finishCancelled(ctx, logger, job.ID, "cancelled by request")
		}
		if err != nil {
			logger.Warn("progress update failed", zap.Error(err))
		}

		prefix := fmt.Sprintf("[%d/%d]", i+1, total)
		w.logf(logger, job.ID, "%s crawling keyword: %s", prefix, kw)

		stats, err := w.crawlKeyword(ctx, kw, job.ForceRestart)
		if err != nil {
			failures++
			lastErr = err
			metrics.ObserveKeyword("error")
			logger.Error("keyword crawl failed", zap.String("keyword", kw), zap.Error(err))
			w.logf(logger, job.ID, "%s %s failed: %v", prefix, kw, err)
			continue
		}
		if err := w.jobs.AddResult(job.ID, stats); err != nil {
			logger.Warn("record result failed", zap.String("keyword", kw), zap.Error(err))
		}
		w.logf(logger, job.ID, "%s %s", prefix, summarize(stats))
	}

	status := task.StatusCompleted
	opts := []task.UpdateOption{task.WithKeywordIndex(total)}
	if total > 0 && failures == total {
		status = task.StatusFailed
		opts = append(opts, task.WithError(fmt.Sprintf("all %d keywords failed, last error: %v", total, lastErr)))
	}
	if err := w.jobs.UpdateStatus(job.ID, status, opts...); err != nil {
		if errors.Is(err, task.ErrInvalidTransition) {
			return w.finishCancelled(ctx, logger, job.ID, "cancelled by request")
		}
		logger.Warn("final status update failed", zap.Error(err))
	}
	if status == task.StatusCompleted {
		w.logf(logger, job.ID, "job completed, %d keywords processed, %d failed", total, failures)
	} else {
		w.logf(logger, job.ID, "job failed: every keyword errored")
	}
	w.finish(ctx, logger, job.ID, status)
	return status
}

// crawlKeyword turns a panic inside one keyword into that keyword's error.
func (w *Worker) crawlKeyword(ctx context.Context, kw string, force bool) (stats crawler.KeywordStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic crawling %s: %v", kw, r)
		}
	}()
	return w.crawler.CrawlKeyword(ctx, kw, force)
}

func (w *Worker) finishCancelled(ctx context.Context, logger *zap.Logger, id, why string) task.Status {
	if !w.jobs.IsCancelled(id) {
		if err := w.jobs.UpdateStatus(id, task.StatusCancelled); err != nil {
			logger.Warn("cancel status update failed", zap.Error(err))
		}
	}
	w.logf(logger, id, "job cancelled: %s", why)
	w.finish(ctx, logger, id, task.StatusCancelled)
	return task.StatusCancelled
}

func (w *Worker) finish(ctx context.Context, logger *zap.Logger, id string, status task.Status) {
	metrics.ObserveJob(string(status))
	logger.Info("job finished", zap.String("status", string(status)))
	if w.publisher == nil {
		return
	}
	job, err := w.jobs.Job(id)
	if err != nil {
		logger.Warn("load finished job failed", zap.Error(err))
		return
	}
	event := Event{
		TaskID:      job.ID,
		Status:      string(job.Status),
		Keywords:    job.Keywords,
		Results:     job.Results,
		Error:       job.Error,
		CompletedAt: job.CompletedAt,
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := w.publisher.Publish(pubCtx, "job."+string(status), event); err != nil {
		logger.Warn("publish job event failed", zap.Error(err))
	}
}

func (w *Worker) currentStatus(id string) task.Status {
	job, err := w.jobs.Job(id)
	if err != nil {
		return task.StatusCancelled
	}
	return job.Status
}

func (w *Worker) logf(logger *zap.Logger, id, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	logger.Info(line)
	if err := w.jobs.AppendLog(id, line); err != nil {
		logger.Warn("append job log failed", zap.Error(err))
	}
}

// Event is the payload published when a job ends.
type Event struct {
	TaskID      string                 `json:"task_id"`
	Status      string                 `json:"status"`
	Keywords    []string               `json:"keywords"`
	Results     []crawler.KeywordStats `json:"results"`
	Error       string                 `json:"error,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

func summarize(stats crawler.KeywordStats) string {
	switch {
	case stats.Skipped:
		return stats.Keyword + " skipped: data for today already stored"
	case stats.Blocked:
		return fmt.Sprintf("%s done (blocked: %s)", stats.Keyword, stats.BlockedReason)
	default:
		return fmt.Sprintf("%s done (%d/%d pages, %d rows)",
			stats.Keyword, stats.PagesFetched, stats.PagesTotal, stats.RowsUpserted)
	}
}
