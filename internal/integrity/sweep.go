// Package integrity reconciles the configured keyword set against what the
// price store holds for a day and re-enqueues the gaps.
package integrity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/market-price-crawler/internal/crawler"
	"github.com/JakeFAU/market-price-crawler/internal/task"
)

// Enqueuer creates crawl jobs and looks them up again. task.Manager
// implements it.
type Enqueuer interface {
	CreateJob(keywords []string, forceRestart bool) (string, error)
	Job(id string) (task.Job, error)
}

// Report is the coverage for one day.
type Report struct {
	Day      string         `json:"day"`
	Expected []string       `json:"expected"`
	Counts   map[string]int `json:"counts"`
	Missing  []string       `json:"missing"`
}

// Result is what one Run did. Skipped keywords already had a blocked or
// failed retry today; InFlight keywords have a retry job still queued or
// running.
type Result struct {
	Report
	Retried  []string `json:"retried"`
	Skipped  []string `json:"skipped"`
	InFlight []string `json:"in_flight"`
	JobID    string   `json:"job_id,omitempty"`
}

// Sweep checks coverage and enqueues one forced job for missing keywords.
// A keyword whose retry was blocked or errored is not retried again that
// day. A retry that finished without rows is tried again on the next run.
type Sweep struct {
	store    crawler.PriceStore
	jobs     Enqueuer
	keywords []string
	clock    crawler.Clock
	loc      *time.Location
	logger   *zap.Logger

	mu       sync.Mutex
	retryDay string
	failed   map[string]struct{}
	inFlight map[string]string // keyword -> retry job id
}

// New builds a Sweep over keywords.
func New(
	store crawler.PriceStore,
	jobs Enqueuer,
	keywords []string,
	clock crawler.Clock,
	loc *time.Location,
	logger *zap.Logger,
) (*Sweep, error) {
	if store == nil || jobs == nil || clock == nil {
		return nil, fmt.Errorf("integrity sweep requires store, enqueuer and clock")
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweep{
		store:    store,
		jobs:     jobs,
		keywords: append([]string(nil), keywords...),
		clock:    clock,
		loc:      loc,
		logger:   logger,
		failed:   make(map[string]struct{}),
		inFlight: make(map[string]string),
	}, nil
}

// Today is the current calendar day in the sweep's location.
func (s *Sweep) Today() time.Time {
	return crawler.DayOf(s.clock.Now(), s.loc)
}

// Report computes coverage for day without enqueuing anything.
func (s *Sweep) Report(ctx context.Context, day time.Time) (Report, error) {
	rep := Report{
		Day:      day.Format("2006-01-02"),
		Expected: append([]string(nil), s.keywords...),
		Counts:   map[string]int{},
		Missing:  []string{},
	}
	if len(s.keywords) == 0 {
		return rep, nil
	}
	counts, err := s.store.KeywordCounts(ctx, s.keywords, day)
	if err != nil {
		return Report{}, fmt.Errorf("keyword counts: %w", err)
	}
	missing, err := s.store.MissingKeywords(ctx, s.keywords, day)
	if err != nil {
		return Report{}, fmt.Errorf("missing keywords: %w", err)
	}
	rep.Counts = counts
	rep.Missing = missing
	return rep, nil
}

// Run reports on today and enqueues missing keywords that have neither a
// failed retry today nor a retry still in flight.
func (s *Sweep) Run(ctx context.Context) (Result, error) {
	day := s.Today()
	rep, err := s.Report(ctx, day)
	if err != nil {
		return Result{}, err
	}
	res := Result{Report: rep, Retried: []string{}, Skipped: []string{}, InFlight: []string{}}
	if len(s.keywords) == 0 {
		s.logger.Warn("no keywords configured, integrity sweep skipped")
		return res, nil
	}
	s.logger.Info("integrity counts", zap.String("day", rep.Day), zap.Any("counts", rep.Counts))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retryDay != rep.Day {
		s.retryDay = rep.Day
		s.failed = make(map[string]struct{})
		s.inFlight = make(map[string]string)
	}
	s.collectLocked()

	if len(rep.Missing) == 0 {
		s.logger.Info("integrity sweep passed", zap.String("day", rep.Day))
		return res, nil
	}
	for _, kw := range rep.Missing {
		if _, done := s.failed[kw]; done {
			res.Skipped = append(res.Skipped, kw)
			continue
		}
		if _, busy := s.inFlight[kw]; busy {
			res.InFlight = append(res.InFlight, kw)
			continue
		}
		res.Retried = append(res.Retried, kw)
	}

	s.logger.Warn("keywords missing data",
		zap.String("day", rep.Day),
		zap.Strings("missing", rep.Missing),
		zap.Strings("retry", res.Retried),
		zap.Strings("failed_today", res.Skipped),
		zap.Strings("in_flight", res.InFlight),
	)
	if len(res.Retried) == 0 {
		return res, nil
	}
	id, err := s.jobs.CreateJob(res.Retried, true)
	if err != nil {
		return res, fmt.Errorf("enqueue retry job: %w", err)
	}
	for _, kw := range res.Retried {
		s.inFlight[kw] = id
	}
	res.JobID = id
	s.logger.Info("retry job enqueued", zap.String("job_id", id), zap.Strings("keywords", res.Retried))
	return res, nil
}

// collectLocked settles retries whose job has finished. A keyword counts as
// failed when its result is blocked, or when a completed or failed job has
// no result for it because the crawl errored. Keywords of a cancelled or
// evicted job are simply released.
func (s *Sweep) collectLocked() {
	for kw, id := range s.inFlight {
		job, err := s.jobs.Job(id)
		if err != nil {
			delete(s.inFlight, kw)
			continue
		}
		if !job.Status.Terminal() {
			continue
		}
		delete(s.inFlight, kw)
		if retryFailed(job, kw) {
			s.failed[kw] = struct{}{}
			s.logger.Warn("retry failed, keyword not retried again today",
				zap.String("keyword", kw),
				zap.String("job_id", id),
			)
		}
	}
}

func retryFailed(job task.Job, keyword string) bool {
	for _, res := range job.Results {
		if res.Keyword == keyword {
			return res.Blocked
		}
	}
	return job.Status == task.StatusCompleted || job.Status == task.StatusFailed
}

// ResetRetries forgets failed and in-flight retries.
func (s *Sweep) ResetRetries() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = make(map[string]struct{})
	s.inFlight = make(map[string]string)
	s.logger.Info("integrity retry record reset")
}

// FailedToday lists keywords whose retry today was blocked or errored, in
// configured order. Retry jobs that finished since the last Run are
// settled first.
func (s *Sweep) FailedToday() []string {
	today := s.Today().Format("2006-01-02")
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []string{}
	if s.retryDay != today {
		return out
	}
	s.collectLocked()
	for _, kw := range s.keywords {
		if _, ok := s.failed[kw]; ok {
			out = append(out, kw)
		}
	}
	return out
}
