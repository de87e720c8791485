package task

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/market-price-crawler/internal/clock/system"
	"github.com/JakeFAU/market-price-crawler/internal/crawler"
	"github.com/JakeFAU/market-price-crawler/internal/id/uuid"
)

const (
	defaultMaxLogs = 1000
	defaultMaxJobs = 100
	minMaxLogs     = 2
	archiveTimeout = 5 * time.Second
)

// Config bounds what the Manager retains in memory.
type Config struct {
	MaxLogs int `mapstructure:"max_logs"`
	MaxJobs int `mapstructure:"max_jobs"`
}

// Option customizes a Manager.
type Option func(*Manager)

// WithIDGenerator replaces the UUIDv7 generator.
func WithIDGenerator(gen IDGenerator) Option {
	return func(m *Manager) {
		m.ids = gen
	}
}

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithArchive mirrors job snapshots and log lines to a.
func WithArchive(a Archive) Option {
	return func(m *Manager) {
		m.archive = a
	}
}

// Manager is the synchronized job registry shared by the worker, the
// scheduler and the API.
type Manager struct {
	mu      sync.Mutex
	store   Store
	cfg     Config
	ids     IDGenerator
	clock   Clock
	archive Archive
	logger  *zap.Logger

	// seq orders snapshots taken under mu. Archive writes run one at a
	// time under archiveMu and skip any snapshot older than the last one
	// written for the same job.
	seq         uint64
	archiveMu   sync.Mutex
	archivedSeq map[string]uint64
}

type snapshot struct {
	job Job
	seq uint64
}

// NewManager builds a Manager over store.
func NewManager(store Store, cfg Config, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if cfg.MaxLogs == 0 {
		cfg.MaxLogs = defaultMaxLogs
	}
	if cfg.MaxLogs < minMaxLogs {
		return nil, fmt.Errorf("max logs must be at least %d, got %d", minMaxLogs, cfg.MaxLogs)
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = defaultMaxJobs
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:       store,
		cfg:         cfg,
		ids:         uuid.NewUUIDGenerator(),
		clock:       system.New(),
		logger:      logger,
		archivedSeq: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// CreateJob registers a pending job and evicts the oldest records beyond
// MaxJobs. Eviction only drops the record; it does not stop a running crawl.
func (m *Manager) CreateJob(keywords []string, forceRestart bool) (string, error) {
	id, err := m.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}

	m.mu.Lock()
	job := Job{
		ID:            id,
		Keywords:      slices.Clone(keywords),
		Status:        StatusPending,
		CreatedAt:     m.clock.Now(),
		TotalKeywords: len(keywords),
		ForceRestart:  forceRestart,
	}
	m.store.Put(job)
	evicted := m.evictLocked()
	snap := m.snapshotLocked(job)
	m.mu.Unlock()

	m.logger.Info("job created",
		zap.String("job_id", id),
		zap.Strings("keywords", keywords),
		zap.Bool("force_restart", forceRestart),
	)
	for _, old := range evicted {
		m.logger.Debug("job evicted", zap.String("job_id", old))
	}
	m.forgetArchived(evicted)
	m.saveArchived(snap)
	return id, nil
}

func (m *Manager) evictLocked() []string {
	var evicted []string
	for m.store.Len() > m.cfg.MaxJobs {
		var oldest string
		m.store.Each(func(j Job) bool {
			oldest = j.ID
			return false
		})
		if oldest == "" {
			break
		}
		m.store.Delete(oldest)
		evicted = append(evicted, oldest)
	}
	return evicted
}

// NextPending returns the oldest pending job, if any.
func (m *Manager) NextPending() (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		found Job
		ok    bool
	)
	m.store.Each(func(j Job) bool {
		if j.Status == StatusPending {
			found, ok = j.Clone(), true
			return false
		}
		return true
	})
	return found, ok
}

// UpdateOption sets optional progress fields in UpdateStatus.
type UpdateOption func(*update)

type update struct {
	keyword *string
	index   *int
	errMsg  *string
}

// WithKeyword sets the keyword currently being crawled.
func WithKeyword(keyword string) UpdateOption {
	return func(u *update) {
		u.keyword = &keyword
	}
}

// WithKeywordIndex sets the zero-based progress index.
func WithKeywordIndex(index int) UpdateOption {
	return func(u *update) {
		u.index = &index
	}
}

// WithError records a job-level failure message.
func WithError(msg string) UpdateOption {
	return func(u *update) {
		u.errMsg = &msg
	}
}

// UpdateStatus moves a job to status and applies opts. StartedAt is set on
// the first move to Running and CompletedAt on the first terminal move.
func (m *Manager) UpdateStatus(id string, status Status, opts ...UpdateOption) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	var u update
	for _, opt := range opts {
		opt(&u)
	}

	m.mu.Lock()
	job, ok := m.store.Get(id)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !canTransition(job.Status, status) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, status)
	}
	if u.index != nil && (*u.index < 0 || *u.index > job.TotalKeywords) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d of %d", ErrKeywordIndex, *u.index, job.TotalKeywords)
	}

	job.Status = status
	if u.keyword != nil {
		job.CurrentKeyword = *u.keyword
	}
	if u.index != nil {
		job.KeywordIndex = *u.index
	}
	if u.errMsg != nil {
		job.Error = *u.errMsg
	}
	now := m.clock.Now()
	if status == StatusRunning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if status.Terminal() && job.CompletedAt == nil {
		job.CompletedAt = &now
	}
	m.store.Put(job)
	snap := m.snapshotLocked(job)
	m.mu.Unlock()

	m.saveArchived(snap)
	return nil
}

// AppendLog adds a progress line. At capacity the oldest lines are dropped
// so that MaxLogs/2 remain before the new line is added.
func (m *Manager) AppendLog(id, line string) error {
	m.mu.Lock()
	job, ok := m.store.Get(id)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if len(job.Logs) >= m.cfg.MaxLogs {
		keep := m.cfg.MaxLogs / 2
		job.Logs = slices.Clone(job.Logs[len(job.Logs)-keep:])
	}
	job.Logs = append(job.Logs, line)
	m.store.Put(job)
	at := m.clock.Now()
	m.mu.Unlock()

	if m.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := m.archive.AppendLog(ctx, id, line, at); err != nil {
			m.logger.Warn("archive job log failed", zap.String("job_id", id), zap.Error(err))
		}
	}
	return nil
}

// AddResult appends one keyword's stats to the job.
func (m *Manager) AddResult(id string, stats crawler.KeywordStats) error {
	m.mu.Lock()
	job, ok := m.store.Get(id)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	job.Results = append(job.Results, stats)
	m.store.Put(job)
	snap := m.snapshotLocked(job)
	m.mu.Unlock()

	m.saveArchived(snap)
	return nil
}

// Cancel marks a pending or running job as cancelled. A running crawl
// notices at its next keyword boundary.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	job, ok := m.store.Get(id)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Status.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, job.Status)
	}
	now := m.clock.Now()
	job.Status = StatusCancelled
	job.CompletedAt = &now
	m.store.Put(job)
	snap := m.snapshotLocked(job)
	m.mu.Unlock()

	m.logger.Info("job cancelled", zap.String("job_id", id))
	m.saveArchived(snap)
	return nil
}

// IsCancelled reports whether the job was cancelled. Unknown ids count as
// cancelled so a worker stops on an evicted record.
func (m *Manager) IsCancelled(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.store.Get(id)
	return !ok || job.Status == StatusCancelled
}

// Job returns a copy of one job.
func (m *Manager) Job(id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.store.Get(id)
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job.Clone(), nil
}

// List returns up to limit jobs, newest first. A non-positive limit returns
// all of them.
func (m *Manager) List(limit int) []Job {
	m.mu.Lock()
	jobs := make([]Job, 0, m.store.Len())
	m.store.Each(func(j Job) bool {
		jobs = append(jobs, j.Clone())
		return true
	})
	m.mu.Unlock()

	slices.Reverse(jobs)
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}

// Logs returns a copy of the job's log lines.
func (m *Manager) Logs(id string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return slices.Clone(job.Logs), nil
}

func (m *Manager) snapshotLocked(job Job) snapshot {
	m.seq++
	return snapshot{job: job.Clone(), seq: m.seq}
}

func (m *Manager) saveArchived(snap snapshot) {
	if m.archive == nil {
		return
	}
	m.archiveMu.Lock()
	defer m.archiveMu.Unlock()
	if snap.seq <= m.archivedSeq[snap.job.ID] {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	m.archivedSeq[snap.job.ID] = snap.seq
	if err := m.archive.SaveJob(ctx, snap.job); err != nil {
		m.logger.Warn("archive job failed", zap.String("job_id", snap.job.ID), zap.Error(err))
	}
}

func (m *Manager) forgetArchived(ids []string) {
	if m.archive == nil || len(ids) == 0 {
		return
	}
	m.archiveMu.Lock()
	defer m.archiveMu.Unlock()
	for _, id := range ids {
		delete(m.archivedSeq, id)
	}
}
