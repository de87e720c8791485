package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/market-price-crawler/internal/task"
)

// JobArchive implements task.Archive over crawl_jobs and crawl_job_logs.
type JobArchive struct {
	pool    Pool
	timeout time.Duration
}

// NewJobArchive wraps pool.
func NewJobArchive(pool Pool, cfg Config) (*JobArchive, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobArchive{pool: pool, timeout: cfg.AcquireTimeout()}, nil
}

// EnsureSchema creates the archive tables.
func (a *JobArchive) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return execAll(ctx, a.pool, []string{
		`CREATE TABLE IF NOT EXISTS crawl_jobs (
	job_id          TEXT PRIMARY KEY,
	keywords        TEXT NOT NULL,
	status          TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	current_keyword TEXT,
	keyword_index   INT NOT NULL DEFAULT 0,
	total_keywords  INT NOT NULL,
	force_restart   BOOLEAN NOT NULL DEFAULT FALSE,
	error           TEXT,
	result_summary  JSONB
)`,
		`CREATE INDEX IF NOT EXISTS crawl_jobs_status_created_idx ON crawl_jobs (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS crawl_job_logs (
	log_id     BIGSERIAL PRIMARY KEY,
	job_id     TEXT NOT NULL REFERENCES crawl_jobs (job_id) ON DELETE CASCADE,
	message    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS crawl_job_logs_job_created_idx ON crawl_job_logs (job_id, created_at)`,
	})
}

const saveJobSQL = `
INSERT INTO crawl_jobs (
	job_id, keywords, status, created_at, started_at, completed_at,
	current_keyword, keyword_index, total_keywords, force_restart, error, result_summary
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (job_id) DO UPDATE SET
	status          = EXCLUDED.status,
	started_at      = EXCLUDED.started_at,
	completed_at    = EXCLUDED.completed_at,
	current_keyword = EXCLUDED.current_keyword,
	keyword_index   = EXCLUDED.keyword_index,
	error           = EXCLUDED.error,
	result_summary  = EXCLUDED.result_summary
WHERE crawl_jobs.status NOT IN ('completed', 'failed', 'cancelled')
	OR crawl_jobs.status = EXCLUDED.status`

// SaveJob upserts the job row. A row in a terminal status only accepts
// updates that keep that status. Log lines are stored by AppendLog.
func (a *JobArchive) SaveJob(ctx context.Context, job task.Job) error {
	summary, err := json.Marshal(job.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	_, err = a.pool.Exec(ctx, saveJobSQL,
		job.ID,
		strings.Join(job.Keywords, ","),
		string(job.Status),
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
		nullable(job.CurrentKeyword),
		job.KeywordIndex,
		job.TotalKeywords,
		job.ForceRestart,
		nullable(job.Error),
		summary,
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// AppendLog inserts one log line.
func (a *JobArchive) AppendLog(ctx context.Context, jobID, line string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	_, err := a.pool.Exec(ctx,
		`INSERT INTO crawl_job_logs (job_id, message, created_at) VALUES ($1, $2, $3)`,
		jobID, line, at,
	)
	if err != nil {
		return fmt.Errorf("append log for %s: %w", jobID, err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
