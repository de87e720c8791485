// Package task is the registry of crawl jobs. Jobs move through
// Pending -> Running -> {Completed, Failed, Cancelled} under a single
// mutex; callers only ever see deep copies.
package task

import (
	"errors"
	"slices"
	"time"

	"github.com/JakeFAU/market-price-crawler/internal/crawler"
)

// Status is the lifecycle state of a Job.
type Status string

// Job statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("task: job not found")
	// ErrInvalidTransition is returned when a status change would move a job
	// backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("task: invalid status transition")
	// ErrNotCancellable is returned by Cancel for jobs that are already terminal.
	ErrNotCancellable = errors.New("task: job is not pending or running")
	// ErrKeywordIndex is returned when a keyword index exceeds the job's total.
	ErrKeywordIndex = errors.New("task: keyword index out of range")
)

// Job is one crawl request over an ordered keyword list.
type Job struct {
	ID             string                 `json:"task_id"`
	Keywords       []string               `json:"keywords"`
	Status         Status                 `json:"status"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at"`
	CompletedAt    *time.Time             `json:"completed_at"`
	CurrentKeyword string                 `json:"current_keyword,omitempty"`
	KeywordIndex   int                    `json:"keyword_index"`
	TotalKeywords  int                    `json:"total_keywords"`
	ForceRestart   bool                   `json:"force_restart"`
	Logs           []string               `json:"logs"`
	Results        []crawler.KeywordStats `json:"results"`
	Error          string                 `json:"error,omitempty"`
}

// Clone returns a copy that shares no memory with j.
func (j Job) Clone() Job {
	out := j
	out.Keywords = slices.Clone(j.Keywords)
	out.Logs = slices.Clone(j.Logs)
	out.Results = slices.Clone(j.Results)
	if j.StartedAt != nil {
		ts := *j.StartedAt
		out.StartedAt = &ts
	}
	if j.CompletedAt != nil {
		ts := *j.CompletedAt
		out.CompletedAt = &ts
	}
	return out
}

// canTransition enforces the monotonic lifecycle. Re-asserting Running while
// running is allowed so the worker can update progress fields.
func canTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusPending:
		return from == StatusPending
	case StatusRunning:
		return from == StatusPending || from == StatusRunning
	default:
		return to.Terminal()
	}
}
