package crawler

import (
	"context"
	"time"
)

// DirectFetcher performs a plain HTTP fetch. Non-2xx statuses are results, not errors.
type DirectFetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)
}

// Renderer fetches a page through a real browser.
type Renderer interface {
	Render(ctx context.Context, req FetchRequest) (FetchResult, error)
	Close() error
}

// LaunchFunc starts a Renderer. RenderSession calls it lazily.
type LaunchFunc func(ctx context.Context) (Renderer, error)

// Detector classifies fetched markup.
type Detector interface {
	Detect(html string, statusCode int) BlockDecision
}

// PageFetcher is the escalating fetch contract the orchestrator depends on.
type PageFetcher interface {
	FetchPage(ctx context.Context, url string) (FetchOutcome, error)
	RandomizeUserAgent()
}

// Parser extracts listings and the page count from result markup.
type Parser interface {
	Parse(html string) ([]Listing, error)
	TotalPages(html string) (int, bool)
}

// PriceStore persists price records.
type PriceStore interface {
	ExistsForDate(ctx context.Context, keyword string, day time.Time) (bool, error)
	UpsertPrices(ctx context.Context, records []PriceRecord) (int64, error)
	MissingKeywords(ctx context.Context, keywords []string, day time.Time) ([]string, error)
	KeywordCounts(ctx context.Context, keywords []string, day time.Time) (map[string]int, error)
}

// Limiter throttles requests per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Snapshotter keeps a copy of pages judged blocked.
type Snapshotter interface {
	Snapshot(ctx context.Context, tier Tier, page FetchResult, decision BlockDecision)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
