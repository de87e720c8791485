package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/market-price-crawler/internal/metrics"
)

// KeywordPlaceholder is replaced by the escaped keyword in Config.SearchURL.
const KeywordPlaceholder = "{keyword}"

// Config holds the orchestration knobs for one Crawler.
type Config struct {
	SearchURL       string
	BlockedMaxRetry int
	BackoffBase     int
	BackoffMax      int
	Location        *time.Location
}

// Option customizes a Crawler.
type Option func(*Crawler)

// WithSleep replaces the backoff sleep, mostly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(c *Crawler) {
		c.sleep = fn
	}
}

// Crawler runs the multi-page crawl of a single keyword.
type Crawler struct {
	cfg       Config
	fetcher   PageFetcher
	parser    Parser
	store     PriceStore
	paginator *Paginator
	clock     Clock
	sleep     SleepFunc
	logger    *zap.Logger
}

// New builds a Crawler. paginator may be nil to use the defaults.
func New(
	cfg Config,
	fetcher PageFetcher,
	parser Parser,
	store PriceStore,
	paginator *Paginator,
	clock Clock,
	logger *zap.Logger,
	opts ...Option,
) (*Crawler, error) {
	switch {
	case fetcher == nil:
		return nil, errors.New("fetcher is required")
	case parser == nil:
		return nil, errors.New("parser is required")
	case store == nil:
		return nil, errors.New("price store is required")
	case clock == nil:
		return nil, errors.New("clock is required")
	case !strings.Contains(cfg.SearchURL, KeywordPlaceholder):
		return nil, fmt.Errorf("search url must contain %s", KeywordPlaceholder)
	}
	if cfg.BlockedMaxRetry < 0 {
		cfg.BlockedMaxRetry = 0
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if paginator == nil {
		paginator = NewPaginator(PaginationConfig{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Crawler{
		cfg:       cfg,
		fetcher:   fetcher,
		parser:    parser,
		store:     store,
		paginator: paginator,
		clock:     clock,
		sleep:     Sleep,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SearchURL returns the first result page URL for keyword.
func (c *Crawler) SearchURL(keyword string) string {
	return strings.ReplaceAll(c.cfg.SearchURL, KeywordPlaceholder, url.QueryEscape(keyword))
}

// Today returns the current calendar day in the crawler's timezone.
func (c *Crawler) Today() time.Time {
	return DayOf(c.clock.Now(), c.cfg.Location)
}

// DayOf truncates t to midnight in loc.
func DayOf(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// CrawlKeyword crawls every result page for keyword and stores the listings.
// Blocking is reported in the stats; errors are transport, parse or storage
// failures. Unless force is set, a keyword that already has data for today
// is skipped without any fetch.
func (c *Crawler) CrawlKeyword(ctx context.Context, keyword string, force bool) (KeywordStats, error) {
	stats := KeywordStats{Keyword: keyword}
	logger := c.logger.With(zap.String("keyword", keyword))

	if !force {
		done, err := c.store.ExistsForDate(ctx, keyword, c.Today())
		if err != nil {
			return stats, fmt.Errorf("check existing data for %q: %w", keyword, err)
		}
		if done {
			stats.Skipped = true
			metrics.ObserveKeyword("skipped")
			logger.Info("keyword already has data for today, skipping")
			return stats, nil
		}
	}

	c.fetcher.RandomizeUserAgent()
	searchURL := c.SearchURL(keyword)

	first, err := c.fetchFirstPage(ctx, logger, searchURL)
	if err != nil {
		return stats, err
	}
	if first.Blocked() {
		stats.Blocked = true
		stats.BlockedReason = first.Tag()
		metrics.ObserveKeyword("blocked")
		logger.Warn("first page blocked, giving up on keyword", zap.String("tag", first.Tag()))
		return stats, nil
	}

	totalPages, ok := c.parser.TotalPages(first.Page.Body)
	if !ok || totalPages < 1 {
		totalPages = 1
	}
	pageURLs := c.paginator.PageURLs(searchURL, first.Page.Body, totalPages)
	stats.PagesTotal = len(pageURLs)

	for i, pageURL := range pageURLs {
		page := first
		if i > 0 {
			page, err = c.fetcher.FetchPage(ctx, pageURL)
			if err != nil {
				return stats, fmt.Errorf("fetch page %d/%d: %w", i+1, len(pageURLs), err)
			}
			if page.Blocked() {
				stats.Blocked = true
				stats.BlockedReason = page.Tag()
				metrics.ObserveKeyword("blocked")
				delay := Backoff(0, c.cfg.BackoffBase, c.cfg.BackoffMax)
				logger.Warn("page blocked mid-crawl, stopping keyword",
					zap.Int("page", i+1),
					zap.Int("pages_total", len(pageURLs)),
					zap.String("url", pageURL),
					zap.String("tag", page.Tag()),
					zap.Duration("backoff", delay),
				)
				if err := c.sleep(ctx, delay); err != nil {
					return stats, fmt.Errorf("backoff: %w", err)
				}
				return stats, nil
			}
		}
		stats.PagesFetched++

		listings, err := c.parser.Parse(page.Page.Body)
		if err != nil {
			return stats, fmt.Errorf("parse page %d: %w", i+1, err)
		}
		if len(listings) == 0 {
			logger.Info("page has no listings, stopping pagination",
				zap.Int("page", i+1),
				zap.String("url", pageURL),
			)
			break
		}
		stats.RowsParsed += len(listings)

		records := c.records(keyword, pageURL, listings)
		affected, err := c.store.UpsertPrices(ctx, records)
		if err != nil {
			return stats, fmt.Errorf("upsert page %d: %w", i+1, err)
		}
		stats.RowsUpserted += len(records)
		metrics.AddRowsUpserted(len(records))
		logger.Debug("page stored",
			zap.Int("page", i+1),
			zap.Int("rows", len(records)),
			zap.Int64("affected", affected),
		)
	}

	metrics.ObserveKeyword("ok")
	logger.Info("keyword crawled",
		zap.Int("pages_total", stats.PagesTotal),
		zap.Int("pages_fetched", stats.PagesFetched),
		zap.Int("rows_parsed", stats.RowsParsed),
		zap.Int("rows_upserted", stats.RowsUpserted),
	)
	return stats, nil
}

// fetchFirstPage retries blocked first pages with exponential backoff. The
// last blocked outcome is returned once the retry budget is spent.
func (c *Crawler) fetchFirstPage(ctx context.Context, logger *zap.Logger, searchURL string) (FetchOutcome, error) {
	attempts := c.cfg.BlockedMaxRetry + 1
	var last FetchOutcome
	for attempt := 0; attempt < attempts; attempt++ {
		out, err := c.fetcher.FetchPage(ctx, searchURL)
		if err != nil {
			return FetchOutcome{}, fmt.Errorf("fetch first page: %w", err)
		}
		if !out.Blocked() {
			return out, nil
		}
		last = out
		delay := Backoff(attempt, c.cfg.BackoffBase, c.cfg.BackoffMax)
		logger.Warn("first page blocked, backing off",
			zap.String("url", searchURL),
			zap.Int("attempt", attempt+1),
			zap.Int("attempts", attempts),
			zap.String("tag", out.Tag()),
			zap.Duration("backoff", delay),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return FetchOutcome{}, fmt.Errorf("backoff: %w", err)
		}
	}
	return last, nil
}

func (c *Crawler) records(keyword, sourceURL string, listings []Listing) []PriceRecord {
	now := c.clock.Now()
	out := make([]PriceRecord, 0, len(listings))
	for _, l := range listings {
		out = append(out, PriceRecord{
			Keyword:    keyword,
			PriceDate:  l.Date,
			Product:    l.Product,
			Place:      l.Place,
			PriceRaw:   l.PriceRaw,
			PriceValue: l.PriceValue,
			PriceUnit:  l.PriceUnit,
			SourceURL:  sourceURL,
			CrawledAt:  now,
		})
	}
	return out
}
