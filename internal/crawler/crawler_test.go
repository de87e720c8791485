package crawler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedFetcher returns queued outcomes per URL; the last one repeats.
type scriptedFetcher struct {
	mu         sync.Mutex
	outcomes   map[string][]FetchOutcome
	errs       map[string]error
	calls      []string
	randomized int
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{outcomes: map[string][]FetchOutcome{}, errs: map[string]error{}}
}

func (f *scriptedFetcher) ok(url, body string) {
	f.outcomes[url] = append(f.outcomes[url], FetchOutcome{
		Page:     FetchResult{RequestedURL: url, FinalURL: url, StatusCode: 200, Body: body},
		Decision: BlockDecision{Reason: "ok"},
		Tier:     TierHTTP,
	})
}

func (f *scriptedFetcher) blocked(url, reason string) {
	f.outcomes[url] = append(f.outcomes[url], FetchOutcome{
		Page:     FetchResult{RequestedURL: url, FinalURL: url, StatusCode: 200},
		Decision: BlockDecision{Blocked: true, Reason: reason},
		Tier:     TierRender,
	})
}

func (f *scriptedFetcher) FetchPage(_ context.Context, url string) (FetchOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if err := f.errs[url]; err != nil {
		return FetchOutcome{}, err
	}
	queue := f.outcomes[url]
	if len(queue) == 0 {
		return FetchOutcome{}, fmt.Errorf("unexpected fetch of %s", url)
	}
	out := queue[0]
	if len(queue) > 1 {
		f.outcomes[url] = queue[1:]
	}
	return out, nil
}

func (f *scriptedFetcher) RandomizeUserAgent() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.randomized++
}

// stubParser reads "rows=N pages=M" out of the body.
type stubParser struct{}

func (stubParser) Parse(html string) ([]Listing, error) {
	if strings.Contains(html, "garbled") {
		return nil, fmt.Errorf("garbled markup")
	}
	n := field(html, "rows=")
	out := make([]Listing, 0, n)
	for i := 0; i < n; i++ {
		v := float64(i)
		out = append(out, Listing{
			Date:       time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC),
			Product:    "p" + strconv.Itoa(i),
			Place:      "place",
			PriceRaw:   strconv.Itoa(i) + "元/斤",
			PriceValue: &v,
		})
	}
	return out, nil
}

func (stubParser) TotalPages(html string) (int, bool) {
	n := field(html, "pages=")
	return n, n > 0
}

func field(html, key string) int {
	idx := strings.Index(html, key)
	if idx < 0 {
		return 0
	}
	rest := html[idx+len(key):]
	end := strings.IndexFunc(rest, func(r rune) bool { return r < '0' || r > '9' })
	if end >= 0 {
		rest = rest[:end]
	}
	n, _ := strconv.Atoi(rest)
	return n
}

type memPriceStore struct {
	mu       sync.Mutex
	existing map[string]bool
	records  []PriceRecord
	upserts  int
	err      error
	failOn   int
}

func (s *memPriceStore) ExistsForDate(_ context.Context, keyword string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existing[keyword], nil
}

func (s *memPriceStore) UpsertPrices(_ context.Context, records []PriceRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if s.err != nil && s.upserts >= s.failOn {
		return 0, s.err
	}
	s.records = append(s.records, records...)
	return int64(len(records)), nil
}

func (s *memPriceStore) MissingKeywords(context.Context, []string, time.Time) ([]string, error) {
	return nil, nil
}

func (s *memPriceStore) KeywordCounts(context.Context, []string, time.Time) (map[string]int, error) {
	return map[string]int{}, nil
}

type crawlerFixture struct {
	crawler *Crawler
	fetcher *scriptedFetcher
	store   *memPriceStore
	sleeps  *sleepRecorder
}

func newCrawlerFixture(t *testing.T) crawlerFixture {
	t.Helper()
	fetcher := newScriptedFetcher()
	store := &memPriceStore{existing: map[string]bool{}}
	sleeps := &sleepRecorder{}
	c, err := New(Config{
		SearchURL:       "https://www.cnhnb.com/hangqing/?k={keyword}",
		BlockedMaxRetry: 2,
		BackoffBase:     10,
		BackoffMax:      600,
		Location:        time.UTC,
	}, fetcher, stubParser{}, store, nil,
		fakeClock{now: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)},
		zap.NewNop(), WithSleep(sleeps.Sleep))
	require.NoError(t, err)
	return crawlerFixture{crawler: c, fetcher: fetcher, store: store, sleeps: sleeps}
}

func TestCrawlKeywordSkipsWhenTodayExists(t *testing.T) {
	t.Parallel()

	fx := newCrawlerFixture(t)
	fx.store.existing["corn"] = true

	stats, err := fx.crawler.CrawlKeyword(context.Background(), "corn", false)
	require.NoError(t, err)
	require.Equal(t, 0, stats.PagesFetched)
	require.Equal(t, 0, stats.RowsUpserted)
	require.False(t, stats.Blocked)
	require.True(t, stats.Skipped)
	require.Empty(t, fx.fetcher.calls)
}

func TestCrawlKeywordForceIgnoresExistingData(t *testing.T) {
	t.Parallel()

	fx := newCrawlerFixture(t)
	fx.store.existing["corn"] = true
	first := fx.crawler.SearchURL("corn")
	fx.fetcher.ok(first, "rows=2")

	stats, err := fx.crawler.CrawlKeyword(context.Background(), "corn", true)
	require.NoError(t, err)
	require.Equal(t, 1, stats.PagesFetched)
	require.Equal(t, 2, stats.RowsUpserted)
}

func TestCrawlKeywordPaginates(t *testing.T) {
	t.Parallel()

	fx := newCrawlerFixture(t)
	first := fx.crawler.SearchURL("soy meal")
	require.Equal(t, "https://www.cnhnb.com/hangqing/?k=soy+meal", first)
	fx.fetcher.ok(first, "rows=3 pages=3")
	fx.fetcher.ok("https://www.cnhnb.com/hangqing/?k=soy+meal&page=2", "rows=2")
	fx.fetcher.ok("https://www.cnhnb.com/hangqing/?k=soy+meal&page=3", "rows=1")

	stats, err := fx.crawler.CrawlKeyword(context.Background(), "soy meal", false)
	require.NoError(t, err)
	require.Equal(t, KeywordStats{
		Keyword:      "soy meal",
		PagesTotal:   3,
		PagesFetched: 3,
		RowsParsed:   6,
		RowsUpserted: 6,
	}, stats)
	require.Equal(t, 1, fx.fetcher.randomized)
	require.Len(t, fx.fetcher.calls, 3)
	require.Len(t, fx.store.records, 6)
	require.Equal(t, "https://www.cnhnb.com/hangqing/?k=soy+meal&page=1", fx.store.records[0].SourceURL)
	require.Equal(t, fx.store.records[0].CrawledAt, fx.store.records[2].CrawledAt)
	require.Empty(t, fx.sleeps.delays)
}

func TestCrawlKeywordRetriesBlockedFirstPage(t *testing.T) {
	t.Parallel()

	fx := newCrawlerFixture(t)
	first := fx.crawler.SearchURL("goose")
	fx.fetcher.blocked(first, "suspect_text:验证码")
	fx.fetcher.blocked(first, "suspect_text:验证码")
	fx.fetcher.ok(first, "rows=1")

	stats, err := fx.crawler.CrawlKeyword(context.Background(), "goose", false)
	require.NoError(t, err)
	require.False(t, stats.Blocked)
	require.Equal(t, 1, stats.RowsUpserted)
	require.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second}, fx.sleeps.delays)
}

func TestCrawlKeywordGivesUpAfterRetryBudget(t *testing.T) {
	t.Parallel()

	fx := newCrawlerFixture(t)
	first := fx.crawler.SearchURL("goose")
	fx.fetcher.blocked(first, "no_list_items")

	stats, err := fx.crawler.CrawlKeyword(context.Background(), "goose", false)
	require.NoError(t, err)
	require.True(t, stats.Blocked)
	require.Equal(t, "render_blocked:no_list_items", stats.BlockedReason)
	require.Zero(t, stats.PagesFetched)
	require.Len(t, fx.fetcher.calls, 3)
	require.Empty(t, fx.store.records)
	require.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second}, fx.sleeps.delays)
}

func TestCrawlKeywordStopsOnMidCrawlBlock(t *testing.T) {
	t.Parallel()

	fx := newCrawlerFixture(t)
	first := fx.crawler.SearchURL("corn")
	fx.fetcher.ok(first, "rows=2 pages=4")
	fx.fetcher.blocked("https://www.cnhnb.com/hangqing/?k=corn&page=2", "http_status_429")

	stats, err := fx.crawler.CrawlKeyword(context.Background(), "corn", false)
	require.NoError(t, err)
	require.True(t, stats.Blocked)
	require.Equal(t, 4, stats.PagesTotal)
	require.Equal(t, 1, stats.PagesFetched)
	require.Equal(t, 2, stats.RowsUpserted)
	require.Len(t, fx.fetcher.calls, 2)
	require.Equal(t, []time.Duration{10 * time.Second}, fx.sleeps.delays)
	require.LessOrEqual(t, stats.PagesFetched, stats.PagesTotal)
}

func TestCrawlKeywordStopsOnEmptyPage(t *testing.T) {
	t.Parallel()

	fx := newCrawlerFixture(t)
	first := fx.crawler.SearchURL("corn")
	fx.fetcher.ok(first, "rows=2 pages=5")
	fx.fetcher.ok("https://www.cnhnb.com/hangqing/?k=corn&page=2", "rows=0")

	stats, err := fx.crawler.CrawlKeyword(context.Background(), "corn", false)
	require.NoError(t, err)
	require.False(t, stats.Blocked)
	require.Equal(t, 2, stats.PagesFetched)
	require.Equal(t, 2, stats.RowsParsed)
	require.Len(t, fx.fetcher.calls, 2)
}

func TestCrawlKeywordPropagatesStorageError(t *testing.T) {
	t.Parallel()

	fx := newCrawlerFixture(t)
	fx.store.err = errBoom
	fx.store.failOn = 2
	first := fx.crawler.SearchURL("corn")
	fx.fetcher.ok(first, "rows=2 pages=2")
	fx.fetcher.ok("https://www.cnhnb.com/hangqing/?k=corn&page=2", "rows=2")

	stats, err := fx.crawler.CrawlKeyword(context.Background(), "corn", false)
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, 2, stats.RowsUpserted)
	require.Equal(t, 2, stats.PagesFetched)
}

func TestCrawlKeywordPropagatesFetchError(t *testing.T) {
	t.Parallel()

	fx := newCrawlerFixture(t)
	fx.fetcher.errs[fx.crawler.SearchURL("corn")] = ErrRendererUnavailable

	_, err := fx.crawler.CrawlKeyword(context.Background(), "corn", false)
	require.ErrorIs(t, err, ErrRendererUnavailable)
}

func TestNewCrawlerValidates(t *testing.T) {
	t.Parallel()

	clock := fakeClock{now: time.Now()}
	_, err := New(Config{SearchURL: "https://example.com/?k={keyword}"}, nil, stubParser{}, &memPriceStore{}, nil, clock, nil)
	require.Error(t, err)
	_, err = New(Config{SearchURL: "https://example.com/"}, newScriptedFetcher(), stubParser{}, &memPriceStore{}, nil, clock, nil)
	require.Error(t, err)
}

func TestDayOf(t *testing.T) {
	t.Parallel()

	shanghai := time.FixedZone("CST", 8*3600)
	got := DayOf(time.Date(2026, 10, 19, 20, 30, 0, 0, time.UTC), shanghai)
	require.Equal(t, time.Date(2026, 10, 20, 0, 0, 0, 0, shanghai), got)
}
