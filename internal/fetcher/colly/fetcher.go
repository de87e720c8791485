// Package collyfetcher implements the direct fetch tier using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-price-crawler/internal/crawler"
)

const (
	defaultTimeout = 20 * time.Second
	maxRetryDelay  = 10 * time.Second
)

// Config controls collector behavior.
type Config struct {
	Timeout  time.Duration
	Retries  int
	MinDelay time.Duration
	MaxDelay time.Duration
	Headers  http.Header
}

// DefaultHeaders are sent with every request unless overridden in Config.
func DefaultHeaders() http.Header {
	return http.Header{
		"Accept":          {"text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
		"Accept-Language": {"zh-CN,zh;q=0.9,en;q=0.7"},
	}
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithSleep replaces the jitter and retry sleep.
func WithSleep(fn crawler.SleepFunc) Option {
	return func(f *Fetcher) {
		f.sleep = fn
	}
}

// WithJitter replaces the random delay source.
func WithJitter(fn func(lo, hi time.Duration) time.Duration) Option {
	return func(f *Fetcher) {
		f.jitter = fn
	}
}

// WithTransport swaps the HTTP transport, mostly for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) {
		f.baseCollector.WithTransport(rt)
	}
}

// Fetcher implements crawler.DirectFetcher using a Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	sleep         crawler.SleepFunc
	jitter        func(lo, hi time.Duration) time.Duration
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.Headers == nil {
		cfg.Headers = DefaultHeaders()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)

	f := &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		sleep:         crawler.Sleep,
		jitter:        uniformJitter,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch GETs request.URL, retrying transport failures with a linear delay.
// Any HTTP status, including 403 and 429, is returned as a result.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResult, error) {
	attempts := f.cfg.Retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return crawler.FetchResult{}, fmt.Errorf("direct fetch %s: %w", request.URL, err)
		}
		if err := f.sleep(ctx, f.jitter(f.cfg.MinDelay, f.cfg.MaxDelay)); err != nil {
			return crawler.FetchResult{}, fmt.Errorf("jitter: %w", err)
		}
		result, err := f.fetchOnce(ctx, request)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return crawler.FetchResult{}, err
		}
		lastErr = err
		delay := retryDelay(attempt)
		f.logger.Warn("direct fetch failed",
			zap.String("url", request.URL),
			zap.Int("attempt", attempt+1),
			zap.Int("attempts", attempts),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		if attempt+1 < attempts {
			if err := f.sleep(ctx, delay); err != nil {
				return crawler.FetchResult{}, fmt.Errorf("retry delay: %w", err)
			}
		}
	}
	return crawler.FetchResult{}, fmt.Errorf("direct fetch %s failed after %d attempts: %w", request.URL, attempts, lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResult, error) {
	var (
		result   crawler.FetchResult
		fetchErr error
	)
	collector := f.buildCollector(request, &result, &fetchErr)
	if err := runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return crawler.FetchResult{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request crawler.FetchRequest,
	result *crawler.FetchResult,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	if request.UserAgent != "" {
		collector.UserAgent = request.UserAgent
	}
	f.configureCollectorHooks(collector, request, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	result *crawler.FetchResult,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range f.cfg.Headers {
			r.Headers.Del(key)
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.FetchResult{
			RequestedURL: request.URL,
			FinalURL:     r.Request.URL.String(),
			StatusCode:   r.StatusCode,
			Body:         string(r.Body),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

// retryDelay is the linear wait after a failed attempt, capped at 10s.
func retryDelay(attempt int) time.Duration {
	d := time.Duration(2*(attempt+1)) * time.Second
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

func uniformJitter(lo, hi time.Duration) time.Duration {
	if hi <= 0 {
		return 0
	}
	if lo < 0 {
		lo = 0
	}
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
