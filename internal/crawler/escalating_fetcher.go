package crawler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/market-price-crawler/internal/metrics"
)

// EscalatingConfig controls the fallback behaviour of EscalatingFetcher.
type EscalatingConfig struct {
	RenderEnabled bool
	UserAgents    []string
}

// EscalatingOption customizes an EscalatingFetcher.
type EscalatingOption func(*EscalatingFetcher)

// WithSnapshotter records blocked pages through s.
func WithSnapshotter(s Snapshotter) EscalatingOption {
	return func(f *EscalatingFetcher) {
		f.snapshots = s
	}
}

// EscalatingFetcher tries a direct fetch first and falls back to a rendered
// fetch when the detector flags the page. It owns the UA rotation state and
// the render session, so each crawler needs its own instance.
type EscalatingFetcher struct {
	direct        DirectFetcher
	session       *RenderSession
	detector      Detector
	agents        *userAgentRotator
	renderEnabled bool
	snapshots     Snapshotter
	logger        *zap.Logger
}

// NewEscalatingFetcher wires the fetch tiers together. session may be nil
// when rendering is disabled.
func NewEscalatingFetcher(
	direct DirectFetcher,
	session *RenderSession,
	detector Detector,
	cfg EscalatingConfig,
	logger *zap.Logger,
	opts ...EscalatingOption,
) (*EscalatingFetcher, error) {
	if direct == nil {
		return nil, errors.New("direct fetcher is required")
	}
	if detector == nil {
		return nil, errors.New("detector is required")
	}
	if cfg.RenderEnabled && session == nil {
		return nil, errors.New("render session is required when rendering is enabled")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &EscalatingFetcher{
		direct:        direct,
		session:       session,
		detector:      detector,
		agents:        newUserAgentRotator(cfg.UserAgents),
		renderEnabled: cfg.RenderEnabled,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// RandomizeUserAgent picks a random starting UA. Called once per keyword.
func (f *EscalatingFetcher) RandomizeUserAgent() {
	idx := f.agents.randomize()
	f.logger.Debug("user agent randomized", zap.Int("index", idx))
}

// UserAgent returns the UA the next direct fetch will use.
func (f *EscalatingFetcher) UserAgent() string {
	ua, _ := f.agents.current()
	return ua
}

// FetchPage returns the best page it could get for url. Blocked pages come
// back as an outcome with Decision.Blocked set; only transport failures and
// an unavailable renderer are errors.
func (f *EscalatingFetcher) FetchPage(ctx context.Context, url string) (FetchOutcome, error) {
	ua, _ := f.agents.current()
	page, err := f.direct.Fetch(ctx, FetchRequest{URL: url, UserAgent: ua})
	if err != nil {
		return FetchOutcome{}, fmt.Errorf("direct fetch %s: %w", url, err)
	}
	outcome := f.classify(TierHTTP, page)
	if !outcome.Blocked() {
		return f.done(outcome), nil
	}

	f.snapshot(ctx, outcome)
	f.rotateUserAgent(url, outcome.Decision.Reason)
	if !f.renderEnabled {
		f.logger.Info("page blocked, rendering disabled",
			zap.String("url", url),
			zap.String("reason", outcome.Decision.Reason),
		)
		return f.done(outcome), nil
	}

	ua, _ = f.agents.current()
	rendered, err := f.session.Render(ctx, FetchRequest{URL: url, UserAgent: ua})
	if err != nil {
		return FetchOutcome{}, err
	}
	outcome = f.classify(TierRender, rendered)
	if outcome.Blocked() {
		f.snapshot(ctx, outcome)
		if rerr := f.session.Restart(outcome.Decision.Reason); rerr != nil {
			f.logger.Warn("render session teardown failed", zap.Error(rerr))
		}
		f.logger.Warn("rendered page still blocked",
			zap.String("url", url),
			zap.String("reason", outcome.Decision.Reason),
		)
	}
	return f.done(outcome), nil
}

// Close releases the render session, if any.
func (f *EscalatingFetcher) Close() error {
	if f.session == nil {
		return nil
	}
	return f.session.Close()
}

func (f *EscalatingFetcher) classify(tier Tier, page FetchResult) FetchOutcome {
	decision := f.detector.Detect(page.Body, page.StatusCode)
	metrics.ObserveBlockDecision(string(tier), decision.Reason)
	return FetchOutcome{Page: page, Decision: decision, Tier: tier}
}

func (f *EscalatingFetcher) done(outcome FetchOutcome) FetchOutcome {
	metrics.ObserveFetchOutcome(string(outcome.Tier), outcome.Blocked())
	f.logger.Debug("page fetched",
		zap.String("url", outcome.Page.RequestedURL),
		zap.String("tag", outcome.Tag()),
		zap.Int("status", outcome.Page.StatusCode),
	)
	return outcome
}

func (f *EscalatingFetcher) rotateUserAgent(url, reason string) {
	oldIdx, newIdx := f.agents.rotate()
	metrics.ObserveUserAgentRotation()
	f.logger.Info("user agent rotated",
		zap.Int("old_index", oldIdx),
		zap.Int("new_index", newIdx),
		zap.String("url", url),
		zap.String("reason", reason),
	)
}

func (f *EscalatingFetcher) snapshot(ctx context.Context, outcome FetchOutcome) {
	if f.snapshots == nil {
		return
	}
	f.snapshots.Snapshot(ctx, outcome.Tier, outcome.Page, outcome.Decision)
}
