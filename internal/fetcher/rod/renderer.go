// Package rodfetcher is an alternative render tier built on go-rod with the
// stealth evasions preloaded into every page.
package rodfetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/JakeFAU/market-price-crawler/internal/crawler"
)

const (
	defaultNavTimeout = 45 * time.Second
	domStableWindow   = 300 * time.Millisecond
)

const navigationStatusJS = `() => {
	try {
		const entries = performance.getEntriesByType("navigation");
		if (entries.length > 0) return entries[0].responseStatus || 0;
	} catch (e) {}
	return 0;
}`

// DefaultBlockedResources are failed with BlockedByClient by the hijack router.
var DefaultBlockedResources = []proto.NetworkResourceType{
	proto.NetworkResourceTypeImage,
	proto.NetworkResourceTypeFont,
	proto.NetworkResourceTypeMedia,
}

// Config controls the browser launched by Launch.
type Config struct {
	Headless          bool
	BrowserBin        string
	NavigationTimeout time.Duration
	BlockedResources  []proto.NetworkResourceType
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = defaultNavTimeout
	}
	if c.BlockedResources == nil {
		c.BlockedResources = DefaultBlockedResources
	}
	return c
}

// Browser is a connected rod browser that implements crawler.Renderer.
type Browser struct {
	cfg     Config
	browser *rod.Browser
	blocked map[proto.NetworkResourceType]struct{}
}

// Launcher adapts Launch to crawler.LaunchFunc.
func Launcher(cfg Config) crawler.LaunchFunc {
	return func(ctx context.Context) (crawler.Renderer, error) {
		return Launch(ctx, cfg)
	}
}

// Launch starts a local Chromium and connects to it.
func Launch(ctx context.Context, cfg Config) (*Browser, error) {
	cfg = cfg.withDefaults()

	l := launcher.New().
		Context(ctx).
		Headless(cfg.Headless).
		Set("disable-blink-features", "AutomationControlled").
		Delete("enable-automation")
	if cfg.BrowserBin != "" {
		l = l.Bin(cfg.BrowserBin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect to chromium: %w", err)
	}

	return &Browser{
		cfg:     cfg,
		browser: browser,
		blocked: blockedSet(cfg.BlockedResources),
	}, nil
}

// Close shuts the browser down.
func (b *Browser) Close() error {
	if b.browser == nil {
		return nil
	}
	if err := b.browser.Close(); err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// Render opens a stealth page, loads request.URL and returns the DOM.
func (b *Browser) Render(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResult, error) {
	page, err := stealth.Page(b.browser)
	if err != nil {
		return crawler.FetchResult{}, fmt.Errorf("open stealth page: %w", err)
	}
	defer func() { _ = page.Close() }()

	router := page.HijackRequests()
	_ = router.Add("*", "", func(h *rod.Hijack) {
		if b.shouldBlock(h.Request.Type()) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	defer func() { _ = router.Stop() }()

	if request.UserAgent != "" {
		override := proto.NetworkSetUserAgentOverride{
			UserAgent:      request.UserAgent,
			AcceptLanguage: "zh-CN,zh;q=0.9,en;q=0.7",
		}
		if err := override.Call(page); err != nil {
			return crawler.FetchResult{}, fmt.Errorf("set user agent: %w", err)
		}
	}

	p := page.Context(ctx).Timeout(b.cfg.NavigationTimeout)
	if err := p.Navigate(request.URL); err != nil {
		return crawler.FetchResult{}, fmt.Errorf("navigate %s: %w", request.URL, err)
	}
	if err := p.WaitLoad(); err != nil {
		return crawler.FetchResult{}, fmt.Errorf("wait load %s: %w", request.URL, err)
	}
	// An unsettled DOM is still worth classifying.
	_ = p.WaitDOMStable(domStableWindow, 0.1)

	html, err := p.HTML()
	if err != nil {
		return crawler.FetchResult{}, fmt.Errorf("read html: %w", err)
	}

	result := crawler.FetchResult{
		RequestedURL: request.URL,
		FinalURL:     request.URL,
		Body:         html,
	}
	if res, err := p.Eval(navigationStatusJS); err == nil {
		result.StatusCode = res.Value.Int()
	}
	if info, err := p.Info(); err == nil && info.URL != "" {
		result.FinalURL = info.URL
	}
	return result, nil
}

func (b *Browser) shouldBlock(t proto.NetworkResourceType) bool {
	_, ok := b.blocked[t]
	return ok
}

func blockedSet(types []proto.NetworkResourceType) map[proto.NetworkResourceType]struct{} {
	set := make(map[proto.NetworkResourceType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return set
}
