// Package headless renders pages in headless Chrome through chromedp.
package headless

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/market-price-crawler/internal/crawler"
)

const defaultNavTimeout = 45 * time.Second

// DefaultBlockedResources are dropped before they hit the network.
var DefaultBlockedResources = []network.ResourceType{
	network.ResourceTypeImage,
	network.ResourceTypeMedia,
	network.ResourceTypeFont,
}

// Config controls the browser launched by Launch.
type Config struct {
	Headless          bool
	NavigationTimeout time.Duration
	BlockedResources  []network.ResourceType
}

// Browser is a running Chrome instance that implements crawler.Renderer.
// Each Render opens an isolated browser context and closes it afterwards.
type Browser struct {
	cfg           Config
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// Launcher adapts Launch to crawler.LaunchFunc.
func Launcher(cfg Config) crawler.LaunchFunc {
	return func(ctx context.Context) (crawler.Renderer, error) {
		return Launch(ctx, cfg)
	}
}

// Launch starts Chrome and waits until it answers. The browser outlives ctx;
// call Close to stop it.
func Launch(ctx context.Context, cfg Config) (*Browser, error) {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.BlockedResources == nil {
		cfg.BlockedResources = DefaultBlockedResources
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	warmup := make(chan error, 1)
	go func() {
		warmup <- chromedp.Run(browserCtx)
	}()
	select {
	case err := <-warmup:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("chromedp warmup: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", ctx.Err())
	}

	return &Browser{
		cfg:           cfg,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// Close stops the browser process.
func (b *Browser) Close() error {
	b.browserCancel()
	b.allocCancel()
	return nil
}

// Render navigates to req.URL and returns the rendered DOM.
func (b *Browser) Render(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.browserCtx, chromedp.WithNewBrowserContext())
	defer tabCancel()
	tabCtx, cancel := context.WithTimeout(tabCtx, b.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := &responseMeta{}
	chromedp.ListenTarget(tabCtx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			meta.capture(e)
		case *fetch.EventRequestPaused:
			go b.resolvePaused(tabCtx, e)
		}
	})

	var html, location string
	err := chromedp.Run(tabCtx,
		b.setupAction(req.UserAgent),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return crawler.FetchResult{}, fmt.Errorf("chromedp run: %w", err)
	}

	status, finalURL := meta.snapshot(req.URL, location)
	return crawler.FetchResult{
		RequestedURL: req.URL,
		FinalURL:     finalURL,
		StatusCode:   status,
		Body:         html,
	}, nil
}

func (b *Browser) setupAction(userAgent string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if len(b.cfg.BlockedResources) > 0 {
			if err := fetch.Enable().Do(ctx); err != nil {
				return fmt.Errorf("enable fetch domain: %w", err)
			}
		}
		if userAgent != "" {
			override := emulation.SetUserAgentOverride(userAgent).
				WithAcceptLanguage("zh-CN,zh;q=0.9,en;q=0.7")
			if err := override.Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// resolvePaused fails blocked resource types and lets everything else through.
// It runs off the event loop because CDP calls cannot be made from a listener.
func (b *Browser) resolvePaused(ctx context.Context, ev *fetch.EventRequestPaused) {
	c := chromedp.FromContext(ctx)
	if c == nil || c.Target == nil {
		return
	}
	execCtx := cdp.WithExecutor(ctx, c.Target)
	if b.blocks(ev.ResourceType) {
		_ = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
		return
	}
	_ = fetch.ContinueRequest(ev.RequestID).Do(execCtx)
}

func (b *Browser) blocks(rt network.ResourceType) bool {
	return slices.Contains(b.cfg.BlockedResources, rt)
}

// responseMeta keeps the status of the first document response.
type responseMeta struct {
	mu     sync.Mutex
	status int
	url    string
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
}

// snapshot returns the captured status (0 when none was seen) and the best
// known final URL.
func (m *responseMeta) snapshot(requestURL, location string) (int, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case location != "":
		return m.status, location
	case m.url != "":
		return m.status, m.url
	default:
		return m.status, requestURL
	}
}
