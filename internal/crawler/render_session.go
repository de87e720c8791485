package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/market-price-crawler/internal/metrics"
)

// ErrRendererUnavailable means the rendering backend could not be started.
// It points at a setup problem, so it is surfaced rather than retried.
var ErrRendererUnavailable = errors.New("renderer unavailable")

// SessionState tracks the lifecycle of a RenderSession.
type SessionState int

// RenderSession states.
const (
	SessionUninitialized SessionState = iota
	SessionReady
	SessionNeedsRestart
)

func (s SessionState) String() string {
	switch s {
	case SessionUninitialized:
		return "uninitialized"
	case SessionReady:
		return "ready"
	case SessionNeedsRestart:
		return "needs_restart"
	default:
		return "unknown"
	}
}

// RenderSession owns one browser-backed Renderer. The browser is launched on
// first use and relaunched lazily after Restart.
type RenderSession struct {
	mu       sync.Mutex
	launch   LaunchFunc
	limiter  Limiter
	logger   *zap.Logger
	state    SessionState
	renderer Renderer
	launches int
}

// NewRenderSession wraps launch. limiter may be nil.
func NewRenderSession(launch LaunchFunc, limiter Limiter, logger *zap.Logger) *RenderSession {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RenderSession{
		launch:  launch,
		limiter: limiter,
		logger:  logger,
	}
}

// State returns the current lifecycle state.
func (s *RenderSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Launches reports how many times the backend has been started.
func (s *RenderSession) Launches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launches
}

// Render fetches req through the browser, launching it if needed.
func (s *RenderSession) Render(ctx context.Context, req FetchRequest) (FetchResult, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, req.URL); err != nil {
			return FetchResult{}, fmt.Errorf("render budget: %w", err)
		}
	}
	renderer, err := s.ensure(ctx)
	if err != nil {
		return FetchResult{}, err
	}
	res, err := renderer.Render(ctx, req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("render %s: %w", req.URL, err)
	}
	return res, nil
}

func (s *RenderSession) ensure(ctx context.Context) (Renderer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionReady && s.renderer != nil {
		return s.renderer, nil
	}
	if s.launch == nil {
		return nil, fmt.Errorf("%w: no backend configured", ErrRendererUnavailable)
	}
	prev := s.state
	renderer, err := s.launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRendererUnavailable, err)
	}
	s.renderer = renderer
	s.state = SessionReady
	s.launches++
	s.logger.Info("render session started",
		zap.String("previous_state", prev.String()),
		zap.Int("launches", s.launches),
	)
	return renderer, nil
}

// Restart tears the browser down and marks the session for relaunch on next use.
func (s *RenderSession) Restart(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.teardown()
	s.state = SessionNeedsRestart
	metrics.ObserveRenderRestart()
	s.logger.Warn("render session marked for restart", zap.String("reason", reason))
	return err
}

// Close releases the browser. A later Render launches a new one.
func (s *RenderSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.teardown()
	s.state = SessionUninitialized
	return err
}

func (s *RenderSession) teardown() error {
	if s.renderer == nil {
		return nil
	}
	err := s.renderer.Close()
	s.renderer = nil
	if err != nil {
		return fmt.Errorf("close renderer: %w", err)
	}
	return nil
}
