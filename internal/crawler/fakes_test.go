package crawler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

type fakeDirect struct {
	mu      sync.Mutex
	bodies  map[string]string
	status  map[string]int
	errs    map[string]error
	calls   []FetchRequest
	fetched []string
}

func newFakeDirect() *fakeDirect {
	return &fakeDirect{
		bodies: map[string]string{},
		status: map[string]int{},
		errs:   map[string]error{},
	}
}

func (f *fakeDirect) Fetch(_ context.Context, req FetchRequest) (FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	f.fetched = append(f.fetched, req.URL)
	if err := f.errs[req.URL]; err != nil {
		return FetchResult{}, err
	}
	status := f.status[req.URL]
	if status == 0 {
		status = 200
	}
	return FetchResult{
		RequestedURL: req.URL,
		FinalURL:     req.URL,
		StatusCode:   status,
		Body:         f.bodies[req.URL],
	}, nil
}

type fakeRenderer struct {
	mu     sync.Mutex
	body   string
	err    error
	calls  []FetchRequest
	closed int
}

func (r *fakeRenderer) Render(_ context.Context, req FetchRequest) (FetchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	if r.err != nil {
		return FetchResult{}, r.err
	}
	return FetchResult{RequestedURL: req.URL, FinalURL: req.URL, StatusCode: 200, Body: r.body}, nil
}

func (r *fakeRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

// markerDetector blocks anything containing "BLOCK" or an empty body.
type markerDetector struct{}

func (markerDetector) Detect(html string, status int) BlockDecision {
	switch {
	case status == 403 || status == 429:
		return BlockDecision{Blocked: true, Reason: "http_status_403"}
	case html == "":
		return BlockDecision{Blocked: true, Reason: "empty_html"}
	case strings.Contains(html, "BLOCK"):
		return BlockDecision{Blocked: true, Reason: "suspect_text:BLOCK"}
	default:
		return BlockDecision{Reason: "ok"}
	}
}

type recordingSnapshotter struct {
	mu    sync.Mutex
	tiers []Tier
}

func (s *recordingSnapshotter) Snapshot(_ context.Context, tier Tier, _ FetchResult, _ BlockDecision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers = append(s.tiers, tier)
}

type fakeClock struct {
	now time.Time
}

func (c fakeClock) Now() time.Time {
	return c.now
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

var errBoom = errors.New("boom")
