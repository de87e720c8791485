package crawler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const pageURL = "https://www.cnhnb.com/hangqing/?k=abc"

func newTestFetcher(t *testing.T, direct *fakeDirect, renderer *fakeRenderer, renderEnabled bool, opts ...EscalatingOption) (*EscalatingFetcher, *RenderSession) {
	t.Helper()
	var session *RenderSession
	if renderEnabled {
		session = NewRenderSession(func(context.Context) (Renderer, error) {
			return renderer, nil
		}, nil, zap.NewNop())
	}
	f, err := NewEscalatingFetcher(direct, session, markerDetector{}, EscalatingConfig{
		RenderEnabled: renderEnabled,
		UserAgents:    []string{"ua-0", "ua-1", "ua-2"},
	}, zap.NewNop(), opts...)
	require.NoError(t, err)
	return f, session
}

func TestEscalatingFetcherDirectOK(t *testing.T) {
	t.Parallel()

	direct := newFakeDirect()
	direct.bodies[pageURL] = "<ul>listing</ul>"
	renderer := &fakeRenderer{}
	f, session := newTestFetcher(t, direct, renderer, true)

	out, err := f.FetchPage(context.Background(), pageURL)
	require.NoError(t, err)
	require.False(t, out.Blocked())
	require.Equal(t, "http_ok", out.Tag())
	require.Equal(t, "ua-0", direct.calls[0].UserAgent)
	require.Empty(t, renderer.calls)
	require.Equal(t, SessionUninitialized, session.State())
}

func TestEscalatingFetcherBlockedWithoutRendering(t *testing.T) {
	t.Parallel()

	direct := newFakeDirect()
	direct.bodies[pageURL] = "BLOCK"
	f, _ := newTestFetcher(t, direct, nil, false)

	out, err := f.FetchPage(context.Background(), pageURL)
	require.NoError(t, err)
	require.True(t, out.Blocked())
	require.Equal(t, "http_blocked:suspect_text:BLOCK", out.Tag())
	require.Equal(t, "ua-1", f.UserAgent())
}

func TestEscalatingFetcherFallsBackToRender(t *testing.T) {
	t.Parallel()

	direct := newFakeDirect()
	direct.status[pageURL] = 403
	renderer := &fakeRenderer{body: "<ul>listing</ul>"}
	f, session := newTestFetcher(t, direct, renderer, true)

	out, err := f.FetchPage(context.Background(), pageURL)
	require.NoError(t, err)
	require.False(t, out.Blocked())
	require.Equal(t, "render_ok", out.Tag())
	require.Len(t, renderer.calls, 1)
	require.Equal(t, "ua-1", renderer.calls[0].UserAgent)
	require.Equal(t, SessionReady, session.State())
}

func TestEscalatingFetcherRestartsBlockedRenderSession(t *testing.T) {
	t.Parallel()

	direct := newFakeDirect()
	direct.bodies[pageURL] = "BLOCK"
	renderer := &fakeRenderer{body: "BLOCK again"}
	snaps := &recordingSnapshotter{}
	f, session := newTestFetcher(t, direct, renderer, true, WithSnapshotter(snaps))

	out, err := f.FetchPage(context.Background(), pageURL)
	require.NoError(t, err)
	require.True(t, out.Blocked())
	require.Equal(t, "render_blocked:suspect_text:BLOCK", out.Tag())
	require.Equal(t, SessionNeedsRestart, session.State())
	require.Equal(t, 1, renderer.closed)
	require.Equal(t, []Tier{TierHTTP, TierRender}, snaps.tiers)

	_, err = f.FetchPage(context.Background(), pageURL)
	require.NoError(t, err)
	require.Equal(t, 2, session.Launches())
}

func TestEscalatingFetcherPropagatesTransportError(t *testing.T) {
	t.Parallel()

	direct := newFakeDirect()
	direct.errs[pageURL] = errBoom
	renderer := &fakeRenderer{}
	f, _ := newTestFetcher(t, direct, renderer, true)

	_, err := f.FetchPage(context.Background(), pageURL)
	require.ErrorIs(t, err, errBoom)
	require.Empty(t, renderer.calls)
}

func TestEscalatingFetcherSurfacesUnavailableRenderer(t *testing.T) {
	t.Parallel()

	direct := newFakeDirect()
	direct.bodies[pageURL] = ""
	session := NewRenderSession(func(context.Context) (Renderer, error) {
		return nil, errors.New("chrome not found")
	}, nil, zap.NewNop())
	f, err := NewEscalatingFetcher(direct, session, markerDetector{}, EscalatingConfig{RenderEnabled: true}, nil)
	require.NoError(t, err)

	_, err = f.FetchPage(context.Background(), pageURL)
	require.ErrorIs(t, err, ErrRendererUnavailable)
	require.Equal(t, SessionUninitialized, session.State())
}

func TestNewEscalatingFetcherValidates(t *testing.T) {
	t.Parallel()

	_, err := NewEscalatingFetcher(nil, nil, markerDetector{}, EscalatingConfig{}, nil)
	require.Error(t, err)
	_, err = NewEscalatingFetcher(newFakeDirect(), nil, nil, EscalatingConfig{}, nil)
	require.Error(t, err)
	_, err = NewEscalatingFetcher(newFakeDirect(), nil, markerDetector{}, EscalatingConfig{RenderEnabled: true}, nil)
	require.Error(t, err)
}
