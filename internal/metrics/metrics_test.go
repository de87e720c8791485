package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestObserveBlockDecisionCollapsesSuspectTokens(t *testing.T) {
	t.Parallel()

	before := testutil.ToFloat64(blockDecisionsTotal.WithLabelValues("http", "suspect_text"))
	ObserveBlockDecision("http", "suspect_text:验证码")
	ObserveBlockDecision("http", "suspect_text:人机")
	after := testutil.ToFloat64(blockDecisionsTotal.WithLabelValues("http", "suspect_text"))
	require.InDelta(t, 2, after-before, 0.001)
}

func TestReasonLabel(t *testing.T) {
	t.Parallel()

	require.Equal(t, "http_status_403", reasonLabel("http_status_403"))
	require.Equal(t, "suspect_text", reasonLabel("suspect_text:访问异常"))
	require.Equal(t, "unknown", reasonLabel(""))
}

func TestAddRowsUpsertedIgnoresNonPositive(t *testing.T) {
	t.Parallel()

	before := testutil.ToFloat64(rowsUpsertedTotal)
	AddRowsUpserted(0)
	AddRowsUpserted(-3)
	AddRowsUpserted(5)
	require.InDelta(t, 5, testutil.ToFloat64(rowsUpsertedTotal)-before, 0.001)
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://www.cnhnb.com/hangqing/", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
