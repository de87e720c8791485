package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffSecondsKnownValues(t *testing.T) {
	t.Parallel()

	require.Equal(t, 10, BackoffSeconds(0, 10, 600))
	require.Equal(t, 80, BackoffSeconds(3, 10, 600))
	require.Equal(t, 600, BackoffSeconds(10, 10, 600))
}

func TestBackoffSecondsMonotonicAndCapped(t *testing.T) {
	t.Parallel()

	prev := 0
	for attempt := 0; attempt <= 10; attempt++ {
		got := BackoffSeconds(attempt, 10, 600)
		require.GreaterOrEqual(t, got, prev, "attempt %d", attempt)
		require.LessOrEqual(t, got, 600, "attempt %d", attempt)
		prev = got
	}
}

func TestBackoffSecondsClampsInputs(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1, BackoffSeconds(0, 0, 600))
	require.Equal(t, 4, BackoffSeconds(2, -5, 600))
	require.Equal(t, 1, BackoffSeconds(5, 10, 0))
	require.Equal(t, 600, BackoffSeconds(200, 10, 600))
}

func TestBackoffDuration(t *testing.T) {
	t.Parallel()

	require.Equal(t, 20*time.Second, Backoff(1, 10, 600))
}
