package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("read failed") }

func TestBlobStorePutObject(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "blocked/2025-03-01/http/ab.html", "text/html", strings.NewReader("<html>"))
	require.NoError(t, err)
	require.Equal(t, "memory://blocked/2025-03-01/http/ab.html", uri)

	data, ok := store.Object("blocked/2025-03-01/http/ab.html")
	require.True(t, ok)
	require.Equal(t, "<html>", string(data))

	data[0] = 'X'
	again, _ := store.Object("blocked/2025-03-01/http/ab.html")
	require.Equal(t, "<html>", string(again))
	require.Equal(t, []string{"blocked/2025-03-01/http/ab.html"}, store.Paths())
}

func TestBlobStoreReadError(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), "x", "", brokenReader{})
	require.ErrorContains(t, err, "read failed")
}
