package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/market-price-crawler/internal/crawler"
)

func day(d int) time.Time {
	return time.Date(2025, 3, d, 0, 0, 0, 0, time.UTC)
}

func TestPriceStoreUpsertIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPriceStore()
	rec := crawler.PriceRecord{Keyword: "鹅", PriceDate: day(1), Product: "白鹅", Place: "江苏", PriceRaw: "12.5元/斤"}

	n, err := store.UpsertPrices(ctx, []crawler.PriceRecord{rec, rec})
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	require.Equal(t, 1, store.Len())

	rec.PriceRaw = "13元/斤"
	_, err = store.UpsertPrices(ctx, []crawler.PriceRecord{rec})
	require.NoError(t, err)
	require.Equal(t, 1, store.Len())
}

func TestPriceStoreDateQueries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewPriceStore()
	_, err := store.UpsertPrices(ctx, []crawler.PriceRecord{
		{Keyword: "鹅", PriceDate: day(1), Product: "白鹅", Place: "江苏"},
		{Keyword: "鹅", PriceDate: day(1), Product: "灰鹅", Place: "安徽"},
		{Keyword: "玉米", PriceDate: day(2), Product: "玉米", Place: "山东"},
	})
	require.NoError(t, err)

	ok, err := store.ExistsForDate(ctx, "鹅", day(1))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.ExistsForDate(ctx, "玉米", day(1))
	require.NoError(t, err)
	require.False(t, ok)

	counts, err := store.KeywordCounts(ctx, []string{"鹅", "玉米", "豆粕"}, day(1))
	require.NoError(t, err)
	require.Equal(t, map[string]int{"鹅": 2, "玉米": 0, "豆粕": 0}, counts)

	missing, err := store.MissingKeywords(ctx, []string{"豆粕", "鹅", "玉米"}, day(1))
	require.NoError(t, err)
	require.Equal(t, []string{"豆粕", "玉米"}, missing)
}
