package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/market-price-crawler/internal/crawler"
)

const dayLayout = "2006-01-02"

type priceKey struct {
	keyword string
	day     string
	product string
	place   string
}

// PriceStore is a crawler.PriceStore kept in process memory. Records are
// keyed on (keyword, day, product, place) like the Postgres table.
type PriceStore struct {
	mu      sync.RWMutex
	records map[priceKey]crawler.PriceRecord
}

// NewPriceStore constructs an empty PriceStore.
func NewPriceStore() *PriceStore {
	return &PriceStore{records: make(map[priceKey]crawler.PriceRecord)}
}

// ExistsForDate reports whether any record for keyword is dated day.
func (s *PriceStore) ExistsForDate(_ context.Context, keyword string, day time.Time) (bool, error) {
	want := day.Format(dayLayout)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k := range s.records {
		if k.keyword == keyword && k.day == want {
			return true, nil
		}
	}
	return false, nil
}

// UpsertPrices inserts or replaces records and returns how many it wrote.
func (s *PriceStore) UpsertPrices(_ context.Context, records []crawler.PriceRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.records[keyOf(r)] = r
	}
	return int64(len(records)), nil
}

// MissingKeywords returns the keywords, in input order, without a record on day.
func (s *PriceStore) MissingKeywords(ctx context.Context, keywords []string, day time.Time) ([]string, error) {
	counts, err := s.KeywordCounts(ctx, keywords, day)
	if err != nil {
		return nil, err
	}
	missing := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if counts[kw] == 0 {
			missing = append(missing, kw)
		}
	}
	return missing, nil
}

// KeywordCounts returns the number of records per keyword on day. Every
// requested keyword is present in the result, zero when absent.
func (s *PriceStore) KeywordCounts(_ context.Context, keywords []string, day time.Time) (map[string]int, error) {
	want := day.Format(dayLayout)
	counts := make(map[string]int, len(keywords))
	for _, kw := range keywords {
		counts[kw] = 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k := range s.records {
		if _, tracked := counts[k.keyword]; tracked && k.day == want {
			counts[k.keyword]++
		}
	}
	return counts, nil
}

// Len reports the number of stored records.
func (s *PriceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func keyOf(r crawler.PriceRecord) priceKey {
	return priceKey{
		keyword: r.Keyword,
		day:     r.PriceDate.Format(dayLayout),
		product: r.Product,
		place:   r.Place,
	}
}
