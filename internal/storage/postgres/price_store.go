package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/market-price-crawler/internal/crawler"
)

const dateLayout = "2006-01-02"

// PriceStore implements crawler.PriceStore. Rows are unique on
// (keyword, price_date, product, place).
type PriceStore struct {
	pool    Pool
	table   string
	timeout time.Duration
}

// NewPriceStore wraps pool. An empty cfg.Table means market_prices.
func NewPriceStore(pool Pool, cfg Config) (*PriceStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table := cfg.Table
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PriceStore{pool: pool, table: table, timeout: cfg.AcquireTimeout()}, nil
}

// Close releases the pool.
func (s *PriceStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the price table and its lookup index.
func (s *PriceStore) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return execAll(ctx, s.pool, []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id          BIGSERIAL PRIMARY KEY,
	keyword     TEXT NOT NULL,
	price_date  DATE NOT NULL,
	product     TEXT NOT NULL,
	place       TEXT NOT NULL,
	price_raw   TEXT NOT NULL,
	price_value NUMERIC(12,2),
	price_unit  TEXT,
	source_url  TEXT NOT NULL,
	crawled_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (keyword, price_date, product, place)
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_keyword_date_idx ON %s (keyword, price_date)`, s.table, s.table),
	})
}

// ExistsForDate reports whether keyword has any row dated day.
func (s *PriceStore) ExistsForDate(ctx context.Context, keyword string, day time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE keyword = $1 AND price_date = $2::date)`, s.table)
	var exists bool
	if err := s.pool.QueryRow(ctx, query, keyword, day.Format(dateLayout)).Scan(&exists); err != nil {
		return false, fmt.Errorf("check %s on %s: %w", keyword, day.Format(dateLayout), err)
	}
	return exists, nil
}

// UpsertPrices writes records in one transaction and returns the rows
// affected. Either every record lands or none do.
func (s *PriceStore) UpsertPrices(ctx context.Context, records []crawler.PriceRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin upsert: %w", err)
	}
	affected, err := s.upsertRows(ctx, tx, records)
	if err != nil {
		_ = tx.Rollback(ctx)
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit upsert: %w", err)
	}
	return affected, nil
}

func (s *PriceStore) upsertRows(ctx context.Context, tx pgx.Tx, records []crawler.PriceRecord) (int64, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (keyword, price_date, product, place, price_raw, price_value, price_unit, source_url, crawled_at)
VALUES ($1, $2::date, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (keyword, price_date, product, place) DO UPDATE SET
	price_raw   = EXCLUDED.price_raw,
	price_value = EXCLUDED.price_value,
	price_unit  = EXCLUDED.price_unit,
	source_url  = EXCLUDED.source_url,
	crawled_at  = EXCLUDED.crawled_at`, s.table)

	var affected int64
	for _, r := range records {
		tag, err := tx.Exec(ctx, query,
			r.Keyword,
			r.PriceDate.Format(dateLayout),
			r.Product,
			r.Place,
			r.PriceRaw,
			r.PriceValue,
			r.PriceUnit,
			r.SourceURL,
			r.CrawledAt,
		)
		if err != nil {
			return 0, fmt.Errorf("upsert %s/%s/%s: %w", r.Keyword, r.Product, r.Place, err)
		}
		affected += tag.RowsAffected()
	}
	return affected, nil
}

// KeywordCounts returns the row count per keyword on day. Every requested
// keyword appears in the result.
func (s *PriceStore) KeywordCounts(ctx context.Context, keywords []string, day time.Time) (map[string]int, error) {
	counts := make(map[string]int, len(keywords))
	for _, kw := range keywords {
		counts[kw] = 0
	}
	if len(keywords) == 0 {
		return counts, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`
SELECT keyword, COUNT(*)
FROM %s
WHERE price_date = $1::date AND keyword = ANY($2)
GROUP BY keyword`, s.table)
	rows, err := s.pool.Query(ctx, query, day.Format(dateLayout), keywords)
	if err != nil {
		return nil, fmt.Errorf("count keywords: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kw string
			n  int64
		)
		if err := rows.Scan(&kw, &n); err != nil {
			return nil, fmt.Errorf("scan keyword count: %w", err)
		}
		counts[kw] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keyword counts: %w", err)
	}
	return counts, nil
}

// MissingKeywords returns, in input order, the keywords with no row on day.
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
