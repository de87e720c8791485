package crawler

import "time"

// FetchRequest captures everything a fetch adapter needs for one request.
type FetchRequest struct {
	URL       string
	UserAgent string
}

// FetchResult is what one fetch attempt produced. It is never reused across attempts.
type FetchResult struct {
	RequestedURL string
	FinalURL     string
	StatusCode   int
	Body         string
}

// BlockDecision is the detector verdict for a fetched page. Reason is a stable
// tag meant for logs and metrics; only Blocked drives control flow.
type BlockDecision struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason"`
}

// Tier identifies which transport produced a page.
type Tier string

// Fetch tiers in escalation order.
const (
	TierHTTP   Tier = "http"
	TierRender Tier = "render"
)

// FetchOutcome is the result of one escalating fetch. A page is either usable
// (Decision.Blocked is false) or blocked with a reason; transport failures are
// reported separately as errors.
type FetchOutcome struct {
	Page     FetchResult
	Decision BlockDecision
	Tier     Tier
}

// Blocked reports whether every tier tried judged the page blocked.
func (o FetchOutcome) Blocked() bool {
	return o.Decision.Blocked
}

// Tag renders the outcome as http_ok, http_blocked:<reason>, render_ok or
// render_blocked:<reason>.
func (o FetchOutcome) Tag() string {
	if o.Decision.Blocked {
		return string(o.Tier) + "_blocked:" + o.Decision.Reason
	}
	return string(o.Tier) + "_ok"
}

// KeywordStats summarizes one crawl attempt for one keyword.
type KeywordStats struct {
	Keyword       string `json:"keyword"`
	PagesTotal    int    `json:"pages_total"`
	PagesFetched  int    `json:"pages_fetched"`
	RowsParsed    int    `json:"rows_parsed"`
	RowsUpserted  int    `json:"rows_upserted"`
	Blocked       bool   `json:"blocked"`
	BlockedReason string `json:"blocked_reason,omitempty"`
	Skipped       bool   `json:"skipped,omitempty"`
}

// Listing is one parsed row from a result page.
type Listing struct {
	Date       time.Time
	Product    string
	Place      string
	PriceRaw   string
	PriceValue *float64
	PriceUnit  *string
}

// PriceRecord is a listing ready for storage. (Keyword, PriceDate, Product,
// Place) is its natural key.
type PriceRecord struct {
	Keyword    string
	PriceDate  time.Time
	Product    string
	Place      string
	PriceRaw   string
	PriceValue *float64
	PriceUnit  *string
	SourceURL  string
	CrawledAt  time.Time
}
