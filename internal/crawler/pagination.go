package crawler

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// PaginationConfig tells the Paginator how the result pager is marked up.
type PaginationConfig struct {
	PagerSelector  string `mapstructure:"pager_selector"`
	TemplateMarker string `mapstructure:"template_marker"`
	KeywordParam   string `mapstructure:"keyword_param"`
	PageParam      string `mapstructure:"page_param"`
}

// DefaultPaginationConfig matches the market listing pager.
func DefaultPaginationConfig() PaginationConfig {
	return PaginationConfig{
		PagerSelector:  ".quotation-paging .eye-pager a.number[href]",
		TemplateMarker: "cdlist-",
		KeywordParam:   "k",
		PageParam:      "page",
	}
}

// Paginator derives the ordered page URLs of a result set from its first page.
type Paginator struct {
	cfg PaginationConfig
}

// NewPaginator fills unset fields from DefaultPaginationConfig.
func NewPaginator(cfg PaginationConfig) *Paginator {
	def := DefaultPaginationConfig()
	if cfg.PagerSelector == "" {
		cfg.PagerSelector = def.PagerSelector
	}
	if cfg.TemplateMarker == "" {
		cfg.TemplateMarker = def.TemplateMarker
	}
	if cfg.KeywordParam == "" {
		cfg.KeywordParam = def.KeywordParam
	}
	if cfg.PageParam == "" {
		cfg.PageParam = def.PageParam
	}
	return &Paginator{cfg: cfg}
}

// PageURLs returns totalPages URLs, page 1 first. It tries, in order, the
// pager anchor template, the keyword query template, and finally gives up
// and returns only firstURL.
func (p *Paginator) PageURLs(firstURL, firstHTML string, totalPages int) []string {
	if totalPages <= 1 {
		return []string{firstURL}
	}
	base, err := url.Parse(firstURL)
	if err != nil {
		return []string{firstURL}
	}
	if prefix, ok := p.pagerTemplate(base, firstHTML); ok {
		urls := make([]string, 0, totalPages)
		for i := 1; i <= totalPages; i++ {
			urls = append(urls, prefix+strconv.Itoa(i)+"/")
		}
		return urls
	}
	query := base.Query()
	if query.Has(p.cfg.KeywordParam) {
		urls := make([]string, 0, totalPages)
		for i := 1; i <= totalPages; i++ {
			query.Set(p.cfg.PageParam, strconv.Itoa(i))
			u := *base
			u.RawQuery = query.Encode()
			urls = append(urls, u.String())
		}
		return urls
	}
	return []string{firstURL}
}

// pagerTemplate returns the absolute URL prefix of the first pager anchor
// whose path ends in -<number>, with the number removed.
func (p *Paginator) pagerTemplate(base *url.URL, html string) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", false
	}
	var prefix string
	doc.Find(p.cfg.PagerSelector).EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		if href == "" || !strings.Contains(href, p.cfg.TemplateMarker) {
			return true
		}
		trimmed := strings.TrimRight(href, "/")
		cut := strings.LastIndex(trimmed, "-")
		if cut < 0 || !isDigits(trimmed[cut+1:]) {
			return true
		}
		ref, err := url.Parse(trimmed[:cut+1])
		if err != nil {
			return true
		}
		prefix = base.ResolveReference(ref).String()
		return false
	})
	return prefix, prefix != ""
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
