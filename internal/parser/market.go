// Package parser extracts price listings from market result pages.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/market-price-crawler/internal/crawler"
)

const dateLayout = "2006-01-02"

var priceRE = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*(.*)\s*$`)

// Selectors locate the listing fields. Zero values use DefaultSelectors.
type Selectors struct {
	Item       string
	Date       string
	Product    string
	Place      string
	Price      string
	TotalPages string
}

// DefaultSelectors matches the market listing markup.
func DefaultSelectors() Selectors {
	return Selectors{
		Item:       "li.market-list-item",
		Date:       "span.time",
		Product:    "span.product",
		Place:      "span.place",
		Price:      "span.price",
		TotalPages: ".quotation-paging input.eye-input__inner",
	}
}

// Market implements crawler.Parser with goquery.
type Market struct {
	sel Selectors
	loc *time.Location
}

// New returns a parser that reads listing dates in loc.
func New(sel Selectors, loc *time.Location) *Market {
	def := DefaultSelectors()
	if sel.Item == "" {
		sel.Item = def.Item
	}
	if sel.Date == "" {
		sel.Date = def.Date
	}
	if sel.Product == "" {
		sel.Product = def.Product
	}
	if sel.Place == "" {
		sel.Place = def.Place
	}
	if sel.Price == "" {
		sel.Price = def.Price
	}
	if sel.TotalPages == "" {
		sel.TotalPages = def.TotalPages
	}
	if loc == nil {
		loc = time.Local
	}
	return &Market{sel: sel, loc: loc}
}

// Parse returns the listings in page order. Items with a missing field or a
// malformed date are skipped.
func (m *Market) Parse(html string) ([]crawler.Listing, error) {
	if html == "" {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var out []crawler.Listing
	doc.Find(m.sel.Item).Each(func(_ int, li *goquery.Selection) {
		dateText := text(li, m.sel.Date)
		product := text(li, m.sel.Product)
		place := text(li, m.sel.Place)
		priceRaw := text(li, m.sel.Price)
		if dateText == "" || product == "" || place == "" || priceRaw == "" {
			return
		}
		day, err := time.ParseInLocation(dateLayout, dateText, m.loc)
		if err != nil {
			return
		}
		value, unit := ParsePrice(priceRaw)
		out = append(out, crawler.Listing{
			Date:       day,
			Product:    product,
			Place:      place,
			PriceRaw:   priceRaw,
			PriceValue: value,
			PriceUnit:  unit,
		})
	})
	return out, nil
}

// TotalPages reads the max attribute of the pager's page input.
func (m *Market) TotalPages(html string) (int, bool) {
	if html == "" {
		return 0, false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 0, false
	}
	raw, ok := doc.Find(m.sel.TotalPages).First().Attr("max")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParsePrice splits "7.65元/斤" into 7.65 and "元/斤". Text that does not
// start with a number comes back as the unit with no value.
func ParsePrice(raw string) (*float64, *string) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	match := priceRE.FindStringSubmatch(trimmed)
	if match == nil {
		return nil, &trimmed
	}
	var value *float64
	if v, err := strconv.ParseFloat(match[1], 64); err == nil {
		value = &v
	}
	unit := strings.TrimSpace(match[2])
	if unit == "" {
		return value, nil
	}
	return value, &unit
}

func text(s *goquery.Selection, selector string) string {
	return strings.TrimSpace(s.Find(selector).First().Text())
}
