// Package detector classifies fetched result pages as genuine content or an
// anti-bot interstitial.
package detector

import (
	"strconv"
	"strings"

	"github.com/JakeFAU/market-price-crawler/internal/crawler"
)

// Reason tags returned in crawler.BlockDecision.
const (
	ReasonOK          = "ok"
	ReasonEmptyHTML   = "empty_html"
	ReasonNoData      = "no_data"
	ReasonNoListItems = "no_list_items"
	suspectPrefix     = "suspect_text:"
	statusPrefix      = "http_status_"
)

// Rules lists the markers the detector looks for. Order matters for
// SuspectTokens: the first token found names the reason.
type Rules struct {
	BlockedStatuses []int    `mapstructure:"blocked_statuses"`
	ListItemMarker  string   `mapstructure:"list_item_marker"`
	ContentMarker   string   `mapstructure:"content_marker"`
	NoDataMarkers   []string `mapstructure:"no_data_markers"`
	SuspectTokens   []string `mapstructure:"suspect_tokens"`
}

// DefaultRules matches the market listing site.
func DefaultRules() Rules {
	return Rules{
		BlockedStatuses: []int{403, 429},
		ListItemMarker:  "market-list-item",
		ContentMarker:   "quotation-content",
		NoDataMarkers:   []string{"暂无行情", "没有找到", "market-null", "market-none"},
		SuspectTokens: []string{
			"验证码",
			"安全验证",
			"安全校验",
			"人机",
			"访问异常",
			"请求过于频繁",
			"系统检测到",
			"请完成验证",
			"您的访问行为异常",
		},
	}
}

// Block is a rule-based crawler.Detector. It holds no mutable state.
type Block struct {
	rules    Rules
	statuses map[int]struct{}
}

// New builds a detector. Empty fields fall back to DefaultRules.
func New(rules Rules) *Block {
	def := DefaultRules()
	if len(rules.BlockedStatuses) == 0 {
		rules.BlockedStatuses = def.BlockedStatuses
	}
	if rules.ListItemMarker == "" {
		rules.ListItemMarker = def.ListItemMarker
	}
	if rules.ContentMarker == "" {
		rules.ContentMarker = def.ContentMarker
	}
	if rules.NoDataMarkers == nil {
		rules.NoDataMarkers = def.NoDataMarkers
	}
	if rules.SuspectTokens == nil {
		rules.SuspectTokens = def.SuspectTokens
	}
	statuses := make(map[int]struct{}, len(rules.BlockedStatuses))
	for _, code := range rules.BlockedStatuses {
		statuses[code] = struct{}{}
	}
	return &Block{rules: rules, statuses: statuses}
}

// Detect classifies html fetched with statusCode (0 when unknown).
// No-data pages are checked before suspect text so an honest empty result
// is never reported as a block.
func (b *Block) Detect(html string, statusCode int) crawler.BlockDecision {
	if _, ok := b.statuses[statusCode]; ok {
		return blocked(statusPrefix + strconv.Itoa(statusCode))
	}
	if strings.TrimSpace(html) == "" {
		return blocked(ReasonEmptyHTML)
	}
	if strings.Contains(html, b.rules.ListItemMarker) && strings.Contains(html, b.rules.ContentMarker) {
		return crawler.BlockDecision{Reason: ReasonOK}
	}
	for _, marker := range b.rules.NoDataMarkers {
		if marker != "" && strings.Contains(html, marker) {
			return crawler.BlockDecision{Reason: ReasonNoData}
		}
	}
	for _, token := range b.rules.SuspectTokens {
		if token != "" && strings.Contains(html, token) {
			return blocked(suspectPrefix + token)
		}
	}
	return blocked(ReasonNoListItems)
}

func blocked(reason string) crawler.BlockDecision {
	return crawler.BlockDecision{Blocked: true, Reason: reason}
}
