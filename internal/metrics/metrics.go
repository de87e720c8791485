// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	blockDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_block_decisions_total",
			Help: "Detector verdicts, labeled by fetch tier and reason.",
		},
		[]string{"tier", "reason"},
	)

	fetchOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_fetch_outcomes_total",
			Help: "Escalating fetch outcomes, labeled by tier and result.",
		},
		[]string{"tier", "result"},
	)

	userAgentRotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_user_agent_rotations_total",
			Help: "Number of user-agent rotations triggered by blocked pages.",
		},
	)

	renderRestartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_render_restarts_total",
			Help: "Number of times the render session was torn down after a block.",
		},
	)

	keywordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_keywords_total",
			Help: "Keyword crawls, labeled by outcome (ok, blocked, skipped, error).",
		},
		[]string{"outcome"},
	)

	rowsUpsertedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_rows_upserted_total",
			Help: "Price rows written to storage.",
		},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_jobs_total",
			Help: "Total number of jobs processed, labeled by status.",
		},
		[]string{"status"},
	)

	activeJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_active_jobs",
			Help: "Number of jobs currently executing.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawler_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)
)

// SanitizeSite extracts a lowercase hostname from rawURL, or "unknown".
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveBlockDecision counts one detector verdict.
func ObserveBlockDecision(tier, reason string) {
	blockDecisionsTotal.WithLabelValues(tier, reasonLabel(reason)).Inc()
}

// ObserveFetchOutcome counts the final outcome of one escalating fetch.
func ObserveFetchOutcome(tier string, blocked bool) {
	result := "ok"
	if blocked {
		result = "blocked"
	}
	fetchOutcomesTotal.WithLabelValues(tier, result).Inc()
}

// ObserveUserAgentRotation counts one UA rotation.
func ObserveUserAgentRotation() {
	userAgentRotationsTotal.Inc()
}

// ObserveRenderRestart counts one render session teardown.
func ObserveRenderRestart() {
	renderRestartsTotal.Inc()
}

// ObserveKeyword counts one finished keyword crawl.
func ObserveKeyword(outcome string) {
	keywordsTotal.WithLabelValues(outcome).Inc()
}

// AddRowsUpserted adds n persisted rows.
func AddRowsUpserted(n int) {
	if n > 0 {
		rowsUpsertedTotal.Add(float64(n))
	}
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	activeJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	activeJobs.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// reasonLabel drops the token from suspect_text:<token> so label cardinality
// stays bounded.
func reasonLabel(reason string) string {
	if head, _, ok := strings.Cut(reason, ":"); ok {
		return head
	}
	if reason == "" {
		return "unknown"
	}
	return reason
}
