// Package crawler implements the crawl orchestration engine: the escalation
// from direct fetches to a rendering fallback, user-agent rotation, backoff,
// pagination discovery, and the per-keyword crawl that ties them together.
package crawler
