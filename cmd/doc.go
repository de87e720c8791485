// Package cmd implements the marketcrawler CLI.
//
// Architecture overview:
//   - serve: the HTTP task API (internal/api) accepts keyword crawl jobs into
//     an in-memory task.Manager. One worker drains pending jobs oldest first
//     and drives the orchestrator (crawler.Crawler) keyword by keyword. A cron
//     scheduler enqueues the daily crawl and runs integrity sweeps that
//     re-enqueue keywords with no rows for today.
//   - Fetch pipeline: every page is fetched directly with Colly first. When
//     the block detector flags the result, the user agent rotates and the page
//     is fetched again through a lazily launched headless browser (chromedp or
//     go-rod), paced per host. A blocked render marks the session for restart.
//   - Persistence: listings are upserted into Postgres (or memory) keyed by
//     keyword, date, product and place. Blocked pages can be kept on disk or
//     in GCS for audit. Finished jobs are announced on Pub/Sub when configured.
//   - crawl and sweep run the same pipeline once in the foreground.
//
// Configuration comes from an optional YAML file, .env files and CRAWLER_*
// environment variables; see internal/config for keys and defaults.
package cmd
