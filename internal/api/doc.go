// Package api hosts the HTTP server for operators. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /api/tasks to submit a keyword crawl, GET /api/tasks to list them.
//   - GET /api/tasks/{task_id}[/logs] and POST /api/tasks/{task_id}/cancel.
package api
