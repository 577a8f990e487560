// Package api hosts the status server that runs beside a crawl. Routes:
//   - GET /healthz and /readyz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run for the crawl's live progress.
//   - GET /v1/proxies for a proxy pool snapshot.
package api
