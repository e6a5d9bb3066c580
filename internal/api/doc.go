// Package api hosts the HTTP dispatch trigger for scraping attempts.
// Routes:
//   - POST /scrape (and POST /) to start an attempt, deferred by default.
//   - GET /scraping-status/{id} to poll attempt metadata.
//   - OPTIONS on any path for CORS preflight.
//   - GET /healthz and /readyz for probes, GET /metrics for Prometheus.
package api
