// Package api hosts the HTTP server, middleware and REST handlers. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs to start a crawl and GET /v1/jobs/{job_id} to poll it.
//   - GET /v1/regions and /v1/districts for listing discovery.
package api
