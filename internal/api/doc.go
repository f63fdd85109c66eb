// Package api hosts the HTTP server, middleware and REST handlers of radar serve.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/records, /v1/records/{name} and /v1/records/{name}/history for the ledger.
//   - POST /v1/runs to start a run and GET /v1/runs/{run_id} to inspect it.
package api
