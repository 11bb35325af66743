// Package api hosts the operator HTTP server, middleware, and REST handlers.
// Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats, /v1/graph and /v1/tasks for the live scheduler run.
//   - GET /v1/runs and /v1/runs/{run_id}/... for persisted runs via the
//     store.ResultRepository interface.
package api
