// Package api hosts the admin HTTP server. Notable routes:
//   - GET /healthz and /readyz for probes, GET /metrics for Prometheus.
//   - POST /v1/crawl to run a cycle, GET /v1/crawl for the running state and
//     GET /v1/crawl/events to stream it as server-sent events.
//   - GET /v1/crawl/stats for averages over recent cycles.
//   - /v1/watchers/{id}/... to canonicalize, pin and exclude threads.
//   - GET /v1/attachments/{id}/file and /thumbnail for ranged file reads.
package api
