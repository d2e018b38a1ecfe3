// Package api hosts the HTTP server, middleware, and REST handlers. Routes:
//   - POST /v1/tasks submits a username for scanning.
//   - GET /v1/tasks/{task_id}/status and /result poll a task.
//   - GET /v1/users/{username}/stats reads stored statistics directly.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
