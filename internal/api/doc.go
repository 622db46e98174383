// Package api hosts the HTTP server, middleware, and handlers. Notable routes:
//   - GET|POST / renders a shot; dataType image or pdf streams the first
//     artifact, json returns artifact URLs and crop metadata.
//   - GET /status reports uptime, shot counters, pool and browser state.
//   - GET|POST /reset?force=1 and /clean?force=1 for operators.
//   - GET /file/* serves locally stored artifacts.
//   - GET /healthz, /readyz for probes and /metrics for Prometheus.
package api
