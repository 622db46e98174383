// Package main hosts the html2image service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts shot requests on / (query, form or JSON), normalizes them into
//     render.Config and hands them to internal/service, which renders, stores and records each shot.
//   - Browser: a single Chromium instance (launched, spawned or attached over CDP) hosts a bounded pool of tabs.
//     Each tab is reused up to pool.max_uses times and recycled after crashes.
//   - Capture: selected elements are captured directly when small, or in tiles stitched by the compositor when
//     they exceed the unit size. Outputs are PNG, JPEG or PDF.
//   - Persistence & fanout: artifacts go to the configured BlobStore (memory/local/GCS) and are served from
//     /file/ for the local backends. Shot records optionally land in Postgres; a Pub/Sub event is published when a
//     topic is configured; Redis keeps shot counters shared across replicas.
//   - Configuration & plumbing: Viper populates config from env (HTML2IMAGE_*) and files; zap provides structured
//     logging; Prometheus metrics are exported on /metrics; OpenTelemetry spans wrap every shot.
//
// Quick checklist:
//   - Run locally: go run ./cmd/html2image --config config.yaml (or rely solely on env overrides).
//   - Attach to an existing browser: HTML2IMAGE_BROWSER_MODE=remote HTML2IMAGE_BROWSER_ENDPOINT=ws://...
//   - The process reacts to SIGTERM by draining HTTP and closing every tab before the browser.
package main
