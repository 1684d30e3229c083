// Package api hosts the HTTP server, middleware, and handlers of the gallery
// proxy. Notable routes:
//   - GET /get?id=&check_status= for gallery records.
//   - GET /pdf-status/{id} for PDF job polling.
//   - GET /health-check for session health, /healthz for liveness.
//   - GET /metrics for Prometheus scraping.
//   - GET /docs and /openapi.json for the bundled API documentation.
package api
