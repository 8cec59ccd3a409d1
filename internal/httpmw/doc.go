// Package httpmw provides HTTP middleware for the deploy trigger
// server.
//
// Middleware is composed in a fixed order in httpserver.NewHandler:
// security headers, request ID, client IP extraction, rate limiting,
// OTEL tracing, metrics, structured logging, recovery, and chi router.
//
// Each middleware is an independent function that can be tested,
// reordered, or removed individually. Request tokens and webhook
// payloads are intentionally excluded from logs.
package httpmw
