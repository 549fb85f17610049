// Package server exposes the resolver over HTTP with Fiber: artifact lookups
// and uploads under /v1, plus diagnostics (health, stats, Prometheus metrics)
// under /-/. Dependencies are injected through AppOptions so tests can use
// fakes for the artifact service.
package server
