// Package monitoring provides logging and observability setup.
// This package implements:
// - Structured logger construction (logfmt or JSON)
// - Level filtering
package monitoring
