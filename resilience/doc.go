// Package resilience protects calls to slow or unreliable external
// collaborators. It provides a per-call-name circuit breaker (closed,
// open, half-open with a single trial call) and a knowledge-lookup
// client that consults the non-blocking cache before letting a call
// through the breaker, rate-limited to be a polite downstream.
package resilience
