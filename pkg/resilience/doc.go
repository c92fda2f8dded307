// Package resilience wraps domain providers with timeouts, rate limiting,
// retries and a circuit breaker, and bounds classifier and action calls with
// per-call deadlines.
package resilience
