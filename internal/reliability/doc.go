// Package reliability provides the reconnect policies used by broker links.
//
// A policy decides, per consecutive failed attempt, whether a link should try
// to reopen its connection and how long to wait first:
//   - FixedDelay: Constant delay, unbounded by default
//   - ExponentialBackoff: Growing delay with optional jitter, capped at a maximum
//
// A MaxAttempts of zero means the link retries forever.
//
// Example usage:
//
//	policy := NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 0)
//	retry, delay := policy.ShouldRetry(attempt, err)
package reliability
