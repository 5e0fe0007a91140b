package rpcpool

import (
	"sync/atomic"
	"time"
)

// Endpoint tracks one JSON-RPC URL's weight and derived health. Health is
// never configured directly — it is always recomputed from the failure
// counters.
type Endpoint struct {
	URL    string
	Weight int

	consecutiveFailures atomic.Int32
	cooldownUntilUnix   atomic.Int64 // unix nanos; 0 means not in cooldown
}

func newEndpoint(url string, weight int) *Endpoint {
	return &Endpoint{URL: url, Weight: weight}
}

// Healthy reports whether the endpoint may currently be selected.
func (e *Endpoint) Healthy(now time.Time) bool {
	until := e.cooldownUntilUnix.Load()
	return until == 0 || now.UnixNano() >= until
}

func (e *Endpoint) onSuccess() {
	e.consecutiveFailures.Store(0)
	e.cooldownUntilUnix.Store(0)
}

// onFailure increments the failure counter and, once it crosses threshold,
// places the endpoint in an exponentially growing cooldown capped at max.
func (e *Endpoint) onFailure(now time.Time, threshold int, base, max time.Duration) {
	n := e.consecutiveFailures.Add(1)
	if int(n) < threshold {
		return
	}
	// exponential backoff beyond the threshold: base * 2^(n-threshold)
	shift := n - int32(threshold)
	if shift > 10 {
		shift = 10 // avoid overflow; max clamp below dominates anyway
	}
	backoff := base << uint(shift)
	if backoff > max || backoff <= 0 {
		backoff = max
	}
	e.cooldownUntilUnix.Store(now.Add(backoff).UnixNano())
}

func (e *Endpoint) failures() int32 {
	return e.consecutiveFailures.Load()
}
