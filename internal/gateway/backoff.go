package gateway

import "time"

const (
	// DefaultReconnectBase is the first reconnect delay.
	DefaultReconnectBase = 800 * time.Millisecond
	// DefaultReconnectCap bounds the reconnect delay.
	DefaultReconnectCap = 30 * time.Second
)

// ReconnectDelay computes delay = min(base * 2^attempt, cap).
// attempt counts consecutive failures since the last successful handshake.
func ReconnectDelay(base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = DefaultReconnectBase
	}
	if cap <= 0 {
		cap = DefaultReconnectCap
	}
	if attempt < 0 {
		attempt = 0
	}

	// Shifting past 62 bits would wrap; the cap is reached long before.
	if attempt > 30 {
		return cap
	}
	delay := base << uint(attempt)
	if delay > cap || delay <= 0 {
		return cap
	}
	return delay
}
