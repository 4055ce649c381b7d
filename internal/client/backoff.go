package client

import (
	"math/rand"
	"time"
)

// Reconnect policy. Delays double from BackoffBase up to BackoffCap, each
// jittered by ±50% so a fleet of clients dropped by the same outage does not
// reconnect in lockstep. After MaxRetries consecutive failures the client
// gives up for good.
const (
	BackoffBase   = 1 * time.Second
	BackoffCap    = 30 * time.Second
	BackoffJitter = 0.5
	MaxRetries    = 10
)

// backoffDelay computes the jittered delay before reconnect attempt n
// (0-based). The unjittered schedule is base, 2*base, 4*base... capped at
// BackoffCap.
func backoffDelay(attempt int, rng *rand.Rand) time.Duration {
	d := BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= BackoffCap {
			d = BackoffCap
			break
		}
	}

	// Jitter to within [d*(1-J), d*(1+J)].
	spread := float64(d) * BackoffJitter
	jittered := float64(d) - spread + rng.Float64()*2*spread
	return time.Duration(jittered)
}
