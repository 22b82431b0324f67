package accounts

import "time"

// BackoffPolicy computes reconnect delays from the disconnect cause.
type BackoffPolicy struct {
	Default       time.Duration
	RateLimitBase time.Duration
	RateLimitMax  time.Duration
	Network       time.Duration
}

func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Default:       10 * time.Second,
		RateLimitBase: 60 * time.Second,
		RateLimitMax:  15 * time.Minute,
		Network:       30 * time.Second,
	}
}

// Next returns the delay before the next reconnect and the new attempt counter.
// Rate-limit disconnects double from RateLimitBase up to RateLimitMax and count
// attempts, network failures wait a fixed Network delay without touching the
// counter, and anything else waits Default and resets it.
func (p BackoffPolicy) Next(cause DisconnectCause, attempts int) (time.Duration, int) {
	switch cause {
	case CauseRateLimited:
		d := p.RateLimitBase
		for i := 0; i < attempts && d < p.RateLimitMax; i++ {
			d *= 2
		}
		if d > p.RateLimitMax {
			d = p.RateLimitMax
		}
		return d, attempts + 1
	case CauseNetworkUnreachable:
		return p.Network, attempts
	default:
		return p.Default, 0
	}
}
