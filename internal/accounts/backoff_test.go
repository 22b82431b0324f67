package accounts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffNext(t *testing.T) {
	p := DefaultBackoff()

	tests := []struct {
		name         string
		cause        DisconnectCause
		attempts     int
		wantDelay    time.Duration
		wantAttempts int
	}{
		{"default resets", CauseConnectionLost, 4, 10 * time.Second, 0},
		{"replaced", CauseConnectionReplaced, 0, 10 * time.Second, 0},
		{"network keeps counter", CauseNetworkUnreachable, 3, 30 * time.Second, 3},
		{"rate limit first", CauseRateLimited, 0, time.Minute, 1},
		{"rate limit doubles", CauseRateLimited, 1, 2 * time.Minute, 2},
		{"rate limit third", CauseRateLimited, 3, 8 * time.Minute, 4},
		{"rate limit capped", CauseRateLimited, 4, 15 * time.Minute, 5},
		{"rate limit far past cap", CauseRateLimited, 60, 15 * time.Minute, 61},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, n := p.Next(tt.cause, tt.attempts)
			assert.Equal(t, tt.wantDelay, d)
			assert.Equal(t, tt.wantAttempts, n)
		})
	}
}

func TestBackoffRateLimitMonotonic(t *testing.T) {
	p := DefaultBackoff()
	prev := time.Duration(0)
	attempts := 0
	for i := 0; i < 20; i++ {
		var d time.Duration
		d, attempts = p.Next(CauseRateLimited, attempts)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, p.RateLimitMax)
		prev = d
	}
	assert.Equal(t, 20, attempts)
}
