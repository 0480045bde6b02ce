package channel

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// LinearBackOff waits base × attempt before each retry.
type LinearBackOff struct {
	Base    time.Duration
	attempt int
}

// NextBackOff implements backoff.BackOff.
func (b *LinearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.Base * time.Duration(b.attempt)
}

// Reset implements backoff.BackOff.
func (b *LinearBackOff) Reset() {
	b.attempt = 0
}

// newPolicy bounds the linear policy to maxAttempts retries, after which
// NextBackOff returns backoff.Stop.
func newPolicy(base time.Duration, maxAttempts int) backoff.BackOff {
	return backoff.WithMaxRetries(&LinearBackOff{Base: base}, uint64(maxAttempts))
}
