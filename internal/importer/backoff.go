package importer

import (
	"crypto/rand"
	"math/big"
	"time"
)

// Backoff computes exponential retry delays, optionally jittered, capped at
// Max. Delay(n) doubles with n, so without jitter consecutive delays are
// non-decreasing; with jitter each delay stays within [raw/2, raw) and
// never exceeds Max.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
}

// NewBackoff builds a Backoff with jitter enabled, substituting defaults
// for non-positive values.
func NewBackoff(base, maxDelay time.Duration) *Backoff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &Backoff{Base: base, Max: maxDelay, Jitter: true}
}

// Delay returns the wait before the next attempt given the number of
// consecutive failures so far (1 for the first retry).
func (b *Backoff) Delay(consecutive int) time.Duration {
	if consecutive < 1 {
		consecutive = 1
	}
	raw := b.Base
	for i := 1; i < consecutive; i++ {
		raw *= 2
		if raw >= b.Max || raw < 0 {
			raw = b.Max
			break
		}
	}
	if raw > b.Max {
		raw = b.Max
	}
	if !b.Jitter {
		return raw
	}
	half := raw / 2
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
