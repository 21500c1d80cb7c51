// Package backoff implements the exponential retry delay policy shared by the
// enrichment queue and the sync reconciler.
package backoff

import "time"

// Policy computes retry delays: Initial doubled per attempt, capped at Max.
// The zero value is unusable; use [Default] or fill all fields.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max caps the computed delay.
	Max time.Duration

	// Attempts is the total number of tries allowed, the first included.
	Attempts int
}

// Default returns the standard policy: 1s initial, 60s cap, 3 attempts.
func Default() Policy {
	return Policy{
		Initial:  time.Second,
		Max:      60 * time.Second,
		Attempts: 3,
	}
}

// Delay returns the wait before retry number attempt (1-based: attempt 1 is
// the first retry). Attempts below 1 are treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Exhausted reports whether attempt (1-based count of tries already made)
// has consumed the attempt budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.Attempts
}
