// Package backoff computes reconnect delays for transient connection failures.
package backoff

import "time"

// Policy doubles a delay on every consecutive failure, capped at Max.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
}

// Next returns the delay that follows cur: min(cur*2, Max).
// A zero or negative cur starts from Initial.
func (p Policy) Next(cur time.Duration) time.Duration {
	if cur <= 0 {
		return p.clamp(p.Initial)
	}
	next := cur * 2
	if next < cur { // overflow
		return p.Max
	}
	return p.clamp(next)
}

// Reset returns the delay used after a successful connection.
func (p Policy) Reset() time.Duration {
	return p.clamp(p.Initial)
}

func (p Policy) clamp(d time.Duration) time.Duration {
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}
