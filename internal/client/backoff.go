package client

import "time"

// Backoff yields capped exponential reconnect delays: min(d0*2^k, dmax) for
// the k-th consecutive failure.
type Backoff struct {
	min  time.Duration
	max  time.Duration
	next time.Duration
}

func NewBackoff(min, max time.Duration) *Backoff {
	if max < min {
		max = min
	}
	return &Backoff{min: min, max: max, next: min}
}

// Next returns the delay for the current failure and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.next
	if b.next > b.max/2 {
		b.next = b.max
	} else {
		b.next *= 2
	}
	return d
}

// Reset returns the sequence to its minimum after a successful connection.
func (b *Backoff) Reset() {
	b.next = b.min
}
