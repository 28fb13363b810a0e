package broker

import "time"

// backoff produces a bounded, monotonically increasing reconnect delay.
// It starts at the configured floor (spec §4.1: "bounded backoff starting
// ~5s") and doubles up to a ceiling, mirroring the teacher's retry-delay
// shape in httpkit's retryTransport but applied to connection attempts
// instead of individual requests.
type backoff struct {
	floor   time.Duration
	ceiling time.Duration
	current time.Duration
}

func newBackoff(floor, ceiling time.Duration) *backoff {
	return &backoff{floor: floor, ceiling: ceiling, current: floor}
}

// next returns the delay to wait before the next attempt and advances
// the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.ceiling {
		b.current = b.ceiling
	}
	return d
}

// reset returns the backoff to its floor after a successful connection.
func (b *backoff) reset() {
	b.current = b.floor
}
