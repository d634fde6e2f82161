package client

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: exponential growth from Base by Factor
// up to Cap, with up to Jitter fraction of random spread so a fleet of
// clients does not reconnect in lockstep.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	Jitter float64
}

// DefaultBackoff matches the delays servers expect from well-behaved
// clients.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   500 * time.Millisecond,
		Factor: 2,
		Cap:    30 * time.Second,
		Jitter: 0.25,
	}
}

// SpreadAdvised maps a server-advised reconnect delay to a uniformly random
// point in [d/2, d]. Every client of a restarting fleet receives the same
// advised value; spreading it keeps them from all dialing back at the same
// instant.
func SpreadAdvised(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := float64(d) / 2
	return time.Duration(half + rand.Float64()*half)
}

// Delay returns the wait before reconnect attempt n (first retry is n=0).
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Base)
	for i := 0; i < attempt; i++ {
		d *= b.Factor
		if d >= float64(b.Cap) {
			d = float64(b.Cap)
			break
		}
	}
	if b.Jitter > 0 {
		spread := d * b.Jitter
		d = d - spread/2 + rand.Float64()*spread
	}
	if d < 0 {
		d = 0
	}
	if d > float64(b.Cap) {
		d = float64(b.Cap)
	}
	return time.Duration(d)
}
