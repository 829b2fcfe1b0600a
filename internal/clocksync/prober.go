package clocksync

import (
	"context"
	"math/rand"
	"time"

	"github.com/dalder6284/rtpc-app/internal/clock"
)

// Prober sends probes on a jittered interval so many seats do not
// probe in lockstep.
type Prober struct {
	Interval time.Duration
	Jitter   time.Duration
	Clock    clock.Clock

	// Rand returns values in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// Next returns the delay before the next probe, uniformly distributed
// in [Interval-Jitter, Interval+Jitter].
func (p *Prober) Next() time.Duration {
	r := rand.Float64
	if p.Rand != nil {
		r = p.Rand
	}
	d := p.Interval + time.Duration((2*r()-1)*float64(p.Jitter))
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// Run sends a probe immediately and then after every Next delay, until
// ctx is done or send fails. send receives the local send time in Unix
// milliseconds.
func (p *Prober) Run(ctx context.Context, send func(clientTime int64) error) error {
	c := p.Clock
	if c == nil {
		c = clock.Real()
	}
	for {
		if err := send(clock.Millis(c.Now())); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.After(p.Next()):
		}
	}
}
