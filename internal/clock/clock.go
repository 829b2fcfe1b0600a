// Package clock lets time-dependent code run against the wall clock in
// production and a hand-advanced clock in tests.
//
// Structs that read the time or wait on it take a Clock field instead
// of calling the time package directly:
//
//	s := &Registry{clock: clock.Real()}
//
// and tests drive them with a Fake:
//
//	c := clock.Fake(time.UnixMilli(0))
//	c.WaitForTimers(1)
//	c.Advance(200 * time.Millisecond)
package clock

import "time"

// Clock is the subset of the time package used by the coordinator and
// the seats.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed. If
	// d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a ticker firing every d. The channel has
	// capacity 1, so ticks are dropped, never queued, while the
	// consumer is busy.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C until Stop is called.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop}
}

// Millis returns t as Unix milliseconds, the unit used on the wire.
func Millis(t time.Time) int64 { return t.UnixMilli() }
