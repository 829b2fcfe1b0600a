// Package clocksync estimates a seat's clock offset from the
// coordinator using round-trip probes.
//
// Each probe carries the seat's send time; the coordinator echoes it
// with its own receipt time. The sample with the smallest round trip is
// taken to have the most symmetric path, so half of it approximates the
// one-way delay:
//
//	rtt       = now - client_time
//	tolerance = min(rtt) / 2
//	offset    = server_time + tolerance - now
//
// Adding offset to a local time gives the coordinator's time.
package clocksync

import (
	"fmt"
	"time"
)

const (
	DefaultThreshold = 15 * time.Millisecond
	DefaultInterval  = 500 * time.Millisecond
	DefaultJitter    = 100 * time.Millisecond
	DefaultMaxProbes = 40
)

// OffsetPolicy decides what happens to the offset once sync completes.
type OffsetPolicy string

const (
	// Freeze keeps the offset computed by the completing sample.
	Freeze OffsetPolicy = "freeze"

	// Track keeps recomputing the offset from every later sample.
	Track OffsetPolicy = "track"
)

// ParseOffsetPolicy accepts "freeze", "track" or "" (freeze).
func ParseOffsetPolicy(s string) (OffsetPolicy, error) {
	switch OffsetPolicy(s) {
	case "", Freeze:
		return Freeze, nil
	case Track:
		return Track, nil
	}
	return "", fmt.Errorf("unknown offset policy %q", s)
}

// Estimator accumulates probe samples for one session. It is not safe
// for concurrent use; the seat's event loop owns it.
type Estimator struct {
	threshold int64
	maxProbes int
	policy    OffsetPolicy

	samples   []int64
	minRTT    int64
	offset    int64
	done      bool
	converged bool
}

// NewEstimator returns an empty Estimator. A maxProbes of zero or less
// means no budget.
func NewEstimator(threshold time.Duration, maxProbes int, policy OffsetPolicy) *Estimator {
	if policy == "" {
		policy = Freeze
	}
	return &Estimator{
		threshold: threshold.Milliseconds(),
		maxProbes: maxProbes,
		policy:    policy,
	}
}

// Observe records one probe result. All times are Unix milliseconds;
// now is the local receive time. It reports whether sync has completed.
func (e *Estimator) Observe(clientTime, serverTime, now int64) bool {
	if e.done && e.policy == Freeze {
		return true
	}

	rtt := now - clientTime
	if rtt < 0 {
		rtt = 0
	}
	e.samples = append(e.samples, rtt)
	if len(e.samples) == 1 || rtt < e.minRTT {
		e.minRTT = rtt
	}
	e.offset = serverTime + e.minRTT/2 - now

	if e.done {
		return true
	}
	switch {
	case rtt < e.threshold:
		e.done, e.converged = true, true
	case e.maxProbes > 0 && len(e.samples) >= e.maxProbes:
		e.done = true
	}
	return e.done
}

// Reset discards every sample.
func (e *Estimator) Reset() {
	e.samples = e.samples[:0]
	e.minRTT, e.offset = 0, 0
	e.done, e.converged = false, false
}

// Offset is the estimated coordinator time minus local time, in ms.
func (e *Estimator) Offset() int64 { return e.offset }

// MinRTT is the smallest round trip seen so far, in ms.
func (e *Estimator) MinRTT() int64 { return e.minRTT }

// Tolerance is MinRTT/2, the expected bound on the offset error.
func (e *Estimator) Tolerance() int64 { return e.minRTT / 2 }

// Samples returns the number of probes observed.
func (e *Estimator) Samples() int { return len(e.samples) }

// Done reports whether sync has completed.
func (e *Estimator) Done() bool { return e.done }

// Converged reports whether completion came from a sub-threshold round
// trip rather than an exhausted probe budget.
func (e *Estimator) Converged() bool { return e.converged }

// HasEstimate reports whether at least one sample has been observed.
func (e *Estimator) HasEstimate() bool { return len(e.samples) > 0 }
