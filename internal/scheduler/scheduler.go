// Package scheduler plays a sheet against a beat-zero instant by
// scanning a lookahead window on a coarse tick and handing timed note
// events to a device. The device does the fine timing.
package scheduler

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/dalder6284/rtpc-app/internal/clock"
	"github.com/dalder6284/rtpc-app/internal/device"
	"github.com/dalder6284/rtpc-app/internal/sheet"
)

const (
	DefaultTick           = 200 * time.Millisecond
	DefaultLookaheadBeats = 2.0
)

// Sink receives timed note events.
type Sink interface {
	Schedule(e device.Event)
}

// Plan is one phase's playback for one seat.
type Plan struct {
	Sheet *sheet.File

	// BPM overrides the sheet's tempo when positive.
	BPM float64

	// CountIn shifts the sheet: sheet beat b plays at timeline beat
	// CountIn+b.
	CountIn int

	// BeatZero is timeline beat 0 on the local clock.
	BeatZero time.Time
}

// Options tunes a Scheduler.
type Options struct {
	Tick           time.Duration
	LookaheadBeats float64
	Clock          clock.Clock
	Logger         *slog.Logger
}

// Scheduler runs one Plan. Tick is not safe for concurrent use; Run
// calls it from a single goroutine.
type Scheduler struct {
	sink      Sink
	clock     clock.Clock
	logger    *slog.Logger
	tick      time.Duration
	lookahead float64

	events   []sheet.Event
	beatZero time.Time
	beatMs   float64
	countIn  float64
	end      float64

	last float64 // timeline beat the next window starts at
	next int     // first event not yet passed
}

// New prepares a Scheduler for plan.
func New(plan Plan, sink Sink, opts Options) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.LookaheadBeats <= 0 {
		opts.LookaheadBeats = DefaultLookaheadBeats
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	bpm := plan.BPM
	if bpm <= 0 {
		bpm = plan.Sheet.BPM
	}
	return &Scheduler{
		sink:      sink,
		clock:     opts.Clock,
		logger:    opts.Logger,
		tick:      opts.Tick,
		lookahead: opts.LookaheadBeats,
		events:    plan.Sheet.Events(),
		beatZero:  plan.BeatZero,
		beatMs:    60000 / bpm,
		countIn:   float64(plan.CountIn),
		end:       float64(plan.CountIn) + plan.Sheet.EndBeat,
	}
}

// at converts a timeline beat to a local instant.
func (s *Scheduler) at(beat float64) time.Time {
	return s.beatZero.Add(time.Duration(math.Round(beat * s.beatMs * float64(time.Millisecond))))
}

// Tick scans one lookahead window at now. It reports true once the
// window has passed the end of the sheet, after which the cursor is
// back at beat 0.
func (s *Scheduler) Tick(now time.Time) bool {
	elapsed := float64(now.Sub(s.beatZero)) / float64(time.Millisecond)
	current := elapsed / s.beatMs
	if current < 0 {
		return false
	}
	horizon := current + s.lookahead

	for ; s.next < len(s.events); s.next++ {
		e := s.events[s.next]
		beat := s.countIn + e.Start
		if beat >= horizon {
			break
		}
		if beat < s.last {
			continue
		}
		start := s.at(beat)
		if start.Before(now) {
			s.logger.Warn("late note dropped", "beat", e.Start, "pitch", e.Pitch, "late_ms", now.Sub(start).Milliseconds())
			continue
		}
		stop := s.at(beat + e.Beats())
		s.sink.Schedule(device.Event{At: start, Channel: uint8(e.Channel), Key: uint8(e.Pitch), Velocity: uint8(e.Velocity), On: true})
		s.sink.Schedule(device.Event{At: stop, Channel: uint8(e.Channel), Key: uint8(e.Pitch)})
	}
	s.last = horizon

	if s.last >= s.end {
		s.last, s.next = 0, 0
		return true
	}
	return false
}

// Run ticks until the sheet ends or ctx is done. A tick that is still
// running when the next is due causes that tick to be skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.tick)
	defer ticker.Stop()

	if s.Tick(s.clock.Now()) {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.Tick(s.clock.Now()) {
				s.logger.Debug("sheet finished")
				return nil
			}
		}
	}
}
