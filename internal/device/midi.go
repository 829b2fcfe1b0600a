package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2"

	"github.com/dalder6284/rtpc-app/internal/clock"
)

// MIDI renders events as MIDI messages through send, which is normally
// the function returned by midi.SendTo for an open output port.
type MIDI struct {
	send   func(midi.Message) error
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	pending  queue
	sounding map[[2]uint8]bool // channel, key
	wake     chan struct{}
}

// NewMIDI returns a MIDI device. Call Run to start playback.
func NewMIDI(send func(midi.Message) error, c clock.Clock, logger *slog.Logger) *MIDI {
	return &MIDI{
		send:     send,
		clock:    c,
		logger:   logger,
		sounding: make(map[[2]uint8]bool),
		wake:     make(chan struct{}, 1),
	}
}

// Schedule implements Device.
func (d *MIDI) Schedule(e Event) {
	d.mu.Lock()
	d.pending.push(e)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Clear implements Device. Sounding notes get a note-off immediately.
func (d *MIDI) Clear() {
	d.mu.Lock()
	d.pending = d.pending[:0]
	sounding := d.sounding
	d.sounding = make(map[[2]uint8]bool)
	d.mu.Unlock()

	for note := range sounding {
		if err := d.send(midi.NoteOff(note[0], note[1])); err != nil {
			d.logger.Warn("midi note off failed", "channel", note[0], "key", note[1], "error", err)
		}
	}
}

// patchHeader is the part of a patch file the MIDI device understands.
type patchHeader struct {
	Channel *uint8 `json:"channel"`
	Program *uint8 `json:"program"`
}

// LoadPatch implements Device. A patch carrying "channel" and "program"
// selects that program; anything else is accepted as is.
func (d *MIDI) LoadPatch(id string, data []byte) error {
	var h patchHeader
	if err := json.Unmarshal(data, &h); err != nil || h.Program == nil {
		d.logger.Debug("patch has no program change", "patch", id)
		return nil
	}
	channel := uint8(0)
	if h.Channel != nil {
		channel = *h.Channel
	}
	if channel > 15 || *h.Program > 127 {
		return fmt.Errorf("patch %s: channel %d program %d out of range", id, channel, *h.Program)
	}
	if err := d.send(midi.ProgramChange(channel, *h.Program)); err != nil {
		return fmt.Errorf("patch %s: program change: %w", id, err)
	}
	d.logger.Info("patch selected", "patch", id, "channel", channel, "program", *h.Program)
	return nil
}

// Flush sends every event due at t and returns how many went out.
func (d *MIDI) Flush(t time.Time) int {
	sent := 0
	for {
		d.mu.Lock()
		e, ok := d.pending.popDue(t)
		if ok {
			note := [2]uint8{e.Channel, e.Key}
			if e.On {
				d.sounding[note] = true
			} else {
				delete(d.sounding, note)
			}
		}
		d.mu.Unlock()
		if !ok {
			return sent
		}

		msg := midi.NoteOff(e.Channel, e.Key)
		if e.On {
			msg = midi.NoteOn(e.Channel, e.Key, e.Velocity)
		}
		if err := d.send(msg); err != nil {
			d.logger.Warn("midi send failed", "message", msg.String(), "error", err)
			continue
		}
		sent++
	}
}

// next returns the delay until the earliest pending event.
func (d *MIDI) next(now time.Time) (time.Duration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending.Len() == 0 {
		return 0, false
	}
	return d.pending[0].At.Sub(now), true
}

// Run fires events as they fall due until ctx is done, then silences
// everything.
func (d *MIDI) Run(ctx context.Context) error {
	defer d.Clear()
	for {
		now := d.clock.Now()
		d.Flush(now)

		var due <-chan time.Time
		if delay, ok := d.next(now); ok {
			due = d.clock.After(delay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
		case <-due:
		}
	}
}
