package device

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"gitlab.com/gomidi/midi/v2"

	"github.com/dalder6284/rtpc-app/internal/clock"
)

type recorder struct {
	mu   sync.Mutex
	msgs []midi.Message
	got  chan struct{}
}

func newRecorder() *recorder { return &recorder{got: make(chan struct{}, 64)} }

func (r *recorder) send(msg midi.Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

func (r *recorder) messages() []midi.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]midi.Message(nil), r.msgs...)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestFlushInTimeOrder(t *testing.T) {
	c := clock.Fake(time.UnixMilli(0))
	r := newRecorder()
	d := NewMIDI(r.send, c, discard)

	at := func(ms int64) time.Time { return time.UnixMilli(ms) }
	d.Schedule(Event{At: at(300), Channel: 1, Key: 62, Velocity: 90, On: true})
	d.Schedule(Event{At: at(100), Channel: 1, Key: 60, Velocity: 100, On: true})
	d.Schedule(Event{At: at(200), Channel: 1, Key: 60})
	d.Schedule(Event{At: at(200), Channel: 1, Key: 60, Velocity: 80, On: true})

	if n := d.Flush(at(99)); n != 0 {
		t.Fatalf("Flush(99) sent %d, want 0", n)
	}
	if n := d.Flush(at(200)); n != 3 {
		t.Fatalf("Flush(200) sent %d, want 3", n)
	}

	want := []midi.Message{
		midi.NoteOn(1, 60, 100),
		midi.NoteOff(1, 60),
		midi.NoteOn(1, 60, 80),
	}
	got := r.messages()
	for i := range want {
		if got[i].String() != want[i].String() {
			t.Fatalf("message %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestClearSilencesSoundingNotes(t *testing.T) {
	c := clock.Fake(time.UnixMilli(0))
	r := newRecorder()
	d := NewMIDI(r.send, c, discard)

	d.Schedule(Event{At: time.UnixMilli(0), Channel: 2, Key: 40, Velocity: 100, On: true})
	d.Schedule(Event{At: time.UnixMilli(500), Channel: 2, Key: 40})
	d.Schedule(Event{At: time.UnixMilli(600), Channel: 2, Key: 41, Velocity: 100, On: true})
	d.Flush(time.UnixMilli(0))

	d.Clear()
	if n := d.Flush(time.UnixMilli(10_000)); n != 0 {
		t.Fatalf("Flush after Clear sent %d, want 0", n)
	}
	got := r.messages()
	if len(got) != 2 || got[1].String() != midi.NoteOff(2, 40).String() {
		t.Fatalf("messages = %v, want note on then note off for key 40", got)
	}
}

func TestLoadPatchProgramChange(t *testing.T) {
	r := newRecorder()
	d := NewMIDI(r.send, clock.Fake(time.UnixMilli(0)), discard)

	if err := d.LoadPatch("pad", []byte(`{"channel": 3, "program": 88}`)); err != nil {
		t.Fatalf("LoadPatch: %v", err)
	}
	if err := d.LoadPatch("rnbo", []byte(`{"patcher": {}}`)); err != nil {
		t.Fatalf("LoadPatch without program: %v", err)
	}
	if err := d.LoadPatch("bad", []byte(`{"channel": 30, "program": 1}`)); err == nil {
		t.Fatal("expected out of range error")
	}
	got := r.messages()
	if len(got) != 1 || got[0].String() != midi.ProgramChange(3, 88).String() {
		t.Fatalf("messages = %v", got)
	}
}

func TestRunFiresWhenDue(t *testing.T) {
	c := clock.Fake(time.UnixMilli(0))
	r := newRecorder()
	d := NewMIDI(r.send, c, discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Schedule(Event{At: time.UnixMilli(250), Channel: 0, Key: 64, Velocity: 70, On: true})
	c.WaitForTimers(1)
	c.Advance(250 * time.Millisecond)
	<-r.got

	cancel()
	<-done
	// Run silences the sounding note on the way out.
	<-r.got
	got := r.messages()
	if len(got) != 2 || got[0].String() != midi.NoteOn(0, 64, 70).String() || got[1].String() != midi.NoteOff(0, 64).String() {
		t.Fatalf("messages = %v", got)
	}
}
