// Package device is the boundary between the scheduler and whatever
// renders notes. The scheduler hands over timed note events; a device
// is responsible for firing them at the right instant.
package device

import (
	"container/heap"
	"log/slog"
	"time"
)

// Event is a note-on or note-off due at At.
type Event struct {
	At       time.Time
	Channel  uint8
	Key      uint8
	Velocity uint8
	On       bool
}

// Device accepts timed events. Implementations must be safe for
// concurrent use.
type Device interface {
	// Schedule queues e for playback at e.At.
	Schedule(e Event)

	// Clear drops every queued event and silences sounding notes.
	Clear()

	// LoadPatch prepares the instrument named id from its bytes.
	LoadPatch(id string, data []byte) error
}

// queue orders events by due time; ties keep note-offs first so a
// repeated key is released before it is struck again.
type queue []Event

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	if q[i].At.Equal(q[j].At) {
		return !q[i].On && q[j].On
	}
	return q[i].At.Before(q[j].At)
}
func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *queue) Push(x any)   { *q = append(*q, x.(Event)) }
func (q *queue) Pop() any {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}

func (q *queue) push(e Event) { heap.Push(q, e) }

// popDue removes and returns the earliest event if it is due at t.
func (q *queue) popDue(t time.Time) (Event, bool) {
	if q.Len() == 0 || t.Before((*q)[0].At) {
		return Event{}, false
	}
	return heap.Pop(q).(Event), true
}

// Log is a Device that only logs. Seats without an output port use it.
type Log struct {
	Logger *slog.Logger
}

func (d Log) Schedule(e Event) {
	d.Logger.Debug("note", "on", e.On, "channel", e.Channel, "key", e.Key, "velocity", e.Velocity, "at", e.At.UnixMilli())
}

func (d Log) Clear() { d.Logger.Debug("device cleared") }

func (d Log) LoadPatch(id string, data []byte) error {
	d.Logger.Info("patch loaded", "patch", id, "bytes", len(data))
	return nil
}
