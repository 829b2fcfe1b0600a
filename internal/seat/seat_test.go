package seat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dalder6284/rtpc-app/internal/catalog"
	"github.com/dalder6284/rtpc-app/internal/clock"
	"github.com/dalder6284/rtpc-app/internal/coordinator"
	"github.com/dalder6284/rtpc-app/internal/device"
	"github.com/dalder6284/rtpc-app/internal/protocol"
	"github.com/dalder6284/rtpc-app/internal/session"
	"github.com/dalder6284/rtpc-app/internal/transfer"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

const patchJSON = `{"program": 4}`

// sheetOf returns a sheet at 600 bpm (100ms a beat) with one note per
// beat, pitches counting up from 60.
func sheetOf(beats int) string {
	notes := make([]string, beats)
	for i := range notes {
		notes[i] = fmt.Sprintf(`{"pitch": %d, "velocity": 100, "start": %d, "duration": "16n"}`, 60+i%60, i)
	}
	return fmt.Sprintf(`{"bpm": 600, "end_beat": %d, "tracks": [{"channel": 2, "notes": [%s]}]}`, beats, strings.Join(notes, ","))
}

type recorder struct {
	mu      sync.Mutex
	events  []device.Event
	cleared int
	patches []string
}

func (r *recorder) Schedule(e device.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) Clear() {
	r.mu.Lock()
	r.cleared++
	r.mu.Unlock()
}

func (r *recorder) LoadPatch(id string, data []byte) error {
	r.mu.Lock()
	r.patches = append(r.patches, id)
	r.mu.Unlock()
	return nil
}

func (r *recorder) starts() []device.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var on []device.Event
	for _, e := range r.events {
		if e.On {
			on = append(on, e)
		}
	}
	return on
}

func (r *recorder) clears() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cleared
}

type memCache struct {
	mu   sync.Mutex
	data map[transfer.Key][]byte
	puts []transfer.Key
}

func newMemCache() *memCache { return &memCache{data: make(map[transfer.Key][]byte)} }

func (c *memCache) Get(k transfer.Key) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.data[k]
	return d, ok, nil
}

func (c *memCache) Put(k transfer.Key, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[k] = data
	c.puts = append(c.puts, k)
	return nil
}

func (c *memCache) Hashes() (map[transfer.Key]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[transfer.Key]string, len(c.data))
	for k, d := range c.data {
		out[k] = transfer.Digest(d)
	}
	return out, nil
}

func (c *memCache) stored() []transfer.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transfer.Key(nil), c.puts...)
}

type stage struct {
	coord    *coordinator.Coordinator
	url      string
	sessions *clock.FakeClock
}

func newStage(t *testing.T, sheetJSON string) *stage {
	t.Helper()
	cat, err := catalog.New(
		[]*catalog.Asset{
			{ID: "lead", Kind: protocol.KindPatch, Data: []byte(patchJSON)},
			{ID: "intro", Kind: protocol.KindSheet, Data: []byte(sheetJSON)},
		},
		[]*catalog.Phase{{
			ID: "p1", Name: "Opening", BPM: 600, CountIn: 4,
			Assignments: map[protocol.Seat]protocol.Assignment{
				4: {PatchID: "lead", SheetID: "intro"},
			},
		}},
	)
	if err != nil {
		t.Fatal(err)
	}
	sessions := clock.Fake(time.Now())
	c := coordinator.New(cat, coordinator.Options{
		Registry:  session.NewRegistry(session.WithClock(sessions), session.WithTTL(time.Minute)),
		Logger:    quiet,
		StartLead: 300 * time.Millisecond,
		ChunkSize: 64,
	})
	srv := httptest.NewServer(c.Handler())
	t.Cleanup(func() {
		c.Close()
		srv.Close()
	})
	return &stage{coord: c, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", sessions: sessions}
}

func (s *stage) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func newSeat(cache Cache, dev device.Device) *Seat {
	return New(Options{
		Seat:          4,
		Cache:         cache,
		Device:        dev,
		Logger:        quiet,
		SyncThreshold: 50 * time.Millisecond,
		SyncInterval:  20 * time.Millisecond,
		SyncJitter:    5 * time.Millisecond,
		MaxProbes:     10,
		Tick:          20 * time.Millisecond,
		Encoding:      transfer.Zstd,
		MaxRetries:    2,
		Heartbeat:     time.Second,
	})
}

// running is a Seat.Run in progress.
type running struct {
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, s *Seat, ws *websocket.Conn) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- s.Run(ctx, ws) }()
	t.Cleanup(func() {
		cancel()
		<-r.done
	})
	return r
}

func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		r.done <- err // for the cleanup
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSeatSyncsFetchesAndPlays(t *testing.T) {
	st := newStage(t, sheetOf(4))
	cache, rec := newMemCache(), &recorder{}
	s := newSeat(cache, rec)
	r := start(t, s, st.dial(t))

	waitFor(t, "ready", func() bool { return s.State() == Ready })
	if got := len(cache.stored()); got != 2 {
		t.Fatalf("stored %d assets, want 2", got)
	}
	sheetData, _, _ := cache.Get(transfer.Key{Kind: protocol.KindSheet, Name: "intro"})
	if string(sheetData) != sheetOf(4) {
		t.Fatalf("cached sheet = %q", sheetData)
	}

	if _, err := st.coord.StartPhase("p1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "playing", func() bool { return s.State() == Playing })
	waitFor(t, "four notes", func() bool { return len(rec.starts()) == 4 })
	waitFor(t, "sheet end", func() bool { return s.State() == Ready })

	on := rec.starts()
	for i, e := range on {
		if int(e.Key) != 60+i || e.Channel != 2 {
			t.Fatalf("note %d = %+v", i, e)
		}
		if i > 0 {
			if gap := e.At.Sub(on[i-1].At); gap != 100*time.Millisecond {
				t.Fatalf("note %d follows the last by %v, want 100ms", i, gap)
			}
		}
	}
	if len(rec.patches) != 1 || rec.patches[0] != "lead" {
		t.Fatalf("patches = %v", rec.patches)
	}

	if err := r.stop(t); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if s.State() != Closed {
		t.Fatalf("state after Run = %v", s.State())
	}
}

func TestSeatSkipsCachedAssets(t *testing.T) {
	st := newStage(t, sheetOf(4))
	cache := newMemCache()
	sheetKey := transfer.Key{Kind: protocol.KindSheet, Name: "intro"}
	cache.data[sheetKey] = []byte(sheetOf(4))
	// A stale patch is fetched again.
	cache.data[transfer.Key{Kind: protocol.KindPatch, Name: "lead"}] = []byte(`{"program": 1}`)

	s := newSeat(cache, &recorder{})
	start(t, s, st.dial(t))
	waitFor(t, "ready", func() bool { return s.State() == Ready })

	puts := cache.stored()
	if len(puts) != 1 || puts[0].Kind != protocol.KindPatch {
		t.Fatalf("stored %v, want only the patch", puts)
	}
}

func TestSeatTaken(t *testing.T) {
	st := newStage(t, sheetOf(4))
	holder := st.dial(t)
	data, _ := protocol.Encode(protocol.Join{Seat: 4})
	if err := holder.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
	holder.ReadMessage()

	s := newSeat(newMemCache(), &recorder{})
	r := start(t, s, st.dial(t))
	select {
	case err := <-r.done:
		r.done <- err
		if !errors.Is(err, ErrSeatTaken) {
			t.Fatalf("Run = %v, want ErrSeatTaken", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not give up on a taken seat")
	}
}

func TestSeatRejoinsOnReconnect(t *testing.T) {
	st := newStage(t, sheetOf(4))
	s := newSeat(newMemCache(), &recorder{})

	first := start(t, s, st.dial(t))
	waitFor(t, "ready", func() bool { return s.State() == Ready })
	id := s.SessionID()
	first.stop(t)

	start(t, s, st.dial(t))
	waitFor(t, "ready again", func() bool { return s.State() == Ready })
	if got := s.SessionID(); got != id {
		t.Fatalf("session after reconnect = %s, want %s", got, id)
	}
}

func TestSeatResetsOnExpiredSession(t *testing.T) {
	st := newStage(t, sheetOf(4))
	s := newSeat(newMemCache(), &recorder{})
	start(t, s, st.dial(t))
	waitFor(t, "ready", func() bool { return s.State() == Ready })
	old := s.SessionID()

	st.sessions.Advance(2 * time.Minute)
	if n := st.coord.Sweep(); n != 1 {
		t.Fatalf("swept %d sessions", n)
	}
	waitFor(t, "a new session", func() bool {
		id := s.SessionID()
		return id != "" && id != old && s.State() == Ready
	})
}

func TestPhaseStopSilencesDevice(t *testing.T) {
	st := newStage(t, sheetOf(200))
	rec := &recorder{}
	s := newSeat(newMemCache(), rec)
	start(t, s, st.dial(t))
	waitFor(t, "ready", func() bool { return s.State() == Ready })

	st.coord.StartPhase("p1")
	waitFor(t, "playing", func() bool { return s.State() == Playing })
	waitFor(t, "a note", func() bool { return len(rec.starts()) > 0 })
	st.coord.StopPhase()
	waitFor(t, "ready", func() bool { return s.State() == Ready })
	if rec.clears() == 0 {
		t.Fatal("device not cleared on phase stop")
	}

	n := len(rec.starts())
	time.Sleep(100 * time.Millisecond)
	if got := len(rec.starts()); got != n {
		t.Fatalf("%d notes scheduled after stop", got-n)
	}
}

func TestLateSeatJoinsRunningPhase(t *testing.T) {
	st := newStage(t, sheetOf(200))
	if _, err := st.coord.StartPhase("p1"); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	s := newSeat(newMemCache(), rec)
	r := start(t, s, st.dial(t))
	waitFor(t, "playing", func() bool { return s.State() == Playing })
	waitFor(t, "a note", func() bool { return len(rec.starts()) > 0 })

	r.stop(t)
	if rec.clears() == 0 {
		t.Fatal("device not cleared on disconnect")
	}
}
