// Package seat is the client side of the protocol: it holds a seat,
// synchronizes its clock, keeps its assets current and plays the
// phases assigned to it.
//
// Everything a seat knows about one connection is owned by a single
// event loop. Socket reads, clock probes, cache I/O and the scheduler
// run on their own goroutines and report back to the loop through a
// channel, so the loop's state needs no locks.
package seat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/dalder6284/rtpc-app/internal/clock"
	"github.com/dalder6284/rtpc-app/internal/clocksync"
	"github.com/dalder6284/rtpc-app/internal/device"
	"github.com/dalder6284/rtpc-app/internal/protocol"
	"github.com/dalder6284/rtpc-app/internal/scheduler"
	"github.com/dalder6284/rtpc-app/internal/transfer"
)

// ErrSeatTaken means another device holds the seat. Reconnecting will
// not help.
var ErrSeatTaken = errors.New("seat is already taken")

// State is where a seat is in its lifecycle.
type State int32

const (
	Joining State = iota
	Syncing
	Ready
	Playing
	Closed
)

func (s State) String() string {
	switch s {
	case Joining:
		return "joining"
	case Syncing:
		return "syncing"
	case Ready:
		return "ready"
	case Playing:
		return "playing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Cache stores assets between connections. *assetcache.Cache
// satisfies it.
type Cache interface {
	Get(k transfer.Key) ([]byte, bool, error)
	Put(k transfer.Key, data []byte) error
	Hashes() (map[transfer.Key]string, error)
}

// Options configures a Seat. Zero values take defaults.
type Options struct {
	Seat   protocol.Seat
	Cache  Cache
	Device device.Device
	Clock  clock.Clock
	Logger *slog.Logger

	SyncThreshold time.Duration
	SyncInterval  time.Duration
	SyncJitter    time.Duration
	MaxProbes     int
	OffsetPolicy  clocksync.OffsetPolicy

	Tick           time.Duration
	LookaheadBeats float64

	// Encoding is asked of the coordinator for every asset.
	Encoding transfer.Encoding

	// MaxRetries bounds re-requests of a failed asset per manifest.
	MaxRetries int

	// Heartbeat is the ping interval. The link is considered dead
	// after three intervals without traffic.
	Heartbeat time.Duration

	NewTransferID func() string
}

// Seat is one performer slot. Its session id survives reconnects, so
// Run can be called again with a fresh connection to rejoin.
type Seat struct {
	opts Options

	mu        sync.Mutex
	sessionID string

	state atomic.Int32
}

// New returns a Seat that has not connected yet.
func New(opts Options) *Seat {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Device == nil {
		opts.Device = device.Log{Logger: opts.Logger}
	}
	if opts.SyncThreshold <= 0 {
		opts.SyncThreshold = clocksync.DefaultThreshold
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = clocksync.DefaultInterval
		opts.SyncJitter = clocksync.DefaultJitter
	}
	if opts.OffsetPolicy == "" {
		opts.OffsetPolicy = clocksync.Freeze
	}
	if opts.Tick <= 0 {
		opts.Tick = scheduler.DefaultTick
	}
	if opts.LookaheadBeats <= 0 {
		opts.LookaheadBeats = scheduler.DefaultLookaheadBeats
	}
	if opts.Encoding == "" {
		opts.Encoding = transfer.None
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 20 * time.Second
	}
	if opts.NewTransferID == nil {
		opts.NewTransferID = uuid.NewString
	}
	s := &Seat{opts: opts}
	s.state.Store(int32(Closed))
	return s
}

// SessionID returns the current session id, or "" before a join.
func (s *Seat) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Seat) setSessionID(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

// State reports the seat's lifecycle state.
func (s *Seat) State() State { return State(s.state.Load()) }

// Run serves one connection until it fails, ctx is done, or the seat
// is refused. Playback and transfers never outlive it. It returns
// ErrSeatTaken if the coordinator will not grant the seat.
func (s *Seat) Run(ctx context.Context, ws *websocket.Conn) error {
	parent := ctx
	group, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l := newLoop(s, ctx, group)
	group.Go(func() error {
		defer cancel()
		return l.readPump(ws)
	})
	group.Go(func() error { return l.writePump(ws) })
	group.Go(func() error {
		<-ctx.Done()
		ws.Close()
		return nil
	})

	loopErr := l.run()
	l.teardown()
	cancel()
	connErr := group.Wait()
	s.state.Store(int32(Closed))

	switch {
	case loopErr != nil:
		return loopErr
	case parent.Err() != nil:
		return parent.Err()
	case connErr != nil:
		return connErr
	}
	return errors.New("connection closed")
}
