// Package coordinator serves seats over websockets: it arbitrates
// seats, answers clock probes, streams assets and broadcasts phases.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dalder6284/rtpc-app/internal/catalog"
	"github.com/dalder6284/rtpc-app/internal/clock"
	"github.com/dalder6284/rtpc-app/internal/protocol"
	"github.com/dalder6284/rtpc-app/internal/session"
	"github.com/dalder6284/rtpc-app/internal/transfer"
)

// ErrUnknownPhase is returned by StartPhase for an id not in the
// catalog.
var ErrUnknownPhase = errors.New("unknown phase")

// Publisher mirrors broadcasts to an external channel. *redis.Client
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Options configures a Coordinator. Zero values take defaults.
type Options struct {
	Registry  *session.Registry
	Source    catalog.Source
	Clock     clock.Clock
	Logger    *slog.Logger
	StartLead time.Duration
	ChunkSize int
	PongWait  time.Duration

	// Events, when set, receives every broadcast on EventsChannel.
	Events        Publisher
	EventsChannel string
}

// Coordinator is the server side of the protocol.
type Coordinator struct {
	registry  *session.Registry
	source    catalog.Source
	clock     clock.Clock
	logger    *slog.Logger
	sender    transfer.Sender
	startLead time.Duration
	pongWait  time.Duration
	events    Publisher
	eventsCh  string
	upgrader  websocket.Upgrader

	ctx  context.Context
	stop context.CancelFunc

	catalogMu sync.RWMutex
	catalog   *catalog.Catalog

	mu      sync.Mutex
	conns   map[*conn]bool
	bound   map[string]*conn // session id to its connection
	current *protocol.PhaseStart
}

// New returns a Coordinator serving cat.
func New(cat *catalog.Catalog, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = session.NewRegistry(session.WithClock(opts.Clock))
	}
	if opts.StartLead <= 0 {
		opts.StartLead = 3 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.EventsChannel == "" {
		opts.EventsChannel = "rtpc:events"
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Coordinator{
		registry:  opts.Registry,
		source:    opts.Source,
		clock:     opts.Clock,
		logger:    opts.Logger,
		sender:    transfer.Sender{ChunkSize: opts.ChunkSize},
		startLead: opts.StartLead,
		pongWait:  opts.PongWait,
		events:    opts.Events,
		eventsCh:  opts.EventsChannel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:     ctx,
		stop:    stop,
		catalog: cat,
		conns:   make(map[*conn]bool),
		bound:   make(map[string]*conn),
	}
}

// Close drops every connection.
func (c *Coordinator) Close() { c.stop() }

// Catalog returns the current catalog snapshot.
func (c *Coordinator) Catalog() *catalog.Catalog {
	c.catalogMu.RLock()
	defer c.catalogMu.RUnlock()
	return c.catalog
}

// ServeWS upgrades the request and serves the seat until it goes away.
func (c *Coordinator) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	group, ctx := errgroup.WithContext(c.ctx)
	ctx, cancel := context.WithCancel(ctx)
	cn := &conn{
		ws:      ws,
		send:    make(chan frame, sendBuffer),
		ctx:     ctx,
		cancel:  cancel,
		group:   group,
		logger:  c.logger.With("remote", r.RemoteAddr),
		streams: make(map[transfer.Key]*stream),
	}
	c.register(cn)
	cn.logger.Info("seat connected")

	group.Go(cn.writePump)
	group.Go(func() error {
		defer cancel()
		return cn.readPump(c.pongWait, func(data []byte) { c.handle(cn, data) })
	})
	group.Go(func() error {
		// Unblocks the read pump on shutdown or a dropped send buffer.
		<-ctx.Done()
		ws.Close()
		return nil
	})
	err = group.Wait()
	c.unregister(cn)
	cn.logger.Info("seat disconnected", "error", err)
}

func (c *Coordinator) register(cn *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[cn] = true
}

// unregister forgets cn. Its session survives for a later rejoin.
func (c *Coordinator) unregister(cn *conn) {
	cn.cancelStreams()
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, cn)
	if cn.sessionID != "" && c.bound[cn.sessionID] == cn {
		delete(c.bound, cn.sessionID)
	}
	cn.sessionID = ""
}

// bind attaches s to cn. A previous holder of the session loses it and
// its transfers; a different session previously held by cn is released.
func (c *Coordinator) bind(cn *conn, s session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cn.sessionID != "" && cn.sessionID != s.ID {
		c.registry.Release(cn.sessionID)
		delete(c.bound, cn.sessionID)
		cn.cancelStreams()
	}
	if old, ok := c.bound[s.ID]; ok && old != cn {
		old.logger.Info("session moved to another connection", "session", s.ID)
		old.sessionID = ""
		old.manifest = nil
		old.cancelStreams()
	}
	c.bound[s.ID] = cn
	cn.sessionID = s.ID
	cn.seat = s.Seat
	cn.manifest = nil
}

// boundSession returns cn's session if it is still live.
func (c *Coordinator) boundSession(cn *conn) (session.Session, bool) {
	c.mu.Lock()
	id := cn.sessionID
	c.mu.Unlock()
	if id == "" {
		return session.Session{}, false
	}
	return c.registry.Lookup(id)
}

func (c *Coordinator) handle(cn *conn, data []byte) {
	m, err := protocol.Decode(data)
	if err != nil {
		cn.logger.Debug("bad message", "error", err)
		switch {
		case errors.Is(err, protocol.ErrUnknownType):
			cn.replyError(protocol.ErrTextUnknownType)
		case errors.Is(err, protocol.ErrInvalidSeat):
			cn.replyError(protocol.ErrTextInvalidSeat)
		default:
			cn.replyError(protocol.ErrTextInvalidJSON)
		}
		return
	}

	switch m := m.(type) {
	case protocol.Join:
		c.handleJoin(cn, m)
	case protocol.Rejoin:
		c.handleRejoin(cn, m)
	case protocol.Leave:
		c.handleLeave(cn, m)
	case protocol.TimeRequest:
		cn.reply(protocol.TimeResult{ClientTime: m.ClientTime, ServerTime: clock.Millis(c.clock.Now())})
	case protocol.Ready:
		c.handleReady(cn, m)
	case protocol.FileRequest:
		c.handleFileRequest(cn, m)
	case protocol.Ping:
		cn.reply(protocol.Pong{})
	case protocol.Pong:
	case protocol.Joined, protocol.TimeResult, protocol.FileManifest,
		protocol.PhaseStart, protocol.PhaseStop, protocol.Error:
		cn.logger.Debug("ignoring coordinator-bound message from seat", "type", m.MessageType())
		cn.replyError(protocol.ErrTextUnknownType)
	}
}

func (c *Coordinator) handleJoin(cn *conn, m protocol.Join) {
	s, err := c.registry.Join(m.Seat)
	if err != nil {
		cn.logger.Info("join refused", "seat", m.Seat, "error", err)
		cn.replyError(errorText(err))
		return
	}
	c.bind(cn, s)
	cn.logger.Info("seat joined", "seat", s.Seat, "session", s.ID)
	cn.reply(joined(s))
}

func (c *Coordinator) handleRejoin(cn *conn, m protocol.Rejoin) {
	s, err := c.registry.Rejoin(m.ID)
	if err != nil {
		cn.logger.Info("rejoin refused", "session", m.ID, "error", err)
		cn.replyError(errorText(err))
		return
	}
	c.bind(cn, s)
	cn.logger.Info("seat rejoined", "seat", s.Seat, "session", s.ID)
	cn.reply(joined(s))
}

func (c *Coordinator) handleLeave(cn *conn, m protocol.Leave) {
	c.mu.Lock()
	own := m.ID != "" && cn.sessionID == m.ID
	if own {
		delete(c.bound, m.ID)
		cn.sessionID = ""
		cn.manifest = nil
	}
	c.mu.Unlock()
	if !own {
		cn.replyError(protocol.ErrTextInvalidSession)
		return
	}
	cn.cancelStreams()
	c.registry.Release(m.ID)
	cn.logger.Info("seat released", "seat", cn.seat, "session", m.ID)
}

func (c *Coordinator) handleReady(cn *conn, m protocol.Ready) {
	if m.ID == "" {
		cn.replyError(protocol.ErrTextMissingID)
		return
	}
	s, ok := c.registry.Lookup(m.ID)
	if !ok {
		cn.replyError(protocol.ErrTextInvalidSession)
		return
	}
	manifest := c.Catalog().ManifestFor(s.Seat)

	c.mu.Lock()
	if cn.sessionID == s.ID {
		cn.manifest = &manifest
	}
	current := c.current
	c.mu.Unlock()

	cn.logger.Info("sending manifest", "seat", s.Seat, "patches", len(manifest.PatchFiles), "sheets", len(manifest.SheetFiles))
	cn.reply(manifest)
	if current != nil {
		cn.reply(*current)
	}
}

func (c *Coordinator) handleFileRequest(cn *conn, m protocol.FileRequest) {
	if _, ok := c.boundSession(cn); !ok {
		cn.replyError(protocol.ErrTextInvalidSession)
		return
	}
	name := m.AssetName()
	if name == "" {
		cn.replyError(protocol.ErrTextMissingID)
		return
	}
	if !m.Kind.Valid() {
		cn.replyError(protocol.ErrTextUnknownKind)
		return
	}
	asset, ok := c.Catalog().Asset(m.Kind, name)
	if !ok {
		cn.replyError(protocol.ErrTextFileNotFound)
		return
	}

	k := transfer.Key{Kind: m.Kind, Name: name}
	ctx, done := cn.startStream(k)
	cn.group.Go(func() error {
		defer done()
		err := c.sender.Stream(ctx, m, asset.Data, func(frame []byte) error {
			return cn.enqueue(ctx, websocket.BinaryMessage, frame)
		})
		switch {
		case err == nil:
			cn.logger.Debug("asset sent", "asset", k, "bytes", len(asset.Data))
		case errors.Is(err, context.Canceled):
			cn.logger.Debug("asset transfer abandoned", "asset", k)
		default:
			cn.logger.Warn("asset transfer failed", "asset", k, "error", err)
		}
		return nil
	})
}

func joined(s session.Session) protocol.Joined {
	return protocol.Joined{ID: s.ID, Seat: s.Seat, ExpiresAt: clock.Millis(s.ExpiresAt)}
}

// errorText maps registry failures to the texts seats recognise.
func errorText(err error) string {
	switch {
	case errors.Is(err, session.ErrSeatTaken):
		return protocol.ErrTextSeatTaken
	case errors.Is(err, session.ErrInvalidSession):
		return protocol.ErrTextInvalidSession
	}
	return err.Error()
}

// broadcast sends m to every connection holding a session.
func (c *Coordinator) broadcast(m protocol.Message) int {
	data, err := protocol.Encode(m)
	if err != nil {
		c.logger.Error("encoding broadcast", "type", m.MessageType(), "error", err)
		return 0
	}
	c.mu.Lock()
	targets := make([]*conn, 0, len(c.bound))
	for _, cn := range c.bound {
		targets = append(targets, cn)
	}
	c.mu.Unlock()

	sent := 0
	for _, cn := range targets {
		if cn.trySend(data) == nil {
			sent++
		}
	}
	if c.events != nil {
		if err := c.events.Publish(c.ctx, c.eventsCh, data).Err(); err != nil {
			c.logger.Warn("publishing broadcast", "channel", c.eventsCh, "error", err)
		}
	}
	return sent
}

// StartPhase broadcasts phase id with beat zero StartLead from now.
func (c *Coordinator) StartPhase(id string) (protocol.PhaseStart, error) {
	p, ok := c.Catalog().Phase(id)
	if !ok {
		return protocol.PhaseStart{}, fmt.Errorf("%w: %q", ErrUnknownPhase, id)
	}
	assignments := make(map[protocol.Seat]protocol.Assignment, len(p.Assignments))
	for seat, a := range p.Assignments {
		assignments[seat] = a
	}
	start := protocol.PhaseStart{
		PhaseID:     p.ID,
		Name:        p.Name,
		BPM:         p.BPM,
		CountIn:     p.CountIn,
		StartTime:   clock.Millis(c.clock.Now().Add(c.startLead)),
		Assignments: assignments,
	}
	c.mu.Lock()
	c.current = &start
	c.mu.Unlock()

	n := c.broadcast(start)
	c.logger.Info("phase started", "phase", p.ID, "name", p.Name, "start_time", start.StartTime, "seats", n)
	return start, nil
}

// StopPhase broadcasts phase_stop.
func (c *Coordinator) StopPhase() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
	n := c.broadcast(protocol.PhaseStop{})
	c.logger.Info("phase stopped", "seats", n)
}

// CurrentPhase returns the last phase started and not stopped.
func (c *Coordinator) CurrentPhase() (protocol.PhaseStart, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return protocol.PhaseStart{}, false
	}
	return *c.current, true
}

// Reload swaps in a fresh catalog from the source and resends the
// manifest to every ready seat whose asset set changed. It returns the
// number of seats notified.
func (c *Coordinator) Reload(ctx context.Context) (int, error) {
	if c.source == nil {
		return 0, errors.New("no catalog source configured")
	}
	next, err := c.source.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading catalog: %w", err)
	}
	if next == nil {
		return 0, errors.New("catalog source returned no catalog")
	}
	c.catalogMu.Lock()
	c.catalog = next
	c.catalogMu.Unlock()

	type update struct {
		cn       *conn
		manifest protocol.FileManifest
	}
	var updates []update
	c.mu.Lock()
	for _, cn := range c.bound {
		if cn.manifest == nil {
			continue
		}
		manifest := next.ManifestFor(cn.seat)
		if catalog.SameManifest(*cn.manifest, manifest) {
			continue
		}
		cn.manifest = &manifest
		updates = append(updates, update{cn, manifest})
	}
	c.mu.Unlock()

	for _, u := range updates {
		u.cn.logger.Info("assignments changed, resending manifest", "seat", u.manifest.Seat)
		u.cn.reply(u.manifest)
	}
	c.logger.Info("catalog reloaded", "phases", len(next.Phases()), "notified", len(updates))
	return len(updates), nil
}

// Sweep expires stale sessions. A connection still bound to one is
// told its id is no longer valid.
func (c *Coordinator) Sweep() int {
	expired := c.registry.ExpireSweep()
	for _, s := range expired {
		c.mu.Lock()
		cn, ok := c.bound[s.ID]
		if ok {
			delete(c.bound, s.ID)
			cn.sessionID = ""
			cn.manifest = nil
		}
		c.mu.Unlock()
		if ok {
			cn.cancelStreams()
			cn.replyError(protocol.ErrTextInvalidSession)
		}
		c.logger.Info("session expired", "seat", s.Seat, "session", s.ID)
	}
	return len(expired)
}

// Run sweeps sessions every interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// SeatStatus is one row of the seats API.
type SeatStatus struct {
	Seat      protocol.Seat `json:"seat"`
	Session   string        `json:"session"`
	ExpiresAt int64         `json:"expiresAt"`
	Connected bool          `json:"connected"`
	Streams   int           `json:"streams"`
}

// Seats reports every live session.
func (c *Coordinator) Seats() []SeatStatus {
	sessions := c.registry.Sessions()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SeatStatus, 0, len(sessions))
	for _, s := range sessions {
		row := SeatStatus{Seat: s.Seat, Session: s.ID, ExpiresAt: clock.Millis(s.ExpiresAt)}
		if cn, ok := c.bound[s.ID]; ok {
			row.Connected = true
			row.Streams = cn.activeStreams()
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seat < out[j].Seat })
	return out
}
