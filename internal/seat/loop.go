package seat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/dalder6284/rtpc-app/internal/clock"
	"github.com/dalder6284/rtpc-app/internal/clocksync"
	"github.com/dalder6284/rtpc-app/internal/protocol"
	"github.com/dalder6284/rtpc-app/internal/scheduler"
	"github.com/dalder6284/rtpc-app/internal/sheet"
	"github.com/dalder6284/rtpc-app/internal/transfer"
)

const (
	writeWait = 10 * time.Second
	outBuffer = 64
)

type inbound struct {
	binary bool
	data   []byte
}

// Results posted back to the loop. gen ties a result to the manifest
// or phase it was started for; stale results are dropped.
type (
	hashesLoaded struct {
		gen    int
		hashes map[transfer.Key]string
		err    error
	}
	assetStored struct {
		gen int
		key transfer.Key
		err error
	}
	playbackDone struct {
		gen int
		err error
	}
)

type playback struct {
	phase  string
	cancel context.CancelFunc
	done   chan struct{}
}

// loop is the state of one connection. Only run and the handlers it
// calls touch it.
type loop struct {
	seat   *Seat
	opts   Options
	logger *slog.Logger
	ctx    context.Context
	group  *errgroup.Group

	in     chan inbound
	out    chan []byte
	events chan any

	sessionID   string
	joined      bool
	estimator   *clocksync.Estimator
	stopProbing context.CancelFunc

	manifestGen int
	manifest    *protocol.FileManifest
	reconciled  bool
	missing     map[transfer.Key]transfer.Want
	retries     map[transfer.Key]int
	assembler   *transfer.Assembler

	pending *protocol.PhaseStart
	play    *playback
	playGen int

	state State
}

func newLoop(s *Seat, ctx context.Context, group *errgroup.Group) *loop {
	o := s.opts
	return &loop{
		seat:      s,
		opts:      o,
		logger:    o.Logger.With("seat", o.Seat),
		ctx:       ctx,
		group:     group,
		in:        make(chan inbound),
		out:       make(chan []byte, outBuffer),
		events:    make(chan any, 16),
		sessionID: s.SessionID(),
		estimator: clocksync.NewEstimator(o.SyncThreshold, o.MaxProbes, o.OffsetPolicy),
		assembler: transfer.NewAssembler(),
		state:     Closed,
	}
}

func (l *loop) readPump(ws *websocket.Conn) error {
	deadline := 3 * l.opts.Heartbeat
	ws.SetReadDeadline(time.Now().Add(deadline))
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		ws.SetReadDeadline(time.Now().Add(deadline))
		select {
		case l.in <- inbound{binary: kind == websocket.BinaryMessage, data: data}:
		case <-l.ctx.Done():
			return nil
		}
	}
}

func (l *loop) writePump(ws *websocket.Conn) error {
	for {
		select {
		case <-l.ctx.Done():
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			ws.WriteMessage(websocket.CloseMessage, []byte{})
			return nil
		case data := <-l.out:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		}
	}
}

// sendCtx queues m for the write pump. It gives up when ctx ends.
func (l *loop) sendCtx(ctx context.Context, m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	select {
	case l.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *loop) send(m protocol.Message) {
	if err := l.sendCtx(l.ctx, m); err != nil && l.ctx.Err() == nil {
		l.logger.Error("sending message", "type", m.MessageType(), "error", err)
	}
}

// post hands a result from a worker goroutine to the loop.
func (l *loop) post(ctx context.Context, ev any) {
	select {
	case l.events <- ev:
	case <-ctx.Done():
	}
}

func (l *loop) run() error {
	heartbeat := l.opts.Clock.NewTicker(l.opts.Heartbeat)
	defer heartbeat.Stop()

	l.greet()
	l.updateState()
	for {
		select {
		case <-l.ctx.Done():
			return nil
		case f := <-l.in:
			if f.binary {
				l.handleChunk(f.data)
			} else if err := l.handleText(f.data); err != nil {
				return err
			}
		case ev := <-l.events:
			l.handleEvent(ev)
		case <-heartbeat.C:
			l.send(protocol.Ping{})
		}
		l.updateState()
	}
}

// greet rejoins a known session or asks for the seat.
func (l *loop) greet() {
	if l.sessionID != "" {
		l.logger.Info("rejoining", "session", l.sessionID)
		l.send(protocol.Rejoin{ID: l.sessionID})
		return
	}
	l.logger.Info("joining")
	l.send(protocol.Join{Seat: l.opts.Seat})
}

func (l *loop) handleText(data []byte) error {
	m, err := protocol.Decode(data)
	if err != nil {
		l.logger.Warn("bad message from coordinator", "error", err)
		return nil
	}
	switch m := m.(type) {
	case protocol.Joined:
		l.handleJoined(m)
	case protocol.TimeResult:
		l.handleTimeResult(m)
	case protocol.FileManifest:
		l.handleManifest(m)
	case protocol.PhaseStart:
		l.handlePhaseStart(m)
	case protocol.PhaseStop:
		l.pending = nil
		l.stopPlayback("phase stopped")
	case protocol.Error:
		return l.handleError(m)
	case protocol.Ping:
		l.send(protocol.Pong{})
	case protocol.Pong:
	case protocol.Join, protocol.Rejoin, protocol.Leave, protocol.TimeRequest,
		protocol.Ready, protocol.FileRequest:
		l.logger.Debug("ignoring seat-bound message from coordinator", "type", m.MessageType())
	}
	return nil
}

func (l *loop) handleJoined(m protocol.Joined) {
	if m.Seat != l.opts.Seat {
		l.logger.Warn("coordinator granted a different seat", "granted", m.Seat)
	}
	l.sessionID = m.ID
	l.seat.setSessionID(m.ID)
	l.joined = true
	l.logger.Info("seat granted", "session", m.ID, "expires_at", m.ExpiresAt)

	l.estimator.Reset()
	l.startProbing()
	l.send(protocol.Ready{ID: m.ID})
}

func (l *loop) startProbing() {
	if l.stopProbing != nil {
		l.stopProbing()
	}
	ctx, cancel := context.WithCancel(l.ctx)
	l.stopProbing = cancel
	p := clocksync.Prober{Interval: l.opts.SyncInterval, Jitter: l.opts.SyncJitter, Clock: l.opts.Clock}
	l.group.Go(func() error {
		p.Run(ctx, func(clientTime int64) error {
			return l.sendCtx(ctx, protocol.TimeRequest{ClientTime: clientTime})
		})
		return nil
	})
}

func (l *loop) haltProbing() {
	if l.stopProbing != nil {
		l.stopProbing()
		l.stopProbing = nil
	}
}

func (l *loop) handleTimeResult(m protocol.TimeResult) {
	if !l.joined {
		return
	}
	wasDone := l.estimator.Done()
	now := clock.Millis(l.opts.Clock.Now())
	if !l.estimator.Observe(m.ClientTime, m.ServerTime, now) || wasDone {
		return
	}
	l.logger.Info("clock synchronized",
		"offset_ms", l.estimator.Offset(),
		"min_rtt_ms", l.estimator.MinRTT(),
		"samples", l.estimator.Samples(),
		"converged", l.estimator.Converged())
	if l.opts.OffsetPolicy == clocksync.Freeze {
		l.haltProbing()
	}
}

func (l *loop) handleError(m protocol.Error) error {
	switch m.Message {
	case protocol.ErrTextSeatTaken:
		l.logger.Error("seat refused", "reason", m.Message)
		return ErrSeatTaken
	case protocol.ErrTextInvalidSession:
		l.hardReset()
	default:
		l.logger.Warn("coordinator reported an error", "message", m.Message)
	}
	return nil
}

// hardReset forgets the session and everything derived from it, then
// asks for the seat again.
func (l *loop) hardReset() {
	l.logger.Warn("session no longer valid, joining again", "session", l.sessionID)
	l.stopPlayback("session lost")
	l.haltProbing()
	l.dropAssets()
	l.manifest = nil
	l.pending = nil
	l.joined = false
	l.sessionID = ""
	l.seat.setSessionID("")
	l.estimator.Reset()
	l.send(protocol.Join{Seat: l.opts.Seat})
}

// dropAssets abandons every transfer and invalidates results still in
// flight.
func (l *loop) dropAssets() {
	l.manifestGen++
	l.assembler.Reset()
	l.reconciled = false
	l.missing = nil
	l.retries = nil
}

func (l *loop) handleManifest(m protocol.FileManifest) {
	l.dropAssets()
	l.manifest = &m
	gen := l.manifestGen
	l.logger.Info("manifest received", "patches", len(m.PatchFiles), "sheets", len(m.SheetFiles))

	cache := l.opts.Cache
	l.group.Go(func() error {
		ev := hashesLoaded{gen: gen}
		if cache != nil {
			ev.hashes, ev.err = cache.Hashes()
		}
		l.post(l.ctx, ev)
		return nil
	})
}

func (l *loop) handleEvent(ev any) {
	switch ev := ev.(type) {
	case hashesLoaded:
		l.handleHashes(ev)
	case assetStored:
		l.handleStored(ev)
	case playbackDone:
		if ev.gen != l.playGen || l.play == nil {
			return
		}
		l.logger.Info("phase finished", "phase", l.play.phase, "error", ev.err)
		l.play = nil
	}
}

func (l *loop) handleHashes(ev hashesLoaded) {
	if ev.gen != l.manifestGen || l.manifest == nil {
		return
	}
	if ev.err != nil {
		l.logger.Error("reading asset cache, requesting everything", "error", ev.err)
		ev.hashes = nil
	}
	wants := transfer.Reconcile(*l.manifest, ev.hashes)
	l.reconciled = true
	l.missing = make(map[transfer.Key]transfer.Want, len(wants))
	l.retries = make(map[transfer.Key]int)
	total := len(l.manifest.PatchFiles) + len(l.manifest.SheetFiles)
	l.logger.Info("assets reconciled", "cached", total-len(wants), "missing", len(wants))
	for _, w := range wants {
		l.missing[w.Key] = w
		l.request(w)
	}
}

func (l *loop) request(w transfer.Want) {
	id := l.opts.NewTransferID()
	l.assembler.Begin(w.Key, w.Hash, id)
	l.logger.Debug("requesting asset", "asset", w.Key, "bytes", w.Size, "transfer", id)
	l.send(protocol.FileRequest{
		ID:       w.Name,
		Kind:     w.Kind,
		Transfer: id,
		Encoding: string(l.opts.Encoding),
	})
}

func (l *loop) handleChunk(frame []byte) {
	h, payload, err := protocol.DecodeChunk(frame)
	if err != nil {
		l.logger.Warn("dropping malformed chunk", "error", err)
		return
	}
	k := transfer.Key{Kind: h.Kind, Name: h.ID}
	if _, ok := l.missing[k]; !ok {
		l.logger.Debug("dropping chunk for an asset not wanted", "asset", k)
		return
	}
	done, err := l.assembler.Accept(h, payload)
	switch {
	case errors.Is(err, transfer.ErrStaleTransfer), errors.Is(err, transfer.ErrUnexpectedChunk):
		l.logger.Debug("dropping chunk", "asset", k, "error", err)
		return
	case err != nil:
		l.transferFailed(k, err)
		return
	case done == nil:
		return
	}

	gen := l.manifestGen
	cache := l.opts.Cache
	l.group.Go(func() error {
		var err error
		if cache != nil {
			err = cache.Put(done.Key, done.Data)
		}
		l.post(l.ctx, assetStored{gen: gen, key: done.Key, err: err})
		return nil
	})
}

func (l *loop) handleStored(ev assetStored) {
	if ev.gen != l.manifestGen {
		return
	}
	if ev.err != nil {
		l.transferFailed(ev.key, ev.err)
		return
	}
	delete(l.missing, ev.key)
	l.logger.Debug("asset stored", "asset", ev.key, "remaining", len(l.missing))
}

// transferFailed re-requests k until its retries run out. An asset
// that is given up on stays missing until the next manifest.
func (l *loop) transferFailed(k transfer.Key, err error) {
	w, ok := l.missing[k]
	if !ok {
		return
	}
	l.retries[k]++
	if l.retries[k] > l.opts.MaxRetries {
		l.logger.Error("giving up on asset", "asset", k, "attempts", l.retries[k], "error", err)
		return
	}
	l.logger.Warn("asset transfer failed, retrying", "asset", k, "attempt", l.retries[k], "error", err)
	l.request(w)
}

func (l *loop) ready() bool {
	return l.joined && l.estimator.Done() && l.reconciled && len(l.missing) == 0
}

func (l *loop) updateState() {
	next := Syncing
	switch {
	case !l.joined:
		next = Joining
	case l.play != nil:
		next = Playing
	case l.ready():
		next = Ready
	}
	if next != l.state {
		l.logger.Info("state changed", "from", l.state, "to", next)
		l.state = next
		l.seat.state.Store(int32(next))
	}
	if next == Ready && l.pending != nil {
		p := *l.pending
		l.pending = nil
		l.handlePhaseStart(p)
		l.updateState()
	}
}

func (l *loop) handlePhaseStart(m protocol.PhaseStart) {
	l.stopPlayback("phase replaced")
	a, ok := m.Assignments[l.opts.Seat]
	if !ok {
		l.pending = nil
		l.logger.Info("phase has no part for this seat", "phase", m.PhaseID)
		return
	}
	if !l.ready() {
		l.pending = &m
		l.logger.Info("phase deferred until ready", "phase", m.PhaseID)
		return
	}
	l.startPlayback(m, a)
}

// load fetches and checks what a phase needs. A failure skips the
// phase.
func (l *loop) load(a protocol.Assignment) (*sheet.File, error) {
	if a.SheetID == "" {
		return nil, errors.New("no sheet assigned")
	}
	if l.opts.Cache == nil {
		return nil, errors.New("no asset cache")
	}
	data, ok, err := l.opts.Cache.Get(transfer.Key{Kind: protocol.KindSheet, Name: a.SheetID})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("sheet " + a.SheetID + " not cached")
	}
	f, err := sheet.Parse(data)
	if err != nil {
		return nil, err
	}
	if a.PatchID == "" {
		return f, nil
	}
	patch, ok, err := l.opts.Cache.Get(transfer.Key{Kind: protocol.KindPatch, Name: a.PatchID})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("patch " + a.PatchID + " not cached")
	}
	if err := l.opts.Device.LoadPatch(a.PatchID, patch); err != nil {
		return nil, err
	}
	return f, nil
}

func (l *loop) startPlayback(m protocol.PhaseStart, a protocol.Assignment) {
	f, err := l.load(a)
	if err != nil {
		l.logger.Warn("phase skipped", "phase", m.PhaseID, "sheet", a.SheetID, "patch", a.PatchID, "error", err)
		return
	}

	// The offset is read once; later estimates do not move beat zero.
	offset := l.estimator.Offset()
	beatZero := time.UnixMilli(m.StartTime - offset)
	logger := l.logger.With("phase", m.PhaseID)
	sched := scheduler.New(
		scheduler.Plan{Sheet: f, BPM: m.BPM, CountIn: m.CountIn, BeatZero: beatZero},
		l.opts.Device,
		scheduler.Options{Tick: l.opts.Tick, LookaheadBeats: l.opts.LookaheadBeats, Clock: l.opts.Clock, Logger: logger},
	)

	ctx, cancel := context.WithCancel(l.ctx)
	l.playGen++
	gen := l.playGen
	p := &playback{phase: m.PhaseID, cancel: cancel, done: make(chan struct{})}
	l.play = p
	go func() {
		defer close(p.done)
		err := sched.Run(ctx)
		l.post(ctx, playbackDone{gen: gen, err: err})
	}()
	logger.Info("phase playing",
		"name", m.Name,
		"bpm", m.BPM,
		"count_in", m.CountIn,
		"offset_ms", offset,
		"starts_in_ms", beatZero.Sub(l.opts.Clock.Now()).Milliseconds())
}

// stopPlayback cancels the scheduler, waits for it, and silences the
// device. No event reaches the device after it returns.
func (l *loop) stopPlayback(reason string) {
	if l.play == nil {
		return
	}
	l.play.cancel()
	<-l.play.done
	l.opts.Device.Clear()
	l.logger.Info("playback stopped", "phase", l.play.phase, "reason", reason)
	l.play = nil
}

// teardown releases everything the connection owned.
func (l *loop) teardown() {
	l.stopPlayback("disconnected")
	l.haltProbing()
	l.dropAssets()
	l.pending = nil
}
