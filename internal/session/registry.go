// Package session owns seat identity. A seat is held by at most one
// live session; a session is a random id with an expiry that join and
// rejoin push forward.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dalder6284/rtpc-app/internal/clock"
	"github.com/dalder6284/rtpc-app/internal/protocol"
)

// DefaultTTL is how long a session stays valid without a rejoin.
const DefaultTTL = 2 * time.Hour

var (
	// ErrSeatTaken means another live session holds the seat.
	ErrSeatTaken = errors.New(protocol.ErrTextSeatTaken)

	// ErrInvalidSession means the id is unknown, expired or released.
	ErrInvalidSession = errors.New(protocol.ErrTextInvalidSession)
)

// Session is a snapshot of one seat holder.
type Session struct {
	ID        string
	Seat      protocol.Seat
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether s is no longer valid at now.
func (s Session) Expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }

// Registry arbitrates seats. It is safe for concurrent use.
type Registry struct {
	clock clock.Clock
	ttl   time.Duration
	newID func() string

	mu     sync.Mutex
	byID   map[string]*Session
	bySeat map[protocol.Seat]string
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithIDs sets the session id generator.
func WithIDs(newID func() string) Option {
	return func(r *Registry) { r.newID = newID }
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		clock:  clock.Real(),
		ttl:    DefaultTTL,
		newID:  uuid.NewString,
		byID:   make(map[string]*Session),
		bySeat: make(map[protocol.Seat]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Join issues a new session for seat. An expired holder is evicted
// first.
func (r *Registry) Join(seat protocol.Seat) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if id, ok := r.bySeat[seat]; ok {
		held := r.byID[id]
		if !held.Expired(now) {
			return Session{}, fmt.Errorf("seat %d: %w", seat, ErrSeatTaken)
		}
		r.removeLocked(id)
	}

	s := &Session{
		ID:        r.newID(),
		Seat:      seat,
		IssuedAt:  now,
		ExpiresAt: now.Add(r.ttl),
	}
	r.byID[s.ID] = s
	r.bySeat[seat] = s.ID
	return *s, nil
}

// Rejoin revalidates id and extends its expiry.
func (r *Registry) Rejoin(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	s, ok := r.byID[id]
	if !ok {
		return Session{}, ErrInvalidSession
	}
	if s.Expired(now) {
		r.removeLocked(id)
		return Session{}, ErrInvalidSession
	}
	s.IssuedAt = now
	s.ExpiresAt = now.Add(r.ttl)
	return *s, nil
}

// Release frees the seat held by id. It reports whether id was live.
func (r *Registry) Release(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byID[id]
	r.removeLocked(id)
	return ok
}

// Lookup returns the live session for id.
func (r *Registry) Lookup(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok || s.Expired(r.clock.Now()) {
		return Session{}, false
	}
	return *s, true
}

// ExpireSweep removes every session past its expiry and returns them.
func (r *Registry) ExpireSweep() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var expired []Session
	for id, s := range r.byID {
		if s.Expired(now) {
			expired = append(expired, *s)
			r.removeLocked(id)
		}
	}
	sortBySeat(expired)
	return expired
}

// Sessions returns the live sessions ordered by seat.
func (r *Registry) Sessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	live := make([]Session, 0, len(r.byID))
	for _, s := range r.byID {
		if !s.Expired(now) {
			live = append(live, *s)
		}
	}
	sortBySeat(live)
	return live
}

func (r *Registry) removeLocked(id string) {
	s, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	if r.bySeat[s.Seat] == id {
		delete(r.bySeat, s.Seat)
	}
}

func sortBySeat(sessions []Session) {
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Seat < sessions[j].Seat })
}
