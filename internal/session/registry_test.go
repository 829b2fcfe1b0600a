package session

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dalder6284/rtpc-app/internal/clock"
)

func newTestRegistry(ttl time.Duration) (*Registry, *clock.FakeClock) {
	c := clock.Fake(time.UnixMilli(1_000_000))
	n := 0
	ids := func() string {
		n++
		return fmt.Sprintf("s%d", n)
	}
	return NewRegistry(WithClock(c), WithTTL(ttl), WithIDs(ids)), c
}

func TestJoinSeatTaken(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	first, err := r.Join(3)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if first.Seat != 3 || first.ID != "s1" {
		t.Fatalf("Join = %+v", first)
	}
	if _, err := r.Join(3); !errors.Is(err, ErrSeatTaken) {
		t.Fatalf("second Join error = %v, want ErrSeatTaken", err)
	}
	if _, err := r.Join(4); err != nil {
		t.Fatalf("Join(4): %v", err)
	}
}

func TestJoinEvictsExpiredHolder(t *testing.T) {
	r, c := newTestRegistry(time.Minute)
	old, _ := r.Join(1)
	c.Advance(time.Minute)

	fresh, err := r.Join(1)
	if err != nil {
		t.Fatalf("Join after expiry: %v", err)
	}
	if fresh.ID == old.ID {
		t.Fatalf("expected a new session id, got %q again", fresh.ID)
	}
	if _, err := r.Rejoin(old.ID); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("Rejoin(old) error = %v, want ErrInvalidSession", err)
	}
}

func TestRejoinRestoresSeat(t *testing.T) {
	r, c := newTestRegistry(time.Minute)
	s, _ := r.Join(7)
	c.Advance(50 * time.Second)

	again, err := r.Rejoin(s.ID)
	if err != nil {
		t.Fatalf("Rejoin: %v", err)
	}
	if again.Seat != 7 || again.ID != s.ID {
		t.Fatalf("Rejoin = %+v, want seat 7 id %s", again, s.ID)
	}
	if want := c.Now().Add(time.Minute); !again.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", again.ExpiresAt, want)
	}
	if got := len(r.Sessions()); got != 1 {
		t.Fatalf("live sessions = %d, want 1", got)
	}
	if _, err := r.Join(7); !errors.Is(err, ErrSeatTaken) {
		t.Fatalf("Join(7) error = %v, want ErrSeatTaken", err)
	}

	// The extension keeps the session alive past the original expiry.
	c.Advance(30 * time.Second)
	if _, ok := r.Lookup(s.ID); !ok {
		t.Fatal("session expired despite rejoin")
	}
}

func TestRejoinInvalid(t *testing.T) {
	r, c := newTestRegistry(time.Minute)
	if _, err := r.Rejoin("nope"); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("Rejoin(unknown) error = %v, want ErrInvalidSession", err)
	}

	s, _ := r.Join(2)
	c.Advance(2 * time.Minute)
	if _, err := r.Rejoin(s.ID); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("Rejoin(expired) error = %v, want ErrInvalidSession", err)
	}
	if got := len(r.Sessions()); got != 0 {
		t.Fatalf("live sessions = %d, want 0", got)
	}
}

func TestReleaseFreesSeat(t *testing.T) {
	r, _ := newTestRegistry(time.Minute)
	s, _ := r.Join(5)
	if !r.Release(s.ID) {
		t.Fatal("Release reported no live session")
	}
	if r.Release(s.ID) {
		t.Fatal("second Release reported a live session")
	}
	if _, err := r.Join(5); err != nil {
		t.Fatalf("Join after release: %v", err)
	}
	if _, err := r.Rejoin(s.ID); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("Rejoin(released) error = %v, want ErrInvalidSession", err)
	}
}

func TestExpireSweep(t *testing.T) {
	r, c := newTestRegistry(time.Minute)
	a, _ := r.Join(2)
	c.Advance(30 * time.Second)
	b, _ := r.Join(1)
	c.Advance(45 * time.Second)

	expired := r.ExpireSweep()
	if len(expired) != 1 || expired[0].ID != a.ID {
		t.Fatalf("ExpireSweep = %+v, want only %s", expired, a.ID)
	}
	live := r.Sessions()
	if len(live) != 1 || live[0].ID != b.ID {
		t.Fatalf("Sessions = %+v, want only %s", live, b.ID)
	}
}

func TestErrorTextsAreStable(t *testing.T) {
	if ErrSeatTaken.Error() != "Seat is already taken" {
		t.Fatalf("ErrSeatTaken = %q", ErrSeatTaken)
	}
	if ErrInvalidSession.Error() != "Client ID is no longer valid" {
		t.Fatalf("ErrInvalidSession = %q", ErrInvalidSession)
	}
}
