package session

import (
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = errors.New("session not found")

const (
	defaultMaxContextTurns = 20
	defaultIdleTimeout     = 2 * time.Hour
)

// Store holds sessions in memory. Each session carries its own mutex: Lock
// serializes whole turns, the store-level mutex only guards the session map.
//
// Turn history is bounded for context assembly only: ContextTurns returns at
// most maxContextTurns recent turns, while Turns keeps everything for audit
// until the session itself expires.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*entry

	maxContextTurns int
	idleTimeout     time.Duration
	now             func() time.Time
}

type entry struct {
	mu      sync.Mutex
	session Session
}

// Option configures a Store.
type Option func(*Store)

// WithMaxContextTurns bounds how many recent turns feed context assembly.
func WithMaxContextTurns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxContextTurns = n
		}
	}
}

// WithIdleTimeout sets how long an inactive session survives a sweep.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.idleTimeout = d
		}
	}
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions:        make(map[string]*entry),
		maxContextTurns: defaultMaxContextTurns,
		idleTimeout:     defaultIdleTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate returns a snapshot of the session, creating it with the given
// default sources when absent.
func (s *Store) GetOrCreate(id string, defaultSources []string) Session {
	e := s.entryFor(id, defaultSources)
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.session)
}

// Lock acquires the session's turn lock, creating the session when absent.
// The returned function releases it. Turns of one session must run under
// this lock from first node to final append; turns of different sessions
// proceed independently.
func (s *Store) Lock(id string, defaultSources []string) (Session, func()) {
	e := s.entryFor(id, defaultSources)
	e.mu.Lock()
	return snapshot(e.session), e.mu.Unlock
}

// AppendTurn appends a finalized turn and refreshes the activity clock.
// The caller must hold the session lock taken via Lock.
func (s *Store) AppendTurn(id string, turn Turn) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	e.session.Turns = append(e.session.Turns, turn)
	e.session.LastActive = s.now()
	return nil
}

// ContextWindow applies the context bound to an already-held snapshot,
// returning the recent turns eligible for context assembly. Used inside a
// turn, where the session lock is already held.
func (s *Store) ContextWindow(turns []Turn) []Turn {
	if len(turns) > s.maxContextTurns {
		turns = turns[len(turns)-s.maxContextTurns:]
	}
	return turns
}

// ContextTurns returns the recent turns eligible for context assembly,
// oldest first. Older turns are excluded (evicted from context) but remain
// available through Turns for audit.
func (s *Store) ContextTurns(id string) []Turn {
	e := s.lookup(id)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	turns := e.session.Turns
	if len(turns) > s.maxContextTurns {
		turns = turns[len(turns)-s.maxContextTurns:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// Turns returns the full turn history for audit.
func (s *Store) Turns(id string) ([]Turn, error) {
	e := s.lookup(id)
	if e == nil {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Turn, len(e.session.Turns))
	copy(out, e.session.Turns)
	return out, nil
}

// ActiveSources returns the session's active source names.
func (s *Store) ActiveSources(id string) []string {
	e := s.lookup(id)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.session.ActiveSources))
	copy(out, e.session.ActiveSources)
	return out
}

// SetActiveSources replaces the session's active source set.
func (s *Store) SetActiveSources(id string, sources []string) error {
	e := s.lookup(id)
	if e == nil {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.ActiveSources = append([]string(nil), sources...)
	e.session.LastActive = s.now()
	return nil
}

// Sweep removes sessions idle longer than the idle timeout and reports how
// many were dropped. The store mutex is never held while waiting on a
// session lock: a session whose lock is busy has a turn in flight and is
// skipped as active.
func (s *Store) Sweep() int {
	cutoff := s.now().Add(-s.idleTimeout)

	s.mu.Lock()
	entries := make(map[string]*entry, len(s.sessions))
	for id, e := range s.sessions {
		entries[id] = e
	}
	s.mu.Unlock()

	dropped := 0
	for id, e := range entries {
		if !e.mu.TryLock() {
			continue
		}
		idle := e.session.LastActive.Before(cutoff)
		e.mu.Unlock()
		if !idle {
			continue
		}
		s.mu.Lock()
		if s.sessions[id] == e {
			delete(s.sessions, id)
			dropped++
		}
		s.mu.Unlock()
	}
	return dropped
}

// RunSweeper sweeps at the given interval until done is closed.
func (s *Store) RunSweeper(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *Store) entryFor(id string, defaultSources []string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		now := s.now()
		e = &entry{session: Session{
			ID:            id,
			ActiveSources: append([]string(nil), defaultSources...),
			CreatedAt:     now,
			LastActive:    now,
		}}
		s.sessions[id] = e
	}
	return e
}

func (s *Store) lookup(id string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// snapshot copies the session so callers never alias internal slices.
func snapshot(src Session) Session {
	out := src
	out.ActiveSources = append([]string(nil), src.ActiveSources...)
	out.Turns = append([]Turn(nil), src.Turns...)
	return out
}
