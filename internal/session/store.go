package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"medconsult/internal/metrics"
	"medconsult/pkg"
)

// Store owns conversational sessions. Touch calls for the same session
// serialize; different sessions proceed independently. Get reports absence
// through the boolean, never through an error, so callers must branch.
type Store interface {
	Get(ctx context.Context, id string) (*pkg.Session, bool, error)
	Create(ctx context.Context, patientID *string) (*pkg.Session, error)
	Touch(ctx context.Context, id string, turn *pkg.Turn) error
	ExpireIfStale(ctx context.Context, id string) (bool, error)
	Clear(ctx context.Context, id string) error
}

// MemoryStore keeps sessions in process memory. Each session carries its own
// mutex so concurrent touches to one session serialize without a global
// write lock across sessions.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*slot
	ttl      time.Duration
	cap      int
	now      func() time.Time
}

type slot struct {
	mu   sync.Mutex
	sess pkg.Session
	// gone marks a slot removed from the map while another goroutine may
	// already hold a reference to it; touches against it must fail rather
	// than mutate an orphan nobody will ever read.
	gone bool
}

// NewMemoryStore builds an in-memory store with the given idle TTL and
// rolling-memory cap.
func NewMemoryStore(ttl time.Duration, memoryCap int) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*slot),
		ttl:      ttl,
		cap:      memoryCap,
		now:      time.Now,
	}
}

// Get returns a copy of the session so callers cannot mutate store state.
func (s *MemoryStore) Get(_ context.Context, id string) (*pkg.Session, bool, error) {
	s.mu.RLock()
	sl, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.gone {
		return nil, false, nil
	}
	cp := sl.sess
	cp.Memory = append([]pkg.MemoryEntry(nil), sl.sess.Memory...)
	return &cp, true, nil
}

// Create registers a fresh session with a generated identifier.
func (s *MemoryStore) Create(_ context.Context, patientID *string) (*pkg.Session, error) {
	now := s.now()
	sess := pkg.Session{
		ID:         uuid.NewString(),
		PatientID:  patientID,
		CreatedAt:  now,
		LastActive: now,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = &slot{sess: sess}
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	s.mu.Unlock()
	cp := sess
	return &cp, nil
}

// Touch appends the finalized turn to the session's rolling memory, bumps the
// turn count and last-activity time, and evicts the oldest entries beyond
// the cap.
func (s *MemoryStore) Touch(_ context.Context, id string, turn *pkg.Turn) error {
	s.mu.RLock()
	sl, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return pkg.ErrSessionNotFound
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.gone {
		return pkg.ErrSessionNotFound
	}
	applyTurn(&sl.sess, turn, s.cap, s.now())
	return nil
}

// ExpireIfStale destroys the session when its idle time exceeds the TTL.
func (s *MemoryStore) ExpireIfStale(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.sessions[id]
	if !ok {
		return false, nil
	}
	sl.mu.Lock()
	stale := s.now().Sub(sl.sess.LastActive) >= s.ttl
	if stale {
		sl.gone = true
	}
	sl.mu.Unlock()
	if !stale {
		return false, nil
	}
	delete(s.sessions, id)
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	return true, nil
}

// Clear removes the session unconditionally. Clearing an unknown id is a no-op.
func (s *MemoryStore) Clear(_ context.Context, id string) error {
	s.mu.Lock()
	if sl, ok := s.sessions[id]; ok {
		sl.mu.Lock()
		sl.gone = true
		sl.mu.Unlock()
	}
	delete(s.sessions, id)
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	s.mu.Unlock()
	return nil
}

// PurgeExpired sweeps all sessions whose idle time exceeds the TTL and
// reports how many were destroyed. Intended for a background ticker.
func (s *MemoryStore) PurgeExpired() int {
	cutoff := s.now().Add(-s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, sl := range s.sessions {
		// Touches hold only the slot lock, so the sweep must take it too
		// before reading activity; otherwise a live touch races the purge
		// and can be silently discarded.
		sl.mu.Lock()
		stale := sl.sess.LastActive.Before(cutoff)
		if stale {
			sl.gone = true
		}
		sl.mu.Unlock()
		if stale {
			delete(s.sessions, id)
			purged++
		}
	}
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	return purged
}

// applyTurn contains the touch mutation shared by both store backends.
func applyTurn(sess *pkg.Session, turn *pkg.Turn, memoryCap int, now time.Time) {
	if turn.Text != "" {
		sess.Memory = append(sess.Memory, pkg.MemoryEntry{Role: "user", Content: turn.Text, At: now})
	}
	if turn.Answer != "" {
		sess.Memory = append(sess.Memory, pkg.MemoryEntry{Role: "assistant", Content: turn.Answer, At: now})
	}
	if memoryCap > 0 && len(sess.Memory) > memoryCap {
		// Oldest first out.
		sess.Memory = append([]pkg.MemoryEntry(nil), sess.Memory[len(sess.Memory)-memoryCap:]...)
	}
	sess.TurnCount++
	sess.LastActive = now
}
