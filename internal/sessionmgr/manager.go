// Package sessionmgr holds the process-wide registry of running PTY
// sessions: create, get, remove, list, and parallel shutdown.
//
// Grounded on the teacher's internal/session/manager.go (RWMutex-
// protected map, capacity check, generateSessionID), generalized to
// spec.md §4.4's 12-hex opaque ID (the teacher uses 16 hex chars with
// a "sess_" prefix) and to a fan-out parallel shutdown, which the
// teacher's Manager does not have; the sync.WaitGroup fan-out idiom
// used here mirrors the one in the teacher's internal/ssh/pool.go
// healthcheck loop.
package sessionmgr

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/acolita/ptymcp/internal/ports"
	"github.com/acolita/ptymcp/internal/ptyproc"
	"github.com/acolita/ptymcp/internal/sessionerr"
)

// Descriptor is the snapshot spec.md §4.4's list() and §6's
// list_sessions tool return for one session.
type Descriptor struct {
	ID               string
	Command          string
	Status           ptyproc.Status
	SecondsSinceIdle float64
	BufferLineCount  int
	Pid              int
}

// Manager is the process-wide session registry. The registry mutex
// protects insertion, removal, and enumeration only; it is never held
// across session I/O (spec.md §4.4).
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*ptyproc.Session
	maxSessions int
	deps        ptyproc.Deps
}

// New constructs a Manager that enforces maxSessions concurrently
// running sessions and vends new sessions the given deps (clock,
// random source, command filter, log directory).
func New(maxSessions int, deps ptyproc.Deps) *Manager {
	return &Manager{
		sessions:    make(map[string]*ptyproc.Session),
		maxSessions: maxSessions,
		deps:        deps,
	}
}

// Create allocates a fresh 12-hex session ID, starts the session, and
// inserts it into the registry. Fails with ErrCapacityExceeded if the
// registry is already at maxSessions, or propagates the underlying
// ptyproc.Start error (e.g. ErrSpawnFailed, ErrInvalidConfig) on spawn
// failure.
func (m *Manager) Create(cfg ptyproc.Config) (*ptyproc.Session, error) {
	m.mu.Lock()
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: max_sessions=%d", sessionerr.ErrCapacityExceeded, m.maxSessions)
	}

	id, err := m.freshID()
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: generate session id: %v", sessionerr.ErrIOError, err)
	}
	deps := m.deps
	m.mu.Unlock()

	sess, err := ptyproc.Start(id, cfg, deps)
	if err != nil {
		return nil, err
	}
	sess.OnStopped(func() { m.reap(id) })

	m.mu.Lock()
	// The session may already have run to completion (e.g. the child
	// exited immediately) before OnStopped was registered above, in
	// which case its stop callback never fired; skip the insert so a
	// self-exited session never occupies a registry slot.
	if sess.Status() != ptyproc.StatusStopped {
		m.sessions[id] = sess
	}
	m.mu.Unlock()

	return sess, nil
}

// UpdateRuntimeConfig applies a config-reload's max_sessions and log_dir
// to the registry. Already-running sessions are unaffected (spec.md §3:
// session configuration is immutable once a session started, and
// log_dir in particular only governs where a log file is opened at
// start time); this changes the capacity check and the log_dir new
// sessions are started with from this point on.
func (m *Manager) UpdateRuntimeConfig(maxSessions int, logDir string) {
	m.mu.Lock()
	m.maxSessions = maxSessions
	m.deps.LogDir = logDir
	m.mu.Unlock()
}

// reap removes id from the registry. Called by a session's OnStopped
// callback once it reaches stopped, so idle-timeout and child-exit
// terminations are removed from the registry exactly as explicit
// stop_session calls are (spec.md §3's "the manager removes stopped
// sessions from its registry", §8 property 4).
func (m *Manager) reap(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Get returns the session registered under id, or ErrUnknownSession.
func (m *Manager) Get(id string) (*ptyproc.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sessionerr.ErrUnknownSession, id)
	}
	return sess, nil
}

// Remove stops the session named by id and deletes it from the
// registry. Stopping an already-stopped session is a no-op success
// (spec.md §8 property 8), so Remove is safe to call more than once.
func (m *Manager) Remove(id string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}

	if stopErr := sess.Stop("removed"); stopErr != nil {
		return stopErr
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

// List returns a descriptor for every session currently in the
// registry. Every path to stopped (explicit stop, idle timeout, child
// exit) ends in the session's shutdown sequence, which invokes the
// OnStopped callback that reaps the registry entry (see reap), so the
// registry only ever holds non-stopped sessions and List satisfies
// spec.md §8 property 4 ("list_sessions returns exactly the set of
// non-stopped sessions") without needing to filter by status here.
func (m *Manager) List() []Descriptor {
	m.mu.RLock()
	sessions := make([]*ptyproc.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	now := m.deps.Clock.Now()
	descs := make([]Descriptor, 0, len(sessions))
	for _, sess := range sessions {
		descs = append(descs, Descriptor{
			ID:               sess.ID(),
			Command:          sess.Command(),
			Status:           sess.Status(),
			SecondsSinceIdle: now.Sub(sess.LastActivity()).Seconds(),
			BufferLineCount:  sess.BufferLineCount(),
			Pid:              sess.Pid(),
		})
	}
	return descs
}

// Shutdown stops every registered session in parallel, awaits them
// all, and clears the registry. Intended for process exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*ptyproc.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*ptyproc.Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *ptyproc.Session) {
			defer wg.Done()
			_ = s.Stop("manager shutdown")
		}(sess)
	}
	wg.Wait()
}

// Count reports the number of sessions currently in the registry.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// freshID generates a 12-hex-character ID from deps.random and
// retries on the vanishingly unlikely event of a collision with an
// already-registered session. Caller must hold m.mu.
func (m *Manager) freshID() (string, error) {
	for attempt := 0; attempt < 8; attempt++ {
		b := make([]byte, 6)
		if err := readRandom(m.deps.Random, b); err != nil {
			return "", err
		}
		id := hex.EncodeToString(b)
		if _, exists := m.sessions[id]; !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("exhausted id generation attempts")
}

// readRandom fills b from r, falling back to crypto/rand if r is nil.
func readRandom(r ports.Random, b []byte) error {
	if r == nil {
		_, err := rand.Read(b)
		return err
	}
	_, err := r.Read(b)
	return err
}
