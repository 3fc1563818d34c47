package host

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chazu/capsule/vm"
)

// ErrSessionNotFound indicates the requested session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Session is one guest execution tracked by the host, addressable by ID
// across suspensions.
type Session struct {
	ID        string
	Program   *vm.Program
	Exec      *vm.Execution
	CreatedAt time.Time
}

// SessionStore manages executions by ID. Individual executions are
// single-owner; the store only guards its own map, so two goroutines must
// not drive the same session concurrently.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionStore creates an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Create starts a new execution of prog and registers it under a fresh ID.
func (s *SessionStore) Create(prog *vm.Program, opts ...vm.Option) *Session {
	session := &Session{
		ID:        uuid.New().String(),
		Program:   prog,
		Exec:      vm.NewExecution(prog, opts...),
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	return session
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

// Destroy removes a session. The execution's heap is reclaimed with it.
func (s *SessionStore) Destroy(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// List returns the IDs of all live sessions.
func (s *SessionStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Checkpoint serializes a suspended session's execution state.
func (s *SessionStore) Checkpoint(id string) ([]byte, error) {
	session, ok := s.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session.Exec.Dump()
}

// Restore loads a checkpointed execution into a new session. The program
// must be the one the checkpoint was taken against.
func (s *SessionStore) Restore(prog *vm.Program, data []byte, opts ...vm.Option) (*Session, error) {
	exec, err := vm.Load(prog, data, opts...)
	if err != nil {
		return nil, err
	}
	session := &Session{
		ID:        uuid.New().String(),
		Program:   prog,
		Exec:      exec,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	return session, nil
}
