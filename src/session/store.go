package session

import "sync"

// Store is the durable backend for session records. Implementations receive
// detached snapshots, never live sessions, and must tolerate concurrent
// calls: the manager's mutating operations and its auto-persist loop both
// write through it.
type Store interface {
	SaveSession(s *Session) error
	LoadSessions() (map[string]*Session, error)
	DeleteSession(id string) error
	Close() error
}

// InmemStore keeps session records in a map. It backs nodes that run without
// the badger option, and tests.
type InmemStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewInmemStore ...
func NewInmemStore() *InmemStore {
	return &InmemStore{
		sessions: map[string]*Session{},
	}
}

// SaveSession ...
func (s *InmemStore) SaveSession(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.ID] = sess.snapshot()
	return nil
}

// LoadSessions ...
func (s *InmemStore) LoadSessions() (map[string]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := make(map[string]*Session, len(s.sessions))
	for id, sess := range s.sessions {
		res[id] = sess.snapshot()
	}
	return res, nil
}

// DeleteSession ...
func (s *InmemStore) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

// Close ...
func (s *InmemStore) Close() error {
	return nil
}
