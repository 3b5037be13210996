package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/strandnet/strand/src/config"
	"github.com/strandnet/strand/src/metrics"
)

// Manager owns a node's sessions. Every mutating operation writes the
// affected session through to the Store before returning, and a background
// loop re-persists everything periodically as a safety net. A cron job reaps
// sessions that are both disconnected and stale.
type Manager struct {
	conf *config.Config

	mu       sync.Mutex
	sessions map[string]*Session

	store Store
	cron  *cron.Cron

	shutdownCh chan struct{}
	shutdown   sync.Once
	wg         sync.WaitGroup

	logger  *logrus.Entry
	metrics *metrics.Metrics
}

// NewManager loads persisted sessions from the store. Restored sessions are
// always marked disconnected; a restart never resurrects liveness.
func NewManager(conf *config.Config, store Store, logger *logrus.Entry, m *metrics.Metrics) (*Manager, error) {
	sessions, err := store.LoadSessions()
	if err != nil {
		return nil, err
	}

	for _, s := range sessions {
		s.Connected = false
	}

	mgr := &Manager{
		conf:       conf,
		sessions:   sessions,
		store:      store,
		cron:       cron.New(),
		shutdownCh: make(chan struct{}),
		logger:     logger,
		metrics:    m,
	}

	if len(sessions) > 0 {
		logger.WithField("sessions", len(sessions)).Info("Restored persisted sessions")
	}

	return mgr, nil
}

// Open creates a session in the connected state and persists it. When
// sessionID is empty a fresh UUID is generated; the controller generates the
// id, the agent adopts the one carried by the session_open message.
func (m *Manager) Open(controllerID, agentID, sessionID string, meta map[string]string) (*Session, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	now := time.Now()

	m.mu.Lock()
	s := &Session{
		ID:           sessionID,
		ControllerID: controllerID,
		AgentID:      agentID,
		CreatedAt:    now,
		LastActive:   now,
		Connected:    true,
		Metadata:     meta,
		Terminals:    map[string]*Terminal{},
	}
	m.sessions[sessionID] = s
	snap := s.snapshot()
	m.setActiveGauge()
	m.mu.Unlock()

	if err := m.store.SaveSession(snap); err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"agent":      agentID,
	}).Info("Session opened")

	return snap, nil
}

// Get returns a snapshot of a session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, NewSessErr("get", SessionNotFound, id)
	}

	return s.snapshot(), nil
}

// List returns snapshots of every session, oldest first.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		res = append(res, s.snapshot())
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})

	return res
}

// Touch refreshes a session's activity timestamp. Heartbeats land here.
func (m *Manager) Touch(id string) error {
	m.mu.Lock()

	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return NewSessErr("touch", SessionNotFound, id)
	}

	s.LastActive = time.Now()
	snap := s.snapshot()
	m.mu.Unlock()

	return m.store.SaveSession(snap)
}

// SetConnected toggles a session's liveness flag.
func (m *Manager) SetConnected(id string, connected bool) error {
	m.mu.Lock()

	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return NewSessErr("set_connected", SessionNotFound, id)
	}

	s.Connected = connected
	s.LastActive = time.Now()
	snap := s.snapshot()
	m.setActiveGauge()
	m.mu.Unlock()

	return m.store.SaveSession(snap)
}

// Reconnect flips a session back to connected, counting the reconnection.
// All terminal state survives untouched; that is the whole point of
// reconnection.
func (m *Manager) Reconnect(id string) (*Session, error) {
	m.mu.Lock()

	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, NewSessErr("reconnect", SessionNotFound, id)
	}

	s.Connected = true
	s.Reconnects++
	s.LastActive = time.Now()
	snap := s.snapshot()
	m.setActiveGauge()
	m.mu.Unlock()

	if err := m.store.SaveSession(snap); err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"session_id": id,
		"reconnects": snap.Reconnects,
	}).Info("Session reconnected")

	return snap, nil
}

// Close marks a session disconnected and deactivates its terminals. The
// session and its terminal state are kept for later reconnection.
func (m *Manager) Close(id string) error {
	m.mu.Lock()

	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return NewSessErr("close", SessionNotFound, id)
	}

	s.Connected = false
	s.LastActive = time.Now()
	for _, t := range s.Terminals {
		t.mu.Lock()
		t.Active = false
		t.mu.Unlock()
	}
	snap := s.snapshot()
	m.setActiveGauge()
	m.mu.Unlock()

	m.logger.WithField("session_id", id).Info("Session closed")

	return m.store.SaveSession(snap)
}

// Delete removes a session from memory and from the store. Its terminals
// are closed first so no orphaned terminal state survives.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()

	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return NewSessErr("delete", SessionNotFound, id)
	}

	for tid, t := range s.Terminals {
		t.mu.Lock()
		t.Active = false
		t.mu.Unlock()
		delete(s.Terminals, tid)
	}

	delete(m.sessions, id)
	m.setActiveGauge()
	m.mu.Unlock()

	m.logger.WithField("session_id", id).Info("Session deleted")

	return m.store.DeleteSession(id)
}

// NewTerminal adds a terminal to a session. When terminalID is empty a
// fresh UUID is generated. The terminal starts in the caller's home
// directory with an empty environment overlay.
func (m *Manager) NewTerminal(sessionID, terminalID string) (*Terminal, error) {
	if terminalID == "" {
		terminalID = uuid.New().String()
	}

	m.mu.Lock()

	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, NewSessErr("new_terminal", SessionNotFound, sessionID)
	}

	t := &Terminal{
		ID:        terminalID,
		SessionID: sessionID,
		CreatedAt: time.Now(),
		Active:    true,
		Cwd:       homeDir(),
		Env:       map[string]string{},
	}
	s.Terminals[terminalID] = t
	s.LastActive = time.Now()
	snap := s.snapshot()
	m.mu.Unlock()

	if err := m.store.SaveSession(snap); err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"session_id":  sessionID,
		"terminal_id": terminalID,
	}).Info("Terminal created")

	return t.Snapshot(), nil
}

// Terminal returns the live terminal object, against which commands are
// executed. The terminal serializes its own mutations.
func (m *Manager) Terminal(sessionID, terminalID string) (*Terminal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, NewSessErr("terminal", SessionNotFound, sessionID)
	}

	t, ok := s.Terminals[terminalID]
	if !ok {
		return nil, NewSessErr("terminal", TerminalNotFound, terminalID)
	}

	return t, nil
}

// CloseTerminal deactivates and removes a terminal from its session.
func (m *Manager) CloseTerminal(sessionID, terminalID string) error {
	m.mu.Lock()

	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return NewSessErr("close_terminal", SessionNotFound, sessionID)
	}

	t, ok := s.Terminals[terminalID]
	if !ok {
		m.mu.Unlock()
		return NewSessErr("close_terminal", TerminalNotFound, terminalID)
	}

	t.mu.Lock()
	t.Active = false
	t.mu.Unlock()
	delete(s.Terminals, terminalID)
	snap := s.snapshot()
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"session_id":  sessionID,
		"terminal_id": terminalID,
	}).Info("Terminal closed")

	return m.store.SaveSession(snap)
}

// Persist writes one session's current state through to the store. The
// agent calls it after every command so history survives a crash.
func (m *Manager) Persist(id string) error {
	m.mu.Lock()

	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return NewSessErr("persist", SessionNotFound, id)
	}

	snap := s.snapshot()
	m.mu.Unlock()

	return m.store.SaveSession(snap)
}

// PersistAll writes every session through to the store.
func (m *Manager) PersistAll() {
	m.mu.Lock()
	snaps := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snaps = append(snaps, s.snapshot())
	}
	m.mu.Unlock()

	for _, snap := range snaps {
		if err := m.store.SaveSession(snap); err != nil {
			m.logger.WithError(err).WithField("session_id", snap.ID).Error("Persisting session")
		}
	}
}

// CleanupStale deletes sessions that are both disconnected and idle longer
// than SessionMaxAge. Connected sessions are never reaped, however old.
func (m *Manager) CleanupStale() int {
	cutoff := time.Now().Add(-m.conf.SessionMaxAge)

	m.mu.Lock()
	var stale []string
	for id, s := range m.sessions {
		if !s.Connected && s.LastActive.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		if err := m.Delete(id); err != nil {
			m.logger.WithError(err).WithField("session_id", id).Error("Cleaning up session")
			continue
		}
		m.logger.WithField("session_id", id).Info("Cleaned up stale session")
	}

	return len(stale)
}

// ConnectedCount ...
func (m *Manager) ConnectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, s := range m.sessions {
		if s.Connected {
			count++
		}
	}
	return count
}

// Run starts the auto-persistence loop and the cleanup cron.
func (m *Manager) Run() error {
	if _, err := m.cron.AddFunc(m.conf.CleanupSchedule, func() {
		m.CleanupStale()
	}); err != nil {
		return err
	}
	m.cron.Start()

	m.wg.Add(1)
	go m.persistLoop()

	return nil
}

func (m *Manager) persistLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.conf.PersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.PersistAll()
		case <-m.shutdownCh:
			return
		}
	}
}

// Stop halts the background loops, performs a final persist, and closes the
// store. It is idempotent.
func (m *Manager) Stop() {
	m.shutdown.Do(func() {
		close(m.shutdownCh)
		m.wg.Wait()

		ctx := m.cron.Stop()
		<-ctx.Done()

		m.PersistAll()

		if err := m.store.Close(); err != nil {
			m.logger.WithError(err).Error("Closing session store")
		}

		m.logger.Debug("Session manager stopped")
	})
}

func (m *Manager) setActiveGauge() {
	count := 0
	for _, s := range m.sessions {
		if s.Connected {
			count++
		}
	}
	m.metrics.SetSessionsActive(count)
}
