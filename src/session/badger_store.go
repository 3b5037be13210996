package session

import (
	"time"

	"github.com/dgraph-io/badger"
	"github.com/fxamacker/cbor/v2"
)

const sessionPrefix = "session_"

// recordVersion is the version stamped on every persisted session record.
// Decoding a record with a different version fails with a BadRecord error,
// so that a future schema change cannot be silently misread.
const recordVersion = 1

// terminalRecord is the persisted form of a Terminal.
type terminalRecord struct {
	ID        string            `cbor:"terminal_id"`
	SessionID string            `cbor:"session_id"`
	CreatedAt time.Time         `cbor:"created_at"`
	Active    bool              `cbor:"is_active"`
	History   []string          `cbor:"command_history"`
	Cwd       string            `cbor:"current_directory"`
	Env       map[string]string `cbor:"environment"`
}

// sessionRecord is the persisted form of a Session, including its terminals.
type sessionRecord struct {
	Version      int                       `cbor:"version"`
	ID           string                    `cbor:"session_id"`
	ControllerID string                    `cbor:"controller_id"`
	AgentID      string                    `cbor:"agent_id"`
	CreatedAt    time.Time                 `cbor:"created_at"`
	LastActive   time.Time                 `cbor:"last_active"`
	Connected    bool                      `cbor:"is_connected"`
	Reconnects   int                       `cbor:"reconnect_count"`
	Metadata     map[string]string         `cbor:"metadata,omitempty"`
	Terminals    map[string]terminalRecord `cbor:"terminals"`
}

func toRecord(s *Session) sessionRecord {
	rec := sessionRecord{
		Version:      recordVersion,
		ID:           s.ID,
		ControllerID: s.ControllerID,
		AgentID:      s.AgentID,
		CreatedAt:    s.CreatedAt,
		LastActive:   s.LastActive,
		Connected:    s.Connected,
		Reconnects:   s.Reconnects,
		Metadata:     s.Metadata,
		Terminals:    make(map[string]terminalRecord, len(s.Terminals)),
	}

	for id, t := range s.Terminals {
		rec.Terminals[id] = terminalRecord{
			ID:        t.ID,
			SessionID: t.SessionID,
			CreatedAt: t.CreatedAt,
			Active:    t.Active,
			History:   t.History,
			Cwd:       t.Cwd,
			Env:       t.Env,
		}
	}

	return rec
}

func fromRecord(rec sessionRecord) (*Session, error) {
	if rec.Version != recordVersion {
		return nil, NewSessErr("decode", BadRecord, rec.ID)
	}

	s := &Session{
		ID:           rec.ID,
		ControllerID: rec.ControllerID,
		AgentID:      rec.AgentID,
		CreatedAt:    rec.CreatedAt,
		LastActive:   rec.LastActive,
		Connected:    rec.Connected,
		Reconnects:   rec.Reconnects,
		Metadata:     rec.Metadata,
		Terminals:    make(map[string]*Terminal, len(rec.Terminals)),
	}

	for id, tr := range rec.Terminals {
		s.Terminals[id] = &Terminal{
			ID:        tr.ID,
			SessionID: tr.SessionID,
			CreatedAt: tr.CreatedAt,
			Active:    tr.Active,
			History:   tr.History,
			Cwd:       tr.Cwd,
			Env:       tr.Env,
		}
	}

	return s, nil
}

// BadgerStore persists session records in a Badger database, one record per
// session under a session_<id> key. Records are CBOR-encoded with an
// explicit schema version.
type BadgerStore struct {
	db   *badger.DB
	path string
}

// NewBadgerStore opens, or creates, a database at the given path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerStore{
		db:   handle,
		path: path,
	}, nil
}

func sessionKey(id string) []byte {
	return []byte(sessionPrefix + id)
}

// SaveSession ...
func (s *BadgerStore) SaveSession(sess *Session) error {
	data, err := cbor.Marshal(toRecord(sess))
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(sess.ID), data)
	})
}

// LoadSessions ...
func (s *BadgerStore) LoadSessions() (map[string]*Session, error) {
	res := map[string]*Session{}

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(sessionPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			var rec sessionRecord
			if err := cbor.Unmarshal(data, &rec); err != nil {
				return err
			}

			sess, err := fromRecord(rec)
			if err != nil {
				return err
			}

			res[sess.ID] = sess
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// DeleteSession ...
func (s *BadgerStore) DeleteSession(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(sessionKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// Close ...
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
