package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSession() *Session {
	now := time.Now().Round(time.Second)

	return &Session{
		ID:           "s-1",
		ControllerID: "controller-1",
		AgentID:      "agent-1",
		CreatedAt:    now,
		LastActive:   now,
		Connected:    true,
		Reconnects:   2,
		Metadata:     map[string]string{"origin": "test"},
		Terminals: map[string]*Terminal{
			"t-1": {
				ID:        "t-1",
				SessionID: "s-1",
				CreatedAt: now,
				Active:    true,
				History:   []string{"cd /tmp", "ls"},
				Cwd:       "/tmp",
				Env:       map[string]string{"PROBE": "42"},
			},
		},
	}
}

func TestBadgerStoreRoundTrip(t *testing.T) {
	store, err := NewBadgerStore(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	defer store.Close()

	want := sampleSession()
	require.NoError(t, store.SaveSession(want))

	sessions, err := store.LoadSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	got := sessions["s-1"]
	require.NotNil(t, got)
	assert.Equal(t, want.ControllerID, got.ControllerID)
	assert.Equal(t, want.AgentID, got.AgentID)
	assert.Equal(t, want.Reconnects, got.Reconnects)
	assert.True(t, got.Connected)

	term := got.Terminals["t-1"]
	require.NotNil(t, term)
	assert.Equal(t, "/tmp", term.Cwd)
	assert.Equal(t, []string{"cd /tmp", "ls"}, term.History)
	assert.Equal(t, map[string]string{"PROBE": "42"}, term.Env)
}

func TestBadgerStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	store, err := NewBadgerStore(path)
	require.NoError(t, err)
	require.NoError(t, store.SaveSession(sampleSession()))
	require.NoError(t, store.Close())

	reopened, err := NewBadgerStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	sessions, err := reopened.LoadSessions()
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestBadgerStoreDelete(t *testing.T) {
	store, err := NewBadgerStore(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.SaveSession(sampleSession()))
	require.NoError(t, store.DeleteSession("s-1"))

	sessions, err := store.LoadSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions)

	// Deleting a missing key is not an error.
	require.NoError(t, store.DeleteSession("ghost"))
}

func TestRecordVersionChecked(t *testing.T) {
	rec := toRecord(sampleSession())
	rec.Version = 99

	_, err := fromRecord(rec)
	require.Error(t, err)
	assert.True(t, IsSess(err, BadRecord))

	// The record survives a cbor round trip with its version intact.
	data, err := cbor.Marshal(toRecord(sampleSession()))
	require.NoError(t, err)

	var decoded sessionRecord
	require.NoError(t, cbor.Unmarshal(data, &decoded))
	assert.Equal(t, recordVersion, decoded.Version)
}
