package transfer

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandnet/strand/src/common"
	"github.com/strandnet/strand/src/config"
	"github.com/strandnet/strand/src/crypto"
	"github.com/strandnet/strand/src/ledger"
)

type sentMessage struct {
	to   string
	kind ledger.Kind
	data ledger.Payload
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (s *fakeSender) Send(to string, kind ledger.Kind, data ledger.Payload) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{to: to, kind: kind, data: data})
	return ledger.Transaction{Kind: kind, From: s.ID(), To: to, Data: data}, nil
}

func (s *fakeSender) ID() string { return "sender-1" }

func (s *fakeSender) byKind(kind ledger.Kind) []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := []sentMessage{}
	for _, m := range s.sent {
		if m.kind == kind {
			res = append(res, m)
		}
	}
	return res
}

func newTestManager(t *testing.T, sender Sender) *Manager {
	conf := config.NewTestConfig(t)
	conf.ChunkRate = 1000

	m := NewManager(conf, sender, common.NewTestEntry(t, "transfer"), nil)
	m.chunkSize = 8

	return m
}

func writeTempFile(t *testing.T, name string, data []byte) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func TestPrepareUpload(t *testing.T) {
	m := newTestManager(t, &fakeSender{})

	data := []byte("01234567abcdefghWXYZ") // 20 bytes, 8-byte chunks
	path := writeTempFile(t, "payload.bin", data)

	tr, err := m.PrepareUpload(path, "", "sess-1", "agent-1", DirectionUp)
	require.NoError(t, err)

	assert.NotEmpty(t, tr.ID)
	assert.Equal(t, "payload.bin", tr.FileName)
	assert.Equal(t, int64(20), tr.FileSize)
	assert.Equal(t, 3, tr.TotalChunks)
	assert.Equal(t, Pending, tr.Status)
	assert.Equal(t, crypto.SHA256Hex(data), tr.FileHash)

	assert.Equal(t, 8, tr.Chunks[0].Size)
	assert.Equal(t, 8, tr.Chunks[1].Size)
	assert.Equal(t, 4, tr.Chunks[2].Size)
	assert.Equal(t, crypto.SHA256Hex(data[8:16]), tr.Chunks[1].Hash)
}

func TestPrepareUploadMissingFile(t *testing.T) {
	m := newTestManager(t, &fakeSender{})

	_, err := m.PrepareUpload("/no/such/file", "", "sess-1", "agent-1", DirectionUp)
	require.Error(t, err)
	assert.True(t, IsXfer(err, FileNotFound))
}

func TestStartUploadAnnounces(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(t, sender)

	path := writeTempFile(t, "payload.bin", []byte("0123456789"))
	tr, err := m.PrepareUpload(path, "xfer-1", "sess-1", "agent-1", DirectionUp)
	require.NoError(t, err)
	require.NoError(t, m.StartUpload(tr.ID))

	starts := sender.byKind(ledger.KindFileUploadStart)
	require.Len(t, starts, 1)
	assert.Equal(t, "agent-1", starts[0].to)

	start := StartPayload{}
	require.NoError(t, ledger.DecodePayload(starts[0].data, &start))
	assert.Equal(t, "xfer-1", start.TransferID)
	assert.Equal(t, tr.FileHash, start.FileHash)
	assert.Equal(t, tr.TotalChunks, start.TotalChunks)

	got, err := m.Get(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, InProgress, got.Status)
}

func TestSendAllEmitsChunksThenComplete(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(t, sender)

	data := []byte("the quick brown fox jumps over")
	path := writeTempFile(t, "payload.bin", data)

	tr, err := m.PrepareUpload(path, "xfer-1", "sess-1", "agent-1", DirectionUp)
	require.NoError(t, err)
	require.NoError(t, m.StartUpload(tr.ID))
	require.NoError(t, m.SendAll(context.Background(), tr.ID))

	chunks := sender.byKind(ledger.KindFileUploadChunk)
	require.Len(t, chunks, tr.TotalChunks)

	seen := map[int]bool{}
	for _, msg := range chunks {
		payload := ChunkPayload{}
		require.NoError(t, ledger.DecodePayload(msg.data, &payload))

		raw, err := base64.StdEncoding.DecodeString(payload.ChunkData)
		require.NoError(t, err)
		assert.Equal(t, crypto.SHA256Hex(raw), payload.ChunkHash)
		assert.Equal(t, len(raw), payload.ChunkSize)
		assert.Equal(t, tr.Chunks[payload.ChunkIndex].Hash, payload.ChunkHash)

		seen[payload.ChunkIndex] = true
	}
	assert.Len(t, seen, tr.TotalChunks)

	completes := sender.byKind(ledger.KindFileUploadComplete)
	require.Len(t, completes, 1)

	complete := CompletePayload{}
	require.NoError(t, ledger.DecodePayload(completes[0].data, &complete))
	assert.Equal(t, tr.FileHash, complete.FileHash)
	assert.Equal(t, "success", complete.Status)
}

func TestDownloadDirectionKinds(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(t, sender)

	path := writeTempFile(t, "payload.bin", []byte("0123456789"))
	tr, err := m.PrepareUpload(path, "xfer-1", "sess-1", "controller-1", DirectionDown)
	require.NoError(t, err)
	require.NoError(t, m.StartUpload(tr.ID))
	require.NoError(t, m.SendAll(context.Background(), tr.ID))

	assert.Len(t, sender.byKind(ledger.KindFileDownloadStart), 1)
	assert.Len(t, sender.byKind(ledger.KindFileDownloadChunk), tr.TotalChunks)
	assert.Len(t, sender.byKind(ledger.KindFileDownloadComplete), 1)
	assert.Empty(t, sender.byKind(ledger.KindFileUploadChunk))
}

func TestReceiveChunksOutOfOrder(t *testing.T) {
	sender := newTestManager(t, &fakeSender{})
	receiver := newTestManager(t, &fakeSender{})

	data := []byte("01234567abcdefghWXYZ")
	path := writeTempFile(t, "source.bin", data)

	tr, err := sender.PrepareUpload(path, "xfer-1", "sess-1", "agent-1", DirectionUp)
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "nested", "dest.bin")
	_, err = receiver.TrackIncoming(tr.ID, tr.FileName, tr.FileSize, tr.FileHash, tr.TotalChunks, DirectionUp, "sess-1", "sender-1", out)
	require.NoError(t, err)

	// Last chunk first.
	for _, index := range []int{2, 0, 1} {
		start := index * 8
		end := start + tr.Chunks[index].Size
		require.NoError(t, receiver.ReceiveChunk(tr.ID, index, data[start:end], tr.Chunks[index].Hash))
	}

	got, err := receiver.Get(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, Completed, got.Status)
	assert.False(t, got.CompletedAt.IsZero())

	written, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, data, written)

	require.NoError(t, receiver.VerifyFile(tr.ID))
}

func TestTamperedChunkNeverWritten(t *testing.T) {
	receiver := newTestManager(t, &fakeSender{})

	data := []byte("01234567")
	out := filepath.Join(t.TempDir(), "dest.bin")
	_, err := receiver.TrackIncoming("xfer-1", "dest.bin", int64(len(data)), crypto.SHA256Hex(data), 1, DirectionUp, "sess-1", "sender-1", out)
	require.NoError(t, err)

	tampered := []byte("0123456X")
	err = receiver.ReceiveChunk("xfer-1", 0, tampered, crypto.SHA256Hex(data))
	require.Error(t, err)
	assert.True(t, IsXfer(err, ChunkHashMismatch))

	// The rejected bytes must not have touched disk.
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))

	done, total, err := receiver.Progress("xfer-1")
	require.NoError(t, err)
	assert.Equal(t, 0, done)
	assert.Equal(t, 1, total)

	// The correct bytes still go through afterwards.
	require.NoError(t, receiver.ReceiveChunk("xfer-1", 0, data, crypto.SHA256Hex(data)))
	require.NoError(t, receiver.VerifyFile("xfer-1"))
}

func TestReceiveChunkOutOfRange(t *testing.T) {
	receiver := newTestManager(t, &fakeSender{})

	out := filepath.Join(t.TempDir(), "dest.bin")
	_, err := receiver.TrackIncoming("xfer-1", "dest.bin", 8, "irrelevant", 1, DirectionUp, "sess-1", "sender-1", out)
	require.NoError(t, err)

	err = receiver.ReceiveChunk("xfer-1", 5, []byte("01234567"), crypto.SHA256Hex([]byte("01234567")))
	require.Error(t, err)
	assert.True(t, IsXfer(err, BadChunk))
}

func TestVerifyFileMismatchFails(t *testing.T) {
	receiver := newTestManager(t, &fakeSender{})

	data := []byte("01234567")
	out := filepath.Join(t.TempDir(), "dest.bin")
	_, err := receiver.TrackIncoming("xfer-1", "dest.bin", int64(len(data)), "not-the-right-hash", 1, DirectionUp, "sess-1", "sender-1", out)
	require.NoError(t, err)

	require.NoError(t, receiver.ReceiveChunk("xfer-1", 0, data, crypto.SHA256Hex(data)))

	err = receiver.VerifyFile("xfer-1")
	require.Error(t, err)
	assert.True(t, IsXfer(err, FileHashMismatch))

	got, err := receiver.Get("xfer-1")
	require.NoError(t, err)
	assert.Equal(t, Failed, got.Status)
}

func TestProgressCallbacks(t *testing.T) {
	receiver := newTestManager(t, &fakeSender{})

	data := []byte("01234567abcdefgh")
	out := filepath.Join(t.TempDir(), "dest.bin")
	_, err := receiver.TrackIncoming("xfer-1", "dest.bin", int64(len(data)), crypto.SHA256Hex(data), 2, DirectionUp, "sess-1", "sender-1", out)
	require.NoError(t, err)

	var calls [][2]int
	receiver.OnProgress("xfer-1", func(id string, done, total int) {
		assert.Equal(t, "xfer-1", id)
		calls = append(calls, [2]int{done, total})
	})

	require.NoError(t, receiver.ReceiveChunk("xfer-1", 0, data[:8], crypto.SHA256Hex(data[:8])))
	require.NoError(t, receiver.ReceiveChunk("xfer-1", 1, data[8:], crypto.SHA256Hex(data[8:])))

	require.Equal(t, [][2]int{{1, 2}, {2, 2}}, calls)
}

func TestEmptyFileTransfer(t *testing.T) {
	sender := &fakeSender{}
	m := newTestManager(t, sender)

	path := writeTempFile(t, "empty.bin", nil)
	tr, err := m.PrepareUpload(path, "xfer-1", "sess-1", "agent-1", DirectionUp)
	require.NoError(t, err)
	assert.Equal(t, 0, tr.TotalChunks)

	require.NoError(t, m.StartUpload(tr.ID))
	require.NoError(t, m.SendAll(context.Background(), tr.ID))
	assert.Empty(t, sender.byKind(ledger.KindFileUploadChunk))
	assert.Len(t, sender.byKind(ledger.KindFileUploadComplete), 1)

	receiver := newTestManager(t, &fakeSender{})
	out := filepath.Join(t.TempDir(), "empty-out.bin")
	got, err := receiver.TrackIncoming(tr.ID, tr.FileName, 0, tr.FileHash, 0, DirectionUp, "sess-1", "sender-1", out)
	require.NoError(t, err)
	assert.Equal(t, Completed, got.Status)

	require.NoError(t, receiver.VerifyFile(tr.ID))

	written, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Empty(t, written)
}

func TestCompleteAndFailAndRemove(t *testing.T) {
	m := newTestManager(t, &fakeSender{})

	path := writeTempFile(t, "payload.bin", []byte("0123456789"))
	tr, err := m.PrepareUpload(path, "xfer-1", "sess-1", "agent-1", DirectionUp)
	require.NoError(t, err)

	require.NoError(t, m.Complete(tr.ID))
	got, err := m.Get(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, Completed, got.Status)

	require.NoError(t, m.Fail(tr.ID, "test"))
	got, err = m.Get(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, Failed, got.Status)

	assert.Len(t, m.List(), 1)
	m.Remove(tr.ID)
	assert.Empty(t, m.List())

	_, err = m.Get(tr.ID)
	assert.True(t, IsXfer(err, TransferNotFound))
}
