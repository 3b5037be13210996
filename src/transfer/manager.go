package transfer

import (
	"context"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/strandnet/strand/src/config"
	"github.com/strandnet/strand/src/crypto"
	"github.com/strandnet/strand/src/ledger"
	"github.com/strandnet/strand/src/metrics"
)

// ChunkSize is the fixed chunk length. The final chunk of a file may be
// shorter.
const ChunkSize = 4 << 20 // 4 MiB

// sendConcurrency bounds how many chunks SendAll reads and emits at once.
const sendConcurrency = 4

// ChunkInfo records one chunk of a transfer plan.
type ChunkInfo struct {
	Index    int    `json:"chunk_index"`
	Hash     string `json:"chunk_hash"`
	Size     int    `json:"chunk_size"`
	Verified bool   `json:"is_verified"`
}

// Transfer is the full state of one file movement, on either end.
type Transfer struct {
	ID          string             `json:"transfer_id"`
	SessionID   string             `json:"session_id"`
	FileName    string             `json:"file_name"`
	FilePath    string             `json:"file_path,omitempty"`
	OutputPath  string             `json:"output_path,omitempty"`
	FileSize    int64              `json:"file_size"`
	FileHash    string             `json:"file_hash"`
	TotalChunks int                `json:"total_chunks"`
	Direction   string             `json:"direction"`
	Peer        string             `json:"peer"`
	Status      Status             `json:"status"`
	Chunks      map[int]*ChunkInfo `json:"chunks"`
	CreatedAt   time.Time          `json:"created_at"`
	CompletedAt time.Time          `json:"completed_at,omitempty"`
}

func (t *Transfer) verifiedCount() int {
	count := 0
	for _, c := range t.Chunks {
		if c.Verified {
			count++
		}
	}
	return count
}

// snapshot returns a copy detached from the live chunk map.
func (t *Transfer) snapshot() *Transfer {
	cp := *t
	cp.Chunks = make(map[int]*ChunkInfo, len(t.Chunks))
	for i, c := range t.Chunks {
		chunk := *c
		cp.Chunks[i] = &chunk
	}
	return &cp
}

// Sender emits transfer messages into the ledger. *node.Node satisfies it.
type Sender interface {
	Send(to string, kind ledger.Kind, data ledger.Payload) (ledger.Transaction, error)
	ID() string
}

// ProgressFunc is invoked after every newly verified chunk.
type ProgressFunc func(transferID string, done, total int)

// Manager plans, emits, receives, and verifies chunked file transfers. All
// disk writes go through hash verification first; a chunk that does not
// hash to its expected value never touches the output file.
type Manager struct {
	mu        sync.Mutex
	transfers map[string]*Transfer
	callbacks map[string][]ProgressFunc

	sender    Sender
	chunkSize int
	limiter   *rate.Limiter

	logger  *logrus.Entry
	metrics *metrics.Metrics
}

// NewManager ...
func NewManager(conf *config.Config, sender Sender, logger *logrus.Entry, m *metrics.Metrics) *Manager {
	return &Manager{
		transfers: map[string]*Transfer{},
		callbacks: map[string][]ProgressFunc{},
		sender:    sender,
		chunkSize: ChunkSize,
		limiter:   rate.NewLimiter(rate.Limit(conf.ChunkRate), conf.ChunkRate),
		logger:    logger,
		metrics:   m,
	}
}

// PrepareUpload plans a transfer out of a local file: whole-file hash, plus
// a content hash and length per chunk. The file is streamed exactly once.
// An empty transferID generates one.
func (m *Manager) PrepareUpload(path, transferID, sessionID, peer, direction string) (*Transfer, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, NewXferErr("prepare_upload", FileNotFound, path)
	}

	if transferID == "" {
		transferID = uuid.New().String()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, NewXferErr("prepare_upload", FileNotFound, path)
	}
	defer f.Close()

	chunks := map[int]*ChunkInfo{}
	fileHasher := crypto.NewHasher()

	buf := make([]byte, m.chunkSize)
	for index := 0; ; index++ {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			fileHasher.Write(buf[:n])
			chunks[index] = &ChunkInfo{
				Index: index,
				Hash:  crypto.SHA256Hex(buf[:n]),
				Size:  n,
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	t := &Transfer{
		ID:          transferID,
		SessionID:   sessionID,
		FileName:    filepath.Base(path),
		FilePath:    path,
		FileSize:    info.Size(),
		FileHash:    fileHasher.Hex(),
		TotalChunks: len(chunks),
		Direction:   direction,
		Peer:        peer,
		Status:      Pending,
		Chunks:      chunks,
		CreatedAt:   time.Now(),
	}

	m.mu.Lock()
	m.transfers[transferID] = t
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"transfer_id": transferID,
		"file_name":   t.FileName,
		"file_size":   t.FileSize,
		"chunks":      t.TotalChunks,
	}).Info("Upload prepared")

	return t.snapshot(), nil
}

// StartUpload announces the transfer to its peer and marks it in progress.
func (m *Manager) StartUpload(id string) error {
	m.mu.Lock()
	t, ok := m.transfers[id]
	if !ok {
		m.mu.Unlock()
		return NewXferErr("start_upload", TransferNotFound, id)
	}
	t.Status = InProgress
	start := StartPayload{
		TransferID:  t.ID,
		FileName:    t.FileName,
		FileSize:    t.FileSize,
		FileHash:    t.FileHash,
		TotalChunks: t.TotalChunks,
		SessionID:   t.SessionID,
	}
	peer := t.Peer
	kind := startKind(t.Direction)
	m.mu.Unlock()

	data, err := ledger.EncodePayload(start)
	if err != nil {
		return err
	}

	_, err = m.sender.Send(peer, kind, data)
	return err
}

// SendChunk reads one chunk off the source file and emits it. The rate
// limiter gates every send.
func (m *Manager) SendChunk(ctx context.Context, id string, index int) error {
	m.mu.Lock()
	t, ok := m.transfers[id]
	if !ok {
		m.mu.Unlock()
		return NewXferErr("send_chunk", TransferNotFound, id)
	}
	chunk, ok := t.Chunks[index]
	if !ok {
		m.mu.Unlock()
		return NewXferErr("send_chunk", BadChunk, t.ID)
	}
	path := t.FilePath
	peer := t.Peer
	kind := chunkKind(t.Direction)
	size := chunk.Size
	m.mu.Unlock()

	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return NewXferErr("send_chunk", FileNotFound, path)
	}
	defer f.Close()

	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, int64(index)*int64(m.chunkSize)); err != nil {
		return err
	}

	payload := ChunkPayload{
		TransferID: id,
		ChunkIndex: index,
		ChunkData:  base64.StdEncoding.EncodeToString(buf),
		ChunkHash:  crypto.SHA256Hex(buf),
		ChunkSize:  size,
	}

	data, err := ledger.EncodePayload(payload)
	if err != nil {
		return err
	}

	if _, err := m.sender.Send(peer, kind, data); err != nil {
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"transfer_id": id,
		"chunk_index": index,
	}).Debug("Chunk sent")

	return nil
}

// SendAll emits every chunk of a transfer with bounded concurrency, then
// the completion message carrying the whole-file hash.
func (m *Manager) SendAll(ctx context.Context, id string) error {
	m.mu.Lock()
	t, ok := m.transfers[id]
	if !ok {
		m.mu.Unlock()
		return NewXferErr("send_all", TransferNotFound, id)
	}
	total := t.TotalChunks
	peer := t.Peer
	fileName := t.FileName
	fileHash := t.FileHash
	kind := completeKind(t.Direction)
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sendConcurrency)

	for index := 0; index < total; index++ {
		index := index
		g.Go(func() error {
			return m.SendChunk(ctx, id, index)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	complete := CompletePayload{
		TransferID: id,
		FileName:   fileName,
		FileHash:   fileHash,
		Status:     "success",
	}

	data, err := ledger.EncodePayload(complete)
	if err != nil {
		return err
	}

	_, err = m.sender.Send(peer, kind, data)
	return err
}

// TrackIncoming registers the receiving end of a transfer announced by a
// peer. Chunks are recorded as they arrive and verify.
func (m *Manager) TrackIncoming(id, fileName string, fileSize int64, fileHash string, totalChunks int, direction, sessionID, peer, outputPath string) (*Transfer, error) {
	t := &Transfer{
		ID:          id,
		SessionID:   sessionID,
		FileName:    fileName,
		OutputPath:  outputPath,
		FileSize:    fileSize,
		FileHash:    fileHash,
		TotalChunks: totalChunks,
		Direction:   direction,
		Peer:        peer,
		Status:      InProgress,
		Chunks:      map[int]*ChunkInfo{},
		CreatedAt:   time.Now(),
	}

	// An empty file has no chunks to wait for; materialize it right away.
	if totalChunks == 0 {
		if err := os.MkdirAll(filepath.Dir(outputPath), 0700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(outputPath, nil, 0600); err != nil {
			return nil, err
		}
		t.Status = Completed
		t.CompletedAt = time.Now()
	}

	m.mu.Lock()
	m.transfers[id] = t
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"transfer_id": id,
		"file_name":   fileName,
		"chunks":      totalChunks,
		"output":      outputPath,
	}).Info("Tracking incoming transfer")

	return t.snapshot(), nil
}

// ReceiveChunk verifies a chunk's bytes against the expected hash and, only
// on a match, writes them at the chunk's offset in the output file. Chunks
// may arrive in any order. When the last chunk verifies, the transfer is
// marked completed.
func (m *Manager) ReceiveChunk(id string, index int, data []byte, wantHash string) error {
	m.mu.Lock()
	t, ok := m.transfers[id]
	if !ok {
		m.mu.Unlock()
		return NewXferErr("receive_chunk", TransferNotFound, id)
	}
	if index < 0 || index >= t.TotalChunks {
		m.mu.Unlock()
		return NewXferErr("receive_chunk", BadChunk, id)
	}
	outputPath := t.OutputPath
	m.mu.Unlock()

	gotHash := crypto.SHA256Hex(data)
	if gotHash != wantHash {
		m.metrics.IncChunkHashFailures()

		m.logger.WithFields(logrus.Fields{
			"transfer_id": id,
			"chunk_index": index,
		}).Warn("Chunk hash mismatch, rejected")

		return NewXferErr("receive_chunk", ChunkHashMismatch, id)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0700); err != nil {
		return err
	}

	f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteAt(data, int64(index)*int64(m.chunkSize)); err != nil {
		return err
	}

	m.mu.Lock()
	t.Chunks[index] = &ChunkInfo{
		Index:    index,
		Hash:     gotHash,
		Size:     len(data),
		Verified: true,
	}
	done := t.verifiedCount()
	total := t.TotalChunks
	if done == total {
		t.Status = Completed
		t.CompletedAt = time.Now()
	}
	callbacks := append([]ProgressFunc(nil), m.callbacks[id]...)
	m.mu.Unlock()

	m.metrics.IncChunksVerified()

	for _, cb := range callbacks {
		cb(id, done, total)
	}

	if done == total {
		m.logger.WithFields(logrus.Fields{
			"transfer_id": id,
			"chunks":      total,
		}).Info("All chunks verified")
	}

	return nil
}

// VerifyFile independently recomputes the whole-file hash of the
// reassembled output and compares it to the recorded expectation. A
// mismatch fails the transfer.
func (m *Manager) VerifyFile(id string) error {
	m.mu.Lock()
	t, ok := m.transfers[id]
	if !ok {
		m.mu.Unlock()
		return NewXferErr("verify_file", TransferNotFound, id)
	}
	t.Status = Verifying
	path := t.OutputPath
	if path == "" {
		path = t.FilePath
	}
	want := t.FileHash
	m.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		m.markFailed(id)
		return NewXferErr("verify_file", FileNotFound, path)
	}
	got, err := crypto.HashReader(f)
	f.Close()
	if err != nil {
		m.markFailed(id)
		return err
	}

	m.mu.Lock()
	if got != want {
		t.Status = Failed
		m.mu.Unlock()

		m.logger.WithField("transfer_id", id).Error("File hash mismatch")

		return NewXferErr("verify_file", FileHashMismatch, id)
	}

	t.Status = Completed
	if t.CompletedAt.IsZero() {
		t.CompletedAt = time.Now()
	}
	m.mu.Unlock()

	m.logger.WithField("transfer_id", id).Info("File verified")

	return nil
}

// Complete marks a transfer completed. The sending side calls it when the
// receiver reports successful verification.
func (m *Manager) Complete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transfers[id]
	if !ok {
		return NewXferErr("complete", TransferNotFound, id)
	}

	t.Status = Completed
	if t.CompletedAt.IsZero() {
		t.CompletedAt = time.Now()
	}

	return nil
}

// Fail marks a transfer failed.
func (m *Manager) Fail(id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transfers[id]
	if !ok {
		return NewXferErr("fail", TransferNotFound, id)
	}

	t.Status = Failed

	m.logger.WithFields(logrus.Fields{
		"transfer_id": id,
		"reason":      reason,
	}).Warn("Transfer failed")

	return nil
}

// Progress returns how many chunks have verified out of the total.
func (m *Manager) Progress(id string) (done, total int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transfers[id]
	if !ok {
		return 0, 0, NewXferErr("progress", TransferNotFound, id)
	}

	return t.verifiedCount(), t.TotalChunks, nil
}

// OnProgress registers a callback invoked on every newly verified chunk of
// the given transfer.
func (m *Manager) OnProgress(id string, fn ProgressFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callbacks[id] = append(m.callbacks[id], fn)
}

// Get returns a snapshot of a transfer.
func (m *Manager) Get(id string) (*Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transfers[id]
	if !ok {
		return nil, NewXferErr("get", TransferNotFound, id)
	}

	return t.snapshot(), nil
}

// List returns snapshots of every transfer.
func (m *Manager) List() []*Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := make([]*Transfer, 0, len(m.transfers))
	for _, t := range m.transfers {
		res = append(res, t.snapshot())
	}

	return res
}

// Remove drops a transfer and its progress callbacks from memory.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.transfers, id)
	delete(m.callbacks, id)
}

func (m *Manager) markFailed(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.transfers[id]; ok {
		t.Status = Failed
	}
}

func startKind(direction string) ledger.Kind {
	if direction == DirectionDown {
		return ledger.KindFileDownloadStart
	}
	return ledger.KindFileUploadStart
}

func chunkKind(direction string) ledger.Kind {
	if direction == DirectionDown {
		return ledger.KindFileDownloadChunk
	}
	return ledger.KindFileUploadChunk
}

func completeKind(direction string) ledger.Kind {
	if direction == DirectionDown {
		return ledger.KindFileDownloadComplete
	}
	return ledger.KindFileUploadComplete
}
