package agent

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/strandnet/strand/src/config"
	"github.com/strandnet/strand/src/ledger"
	"github.com/strandnet/strand/src/node"
	"github.com/strandnet/strand/src/session"
	"github.com/strandnet/strand/src/shell"
	"github.com/strandnet/strand/src/transfer"
)

// Agent is the remote end of the channel. It accepts session and terminal
// requests, runs commands, receives uploads, and serves download requests,
// all through transactions on the shared ledger.
type Agent struct {
	conf      *config.Config
	node      *node.Node
	sessions  *session.Manager
	transfers *transfer.Manager
	runner    shell.Runner

	ctx    context.Context
	cancel context.CancelFunc

	start      time.Time
	shutdownCh chan struct{}
	shutdown   sync.Once
	wg         sync.WaitGroup

	logger *logrus.Entry
}

// NewAgent wires an agent over its collaborators and registers its message
// handlers on the node.
func NewAgent(conf *config.Config,
	n *node.Node,
	sessions *session.Manager,
	transfers *transfer.Manager,
	runner shell.Runner,
	logger *logrus.Entry) *Agent {

	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &Agent{
		conf:       conf,
		node:       n,
		sessions:   sessions,
		transfers:  transfers,
		runner:     runner,
		ctx:        ctx,
		cancel:     cancel,
		start:      time.Now(),
		shutdownCh: make(chan struct{}),
		logger:     logger,
	}

	n.Register(ledger.KindSessionOpen, a.handleSessionOpen)
	n.Register(ledger.KindSessionClose, a.handleSessionClose)
	n.Register(ledger.KindSessionReconnect, a.handleSessionReconnect)
	n.Register(ledger.KindSessionHeartbeat, a.handleSessionHeartbeat)
	n.Register(ledger.KindTerminalCreate, a.handleTerminalCreate)
	n.Register(ledger.KindTerminalCommand, a.handleTerminalCommand)
	n.Register(ledger.KindTerminalClose, a.handleTerminalClose)
	n.Register(ledger.KindFileUploadStart, a.handleUploadStart)
	n.Register(ledger.KindFileUploadChunk, a.handleUploadChunk)
	n.Register(ledger.KindFileUploadComplete, a.handleUploadComplete)
	n.Register(ledger.KindFileDownloadStart, a.handleDownloadRequest)
	n.Register(ledger.KindFileVerify, a.handleFileVerify)

	return a
}

// Run announces the agent on the channel and starts the heartbeat loop.
func (a *Agent) Run() error {
	presence, err := ledger.EncodePayload(a.facts(false))
	if err != nil {
		return err
	}
	if _, err := a.node.Broadcast(ledger.KindRegister, presence); err != nil {
		return err
	}

	a.logger.WithField("node_id", a.node.ID()).Info("Agent registered")

	a.wg.Add(1)
	go a.heartbeatLoop()

	return nil
}

// Shutdown stops the heartbeat loop and waits for in-flight commands.
// Idempotent.
func (a *Agent) Shutdown() {
	a.shutdown.Do(func() {
		a.logger.Debug("Agent shutdown")
		close(a.shutdownCh)
		a.cancel()
		a.wg.Wait()
	})
}

func (a *Agent) heartbeatLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.conf.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.heartbeat()
		case <-a.shutdownCh:
			return
		}
	}
}

// heartbeat broadcasts presence and refreshes every connected session on
// its controller's side.
func (a *Agent) heartbeat() {
	presence, err := ledger.EncodePayload(a.facts(true))
	if err != nil {
		a.logger.WithError(err).Error("Encoding heartbeat")
		return
	}
	if _, err := a.node.Broadcast(ledger.KindHeartbeat, presence); err != nil {
		a.logger.WithError(err).Error("Broadcasting heartbeat")
		return
	}

	for _, s := range a.sessions.List() {
		if !s.Connected {
			continue
		}
		beat, err := ledger.EncodePayload(ledger.SessionPayload{SessionID: s.ID})
		if err != nil {
			continue
		}
		if _, err := a.node.Send(s.ControllerID, ledger.KindSessionHeartbeat, beat); err != nil {
			a.logger.WithError(err).WithField("session_id", s.ID).
				Error("Sending session heartbeat")
		}
	}
}

func (a *Agent) facts(withUptime bool) ledger.PresencePayload {
	hostname, _ := os.Hostname()

	p := ledger.PresencePayload{
		NodeID:   a.node.ID(),
		Moniker:  a.conf.Moniker,
		Hostname: hostname,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
	}
	if withUptime {
		p.Uptime = time.Since(a.start).Seconds()
	}
	return p
}

func (a *Agent) respond(to string, resp ledger.ResponsePayload) error {
	data, err := ledger.EncodePayload(resp)
	if err != nil {
		return err
	}
	_, err = a.node.Send(to, ledger.KindResponse, data)
	return err
}

func (a *Agent) sendError(to string, p ledger.ErrorPayload) {
	data, err := ledger.EncodePayload(p)
	if err != nil {
		return
	}
	if _, err := a.node.Send(to, ledger.KindError, data); err != nil {
		a.logger.WithError(err).Error("Sending error message")
	}
}

func (a *Agent) handleSessionOpen(tx ledger.Transaction) error {
	p := ledger.SessionPayload{}
	if err := tx.DecodeData(&p); err != nil {
		return err
	}

	if _, err := a.sessions.Open(tx.From, a.node.ID(), p.SessionID, p.Metadata); err != nil {
		return err
	}

	return a.respond(tx.From, ledger.ResponsePayload{
		Status:    ledger.StatusSessionOpened,
		SessionID: p.SessionID,
	})
}

func (a *Agent) handleSessionClose(tx ledger.Transaction) error {
	p := ledger.SessionPayload{}
	if err := tx.DecodeData(&p); err != nil {
		return err
	}

	if err := a.sessions.Close(p.SessionID); err != nil {
		return err
	}

	return a.respond(tx.From, ledger.ResponsePayload{
		Status:    ledger.StatusSessionClosed,
		SessionID: p.SessionID,
	})
}

// handleSessionReconnect restores a previously-closed session and reports
// the surviving terminal inventory back to the controller.
func (a *Agent) handleSessionReconnect(tx ledger.Transaction) error {
	p := ledger.SessionPayload{}
	if err := tx.DecodeData(&p); err != nil {
		return err
	}

	s, err := a.sessions.Reconnect(p.SessionID)
	if err != nil {
		a.sendError(tx.From, ledger.ErrorPayload{
			Code:      "session_not_found",
			Message:   err.Error(),
			SessionID: p.SessionID,
		})
		return err
	}

	return a.respond(tx.From, ledger.ResponsePayload{
		Status:    ledger.StatusSessionReconnected,
		SessionID: s.ID,
		Terminals: s.TerminalIDs(),
	})
}

func (a *Agent) handleSessionHeartbeat(tx ledger.Transaction) error {
	p := ledger.SessionPayload{}
	if err := tx.DecodeData(&p); err != nil {
		return err
	}
	return a.sessions.Touch(p.SessionID)
}

func (a *Agent) handleTerminalCreate(tx ledger.Transaction) error {
	p := ledger.TerminalPayload{}
	if err := tx.DecodeData(&p); err != nil {
		return err
	}

	term, err := a.sessions.NewTerminal(p.SessionID, p.TerminalID)
	if err != nil {
		a.sendError(tx.From, ledger.ErrorPayload{
			Code:      "session_not_found",
			Message:   err.Error(),
			SessionID: p.SessionID,
		})
		return err
	}

	return a.respond(tx.From, ledger.ResponsePayload{
		Status:     ledger.StatusTerminalCreated,
		SessionID:  p.SessionID,
		TerminalID: term.ID,
		Cwd:        term.Cwd,
	})
}

// handleTerminalCommand runs the command off the poll goroutine so a slow
// process never stalls dispatch. The terminal itself serializes its own
// commands.
func (a *Agent) handleTerminalCommand(tx ledger.Transaction) error {
	p := ledger.TerminalPayload{}
	if err := tx.DecodeData(&p); err != nil {
		return err
	}

	term, err := a.sessions.Terminal(p.SessionID, p.TerminalID)
	if err != nil {
		a.sendError(tx.From, ledger.ErrorPayload{
			Code:      "terminal_not_found",
			Message:   err.Error(),
			SessionID: p.SessionID,
		})
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		res := term.Execute(a.ctx, a.runner, p.Command, a.conf.CommandTimeout)

		_ = a.sessions.Touch(p.SessionID)
		_ = a.sessions.Persist(p.SessionID)

		out, err := ledger.EncodePayload(ledger.OutputPayload{
			SessionID:  p.SessionID,
			TerminalID: p.TerminalID,
			Command:    p.Command,
			Output:     res.Output,
			ErrOutput:  res.ErrOutput,
			ExitCode:   res.ExitCode,
			Cwd:        res.Cwd,
		})
		if err != nil {
			a.logger.WithError(err).Error("Encoding terminal output")
			return
		}
		if _, err := a.node.Send(tx.From, ledger.KindTerminalOutput, out); err != nil {
			a.logger.WithError(err).Error("Sending terminal output")
		}
	}()

	return nil
}

func (a *Agent) handleTerminalClose(tx ledger.Transaction) error {
	p := ledger.TerminalPayload{}
	if err := tx.DecodeData(&p); err != nil {
		return err
	}

	if err := a.sessions.CloseTerminal(p.SessionID, p.TerminalID); err != nil {
		return err
	}

	return a.respond(tx.From, ledger.ResponsePayload{
		Status:     ledger.StatusTerminalClosed,
		SessionID:  p.SessionID,
		TerminalID: p.TerminalID,
	})
}

// handleUploadStart registers an incoming upload under the uploads
// directory.
func (a *Agent) handleUploadStart(tx ledger.Transaction) error {
	p := transfer.StartPayload{}
	if err := tx.DecodeData(&p); err != nil {
		return err
	}

	out := filepath.Join(a.conf.UploadsDir, filepath.Base(p.FileName))

	_, err := a.transfers.TrackIncoming(p.TransferID, p.FileName, p.FileSize,
		p.FileHash, p.TotalChunks, transfer.DirectionUp, p.SessionID, tx.From, out)
	return err
}

func (a *Agent) handleUploadChunk(tx ledger.Transaction) error {
	p := transfer.ChunkPayload{}
	if err := tx.DecodeData(&p); err != nil {
		return err
	}

	data, err := transfer.DecodeChunkData(p.ChunkData)
	if err != nil {
		return err
	}

	if err := a.transfers.ReceiveChunk(p.TransferID, p.ChunkIndex, data, p.ChunkHash); err != nil {
		if transfer.IsXfer(err, transfer.ChunkHashMismatch) {
			a.sendError(tx.From, ledger.ErrorPayload{
				Code:       "chunk_hash_mismatch",
				Message:    err.Error(),
				TransferID: p.TransferID,
			})
		}
		return err
	}

	return nil
}

// handleUploadComplete runs the whole-file verification and reports the
// verdict back to the sender.
func (a *Agent) handleUploadComplete(tx ledger.Transaction) error {
	p := transfer.CompletePayload{}
	if err := tx.DecodeData(&p); err != nil {
		return err
	}

	verifyErr := a.transfers.VerifyFile(p.TransferID)

	verdict, err := ledger.EncodePayload(transfer.VerifyPayload{
		TransferID: p.TransferID,
		FileHash:   p.FileHash,
		Verified:   verifyErr == nil,
	})
	if err != nil {
		return err
	}
	if _, err := a.node.Send(tx.From, ledger.KindFileVerify, verdict); err != nil {
		return err
	}

	return verifyErr
}

// handleDownloadRequest serves a controller's request for a remote file:
// plan the transfer over the requested path, announce it, and stream every
// chunk back.
func (a *Agent) handleDownloadRequest(tx ledger.Transaction) error {
	p := transfer.StartPayload{}
	if err := tx.DecodeData(&p); err != nil {
		return err
	}

	t, err := a.transfers.PrepareUpload(p.FilePath, p.TransferID, p.SessionID,
		tx.From, transfer.DirectionDown)
	if err != nil {
		a.sendError(tx.From, ledger.ErrorPayload{
			Code:       "file_not_found",
			Message:    err.Error(),
			TransferID: p.TransferID,
		})
		return err
	}

	if err := a.transfers.StartUpload(t.ID); err != nil {
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		if err := a.transfers.SendAll(a.ctx, t.ID); err != nil {
			a.logger.WithError(err).WithField("transfer_id", t.ID).
				Error("Sending download chunks")
			_ = a.transfers.Fail(t.ID, err.Error())
		}
	}()

	return nil
}

// handleFileVerify closes the loop on transfers this agent sent: the peer
// reports whether the reassembled file verified.
func (a *Agent) handleFileVerify(tx ledger.Transaction) error {
	p := transfer.VerifyPayload{}
	if err := tx.DecodeData(&p); err != nil {
		return err
	}

	if p.Verified {
		return a.transfers.Complete(p.TransferID)
	}
	return a.transfers.Fail(p.TransferID, "peer verification failed")
}
