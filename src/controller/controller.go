package controller

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/strandnet/strand/src/config"
	"github.com/strandnet/strand/src/ledger"
	"github.com/strandnet/strand/src/node"
	"github.com/strandnet/strand/src/session"
	"github.com/strandnet/strand/src/transfer"
)

// outputBuffer is the capacity of the terminal output channel. When the
// consumer lags, the oldest entry is dropped to make room.
const outputBuffer = 256

// Peer is a roster entry built from register and heartbeat broadcasts.
type Peer struct {
	ID        string    `json:"node_id"`
	Moniker   string    `json:"moniker,omitempty"`
	Hostname  string    `json:"hostname"`
	Platform  string    `json:"platform"`
	Arch      string    `json:"arch"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Output is one terminal result delivered asynchronously to the operator.
type Output struct {
	SessionID  string `json:"session_id"`
	TerminalID string `json:"terminal_id"`
	Command    string `json:"command"`
	Output     string `json:"output"`
	ErrOutput  string `json:"error"`
	ExitCode   int    `json:"exit_code"`
	Cwd        string `json:"cwd"`
}

// Controller is the operator end of the channel: it opens sessions against
// agents, drives terminals, moves files, and keeps a roster of the agents
// it has heard from.
type Controller struct {
	conf      *config.Config
	node      *node.Node
	sessions  *session.Manager
	transfers *transfer.Manager

	mu     sync.Mutex
	roster map[string]*Peer

	outputCh chan Output

	logger *logrus.Entry
}

// NewController wires a controller over its collaborators and registers its
// message handlers on the node.
func NewController(conf *config.Config,
	n *node.Node,
	sessions *session.Manager,
	transfers *transfer.Manager,
	logger *logrus.Entry) *Controller {

	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	c := &Controller{
		conf:      conf,
		node:      n,
		sessions:  sessions,
		transfers: transfers,
		roster:    map[string]*Peer{},
		outputCh:  make(chan Output, outputBuffer),
		logger:    logger,
	}

	n.Register(ledger.KindRegister, c.handlePresence)
	n.Register(ledger.KindHeartbeat, c.handlePresence)
	n.Register(ledger.KindSessionHeartbeat, c.handleSessionHeartbeat)
	n.Register(ledger.KindResponse, c.handleResponse)
	n.Register(ledger.KindTerminalOutput, c.handleTerminalOutput)
	n.Register(ledger.KindError, c.handleRemoteError)
	n.Register(ledger.KindFileDownloadStart, c.handleDownloadAnnounce)
	n.Register(ledger.KindFileDownloadChunk, c.handleDownloadChunk)
	n.Register(ledger.KindFileDownloadComplete, c.handleDownloadComplete)
	n.Register(ledger.KindFileVerify, c.handleFileVerify)

	return c
}

// Output delivers terminal results as they arrive. Reads are optional; the
// channel drops its oldest entry when full.
func (c *Controller) Output() <-chan Output {
	return c.outputCh
}

// Peers lists the roster, every agent heard from so far.
func (c *Controller) Peers() []Peer {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := make([]Peer, 0, len(c.roster))
	for _, p := range c.roster {
		res = append(res, *p)
	}
	return res
}

// OpenSession creates a session against an agent and announces it. The
// agent's acknowledgment confirms liveness through the response handler.
func (c *Controller) OpenSession(agentID string) (*session.Session, error) {
	s, err := c.sessions.Open(c.node.ID(), agentID, "", nil)
	if err != nil {
		return nil, err
	}

	data, err := ledger.EncodePayload(ledger.SessionPayload{SessionID: s.ID})
	if err != nil {
		return nil, err
	}
	if _, err := c.node.Send(agentID, ledger.KindSessionOpen, data); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"session_id": s.ID,
		"agent_id":   agentID,
	}).Info("Session opened")

	return s, nil
}

// CloseSession disconnects a session locally and tells the agent.
func (c *Controller) CloseSession(sessionID string) error {
	s, err := c.sessions.Get(sessionID)
	if err != nil {
		return err
	}

	if err := c.sessions.Close(sessionID); err != nil {
		return err
	}

	data, err := ledger.EncodePayload(ledger.SessionPayload{SessionID: sessionID})
	if err != nil {
		return err
	}
	_, err = c.node.Send(s.AgentID, ledger.KindSessionClose, data)
	return err
}

// Reconnect restores a closed session on both ends. Terminal state
// survives; the reconnect counter advances.
func (c *Controller) Reconnect(sessionID string) (*session.Session, error) {
	s, err := c.sessions.Reconnect(sessionID)
	if err != nil {
		return nil, err
	}

	data, err := ledger.EncodePayload(ledger.SessionPayload{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	if _, err := c.node.Send(s.AgentID, ledger.KindSessionReconnect, data); err != nil {
		return nil, err
	}

	return s, nil
}

// NewTerminal creates a terminal in a session on both ends and returns its
// id. The controller generates the id; the agent adopts it.
func (c *Controller) NewTerminal(sessionID string) (string, error) {
	s, err := c.sessions.Get(sessionID)
	if err != nil {
		return "", err
	}

	term, err := c.sessions.NewTerminal(sessionID, "")
	if err != nil {
		return "", err
	}

	data, err := ledger.EncodePayload(ledger.TerminalPayload{
		SessionID:  sessionID,
		TerminalID: term.ID,
	})
	if err != nil {
		return "", err
	}
	if _, err := c.node.Send(s.AgentID, ledger.KindTerminalCreate, data); err != nil {
		return "", err
	}

	return term.ID, nil
}

// CloseTerminal removes a terminal on both ends.
func (c *Controller) CloseTerminal(sessionID, terminalID string) error {
	s, err := c.sessions.Get(sessionID)
	if err != nil {
		return err
	}

	if err := c.sessions.CloseTerminal(sessionID, terminalID); err != nil {
		return err
	}

	data, err := ledger.EncodePayload(ledger.TerminalPayload{
		SessionID:  sessionID,
		TerminalID: terminalID,
	})
	if err != nil {
		return err
	}
	_, err = c.node.Send(s.AgentID, ledger.KindTerminalClose, data)
	return err
}

// Exec sends a command to a terminal. The result arrives asynchronously on
// Output.
func (c *Controller) Exec(sessionID, terminalID, command string) error {
	s, err := c.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if _, err := c.sessions.Terminal(sessionID, terminalID); err != nil {
		return err
	}

	data, err := ledger.EncodePayload(ledger.TerminalPayload{
		SessionID:  sessionID,
		TerminalID: terminalID,
		Command:    command,
	})
	if err != nil {
		return err
	}
	if _, err := c.node.Send(s.AgentID, ledger.KindTerminalCommand, data); err != nil {
		return err
	}

	return c.sessions.Touch(sessionID)
}

// Upload pushes a local file to the session's agent: plan, announce, then
// every chunk, then the completion message. The agent replies with a
// file_verify verdict once the reassembled file checks out.
func (c *Controller) Upload(ctx context.Context, path, sessionID string) (string, error) {
	s, err := c.sessions.Get(sessionID)
	if err != nil {
		return "", err
	}

	t, err := c.transfers.PrepareUpload(path, "", sessionID, s.AgentID, transfer.DirectionUp)
	if err != nil {
		return "", err
	}
	if err := c.transfers.StartUpload(t.ID); err != nil {
		return "", err
	}
	if err := c.transfers.SendAll(ctx, t.ID); err != nil {
		return "", err
	}

	return t.ID, nil
}

// Download asks the session's agent for a remote file. The agent announces
// the transfer and streams chunks back; the download handlers reassemble it
// under DownloadDir.
func (c *Controller) Download(remotePath, sessionID string) (string, error) {
	s, err := c.sessions.Get(sessionID)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()

	data, err := ledger.EncodePayload(transfer.StartPayload{
		TransferID: id,
		FilePath:   remotePath,
		SessionID:  sessionID,
	})
	if err != nil {
		return "", err
	}
	if _, err := c.node.Send(s.AgentID, ledger.KindFileDownloadStart, data); err != nil {
		return "", err
	}

	c.logger.WithFields(logrus.Fields{
		"transfer_id": id,
		"file_path":   remotePath,
		"session_id":  sessionID,
	}).Info("Download requested")

	return id, nil
}

// handlePresence upserts the roster from register and heartbeat broadcasts.
func (c *Controller) handlePresence(tx ledger.Transaction) error {
	p := ledger.PresencePayload{}
	if err := tx.DecodeData(&p); err != nil {
		return err
	}
	if p.NodeID == "" || p.NodeID == c.node.ID() {
		return nil
	}

	c.mu.Lock()
	peer, ok := c.roster[p.NodeID]
	if !ok {
		peer = &Peer{ID: p.NodeID, FirstSeen: time.Now()}
		c.roster[p.NodeID] = peer

		c.logger.WithFields(logrus.Fields{
			"node_id":  p.NodeID,
			"hostname": p.Hostname,
			"platform": p.Platform,
		}).Info("Agent discovered")
	}
	peer.Moniker = p.Moniker
	peer.Hostname = p.Hostname
	peer.Platform = p.Platform
	peer.Arch = p.Arch
	peer.LastSeen = time.Now()
	c.mu.Unlock()

	return nil
}

func (c *Controller) handleSessionHeartbeat(tx ledger.Transaction) error {
	p := ledger.SessionPayload{}
	if err := tx.DecodeData(&p); err != nil {
		return err
	}
	return c.sessions.Touch(p.SessionID)
}

// handleResponse confirms request acknowledgments from agents.
func (c *Controller) handleResponse(tx ledger.Transaction) error {
	p := ledger.ResponsePayload{}
	if err := tx.DecodeData(&p); err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"status":     p.Status,
		"session_id": p.SessionID,
	}).Debug("Acknowledgment")

	switch p.Status {
	case ledger.StatusSessionOpened, ledger.StatusSessionReconnected:
		if err := c.sessions.SetConnected(p.SessionID, true); err != nil {
			return err
		}
		return c.sessions.Touch(p.SessionID)
	case ledger.StatusSessionClosed, ledger.StatusTerminalCreated, ledger.StatusTerminalClosed:
		// Already applied locally when the request was sent.
		return nil
	}

	return nil
}

// handleTerminalOutput feeds the output channel, dropping the oldest entry
// when the consumer lags.
func (c *Controller) handleTerminalOutput(tx ledger.Transaction) error {
	p := ledger.OutputPayload{}
	if err := tx.DecodeData(&p); err != nil {
		return err
	}

	_ = c.sessions.Touch(p.SessionID)

	out := Output{
		SessionID:  p.SessionID,
		TerminalID: p.TerminalID,
		Command:    p.Command,
		Output:     p.Output,
		ErrOutput:  p.ErrOutput,
		ExitCode:   p.ExitCode,
		Cwd:        p.Cwd,
	}

	for {
		select {
		case c.outputCh <- out:
			return nil
		default:
			select {
			case <-c.outputCh:
				c.logger.Warn("Output channel full, dropping oldest entry")
			default:
			}
		}
	}
}

// handleRemoteError logs agent-side failures and fails any transfer the
// error names.
func (c *Controller) handleRemoteError(tx ledger.Transaction) error {
	p := ledger.ErrorPayload{}
	if err := tx.DecodeData(&p); err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"from":        tx.From,
		"code":        p.Code,
		"message":     p.Message,
		"session_id":  p.SessionID,
		"transfer_id": p.TransferID,
	}).Error("Remote error")

	if p.TransferID != "" {
		if err := c.transfers.Fail(p.TransferID, p.Message); err != nil &&
			!transfer.IsXfer(err, transfer.TransferNotFound) {
			return err
		}
	}

	return nil
}

// handleDownloadAnnounce registers an agent's answer to a download request:
// the full transfer metadata, tracked into DownloadDir.
func (c *Controller) handleDownloadAnnounce(tx ledger.Transaction) error {
	p := transfer.StartPayload{}
	if err := tx.DecodeData(&p); err != nil {
		return err
	}

	out := filepath.Join(c.conf.DownloadDir, filepath.Base(p.FileName))

	_, err := c.transfers.TrackIncoming(p.TransferID, p.FileName, p.FileSize,
		p.FileHash, p.TotalChunks, transfer.DirectionDown, p.SessionID, tx.From, out)
	return err
}

func (c *Controller) handleDownloadChunk(tx ledger.Transaction) error {
	p := transfer.ChunkPayload{}
	if err := tx.DecodeData(&p); err != nil {
		return err
	}

	data, err := transfer.DecodeChunkData(p.ChunkData)
	if err != nil {
		return err
	}

	return c.transfers.ReceiveChunk(p.TransferID, p.ChunkIndex, data, p.ChunkHash)
}

// handleDownloadComplete verifies the reassembled download and reports the
// verdict back to the agent.
func (c *Controller) handleDownloadComplete(tx ledger.Transaction) error {
	p := transfer.CompletePayload{}
	if err := tx.DecodeData(&p); err != nil {
		return err
	}

	verifyErr := c.transfers.VerifyFile(p.TransferID)

	verdict, err := ledger.EncodePayload(transfer.VerifyPayload{
		TransferID: p.TransferID,
		FileHash:   p.FileHash,
		Verified:   verifyErr == nil,
	})
	if err != nil {
		return err
	}
	if _, err := c.node.Send(tx.From, ledger.KindFileVerify, verdict); err != nil {
		return err
	}

	return verifyErr
}

// handleFileVerify closes the loop on uploads: the agent reports whether
// the file it reassembled verified.
func (c *Controller) handleFileVerify(tx ledger.Transaction) error {
	p := transfer.VerifyPayload{}
	if err := tx.DecodeData(&p); err != nil {
		return err
	}

	if p.Verified {
		c.logger.WithField("transfer_id", p.TransferID).Info("Transfer verified by peer")
		return c.transfers.Complete(p.TransferID)
	}

	return c.transfers.Fail(p.TransferID, "peer verification failed")
}
