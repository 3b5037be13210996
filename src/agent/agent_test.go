package agent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/strandnet/strand/src/common"
	"github.com/strandnet/strand/src/config"
	"github.com/strandnet/strand/src/crypto"
	"github.com/strandnet/strand/src/ledger"
	"github.com/strandnet/strand/src/node"
	"github.com/strandnet/strand/src/session"
	"github.com/strandnet/strand/src/shell"
	"github.com/strandnet/strand/src/transfer"
)

// fixture is an agent wired to an in-process ledger, plus a controller-side
// node that doubles as the sealing authority.
type fixture struct {
	conf      *config.Config
	chain     *ledger.Ledger
	agent     *Agent
	agentNode *node.Node
	ctlNode   *node.Node
	sessions  *session.Manager
	transfers *transfer.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	conf := config.NewTestConfig(t)
	conf.ChunkRate = 1000

	chain, err := ledger.New([]string{"ctl"}, common.NewTestEntry(t, "ledger"))
	require.NoError(t, err)

	agentNode := node.NewNode(conf, "agent-1", chain, common.NewTestEntry(t, "node"), nil)
	ctlNode := node.NewNode(conf, "ctl", chain, common.NewTestEntry(t, "node"), nil)

	sessions, err := session.NewManager(conf, session.NewInmemStore(), common.NewTestEntry(t, "session"), nil)
	require.NoError(t, err)

	transfers := transfer.NewManager(conf, agentNode, common.NewTestEntry(t, "transfer"), nil)

	a := NewAgent(conf, agentNode, sessions, transfers, shell.NewExecRunner(), common.NewTestEntry(t, "agent"))

	agentNode.Run()
	ctlNode.Run()

	t.Cleanup(func() {
		a.Shutdown()
		agentNode.Shutdown()
		ctlNode.Shutdown()
	})

	return &fixture{
		conf:      conf,
		chain:     chain,
		agent:     a,
		agentNode: agentNode,
		ctlNode:   ctlNode,
		sessions:  sessions,
		transfers: transfers,
	}
}

func collect(n *node.Node, kind ledger.Kind) func() []ledger.Transaction {
	var mu sync.Mutex
	var got []ledger.Transaction

	n.Register(kind, func(tx ledger.Transaction) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, tx)
		return nil
	})

	return func() []ledger.Transaction {
		mu.Lock()
		defer mu.Unlock()
		res := make([]ledger.Transaction, len(got))
		copy(res, got)
		return res
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func send(t *testing.T, n *node.Node, to string, kind ledger.Kind, v interface{}) {
	t.Helper()

	data, err := ledger.EncodePayload(v)
	require.NoError(t, err)
	_, err = n.Send(to, kind, data)
	require.NoError(t, err)
}

func responses(t *testing.T, txs []ledger.Transaction) []ledger.ResponsePayload {
	t.Helper()

	res := make([]ledger.ResponsePayload, len(txs))
	for i, tx := range txs {
		require.NoError(t, tx.DecodeData(&res[i]))
	}
	return res
}

func TestSessionAndTerminalLifecycle(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	f := newFixture(t)
	gotResponses := collect(f.ctlNode, ledger.KindResponse)
	gotOutputs := collect(f.ctlNode, ledger.KindTerminalOutput)

	send(t, f.ctlNode, "agent-1", ledger.KindSessionOpen,
		ledger.SessionPayload{SessionID: "sess-1"})

	waitFor(t, func() bool { return len(gotResponses()) >= 1 })
	resp := responses(t, gotResponses())[0]
	assert.Equal(t, ledger.StatusSessionOpened, resp.Status)
	assert.Equal(t, "sess-1", resp.SessionID)

	s, err := f.sessions.Get("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "ctl", s.ControllerID)
	assert.True(t, s.Connected)

	send(t, f.ctlNode, "agent-1", ledger.KindTerminalCreate,
		ledger.TerminalPayload{SessionID: "sess-1", TerminalID: "term-1"})

	waitFor(t, func() bool { return len(gotResponses()) >= 2 })
	resp = responses(t, gotResponses())[1]
	assert.Equal(t, ledger.StatusTerminalCreated, resp.Status)
	assert.Equal(t, "term-1", resp.TerminalID)
	assert.NotEmpty(t, resp.Cwd)

	send(t, f.ctlNode, "agent-1", ledger.KindTerminalCommand,
		ledger.TerminalPayload{SessionID: "sess-1", TerminalID: "term-1", Command: "echo hello"})

	waitFor(t, func() bool { return len(gotOutputs()) >= 1 })
	out := ledger.OutputPayload{}
	require.NoError(t, gotOutputs()[0].DecodeData(&out))
	assert.Equal(t, "sess-1", out.SessionID)
	assert.Equal(t, "term-1", out.TerminalID)
	assert.Equal(t, "echo hello", out.Command)
	assert.Equal(t, "hello\n", out.Output)
	assert.Equal(t, 0, out.ExitCode)
	assert.NotEmpty(t, out.Cwd)

	send(t, f.ctlNode, "agent-1", ledger.KindSessionClose,
		ledger.SessionPayload{SessionID: "sess-1"})

	waitFor(t, func() bool { return len(gotResponses()) >= 3 })
	assert.Equal(t, ledger.StatusSessionClosed, responses(t, gotResponses())[2].Status)

	s, err = f.sessions.Get("sess-1")
	require.NoError(t, err)
	assert.False(t, s.Connected)

	send(t, f.ctlNode, "agent-1", ledger.KindSessionReconnect,
		ledger.SessionPayload{SessionID: "sess-1"})

	waitFor(t, func() bool { return len(gotResponses()) >= 4 })
	resp = responses(t, gotResponses())[3]
	assert.Equal(t, ledger.StatusSessionReconnected, resp.Status)
	assert.Equal(t, []string{"term-1"}, resp.Terminals)

	s, err = f.sessions.Get("sess-1")
	require.NoError(t, err)
	assert.True(t, s.Connected)
	assert.Equal(t, 1, s.Reconnects)
}

func TestAgentRegistersAndHeartbeats(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	f := newFixture(t)
	gotRegisters := collect(f.ctlNode, ledger.KindRegister)
	gotHeartbeats := collect(f.ctlNode, ledger.KindHeartbeat)

	require.NoError(t, f.agent.Run())

	waitFor(t, func() bool { return len(gotRegisters()) >= 1 })
	presence := ledger.PresencePayload{}
	require.NoError(t, gotRegisters()[0].DecodeData(&presence))
	assert.Equal(t, "agent-1", presence.NodeID)
	assert.NotEmpty(t, presence.Hostname)
	assert.NotEmpty(t, presence.Platform)
	assert.NotEmpty(t, presence.Arch)

	waitFor(t, func() bool { return len(gotHeartbeats()) >= 1 })
}

func TestUploadFlow(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	f := newFixture(t)
	gotVerify := collect(f.ctlNode, ledger.KindFileVerify)

	// The controller side plans and drives the upload with its own transfer
	// manager over the shared ledger.
	ctlTransfers := transfer.NewManager(f.conf, f.ctlNode, common.NewTestEntry(t, "transfer"), nil)

	data := []byte("upload me, verify me")
	src := filepath.Join(t.TempDir(), "tool.bin")
	require.NoError(t, os.WriteFile(src, data, 0600))

	tr, err := ctlTransfers.PrepareUpload(src, "", "sess-1", "agent-1", transfer.DirectionUp)
	require.NoError(t, err)
	require.NoError(t, ctlTransfers.StartUpload(tr.ID))
	require.NoError(t, ctlTransfers.SendAll(context.Background(), tr.ID))

	waitFor(t, func() bool { return len(gotVerify()) >= 1 })
	verdict := transfer.VerifyPayload{}
	require.NoError(t, gotVerify()[0].DecodeData(&verdict))
	assert.Equal(t, tr.ID, verdict.TransferID)
	assert.True(t, verdict.Verified)

	written, err := os.ReadFile(filepath.Join(f.conf.UploadsDir, "tool.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, written)
}

func TestDownloadRequestStreamsFileBack(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	f := newFixture(t)
	gotStarts := collect(f.ctlNode, ledger.KindFileDownloadStart)
	gotChunks := collect(f.ctlNode, ledger.KindFileDownloadChunk)
	gotCompletes := collect(f.ctlNode, ledger.KindFileDownloadComplete)

	data := []byte("remote file contents")
	remote := filepath.Join(t.TempDir(), "loot.txt")
	require.NoError(t, os.WriteFile(remote, data, 0600))

	id := uuid.New().String()
	send(t, f.ctlNode, "agent-1", ledger.KindFileDownloadStart,
		transfer.StartPayload{TransferID: id, FilePath: remote, SessionID: "sess-1"})

	waitFor(t, func() bool { return len(gotCompletes()) >= 1 })

	starts := gotStarts()
	require.NotEmpty(t, starts)
	announce := transfer.StartPayload{}
	require.NoError(t, starts[len(starts)-1].DecodeData(&announce))
	assert.Equal(t, id, announce.TransferID)
	assert.Equal(t, "loot.txt", announce.FileName)
	assert.Equal(t, crypto.SHA256Hex(data), announce.FileHash)
	assert.Equal(t, 1, announce.TotalChunks)

	require.Len(t, gotChunks(), 1)
	chunk := transfer.ChunkPayload{}
	require.NoError(t, gotChunks()[0].DecodeData(&chunk))
	raw, err := transfer.DecodeChunkData(chunk.ChunkData)
	require.NoError(t, err)
	assert.Equal(t, data, raw)

	complete := transfer.CompletePayload{}
	require.NoError(t, gotCompletes()[0].DecodeData(&complete))
	assert.Equal(t, id, complete.TransferID)
	assert.Equal(t, crypto.SHA256Hex(data), complete.FileHash)
}

func TestDownloadRequestMissingFile(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	f := newFixture(t)
	gotErrors := collect(f.ctlNode, ledger.KindError)

	send(t, f.ctlNode, "agent-1", ledger.KindFileDownloadStart,
		transfer.StartPayload{TransferID: "xfer-1", FilePath: "/no/such/file", SessionID: "sess-1"})

	waitFor(t, func() bool { return len(gotErrors()) >= 1 })
	remoteErr := ledger.ErrorPayload{}
	require.NoError(t, gotErrors()[0].DecodeData(&remoteErr))
	assert.Equal(t, "file_not_found", remoteErr.Code)
	assert.Equal(t, "xfer-1", remoteErr.TransferID)
}

func TestShutdownIdempotent(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	f := newFixture(t)
	require.NoError(t, f.agent.Run())

	f.agent.Shutdown()
	f.agent.Shutdown()
}
