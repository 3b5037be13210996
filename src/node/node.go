package node

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/strandnet/strand/src/config"
	"github.com/strandnet/strand/src/ledger"
	"github.com/strandnet/strand/src/metrics"
)

// Chain is the node's only view of the ledger. *ledger.Ledger satisfies it;
// anything else that can queue, seal, and query transactions can be swapped
// in behind it.
type Chain interface {
	AddTransaction(tx ledger.Transaction) (ledger.Transaction, error)
	TransactionsFor(nodeID string, sinceBlock int) []ledger.Transaction
	CreateBlock(validator string) (*ledger.Block, error)
	Sync(candidate []ledger.Block) (bool, error)
	Tip() ledger.Block
	Height() int
	PendingCount() int
	IsAuthority(id string) bool
	Stats() map[string]string
}

// Handler consumes one transaction addressed to this node. Handlers are
// expected not to block; long work belongs in a goroutine.
type Handler func(tx ledger.Transaction) error

// Node is one participant on the channel. It stamps outgoing envelopes,
// polls the ledger for transactions addressed to it, dispatches them to
// registered handlers, and, when its id is in the authority set, runs the
// sealing loop.
type Node struct {
	state

	conf  *config.Config
	id    string
	chain Chain

	handlersMu sync.RWMutex
	handlers   map[ledger.Kind][]Handler

	// lastSeen is the index of the highest block whose transactions have
	// been dispatched. The cursor only advances, so every sealed
	// transaction is delivered at most once.
	lastSeen    int64
	delivered   int64
	handlerErrs int64

	controlTimer *ControlTimer
	shutdownCh   chan struct{}

	start   time.Time
	logger  *logrus.Entry
	metrics *metrics.Metrics
}

// NewNode ...
func NewNode(conf *config.Config, id string, chain Chain, logger *logrus.Entry, m *metrics.Metrics) *Node {
	return &Node{
		conf:         conf,
		id:           id,
		chain:        chain,
		handlers:     map[ledger.Kind][]Handler{},
		controlTimer: NewTimeoutControlTimer(),
		shutdownCh:   make(chan struct{}),
		logger:       logger.WithField("this_id", id),
		metrics:      m,
	}
}

// ID ...
func (n *Node) ID() string {
	return n.id
}

// Chain exposes the underlying ledger view.
func (n *Node) Chain() Chain {
	return n.chain
}

// Register appends a handler for a message kind. Multiple handlers per kind
// are invoked in registration order.
func (n *Node) Register(kind ledger.Kind, handler Handler) {
	n.handlersMu.Lock()
	defer n.handlersMu.Unlock()

	n.handlers[kind] = append(n.handlers[kind], handler)
}

// Send builds an envelope and queues it in the ledger's pending pool. It is
// legal to Send before Run; the transaction simply waits to be sealed.
func (n *Node) Send(to string, kind ledger.Kind, data ledger.Payload) (ledger.Transaction, error) {
	tx := ledger.Transaction{
		Kind:      kind,
		From:      n.id,
		To:        to,
		Data:      data,
		MessageID: uuid.New().String(),
	}

	stamped, err := n.chain.AddTransaction(tx)
	if err != nil {
		return stamped, err
	}

	n.metrics.IncSubmitted()

	return stamped, nil
}

// Broadcast sends to every node.
func (n *Node) Broadcast(kind ledger.Kind, data ledger.Payload) (ledger.Transaction, error) {
	return n.Send(ledger.Broadcast, kind, data)
}

// Run starts the poll loop and, if this node is an authority, the seal
// loop. It returns immediately; the loops run until Shutdown.
func (n *Node) Run() {
	n.start = time.Now()
	n.setState(Running)

	n.logger.WithField("state", n.getState().String()).Debug("Run")

	if n.chain.IsAuthority(n.id) {
		n.goFunc(func() { n.controlTimer.Run(n.conf.SealInterval) })
		n.goFunc(n.sealLoop)
	}

	n.goFunc(n.pollLoop)
}

func (n *Node) pollLoop() {
	ticker := time.NewTicker(n.conf.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.poll()
		case <-n.shutdownCh:
			return
		}
	}
}

// poll fetches every sealed transaction addressed to this node above the
// cursor, dispatches them in chain order, then advances the cursor to the
// highest block observed.
func (n *Node) poll() {
	last := int(atomic.LoadInt64(&n.lastSeen))

	txs := n.chain.TransactionsFor(n.id, last)
	if len(txs) == 0 {
		return
	}

	maxSeen := last
	for _, tx := range txs {
		n.dispatch(tx)
		if tx.BlockIndex > maxSeen {
			maxSeen = tx.BlockIndex
		}
	}

	// Only advance if the cursor was not rewound mid-poll.
	atomic.CompareAndSwapInt64(&n.lastSeen, int64(last), int64(maxSeen))
	atomic.AddInt64(&n.delivered, int64(len(txs)))

	n.metrics.AddDelivered(len(txs))
	n.metrics.SetChainHeight(n.chain.Height())
}

// dispatch invokes the handlers registered for the transaction's kind, in
// registration order, stopping at the first error. A failing or panicking
// handler is logged and counted, never fatal to the poll loop.
func (n *Node) dispatch(tx ledger.Transaction) {
	n.handlersMu.RLock()
	handlers := n.handlers[tx.Kind]
	n.handlersMu.RUnlock()

	if len(handlers) == 0 {
		n.logger.WithFields(logrus.Fields{
			"type": tx.Kind.String(),
			"from": tx.From,
		}).Debug("No handler for message, skipping")
		return
	}

	for _, h := range handlers {
		if err := n.runHandler(h, tx); err != nil {
			atomic.AddInt64(&n.handlerErrs, 1)
			n.metrics.IncHandlerErrors()

			n.logger.WithError(err).WithFields(logrus.Fields{
				"type":       tx.Kind.String(),
				"from":       tx.From,
				"message_id": tx.MessageID,
			}).Error("Message handler failed")

			break
		}
	}
}

func (n *Node) runHandler(h Handler, tx ledger.Transaction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewNodeErr("dispatch", HandlerPanic, tx.Kind.String())
			n.logger.WithField("panic", r).Error("Recovered handler panic")
		}
	}()

	return h(tx)
}

func (n *Node) sealLoop() {
	for {
		select {
		case <-n.controlTimer.tickCh:
			n.seal()
			n.resetTimer()
		case <-n.shutdownCh:
			return
		}
	}
}

func (n *Node) seal() {
	block, err := n.chain.CreateBlock(n.id)
	if err != nil {
		n.logger.WithError(err).Error("Sealing block")
		return
	}

	if block != nil {
		n.metrics.IncBlocksSealed()

		n.logger.WithFields(logrus.Fields{
			"index":        block.Index,
			"transactions": len(block.Data.Transactions),
		}).Debug("Sealed block")
	}
}

// resetTimer re-arms the seal timer: fast while there is something to seal,
// slow otherwise.
func (n *Node) resetTimer() {
	if !n.controlTimer.set {
		ts := n.conf.SealInterval

		// Slow down when there is nothing to seal
		if n.chain.PendingCount() == 0 {
			ts = n.conf.SlowSealInterval
		}

		n.controlTimer.Reset(ts)
	}
}

// Shutdown stops the loops and waits for them. It is idempotent.
func (n *Node) Shutdown() {
	if n.getState() != Shutdown {
		n.logger.Debug("Shutdown")

		n.setState(Shutdown)

		close(n.shutdownCh)

		n.controlTimer.Shutdown()

		n.waitRoutines()
	}
}

// LastSeen returns the poll cursor, ie. the highest block index whose
// transactions have been dispatched.
func (n *Node) LastSeen() int {
	return int(atomic.LoadInt64(&n.lastSeen))
}

// AdoptChain offers candidate to the ledger. When the ledger adopts it the
// poll cursor rewinds to the genesis block, so the next poll dispatches the
// transactions carried by the replacement blocks. Transactions that
// survived the replacement get dispatched a second time; redelivery is
// accepted over losing the replaced ones.
func (n *Node) AdoptChain(candidate []ledger.Block) (bool, error) {
	replaced, err := n.chain.Sync(candidate)
	if err != nil || !replaced {
		return replaced, err
	}

	atomic.StoreInt64(&n.lastSeen, 0)

	n.logger.WithField("height", n.chain.Height()).Debug("Rewound poll cursor after chain adoption")

	return true, nil
}

// Stats returns stats
func (n *Node) Stats() map[string]string {
	n.handlersMu.RLock()
	kinds := len(n.handlers)
	n.handlersMu.RUnlock()

	uptime := time.Duration(0)
	if !n.start.IsZero() {
		uptime = time.Since(n.start)
	}

	stats := n.chain.Stats()

	stats["id"] = n.id
	stats["moniker"] = n.conf.Moniker
	stats["state"] = n.getState().String()
	stats["last_seen"] = strconv.Itoa(n.LastSeen())
	stats["delivered"] = strconv.FormatInt(atomic.LoadInt64(&n.delivered), 10)
	stats["handler_errors"] = strconv.FormatInt(atomic.LoadInt64(&n.handlerErrs), 10)
	stats["handler_kinds"] = strconv.Itoa(kinds)
	stats["validator"] = strconv.FormatBool(n.chain.IsAuthority(n.id))
	stats["uptime"] = uptime.String()

	return stats
}
