package ledger

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Ledger is the append-only proof-of-authority chain that carries every
// message between nodes. Transactions accumulate in a pending pool until an
// authorized validator seals them into a block. All exported methods are
// safe for concurrent use.
type Ledger struct {
	mu          sync.Mutex
	chain       []Block
	pending     []Transaction
	authorities map[string]bool

	// revoked remembers validators whose authority was withdrawn. Blocks
	// they sealed while authorized are not retroactively invalidated.
	revoked map[string]bool

	// now is the clock used to timestamp transactions and blocks. It is a
	// field so tests can pin it.
	now func() float64

	logger *logrus.Entry
}

// New creates a Ledger seeded with the genesis block and the initial
// authority set.
func New(authorities []string, logger *logrus.Entry) (*Ledger, error) {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.ErrorLevel
		logger = logrus.NewEntry(log)
	}

	l := &Ledger{
		authorities: map[string]bool{},
		revoked:     map[string]bool{},
		now:         unixNow,
		logger:      logger,
	}

	for _, a := range authorities {
		l.authorities[a] = true
	}

	genesis := Block{
		Index:        0,
		Timestamp:    l.now(),
		Data:         BlockData{Transactions: []Transaction{}},
		PreviousHash: GenesisPreviousHash,
		Validator:    GenesisValidator,
	}

	hash, err := genesis.ComputeHash()
	if err != nil {
		return nil, err
	}
	genesis.Hash = hash

	l.chain = []Block{genesis}

	return l, nil
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// AddTransaction stamps the transaction with the current time, unless the
// caller already set one, and queues it in the pending pool. The stamped
// copy is returned.
func (l *Ledger) AddTransaction(tx Transaction) (Transaction, error) {
	if _, ok := kindStrings[tx.Kind]; !ok {
		return tx, NewChainErr("add_transaction", UnknownKind, strconv.Itoa(int(tx.Kind)))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if tx.Timestamp == 0 {
		tx.Timestamp = l.now()
	}
	tx.BlockIndex = -1

	l.pending = append(l.pending, tx)

	l.logger.WithFields(logrus.Fields{
		"type":       tx.Kind.String(),
		"to":         tx.To,
		"message_id": tx.MessageID,
	}).Debug("Queued transaction")

	return tx, nil
}

// CreateBlock seals the entire pending pool into the next block. It fails
// with Unauthorized if the validator is not in the authority set, and
// returns (nil, nil) when there is nothing to seal.
func (l *Ledger) CreateBlock(validator string) (*Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.authorities[validator] {
		return nil, NewChainErr("create_block", Unauthorized, validator)
	}

	if len(l.pending) == 0 {
		return nil, nil
	}

	txs := make([]Transaction, len(l.pending))
	copy(txs, l.pending)

	tip := l.chain[len(l.chain)-1]

	block := Block{
		Index:        len(l.chain),
		Timestamp:    l.now(),
		Data:         BlockData{Transactions: txs},
		PreviousHash: tip.Hash,
		Validator:    validator,
	}

	hash, err := block.ComputeHash()
	if err != nil {
		return nil, err
	}
	block.Hash = hash

	for i := range block.Data.Transactions {
		block.Data.Transactions[i].BlockIndex = block.Index
	}

	l.chain = append(l.chain, block)
	l.pending = nil

	l.logger.WithFields(logrus.Fields{
		"index":        block.Index,
		"transactions": len(txs),
		"validator":    validator,
	}).Debug("Sealed block")

	res := cloneBlock(block)

	return &res, nil
}

// Validate checks the chain held by this ledger.
func (l *Ledger) Validate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.validateChain(l.chain)
}

// validateChain verifies that every block hash recomputes, that every
// previous_hash links to the hash of the preceding block, and that every
// non-genesis block was sealed by a known validator: a current authority or
// one revoked after the fact. Callers hold l.mu.
func (l *Ledger) validateChain(chain []Block) error {
	if len(chain) == 0 {
		return NewChainErr("validate", InvalidChain, "empty chain")
	}

	genesis := chain[0]
	if genesis.Index != 0 || genesis.PreviousHash != GenesisPreviousHash {
		return NewChainErr("validate", InvalidChain, "malformed genesis block")
	}

	for i, b := range chain {
		if b.Index != i {
			return NewChainErr("validate", InvalidChain, fmt.Sprintf("block %d carries index %d", i, b.Index))
		}
		if !b.ValidHash() {
			return NewChainErr("validate", InvalidChain, fmt.Sprintf("block %d hash does not recompute", i))
		}
		if i > 0 && b.PreviousHash != chain[i-1].Hash {
			return NewChainErr("validate", InvalidChain, fmt.Sprintf("block %d does not link to block %d", i, i-1))
		}
		if i > 0 && !l.authorities[b.Validator] && !l.revoked[b.Validator] {
			return NewChainErr("validate", Unauthorized, fmt.Sprintf("block %d sealed by %s", i, b.Validator))
		}
	}

	return nil
}

// Sync adopts the candidate chain if and only if it is strictly longer than
// the local chain and internally valid. On rejection the local chain is left
// untouched and the returned error carries the SyncRejected code.
func (l *Ledger) Sync(candidate []Block) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(candidate) <= len(l.chain) {
		return false, NewChainErr("sync", SyncRejected, "candidate chain is not longer")
	}

	if err := l.validateChain(candidate); err != nil {
		return false, NewChainErr("sync", SyncRejected, err.Error())
	}

	l.chain = cloneChain(candidate)

	l.logger.WithFields(logrus.Fields{
		"height": len(l.chain),
	}).Info("Adopted longer chain")

	return true, nil
}

// TransactionsFor returns, in chain order, every sealed transaction in
// blocks above sinceBlock that is addressed to nodeID directly or through
// the Broadcast wildcard. Each returned transaction is annotated with the
// index of the block that carries it.
func (l *Ledger) TransactionsFor(nodeID string, sinceBlock int) []Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()

	var matches []Transaction

	for _, b := range l.chain {
		if b.Index <= sinceBlock {
			continue
		}
		for _, tx := range b.Data.Transactions {
			if tx.AddressedTo(nodeID) {
				tx.BlockIndex = b.Index
				matches = append(matches, tx)
			}
		}
	}

	return matches
}

// Tip returns a copy of the last block.
func (l *Ledger) Tip() Block {
	l.mu.Lock()
	defer l.mu.Unlock()

	return cloneBlock(l.chain[len(l.chain)-1])
}

// Height returns the number of blocks, genesis included.
func (l *Ledger) Height() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.chain)
}

// Blocks returns a copy of every block with an index strictly greater than
// since. Blocks(-1) copies the whole chain.
func (l *Ledger) Blocks(since int) []Block {
	l.mu.Lock()
	defer l.mu.Unlock()

	var res []Block
	for _, b := range l.chain {
		if b.Index > since {
			res = append(res, cloneBlock(b))
		}
	}

	return res
}

// Chain returns a copy of the full chain.
func (l *Ledger) Chain() []Block {
	l.mu.Lock()
	defer l.mu.Unlock()

	return cloneChain(l.chain)
}

// PendingCount returns the number of transactions waiting to be sealed.
func (l *Ledger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.pending)
}

// Stats returns chain-level counters keyed for the status service.
func (l *Ledger) Stats() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()

	tip := l.chain[len(l.chain)-1]

	return map[string]string{
		"height":      strconv.Itoa(len(l.chain)),
		"pending":     strconv.Itoa(len(l.pending)),
		"authorities": strconv.Itoa(len(l.authorities)),
		"tip_hash":    tip.Hash,
		"tip_index":   strconv.Itoa(tip.Index),
	}
}

// IsAuthority ...
func (l *Ledger) IsAuthority(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.authorities[id]
}

// AddAuthority grants id the right to seal blocks.
func (l *Ledger) AddAuthority(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.authorities[id] = true
	delete(l.revoked, id)

	l.logger.WithField("id", id).Debug("Granted seal authority")
}

// RemoveAuthority revokes id's right to seal blocks. Blocks it already
// sealed remain valid.
func (l *Ledger) RemoveAuthority(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.authorities[id] {
		delete(l.authorities, id)
		l.revoked[id] = true
	}

	l.logger.WithField("id", id).Debug("Revoked seal authority")
}

// Authorities returns the sorted authority set.
func (l *Ledger) Authorities() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	res := make([]string, 0, len(l.authorities))
	for a := range l.authorities {
		res = append(res, a)
	}
	sort.Strings(res)

	return res
}

func cloneBlock(b Block) Block {
	txs := make([]Transaction, len(b.Data.Transactions))
	copy(txs, b.Data.Transactions)
	b.Data.Transactions = txs
	return b
}

func cloneChain(chain []Block) []Block {
	res := make([]Block, len(chain))
	for i, b := range chain {
		res[i] = cloneBlock(b)
	}
	return res
}
