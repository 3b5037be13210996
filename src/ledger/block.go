package ledger

import (
	"github.com/strandnet/strand/src/crypto"
)

// GenesisPreviousHash is the previous_hash of the genesis block.
const GenesisPreviousHash = "0"

// GenesisValidator is the validator recorded on the genesis block.
const GenesisValidator = "genesis"

// BlockData wraps the transactions sealed in a block.
type BlockData struct {
	Transactions []Transaction `json:"transactions"`
}

// Block is one link of the chain. Hash covers the canonical encoding of
// every other field, and PreviousHash is the Hash of the preceding block.
type Block struct {
	Index        int       `json:"index"`
	Timestamp    float64   `json:"timestamp"`
	Data         BlockData `json:"data"`
	PreviousHash string    `json:"previous_hash"`
	Validator    string    `json:"validator"`
	Hash         string    `json:"hash,omitempty"`
}

// Marshal - canonical json encoding of the block, hash included.
func (b *Block) Marshal() ([]byte, error) {
	return canonicalMarshal(b)
}

// Unmarshal ...
func (b *Block) Unmarshal(data []byte) error {
	return canonicalUnmarshal(data, b)
}

// ComputeHash returns the lowercase hex SHA256 of the canonical encoding of
// the block with the hash field cleared. The canonical encoder sorts keys,
// so the digest does not depend on field declaration order.
func (b *Block) ComputeHash() (string, error) {
	body := *b
	body.Hash = ""

	raw, err := canonicalMarshal(&body)
	if err != nil {
		return "", err
	}

	return crypto.SHA256Hex(raw), nil
}

// ValidHash reports whether the stored hash matches the recomputed one.
func (b *Block) ValidHash() bool {
	h, err := b.ComputeHash()
	return err == nil && h == b.Hash
}
