package ledger

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestBlock() Block {
	return Block{
		Index:     1,
		Timestamp: 1712345678.5,
		Data: BlockData{
			Transactions: []Transaction{
				{
					Kind:      KindTerminalCommand,
					From:      "controller-1",
					To:        "agent-1",
					Data:      Payload{"session_id": "s1", "terminal_id": "t1", "command": "ls"},
					Timestamp: 1712345678.25,
					MessageID: "m1",
				},
			},
		},
		PreviousHash: "aaaa",
		Validator:    "validator-1",
	}
}

func TestComputeHashDeterministic(t *testing.T) {
	block := createTestBlock()

	h1, err := block.ComputeHash()
	require.NoError(t, err)

	h2, err := block.ComputeHash()
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
	assert.Equal(t, strings.ToLower(h1), h1)
}

func TestComputeHashIgnoresPayloadInsertionOrder(t *testing.T) {
	a := createTestBlock()
	a.Data.Transactions[0].Data = Payload{}
	a.Data.Transactions[0].Data["alpha"] = "1"
	a.Data.Transactions[0].Data["beta"] = "2"

	b := createTestBlock()
	b.Data.Transactions[0].Data = Payload{}
	b.Data.Transactions[0].Data["beta"] = "2"
	b.Data.Transactions[0].Data["alpha"] = "1"

	ha, err := a.ComputeHash()
	require.NoError(t, err)

	hb, err := b.ComputeHash()
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
}

func TestComputeHashExcludesHashField(t *testing.T) {
	block := createTestBlock()

	h1, err := block.ComputeHash()
	require.NoError(t, err)

	block.Hash = h1

	h2, err := block.ComputeHash()
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.True(t, block.ValidHash())
}

func TestValidHashDetectsTampering(t *testing.T) {
	block := createTestBlock()

	hash, err := block.ComputeHash()
	require.NoError(t, err)
	block.Hash = hash

	block.Data.Transactions[0].Data["command"] = "rm -rf /tmp/x"

	assert.False(t, block.ValidHash())
}

func TestBlockWireShape(t *testing.T) {
	block := createTestBlock()

	hash, err := block.ComputeHash()
	require.NoError(t, err)
	block.Hash = hash

	raw, err := block.Marshal()
	require.NoError(t, err)

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &wire))

	assert.Equal(t, float64(1), wire["index"])
	assert.Equal(t, "aaaa", wire["previous_hash"])
	assert.Equal(t, "validator-1", wire["validator"])
	assert.Equal(t, hash, wire["hash"])

	data, ok := wire["data"].(map[string]interface{})
	require.True(t, ok)

	txs, ok := data["transactions"].([]interface{})
	require.True(t, ok)
	require.Len(t, txs, 1)

	tx, ok := txs[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "terminal_command", tx["type"])
	assert.Equal(t, "controller-1", tx["from"])
	assert.Equal(t, "agent-1", tx["to"])
	assert.Equal(t, "m1", tx["message_id"])

	// BlockIndex is annotation only, never on the wire.
	_, present := tx["BlockIndex"]
	assert.False(t, present)
}

func TestBlockUnmarshalRoundTrip(t *testing.T) {
	block := createTestBlock()

	hash, err := block.ComputeHash()
	require.NoError(t, err)
	block.Hash = hash

	raw, err := block.Marshal()
	require.NoError(t, err)

	var decoded Block
	require.NoError(t, decoded.Unmarshal(raw))

	assert.Equal(t, block.Index, decoded.Index)
	assert.Equal(t, block.Hash, decoded.Hash)
	assert.Equal(t, KindTerminalCommand, decoded.Data.Transactions[0].Kind)
	assert.True(t, decoded.ValidHash())
}
