package ledger

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	k, err := ParseKind("terminal_output")
	require.NoError(t, err)
	assert.Equal(t, KindTerminalOutput, k)

	k, err = ParseKind("file_download_chunk")
	require.NoError(t, err)
	assert.Equal(t, KindFileDownloadChunk, k)

	_, err = ParseKind("carrier_pigeon")
	require.Error(t, err)
	assert.True(t, IsChain(err, UnknownKind))
}

func TestKindStringRoundTrip(t *testing.T) {
	for k, s := range kindStrings {
		parsed, err := ParseKind(s)
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
		assert.Equal(t, s, k.String())
	}
}

func TestKindJSON(t *testing.T) {
	raw, err := json.Marshal(KindSessionReconnect)
	require.NoError(t, err)
	assert.Equal(t, `"session_reconnect"`, string(raw))

	var k Kind
	require.NoError(t, json.Unmarshal([]byte(`"file_verify"`), &k))
	assert.Equal(t, KindFileVerify, k)

	err = json.Unmarshal([]byte(`"nope"`), &k)
	require.Error(t, err)
}

func TestUnknownKindNeverMarshals(t *testing.T) {
	_, err := Kind(200).MarshalText()
	require.Error(t, err)
	assert.True(t, IsChain(err, UnknownKind))
}

func TestEncodeDecodePayload(t *testing.T) {
	type chunk struct {
		TransferID string `json:"transfer_id"`
		ChunkIndex int    `json:"chunk_index"`
		ChunkData  string `json:"chunk_data"`
	}

	in := chunk{TransferID: "tr-1", ChunkIndex: 7, ChunkData: "aGVsbG8="}

	p, err := EncodePayload(in)
	require.NoError(t, err)
	require.Contains(t, p, "transfer_id")

	var out chunk
	require.NoError(t, DecodePayload(p, &out))
	assert.Equal(t, in, out)
}
