package transfer

import "encoding/base64"

// Transfer directions.
const (
	// DirectionUp moves a file from the controller to an agent.
	DirectionUp = "upload"
	// DirectionDown moves a file from an agent to the controller.
	DirectionDown = "download"
)

// StartPayload announces a transfer to its receiver: the metadata needed to
// track incoming chunks and verify the result. For downloads it doubles as
// the request, in which case only TransferID, FilePath, and SessionID are
// set.
type StartPayload struct {
	TransferID  string `json:"transfer_id"`
	FileName    string `json:"file_name,omitempty"`
	FilePath    string `json:"file_path,omitempty"`
	FileSize    int64  `json:"file_size,omitempty"`
	FileHash    string `json:"file_hash,omitempty"`
	TotalChunks int    `json:"total_chunks,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// ChunkPayload carries one chunk over the ledger. ChunkData is base64 so
// the envelope stays valid JSON; ChunkHash is the lowercase hex SHA-256 of
// the raw bytes.
type ChunkPayload struct {
	TransferID string `json:"transfer_id"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkData  string `json:"chunk_data"`
	ChunkHash  string `json:"chunk_hash"`
	ChunkSize  int    `json:"chunk_size"`
}

// CompletePayload tells the receiver that every chunk has been emitted and
// hands over the whole-file hash for final verification.
type CompletePayload struct {
	TransferID string `json:"transfer_id"`
	FileName   string `json:"file_name,omitempty"`
	FileHash   string `json:"file_hash"`
	Status     string `json:"status,omitempty"`
}

// VerifyPayload reports the receiver's whole-file verification verdict back
// to the sender.
type VerifyPayload struct {
	TransferID string `json:"transfer_id"`
	FileHash   string `json:"file_hash,omitempty"`
	Verified   bool   `json:"verified"`
}

// DecodeChunkData decodes the base64 chunk body back into raw bytes.
func DecodeChunkData(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(encoded)
}
