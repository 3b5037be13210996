package transfer

import "fmt"

// XferErrType ...
type XferErrType uint32

const (
	// TransferNotFound is returned when an operation targets an unknown
	// transfer id.
	TransferNotFound XferErrType = iota
	// FileNotFound is returned when the source of an upload does not exist.
	FileNotFound
	// ChunkHashMismatch is returned when a received chunk's bytes do not
	// hash to the expected value. The chunk is rejected before any disk
	// write.
	ChunkHashMismatch
	// FileHashMismatch is returned when the reassembled file does not hash
	// to the expected whole-file value.
	FileHashMismatch
	// BadChunk is returned when a chunk index is outside the transfer plan.
	BadChunk
)

// XferErr ...
type XferErr struct {
	op      string
	errType XferErrType
	key     string
}

// NewXferErr ...
func NewXferErr(op string, errType XferErrType, key string) XferErr {
	return XferErr{
		op:      op,
		errType: errType,
		key:     key,
	}
}

// Error ...
func (e XferErr) Error() string {
	m := ""
	switch e.errType {
	case TransferNotFound:
		m = "Transfer Not Found"
	case FileNotFound:
		m = "File Not Found"
	case ChunkHashMismatch:
		m = "Chunk Hash Mismatch"
	case FileHashMismatch:
		m = "File Hash Mismatch"
	case BadChunk:
		m = "Bad Chunk"
	}

	return fmt.Sprintf("%s, %s, %s", e.op, e.key, m)
}

// IsXfer checks that an error is of type XferErr and that its code matches
// the provided XferErrType code.
func IsXfer(err error, t XferErrType) bool {
	xferErr, ok := err.(XferErr)
	return ok && xferErr.errType == t
}
