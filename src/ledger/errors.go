package ledger

import "fmt"

// ChainErrType ...
type ChainErrType uint32

const (
	// Unauthorized is returned when a node that is not in the authority set
	// attempts to seal a block.
	Unauthorized ChainErrType = iota
	// SyncRejected is returned when a candidate chain is not adopted.
	SyncRejected
	// UnknownKind is returned when a wire string does not map onto a Kind.
	UnknownKind
	// InvalidChain is returned when a chain fails hash or linkage checks.
	InvalidChain
)

// ChainErr ...
type ChainErr struct {
	op      string
	errType ChainErrType
	detail  string
}

// NewChainErr ...
func NewChainErr(op string, errType ChainErrType, detail string) ChainErr {
	return ChainErr{
		op:      op,
		errType: errType,
		detail:  detail,
	}
}

// Error ...
func (e ChainErr) Error() string {
	m := ""
	switch e.errType {
	case Unauthorized:
		m = "Unauthorized"
	case SyncRejected:
		m = "Sync Rejected"
	case UnknownKind:
		m = "Unknown Kind"
	case InvalidChain:
		m = "Invalid Chain"
	}

	return fmt.Sprintf("%s, %s, %s", e.op, e.detail, m)
}

// IsChain checks that an error is of type ChainErr and that its code matches
// the provided ChainErrType code.
func IsChain(err error, t ChainErrType) bool {
	chainErr, ok := err.(ChainErr)
	return ok && chainErr.errType == t
}
