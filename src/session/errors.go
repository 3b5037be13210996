package session

import "fmt"

// SessErrType ...
type SessErrType uint32

const (
	// SessionNotFound is returned when an operation targets an unknown
	// session id.
	SessionNotFound SessErrType = iota
	// TerminalNotFound is returned when an operation targets an unknown
	// terminal id.
	TerminalNotFound
	// BadRecord is returned when a persisted session record cannot be
	// decoded, for instance because its version is unknown.
	BadRecord
)

// SessErr ...
type SessErr struct {
	op      string
	errType SessErrType
	key     string
}

// NewSessErr ...
func NewSessErr(op string, errType SessErrType, key string) SessErr {
	return SessErr{
		op:      op,
		errType: errType,
		key:     key,
	}
}

// Error ...
func (e SessErr) Error() string {
	m := ""
	switch e.errType {
	case SessionNotFound:
		m = "Session Not Found"
	case TerminalNotFound:
		m = "Terminal Not Found"
	case BadRecord:
		m = "Bad Record"
	}

	return fmt.Sprintf("%s, %s, %s", e.op, e.key, m)
}

// IsSess checks that an error is of type SessErr and that its code matches
// the provided SessErrType code.
func IsSess(err error, t SessErrType) bool {
	sessErr, ok := err.(SessErr)
	return ok && sessErr.errType == t
}
