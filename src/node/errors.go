package node

import "fmt"

// NodeErrType ...
type NodeErrType uint32

const (
	// HandlerPanic is returned when a message handler panicked and the
	// panic was recovered by the dispatcher.
	HandlerPanic NodeErrType = iota
)

// NodeErr ...
type NodeErr struct {
	op      string
	errType NodeErrType
	detail  string
}

// NewNodeErr ...
func NewNodeErr(op string, errType NodeErrType, detail string) NodeErr {
	return NodeErr{
		op:      op,
		errType: errType,
		detail:  detail,
	}
}

// Error ...
func (e NodeErr) Error() string {
	m := ""
	switch e.errType {
	case HandlerPanic:
		m = "Handler Panic"
	}

	return fmt.Sprintf("%s, %s, %s", e.op, e.detail, m)
}

// IsNode checks that an error is of type NodeErr and that its code matches
// the provided NodeErrType code.
func IsNode(err error, t NodeErrType) bool {
	nodeErr, ok := err.(NodeErr)
	return ok && nodeErr.errType == t
}
