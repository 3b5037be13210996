package transfer

import "fmt"

// Status tracks a transfer through its lifecycle.
type Status uint8

const (
	// Pending means the transfer plan exists but no chunk has moved.
	Pending Status = iota
	// InProgress means chunks are flowing.
	InProgress
	// Verifying means every chunk arrived and the whole-file hash is being
	// recomputed.
	Verifying
	// Completed means every chunk verified and the file hash matched.
	Completed
	// Failed means the transfer was cancelled or a hash did not match.
	Failed
)

var statusStrings = map[Status]string{
	Pending:    "pending",
	InProgress: "in_progress",
	Verifying:  "verifying",
	Completed:  "completed",
	Failed:     "failed",
}

// String ...
func (s Status) String() string {
	if str, ok := statusStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// MarshalText ...
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText ...
func (s *Status) UnmarshalText(text []byte) error {
	for k, v := range statusStrings {
		if v == string(text) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown transfer status %q", string(text))
}
