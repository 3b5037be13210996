package ledger

import "fmt"

// Kind identifies the purpose of a transaction payload. Handlers are
// registered against Kind values, never against raw wire strings.
type Kind uint8

const (
	KindSessionOpen Kind = iota
	KindSessionClose
	KindSessionReconnect
	KindSessionHeartbeat
	KindTerminalCreate
	KindTerminalCommand
	KindTerminalOutput
	KindTerminalClose
	KindFileUploadStart
	KindFileUploadChunk
	KindFileUploadComplete
	KindFileDownloadStart
	KindFileDownloadChunk
	KindFileDownloadComplete
	KindFileVerify
	KindRegister
	KindHeartbeat
	KindResponse
	KindError
)

var kindStrings = map[Kind]string{
	KindSessionOpen:          "session_open",
	KindSessionClose:         "session_close",
	KindSessionReconnect:     "session_reconnect",
	KindSessionHeartbeat:     "session_heartbeat",
	KindTerminalCreate:       "terminal_create",
	KindTerminalCommand:      "terminal_command",
	KindTerminalOutput:       "terminal_output",
	KindTerminalClose:        "terminal_close",
	KindFileUploadStart:      "file_upload_start",
	KindFileUploadChunk:      "file_upload_chunk",
	KindFileUploadComplete:   "file_upload_complete",
	KindFileDownloadStart:    "file_download_start",
	KindFileDownloadChunk:    "file_download_chunk",
	KindFileDownloadComplete: "file_download_complete",
	KindFileVerify:           "file_verify",
	KindRegister:             "register",
	KindHeartbeat:            "heartbeat",
	KindResponse:             "response",
	KindError:                "error",
}

var stringKinds = map[string]Kind{}

func init() {
	for k, s := range kindStrings {
		stringKinds[s] = k
	}
}

// String returns the wire representation of the Kind.
func (k Kind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// ParseKind maps a wire string onto a Kind. Unrecognised strings produce a
// ChainErr with code UnknownKind.
func ParseKind(s string) (Kind, error) {
	k, ok := stringKinds[s]
	if !ok {
		return 0, NewChainErr("kind", UnknownKind, s)
	}
	return k, nil
}

// MarshalText ...
func (k Kind) MarshalText() ([]byte, error) {
	s, ok := kindStrings[k]
	if !ok {
		return nil, NewChainErr("kind", UnknownKind, k.String())
	}
	return []byte(s), nil
}

// UnmarshalText ...
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// MarshalJSON encodes the Kind as its quoted wire string. It is defined in
// addition to MarshalText because the canonical codec resolves json.Marshaler
// before encoding.TextMarshaler.
func (k Kind) MarshalJSON() ([]byte, error) {
	text, err := k.MarshalText()
	if err != nil {
		return nil, err
	}
	return []byte(`"` + string(text) + `"`), nil
}

// UnmarshalJSON ...
func (k *Kind) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return NewChainErr("kind", UnknownKind, string(data))
	}
	return k.UnmarshalText(data[1 : len(data)-1])
}
