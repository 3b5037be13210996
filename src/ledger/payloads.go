package ledger

// SessionPayload is the body of the session lifecycle kinds: open, close,
// reconnect, heartbeat.
type SessionPayload struct {
	SessionID string            `json:"session_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// TerminalPayload is the body of terminal_create, terminal_command, and
// terminal_close.
type TerminalPayload struct {
	SessionID  string `json:"session_id"`
	TerminalID string `json:"terminal_id"`
	Command    string `json:"command,omitempty"`
}

// OutputPayload is the body of terminal_output: the captured result of one
// command run, including the working directory after execution.
type OutputPayload struct {
	SessionID  string `json:"session_id"`
	TerminalID string `json:"terminal_id"`
	Command    string `json:"command"`
	Output     string `json:"output"`
	ErrOutput  string `json:"error"`
	ExitCode   int    `json:"exit_code"`
	Cwd        string `json:"cwd"`
}

// Response status strings carried by KindResponse payloads.
const (
	StatusSessionOpened      = "session_opened"
	StatusSessionClosed      = "session_closed"
	StatusSessionReconnected = "session_reconnected"
	StatusTerminalCreated    = "terminal_created"
	StatusTerminalClosed     = "terminal_closed"
)

// ResponsePayload is the body of a KindResponse transaction, acknowledging
// an operation initiated by the peer.
type ResponsePayload struct {
	Status     string   `json:"status"`
	SessionID  string   `json:"session_id,omitempty"`
	TerminalID string   `json:"terminal_id,omitempty"`
	Terminals  []string `json:"terminals,omitempty"`
	Cwd        string   `json:"cwd,omitempty"`
}

// ErrorPayload is the body of a KindError transaction, reporting a remote
// failure to the peer that triggered it.
type ErrorPayload struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	SessionID  string `json:"session_id,omitempty"`
	TransferID string `json:"transfer_id,omitempty"`
}

// PresencePayload is the body of KindRegister and KindHeartbeat broadcasts.
// Controllers build their roster of reachable agents from these.
type PresencePayload struct {
	NodeID   string  `json:"node_id"`
	Moniker  string  `json:"moniker,omitempty"`
	Hostname string  `json:"hostname"`
	Platform string  `json:"platform"`
	Arch     string  `json:"arch"`
	Uptime   float64 `json:"uptime,omitempty"`
}
