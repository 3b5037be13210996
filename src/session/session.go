package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/strandnet/strand/src/config"
	"github.com/strandnet/strand/src/shell"
)

// Session is one side's view of a controller-agent relationship. The
// controller and the agent each hold their own copy, correlated only by ID.
// Sessions are owned by a Manager and must be mutated through it.
type Session struct {
	ID           string               `json:"session_id"`
	ControllerID string               `json:"controller_id"`
	AgentID      string               `json:"agent_id"`
	CreatedAt    time.Time            `json:"created_at"`
	LastActive   time.Time            `json:"last_active"`
	Connected    bool                 `json:"is_connected"`
	Reconnects   int                  `json:"reconnect_count"`
	Metadata     map[string]string    `json:"metadata,omitempty"`
	Terminals    map[string]*Terminal `json:"terminals"`
}

// snapshot returns a deep copy, detached from the live maps, suitable for
// handing to a Store or an API response.
func (s *Session) snapshot() *Session {
	cp := *s

	cp.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		cp.Metadata[k] = v
	}

	cp.Terminals = make(map[string]*Terminal, len(s.Terminals))
	for id, term := range s.Terminals {
		cp.Terminals[id] = term.Snapshot()
	}

	return &cp
}

// TerminalIDs returns the sorted ids of the session's terminals.
func (s *Session) TerminalIDs() []string {
	ids := make([]string, 0, len(s.Terminals))
	for id := range s.Terminals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Terminal is an isolated command-execution context within a session: its
// own working directory, environment overlay, and command history. Two
// terminals of the same session never share any of these.
type Terminal struct {
	ID        string            `json:"terminal_id"`
	SessionID string            `json:"session_id"`
	CreatedAt time.Time         `json:"created_at"`
	Active    bool              `json:"is_active"`
	History   []string          `json:"command_history"`
	Cwd       string            `json:"current_directory"`
	Env       map[string]string `json:"environment"`

	// mu guards the exported state; execMu serializes Execute so that
	// commands on one terminal run one at a time without holding mu for the
	// duration of a process.
	mu     sync.Mutex
	execMu sync.Mutex
}

// ExecResult is a shell result annotated with the terminal's working
// directory after the command ran.
type ExecResult struct {
	shell.Result
	Cwd string `json:"cwd"`
}

var assignExp = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)=(\S*)$`)

// Execute runs a command against the terminal. The cd builtin and the
// VAR=value builtin are handled without spawning a process; everything else
// goes through the runner with the terminal's working directory and
// environment. The command is recorded in the history either way.
func (t *Terminal) Execute(ctx context.Context, runner shell.Runner, command string, timeout time.Duration) ExecResult {
	t.execMu.Lock()
	defer t.execMu.Unlock()

	t.mu.Lock()
	t.History = append(t.History, command)
	cwd := t.Cwd
	env := envSlice(t.Env)
	t.mu.Unlock()

	trimmed := strings.TrimSpace(command)

	if trimmed == "cd" || strings.HasPrefix(trimmed, "cd ") {
		return t.changeDir(strings.TrimSpace(strings.TrimPrefix(trimmed, "cd")))
	}

	if m := assignExp.FindStringSubmatch(trimmed); m != nil {
		t.mu.Lock()
		if t.Env == nil {
			t.Env = map[string]string{}
		}
		t.Env[m[1]] = m[2]
		t.mu.Unlock()

		return ExecResult{
			Result: shell.Result{Output: fmt.Sprintf("%s=%s\n", m[1], m[2])},
			Cwd:    cwd,
		}
	}

	res, err := runner.Run(ctx, command, cwd, env, timeout)
	if err != nil {
		return ExecResult{
			Result: shell.Result{
				ErrOutput: err.Error() + "\n",
				ExitCode:  -1,
			},
			Cwd: cwd,
		}
	}

	return ExecResult{Result: res, Cwd: cwd}
}

// changeDir implements the cd builtin. A missing target leaves the working
// directory untouched.
func (t *Terminal) changeDir(arg string) ExecResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	target := arg
	switch {
	case target == "" || target == "~":
		target = homeDir()
	case strings.HasPrefix(target, "~/"):
		target = filepath.Join(homeDir(), target[2:])
	case !filepath.IsAbs(target):
		target = filepath.Join(t.Cwd, target)
	}
	target = filepath.Clean(target)

	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		return ExecResult{
			Result: shell.Result{
				ErrOutput: fmt.Sprintf("Directory not found: %s\n", arg),
				ExitCode:  1,
			},
			Cwd: t.Cwd,
		}
	}

	t.Cwd = target

	return ExecResult{
		Result: shell.Result{Output: fmt.Sprintf("Changed directory to: %s\n", target)},
		Cwd:    target,
	}
}

// Snapshot returns a deep copy of the terminal's state.
func (t *Terminal) Snapshot() *Terminal {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp := &Terminal{
		ID:        t.ID,
		SessionID: t.SessionID,
		CreatedAt: t.CreatedAt,
		Active:    t.Active,
		Cwd:       t.Cwd,
	}

	cp.History = make([]string, len(t.History))
	copy(cp.History, t.History)

	cp.Env = make(map[string]string, len(t.Env))
	for k, v := range t.Env {
		cp.Env[k] = v
	}

	return cp
}

// WorkingDir ...
func (t *Terminal) WorkingDir() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.Cwd
}

func envSlice(env map[string]string) []string {
	res := make([]string, 0, len(env))
	for k, v := range env {
		res = append(res, k+"="+v)
	}
	sort.Strings(res)
	return res
}

func homeDir() string {
	if home := config.HomeDir(); home != "" {
		return home
	}
	return "/"
}
