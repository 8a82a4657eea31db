package sdk

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pairterm/internal/config"
	"pairterm/internal/runlog"
	"pairterm/internal/session"
)

var (
	ErrNoTurnInFlight = errors.New("no turn in flight")
	ErrNotConfigured  = errors.New("sdk client is not configured")
)

// Turn is one user submission sent to the agent runtime.
type Turn struct {
	SessionID string
	MessageID string
	Prompt    string
	History   []Exchange
}

// Exchange is a prior transcript entry replayed as model context.
type Exchange struct {
	Role    string
	Content string
}

// Client is a vendor agent runtime. Implementations normalize their
// wire shapes into session.Event before emitting; nothing vendor
// specific crosses this boundary.
type Client interface {
	// SendTurn runs one turn, calling emit for every normalized event
	// in arrival order. It returns once the turn ends or ctx is done.
	SendTurn(ctx context.Context, turn Turn, emit func(session.Event)) error

	// Abort asks the external runtime to stop the in-flight turn and
	// any agents it dispatched. An error means nothing was aborted.
	Abort(ctx context.Context) error

	Close() error
}

// TaskToolName is the tool the runtimes use to dispatch sub-agents; a
// tool_use with this name becomes a subagent.start correlation source.
const TaskToolName = "Task"

func New(cfg config.Config, log *runlog.Logger) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Vendor)) {
	case "", "claude":
		return NewClaudeClient(cfg.Claude, log)
	case "opencode":
		return NewOpenCodeClient(cfg.OpenCode, log)
	case "copilot":
		return NewCopilotClient(cfg.Copilot, log)
	}
	return nil, fmt.Errorf("unknown vendor %q", cfg.Vendor)
}
