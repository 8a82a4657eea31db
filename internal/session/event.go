package session

import (
	"strings"
	"time"
)

type Kind string

const (
	KindSessionStart        Kind = "session.start"
	KindSessionIdle         Kind = "session.idle"
	KindSessionError        Kind = "session.error"
	KindMessageDelta        Kind = "message.delta"
	KindMessageComplete     Kind = "message.complete"
	KindToolStart           Kind = "tool.start"
	KindToolComplete        Kind = "tool.complete"
	KindSubagentStart       Kind = "subagent.start"
	KindSubagentComplete    Kind = "subagent.complete"
	KindPermissionRequested Kind = "permission.requested"
)

// Event is the single closed variant all vendor SDK payloads are
// normalized into before they reach the lifecycle store. Per-vendor
// shapes never travel past the sdk package boundary.
type Event struct {
	Kind      Kind
	SessionID string
	Timestamp time.Time

	// message.* fields
	MessageID string
	Delta     string

	// tool.* fields
	ToolUseID string
	Tool      string

	// subagent.* fields
	AgentID       string
	CorrelationID string
	AgentName     string
	Task          string
	Background    bool
	Failed        bool
	Result        string
	Error         string
}

// Admit is the correlation decision: an inbound event may mutate the
// lifecycle store iff at least one signal ties it to the active
// session or run. Any one signal alone is sufficient; this is
// deliberately permissive of session-owned events without a Task-tool
// correlation, for runtimes that dispatch built-in sub-agents.
func Admit(sessionOwned, pendingTaskEntry, hasSdkCorrelationMatch bool) bool {
	return sessionOwned || pendingTaskEntry || hasSdkCorrelationMatch
}

// Guard tracks the active session id, the number of Task-tool
// invocations awaiting correlation, and the set of tool-use ids seen
// this turn. Events failing all three checks are dropped silently;
// cross-session leakage is expected steady-state, not a fault.
type Guard struct {
	sessionID    string
	pendingTasks int
	tracked      map[string]struct{}
}

func NewGuard(sessionID string) *Guard {
	return &Guard{
		sessionID: strings.TrimSpace(sessionID),
		tracked:   make(map[string]struct{}),
	}
}

// BindSession rebinds the guard to a new session and forgets all
// per-turn correlation state.
func (g *Guard) BindSession(id string) {
	if g == nil {
		return
	}
	g.sessionID = strings.TrimSpace(id)
	g.pendingTasks = 0
	g.tracked = make(map[string]struct{})
}

func (g *Guard) TrackToolUse(id string) {
	if g == nil {
		return
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	g.tracked[id] = struct{}{}
}

// TaskDispatched records a Task-tool invocation awaiting its
// subagent.start correlation.
func (g *Guard) TaskDispatched() {
	if g == nil {
		return
	}
	g.pendingTasks++
}

// TaskResolved releases one pending Task-tool slot.
func (g *Guard) TaskResolved() {
	if g == nil || g.pendingTasks == 0 {
		return
	}
	g.pendingTasks--
}

// Admit evaluates the three correlation signals for ev.
func (g *Guard) Admit(ev Event) bool {
	if g == nil {
		return false
	}
	owned := g.sessionID != "" && strings.TrimSpace(ev.SessionID) == g.sessionID
	pending := g.pendingTasks > 0
	correlated := false
	if id := strings.TrimSpace(ev.ToolUseID); id != "" {
		_, correlated = g.tracked[id]
	}
	if !correlated {
		if id := strings.TrimSpace(ev.CorrelationID); id != "" {
			_, correlated = g.tracked[id]
		}
	}
	return Admit(owned, pending, correlated)
}
