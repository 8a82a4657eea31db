package session

import (
	"strings"
	"time"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusBackground  Status = "background"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	StatusInterrupted Status = "interrupted"
)

// Terminal reports whether the status is final. Terminal agents never
// transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusInterrupted:
		return true
	}
	return false
}

// Active reports whether an agent in this status is still doing work.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusRunning, StatusBackground:
		return true
	}
	return false
}

// PlaceholderTask is the generic task text used for eager placeholder
// records created from a bare tool-call id, before the SDK reports the
// real task description.
const PlaceholderTask = "Delegated task"

// Agent is one sub-agent record as tracked for the current turn.
//
// StartedAt is kept as the RFC3339 string the event source delivered;
// it may be unparseable, in which case duration computations fall back
// to the previously stored DurationMs.
type Agent struct {
	ID            string `json:"id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Name          string `json:"name,omitempty"`
	Task          string `json:"task,omitempty"`
	Status        Status `json:"status"`
	Background    bool   `json:"background,omitempty"`
	StartedAt     string `json:"started_at,omitempty"`
	DurationMs    int64  `json:"duration_ms,omitempty"`
	CurrentTool   string `json:"current_tool,omitempty"`
	ToolUses      int    `json:"tool_uses,omitempty"`
	Result        string `json:"result,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Normalize folds the legacy dual background signal (Background flag vs
// Status=="background") into one canonical shape. Everything downstream
// of ingestion may rely on the canonical form and never branches on
// both encodings.
func Normalize(a Agent) Agent {
	if a.Status == StatusBackground {
		a.Background = true
	}
	if a.Status == "" {
		a.Status = StatusPending
	}
	if a.Background && !a.Status.Terminal() {
		a.Status = StatusBackground
	}
	return a
}

// Active reports whether the agent still counts against the turn.
func (a Agent) Active() bool {
	return a.Status.Active()
}

// IsBackground reports the background track, accepting both legacy
// encodings for records that have not passed through Normalize yet.
func (a Agent) IsBackground() bool {
	return a.Background || a.Status == StatusBackground
}

// HasDescriptiveTask reports whether Task carries real content rather
// than the eager placeholder text.
func (a Agent) HasDescriptiveTask() bool {
	t := strings.TrimSpace(a.Task)
	return t != "" && t != PlaceholderTask
}

// placeholderShape matches the eager record created from a bare
// tool-call id: its id doubles as the correlation id and the task is
// empty or generic.
func (a Agent) placeholderShape() bool {
	if a.HasDescriptiveTask() {
		return false
	}
	if a.CorrelationID != "" {
		return a.ID == a.CorrelationID
	}
	return true
}

// StartTime parses StartedAt. ok is false for empty or malformed input.
func (a Agent) StartTime() (time.Time, bool) {
	raw := strings.TrimSpace(a.StartedAt)
	if raw == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// elapsedMs computes now-StartedAt in milliseconds, falling back to the
// previously stored DurationMs when the start time does not parse.
func (a Agent) elapsedMs(now time.Time) int64 {
	start, ok := a.StartTime()
	if !ok || now.Before(start) {
		return a.DurationMs
	}
	return now.Sub(start).Milliseconds()
}
