package session

import (
	"strings"
	"time"
)

// The lifecycle store is a plain slice in first-observation order,
// owned by the one reducer goroutine. All transitions below are pure:
// they copy-on-write and never mutate the input.

// Upsert inserts a normalized record, or refreshes the existing record
// with the same id. A terminal existing record is never reopened.
func Upsert(agents []Agent, a Agent) []Agent {
	a = Normalize(a)
	for i := range agents {
		if agents[i].ID != a.ID {
			continue
		}
		if agents[i].Status.Terminal() {
			return agents
		}
		out := cloneAgents(agents)
		out[i] = mergeAgents(a, out[i])
		return out
	}
	out := make([]Agent, len(agents), len(agents)+1)
	copy(out, agents)
	return append(out, a)
}

// Progress updates the running-tool fields without touching status.
func Progress(agents []Agent, id string, tool string, toolUses int) []Agent {
	for i := range agents {
		if agents[i].ID != id || agents[i].Status.Terminal() {
			continue
		}
		out := cloneAgents(agents)
		out[i].CurrentTool = strings.TrimSpace(tool)
		if toolUses > out[i].ToolUses {
			out[i].ToolUses = toolUses
		}
		return out
	}
	return agents
}

// Complete finalizes one agent. Success maps to completed, failure to
// error; the current tool is cleared and the duration computed from
// StartedAt, preserving the prior DurationMs when the start time does
// not parse. Already-terminal agents are untouched.
func Complete(agents []Agent, id string, failed bool, result, errMsg string, now time.Time) []Agent {
	for i := range agents {
		if agents[i].ID != id || agents[i].Status.Terminal() {
			continue
		}
		out := cloneAgents(agents)
		if failed {
			out[i].Status = StatusError
			out[i].Error = errMsg
		} else {
			out[i].Status = StatusCompleted
			if strings.TrimSpace(result) != "" {
				out[i].Result = result
			}
		}
		out[i].CurrentTool = ""
		out[i].DurationMs = out[i].elapsedMs(now)
		return out
	}
	return agents
}

// ForceCompleteForeground finalizes foreground agents still pending or
// running when the primary stream ends. Background agents continue
// independently and are never touched here.
func ForceCompleteForeground(agents []Agent, now time.Time) []Agent {
	var out []Agent
	for i := range agents {
		a := agents[i]
		if a.IsBackground() || !a.Active() {
			continue
		}
		if out == nil {
			out = cloneAgents(agents)
		}
		out[i].Status = StatusCompleted
		out[i].CurrentTool = ""
		out[i].DurationMs = out[i].elapsedMs(now)
	}
	if out == nil {
		return agents
	}
	return out
}

// Interrupt marks every still-active background agent interrupted and
// reports the ids it touched. Idempotent: a second pass interrupts
// nothing and returns an identical set.
func Interrupt(agents []Agent, now time.Time) ([]Agent, []string) {
	var out []Agent
	var ids []string
	for i := range agents {
		a := agents[i]
		if !a.IsBackground() || !a.Active() {
			continue
		}
		if out == nil {
			out = cloneAgents(agents)
		}
		out[i].Status = StatusInterrupted
		out[i].CurrentTool = ""
		out[i].DurationMs = out[i].elapsedMs(now)
		ids = append(ids, a.ID)
	}
	if out == nil {
		return agents, nil
	}
	return out, ids
}

// ActiveBackground returns the background agents still running.
func ActiveBackground(agents []Agent) []Agent {
	var out []Agent
	for _, a := range agents {
		if a.IsBackground() && a.Active() {
			out = append(out, a)
		}
	}
	return out
}

// DeferredCompletionReady reports whether a queued stream-complete
// continuation may fire now: no foreground agent is pending or running
// and no blocking tool is active. Background agents do not hold the
// turn open.
func DeferredCompletionReady(agents []Agent, toolRunning bool) bool {
	if toolRunning {
		return false
	}
	for _, a := range agents {
		if a.IsBackground() {
			continue
		}
		if a.Status == StatusRunning || a.Status == StatusPending {
			return false
		}
	}
	return true
}

// shadowOf reports whether fg is a duplicate render artifact of the
// active background agent bg: linked by correlation id, or by name with
// start times inside the merge window.
func shadowOf(fg, bg Agent) bool {
	if !bg.IsBackground() || !bg.Active() {
		return false
	}
	if fg.IsBackground() {
		return false
	}
	if fg.Status != StatusRunning && fg.Status != StatusPending {
		return false
	}
	fc := strings.TrimSpace(fg.CorrelationID)
	if fc != "" && (fc == strings.TrimSpace(bg.CorrelationID) || fc == bg.ID) {
		return true
	}
	if strings.TrimSpace(fg.Name) != "" && strings.TrimSpace(fg.Name) == strings.TrimSpace(bg.Name) {
		return startsWithin(fg, bg, mergeStartWindow)
	}
	return false
}

// VisibleForeground returns the foreground records for display,
// excluding shadows of active background agents. Shadows are hidden,
// not deleted; the underlying records stay in the store.
func VisibleForeground(agents []Agent) []Agent {
	var out []Agent
	for _, a := range agents {
		if a.IsBackground() {
			continue
		}
		shadow := false
		for _, bg := range agents {
			if shadowOf(a, bg) {
				shadow = true
				break
			}
		}
		if !shadow {
			out = append(out, a)
		}
	}
	return out
}

func cloneAgents(agents []Agent) []Agent {
	out := make([]Agent, len(agents))
	copy(out, agents)
	return out
}
