package session

import (
	"sync/atomic"
	"time"
)

// Stream is the primary stream's control state. It has exactly two
// transitions, Begin and End; everything else reads it.
type Stream struct {
	IsStreaming       bool
	MessageID         string
	StartedAt         time.Time
	HasMeta           bool
	HasRunningTool    bool
	AgentOnly         bool
	PendingCompletion bool
}

// Begin starts a new turn.
func (s Stream) Begin(messageID string, now time.Time) Stream {
	return Stream{
		IsStreaming: true,
		MessageID:   messageID,
		StartedAt:   now,
	}
}

// End clears all transient flags. preserveStart keeps StartedAt for
// elapsed-time display. Idempotent: ending an ended stream is a no-op
// yielding the same state.
func (s Stream) End(preserveStart bool) Stream {
	out := Stream{}
	if preserveStart {
		out.StartedAt = s.StartedAt
	}
	return out
}

// Generation invalidates stale asynchronous completions after a
// cancellation. Every scheduled callback captures Current(); at
// execution time it is honored only under strict equality with the
// live value. Cancelling increments the counter, permanently
// invalidating all in-flight callbacks from that turn.
type Generation struct {
	n atomic.Int64
}

func (g *Generation) Current() int64 {
	return g.n.Load()
}

// Invalidate bumps the counter and returns the new generation.
func (g *Generation) Invalidate() int64 {
	return g.n.Add(1)
}

// IsCurrent reports whether a callback tagged with tag may still run.
func (g *Generation) IsCurrent(tag int64) bool {
	return IsCurrent(g.n.Load(), tag)
}

// IsCurrent is the strict-equality check; no is-at-least comparisons.
func IsCurrent(current, tag int64) bool {
	return current == tag
}
