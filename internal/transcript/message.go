package transcript

import (
	"fmt"
	"time"

	"pairterm/internal/session"
)

// Message is one transcript entry. A completed message exclusively owns
// the agent snapshot baked into ParallelAgents; the live session store
// is a separate transient collection superseded by this snapshot once
// streaming ends.
type Message struct {
	ID             string          `json:"id"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	Streaming      bool            `json:"streaming,omitempty"`
	ParallelAgents []session.Agent `json:"parallel_agents,omitempty"`
	CreatedAt      time.Time       `json:"created_at,omitempty"`
}

const compactionIDPrefix = "compact_"

// CompactionMessage builds the synthetic assistant entry written after
// a buffer compaction; its id matches the compact_* pattern.
func CompactionMessage(summary string, now time.Time) Message {
	return Message{
		ID:        fmt.Sprintf("%s%d", compactionIDPrefix, now.UnixNano()),
		Role:      "assistant",
		Content:   summary,
		CreatedAt: now,
	}
}

// IsCompactionMarker reports whether m is a compaction summary entry.
func IsCompactionMarker(m Message) bool {
	return len(m.ID) > len(compactionIDPrefix) && m.ID[:len(compactionIDPrefix)] == compactionIDPrefix
}
