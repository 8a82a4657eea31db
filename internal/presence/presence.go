package presence

import (
	"context"

	"pairterm/internal/session"
)

// Store publishes which background agents this process is tracking, so
// sibling tooling can observe long-running work without attaching to
// the terminal.
type Store interface {
	Upsert(ctx context.Context, sessionID string, agent session.Agent, ttlSeconds int) error
	Delete(ctx context.Context, agentID string) error
	Close() error
}

type NoopStore struct{}

func (NoopStore) Upsert(ctx context.Context, sessionID string, agent session.Agent, ttlSeconds int) error {
	return nil
}

func (NoopStore) Delete(ctx context.Context, agentID string) error {
	return nil
}

func (NoopStore) Close() error {
	return nil
}
