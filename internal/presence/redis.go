package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pairterm/internal/session"
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	url := strings.TrimSpace(redisURL)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Upsert(ctx context.Context, sessionID string, agent session.Agent, ttlSeconds int) error {
	if s == nil || s.client == nil {
		return nil
	}
	id := strings.TrimSpace(agent.ID)
	if id == "" {
		return errors.New("agent id is required")
	}
	if ttlSeconds <= 0 {
		ttlSeconds = 90
	}
	ttl := time.Duration(ttlSeconds) * time.Second

	type presenceRecord struct {
		session.Agent
		SessionID string `json:"session_id"`
	}
	data, err := json.Marshal(presenceRecord{Agent: agent, SessionID: strings.TrimSpace(sessionID)})
	if err != nil {
		return err
	}

	keyAgent := fmt.Sprintf("pairterm:agent:%s", id)
	keySession := fmt.Sprintf("pairterm:session:%s", id)

	pipe := s.client.Pipeline()
	pipe.Set(ctx, keyAgent, data, ttl)
	pipe.Set(ctx, keySession, strings.TrimSpace(sessionID), ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Delete(ctx context.Context, agentID string) error {
	if s == nil || s.client == nil {
		return nil
	}
	id := strings.TrimSpace(agentID)
	if id == "" {
		return nil
	}
	keyAgent := fmt.Sprintf("pairterm:agent:%s", id)
	keySession := fmt.Sprintf("pairterm:session:%s", id)
	return s.client.Del(ctx, keyAgent, keySession).Err()
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
