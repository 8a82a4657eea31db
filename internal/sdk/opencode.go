package sdk

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	openai "github.com/openai/openai-go/v3"
	openaioption "github.com/openai/openai-go/v3/option"

	"pairterm/internal/config"
	"pairterm/internal/runlog"
	"pairterm/internal/session"
)

const defaultOpenCodeModel = "gpt-4.1"

// OpenCodeClient drives an OpenAI-compatible agent runtime through the
// chat completions streaming API.
type OpenCodeClient struct {
	sdk       openai.Client
	model     string
	sessionID string
	log       *runlog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewOpenCodeClient(cfg config.OpenCodeConfig, log *runlog.Logger) (*OpenCodeClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("opencode api key is required")
	}
	opts := []openaioption.RequestOption{openaioption.WithAPIKey(apiKey)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, openaioption.WithBaseURL(base))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultOpenCodeModel
	}
	return &OpenCodeClient{
		sdk:       openai.NewClient(opts...),
		model:     model,
		sessionID: "opencode_" + uuid.NewString(),
		log:       log,
	}, nil
}

func (c *OpenCodeClient) SessionID() string {
	if c == nil {
		return ""
	}
	return c.sessionID
}

func (c *OpenCodeClient) SendTurn(ctx context.Context, turn Turn, emit func(session.Event)) error {
	if c == nil {
		return ErrNotConfigured
	}
	if emit == nil {
		emit = func(session.Event) {}
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
	}()

	sessionID := c.sessionID
	if strings.TrimSpace(turn.SessionID) != "" {
		sessionID = turn.SessionID
	}

	emit(session.Event{Kind: session.KindSessionStart, SessionID: sessionID, Timestamp: time.Now().UTC()})

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turn.History)+1)
	for _, ex := range turn.History {
		content := strings.TrimSpace(ex.Content)
		if content == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(ex.Role)) {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(content))
		case "system":
			messages = append(messages, openai.SystemMessage(content))
		default:
			messages = append(messages, openai.UserMessage(content))
		}
	}
	messages = append(messages, openai.UserMessage(turn.Prompt))

	stream := c.sdk.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
	})

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		now := time.Now().UTC()

		if len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				emit(session.Event{
					Kind:      session.KindMessageDelta,
					SessionID: sessionID,
					Timestamp: now,
					MessageID: turn.MessageID,
					Delta:     delta,
				})
			}
		}

		if tool, ok := acc.JustFinishedToolCall(); ok {
			// The completions API reports tool calls only once fully
			// buffered, so start and complete collapse into one pair.
			toolUseID := "toolu_" + uuid.NewString()
			emit(session.Event{
				Kind:      session.KindToolStart,
				SessionID: sessionID,
				Timestamp: now,
				ToolUseID: toolUseID,
				Tool:      tool.Name,
			})
			if tool.Name == TaskToolName {
				emit(session.Event{
					Kind:          session.KindSubagentStart,
					SessionID:     sessionID,
					Timestamp:     now,
					AgentID:       toolUseID,
					CorrelationID: toolUseID,
					Task:          session.PlaceholderTask,
				})
			}
			emit(session.Event{
				Kind:      session.KindToolComplete,
				SessionID: sessionID,
				Timestamp: now,
				ToolUseID: toolUseID,
			})
		}
	}

	if err := stream.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		c.log.Logf(runlog.KindSDK, "opencode stream error: %v", err)
		emit(session.Event{
			Kind:      session.KindSessionError,
			SessionID: sessionID,
			Timestamp: time.Now().UTC(),
			Error:     err.Error(),
		})
		return err
	}

	emit(session.Event{
		Kind:      session.KindMessageComplete,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		MessageID: turn.MessageID,
	})
	emit(session.Event{Kind: session.KindSessionIdle, SessionID: sessionID, Timestamp: time.Now().UTC()})
	return nil
}

func (c *OpenCodeClient) Abort(ctx context.Context) error {
	if c == nil {
		return ErrNotConfigured
	}
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return ErrNoTurnInFlight
	}
	cancel()
	return nil
}

func (c *OpenCodeClient) Close() error { return nil }
