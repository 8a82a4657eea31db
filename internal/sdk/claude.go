package sdk

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"pairterm/internal/config"
	"pairterm/internal/runlog"
	"pairterm/internal/session"
)

const (
	defaultClaudeBaseURL = "https://api.anthropic.com"
	defaultClaudeModel   = "claude-sonnet-4-5"
	claudeMaxTokens      = 4096
)

// ClaudeClient streams a turn through the Anthropic Messages API and
// normalizes the stream events. Abort cancels the in-flight stream's
// context; the runtime treats that as the external abort.
type ClaudeClient struct {
	sdk       anthropic.Client
	model     string
	sessionID string
	log       *runlog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewClaudeClient(cfg config.ClaudeConfig, log *runlog.Logger) (*ClaudeClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("claude api key is required")
	}
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = defaultClaudeBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultClaudeModel
	}
	return &ClaudeClient{
		sdk: anthropic.NewClient(
			anthropicoption.WithAPIKey(apiKey),
			anthropicoption.WithBaseURL(strings.TrimRight(base, "/") + "/"),
		),
		model:     model,
		sessionID: "claude_" + uuid.NewString(),
		log:       log,
	}, nil
}

func (c *ClaudeClient) SessionID() string {
	if c == nil {
		return ""
	}
	return c.sessionID
}

func (c *ClaudeClient) SendTurn(ctx context.Context, turn Turn, emit func(session.Event)) error {
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

	params := anthropic.MessageNewParams{
		MaxTokens: claudeMaxTokens,
		Model:     anthropic.Model(c.model),
		Messages:  toClaudeMessages(turn),
	}

	stream := c.sdk.Messages.NewStreaming(ctx, params)

	// Open tool_use blocks by stream index, so block stop events can be
	// attributed back to the right tool.
	openTools := make(map[int64]string)

	for stream.Next() {
		ev := stream.Current()
		now := time.Now().UTC()
		switch v := ev.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			switch blk := v.ContentBlock.AsAny().(type) {
			case anthropic.ToolUseBlock:
				openTools[v.Index] = blk.ID
				emit(session.Event{
					Kind:      session.KindToolStart,
					SessionID: sessionID,
					Timestamp: now,
					ToolUseID: blk.ID,
					Tool:      blk.Name,
				})
				if blk.Name == TaskToolName {
					emit(session.Event{
						Kind:          session.KindSubagentStart,
						SessionID:     sessionID,
						Timestamp:     now,
						AgentID:       blk.ID,
						CorrelationID: blk.ID,
						Task:          session.PlaceholderTask,
					})
				}
			}
		case anthropic.ContentBlockDeltaEvent:
			switch d := v.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if d.Text != "" {
					emit(session.Event{
						Kind:      session.KindMessageDelta,
						SessionID: sessionID,
						Timestamp: now,
						MessageID: turn.MessageID,
						Delta:     d.Text,
					})
				}
			}
		case anthropic.ContentBlockStopEvent:
			if id, ok := openTools[v.Index]; ok {
				delete(openTools, v.Index)
				emit(session.Event{
					Kind:      session.KindToolComplete,
					SessionID: sessionID,
					Timestamp: now,
					ToolUseID: id,
				})
			}
		case anthropic.MessageStopEvent:
			emit(session.Event{
				Kind:      session.KindMessageComplete,
				SessionID: sessionID,
				Timestamp: now,
				MessageID: turn.MessageID,
			})
		}
	}

	if err := stream.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		c.log.Logf(runlog.KindSDK, "claude stream error: %v", err)
		emit(session.Event{
			Kind:      session.KindSessionError,
			SessionID: sessionID,
			Timestamp: time.Now().UTC(),
			Error:     err.Error(),
		})
		return err
	}

	emit(session.Event{Kind: session.KindSessionIdle, SessionID: sessionID, Timestamp: time.Now().UTC()})
	return nil
}

func (c *ClaudeClient) Abort(ctx context.Context) error {
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

func (c *ClaudeClient) Close() error { return nil }

func toClaudeMessages(turn Turn) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(turn.History)+1)
	for _, ex := range turn.History {
		content := strings.TrimSpace(ex.Content)
		if content == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(ex.Role)) {
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
		}
	}
	out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Prompt)))
	return out
}
