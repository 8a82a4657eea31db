package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"pairterm/internal/config"
	"pairterm/internal/runlog"
	"pairterm/internal/session"
)

const copilotMaxMessageBytes = 4 * 1024 * 1024

// copilotWireEvent is the bridge's frame shape: one JSON object per
// websocket text message.
type copilotWireEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Timestamp string          `json:"timestamp"`
	Data      copilotWireData `json:"data"`
}

type copilotWireData struct {
	MessageID  string `json:"messageId,omitempty"`
	Delta      string `json:"delta,omitempty"`
	ToolUseID  string `json:"toolUseId,omitempty"`
	Tool       string `json:"tool,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
	AgentName  string `json:"agentName,omitempty"`
	Task       string `json:"task,omitempty"`
	Background bool   `json:"background,omitempty"`
	Failed     bool   `json:"failed,omitempty"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

type copilotCommand struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
}

// CopilotClient speaks to a copilot agent bridge over a websocket: it
// writes prompt/abort commands and reads an NDJSON-style event feed,
// one JSON object per text frame.
type CopilotClient struct {
	url   string
	token string
	log   *runlog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	active bool
}

func NewCopilotClient(cfg config.CopilotConfig, log *runlog.Logger) (*CopilotClient, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("copilot bridge url is required")
	}
	return &CopilotClient{url: url, token: strings.TrimSpace(cfg.Token), log: log}, nil
}

func (c *CopilotClient) dial(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	opts := &websocket.DialOptions{}
	if c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}
	conn, _, err := websocket.Dial(ctx, c.url, opts)
	if err != nil {
		return nil, fmt.Errorf("dial copilot bridge: %w", err)
	}
	conn.SetReadLimit(copilotMaxMessageBytes)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *CopilotClient) SendTurn(ctx context.Context, turn Turn, emit func(session.Event)) error {
	if c == nil {
		return ErrNotConfigured
	}
	if emit == nil {
		emit = func(session.Event) {}
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	cmd, err := json.Marshal(copilotCommand{Type: "prompt", MessageID: turn.MessageID, Prompt: turn.Prompt})
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, cmd); err != nil {
		return err
	}

	c.mu.Lock()
	c.active = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active = false
		c.mu.Unlock()
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		var wire copilotWireEvent
		if err := json.Unmarshal(data, &wire); err != nil {
			c.log.Logf(runlog.KindSDK, "copilot frame dropped: %v", err)
			continue
		}
		ev := normalizeCopilotEvent(wire)
		if ev.Kind == "" {
			continue
		}
		emit(ev)
		if ev.Kind == session.KindSessionIdle || ev.Kind == session.KindSessionError {
			return nil
		}
	}
}

// Abort sends the bridge's abort command for the in-flight turn.
func (c *CopilotClient) Abort(ctx context.Context) error {
	if c == nil {
		return ErrNotConfigured
	}
	c.mu.Lock()
	conn := c.conn
	active := c.active
	c.mu.Unlock()
	if conn == nil || !active {
		return ErrNoTurnInFlight
	}
	cmd, err := json.Marshal(copilotCommand{Type: "abort"})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, cmd)
}

func (c *CopilotClient) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "bye")
}

func normalizeCopilotEvent(wire copilotWireEvent) session.Event {
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(wire.Timestamp))
	if err != nil {
		ts = time.Now().UTC()
	}
	ev := session.Event{
		SessionID:  strings.TrimSpace(wire.SessionID),
		Timestamp:  ts,
		MessageID:  wire.Data.MessageID,
		Delta:      wire.Data.Delta,
		ToolUseID:  wire.Data.ToolUseID,
		Tool:       wire.Data.Tool,
		AgentID:    wire.Data.AgentID,
		AgentName:  wire.Data.AgentName,
		Task:       wire.Data.Task,
		Background: wire.Data.Background,
		Failed:     wire.Data.Failed,
		Result:     wire.Data.Result,
		Error:      wire.Data.Error,
	}
	switch strings.TrimSpace(wire.Type) {
	case "session.start":
		ev.Kind = session.KindSessionStart
	case "session.idle":
		ev.Kind = session.KindSessionIdle
	case "session.error":
		ev.Kind = session.KindSessionError
	case "message.delta":
		ev.Kind = session.KindMessageDelta
	case "message.complete":
		ev.Kind = session.KindMessageComplete
	case "tool.start":
		ev.Kind = session.KindToolStart
	case "tool.complete":
		ev.Kind = session.KindToolComplete
	case "subagent.start":
		ev.Kind = session.KindSubagentStart
		if ev.CorrelationID == "" {
			ev.CorrelationID = ev.ToolUseID
		}
	case "subagent.complete":
		ev.Kind = session.KindSubagentComplete
	case "permission.requested":
		ev.Kind = session.KindPermissionRequested
	}
	return ev
}
