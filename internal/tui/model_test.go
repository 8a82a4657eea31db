package tui

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pairterm/internal/config"
	"pairterm/internal/sdk"
	"pairterm/internal/session"
	"pairterm/internal/transcript"
)

type fakeClient struct {
	aborted chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{aborted: make(chan struct{}, 4)}
}

func (f *fakeClient) SendTurn(ctx context.Context, turn sdk.Turn, emit func(session.Event)) error {
	return nil
}

func (f *fakeClient) Abort(ctx context.Context) error {
	f.aborted <- struct{}{}
	return nil
}

func (f *fakeClient) Close() error { return nil }

func newTestModel(t *testing.T, windowCap int) (*Model, *fakeClient) {
	t.Helper()
	client := newFakeClient()
	m := New(context.Background(), Options{
		Config: config.Config{WindowCap: windowCap},
		Client: client,
		Buffer: transcript.Open(t.TempDir(), 1),
	})
	return m, client
}

func TestApplyEvent_SubagentLifecycle(t *testing.T) {
	m, _ := newTestModel(t, 50)

	m.applyEvent(session.Event{Kind: session.KindSessionStart, SessionID: "s1"})
	m.applyEvent(session.Event{
		Kind:          session.KindSubagentStart,
		SessionID:     "s1",
		AgentID:       "ag1",
		CorrelationID: "toolu_1",
		AgentName:     "researcher",
		Task:          "Survey the repo",
		Timestamp:     time.Now().UTC(),
	})
	if len(m.agents) != 1 || m.agents[0].Status != session.StatusRunning {
		t.Fatalf("agent not tracked as running: %+v", m.agents)
	}

	m.applyEvent(session.Event{
		Kind:          session.KindToolStart,
		SessionID:     "s1",
		ToolUseID:     "toolu_2",
		Tool:          "Grep",
		CorrelationID: "toolu_1",
	})
	if m.agents[0].CurrentTool != "Grep" || m.agents[0].ToolUses != 1 {
		t.Fatalf("tool progress not applied: %+v", m.agents[0])
	}

	m.applyEvent(session.Event{
		Kind:      session.KindSubagentComplete,
		SessionID: "s1",
		AgentID:   "ag1",
		Result:    "done",
	})
	got := m.agents[0]
	if got.Status != session.StatusCompleted || got.CurrentTool != "" || got.Result != "done" {
		t.Fatalf("completion not applied: %+v", got)
	}
}

func TestApplyEvent_ForeignSessionDropped(t *testing.T) {
	m, _ := newTestModel(t, 50)

	m.applyEvent(session.Event{Kind: session.KindSessionStart, SessionID: "s1"})
	m.applyEvent(session.Event{
		Kind:      session.KindSubagentStart,
		SessionID: "other",
		AgentID:   "ghost",
	})
	if len(m.agents) != 0 {
		t.Fatalf("foreign event mutated the store: %+v", m.agents)
	}
}

func TestMessageComplete_BakesAgentSnapshot(t *testing.T) {
	m, _ := newTestModel(t, 50)

	m.applyEvent(session.Event{Kind: session.KindSessionStart, SessionID: "s1"})
	m.messages = append(m.messages, transcript.Message{ID: "msg_a", Role: "assistant", Streaming: true})
	m.stream = m.stream.Begin("msg_a", time.Now().UTC())
	m.agents = []session.Agent{
		{ID: "ag1", Name: "builder", Status: session.StatusRunning},
	}

	m.applyEvent(session.Event{Kind: session.KindMessageDelta, SessionID: "s1", Delta: "hello"})

	// Completion arrives while a foreground agent is still running: it
	// must defer, then fire when the agent finishes.
	m.applyEvent(session.Event{Kind: session.KindMessageComplete, SessionID: "s1"})
	if !m.messages[0].Streaming || !m.stream.PendingCompletion {
		t.Fatalf("completion not deferred while foreground agent runs")
	}
	m.applyEvent(session.Event{Kind: session.KindSubagentComplete, SessionID: "s1", AgentID: "ag1", Result: "ok"})

	msg := m.messages[0]
	if msg.Streaming || m.stream.PendingCompletion {
		t.Fatalf("deferred completion never fired")
	}
	if msg.Content != "hello" {
		t.Fatalf("delta not accumulated: %q", msg.Content)
	}
	if len(msg.ParallelAgents) != 1 || msg.ParallelAgents[0].ID != "ag1" {
		t.Fatalf("agent snapshot not baked into message: %+v", msg.ParallelAgents)
	}

	// The baked copy must not alias the live store.
	m.agents[0].Name = "mutated"
	if m.messages[0].ParallelAgents[0].Name != "builder" {
		t.Fatalf("baked snapshot aliases the live store")
	}
}

func TestFinishTurn_ForceCompletesForegroundOnly(t *testing.T) {
	m, _ := newTestModel(t, 50)
	m.busy = true
	m.stream = m.stream.Begin("msg_a", time.Now().UTC())
	m.agents = []session.Agent{
		{ID: "fg", Status: session.StatusRunning},
		{ID: "bg", Status: session.StatusBackground, Background: true},
	}

	m.finishTurn(nil)

	if m.busy || m.stream.IsStreaming {
		t.Fatalf("turn state not cleared: busy=%v streaming=%v", m.busy, m.stream.IsStreaming)
	}
	if m.agents[0].Status != session.StatusCompleted {
		t.Fatalf("foreground agent not force-completed: %+v", m.agents[0])
	}
	if !m.agents[1].Active() {
		t.Fatalf("background agent was touched by turn teardown: %+v", m.agents[1])
	}
}

func TestCancelTurn_InvalidatesGenerationBeforeAbortResolves(t *testing.T) {
	m, client := newTestModel(t, 50)
	m.busy = true
	started := time.Now().UTC().Add(-2 * time.Second)
	m.stream = m.stream.Begin("msg_a", started)
	tag := m.gen.Current()

	m.cancelTurn()

	if m.gen.IsCurrent(tag) {
		t.Fatalf("stale generation still current after cancel")
	}
	if m.stream.IsStreaming || m.busy {
		t.Fatalf("local stop not applied synchronously")
	}
	if !m.stream.StartedAt.Equal(started) {
		t.Fatalf("StartedAt not preserved for elapsed display")
	}

	select {
	case <-client.aborted:
	case <-time.After(2 * time.Second):
		t.Fatalf("external abort was never issued")
	}
}

func TestTerminateKey_WarnsThenTerminates(t *testing.T) {
	m, _ := newTestModel(t, 50)
	m.agents = []session.Agent{
		{ID: "bg", Status: session.StatusBackground, Background: true},
	}

	if cmd := m.handleTerminateKey(); cmd != nil {
		t.Fatalf("first press should only warn")
	}
	if !strings.Contains(m.notice, "again") {
		t.Fatalf("warn notice missing: %q", m.notice)
	}
	cmd := m.handleTerminateKey()
	if cmd == nil {
		t.Fatalf("second press should schedule termination")
	}
	go cmd()

	var done terminateDoneMsg
	select {
	case msg := <-m.events:
		done = msg.(terminateDoneMsg)
	case <-time.After(2 * time.Second):
		t.Fatalf("termination never completed")
	}
	m.applyTermination(done.Result)
	if m.agents[0].Status != session.StatusInterrupted {
		t.Fatalf("background agent not interrupted: %+v", m.agents[0])
	}
}

func TestAppendMessage_EvictsOverflowToBuffer(t *testing.T) {
	m, _ := newTestModel(t, 3)

	for i := 0; i < 5; i++ {
		m.appendMessage(transcript.Message{
			ID:        "msg_" + strings.Repeat("x", i+1),
			Role:      "user",
			Content:   "hello",
			CreatedAt: time.Now().UTC(),
		})
	}
	if len(m.messages) != 3 {
		t.Fatalf("live window not capped: %d", len(m.messages))
	}
	_, hidden := m.window.Visible(m.messages, 3)
	if hidden != 2 {
		t.Fatalf("hidden count = %d, want 2", hidden)
	}
	persisted, err := m.buffer.Read()
	if err != nil {
		t.Fatalf("buffer read: %v", err)
	}
	if len(persisted) != 2 {
		t.Fatalf("evicted messages not persisted: %d", len(persisted))
	}
}

func TestFlushPendingHistory_RetriesFailedAppends(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "history")
	client := newFakeClient()
	m := New(context.Background(), Options{
		Config: config.Config{WindowCap: 1},
		Client: client,
		Buffer: transcript.Open(dir, 1),
	})

	// The buffer directory does not exist yet, so eviction appends fail
	// and land in the retry queue.
	m.appendMessage(transcript.Message{ID: "m1", Role: "user", Content: "a"})
	m.appendMessage(transcript.Message{ID: "m2", Role: "user", Content: "b"})
	if len(m.pendingEvicted) != 1 {
		t.Fatalf("failed append not queued: %d", len(m.pendingEvicted))
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	m.flushPendingHistory()
	if len(m.pendingEvicted) != 0 {
		t.Fatalf("retry queue not drained")
	}
	persisted, err := m.buffer.Read()
	if err != nil || len(persisted) != 1 || persisted[0].ID != "m1" {
		t.Fatalf("queued message not persisted: %+v err=%v", persisted, err)
	}
}

func TestWrapLine_WideRunes(t *testing.T) {
	rows := wrapLine("ありがとう", 4)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows for 10 cells at width 4, got %d: %v", len(rows), rows)
	}
	for _, r := range rows {
		if n := len([]rune(r)); n > 2 {
			t.Fatalf("row %q exceeds 2 double-width runes", r)
		}
	}
}

func TestAgentLine_Formatting(t *testing.T) {
	line := agentLine(session.Agent{
		ID:         "ag1",
		Name:       "builder",
		Task:       "Compile everything",
		Status:     session.StatusBackground,
		Background: true,
		ToolUses:   3,
	}, "")
	for _, want := range []string{"builder", "Compile everything", "[bg]", "(3 tools)"} {
		if !strings.Contains(line, want) {
			t.Fatalf("agent line missing %q: %q", want, line)
		}
	}

	placeholder := agentLine(session.Agent{ID: "ag2", Task: session.PlaceholderTask, Status: session.StatusRunning}, "")
	if strings.Contains(placeholder, session.PlaceholderTask) {
		t.Fatalf("placeholder task should not render: %q", placeholder)
	}
}
