package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"pairterm/internal/config"
	"pairterm/internal/digest"
	"pairterm/internal/presence"
	"pairterm/internal/runlog"
	"pairterm/internal/sdk"
	"pairterm/internal/session"
	"pairterm/internal/transcript"
)

var spinnerFrames = []string{"|", "/", "-", "\\"}

type Options struct {
	Config   config.Config
	Client   sdk.Client
	Buffer   *transcript.Buffer
	Presence presence.Store
	Notifier *digest.Notifier
	Log      *runlog.Logger

	// Restore seeds the transcript from a previous run's history
	// buffer. Overflow beyond the window cap stays hidden but counts
	// toward the earlier-messages indicator.
	Restore []transcript.Message
}

// Model is the one reducer that owns the lifecycle store and the
// message list. Async SDK work runs in goroutines that post back
// through the events channel; nothing else mutates model state.
type Model struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg      config.Config
	client   sdk.Client
	buffer   *transcript.Buffer
	presence presence.Store
	notifier *digest.Notifier
	log      *runlog.Logger

	events chan tea.Msg

	guard *session.Guard

	// agents is written only by the update loop, via setAgents; the
	// mutex exists for the terminate executor, which re-reads the live
	// set from its own goroutine mid-abort.
	agents   []session.Agent
	agentsMu sync.RWMutex

	stream session.Stream
	gen    *session.Generation

	// presses backs the Ctrl-F double-press confirmation. It is an
	// owned cell mutated synchronously inside the decision call, so two
	// presses within one input tick both count.
	presses atomic.Int32

	messages []transcript.Message
	window   transcript.Window

	// pendingEvicted holds evicted messages whose buffer append failed;
	// the maintenance runner retries them via HistoryFlushMsg.
	pendingEvicted []transcript.Message

	input    textinput.Model
	viewport viewport.Model
	width    int
	height   int

	spinnerFrame int
	busy         bool
	terminating  bool
	notice       string
}

type eventMsg struct {
	Gen   int64
	Event session.Event
}

type turnDoneMsg struct {
	Gen int64
	Err error
}

type terminateDoneMsg struct {
	Result session.TerminateResult
}

type noticeMsg struct {
	Text string
}

type tickMsg struct{}

// PresenceRefreshMsg is injected from outside the event loop (the
// maintenance runner) to re-publish background-agent presence. Routing
// it through the program keeps all model reads on the loop goroutine.
type PresenceRefreshMsg struct{}

// HistoryFlushMsg retries evicted messages whose history append failed.
type HistoryFlushMsg struct{}

func New(ctx context.Context, opts Options) *Model {
	ctx, cancel := context.WithCancel(ctx)

	inp := textinput.New()
	inp.Placeholder = "Type a message… (/clear resets, Ctrl-F kills background agents)"
	inp.Prompt = "› "
	inp.CharLimit = 0
	inp.Focus()

	vp := viewport.New(0, 0)
	vp.SetContent("")

	m := &Model{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      opts.Config,
		client:   opts.Client,
		buffer:   opts.Buffer,
		presence: opts.Presence,
		notifier: opts.Notifier,
		log:      opts.Log,
		events:   make(chan tea.Msg, 512),
		guard:    session.NewGuard(""),
		gen:      &session.Generation{},
		input:    inp,
		viewport: vp,
	}
	if len(opts.Restore) > 0 {
		live, evicted := transcript.Evict(opts.Restore, m.cfg.WindowCap)
		m.messages = live
		m.window.RecordEvicted(len(evicted))
	}
	return m
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), waitEventCmd(m.events))
}

func tickCmd() tea.Cmd {
	return tea.Tick(300*time.Millisecond, func(time.Time) tea.Msg { return tickMsg{} })
}

func waitEventCmd(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-ch
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		m.refreshViewport()
		return m, nil

	case tickMsg:
		m.spinnerFrame = (m.spinnerFrame + 1) % len(spinnerFrames)
		if m.busy {
			m.refreshViewport()
		}
		return m, tickCmd()

	case tea.KeyMsg:
		return m.updateKey(msg)

	case eventMsg:
		// A cancelled turn's late events are dead on arrival: the
		// generation tag must strictly equal the live one.
		if m.gen.IsCurrent(msg.Gen) {
			m.applyEvent(msg.Event)
		}
		return m, waitEventCmd(m.events)

	case turnDoneMsg:
		if m.gen.IsCurrent(msg.Gen) {
			m.finishTurn(msg.Err)
		}
		return m, waitEventCmd(m.events)

	case terminateDoneMsg:
		m.terminating = false
		m.applyTermination(msg.Result)
		return m, waitEventCmd(m.events)

	case noticeMsg:
		m.notice = msg.Text
		return m, waitEventCmd(m.events)

	case PresenceRefreshMsg:
		m.RefreshPresence()
		return m, nil

	case HistoryFlushMsg:
		m.flushPendingHistory()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) updateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+f":
		// Sole termination key. Ctrl+Shift+F and Ctrl+Meta+F arrive as
		// different key strings and deliberately do not match.
		return m, m.handleTerminateKey()

	case "ctrl+c":
		if m.stream.IsStreaming {
			m.cancelTurn()
			return m, nil
		}
		m.cancel()
		return m, tea.Quit

	case "esc":
		if m.stream.IsStreaming {
			m.cancelTurn()
		}
		return m, nil

	case "enter":
		return m, m.submit()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// cancelTurn stops the turn locally first: streaming flags clear and
// the generation is invalidated synchronously, so the UI reads
// "stopped" before the external abort resolves and every in-flight
// callback from this turn is dead.
func (m *Model) cancelTurn() {
	m.stream = m.stream.End(true)
	m.gen.Invalidate()
	m.busy = false
	m.finalizeStreamingMessage()
	m.notice = "Turn cancelled"

	client := m.client
	log := m.log
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Abort(ctx); err != nil && !errors.Is(err, sdk.ErrNoTurnInFlight) {
			log.Logf(runlog.KindWarn, "abort failed: %v", err)
		}
	}()
	m.refreshViewport()
}

func (m *Model) handleTerminateKey() tea.Cmd {
	active := len(session.ActiveBackground(m.agents))
	decision := session.DecideTermination(&m.presses, active)
	switch decision.Action {
	case session.TerminateNone:
		return nil
	case session.TerminateWarn:
		m.notice = decision.Message
		m.refreshViewport()
		return nil
	}

	m.notice = decision.Message
	m.terminating = true
	m.refreshViewport()

	events := m.events
	client := m.client
	snapshot := m.snapshotAgents()
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		res := session.ExecuteTermination(ctx, snapshot, client.Abort, time.Now().UTC())
		events <- terminateDoneMsg{Result: res}
		return nil
	}
}

func (m *Model) setAgents(agents []session.Agent) {
	m.agentsMu.Lock()
	m.agents = agents
	m.agentsMu.Unlock()
}

// snapshotAgents returns a reader for the live agent set. The two-phase
// terminate executor calls it before and after the external abort; the
// slices it returns are never mutated in place, so handing them out is
// safe.
func (m *Model) snapshotAgents() func() []session.Agent {
	return func() []session.Agent {
		m.agentsMu.RLock()
		defer m.agentsMu.RUnlock()
		return m.agents
	}
}

func (m *Model) applyTermination(res session.TerminateResult) {
	switch res.Outcome {
	case session.TerminateNoop:
		m.notice = "No background agents to terminate"
	case session.TerminateFailed:
		// Failed abort applies no local state; keep the store as it was.
		m.notice = "Termination failed: " + res.Err.Error()
		m.log.Logf(runlog.KindError, "termination failed: %v", res.Err)
	case session.TerminateTerminated:
		m.setAgents(res.Agents)
		for _, id := range res.InterruptedIDs {
			m.log.Logf(runlog.KindAgent, "interrupted %s", id)
			m.dropPresence(id)
		}
	}
	m.refreshViewport()
}

func (m *Model) submit() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" || m.busy {
		return nil
	}
	m.input.SetValue("")

	if text == "/clear" {
		return m.clearTranscript()
	}

	userMsg := transcript.Message{
		ID:        "msg_" + uuid.NewString(),
		Role:      "user",
		Content:   text,
		CreatedAt: time.Now().UTC(),
	}
	m.appendMessage(userMsg)

	assistantID := "msg_" + uuid.NewString()
	m.appendMessage(transcript.Message{
		ID:        assistantID,
		Role:      "assistant",
		Streaming: true,
		CreatedAt: time.Now().UTC(),
	})

	m.stream = m.stream.Begin(assistantID, time.Now().UTC())
	m.busy = true
	m.notice = ""
	// Background agents outlive turns; only foreground leftovers reset.
	m.setAgents(session.ActiveBackground(m.agents))
	gen := m.gen.Current()

	turn := sdk.Turn{
		MessageID: assistantID,
		Prompt:    text,
		History:   m.historyExchanges(),
	}

	ctx := m.ctx
	client := m.client
	events := m.events
	m.refreshViewport()
	return func() tea.Msg {
		err := client.SendTurn(ctx, turn, func(ev session.Event) {
			events <- eventMsg{Gen: gen, Event: ev}
		})
		events <- turnDoneMsg{Gen: gen, Err: err}
		return nil
	}
}

func (m *Model) historyExchanges() []sdk.Exchange {
	out := make([]sdk.Exchange, 0, len(m.messages))
	for _, msg := range m.messages {
		if msg.Streaming || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		out = append(out, sdk.Exchange{Role: msg.Role, Content: msg.Content})
	}
	return out
}

func (m *Model) clearTranscript() tea.Cmd {
	m.messages = nil
	m.setAgents(nil)
	m.window.Reset()
	if err := m.buffer.Clear(); err != nil {
		m.notice = "history clear failed: " + err.Error()
	} else {
		m.notice = "Transcript cleared"
	}
	m.refreshViewport()
	return nil
}

// appendMessage adds to the live list and spills overflow into the
// history buffer so restarts keep the full conversation.
func (m *Model) appendMessage(msg transcript.Message) {
	m.messages = append(m.messages, msg)
	live, evicted := transcript.Evict(m.messages, m.cfg.WindowCap)
	if len(evicted) == 0 {
		return
	}
	m.messages = live
	m.window.RecordEvicted(len(evicted))
	if n, err := m.buffer.Append(evicted); err != nil {
		m.log.Logf(runlog.KindError, "history append failed, queued for retry: %v", err)
		m.pendingEvicted = append(m.pendingEvicted, evicted...)
	} else if n > 0 {
		m.log.Logf(runlog.KindHistory, "evicted %d messages to %s", n, m.buffer.Path())
	}
}

// flushPendingHistory retries the queued evicted messages. The buffer's
// id-dedup set makes the retry safe even if part of an earlier batch
// did land.
func (m *Model) flushPendingHistory() {
	if len(m.pendingEvicted) == 0 {
		return
	}
	n, err := m.buffer.Append(m.pendingEvicted)
	if err != nil {
		m.log.Logf(runlog.KindWarn, "history flush retry failed: %v", err)
		return
	}
	m.log.Logf(runlog.KindHistory, "flushed %d queued messages to %s", n, m.buffer.Path())
	m.pendingEvicted = nil
}

func (m *Model) streamingIndex() int {
	for i := range m.messages {
		if m.messages[i].ID == m.stream.MessageID {
			return i
		}
	}
	return -1
}

func (m *Model) applyEvent(ev session.Event) {
	if ev.Kind == session.KindSessionStart {
		m.guard.BindSession(ev.SessionID)
		return
	}
	if !m.guard.Admit(ev) {
		// Cross-session leakage is steady-state noise, not a fault.
		m.log.Logf(runlog.KindEvent, "dropped foreign event %s from %s", ev.Kind, ev.SessionID)
		return
	}

	switch ev.Kind {
	case session.KindMessageDelta:
		m.stream.HasMeta = true
		m.stream.AgentOnly = false
		if i := m.streamingIndex(); i >= 0 {
			m.messages[i].Content += ev.Delta
		}

	case session.KindMessageComplete:
		// Completion is deferred while a foreground agent or a blocking
		// tool is still running; it fires once the last of them ends.
		if session.DeferredCompletionReady(m.agents, m.stream.HasRunningTool) {
			m.completeStreamingMessage()
		} else {
			m.stream.PendingCompletion = true
		}

	case session.KindToolStart:
		m.guard.TrackToolUse(ev.ToolUseID)
		m.stream.HasRunningTool = true
		if ev.Tool == sdk.TaskToolName {
			m.guard.TaskDispatched()
		}
		// A tool start correlated to a tracked agent is that agent's
		// own tool activity, not the primary stream's.
		if id := agentForCorrelation(m.agents, ev.CorrelationID); id != "" {
			uses := toolUsesOf(m.agents, id) + 1
			m.setAgents(session.Progress(m.agents, id, ev.Tool, uses))
		}

	case session.KindToolComplete:
		m.stream.HasRunningTool = false
		if id := agentForCorrelation(m.agents, ev.CorrelationID); id != "" {
			m.setAgents(session.Progress(m.agents, id, "", 0))
		}
		m.maybeCompleteDeferred()

	case session.KindSubagentStart:
		m.guard.TaskResolved()
		if !m.stream.HasMeta {
			m.stream.AgentOnly = true
		}
		agent := session.Agent{
			ID:            ev.AgentID,
			CorrelationID: ev.CorrelationID,
			Name:          ev.AgentName,
			Task:          ev.Task,
			Background:    ev.Background,
			StartedAt:     ev.Timestamp.Format(time.RFC3339Nano),
			Status:        session.StatusRunning,
		}
		m.setAgents(session.Upsert(m.agents, agent))
		m.publishPresence(agent)

	case session.KindSubagentComplete:
		m.setAgents(session.Complete(m.agents, ev.AgentID, ev.Failed, ev.Result, ev.Error, time.Now().UTC()))
		m.dropPresence(ev.AgentID)
		m.notifyIfFinished(ev.AgentID)
		m.maybeCompleteDeferred()

	case session.KindPermissionRequested:
		m.notice = "Permission requested by agent runtime"

	case session.KindSessionError:
		m.notice = "Stream error: " + ev.Error

	case session.KindSessionIdle:
		// Turn teardown happens on turnDoneMsg; idle alone only means
		// the runtime has no foreground work left.
		m.maybeCompleteDeferred()
	}
	m.refreshViewport()
}

// completeStreamingMessage finalizes the streaming message. The message
// bakes its own agent snapshot; the live store stays session-scoped and
// is superseded by this copy.
func (m *Model) completeStreamingMessage() {
	m.stream.PendingCompletion = false
	if i := m.streamingIndex(); i >= 0 {
		m.messages[i].Streaming = false
		m.messages[i].ParallelAgents = bakeAgents(m.agents)
	}
}

func (m *Model) maybeCompleteDeferred() {
	if m.stream.PendingCompletion && session.DeferredCompletionReady(m.agents, m.stream.HasRunningTool) {
		m.completeStreamingMessage()
	}
}

func (m *Model) finishTurn(err error) {
	now := time.Now().UTC()
	m.finalizeStreamingMessage()
	// Foreground agents end with the turn; background agents continue.
	m.setAgents(session.ForceCompleteForeground(m.agents, now))
	m.stream = m.stream.End(true)
	m.busy = false
	if err != nil && !errors.Is(err, context.Canceled) {
		m.notice = "Turn failed: " + err.Error()
		m.log.Logf(runlog.KindError, "turn failed: %v", err)
	}
	m.refreshViewport()
}

func (m *Model) finalizeStreamingMessage() {
	if i := m.streamingIndex(); i >= 0 && m.messages[i].Streaming {
		m.messages[i].Streaming = false
		if len(m.messages[i].ParallelAgents) == 0 && len(m.agents) > 0 {
			m.messages[i].ParallelAgents = bakeAgents(m.agents)
		}
	}
}

func (m *Model) notifyIfFinished(agentID string) {
	if m.notifier == nil || m.stream.IsStreaming {
		return
	}
	var finished []session.Agent
	for _, a := range m.agents {
		if a.ID == agentID && a.IsBackground() && a.Status.Terminal() {
			finished = append(finished, a)
		}
	}
	if len(finished) == 0 {
		return
	}
	notifier := m.notifier
	log := m.log
	body := digest.BuildAgentDigest(finished)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := notifier.Send(ctx, "Background agent finished", body); err != nil {
			log.Logf(runlog.KindWarn, "digest send failed: %v", err)
		}
	}()
}

func (m *Model) publishPresence(agent session.Agent) {
	if m.presence == nil || !agent.IsBackground() {
		return
	}
	store := m.presence
	ttl := m.cfg.Maintenance.PresenceTTLSeconds
	sessionID := ""
	if c, ok := m.client.(interface{ SessionID() string }); ok {
		sessionID = c.SessionID()
	}
	log := m.log
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Upsert(ctx, sessionID, agent, ttl); err != nil {
			log.Logf(runlog.KindPresence, "upsert failed: %v", err)
		}
	}()
}

func (m *Model) dropPresence(agentID string) {
	if m.presence == nil {
		return
	}
	store := m.presence
	log := m.log
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Delete(ctx, agentID); err != nil {
			log.Logf(runlog.KindPresence, "delete failed: %v", err)
		}
	}()
}

// RefreshPresence re-publishes every active background agent; the
// maintenance runner calls this on its schedule so TTLs do not lapse
// mid-run.
func (m *Model) RefreshPresence() {
	for _, a := range session.ActiveBackground(m.agents) {
		m.publishPresence(a)
	}
}

func (m *Model) spinner() string {
	return spinnerFrames[m.spinnerFrame]
}

func (m *Model) elapsed() string {
	if m.stream.StartedAt.IsZero() {
		return ""
	}
	return time.Since(m.stream.StartedAt).Round(time.Second).String()
}

// bakeAgents snapshots the deduplicated agent set for embedding in a
// completed message. The copy must not alias the live store: dedup
// returns its input unchanged when nothing merged.
func bakeAgents(agents []session.Agent) []session.Agent {
	deduped := session.Dedup(agents)
	if len(deduped) == 0 {
		return nil
	}
	return append([]session.Agent(nil), deduped...)
}

func agentForCorrelation(agents []session.Agent, corrID string) string {
	corrID = strings.TrimSpace(corrID)
	if corrID == "" {
		return ""
	}
	for _, a := range agents {
		if a.CorrelationID == corrID || a.ID == corrID {
			return a.ID
		}
	}
	return ""
}

func toolUsesOf(agents []session.Agent, id string) int {
	for _, a := range agents {
		if a.ID == id {
			return a.ToolUses
		}
	}
	return 0
}
