package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"pairterm/internal/appinfo"
	"pairterm/internal/session"
	"pairterm/internal/transcript"
)

var (
	styleTitle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	styleUser      = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	styleAssistant = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	styleDim       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	styleNotice    = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	styleErrorTag  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	styleAgentLine = lipgloss.NewStyle().Foreground(lipgloss.Color("114"))
	styleInputBox  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

const inputChromeHeight = 4 // bordered input plus status line

func (m *Model) layout() {
	w := m.width
	if w < 20 {
		w = 20
	}
	h := m.height - inputChromeHeight - 1
	if h < 3 {
		h = 3
	}
	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 6
}

func (m *Model) refreshViewport() {
	atBottom := m.viewport.AtBottom() || m.viewport.TotalLineCount() <= m.viewport.Height
	m.viewport.SetContent(m.renderTranscript())
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m *Model) View() string {
	var b strings.Builder

	b.WriteString(styleTitle.Render(appinfo.Display()) + "\n")
	b.WriteString(m.viewport.View() + "\n")
	b.WriteString(styleInputBox.Width(max(m.width-2, 20)).Render(m.input.View()) + "\n")
	b.WriteString(m.statusLine())

	return b.String()
}

func (m *Model) statusLine() string {
	var parts []string
	if m.busy {
		parts = append(parts, m.spinner()+" streaming")
		if e := m.elapsed(); e != "" {
			parts = append(parts, e)
		}
	}
	if m.terminating {
		parts = append(parts, m.spinner()+" terminating")
	}
	if n := len(session.ActiveBackground(m.agents)); n > 0 {
		parts = append(parts, fmt.Sprintf("%d background agent(s)", n))
	}
	if m.notice != "" {
		parts = append(parts, styleNotice.Render(m.notice))
	}
	if len(parts) == 0 {
		parts = append(parts, styleDim.Render("esc: stop  ctrl+f: kill background  ctrl+c: quit"))
	}
	return strings.Join(parts, styleDim.Render("  •  "))
}

func (m *Model) renderTranscript() string {
	width := m.viewport.Width
	if width <= 0 {
		width = 80
	}

	visible, hidden := m.window.Visible(m.messages, m.cfg.WindowCap)

	var b strings.Builder
	if hidden > 0 {
		b.WriteString(styleDim.Render(fmt.Sprintf("… %d earlier message(s) in history", hidden)) + "\n\n")
	}
	for i, msg := range visible {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.renderMessage(msg, width))
	}
	if live := session.VisibleForeground(m.agents); len(live) > 0 && m.busy {
		b.WriteString("\n" + renderAgents(live, width, m.spinner()))
	}
	return b.String()
}

func (m *Model) renderMessage(msg transcript.Message, width int) string {
	var b strings.Builder

	if transcript.IsCompactionMarker(msg) {
		b.WriteString(styleDim.Render("── conversation compacted ──") + "\n")
		b.WriteString(wrapText(msg.Content, width) + "\n")
		return b.String()
	}

	label := styleAssistant.Render("assistant")
	if msg.Role == "user" {
		label = styleUser.Render("you")
	}
	stamp := styleDim.Render(msg.CreatedAt.Local().Format("15:04:05"))
	b.WriteString(label + " " + stamp + "\n")

	content := msg.Content
	if msg.Streaming {
		content += " " + m.spinner()
	}
	b.WriteString(wrapText(content, width) + "\n")

	if len(msg.ParallelAgents) > 0 {
		b.WriteString(renderAgents(msg.ParallelAgents, width, ""))
	}
	return b.String()
}

func renderAgents(agents []session.Agent, width int, spinner string) string {
	var b strings.Builder
	for _, a := range agents {
		b.WriteString(styleAgentLine.Render(agentLine(a, spinner)) + "\n")
		if e := strings.TrimSpace(a.Error); e != "" {
			b.WriteString("    " + styleErrorTag.Render(wrapText(e, width-4)) + "\n")
		}
	}
	return b.String()
}

func agentLine(a session.Agent, spinner string) string {
	marker := statusMarker(a.Status, spinner)
	name := strings.TrimSpace(a.Name)
	if name == "" {
		name = a.ID
	}
	line := fmt.Sprintf("  %s %s", marker, name)
	if a.HasDescriptiveTask() {
		line += " · " + strings.TrimSpace(a.Task)
	}
	if a.IsBackground() {
		line += " [bg]"
	}
	if a.ToolUses > 0 {
		line += fmt.Sprintf(" (%d tools)", a.ToolUses)
	}
	if t := strings.TrimSpace(a.CurrentTool); t != "" && a.Status.Active() {
		line += " → " + t
	}
	if a.DurationMs > 0 && a.Status.Terminal() {
		line += " " + (time.Duration(a.DurationMs) * time.Millisecond).Round(time.Second).String()
	}
	return line
}

func statusMarker(st session.Status, spinner string) string {
	switch st {
	case session.StatusCompleted:
		return "✓"
	case session.StatusError:
		return "✗"
	case session.StatusInterrupted:
		return "◼"
	case session.StatusPending:
		return "…"
	default:
		if spinner != "" {
			return spinner
		}
		return "●"
	}
}

// wrapText hard-wraps on display cells so CJK and emoji do not
// overflow the viewport.
func wrapText(s string, width int) string {
	if width < 10 {
		width = 10
	}
	var out []string
	for _, line := range strings.Split(s, "\n") {
		out = append(out, wrapLine(line, width)...)
	}
	return strings.Join(out, "\n")
}

func wrapLine(line string, width int) []string {
	if runewidth.StringWidth(line) <= width {
		return []string{line}
	}
	var rows []string
	var cur strings.Builder
	cells := 0
	for _, r := range line {
		w := runewidth.RuneWidth(r)
		if cells+w > width && cur.Len() > 0 {
			rows = append(rows, cur.String())
			cur.Reset()
			cells = 0
		}
		cur.WriteRune(r)
		cells += w
	}
	if cur.Len() > 0 {
		rows = append(rows, cur.String())
	}
	return rows
}
