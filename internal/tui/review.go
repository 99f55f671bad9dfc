// Package tui is the interactive review program: it shows the draft awaiting
// review and submits approval or feedback without leaving the terminal.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/lotfb86/NewLetterAgent/internal/core"
	"github.com/lotfb86/NewLetterAgent/internal/orchestrator"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).MarginTop(1)
)

type mode int

const (
	modeViewing mode = iota
	modeFeedback
	modeWorking
	modeDone
)

// Model is the bubbletea model for the review session.
type Model struct {
	orch   *orchestrator.Orchestrator
	runID  core.RunID
	draft  *core.DraftRecord
	status *orchestrator.Status

	mode     mode
	viewport viewport.Model
	feedback textarea.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer

	width   int
	height  int
	message string
	err     error
}

// New creates the review model for the given run.
func New(orch *orchestrator.Orchestrator, runID core.RunID) Model {
	ta := textarea.New()
	ta.Placeholder = "What should change in the next revision?"
	ta.CharLimit = 2000

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return Model{
		orch:     orch,
		runID:    runID,
		feedback: ta,
		spinner:  sp,
		viewport: viewport.New(80, 20),
	}
}

type draftLoadedMsg struct {
	status *orchestrator.Status
	err    error
}

type commandDoneMsg struct {
	outcome *orchestrator.Outcome
	verb    string
	err     error
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadDraft(), m.spinner.Tick)
}

func (m Model) loadDraft() tea.Cmd {
	return func() tea.Msg {
		st, err := m.orch.Status(context.Background())
		return draftLoadedMsg{status: st, err: err}
	}
}

func (m Model) approve() tea.Cmd {
	runID := m.runID
	return func() tea.Msg {
		out, err := m.orch.SubmitApproval(context.Background(), runID)
		return commandDoneMsg{outcome: out, verb: "approved", err: err}
	}
}

func (m Model) submitFeedback(text string) tea.Cmd {
	runID := m.runID
	return func() tea.Msg {
		out, err := m.orch.SubmitFeedback(context.Background(), runID, text)
		return commandDoneMsg{outcome: out, verb: "revised", err: err}
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - 6
		m.feedback.SetWidth(msg.Width - 4)
		if r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(msg.Width-4),
		); err == nil {
			m.renderer = r
		}
		m.refreshContent()
		return m, nil

	case draftLoadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.status = msg.status
		m.draft = msg.status.ActiveDraft
		if m.runID == "" && msg.status.ActiveRun != nil {
			m.runID = msg.status.ActiveRun.RunID
		}
		m.refreshContent()
		return m, nil

	case commandDoneMsg:
		if msg.err != nil {
			m.mode = modeViewing
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.message = fmt.Sprintf("run %s %s (stage %s)", msg.outcome.RunID, msg.verb, msg.outcome.Stage)
		if msg.verb == "approved" {
			m.mode = modeDone
			return m, tea.Quit
		}
		m.mode = modeViewing
		return m, m.loadDraft()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.mode == modeFeedback {
		switch msg.Type {
		case tea.KeyEsc:
			m.mode = modeViewing
			m.feedback.Blur()
			return m, nil
		case tea.KeyCtrlD:
			text := strings.TrimSpace(m.feedback.Value())
			if text == "" {
				return m, nil
			}
			m.mode = modeWorking
			m.feedback.Reset()
			m.feedback.Blur()
			return m, m.submitFeedback(text)
		}
		var cmd tea.Cmd
		m.feedback, cmd = m.feedback.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "a":
		if m.mode == modeViewing && m.draft != nil {
			m.mode = modeWorking
			return m, m.approve()
		}
	case "f":
		if m.mode == modeViewing && m.draft != nil {
			m.mode = modeFeedback
			m.feedback.Focus()
			return m, textarea.Blink
		}
	case "r":
		return m, m.loadDraft()
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *Model) refreshContent() {
	if m.draft == nil {
		m.viewport.SetContent(statusStyle.Render("No draft awaiting review."))
		return
	}
	body := m.draft.Content
	if m.renderer != nil {
		if out, err := m.renderer.Render(body); err == nil {
			body = out
		}
	}
	m.viewport.SetContent(body)
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	header := "Newsletter review"
	if m.draft != nil {
		header = fmt.Sprintf("Draft v%d: %s", m.draft.Version, m.draft.Subject)
	}
	b.WriteString(titleStyle.Render(header) + "\n")
	if m.status != nil && m.status.ActiveRun != nil {
		b.WriteString(statusStyle.Render(fmt.Sprintf("run %s at %s",
			m.status.ActiveRun.RunID, m.status.ActiveRun.Stage)) + "\n")
	}

	switch m.mode {
	case modeFeedback:
		b.WriteString(m.feedback.View() + "\n")
		b.WriteString(helpStyle.Render("ctrl+d submit · esc cancel"))
	case modeWorking:
		b.WriteString(m.spinner.View() + " working...\n")
	default:
		b.WriteString(m.viewport.View() + "\n")
		b.WriteString(helpStyle.Render("a approve · f feedback · r refresh · q quit"))
	}

	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render(m.err.Error()))
	}
	if m.message != "" {
		b.WriteString("\n" + okStyle.Render(m.message))
	}
	return b.String()
}
