// Package dashboard renders live benchmark progress in the terminal.
// It is a pure consumer of the tagged event channel: it never calls
// back into the engine or the orchestrator, and quitting it only fires
// the cancellation function it was handed.
package dashboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"looplab/internal/event"
)

// Color palette.
const (
	colorAccent  = "#7D56F4"
	colorSuccess = "#04B575"
	colorDanger  = "#FF5F87"
	colorMuted   = "#6C6C6C"
	colorHighlit = "#AFAFFF"
)

// Styles contains all styles for the dashboard.
type Styles struct {
	Title    lipgloss.Style
	Identity lipgloss.Style
	Success  lipgloss.Style
	Error    lipgloss.Style
	Muted    lipgloss.Style
	Activity lipgloss.Style
}

// DefaultStyles returns the default dashboard styles.
func DefaultStyles() Styles {
	return Styles{
		Title:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorAccent)),
		Identity: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorHighlit)),
		Success:  lipgloss.NewStyle().Foreground(lipgloss.Color(colorSuccess)),
		Error:    lipgloss.NewStyle().Foreground(lipgloss.Color(colorDanger)),
		Muted:    lipgloss.NewStyle().Foreground(lipgloss.Color(colorMuted)),
		Activity: lipgloss.NewStyle().Foreground(lipgloss.Color(colorHighlit)),
	}
}

// maxActivityWidth truncates the last-activity column.
const maxActivityWidth = 60

// row tracks one trial's visible state.
type row struct {
	id        event.Identity
	iteration int
	tokens    int
	activity  string
	done      bool
	failed    bool
	outcome   string
}

// Message types for dashboard updates.
type (
	eventMsg         struct{ ev event.Tagged }
	channelClosedMsg struct{}
)

// Model is the Bubble Tea model for the benchmark dashboard.
type Model struct {
	styles  Styles
	spin    spinner.Model
	events  <-chan event.Tagged
	cancel  context.CancelFunc
	rows    map[string]*row
	order   []string
	start   time.Time
	drained bool
	width   int
}

// Compile-time interface compliance check
var _ tea.Model = Model{}

// New builds a dashboard over the given event channel. cancel is
// invoked when the operator quits; it should stop the orchestrator.
func New(events <-chan event.Tagged, cancel context.CancelFunc) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(colorAccent))
	return Model{
		styles: DefaultStyles(),
		spin:   sp,
		events: events,
		cancel: cancel,
		rows:   make(map[string]*row),
		start:  time.Now(),
	}
}

// Run drives the dashboard until the operator quits or the event
// channel closes.
func Run(m Model) error {
	_, err := tea.NewProgram(m).Run()
	return err
}

func (m Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return channelClosedMsg{}
		}
		return eventMsg{ev: ev}
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.waitForEvent())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	case eventMsg:
		m.apply(msg.ev)
		return m, m.waitForEvent()
	case channelClosedMsg:
		m.drained = true
	}
	return m, nil
}

func (m *Model) apply(tev event.Tagged) {
	key := tev.Identity.String()
	r, ok := m.rows[key]
	if !ok {
		r = &row{id: tev.Identity}
		m.rows[key] = r
		m.order = append(m.order, key)
	}

	ev := tev.Event
	switch ev.Kind {
	case event.KindIterationStarted:
		r.iteration = ev.Iteration
		r.activity = fmt.Sprintf("iteration %d", ev.Iteration)
	case event.KindIterationCompleted:
		r.activity = fmt.Sprintf("iteration %d %s", ev.Iteration, ev.Outcome)
	case event.KindToolUse:
		r.activity = "tool: " + ev.ToolName
	case event.KindTextDelta:
		if line := firstLine(ev.Text); line != "" {
			r.activity = line
		}
	case event.KindTokenUsage:
		// Cumulative snapshot; show the latest, never sum.
		r.tokens = ev.Usage.Total()
	case event.KindTrialCompleted:
		r.done = true
		r.outcome = ev.Outcome
		r.tokens = ev.Usage.Total()
	case event.KindTrialFailed:
		r.done = true
		r.failed = true
		r.outcome = ev.Outcome
		r.activity = firstLine(ev.Err)
	}
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.styles.Title.Render("looplab benchmark"))
	b.WriteString("\n\n")

	done, failed := 0, 0
	for _, key := range m.order {
		r := m.rows[key]
		marker := m.spin.View()
		switch {
		case r.failed:
			marker = m.styles.Error.Render("✗")
			failed++
			done++
		case r.done:
			marker = m.styles.Success.Render("✓")
			done++
		}
		line := fmt.Sprintf("%s %s  iter %d  %s tok  %s",
			marker,
			m.styles.Identity.Render(fmt.Sprintf("%-12s", key)),
			r.iteration,
			formatTokens(r.tokens),
			m.styles.Activity.Render(truncate(r.activity, maxActivityWidth)))
		b.WriteString(line)
		b.WriteByte('\n')
	}

	b.WriteByte('\n')
	status := fmt.Sprintf("%d/%d trials finished", done, len(m.order))
	if failed > 0 {
		status += m.styles.Error.Render(fmt.Sprintf("  %d failed", failed))
	}
	if m.drained {
		status += "  all events delivered"
	}
	b.WriteString(m.styles.Muted.Render(status))
	b.WriteString(m.styles.Muted.Render(fmt.Sprintf("  %s  press q to quit",
		time.Since(m.start).Round(time.Second))))
	b.WriteByte('\n')
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func formatTokens(n int) string {
	if n >= 1000 {
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}
