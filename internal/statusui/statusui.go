// Package statusui is a read-only terminal dashboard for the Boss
// Controller: queue depth and task-state counts, the supervised CLI
// tool's health, and a scrolling feed of recent controller events. It
// has no write path back into the orchestrator — approvals, task
// edits, and anything resembling a web control surface are explicitly
// out of scope. A one-second polling loop re-renders a styled feed of
// controller events alongside the queue/process snapshot.
package statusui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/goclaw-orchestrator/internal/bus"
	"github.com/basket/goclaw-orchestrator/internal/model"
	"github.com/basket/goclaw-orchestrator/internal/queue"
)

// Snapshot is one poll's worth of state for the dashboard to render.
type Snapshot struct {
	Stats         queue.Stats
	ProcessStatus model.ProcessStatus
	RestartCount  int
	ErrorCount    int
	LastActivity  time.Time
}

// StatusProvider produces the current Snapshot. Implemented by a
// closure over the running Queue and Supervisor.
type StatusProvider func() Snapshot

// feedLine is one rendered row of the recent-events feed.
type feedLine struct {
	at   time.Time
	text string
}

const maxFeedLines = 12

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

type dashboardModel struct {
	provider StatusProvider
	snap     Snapshot
	events   <-chan bus.Event
	feed     []feedLine
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// waitForEvent returns a tea.Cmd that blocks on the next bus event.
// Used only when a live event channel was supplied; a nil channel
// disables feed updates and the dashboard shows stats only.
func waitForEvent(events <-chan bus.Event) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return nil
		}
		return ev
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(tickCmd(), waitForEvent(m.events))
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	case bus.Event:
		m.feed = append(m.feed, feedLine{at: time.Now(), text: describeEvent(msg)})
		if len(m.feed) > maxFeedLines {
			m.feed = m.feed[len(m.feed)-maxFeedLines:]
		}
		return m, waitForEvent(m.events)
	}
	return m, nil
}

func describeEvent(ev bus.Event) string {
	taskID := ""
	if t, ok := ev.Payload.(model.Task); ok {
		taskID = t.ID
	} else if id, ok := ev.Payload.(string); ok {
		taskID = id
	}
	if taskID == "" {
		return ev.Topic
	}
	return fmt.Sprintf("%s: %s", ev.Topic, taskID)
}

func (m dashboardModel) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Orchestrator Status"))
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("CLI tool: %s\n", processStyle(m.snap.ProcessStatus).Render(string(m.snap.ProcessStatus))))
	b.WriteString(fmt.Sprintf("Restarts: %d   Errors: %d\n", m.snap.RestartCount, m.snap.ErrorCount))
	if !m.snap.LastActivity.IsZero() {
		b.WriteString(fmt.Sprintf("Last activity: %s\n", m.snap.LastActivity.Format(time.RFC3339)))
	}
	b.WriteString("\n")

	s := m.snap.Stats
	b.WriteString(fmt.Sprintf(
		"Waiting: %d   Active: %d   Delayed: %d   Completed: %d   Failed: %d\n\n",
		s.Waiting, s.Active, s.Delayed, s.Completed, s.Failed,
	))

	b.WriteString(headerStyle.Render("Recent events"))
	b.WriteString("\n")
	if len(m.feed) == 0 {
		b.WriteString(dimStyle.Render("(none yet)"))
		b.WriteString("\n")
	}
	for _, line := range m.feed {
		b.WriteString(dimStyle.Render(line.at.Format("15:04:05")))
		b.WriteString("  ")
		b.WriteString(line.text)
		b.WriteString("\n")
	}

	b.WriteString("\nPress q to quit.\n")
	return b.String()
}

func processStyle(status model.ProcessStatus) lipgloss.Style {
	switch status {
	case model.ProcessRunning:
		return okStyle
	case model.ProcessStarting, model.ProcessRestarting:
		return warnStyle
	case model.ProcessError:
		return errStyle
	default:
		return dimStyle
	}
}

// Run starts the dashboard and blocks until the user quits or ctx is
// canceled. events may be nil, in which case the feed stays empty and
// only polled stats are shown.
func Run(ctx context.Context, provider StatusProvider, events <-chan bus.Event) error {
	m := dashboardModel{provider: provider, snap: provider(), events: events}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
