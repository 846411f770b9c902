package statusui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/goclaw-orchestrator/internal/bus"
	"github.com/basket/goclaw-orchestrator/internal/model"
	"github.com/basket/goclaw-orchestrator/internal/queue"
)

func TestUpdate_TickRefreshesSnapshotViaProvider(t *testing.T) {
	calls := 0
	provider := func() Snapshot {
		calls++
		return Snapshot{Stats: queue.Stats{Waiting: int64(calls)}}
	}
	m := dashboardModel{provider: provider, snap: provider()}

	updated, cmd := m.Update(tickMsg(time.Now()))
	mm := updated.(dashboardModel)
	if mm.snap.Stats.Waiting != 2 {
		t.Fatalf("snap.Stats.Waiting = %d, want 2 (provider should be re-invoked on tick)", mm.snap.Stats.Waiting)
	}
	if cmd == nil {
		t.Fatal("expected a follow-up tick command")
	}
}

func TestUpdate_BusEventAppendsToFeedAndCaps(t *testing.T) {
	provider := func() Snapshot { return Snapshot{} }
	m := dashboardModel{provider: provider, snap: provider()}

	for i := 0; i < maxFeedLines+5; i++ {
		updated, _ := m.Update(bus.Event{Topic: bus.TopicTaskStarted, Payload: model.Task{ID: "t"}})
		m = updated.(dashboardModel)
	}
	if len(m.feed) != maxFeedLines {
		t.Fatalf("feed length = %d, want capped at %d", len(m.feed), maxFeedLines)
	}
}

func TestUpdate_QuitKeyStopsProgram(t *testing.T) {
	provider := func() Snapshot { return Snapshot{} }
	m := dashboardModel{provider: provider, snap: provider()}

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected tea.Quit command for 'q' key")
	}
}

func TestDescribeEvent_UsesTaskIDWhenPresent(t *testing.T) {
	got := describeEvent(bus.Event{Topic: bus.TopicTaskCompleted, Payload: model.Task{ID: "task-7"}})
	if !strings.Contains(got, "task-7") {
		t.Errorf("describeEvent() = %q, want it to mention the task ID", got)
	}
}

func TestDescribeEvent_FallsBackToTopicWithoutPayload(t *testing.T) {
	got := describeEvent(bus.Event{Topic: bus.TopicReviewCompleted, Payload: nil})
	if got != bus.TopicReviewCompleted {
		t.Errorf("describeEvent() = %q, want bare topic %q", got, bus.TopicReviewCompleted)
	}
}

func TestView_RendersStatsAndQuitHint(t *testing.T) {
	m := dashboardModel{
		provider: func() Snapshot { return Snapshot{} },
		snap: Snapshot{
			Stats:         queue.Stats{Waiting: 3, Active: 1, Completed: 5},
			ProcessStatus: model.ProcessRunning,
		},
	}
	out := m.View()
	if !strings.Contains(out, "Waiting: 3") {
		t.Errorf("View() missing waiting count: %s", out)
	}
	if !strings.Contains(out, "Press q to quit") {
		t.Errorf("View() missing quit hint: %s", out)
	}
}
