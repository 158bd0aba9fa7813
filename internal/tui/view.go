package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/batchflow/internal/engine"
	"github.com/kingrea/batchflow/internal/task"
)

var (
	titleStyle        = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	labelStyleReady   = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleBlocked = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleGate    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	labelStyleSkipped = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	labelStyleDefault = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	detailTextStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	hintStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Italic(true)
	boxStyle          = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#5B8DEF")).Padding(0, 1)
)

func styleFor(s task.State) lipgloss.Style {
	switch s {
	case task.StateSuccess:
		return labelStyleReady
	case task.StateFailure, task.StateCrash:
		return labelStyleBlocked
	case task.StateBlocked:
		return labelStyleGate
	case task.StateSubmitted, task.StatePolling:
		return labelStyleRunning
	case task.StateSkipped:
		return labelStyleSkipped
	default:
		return labelStyleDefault
	}
}

// RenderTasks lays out one row per task: kind, name, state and detail.
func RenderTasks(tasks []engine.TaskStatus, width int) string {
	if len(tasks) == 0 {
		return detailTextStyle.Render("no tasks")
	}
	nameWidth := 4
	for _, t := range tasks {
		nameWidth = max(nameWidth, lipgloss.Width(t.Name))
	}
	kindCol := lipgloss.NewStyle().Width(12)
	nameCol := lipgloss.NewStyle().Width(nameWidth + 2)
	stateCol := lipgloss.NewStyle().Width(11)
	detailWidth := max(10, width-12-nameWidth-2-11)

	rows := make([]string, 0, len(tasks)+1)
	rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top,
		kindCol.Render(titleStyle.Render("KIND")),
		nameCol.Render(titleStyle.Render("TASK")),
		stateCol.Render(titleStyle.Render("STATE")),
		titleStyle.Render("DETAIL"),
	))
	for _, t := range tasks {
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top,
			kindCol.Render(string(t.Kind)),
			nameCol.Render(t.Name),
			stateCol.Render(stateLabel(t.State)),
			detailTextStyle.Render(truncate(detail(t), detailWidth)),
		))
	}
	return strings.Join(rows, "\n")
}

func detail(t engine.TaskStatus) string {
	switch {
	case t.State == task.StatePolling:
		return fmt.Sprintf("%d jobs outstanding", t.Outstanding)
	case t.Cause != "":
		return t.Detail + " [" + t.Cause + "]"
	default:
		return t.Detail
	}
}

// RenderSummary is the final report printed by run and status.
func RenderSummary(sum engine.Summary, width int) string {
	lines := []string{
		titleStyle.Render(fmt.Sprintf("%s · run %s", sum.Pipeline, sum.RunID)),
		fmt.Sprintf("%s  %s  %s  %s",
			labelStyleReady.Render(fmt.Sprintf("%d succeeded", len(sum.Succeeded))),
			labelStyleBlocked.Render(fmt.Sprintf("%d failed", len(sum.Failed)+len(sum.Crashed))),
			labelStyleGate.Render(fmt.Sprintf("%d blocked", len(sum.Blocked))),
			labelStyleDefault.Render(fmt.Sprintf("%d pending", len(sum.Pending))),
		),
	}
	if sum.Elapsed > 0 {
		lines = append(lines, detailTextStyle.Render("elapsed "+sum.Elapsed.Round(time.Second).String()))
	}
	failures := append(append([]engine.TaskStatus(nil), sum.Failed...), sum.Crashed...)
	for _, t := range failures {
		lines = append(lines, "", labelStyleBlocked.Render(fmt.Sprintf("%s %s: %s", t.Name, t.State, t.Detail)))
		for _, f := range t.Findings {
			lines = append(lines, detailTextStyle.Render("  "+f))
		}
		for _, log := range t.Logs {
			lines = append(lines, detailTextStyle.Render("  log: "+log))
		}
	}
	if len(sum.Blocked) > 0 {
		names := make([]string, len(sum.Blocked))
		for i, t := range sum.Blocked {
			names[i] = t.Name
		}
		lines = append(lines, "", labelStyleGate.Render("blocked: "+strings.Join(names, ", ")))
	}
	return boxStyle.Width(max(40, width-4)).Render(joinLines(lines)) + "\n"
}

// RenderStatus prints a persisted snapshot for `batchflow status`.
func RenderStatus(status engine.Status, width int) string {
	head := titleStyle.Render(fmt.Sprintf("%s · run %s · %s", status.Pipeline, status.RunID, status.Phase))
	meta := detailTextStyle.Render(fmt.Sprintf("tick %d · %d jobs queued · updated %s", status.Tick, status.ActiveJobs, status.UpdatedAt.Format("2006-01-02 15:04:05")))
	return joinLines([]string{head, meta, "", RenderTasks(status.Tasks, width)}) + "\n"
}

func truncate(s string, n int) string {
	if n <= 1 || lipgloss.Width(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n")
}
