// internal/tui/app.go
//
// This is the live progress view for `batchflow run --tui`. It uses
// bubbletea, which follows The Elm Architecture:
//
// 1. Model: the last engine status snapshot
// 2. Update: folds engine messages and key presses into the model
// 3. View: renders the task table, spinner and progress bar
//
// The engine runs in its own goroutine and reaches the program through a
// Bridge observer.

package tui

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/batchflow/internal/engine"
	"github.com/kingrea/batchflow/internal/task"
)

// Bridge is an engine observer forwarding status snapshots to the program.
// Snapshots are dropped when the program falls behind; each one is complete.
type Bridge struct {
	updates chan engine.Status
}

// NewBridge returns a bridge with a small buffer.
func NewBridge() *Bridge {
	return &Bridge{updates: make(chan engine.Status, 16)}
}

// Observe implements engine.Observer.
func (b *Bridge) Observe(e engine.Event) {
	switch e.Kind {
	case engine.EventTick, engine.EventQueueError, engine.EventDone:
	default:
		return
	}
	select {
	case b.updates <- e.Status:
	default:
	}
}

type statusMsg engine.Status

type doneMsg struct {
	summary engine.Summary
	err     error
}

// waitForStatus blocks on the bridge until the next snapshot.
func (b *Bridge) waitForStatus() tea.Cmd {
	return func() tea.Msg {
		return statusMsg(<-b.updates)
	}
}

// Model renders the running pipeline.
type Model struct {
	pipeline string
	bridge   *Bridge
	cancel   context.CancelFunc

	spinner  spinner.Model
	progress progress.Model
	status   engine.Status
	loaded   bool
	width    int

	summary  *engine.Summary
	err      error
	quitting bool
}

// NewModel builds the model. cancel stops the engine when the user quits.
func NewModel(pipeline string, bridge *Bridge, cancel context.CancelFunc) Model {
	s := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(labelStyleRunning))
	return Model{
		pipeline: pipeline,
		bridge:   bridge,
		cancel:   cancel,
		spinner:  s,
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		width:    100,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.bridge.waitForStatus())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if m.summary != nil {
				return m, tea.Quit
			}
			m.quitting = true
			if m.cancel != nil {
				m.cancel()
			}
		}
		return m, nil
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = max(20, min(60, msg.Width-30))
		return m, nil
	case statusMsg:
		m.status = engine.Status(msg)
		m.loaded = true
		return m, m.bridge.waitForStatus()
	case doneMsg:
		sum := msg.summary
		m.summary = &sum
		m.err = msg.err
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	if m.summary != nil {
		return RenderSummary(*m.summary, m.width)
	}
	if !m.loaded {
		return fmt.Sprintf("%s constructing %s…\n", m.spinner.View(), m.pipeline)
	}
	header := fmt.Sprintf("%s %s · tick %d · %d jobs queued", m.spinner.View(), titleStyle.Render(m.pipeline), m.status.Tick, m.status.ActiveJobs)
	if m.quitting {
		header += " · " + labelStyleBlocked.Render("stopping")
	}
	lines := []string{header, m.progress.ViewAs(completion(m.status))}
	if m.status.QueueError != "" {
		lines = append(lines, labelStyleGate.Render("queue query failed: "+m.status.QueueError))
	}
	lines = append(lines, "", RenderTasks(m.status.Tasks, m.width), "", hintStyle.Render("q to stop the driver"))
	return joinLines(lines)
}

func completion(status engine.Status) float64 {
	if len(status.Tasks) == 0 {
		return 0
	}
	done := 0
	for _, t := range status.Tasks {
		if t.State.Terminal() {
			done++
		}
	}
	return float64(done) / float64(len(status.Tasks))
}

// Run drives the program while run executes the engine. It returns the
// engine's summary and error once both have finished.
func Run(ctx context.Context, pipeline string, bridge *Bridge, out io.Writer, run func(context.Context) (engine.Summary, error)) (engine.Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if out != nil {
		opts = append(opts, tea.WithOutput(out))
	}
	p := tea.NewProgram(NewModel(pipeline, bridge, cancel), opts...)

	result := make(chan doneMsg, 1)
	go func() {
		sum, err := run(ctx)
		msg := doneMsg{summary: sum, err: err}
		result <- msg
		p.Send(msg)
	}()
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		cancel()
		done := <-result
		return done.summary, fmt.Errorf("tui: %w", err)
	}
	done := <-result
	return done.summary, done.err
}

// stateLabel pairs a state with its style.
func stateLabel(s task.State) string {
	return styleFor(s).Render(string(s))
}
