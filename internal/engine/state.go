package engine

import (
	"time"

	"github.com/kingrea/batchflow/internal/task"
)

// Phase enumerates coarse engine phases.
type Phase string

const (
	PhaseRunning  Phase = "running"
	PhaseComplete Phase = "complete"
	PhaseFailed   Phase = "failed"
	PhaseStopped  Phase = "stopped"
)

// Status is the snapshot persisted after every tick.
type Status struct {
	RunID      string       `json:"run_id"`
	Pipeline   string       `json:"pipeline"`
	Phase      Phase        `json:"phase"`
	Tick       int          `json:"tick"`
	ActiveJobs int          `json:"active_jobs"`
	QueueError string       `json:"queue_error,omitempty"`
	Tasks      []TaskStatus `json:"tasks"`
	StartedAt  time.Time    `json:"started_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// TaskStatus mirrors one task's lifecycle status.
type TaskStatus struct {
	Name         string     `json:"name"`
	Kind         task.Kind  `json:"kind"`
	State        task.State `json:"state"`
	Dir          string     `json:"dir"`
	Outstanding  int        `json:"outstanding,omitempty"`
	Detail       string     `json:"detail,omitempty"`
	Cause        string     `json:"cause,omitempty"`
	Retryable    bool       `json:"retryable,omitempty"`
	Findings     []string   `json:"findings,omitempty"`
	Logs         []string   `json:"logs,omitempty"`
	Dependencies []string   `json:"dependencies,omitempty"`
}

func taskStatus(t task.Task) TaskStatus {
	st := t.Status()
	out := TaskStatus{
		Name:        t.Name(),
		Kind:        t.Kind(),
		State:       t.State(),
		Dir:         t.Dir(),
		Outstanding: st.Outstanding,
		Detail:      st.Detail,
		Logs:        cloneStrings(st.Logs),
	}
	if st.Cause != "" {
		out.Cause = st.Cause.String()
		out.Retryable = st.Cause.Retryable()
	}
	for _, f := range st.Findings {
		out.Findings = append(out.Findings, f.String())
	}
	for _, dep := range t.Dependencies() {
		out.Dependencies = append(out.Dependencies, dep.Name())
	}
	return out
}

// Counts tallies tasks by state.
func (s Status) Counts() map[task.State]int {
	counts := map[task.State]int{}
	for _, t := range s.Tasks {
		counts[t.State]++
	}
	return counts
}

// Summary groups the final task states.
type Summary struct {
	RunID     string
	Pipeline  string
	Succeeded []TaskStatus
	Failed    []TaskStatus
	Crashed   []TaskStatus
	Blocked   []TaskStatus
	// Pending holds tasks left non-terminal when the run stopped early.
	Pending []TaskStatus
	Elapsed time.Duration
}

// Summarize groups the tasks in status.
func Summarize(status Status) Summary {
	sum := Summary{RunID: status.RunID, Pipeline: status.Pipeline, Elapsed: status.UpdatedAt.Sub(status.StartedAt)}
	for _, t := range status.Tasks {
		switch t.State {
		case task.StateSuccess:
			sum.Succeeded = append(sum.Succeeded, t)
		case task.StateFailure:
			sum.Failed = append(sum.Failed, t)
		case task.StateCrash:
			sum.Crashed = append(sum.Crashed, t)
		case task.StateBlocked:
			sum.Blocked = append(sum.Blocked, t)
		default:
			sum.Pending = append(sum.Pending, t)
		}
	}
	return sum
}

// OK reports whether every task succeeded.
func (s Summary) OK() bool {
	return len(s.Failed) == 0 && len(s.Crashed) == 0 && len(s.Blocked) == 0 && len(s.Pending) == 0
}

// Exit codes reported by the driver.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitConfigError = 2
)

// ExitCode maps the summary to the driver exit status.
func (s Summary) ExitCode() int {
	if s.OK() {
		return ExitOK
	}
	return ExitFailure
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}
