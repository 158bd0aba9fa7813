// Package task defines the durable, hashable pipeline step contract and the
// lifecycle that runs and polls it.
package task

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/kingrea/batchflow/internal/hashstore"
	"github.com/kingrea/batchflow/internal/marker"
	"github.com/kingrea/batchflow/internal/queue"
)

// Task is implemented by every task kind. Kinds embed *Base, which closes
// the set to this module.
type Task interface {
	Name() string
	Kind() Kind
	Dir() string
	Dependencies() []Task
	State() State
	Status() Status
	JobPrefix() string
	JobCount() int
	Logs() []string

	// Prepare renders the submission for the current configuration. It is
	// called once, after every dependency has succeeded.
	Prepare(ctx context.Context) (Submission, error)
	// Artifacts lists files that must exist for a success marker to count.
	Artifacts() []string
	// Publish fills the kind's output record from artifacts on disk.
	Publish() error

	base() *Base
}

// Verifier is implemented by kinds that check artifact contents after the
// success marker appears.
type Verifier interface {
	Verify() error
}

// Arrayed is implemented by kinds submitted as array jobs with one marker
// per subjob.
type Arrayed interface {
	SubjobMarkers() []string
}

// Base provides the shared identity and lifecycle bookkeeping.
type Base struct {
	name      string
	kind      Kind
	dir       string
	deps      []Task
	jobPrefix string
	jobCount  int
	logs      []string
	// openPrefix matches any queued name starting with jobPrefix. It is set
	// for tasks whose jobs are named by external tooling.
	openPrefix bool

	state       State
	status      Status
	hash        string
	localErr    error
	submittedAt time.Time
}

// NewBase seeds the helper. The job prefix defaults to KIND_name.
func NewBase(kind Kind, name, dir string, deps ...Task) *Base {
	return &Base{
		name:      name,
		kind:      kind,
		dir:       dir,
		deps:      append([]Task(nil), deps...),
		jobPrefix: string(kind) + "_" + name,
		jobCount:  1,
		state:     StateUnstarted,
		status:    Status{State: StateUnstarted},
	}
}

func (b *Base) base() *Base { return b }

// Name implements Task.Name.
func (b *Base) Name() string { return b.name }

// Kind implements Task.Kind.
func (b *Base) Kind() Kind { return b.kind }

// Dir implements Task.Dir.
func (b *Base) Dir() string { return b.dir }

// Dependencies returns a copy of the upstream tasks in construction order.
func (b *Base) Dependencies() []Task {
	return append([]Task(nil), b.deps...)
}

// AddDependency appends an upstream task. Only factories call it, during
// construction.
func (b *Base) AddDependency(dep Task) {
	if dep != nil {
		b.deps = append(b.deps, dep)
	}
}

// State implements Task.State.
func (b *Base) State() State { return b.state }

// Status implements Task.Status.
func (b *Base) Status() Status { return b.status }

// JobPrefix implements Task.JobPrefix.
func (b *Base) JobPrefix() string { return b.jobPrefix }

// SetJobPrefix overrides the queue matching prefix. Every queued job whose
// name starts with prefix then counts as one of the task's jobs.
func (b *Base) SetJobPrefix(prefix string) {
	b.jobPrefix = prefix
	b.openPrefix = true
}

// activeJobs counts the task's jobs in snap.
func (b *Base) activeJobs(snap queue.Snapshot) int {
	if b.openPrefix {
		return snap.CountMatching(b.jobPrefix)
	}
	return snap.CountJob(b.jobPrefix)
}

// JobCount estimates how many queue slots the task occupies while running.
func (b *Base) JobCount() int {
	if b.jobCount < 1 {
		return 1
	}
	return b.jobCount
}

// SetJobCount records the job estimate used by the max jobs throttle.
func (b *Base) SetJobCount(n int) { b.jobCount = n }

// Logs implements Task.Logs. Entries may be glob patterns.
func (b *Base) Logs() []string {
	return append([]string(nil), b.logs...)
}

// AddLogs registers log files scanned on failure.
func (b *Base) AddLogs(paths ...string) { b.logs = append(b.logs, paths...) }

// DoneFile returns the top-level completion marker path.
func (b *Base) DoneFile() string { return filepath.Join(b.dir, marker.DoneFile) }

// HashFile returns the hash record path.
func (b *Base) HashFile() string { return hashstore.Path(b.dir) }

// Hash returns the fingerprint computed by the last run, if any.
func (b *Base) Hash() string { return b.hash }

// SubmittedAt returns when the job was handed to the scheduler.
func (b *Base) SubmittedAt() time.Time { return b.submittedAt }

// Path joins elements onto the task directory.
func (b *Base) Path(elem ...string) string {
	return filepath.Join(append([]string{b.dir}, elem...)...)
}

// String renders KIND(name).
func (b *Base) String() string {
	return fmt.Sprintf("%s(%s)", b.kind, b.name)
}

// Block marks t as blocked by a failed dependency. Terminal tasks are left
// unchanged.
func Block(t Task, reason string) bool {
	b := t.base()
	if b.state.Terminal() {
		return false
	}
	b.state = StateBlocked
	b.status = Status{State: StateBlocked, Detail: reason, At: time.Now()}
	return true
}

// Ready reports whether t is unstarted and every dependency succeeded.
func Ready(t Task) bool {
	if t.State() != StateUnstarted {
		return false
	}
	for _, dep := range t.base().deps {
		if dep.State() != StateSuccess {
			return false
		}
	}
	return true
}
