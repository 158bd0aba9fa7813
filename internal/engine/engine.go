package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/batchflow/internal/logging"
	"github.com/kingrea/batchflow/internal/marker"
	"github.com/kingrea/batchflow/internal/pipeline"
	"github.com/kingrea/batchflow/internal/queue"
	"github.com/kingrea/batchflow/internal/task"
)

const defaultCheckWorkers = 8

// Runner runs and polls tasks. *task.Lifecycle implements it.
type Runner interface {
	Run(ctx context.Context, t task.Task, snap queue.Snapshot, force bool) error
	Check(t task.Task, snap queue.Snapshot) task.Status
}

// Refresher takes the per-tick queue snapshot. *queue.Monitor implements it.
type Refresher interface {
	Refresh(ctx context.Context) (queue.Snapshot, error)
}

// Engine is the scheduler loop for one pipeline.
type Engine struct {
	pipeline *pipeline.Pipeline
	runner   Runner
	monitor  Refresher

	repo      StateStore
	observers []Observer
	logger    zerolog.Logger
	clock     func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	ping         time.Duration
	maxJobs      int
	maxInQueue   int
	failFast     bool
	checkWorkers int

	runID     string
	startedAt time.Time
	tick      int
	active    int
	queueErr  string
	stopped   bool
}

// Option customizes the engine.
type Option func(*Engine)

// WithClock injects a deterministic clock.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithSleep replaces the wait between ticks.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithRepository persists a status snapshot after every tick.
func WithRepository(repo StateStore) Option {
	return func(e *Engine) { e.repo = repo }
}

// WithObserver adds an event observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logging.Component(l, "engine") }
}

// WithPingFrequency sets the wait between ticks.
func WithPingFrequency(d time.Duration) Option {
	return func(e *Engine) { e.ping = d }
}

// WithMaxJobs caps the queued jobs counted before new tasks start. inQueue,
// when positive, is the ceiling a single task start may not push past.
func WithMaxJobs(maxJobs, inQueue int) Option {
	return func(e *Engine) {
		e.maxJobs = maxJobs
		e.maxInQueue = inQueue
	}
}

// WithFailFast stops the loop at the first failed task that has dependents.
// Failures of leaf tasks are recorded and the loop keeps going.
func WithFailFast(enabled bool) Option {
	return func(e *Engine) { e.failFast = enabled }
}

// WithCheckWorkers bounds the parallel completion checks in one tick.
func WithCheckWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.checkWorkers = n
		}
	}
}

// WithRunID fixes the run identifier.
func WithRunID(id string) Option {
	return func(e *Engine) {
		if id != "" {
			e.runID = id
		}
	}
}

// New wires the loop to a constructed pipeline.
func New(p *pipeline.Pipeline, runner Runner, monitor Refresher, opts ...Option) (*Engine, error) {
	if p == nil {
		return nil, fmt.Errorf("engine: pipeline is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("engine: runner is required")
	}
	if monitor == nil {
		return nil, fmt.Errorf("engine: queue monitor is required")
	}
	e := &Engine{
		pipeline:     p,
		runner:       runner,
		monitor:      monitor,
		logger:       zerolog.Nop(),
		clock:        time.Now,
		sleep:        sleepContext,
		checkWorkers: defaultCheckWorkers,
		runID:        uuid.NewString(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RunID identifies this driver run in status snapshots.
func (e *Engine) RunID() string { return e.runID }

// Run ticks until every task is terminal, fail fast triggers or ctx ends.
// It returns ctx's error in the last case; the summary is always valid.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	e.startedAt = e.clock()
	e.logger.Info().Str("run_id", e.runID).Str("pipeline", e.pipeline.Name).Int("tasks", len(e.pipeline.Tasks)).Msg("starting scheduler loop")
	for {
		report, err := e.Tick(ctx)
		if err != nil {
			return e.finish(PhaseStopped), err
		}
		if report.Done {
			phase := PhaseComplete
			if report.Failed {
				phase = PhaseFailed
			}
			return e.finish(phase), nil
		}
		if report.Immediate {
			continue
		}
		if err := e.sleep(ctx, e.ping); err != nil {
			return e.finish(PhaseStopped), err
		}
	}
}

// TickReport describes one tick.
type TickReport struct {
	Tick int
	// QueueError is set when the queue query failed and nothing else ran.
	QueueError error
	Finished   []task.Task
	Blocked    []task.Task
	Started    []task.Task
	// Immediate asks for the next tick without waiting: a task was skipped or
	// ran in process, so its successors may already be ready.
	Immediate bool
	Failed    bool
	Done      bool
}

// Tick performs one scheduling pass.
func (e *Engine) Tick(ctx context.Context) (TickReport, error) {
	if err := ctx.Err(); err != nil {
		return TickReport{}, err
	}
	e.tick++
	report := TickReport{Tick: e.tick}

	snap, err := e.monitor.Refresh(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return report, ctxErr
		}
		e.queueErr = err.Error()
		report.QueueError = err
		e.logger.Warn().Err(err).Int("tick", e.tick).Msg("queue query failed, retrying next tick")
		status := e.snapshot(PhaseRunning)
		e.emit(Event{Kind: EventQueueError, Status: status, Err: err})
		e.save(status)
		return report, nil
	}
	e.queueErr = ""
	e.active = snap.Len()

	stranded := false
	report.Finished = e.check(ctx, snap)
	for _, t := range report.Finished {
		e.emit(finished(t))
		if t.State().Failed() {
			report.Failed = true
			report.Blocked = append(report.Blocked, e.block(t)...)
			stranded = stranded || e.strands(t)
		}
	}

	if stranded && e.failFast {
		e.logger.Error().Int("tick", e.tick).Msg("fail fast: stopping after a failure left dependents unsatisfiable")
		e.stopped = true
		report.Done = true
		e.publishTick()
		return report, nil
	}

	started, immediate := e.start(ctx, snap)
	report.Started = started
	report.Immediate = immediate
	for _, t := range started {
		if t.State().Failed() {
			report.Failed = true
			e.emit(finished(t))
			report.Blocked = append(report.Blocked, e.block(t)...)
			stranded = stranded || e.strands(t)
		}
	}
	if stranded && e.failFast {
		e.stopped = true
		report.Done = true
	}

	if !report.Done {
		report.Done = e.allTerminal()
	}
	if report.Done {
		report.Failed = report.Failed || e.anyFailed()
	}
	e.publishTick()
	return report, nil
}

// check polls every started, non-terminal task against snap. Checks touch
// only their own task so they run in parallel.
func (e *Engine) check(ctx context.Context, snap queue.Snapshot) []task.Task {
	var pending []task.Task
	for _, t := range e.pipeline.Tasks {
		if t.State().Started() && !t.State().Terminal() {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	results := make([]task.Status, len(pending))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(e.checkWorkers)
	for i, t := range pending {
		i, t := i, t
		g.Go(func() error {
			results[i] = e.runner.Check(t, snap)
			return nil
		})
	}
	_ = g.Wait()

	var done []task.Task
	for i, t := range pending {
		if results[i].State.Terminal() {
			done = append(done, t)
		}
	}
	return done
}

// block marks every transitive dependent of a failed task as blocked.
// strands reports whether failed has downstream tasks that can now never run.
func (e *Engine) strands(failed task.Task) bool {
	return len(e.pipeline.Downstream(failed)) > 0
}

func (e *Engine) block(failed task.Task) []task.Task {
	var blocked []task.Task
	reason := fmt.Sprintf("dependency %s ended %s", failed.Name(), failed.State())
	for _, t := range e.pipeline.Downstream(failed) {
		if task.Block(t, reason) {
			e.logger.Warn().Str("task", t.Name()).Str("blocked_by", failed.Name()).Msg("task blocked")
			blocked = append(blocked, t)
			e.emit(finished(t))
		}
	}
	return blocked
}

// start runs ready tasks in construction order while the job budget allows.
func (e *Engine) start(ctx context.Context, snap queue.Snapshot) ([]task.Task, bool) {
	var (
		started   []task.Task
		immediate bool
	)
	for _, t := range e.pipeline.Tasks {
		if !task.Ready(t) {
			continue
		}
		if e.maxJobs > 0 && e.active >= e.maxJobs {
			e.logger.Debug().Int("active", e.active).Int("max_jobs", e.maxJobs).Msg("job budget reached, deferring starts")
			break
		}
		if e.maxInQueue > 0 && e.active > 0 && e.active+t.JobCount() > e.maxInQueue {
			e.logger.Debug().Str("task", t.Name()).Int("jobs", t.JobCount()).Msg("task would overfill the queue, deferring")
			continue
		}
		force := e.pipeline.Force(t)
		if err := e.runner.Run(ctx, t, snap, force); err != nil {
			if ctx.Err() != nil {
				return started, false
			}
			e.logger.Error().Err(err).Str("task", t.Name()).Msg("task could not be started")
		}
		started = append(started, t)
		switch t.State() {
		case task.StateSkipped:
			immediate = true
		case task.StateSubmitted:
			if markerWritten(t) {
				immediate = true
			} else {
				e.active += t.JobCount()
			}
		}
		ts := taskStatus(t)
		e.emit(Event{Kind: EventStarted, Task: &ts})
	}
	return started, immediate
}

// markerWritten reports whether the completion marker exists right after
// submission, as it does for local and wait-mode tasks.
func markerWritten(t task.Task) bool {
	res, err := marker.Read(filepath.Join(t.Dir(), marker.DoneFile))
	return err == nil && res != marker.Absent
}

func (e *Engine) allTerminal() bool {
	for _, t := range e.pipeline.Tasks {
		if !t.State().Terminal() {
			return false
		}
	}
	return true
}

func (e *Engine) anyFailed() bool {
	for _, t := range e.pipeline.Tasks {
		if t.State().Failed() {
			return true
		}
	}
	return false
}

// Status returns the current snapshot.
func (e *Engine) Status() Status {
	phase := PhaseRunning
	if e.allTerminal() {
		phase = PhaseComplete
		if e.anyFailed() {
			phase = PhaseFailed
		}
	}
	return e.snapshot(phase)
}

func (e *Engine) snapshot(phase Phase) Status {
	status := Status{
		RunID:      e.runID,
		Pipeline:   e.pipeline.Name,
		Phase:      phase,
		Tick:       e.tick,
		ActiveJobs: e.active,
		QueueError: e.queueErr,
		StartedAt:  e.startedAt,
		UpdatedAt:  e.clock(),
	}
	for _, t := range e.pipeline.Tasks {
		status.Tasks = append(status.Tasks, taskStatus(t))
	}
	return status
}

func (e *Engine) publishTick() {
	status := e.Status()
	if e.stopped {
		status.Phase = PhaseStopped
	}
	e.emit(Event{Kind: EventTick, Status: status})
	e.save(status)
}

func (e *Engine) finish(phase Phase) Summary {
	if e.stopped {
		phase = PhaseStopped
	}
	status := e.snapshot(phase)
	e.save(status)
	e.emit(Event{Kind: EventDone, Status: status})
	sum := Summarize(status)
	e.logger.Info().
		Str("phase", string(phase)).
		Int("succeeded", len(sum.Succeeded)).
		Int("failed", len(sum.Failed)).
		Int("crashed", len(sum.Crashed)).
		Int("blocked", len(sum.Blocked)).
		Dur("elapsed", sum.Elapsed).
		Msg("scheduler loop finished")
	return sum
}

func (e *Engine) save(status Status) {
	if e.repo == nil {
		return
	}
	if err := e.repo.Save(status); err != nil {
		e.logger.Warn().Err(err).Msg("could not persist status snapshot")
	}
}

func (e *Engine) emit(ev Event) {
	for _, o := range e.observers {
		o.Observe(ev)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsQueueError reports whether err is a transient queue query failure.
func IsQueueError(err error) bool {
	return errors.Is(err, queue.ErrQueryFailed)
}
