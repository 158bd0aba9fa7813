package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kingrea/batchflow/internal/batch"
	"github.com/kingrea/batchflow/internal/config"
	"github.com/kingrea/batchflow/internal/definition"
	"github.com/kingrea/batchflow/internal/hashstore"
	"github.com/kingrea/batchflow/internal/marker"
	"github.com/kingrea/batchflow/internal/pipeline"
	"github.com/kingrea/batchflow/internal/queue"
	"github.com/kingrea/batchflow/internal/task"
)

// fakeBackend is both the submitter and the queue source. Jobs either
// complete on submission or stay queued until finish is called.
type fakeBackend struct {
	mu       sync.Mutex
	complete bool
	queued   []string
	jobs     []batch.Job
	failNext int
}

func (f *fakeBackend) Submit(_ context.Context, job batch.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	if f.complete {
		return marker.Write(filepath.Join(job.Dir, marker.DoneFile), true)
	}
	f.queued = append(f.queued, job.Name)
	return nil
}

func (f *fakeBackend) ActiveJobNames(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return nil, errors.New("squeue: socket timed out")
	}
	return append([]string(nil), f.queued...), nil
}

// finish drops name from the queue, optionally leaving a marker behind.
func (f *fakeBackend) finish(t *testing.T, dir, name string, write, ok bool) {
	t.Helper()
	f.mu.Lock()
	kept := f.queued[:0]
	for _, q := range f.queued {
		if q != name {
			kept = append(kept, q)
		}
	}
	f.queued = kept
	f.mu.Unlock()
	if write {
		if err := marker.Write(filepath.Join(dir, marker.DoneFile), ok); err != nil {
			t.Fatal(err)
		}
	}
}

func (f *fakeBackend) submitted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type stubOptions struct {
	Deps  []string `yaml:"DEPS"`
	Local bool     `yaml:"LOCAL"`
	Fail  bool     `yaml:"FAIL"`
	Jobs  int      `yaml:"JOBS"`
}

type stubTask struct {
	*task.Base
	opts stubOptions
}

func (s *stubTask) Prepare(context.Context) (task.Submission, error) {
	sub := task.Submission{Script: "#!/bin/bash\necho " + s.Name() + "\n"}
	if s.opts.Local {
		sub.Mode = task.ModeLocal
		sub.Local = func(context.Context) error {
			if s.opts.Fail {
				return errors.New("stub failure")
			}
			return nil
		}
	}
	return sub, nil
}

func (s *stubTask) Artifacts() []string { return nil }
func (s *stubTask) Publish() error      { return nil }

func stubFactory(kind task.Kind) task.Factory {
	return func(env *task.Env, section definition.Section, prior []task.Task) ([]task.Task, error) {
		var out []task.Task
		for _, entry := range section.Entries {
			var opts stubOptions
			if err := entry.Decode(&opts); err != nil {
				return nil, err
			}
			s := &stubTask{Base: task.NewBase(kind, entry.Name, env.StageDir(kind, entry.Name)), opts: opts}
			for _, dep := range opts.Deps {
				for _, p := range prior {
					if p.Name() == dep {
						s.AddDependency(p)
					}
				}
			}
			s.SetJobCount(opts.Jobs)
			out = append(out, s)
		}
		return out, nil
	}
}

type harness struct {
	cfg     *config.Config
	backend *fakeBackend
	monitor *queue.Monitor
	repo    *Repository
	events  []Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	backend := &fakeBackend{}
	return &harness{
		cfg:     config.Default(t.TempDir()),
		backend: backend,
		monitor: queue.NewMonitor(backend, time.Second),
	}
}

func (h *harness) engine(t *testing.T, body string, opts ...Option) (*Engine, *pipeline.Pipeline) {
	t.Helper()
	def, err := definition.Parse("stub", []byte(strings.TrimSpace(body)))
	if err != nil {
		t.Fatal(err)
	}
	reg := task.NewRegistry()
	reg.MustRegister(task.KindSim, stubFactory(task.KindSim))
	reg.MustRegister(task.KindLCFit, stubFactory(task.KindLCFit))
	p, err := pipeline.Build(def, h.cfg, reg, zerolog.Nop(), pipeline.DefaultOptions())
	if err != nil {
		t.Fatalf("pipeline.Build returned error: %v", err)
	}
	h.repo = NewRepository(p.Env.OutputDir)
	lc := task.NewLifecycle(h.backend, zerolog.Nop())
	base := []Option{
		WithRepository(h.repo),
		WithSleep(func(context.Context, time.Duration) error { return nil }),
		WithObserver(ObserverFunc(func(e Event) { h.events = append(h.events, e) })),
	}
	eng, err := New(p, lc, h.monitor, append(base, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return eng, p
}

func names(states []TaskStatus) string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = s.Name
	}
	return strings.Join(out, ",")
}

const chain = `
SIM:
  A: {}
LCFIT:
  B:
    DEPS: [A]
  C:
    DEPS: [B]
`

func TestRunDrivesChainToSuccess(t *testing.T) {
	h := newHarness(t)
	h.backend.complete = true
	eng, _ := h.engine(t, chain)
	sum, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !sum.OK() || sum.ExitCode() != ExitOK || names(sum.Succeeded) != "A,B,C" {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if h.backend.submitted() != 3 {
		t.Fatalf("expected 3 submissions, got %d", h.backend.submitted())
	}
	if ticks := eng.Status().Tick; h.monitor.Queries() != ticks {
		t.Fatalf("expected one queue query per tick, got %d queries over %d ticks", h.monitor.Queries(), ticks)
	}
	stored, err := h.repo.Load()
	if err != nil {
		t.Fatalf("load status: %v", err)
	}
	if stored.RunID != eng.RunID() || stored.Phase != PhaseComplete || len(stored.Tasks) != 3 {
		t.Fatalf("unexpected stored status %+v", stored)
	}
	if last := h.events[len(h.events)-1]; last.Kind != EventDone {
		t.Fatalf("expected done event last, got %s", last.Kind)
	}
}

func TestRerunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.backend.complete = true
	first, _ := h.engine(t, chain)
	if _, err := first.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := h.backend.submitted()
	h.events = nil

	second, _ := h.engine(t, chain)
	sum, err := second.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if h.backend.submitted() != before {
		t.Fatalf("expected no new submissions, got %d", h.backend.submitted()-before)
	}
	if !sum.OK() {
		t.Fatalf("expected skipped tasks to end successful, got %+v", sum)
	}
	for _, e := range h.events {
		if e.Kind == EventStarted && e.Task.State != task.StateSkipped {
			t.Fatalf("%s should have been skipped, got %s", e.Task.Name, e.Task.State)
		}
	}
}

func TestFailureBlocksDependents(t *testing.T) {
	h := newHarness(t)
	eng, _ := h.engine(t, `
SIM:
  A:
    LOCAL: true
    FAIL: true
  D:
    LOCAL: true
LCFIT:
  B:
    DEPS: [A]
  C:
    DEPS: [B]
`)
	sum, err := eng.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if names(sum.Failed) != "A" || names(sum.Blocked) != "B,C" || names(sum.Succeeded) != "D" {
		t.Fatalf("unexpected summary failed=%s blocked=%s ok=%s", names(sum.Failed), names(sum.Blocked), names(sum.Succeeded))
	}
	if sum.ExitCode() != ExitFailure {
		t.Fatalf("expected failure exit code")
	}
	if !strings.Contains(sum.Blocked[0].Detail, "A") {
		t.Fatalf("blocked detail should name the failed dependency: %q", sum.Blocked[0].Detail)
	}
	if _, err := os.Stat(filepath.Join(sum.Failed[0].Dir, hashstore.FileName)); err == nil {
		t.Fatalf("failed task should lose its hash record")
	}
}

func TestFailFastStopsLoop(t *testing.T) {
	h := newHarness(t)
	eng, _ := h.engine(t, `
SIM:
  A:
    LOCAL: true
    FAIL: true
  SLOW: {}
LCFIT:
  B:
    DEPS: [A]
`, WithFailFast(true))
	sum, err := eng.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if names(sum.Failed) != "A" || names(sum.Blocked) != "B" || names(sum.Pending) != "SLOW" {
		t.Fatalf("expected loop to stop with SLOW pending, got failed=%s blocked=%s pending=%s",
			names(sum.Failed), names(sum.Blocked), names(sum.Pending))
	}
	stored, err := h.repo.Load()
	if err != nil {
		t.Fatal(err)
	}
	if stored.Phase != PhaseStopped {
		t.Fatalf("expected stopped phase, got %s", stored.Phase)
	}
}

func TestFailFastIgnoresLeafFailure(t *testing.T) {
	h := newHarness(t)
	h.backend.complete = true
	eng, _ := h.engine(t, `
SIM:
  LEAF:
    LOCAL: true
    FAIL: true
  A: {}
LCFIT:
  B:
    DEPS: [A]
`, WithFailFast(true))
	sum, err := eng.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if names(sum.Failed) != "LEAF" || names(sum.Succeeded) != "A,B" || len(sum.Pending) != 0 {
		t.Fatalf("expected the run to finish past a leaf failure, got failed=%s ok=%s pending=%s",
			names(sum.Failed), names(sum.Succeeded), names(sum.Pending))
	}
	stored, err := h.repo.Load()
	if err != nil {
		t.Fatal(err)
	}
	if stored.Phase != PhaseFailed {
		t.Fatalf("expected failed phase, got %s", stored.Phase)
	}
}

func TestQueueErrorIsTransient(t *testing.T) {
	h := newHarness(t)
	h.backend.failNext = 1
	eng, p := h.engine(t, "SIM:\n  A: {}\n")
	report, err := eng.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if report.QueueError == nil || !IsQueueError(report.QueueError) || len(report.Started) != 0 {
		t.Fatalf("expected skipped tick on queue failure, got %+v", report)
	}
	if eng.Status().QueueError == "" {
		t.Fatalf("status should carry the queue error")
	}
	report, err = eng.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Started) != 1 || p.Tasks[0].State() != task.StateSubmitted {
		t.Fatalf("expected task started after recovery, got %+v", report)
	}
}

func TestPollingThenCrash(t *testing.T) {
	h := newHarness(t)
	eng, p := h.engine(t, "SIM:\n  A: {}\n")
	a := p.Tasks[0]
	if _, err := eng.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if a.State() != task.StatePolling || a.Status().Outstanding != 1 {
		t.Fatalf("expected polling with one job, got %+v", a.Status())
	}

	h.backend.finish(t, a.Dir(), a.JobPrefix(), false, false)
	report, err := eng.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if a.State() != task.StateCrash || !report.Done || !report.Failed {
		t.Fatalf("expected crash and a finished run, got %s %+v", a.State(), report)
	}
}

func TestMarkerFailureWinsOverQueue(t *testing.T) {
	h := newHarness(t)
	eng, p := h.engine(t, "SIM:\n  A: {}\n")
	a := p.Tasks[0]
	if _, err := eng.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := marker.Write(filepath.Join(a.Dir(), marker.DoneFile), false); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if a.State() != task.StateFailure {
		t.Fatalf("expected failure with job still queued, got %s", a.State())
	}
}

func TestMaxJobsThrottlesStarts(t *testing.T) {
	h := newHarness(t)
	eng, p := h.engine(t, `
SIM:
  A: {}
  B: {}
  C: {}
`, WithMaxJobs(2, 0))
	report, err := eng.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Started) != 2 || p.Tasks[2].State() != task.StateUnstarted {
		t.Fatalf("expected two starts under max_jobs, got %d", len(report.Started))
	}

	report, err = eng.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Started) != 0 {
		t.Fatalf("queue is full, expected no starts")
	}

	a := p.Tasks[0]
	h.backend.finish(t, a.Dir(), a.JobPrefix(), true, true)
	report, err = eng.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Started) != 1 || report.Started[0].Name() != "C" {
		t.Fatalf("expected C to start once a slot freed, got %+v", report.Started)
	}
}

func TestMaxInQueueDefersLargeTask(t *testing.T) {
	h := newHarness(t)
	eng, _ := h.engine(t, `
SIM:
  A: {}
  BIG:
    JOBS: 50
  C: {}
`, WithMaxJobs(10, 20))
	report, err := eng.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	got := make([]string, len(report.Started))
	for i, tk := range report.Started {
		got[i] = tk.Name()
	}
	if strings.Join(got, ",") != "A,C" {
		t.Fatalf("expected BIG deferred, started %v", got)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	eng, _ := h.engine(t, "SIM:\n  A: {}\n", WithSleep(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}))
	sum, err := eng.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if names(sum.Pending) != "A" {
		t.Fatalf("expected A pending, got %+v", sum)
	}
}
