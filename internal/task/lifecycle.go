package task

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kingrea/batchflow/internal/batch"
	"github.com/kingrea/batchflow/internal/hashstore"
	"github.com/kingrea/batchflow/internal/marker"
	"github.com/kingrea/batchflow/internal/queue"
)

// Submitter hands jobs to the external scheduler.
type Submitter interface {
	Submit(ctx context.Context, job batch.Job) error
}

// Lifecycle runs and polls tasks.
type Lifecycle struct {
	submitter Submitter
	logger    zerolog.Logger
	now       func() time.Time
}

// NewLifecycle builds a Lifecycle that submits through s.
func NewLifecycle(s Submitter, logger zerolog.Logger) *Lifecycle {
	return &Lifecycle{submitter: s, logger: logger, now: time.Now}
}

func (lc *Lifecycle) taskLogger(b *Base) zerolog.Logger {
	return lc.logger.With().Str("task", b.name).Str("kind", string(b.kind)).Logger()
}

// Run renders t, compares its fingerprint with the stored one and either
// marks it up to date or resets its directory and submits it. snap guards
// against resubmitting a task whose previous jobs are still queued. force
// ignores the stored hash.
func (lc *Lifecycle) Run(ctx context.Context, t Task, snap queue.Snapshot, force bool) error {
	b := t.base()
	if b.state != StateUnstarted {
		return fmt.Errorf("task: %s already started (%s)", b, b.state)
	}
	log := lc.taskLogger(b)

	sub, err := t.Prepare(ctx)
	if err != nil {
		lc.finish(t, Status{State: StateFailure, Detail: "prepare: " + err.Error()})
		return fmt.Errorf("task: prepare %s: %w", b, err)
	}
	newHash, err := sub.Hash()
	if err != nil {
		lc.finish(t, Status{State: StateFailure, Detail: "hash: " + err.Error()})
		return fmt.Errorf("task: hash %s: %w", b, err)
	}
	newHash = withUpstream(newHash, b.deps)
	b.hash = newHash

	oldHash, ok, err := hashstore.Stored(b.dir)
	if err != nil {
		log.Warn().Err(err).Msg("unreadable hash record, treating as never run")
	}
	if !force && ok && oldHash == newHash {
		if lc.reusable(t, snap) {
			b.state = StateSkipped
			b.status = Status{State: StateSkipped, At: lc.now()}
			log.Info().Msg("hash check passed, not rerunning")
			return nil
		}
		log.Info().Msg("hash unchanged but outputs missing, rerunning")
	} else if force {
		log.Debug().Msg("forced refresh")
	} else {
		log.Debug().Bool("had_hash", ok).Msg("hash check failed, regenerating")
	}

	if err := lc.materialize(b, sub); err != nil {
		lc.finish(t, Status{State: StateFailure, Detail: err.Error()})
		return err
	}

	b.submittedAt = lc.now()
	b.state = StateSubmitted
	b.status = Status{State: StateSubmitted, At: b.submittedAt}

	if sub.Mode == ModeLocal {
		if sub.Local == nil {
			err := fmt.Errorf("task: %s has no local function", b)
			lc.finish(t, Status{State: StateFailure, Detail: err.Error()})
			return err
		}
		runErr := sub.Local(ctx)
		b.localErr = runErr
		if err := marker.Write(b.DoneFile(), runErr == nil); err != nil {
			lc.finish(t, Status{State: StateFailure, Detail: err.Error()})
			return err
		}
		if runErr != nil {
			log.Error().Err(runErr).Msg("local task failed")
		} else {
			log.Info().Msg("local task finished")
		}
		return nil
	}

	jobName := sub.JobName
	if jobName == "" {
		jobName = b.jobPrefix
	}
	job := batch.Job{
		Name:   jobName,
		Script: b.Path(sub.scriptName()),
		Dir:    b.dir,
		Wait:   sub.Mode == ModeWait,
		Log:    b.Path("output.log"),
	}
	log.Info().Str("job", jobName).Str("mode", sub.Mode.String()).Msg("submitting")
	if err := lc.submitter.Submit(ctx, job); err != nil {
		subErr := &SubmissionError{Task: b.name, Err: err}
		lc.finish(t, Status{State: StateFailure, Detail: subErr.Error()})
		return subErr
	}
	return nil
}

// withUpstream folds the fingerprints of deps into value, so a dependency
// that reran with different inputs invalidates its consumers.
func withUpstream(value string, deps []Task) string {
	if len(deps) == 0 {
		return value
	}
	var sb strings.Builder
	sb.WriteString(value)
	for _, dep := range deps {
		fmt.Fprintf(&sb, "\n%s=%s", dep.Name(), dep.base().hash)
	}
	return hashstore.String(sb.String())
}

// reusable reports whether a task with an unchanged hash can be left alone:
// either it finished successfully with all artifacts, or its jobs are still
// queued from an earlier driver process.
func (lc *Lifecycle) reusable(t Task, snap queue.Snapshot) bool {
	b := t.base()
	res, err := marker.Read(b.DoneFile())
	if err != nil {
		return false
	}
	switch res {
	case marker.Success:
		return len(missingArtifacts(t)) == 0
	case marker.Failure:
		return false
	}
	if arr, ok := t.(Arrayed); ok {
		if markers := arr.SubjobMarkers(); len(markers) > 0 && allSucceeded(markers) {
			return len(missingArtifacts(t)) == 0
		}
	}
	return b.activeJobs(snap) > 0
}

func allSucceeded(paths []string) bool {
	for _, p := range paths {
		if res, err := marker.Read(p); err != nil || res != marker.Success {
			return false
		}
	}
	return true
}

func (lc *Lifecycle) materialize(b *Base, sub Submission) error {
	dir := filepath.Clean(b.dir)
	if dir == "" || dir == "." || dir == string(filepath.Separator) {
		return fmt.Errorf("task: refusing to reset directory %q for %s", b.dir, b)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("task: clean %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("task: create %s: %w", dir, err)
	}
	if err := hashstore.Save(dir, b.hash); err != nil {
		return err
	}
	if err := os.WriteFile(b.Path(sub.scriptName()), []byte(sub.Script), 0o755); err != nil {
		return fmt.Errorf("task: write script for %s: %w", b, err)
	}
	for _, name := range sub.fileNames() {
		path := b.Path(name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("task: create dir for %s: %w", name, err)
		}
		if err := os.WriteFile(path, []byte(sub.Files[name]), 0o644); err != nil {
			return fmt.Errorf("task: write %s: %w", name, err)
		}
	}
	for _, src := range sub.Copies {
		if err := copyFile(src, b.Path(filepath.Base(src))); err != nil {
			return fmt.Errorf("task: copy %s: %w", src, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Check evaluates t against snap. Terminal states are sticky. A polling
// result carries the number of matching queue entries; no matches and no
// marker means the job crashed.
func (lc *Lifecycle) Check(t Task, snap queue.Snapshot) Status {
	b := t.base()
	if b.state.Terminal() || !b.state.Started() {
		return b.status
	}
	log := lc.taskLogger(b)

	res, err := marker.Read(b.DoneFile())
	if err != nil {
		log.Warn().Err(err).Msg("unable to read marker, checking again next tick")
		return b.status
	}
	switch res {
	case marker.Failure:
		return lc.failed(t, "completion marker reported failure")
	case marker.Success:
		return lc.succeed(t)
	}

	if arr, ok := t.(Arrayed); ok {
		if markers := arr.SubjobMarkers(); len(markers) > 0 {
			all := true
			for _, path := range markers {
				sub, err := marker.Read(path)
				if err != nil {
					all = false
					continue
				}
				switch sub {
				case marker.Failure:
					return lc.failed(t, fmt.Sprintf("subjob marker %s reported failure", filepath.Base(path)))
				case marker.Absent:
					all = false
				}
			}
			if all {
				if missing := missingArtifacts(t); len(missing) > 0 {
					return lc.finish(t, Status{State: StateFailure, Detail: "missing artifacts: " + strings.Join(missing, ", "), Logs: t.Logs()})
				}
				if err := marker.Write(b.DoneFile(), true); err != nil {
					log.Warn().Err(err).Msg("could not write aggregate marker")
				}
				return lc.succeed(t)
			}
		}
	}

	if n := b.activeJobs(snap); n > 0 {
		b.state = StatePolling
		b.status = Status{State: StatePolling, Outstanding: n, At: snap.Taken()}
		return b.status
	}

	cause, finding := marker.ClassifyCrash(t.Logs())
	status := Status{
		State:  StateCrash,
		Cause:  cause,
		Detail: "job vanished from the queue without a completion marker",
		Logs:   t.Logs(),
	}
	if finding != nil {
		status.Findings = []marker.Finding{*finding}
		status.Detail += " (" + cause.String() + ")"
	}
	return lc.finish(t, status)
}

func (lc *Lifecycle) failed(t Task, detail string) Status {
	b := t.base()
	if b.localErr != nil {
		detail += ": " + b.localErr.Error()
	}
	return lc.finish(t, Status{
		State:    StateFailure,
		Detail:   detail,
		Findings: marker.Scan(t.Logs(), marker.FatalNeedles...),
		Logs:     t.Logs(),
	})
}

func (lc *Lifecycle) succeed(t Task) Status {
	if v, ok := t.(Verifier); ok {
		if err := v.Verify(); err != nil {
			return lc.finish(t, Status{State: StateFailure, Detail: err.Error(), Logs: t.Logs()})
		}
	}
	if missing := missingArtifacts(t); len(missing) > 0 {
		return lc.finish(t, Status{State: StateFailure, Detail: "missing artifacts: " + strings.Join(missing, ", "), Logs: t.Logs()})
	}
	if err := t.Publish(); err != nil {
		return lc.finish(t, Status{State: StateFailure, Detail: "publish outputs: " + err.Error(), Logs: t.Logs()})
	}
	return lc.finish(t, Status{State: StateSuccess})
}

// finish records a terminal status. Failed tasks lose their hash record so
// the next driver run resubmits them.
func (lc *Lifecycle) finish(t Task, status Status) Status {
	b := t.base()
	status.At = lc.now()
	b.state = status.State
	b.status = status
	log := lc.taskLogger(b)
	if status.State.Failed() {
		if err := hashstore.Clear(b.dir); err != nil {
			log.Warn().Err(err).Msg("could not clear hash record")
		}
		event := log.Error().Str("state", string(status.State)).Str("detail", status.Detail)
		if status.Cause != "" {
			event = event.Str("cause", status.Cause.String()).Bool("retryable", status.Cause.Retryable())
		}
		if len(status.Findings) > 0 {
			findings := make([]string, len(status.Findings))
			for i, f := range status.Findings {
				findings[i] = f.String()
			}
			event = event.Strs("findings", findings)
		}
		event.Strs("logs", status.Logs).Msg("task failed")
		return status
	}
	log.Info().Msg("task finished successfully")
	return status
}

func missingArtifacts(t Task) []string {
	var missing []string
	for _, path := range t.Artifacts() {
		if _, err := os.Stat(path); err != nil {
			missing = append(missing, path)
		}
	}
	return missing
}
