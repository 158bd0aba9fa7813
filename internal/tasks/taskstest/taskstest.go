// Package taskstest holds fixtures shared by the task kind tests.
package taskstest

import (
	"context"
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
	"github.com/kingrea/batchflow/internal/marker"
	"github.com/kingrea/batchflow/internal/queue"
	"github.com/kingrea/batchflow/internal/task"
)

// Pipeline is the pipeline name used by Env.
const Pipeline = "test"

// Env returns a factory environment rooted in a temp dir with one data dir,
// an output dir and an SNANA simulation dir.
func Env(t testing.TB) *task.Env {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default(root)
	cfg.Global.Prefix = "BF"
	cfg.DataDirs = []string{filepath.Join(root, "data")}
	cfg.SNANA.SimDir = filepath.Join(root, "sim")
	for _, dir := range []string{cfg.DataDirs[0], cfg.SNANA.SimDir, cfg.Output.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return task.NewEnv(cfg, Pipeline, zerolog.Nop())
}

// WriteData writes a file into the first data dir and returns its path.
func WriteData(t testing.TB, env *task.Env, name, content string) string {
	t.Helper()
	return WriteFile(t, filepath.Join(env.Config.DataDirs[0], name), content)
}

// WriteFile writes content to path, creating parents.
func WriteFile(t testing.TB, path, content string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// Section parses body as the single section key of a definition.
func Section(t testing.TB, key, body string) definition.Section {
	t.Helper()
	def, err := definition.Parse(Pipeline, []byte(strings.TrimSpace(body)))
	if err != nil {
		t.Fatalf("parse definition: %v", err)
	}
	return def.Section(key)
}

// Recorder is a Submitter that keeps every job it is handed.
type Recorder struct {
	mu   sync.Mutex
	Jobs []batch.Job
}

// Submit implements task.Submitter.
func (r *Recorder) Submit(_ context.Context, job batch.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Jobs = append(r.Jobs, job)
	return nil
}

// Lifecycle returns a lifecycle submitting into a Recorder.
func Lifecycle() (*task.Lifecycle, *Recorder) {
	rec := &Recorder{}
	return task.NewLifecycle(rec, zerolog.Nop()), rec
}

// Submit runs tk through a fresh lifecycle and fails the test on error.
func Submit(t testing.TB, tk task.Task) *Recorder {
	t.Helper()
	lc, rec := Lifecycle()
	if err := lc.Run(context.Background(), tk, queue.NewSnapshot(nil, time.Now()), false); err != nil {
		t.Fatalf("run %s: %v", tk.Name(), err)
	}
	return rec
}

// Complete submits tk, writes files (relative to its directory) and the
// success marker, then polls it and requires success. The returned
// recorder holds the submitted job, if any.
func Complete(t testing.TB, tk task.Task, files map[string]string) *Recorder {
	t.Helper()
	lc, rec := Lifecycle()
	snap := queue.NewSnapshot(nil, time.Now())
	if err := lc.Run(context.Background(), tk, snap, false); err != nil {
		t.Fatalf("run %s: %v", tk.Name(), err)
	}
	if tk.State() == task.StateSkipped {
		t.Fatalf("%s unexpectedly skipped", tk.Name())
	}
	for name, content := range files {
		WriteFile(t, filepath.Join(tk.Dir(), name), content)
	}
	done := filepath.Join(tk.Dir(), marker.DoneFile)
	if res, _ := marker.Read(done); res == marker.Absent {
		if err := marker.Write(done, true); err != nil {
			t.Fatal(err)
		}
	}
	status := lc.Check(tk, snap)
	if status.State != task.StateSuccess {
		t.Fatalf("%s ended %s: %s", tk.Name(), status.State, status.Detail)
	}
	return rec
}
