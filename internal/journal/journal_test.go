package journal

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/batchflow/internal/engine"
	"github.com/kingrea/batchflow/internal/task"
)

func TestTailReturnsRecentLinesAndTotal(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 5; i++ {
		j.Infof("entry-%d", i)
	}
	lines, total, err := Tail(dir, 3)
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 || len(lines) != 3 {
		t.Fatalf("got %d lines of %d", len(lines), total)
	}
	for idx, want := range []string{"entry-2", "entry-3", "entry-4"} {
		if !strings.Contains(lines[idx], want) {
			t.Fatalf("line %d = %q, missing %s", idx, lines[idx], want)
		}
	}
}

func TestObserveRecordsTransitions(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	j.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	j.Observe(engine.Event{Kind: engine.EventStarted, Task: &engine.TaskStatus{Name: "SIM_A", Kind: task.KindSim, State: task.StateSubmitted}})
	j.Observe(engine.Event{Kind: engine.EventFinished, Task: &engine.TaskStatus{Name: "SIM_A", Kind: task.KindSim, State: task.StateFailure, Detail: "ABORT", Logs: []string{"sim.log"}}})
	j.Observe(engine.Event{Kind: engine.EventFinished, Task: &engine.TaskStatus{Name: "FIT", Kind: task.KindLCFit, State: task.StateBlocked, Detail: "SIM_A failed"}})
	j.Observe(engine.Event{Kind: engine.EventQueueError, Err: errors.New("squeue timeout")})
	j.Observe(engine.Event{Kind: engine.EventTick})
	j.Observe(engine.Event{Kind: engine.EventDone, Status: engine.Status{RunID: "r1", Phase: engine.PhaseFailed}})

	lines, total, err := Tail(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 {
		t.Fatalf("expected 5 entries, got %d: %v", total, lines)
	}
	wants := []string{
		"2026-01-02T03:04:05Z INFO  SIM SIM_A started (submitted)",
		"ERROR SIM SIM_A failure: ABORT (see sim.log)",
		"WARN  LCFIT FIT blocked: SIM_A failed",
		"tick skipped: squeue timeout",
		"run r1 failed",
	}
	for i, want := range wants {
		if !strings.Contains(lines[i], want) {
			t.Fatalf("line %d = %q, want %q", i, lines[i], want)
		}
	}
}

func TestNilJournalIsSilent(t *testing.T) {
	var j *Journal
	j.Infof("ignored")
	if j.Path() != "" {
		t.Fatalf("expected empty path")
	}
}
