package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/kingrea/batchflow/internal/task"
)

func TestRepositoryRoundTrip(t *testing.T) {
	repo := NewRepository(t.TempDir())
	if _, err := repo.Load(); !errors.Is(err, ErrStatusNotFound) {
		t.Fatalf("expected ErrStatusNotFound, got %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := Status{
		RunID:     "run-1",
		Pipeline:  "des",
		Phase:     PhaseFailed,
		Tick:      4,
		StartedAt: now.Add(-time.Minute),
		UpdatedAt: now,
		Tasks: []TaskStatus{
			{Name: "SIM_A", Kind: task.KindSim, State: task.StateSuccess},
			{Name: "FIT_A", Kind: task.KindLCFit, State: task.StateCrash, Cause: "walltime", Retryable: true},
		},
	}
	if err := repo.Save(in); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	out, err := repo.Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if out.RunID != "run-1" || len(out.Tasks) != 2 || out.Tasks[1].Cause != "walltime" {
		t.Fatalf("unexpected round trip %+v", out)
	}
	counts := out.Counts()
	if counts[task.StateSuccess] != 1 || counts[task.StateCrash] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}

	sum := Summarize(out)
	if len(sum.Crashed) != 1 || sum.OK() || sum.ExitCode() != ExitFailure || sum.Elapsed != time.Minute {
		t.Fatalf("unexpected summary %+v", sum)
	}
}
