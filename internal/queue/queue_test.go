package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubSource struct {
	names []string
	err   error
	calls int
}

func (s *stubSource) ActiveJobNames(ctx context.Context) ([]string, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.names, nil
}

func TestCountMatchingPrefix(t *testing.T) {
	snap := NewSnapshot([]string{"SIM_test_0_2", "LCFIT_a", "SIM_test_0_1", "SIM_other_0", "SIM_test_0_3"}, time.Time{})
	if got := snap.CountMatching("SIM_test_0"); got != 3 {
		t.Fatalf("expected 3 outstanding, got %d", got)
	}
	if got := snap.CountMatching("FIT_x"); got != 0 {
		t.Fatalf("expected 0 for absent prefix, got %d", got)
	}
	if got := snap.CountMatching(""); got != 0 {
		t.Fatalf("empty prefix must not match, got %d", got)
	}
	if snap.Len() != 5 {
		t.Fatalf("expected 5 jobs, got %d", snap.Len())
	}
}

func TestCountJobStopsAtNameBoundary(t *testing.T) {
	snap := NewSnapshot([]string{"LCFIT_D_DES5YR", "LCFIT_D_DES", "LCFIT_D_DES5YR_1", "LCFIT_D_DES_2"}, time.Time{})
	if got := snap.CountJob("LCFIT_D_DES"); got != 2 {
		t.Fatalf("expected the task's own 2 jobs, got %d", got)
	}
	if got := snap.CountMatching("LCFIT_D_DES"); got != 4 {
		t.Fatalf("expected prefix matching to include siblings, got %d", got)
	}
	if got := snap.CountJob(""); got != 0 {
		t.Fatalf("empty name must not match, got %d", got)
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	names := []string{"b", "a"}
	snap := NewSnapshot(names, time.Time{})
	names[0] = "zzz"
	got := snap.Names()
	got[0] = "mutated"
	if snap.Names()[0] != "a" || snap.Names()[1] != "b" {
		t.Fatalf("snapshot changed: %v", snap.Names())
	}
}

func TestMonitorQueriesOncePerRefresh(t *testing.T) {
	src := &stubSource{names: []string{"job"}}
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMonitor(src, time.Second, WithClock(func() time.Time { return at }))
	snap, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	for i := 0; i < 5; i++ {
		_ = snap.CountMatching("job")
		_ = m.Current().CountMatching("job")
	}
	if src.calls != 1 || m.Queries() != 1 {
		t.Fatalf("expected exactly one query, got %d", src.calls)
	}
	if !snap.Taken().Equal(at) {
		t.Fatalf("unexpected snapshot time %s", snap.Taken())
	}
}

func TestMonitorFailureKeepsPreviousSnapshot(t *testing.T) {
	src := &stubSource{names: []string{"a", "b"}}
	m := NewMonitor(src, 0)
	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	src.err = errors.New("slurm_load_jobs error: Socket timed out")
	snap, err := m.Refresh(context.Background())
	if !errors.Is(err, ErrQueryFailed) {
		t.Fatalf("expected ErrQueryFailed, got %v", err)
	}
	if snap.Len() != 2 {
		t.Fatalf("expected previous snapshot retained, got %d jobs", snap.Len())
	}
}
