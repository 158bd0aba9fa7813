package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordedRun struct {
	calls []Command
	res   *Result
	err   error
}

func (r *recordedRun) run(ctx context.Context, cmd Command) (*Result, error) {
	r.calls = append(r.calls, cmd)
	if r.res == nil {
		return &Result{}, r.err
	}
	return r.res, r.err
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	res, err := Run(context.Background(), Command{Binary: "sh", Args: []string{"-c", "echo out; echo err >&2; exit 3"}})
	if err == nil {
		t.Fatalf("expected error for non-zero exit")
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %d", res.ExitCode)
	}
	if strings.TrimSpace(string(res.Stdout)) != "out" || strings.TrimSpace(string(res.Stderr)) != "err" {
		t.Fatalf("unexpected capture %q %q", res.Stdout, res.Stderr)
	}
}

func TestRunCancelledByContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Run(ctx, Command{Binary: "sleep", Args: []string{"5"}, GracePeriod: 100 * time.Millisecond})
	if err == nil || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestSlurmSubmitArgs(t *testing.T) {
	rec := &recordedRun{res: &Result{Stdout: []byte("4242;cluster\n")}}
	s := NewSlurm(SlurmOptions{User: "alice", Run: rec.run, Logger: zerolog.Nop()})

	if err := s.Submit(context.Background(), Job{Name: "DATAPREP_a", Script: "/tmp/a/slurm.job", Dir: "/tmp/a"}); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if err := s.Submit(context.Background(), Job{Name: "train", Script: "/tmp/b/slurm.job", Dir: "/tmp/b", Wait: true}); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if got := rec.calls[0].Args; !reflect.DeepEqual(got, []string{"--parsable", "/tmp/a/slurm.job"}) {
		t.Fatalf("unexpected sbatch args %v", got)
	}
	if got := rec.calls[1].Args; !reflect.DeepEqual(got, []string{"--parsable", "--wait", "/tmp/b/slurm.job"}) {
		t.Fatalf("unexpected wait args %v", got)
	}
	if rec.calls[0].Dir != "/tmp/a" {
		t.Fatalf("expected submission from task dir, got %s", rec.calls[0].Dir)
	}
}

func TestSlurmSubmitRejected(t *testing.T) {
	rec := &recordedRun{
		res: &Result{Stderr: []byte("sbatch: error: QOSMaxSubmitJobPerUserLimit"), ExitCode: 1},
		err: errors.New("exit 1"),
	}
	s := NewSlurm(SlurmOptions{User: "alice", Run: rec.run})
	err := s.Submit(context.Background(), Job{Name: "x", Script: "x.job"})
	if err == nil || !strings.Contains(err.Error(), "QOSMaxSubmitJobPerUserLimit") {
		t.Fatalf("expected rejection with stderr, got %v", err)
	}
}

func TestSlurmWaitedJobFailureIsNotSubmissionError(t *testing.T) {
	rec := &recordedRun{res: &Result{Stdout: []byte("77\n"), ExitCode: 1}, err: errors.New("exit 1")}
	s := NewSlurm(SlurmOptions{User: "alice", Run: rec.run})
	if err := s.Submit(context.Background(), Job{Name: "x", Script: "x.job", Wait: true}); err != nil {
		t.Fatalf("expected accepted waited job to return nil, got %v", err)
	}
}

func TestSlurmActiveJobNames(t *testing.T) {
	rec := &recordedRun{res: &Result{Stdout: []byte("SIM_a_0_1\n\nSIM_a_0_2\n  LCFIT_b \n")}}
	s := NewSlurm(SlurmOptions{User: "alice", Run: rec.run})
	names, err := s.ActiveJobNames(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, []string{"SIM_a_0_1", "SIM_a_0_2", "LCFIT_b"}) {
		t.Fatalf("unexpected names %v", names)
	}
	if got := rec.calls[0].Args; !reflect.DeepEqual(got, []string{"-h", "-o", "%j", "-u", "alice"}) {
		t.Fatalf("unexpected squeue args %v", got)
	}
}

func TestLocalRunsScriptsAndTracksNames(t *testing.T) {
	dir := t.TempDir()
	gate := filepath.Join(dir, "gate")
	script := filepath.Join(dir, "job.sh")
	body := "while [ ! -f " + gate + " ]; do sleep 0.01; done\necho SUCCESS > FINISHED.DONE\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	l := NewLocal(context.Background(), LocalOptions{})
	if err := l.Submit(context.Background(), Job{Name: "LOCAL_a", Script: script, Dir: dir}); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	names, _ := l.ActiveJobNames(context.Background())
	if !reflect.DeepEqual(names, []string{"LOCAL_a"}) {
		t.Fatalf("expected running job, got %v", names)
	}
	if err := os.WriteFile(gate, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	l.Wait()
	names, _ = l.ActiveJobNames(context.Background())
	if len(names) != 0 {
		t.Fatalf("expected no running jobs, got %v", names)
	}
	if data, err := os.ReadFile(filepath.Join(dir, "FINISHED.DONE")); err != nil || !strings.Contains(string(data), "SUCCESS") {
		t.Fatalf("expected marker written, got %q (%v)", data, err)
	}
}

func TestLocalWaitBlocks(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "job.sh")
	if err := os.WriteFile(script, []byte("echo hi\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	l := NewLocal(context.Background(), LocalOptions{})
	if err := l.Submit(context.Background(), Job{Name: "w", Script: script, Dir: dir, Wait: true}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "local.log"))
	if err != nil || strings.TrimSpace(string(data)) != "hi" {
		t.Fatalf("expected output in log, got %q (%v)", data, err)
	}
}
