package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kingrea/batchflow/internal/engine"
	"github.com/kingrea/batchflow/internal/hashstore"
	"github.com/kingrea/batchflow/internal/journal"
	"github.com/kingrea/batchflow/internal/task"
)

type workspace struct {
	root     string
	config   string
	pipeline string
}

func newWorkspace(t *testing.T, pipeline string) workspace {
	t.Helper()
	root := t.TempDir()
	ws := workspace{
		root:     root,
		config:   filepath.Join(root, "batchflow.yml"),
		pipeline: filepath.Join(root, "pipe.yml"),
	}
	files := map[string]string{
		ws.config: `global:
  prefix: TEST
  backend: local
output:
  output_dir: out
data_dirs:
  - data
logging:
  no_color: true
`,
		ws.pipeline:                                      pipeline,
		filepath.Join(root, "data", "DES3YR", "raw.fits"): "",
	}
	for path, body := range files {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return ws
}

func (ws workspace) run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := execute(append(args, "--config", ws.config), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

const prepOnly = `DATAPREP:
  DES:
    RAW_DIR: DES3YR
  LOWZ:
    RAW_DIR: DES3YR
`

func TestListPrintsTasks(t *testing.T) {
	ws := newWorkspace(t, prepOnly)
	code, out, errOut := ws.run("list", ws.pipeline)
	if code != engine.ExitOK {
		t.Fatalf("list exited %d: %s", code, errOut)
	}
	if !strings.Contains(out, "DES") || !strings.Contains(out, "LOWZ") {
		t.Fatalf("list output missing tasks:\n%s", out)
	}
	if !strings.Contains(out, "2 tasks in pipe") {
		t.Fatalf("list output missing count:\n%s", out)
	}
}

func TestConfigErrorExitsTwo(t *testing.T) {
	ws := newWorkspace(t, "DATAPREP:\n  DES: {}\n")
	code, _, errOut := ws.run("list", ws.pipeline)
	if code != engine.ExitConfigError {
		t.Fatalf("expected exit %d, got %d", engine.ExitConfigError, code)
	}
	if !strings.Contains(errOut, "RAW_DIR") {
		t.Fatalf("expected the offending key in the error, got %q", errOut)
	}
}

func TestUnknownSectionExitsTwo(t *testing.T) {
	ws := newWorkspace(t, "TELESCOPE:\n  X: {}\n")
	if code, _, _ := ws.run("list", ws.pipeline); code != engine.ExitConfigError {
		t.Fatalf("expected config error exit, got %d", code)
	}
}

func TestCleanHashSelectsByMask(t *testing.T) {
	ws := newWorkspace(t, prepOnly)
	dirs := map[string]string{
		"DES":  filepath.Join(ws.root, "out", "pipe", "0_DATAPREP", "DES"),
		"LOWZ": filepath.Join(ws.root, "out", "pipe", "0_DATAPREP", "LOWZ"),
	}
	for _, dir := range dirs {
		if err := hashstore.Save(dir, "abc"); err != nil {
			t.Fatal(err)
		}
	}
	code, out, errOut := ws.run("clean-hash", ws.pipeline, "LOW")
	if code != engine.ExitOK {
		t.Fatalf("clean-hash exited %d: %s", code, errOut)
	}
	if !strings.Contains(out, "cleared LOWZ") || strings.Contains(out, "cleared DES") {
		t.Fatalf("unexpected selection:\n%s", out)
	}
	if _, ok, _ := hashstore.Stored(dirs["LOWZ"]); ok {
		t.Fatalf("expected LOWZ hash removed")
	}
	if _, ok, _ := hashstore.Stored(dirs["DES"]); !ok {
		t.Fatalf("expected DES hash kept")
	}
}

func TestStatusReadsSnapshot(t *testing.T) {
	ws := newWorkspace(t, prepOnly)
	repo := engine.NewRepository(filepath.Join(ws.root, "out", "pipe"))
	status := engine.Status{
		RunID:    "run-1",
		Pipeline: "pipe",
		Phase:    engine.PhaseFailed,
		Tick:     4,
		Tasks: []engine.TaskStatus{
			{Name: "DES", Kind: task.KindDataPrep, State: task.StateSuccess},
			{Name: "LOWZ", Kind: task.KindDataPrep, State: task.StateFailure, Detail: "bad photometry"},
		},
	}
	if err := repo.Save(status); err != nil {
		t.Fatal(err)
	}
	book, err := journal.Open(filepath.Join(ws.root, "out", "pipe"))
	if err != nil {
		t.Fatal(err)
	}
	book.Errorf("DATAPREP LOWZ failure: bad photometry")

	code, out, errOut := ws.run("status", "pipe")
	if code != engine.ExitOK {
		t.Fatalf("status exited %d: %s", code, errOut)
	}
	if !strings.Contains(out, "LOWZ") || !strings.Contains(out, "bad photometry") {
		t.Fatalf("status output missing failure:\n%s", out)
	}
	if !strings.Contains(out, "Last 1 of 1 journal entries") {
		t.Fatalf("status output missing journal tail:\n%s", out)
	}

	code, out, _ = ws.run("status", ws.pipeline, "--yaml")
	if code != engine.ExitOK {
		t.Fatalf("status --yaml exited %d", code)
	}
	if !strings.Contains(out, "runid: run-1") {
		t.Fatalf("expected yaml snapshot, got:\n%s", out)
	}
}

func TestStatusMissing(t *testing.T) {
	ws := newWorkspace(t, prepOnly)
	code, _, errOut := ws.run("status", "pipe")
	if code != engine.ExitFailure || !strings.Contains(errOut, "no status recorded") {
		t.Fatalf("expected missing status failure, got %d %q", code, errOut)
	}
}

func TestRunRejectsInvertedRange(t *testing.T) {
	ws := newWorkspace(t, prepOnly)
	if code, _, _ := ws.run("run", ws.pipeline, "--start", "LCFIT", "--finish", "SIM"); code != engine.ExitConfigError {
		t.Fatalf("expected config error exit, got %d", code)
	}
}
