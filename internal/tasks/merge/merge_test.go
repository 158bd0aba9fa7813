package merge

import (
	"os"
	"strings"
	"testing"

	"github.com/kingrea/batchflow/internal/task"
	"github.com/kingrea/batchflow/internal/tasks/fixture"
	"github.com/kingrea/batchflow/internal/tasks/taskstest"
)

func TestBuildPairsFitsWithAggregators(t *testing.T) {
	env := taskstest.Env(t)
	chain := fixture.Completed(t, env)
	tasks, err := Build(env, taskstest.Section(t, "MERGE", `
MERGE:
  MRG:
    MASK_FIT: D
`), chain.Tasks)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Name() != "MRG_D_EXAMPLE_AGG" {
		t.Fatalf("unexpected tasks %v", tasks)
	}
	m := tasks[0].(*Merger)
	if m.Fit() != chain.Fit || m.Aggregator() != chain.Agg {
		t.Fatalf("unexpected pair")
	}

	rec := taskstest.Complete(t, m, map[string]string{OutputFile: "VARNAMES: CID PROB_FP_D_EXAMPLE\n"})
	script, err := os.ReadFile(rec.Jobs[0].Script)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(script), chain.Fit.Path("FITOPT000.FITRES.TEXT")+" "+chain.Agg.Path("merged.csv")) {
		t.Fatalf("unexpected script:\n%s", script)
	}
	res, err := m.Output()
	if err != nil {
		t.Fatal(err)
	}
	if len(res.ProbColumns) != 1 || res.ProbColumns[0] != "PROB_FP_D_EXAMPLE" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestBuildWithoutPairFails(t *testing.T) {
	env := taskstest.Env(t)
	chain := fixture.Completed(t, env)
	_, err := Build(env, taskstest.Section(t, "MERGE", `
MERGE:
  MRG:
    MASK_AGG: NOTHING
`), chain.Tasks)
	if !task.IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}
