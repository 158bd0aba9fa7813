package classify

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kingrea/batchflow/internal/task"
	"github.com/kingrea/batchflow/internal/tasks/dataprep"
	"github.com/kingrea/batchflow/internal/tasks/lcfit"
	"github.com/kingrea/batchflow/internal/tasks/taskstest"
)

const classifiers = `
CLASSIFY:
  SNN_TRAIN:
    CLASSIFIER: SuperNNova
    MODE: train
  SNN_PREDICT:
    CLASSIFIER: SuperNNova
    MODE: predict
    OPTS:
      MODEL: SNN_TRAIN
      VARIANT: vanilla
  FITPROB:
    CLASSIFIER: FitProb
    MASK_FIT: D
`

// upstream builds and completes a data prep source and a fit of it.
func upstream(t *testing.T, env *task.Env) []task.Task {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(env.Config.DataDirs[0], "DESRAW"), 0o755); err != nil {
		t.Fatal(err)
	}
	taskstest.WriteData(t, env, "des.nml", " &SNLCINP\n &END\n")
	prior, err := dataprep.Build(env, taskstest.Section(t, "DATAPREP", `
DATAPREP:
  DES:
    RAW_DIR: DESRAW
`), nil)
	if err != nil {
		t.Fatal(err)
	}
	fits, err := lcfit.Build(env, taskstest.Section(t, "LCFIT", `
LCFIT:
  D:
    BASE: des.nml
`), prior)
	if err != nil {
		t.Fatal(err)
	}
	taskstest.Complete(t, prior[0], map[string]string{dataprep.TypesFile: `[[1, "Ia"], [20, "II"]]`})
	taskstest.Complete(t, fits[0], map[string]string{lcfit.FitresFile: "VARNAMES: CID zHD FITPROB\nSN: 1 0.1 0.9\nSN: 2 0.2 0.05\n"})
	return append(prior, fits...)
}

func TestBuildCombinations(t *testing.T) {
	env := taskstest.Env(t)
	tasks, err := Build(env, taskstest.Section(t, "CLASSIFY", classifiers), upstream(t, env))
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	var names []string
	for _, tk := range tasks {
		names = append(names, tk.Name())
	}
	if strings.Join(names, ",") != "SNN_TRAIN_DES,SNN_PREDICT_DES,FITPROB_D_DES" {
		t.Fatalf("unexpected classifiers %v", names)
	}
	predict := tasks[1].(*Classifier)
	trained, err := task.Dep[*Classifier](predict)
	if err != nil || trained != tasks[0] {
		t.Fatalf("expected trained model dependency, got %v %v", trained, err)
	}
	fitDep, err := task.Dep[*lcfit.Fit](tasks[2])
	if err != nil || fitDep.Name() != "D_DES" {
		t.Fatalf("expected fit dependency, got %v %v", fitDep, err)
	}
}

func TestTrainThenPredict(t *testing.T) {
	env := taskstest.Env(t)
	tasks, err := Build(env, taskstest.Section(t, "CLASSIFY", classifiers), upstream(t, env))
	if err != nil {
		t.Fatal(err)
	}
	train, predict := tasks[0].(*Classifier), tasks[1].(*Classifier)

	rec := taskstest.Complete(t, train, map[string]string{"model.pt": "weights"})
	if len(rec.Jobs) != 1 || !rec.Jobs[0].Wait {
		t.Fatalf("expected one blocking job, got %+v", rec.Jobs)
	}
	trainScript, err := os.ReadFile(rec.Jobs[0].Script)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(trainScript), `--sntypes '{"1":"Ia","20":"II"}'`) || !strings.Contains(string(trainScript), "--train_rnn") {
		t.Fatalf("unexpected train script:\n%s", trainScript)
	}

	rec = taskstest.Submit(t, predict)
	if rec.Jobs[0].Wait {
		t.Fatalf("predict jobs should not block")
	}
	script, err := os.ReadFile(rec.Jobs[0].Script)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"--model_files " + train.Path("model.pt"), "--variant vanilla", "--dump_dir " + predict.Path("dump")} {
		if !strings.Contains(string(script), want) {
			t.Fatalf("predict script missing %q:\n%s", want, script)
		}
	}
}

func TestFitProbRunsLocally(t *testing.T) {
	env := taskstest.Env(t)
	tasks, err := Build(env, taskstest.Section(t, "CLASSIFY", classifiers), upstream(t, env))
	if err != nil {
		t.Fatal(err)
	}
	fp := tasks[2].(*Classifier)
	taskstest.Complete(t, fp, nil)
	res, err := fp.Output()
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(res.PredictionsFile)
	if err != nil {
		t.Fatal(err)
	}
	want := "SNID,PROB_FITPROB_D_DES\n1,0.9000\n2,0.0500\n"
	if string(data) != want {
		t.Fatalf("unexpected predictions:\n%s", data)
	}
}

func TestBuildErrors(t *testing.T) {
	env := taskstest.Env(t)
	prior := upstream(t, env)
	cases := map[string]string{
		"unknown classifier": `
CLASSIFY:
  X:
    CLASSIFIER: Magic
`,
		"predict without model": `
CLASSIFY:
  X:
    CLASSIFIER: SNIRF
`,
		"fitprob train": `
CLASSIFY:
  X:
    CLASSIFIER: FitProb
    MODE: train
`,
		"missing model": `
CLASSIFY:
  X:
    CLASSIFIER: SuperNNova
    OPTS:
      MODEL: NOWHERE
`,
		"no match": `
CLASSIFY:
  X:
    CLASSIFIER: FitProb
    MASK_SIM: NOTHING
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Build(env, taskstest.Section(t, "CLASSIFY", body), prior)
			if !task.IsConfigError(err) {
				t.Fatalf("expected config error, got %v", err)
			}
		})
	}
}
