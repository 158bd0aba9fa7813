package lcfit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kingrea/batchflow/internal/task"
	"github.com/kingrea/batchflow/internal/tasks/dataprep"
	"github.com/kingrea/batchflow/internal/tasks/taskstest"
)

const baseNamelist = ` &SNLCINP
   VERSION_PHOTOMETRY = 'X'
   KCOR_FILE = 'kcor.fits'
 &END
 &FITINP
   FITMODEL_NAME = 'SALT2.JLA-B14'
 &END
`

const fitDefinition = `
LCFIT:
  D:
    BASE: des.nml
    MASK: DES
    SNLCINP:
      CUTWIN_SNRMAX: 5, 1.0E8
    FITINP:
      FILTLIST_FIT: griz
`

func sources(t *testing.T, env *task.Env) []task.Task {
	t.Helper()
	for _, dir := range []string{"DESRAW", "LOWZRAW"} {
		if err := os.MkdirAll(filepath.Join(env.Config.DataDirs[0], dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	prior, err := dataprep.Build(env, taskstest.Section(t, "DATAPREP", `
DATAPREP:
  DES:
    RAW_DIR: DESRAW
  LOWZ:
    RAW_DIR: LOWZRAW
`), nil)
	if err != nil {
		t.Fatal(err)
	}
	return prior
}

func TestBuildMatchesMask(t *testing.T) {
	env := taskstest.Env(t)
	taskstest.WriteData(t, env, "des.nml", baseNamelist)
	prior := sources(t, env)
	tasks, err := Build(env, taskstest.Section(t, "LCFIT", fitDefinition), prior)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Name() != "D_DES" {
		t.Fatalf("unexpected tasks %v", tasks)
	}
	fit := tasks[0].(*Fit)
	if fit.Source() != prior[0] {
		t.Fatalf("expected DES source")
	}
	if dep, err := task.Dep[task.PhotometrySource](fit); err != nil || dep != prior[0] {
		t.Fatalf("expected single photometry dependency, got %v %v", dep, err)
	}
	if _, err := fit.Prepare(context.Background()); !errors.Is(err, task.ErrNotPublished) {
		t.Fatalf("expected unpublished source error, got %v", err)
	}
}

func TestRenderNamelist(t *testing.T) {
	env := taskstest.Env(t)
	taskstest.WriteData(t, env, "des.nml", baseNamelist)
	prior := sources(t, env)
	taskstest.Complete(t, prior[0], nil)
	tasks, err := Build(env, taskstest.Section(t, "LCFIT", fitDefinition), prior)
	if err != nil {
		t.Fatal(err)
	}
	fit := tasks[0].(*Fit)
	doc, err := fit.Render()
	if err != nil {
		t.Fatal(err)
	}
	want := ` &SNLCINP
  VERSION_PHOTOMETRY = 'DESRAW'
   KCOR_FILE = 'kcor.fits'
  PRIVATE_DATA_PATH = '` + env.Config.DataDirs[0] + `'
  TEXTFILE_PREFIX = 'FITOPT000'
  CUTWIN_SNRMAX = 5, 1.0E8
 &END
 &FITINP
   FITMODEL_NAME = 'SALT2.JLA-B14'
  FILTLIST_FIT = griz
 &END
`
	if doc.String() != want {
		t.Fatalf("unexpected namelist:\n%s", doc.String())
	}

	taskstest.Complete(t, fit, map[string]string{FitresFile: "VARNAMES: CID zHD\n"})
	res, err := fit.Output()
	if err != nil {
		t.Fatal(err)
	}
	if res.Genversion != "DESRAW" || res.FitresFile != fit.Path(FitresFile) {
		t.Fatalf("unexpected result %+v", res)
	}
	script, err := os.ReadFile(fit.Path(task.DefaultScriptName))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(script), "snlc_fit.exe fit.nml") {
		t.Fatalf("unexpected script:\n%s", script)
	}
}

func TestBuildErrors(t *testing.T) {
	env := taskstest.Env(t)
	taskstest.WriteData(t, env, "des.nml", baseNamelist)
	prior := sources(t, env)
	cases := map[string]string{
		"no match": `
LCFIT:
  D:
    BASE: des.nml
    MASK: NOTHING
`,
		"no base": `
LCFIT:
  D:
    MASK: DES
`,
		"unknown option": `
LCFIT:
  D:
    BASE: des.nml
    FITOPTS: x
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Build(env, taskstest.Section(t, "LCFIT", body), prior)
			if !task.IsConfigError(err) {
				t.Fatalf("expected config error, got %v", err)
			}
		})
	}
}
