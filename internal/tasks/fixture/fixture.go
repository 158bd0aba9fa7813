// Package fixture builds a completed SIM to AGGREGATE chain for the tests
// of the later stages.
package fixture

import (
	"path/filepath"
	"testing"

	"github.com/kingrea/batchflow/internal/task"
	"github.com/kingrea/batchflow/internal/tasks/aggregate"
	"github.com/kingrea/batchflow/internal/tasks/classify"
	"github.com/kingrea/batchflow/internal/tasks/lcfit"
	"github.com/kingrea/batchflow/internal/tasks/simulation"
	"github.com/kingrea/batchflow/internal/tasks/taskstest"
)

// Fitres is the fit table written for the chain's fit.
const Fitres = "VARNAMES: CID zHD FITPROB\nSN: 1 0.1 0.9\nSN: 2 0.2 0.05\n"

// Chain is one successful task of each early stage.
type Chain struct {
	Sim        *simulation.Simulation
	Fit        *lcfit.Fit
	Classifier *classify.Classifier
	Agg        *aggregate.Aggregator
	// Tasks lists every task in construction order.
	Tasks []task.Task
}

// Completed builds SIM EXAMPLE -> LCFIT D -> CLASSIFY FP -> AGGREGATE AGG
// and drives each to success.
func Completed(t testing.TB, env *task.Env) Chain {
	t.Helper()
	taskstest.WriteData(t, env, simulation.DefaultCombine, "GENVERSION: X\nENDLIST_GENVERSION\n")
	taskstest.WriteData(t, env, "ia.input", "GENTYPE: 1\nGENMODEL: SALT2\n")
	taskstest.WriteData(t, env, "des.nml", " &SNLCINP\n &END\n")

	var c Chain
	sims, err := simulation.Build(env, taskstest.Section(t, "SIM", "SIM:\n  EXAMPLE:\n    IA:\n      BASE: ia.input\n"), nil)
	if err != nil {
		t.Fatal(err)
	}
	c.Sim = sims[0].(*simulation.Simulation)
	taskstest.WriteFile(t, filepath.Join(c.Sim.SimFolders()[0], c.Sim.Genversion()+".DUMP"), "VARNAMES: CID GENTYPE\nSN: 1 101\nSN: 2 20\n")
	taskstest.Complete(t, c.Sim, nil)
	c.Tasks = append(c.Tasks, sims...)

	fits, err := lcfit.Build(env, taskstest.Section(t, "LCFIT", "LCFIT:\n  D:\n    BASE: des.nml\n"), c.Tasks)
	if err != nil {
		t.Fatal(err)
	}
	c.Fit = fits[0].(*lcfit.Fit)
	taskstest.Complete(t, c.Fit, map[string]string{lcfit.FitresFile: Fitres})
	c.Tasks = append(c.Tasks, fits...)

	classifiers, err := classify.Build(env, taskstest.Section(t, "CLASSIFY", "CLASSIFY:\n  FP:\n    CLASSIFIER: FitProb\n"), c.Tasks)
	if err != nil {
		t.Fatal(err)
	}
	c.Classifier = classifiers[0].(*classify.Classifier)
	taskstest.Complete(t, c.Classifier, nil)
	c.Tasks = append(c.Tasks, classifiers...)

	aggs, err := aggregate.Build(env, taskstest.Section(t, "AGGREGATE", "AGGREGATE:\n  AGG: {}\n"), c.Tasks)
	if err != nil {
		t.Fatal(err)
	}
	c.Agg = aggs[0].(*aggregate.Aggregator)
	taskstest.Complete(t, c.Agg, nil)
	c.Tasks = append(c.Tasks, aggs...)
	return c
}
