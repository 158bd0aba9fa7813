package merge

import (
	"context"
	"fmt"

	"github.com/kingrea/batchflow/internal/definition"
	"github.com/kingrea/batchflow/internal/task"
	"github.com/kingrea/batchflow/internal/tasks/aggregate"
	"github.com/kingrea/batchflow/internal/tasks/lcfit"
	"github.com/kingrea/batchflow/internal/tasks/script"
)

const (
	toolName = "combine_fitres"
	// OutputFile is the merged fit table.
	OutputFile = "merged.fitres"
)

// Options is the definition body of a MERGE entry.
type Options struct {
	Mask    string `yaml:"MASK"`
	MaskSim string `yaml:"MASK_SIM"`
	MaskFit string `yaml:"MASK_FIT"`
	MaskAgg string `yaml:"MASK_AGG"`
}

// Result is published once the merged table exists.
type Result struct {
	FitresFile  string
	IDColumn    string
	ProbColumns []string
}

// Merger is one (fit, aggregator) pair.
type Merger struct {
	*task.Base
	env    *task.Env
	fit    *lcfit.Fit
	agg    *aggregate.Aggregator
	output task.Output[Result]
}

// Register installs the MERGE factory.
func Register(reg *task.Registry) {
	reg.MustRegister(task.KindMerge, Build)
}

// Build pairs every matching fit with every matching aggregator that
// descends from the same photometry source.
func Build(env *task.Env, section definition.Section, prior []task.Task) ([]task.Task, error) {
	var out []task.Task
	for _, entry := range section.Entries {
		var opts Options
		if err := entry.Decode(&opts); err != nil {
			return nil, task.Configf(entry.Section, entry.Name, "%v", err)
		}
		mask := task.Contains(opts.Mask)
		var built int
		for _, fit := range task.Select[*lcfit.Fit](prior, mask, task.Contains(opts.MaskFit)) {
			src := fit.Source()
			if !mask.Match(src.Name()) || !task.Contains(opts.MaskSim).Match(src.Name()) {
				continue
			}
			for _, agg := range task.Select[*aggregate.Aggregator](prior, mask, task.Contains(opts.MaskAgg)) {
				if !descends(agg, src) {
					continue
				}
				name := entry.Name + "_" + fit.Name() + "_" + agg.Name()
				m := &Merger{
					Base: task.NewBase(task.KindMerge, name, env.StageDir(task.KindMerge, name), fit, agg),
					env:  env,
					fit:  fit,
					agg:  agg,
				}
				m.AddLogs(m.Path("output.log"))
				out = append(out, m)
				built++
			}
		}
		if built == 0 {
			return nil, task.Configf(entry.Section, entry.Name, "masks matched no (LCFIT, AGGREGATE) pair")
		}
	}
	return out, nil
}

func descends(agg *aggregate.Aggregator, src task.PhotometrySource) bool {
	for _, s := range task.Ancestors[task.PhotometrySource](agg, 0) {
		if s == src {
			return true
		}
	}
	return false
}

// Fit returns the merged fit.
func (m *Merger) Fit() *lcfit.Fit { return m.fit }

// Aggregator returns the merged aggregator.
func (m *Merger) Aggregator() *aggregate.Aggregator { return m.agg }

// Prepare renders the combine job.
func (m *Merger) Prepare(context.Context) (task.Submission, error) {
	fit, err := m.fit.Output()
	if err != nil {
		return task.Submission{}, fmt.Errorf("merge: %s: %w", m.fit.Name(), err)
	}
	agg, err := m.agg.Output()
	if err != nil {
		return task.Submission{}, fmt.Errorf("merge: %s: %w", m.agg.Name(), err)
	}
	tool := m.env.Config.Tool(toolName)
	exe := tool.Executable
	if exe == "" {
		exe = "combine_fitres.exe"
	}
	body, err := script.Render("merge", "cd {{.Dir}}\n{{.Exe}} {{.Fitres}} {{.Merged}} --idcolumn {{.ID}} -outfile_text {{.Out}} > merge.log 2>&1\n", map[string]string{
		"Dir":    m.Dir(),
		"Exe":    exe,
		"Fitres": fit.FitresFile,
		"Merged": agg.MergedFile,
		"ID":     agg.IDColumn,
		"Out":    OutputFile,
	})
	if err != nil {
		return task.Submission{}, err
	}
	content, err := script.Build(script.FromTool(m.JobPrefix(), m.Path("output.log"), tool), tool.CondaEnv, body, m.DoneFile())
	if err != nil {
		return task.Submission{}, err
	}
	return task.Submission{
		Mode:   task.ModeBatch,
		Script: content,
		Inputs: []string{fit.FitresFile, agg.MergedFile},
	}, nil
}

// Artifacts implements task.Task.
func (m *Merger) Artifacts() []string { return []string{m.Path(OutputFile)} }

// Publish implements task.Task.
func (m *Merger) Publish() error {
	agg, err := m.agg.Output()
	if err != nil {
		return err
	}
	m.output.Set(Result{FitresFile: m.Path(OutputFile), IDColumn: "CID", ProbColumns: agg.ProbColumns})
	return nil
}

// Output returns the published result.
func (m *Merger) Output() (Result, error) { return m.output.Get() }
