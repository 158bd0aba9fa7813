package aggregate

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kingrea/batchflow/internal/definition"
	"github.com/kingrea/batchflow/internal/task"
	"github.com/kingrea/batchflow/internal/tasks/classify"
	"github.com/kingrea/batchflow/internal/tasks/lcfit"
	"github.com/kingrea/batchflow/internal/tasks/simulation"
)

const (
	// MergedFile is the joined predictions table.
	MergedFile = "merged.csv"
	IDColumn   = "SNID"
	TypeColumn = "SNTYPE"

	// ancestorDepth reaches sims through fits and trained models.
	ancestorDepth = 4
)

// Options is the definition body of an AGGREGATE entry.
type Options struct {
	Mask string `yaml:"MASK"`
	Opts struct {
		IncludeType bool `yaml:"INCLUDE_TYPE"`
	} `yaml:"OPTS"`
}

// Result is published once the merged table is written.
type Result struct {
	MergedFile  string
	IDColumn    string
	TypeColumn  string
	ProbColumns []string
}

// Aggregator merges the predictions of its classifier dependencies.
type Aggregator struct {
	*task.Base
	env         *task.Env
	includeType bool
	output      task.Output[Result]
}

// Register installs the AGGREGATE factory.
func Register(reg *task.Registry) {
	reg.MustRegister(task.KindAggregate, Build)
}

// Build creates one aggregator per entry over the predict classifiers
// matching MASK.
func Build(env *task.Env, section definition.Section, prior []task.Task) ([]task.Task, error) {
	var out []task.Task
	for _, entry := range section.Entries {
		var opts Options
		if err := entry.Decode(&opts); err != nil {
			return nil, task.Configf(entry.Section, entry.Name, "%v", err)
		}
		var deps []task.Task
		for _, c := range task.Select[*classify.Classifier](prior, task.Contains(opts.Mask)) {
			if c.Mode() == classify.Predict {
				deps = append(deps, c)
			}
		}
		if len(deps) == 0 {
			return nil, task.Configf(entry.Section, entry.Name, "MASK %q matched no predicting classifier", opts.Mask)
		}
		agg := &Aggregator{
			Base:        task.NewBase(task.KindAggregate, entry.Name, env.StageDir(task.KindAggregate, entry.Name), deps...),
			env:         env,
			includeType: opts.Opts.IncludeType,
		}
		out = append(out, agg)
	}
	return out, nil
}

// Classifiers returns the merged classifiers in dependency order.
func (a *Aggregator) Classifiers() []*classify.Classifier {
	return task.Deps[*classify.Classifier](a)
}

// Simulations returns the distinct simulations upstream of the classifiers.
func (a *Aggregator) Simulations() []*simulation.Simulation {
	return task.Ancestors[*simulation.Simulation](a, ancestorDepth)
}

// Fits returns the distinct fits upstream of the classifiers.
func (a *Aggregator) Fits() []*lcfit.Fit {
	return task.Ancestors[*lcfit.Fit](a, ancestorDepth)
}

// Prepare describes the join. The merge runs in process.
func (a *Aggregator) Prepare(context.Context) (task.Submission, error) {
	var predictions []string
	for _, c := range a.Classifiers() {
		res, err := c.Output()
		if err != nil {
			return task.Submission{}, fmt.Errorf("aggregate: %s: %w", c.Name(), err)
		}
		predictions = append(predictions, res.PredictionsFile)
	}
	var dumps []string
	if a.includeType {
		sims := a.Simulations()
		if len(sims) == 0 {
			return task.Submission{}, fmt.Errorf("aggregate: INCLUDE_TYPE set but no simulation upstream of %s", a.Name())
		}
		for _, s := range sims {
			phot, err := s.Photometry()
			if err != nil {
				return task.Submission{}, fmt.Errorf("aggregate: %s: %w", s.Name(), err)
			}
			for _, dir := range phot.Dirs {
				found, err := filepath.Glob(filepath.Join(dir, "*.DUMP"))
				if err != nil {
					return task.Submission{}, err
				}
				dumps = append(dumps, found...)
			}
		}
		sort.Strings(dumps)
	}

	desc := fmt.Sprintf("aggregate %s include_type=%t\n%s\n", a.Name(), a.includeType, strings.Join(predictions, "\n"))
	inputs := append(append([]string(nil), predictions...), dumps...)
	return task.Submission{
		Mode:   task.ModeLocal,
		Script: desc,
		Inputs: inputs,
		Local: func(context.Context) error {
			return a.merge(predictions, dumps)
		},
	}, nil
}

func (a *Aggregator) merge(predictions, dumps []string) error {
	var merged *table
	for _, path := range predictions {
		tbl, err := readCSV(path)
		if err != nil {
			return err
		}
		if merged == nil {
			merged = tbl
			continue
		}
		merged = merged.join(tbl)
	}
	if a.includeType {
		types, err := readTypes(dumps)
		if err != nil {
			return err
		}
		merged = merged.join(types)
	}
	a.env.Logger.Info().Str("task", a.Name()).Int("rows", len(merged.rows)).Strs("columns", merged.header).Msg("merged predictions")
	return merged.write(a.Path(MergedFile))
}

// Artifacts implements task.Task.
func (a *Aggregator) Artifacts() []string { return []string{a.Path(MergedFile)} }

// Publish implements task.Task.
func (a *Aggregator) Publish() error {
	res := Result{MergedFile: a.Path(MergedFile), IDColumn: IDColumn}
	if a.includeType {
		res.TypeColumn = TypeColumn
	}
	for _, c := range a.Classifiers() {
		res.ProbColumns = append(res.ProbColumns, c.ProbColumn())
	}
	a.output.Set(res)
	return nil
}

// Output returns the published result.
func (a *Aggregator) Output() (Result, error) { return a.output.Get() }

// table is keyed by its first column.
type table struct {
	header []string
	rows   [][]string
}

func readCSV(path string) (*table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("aggregate: open %s: %w", path, err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("aggregate: read %s: %w", path, err)
	}
	if len(records) == 0 || len(records[0]) == 0 {
		return nil, fmt.Errorf("aggregate: %s is empty", path)
	}
	header := append([]string(nil), records[0]...)
	header[0] = IDColumn
	return &table{header: header, rows: records[1:]}, nil
}

func readTypes(dumps []string) (*table, error) {
	out := &table{header: []string{IDColumn, TypeColumn}}
	for _, path := range dumps {
		tbl, err := lcfit.ReadTable(path)
		if err != nil {
			return nil, err
		}
		id := tbl.Column("CID")
		kind := tbl.Column("GENTYPE")
		if kind < 0 {
			kind = tbl.Column(TypeColumn)
		}
		if id < 0 || kind < 0 {
			return nil, fmt.Errorf("aggregate: %s lacks CID or GENTYPE columns", path)
		}
		for _, row := range tbl.Rows {
			out.rows = append(out.rows, []string{row[id], row[kind]})
		}
	}
	return out, nil
}

// join is an inner join on the first column, keeping t's row order.
func (t *table) join(other *table) *table {
	index := make(map[string][]string, len(other.rows))
	for _, row := range other.rows {
		if _, dup := index[row[0]]; !dup {
			index[row[0]] = row[1:]
		}
	}
	out := &table{header: append(append([]string(nil), t.header...), other.header[1:]...)}
	for _, row := range t.rows {
		extra, ok := index[row[0]]
		if !ok {
			continue
		}
		out.rows = append(out.rows, append(append([]string(nil), row...), extra...))
	}
	return out
}

func (t *table) write(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("aggregate: create %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(t.header); err != nil {
		f.Close()
		return err
	}
	if err := w.WriteAll(t.rows); err != nil {
		f.Close()
		return fmt.Errorf("aggregate: write %s: %w", path, err)
	}
	return f.Close()
}
