package dataprep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kingrea/batchflow/internal/definition"
	"github.com/kingrea/batchflow/internal/task"
	"github.com/kingrea/batchflow/internal/tasks/script"
)

const (
	toolName = "dataskimmer"
	// TypesFile is written by the skimmer into the dump directory.
	TypesFile = "sntypes.json"
)

// Options is the definition body of one DATAPREP entry.
type Options struct {
	RawDir   string `yaml:"RAW_DIR"`
	FitsFile string `yaml:"FITS_FILE"`
	DumpDir  string `yaml:"DUMP_DIR"`
}

// Result is published once the skimmer finished.
type Result struct {
	task.Photometry
	SkimmedDir string
}

// Task prepares one observed data set.
type Task struct {
	*task.Base
	env     *task.Env
	rawDir  string
	fits    string
	dumpDir string
	output  task.Output[Result]
}

// Register installs the DATAPREP factory.
func Register(reg *task.Registry) {
	reg.MustRegister(task.KindDataPrep, Build)
}

// Build creates one task per entry.
func Build(env *task.Env, section definition.Section, _ []task.Task) ([]task.Task, error) {
	var out []task.Task
	for _, entry := range section.Entries {
		tk, err := New(env, entry)
		if err != nil {
			return nil, err
		}
		out = append(out, tk)
	}
	return out, nil
}

// New validates entry and builds its task.
func New(env *task.Env, entry definition.Entry) (*Task, error) {
	var opts Options
	if err := entry.Decode(&opts); err != nil {
		return nil, task.Configf(entry.Section, entry.Name, "%v", err)
	}
	if strings.TrimSpace(opts.RawDir) == "" {
		return nil, task.Configf(entry.Section, entry.Name, "RAW_DIR is required, point it at some photometry")
	}
	raw, err := env.Config.ResolveData(opts.RawDir)
	if err != nil {
		return nil, task.Configf(entry.Section, entry.Name, "RAW_DIR: %v", err)
	}
	tk := &Task{
		Base:   task.NewBase(task.KindDataPrep, entry.Name, env.StageDir(task.KindDataPrep, entry.Name)),
		env:    env,
		rawDir: raw,
	}
	if opts.FitsFile != "" {
		fits, err := env.Config.ResolveData(opts.FitsFile)
		if err != nil {
			return nil, task.Configf(entry.Section, entry.Name, "FITS_FILE: %v", err)
		}
		tk.fits = fits
	}
	tk.dumpDir = tk.Dir()
	if opts.DumpDir != "" {
		tk.dumpDir = env.Config.ResolveOutput(opts.DumpDir)
	}
	tk.AddLogs(tk.Path("output.log"))
	return tk, nil
}

// Genversion names the data set after its raw directory.
func (t *Task) Genversion() string { return filepath.Base(t.rawDir) }

// Prepare renders the skimmer job.
func (t *Task) Prepare(context.Context) (task.Submission, error) {
	tool := t.env.Config.Tool(toolName)
	args := []string{"--raw_dir", t.rawDir}
	if t.fits != "" {
		args = append(args, "--fits_file", t.fits)
	}
	args = append(args, "--dump_dir", t.dumpDir, "--done_file", t.DoneFile(), "--cut_version", t.Genversion())

	body, err := script.Render("dataprep", "cd {{.Location}}\npython skim_data_lcs.py {{join .Args \" \"}}\n", map[string]any{
		"Location": tool.Location,
		"Args":     args,
	})
	if err != nil {
		return task.Submission{}, err
	}
	res := script.FromTool(t.JobPrefix(), t.Path("output.log"), tool)
	content, err := script.Build(res, tool.CondaEnv, body, "")
	if err != nil {
		return task.Submission{}, err
	}
	sub := task.Submission{Mode: task.ModeBatch, Script: content}
	if t.fits != "" {
		sub.Inputs = []string{t.fits}
	}
	return sub, nil
}

// Artifacts implements task.Task. The skimmer writes only its marker.
func (t *Task) Artifacts() []string { return nil }

// Publish reads the type table written by the skimmer.
func (t *Task) Publish() error {
	types, ia, nonIa, err := loadTypes(filepath.Join(t.dumpDir, TypesFile))
	if err != nil {
		return err
	}
	if types == nil {
		t.env.Logger.Warn().Str("task", t.Name()).Str("file", filepath.Join(t.dumpDir, TypesFile)).Msg("no type table found")
	}
	t.output.Set(Result{
		Photometry: task.Photometry{
			Genversion: t.Genversion(),
			Dirs:       []string{t.rawDir},
			Types:      types,
			IaTypes:    ia,
			NonIaTypes: nonIa,
		},
		SkimmedDir: filepath.Join(t.Dir(), t.Genversion()),
	})
	return nil
}

// Output returns the published result.
func (t *Task) Output() (Result, error) { return t.output.Get() }

// Photometry implements task.PhotometrySource.
func (t *Task) Photometry() (task.Photometry, error) {
	res, err := t.output.Get()
	return res.Photometry, err
}

// loadTypes parses [[code, label], ...]. A missing file yields nil maps.
func loadTypes(path string) (map[int]string, []int, []int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil, nil
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dataprep: read types: %w", err)
	}
	var pairs [][2]json.RawMessage
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, nil, nil, fmt.Errorf("dataprep: parse %s: %w", path, err)
	}
	types := make(map[int]string, len(pairs))
	var ia, nonIa []int
	for _, pair := range pairs {
		var code int
		var label string
		if err := json.Unmarshal(pair[0], &code); err != nil {
			return nil, nil, nil, fmt.Errorf("dataprep: type code %s: %w", pair[0], err)
		}
		if err := json.Unmarshal(pair[1], &label); err != nil {
			return nil, nil, nil, fmt.Errorf("dataprep: type label %s: %w", pair[1], err)
		}
		types[code] = label
		if strings.EqualFold(label, "ia") {
			ia = append(ia, code)
		} else {
			nonIa = append(nonIa, code)
		}
	}
	sort.Ints(ia)
	sort.Ints(nonIa)
	return types, ia, nonIa, nil
}
