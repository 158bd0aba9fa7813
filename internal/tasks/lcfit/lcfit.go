package lcfit

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kingrea/batchflow/internal/definition"
	"github.com/kingrea/batchflow/internal/lineedit"
	"github.com/kingrea/batchflow/internal/task"
	"github.com/kingrea/batchflow/internal/tasks/script"
)

const (
	toolName = "snlcfit"
	// InputName is the rendered namelist inside the task directory.
	InputName = "fit.nml"
	// TextPrefix names the fitres outputs.
	TextPrefix = "FITOPT000"
	// FitresFile is the fitted parameter table written by the fitter.
	FitresFile = TextPrefix + ".FITRES.TEXT"
)

// Result is published once the fit finished.
type Result struct {
	Genversion string
	FitresDir  string
	FitresFile string
}

type override struct {
	namelist string
	key      string
	values   []string
}

// Fit is one (fit entry, photometry source) pair.
type Fit struct {
	*task.Base
	env       *task.Env
	entry     string
	namelist  string
	source    task.PhotometrySource
	overrides []override
	output    task.Output[Result]
}

// Register installs the LCFIT factory.
func Register(reg *task.Registry) {
	reg.MustRegister(task.KindLCFit, Build)
}

// Build fits each matching photometry source for every entry.
func Build(env *task.Env, section definition.Section, prior []task.Task) ([]task.Task, error) {
	var out []task.Task
	for _, entry := range section.Entries {
		fits, err := buildEntry(env, entry, prior)
		if err != nil {
			return nil, err
		}
		out = append(out, fits...)
	}
	return out, nil
}

func buildEntry(env *task.Env, entry definition.Entry, prior []task.Task) ([]task.Task, error) {
	fail := func(format string, args ...any) error {
		return task.Configf(entry.Section, entry.Name, format, args...)
	}
	fields, err := entry.Fields()
	if err != nil {
		return nil, fail("%v", err)
	}
	var (
		base, mask string
		overrides  []override
	)
	for _, f := range fields {
		switch key := strings.ToUpper(f.Key); key {
		case "BASE":
			if base, err = f.Value(); err != nil {
				return nil, fail("%v", err)
			}
		case "MASK":
			if mask, err = f.Value(); err != nil {
				return nil, fail("%v", err)
			}
		case "SNLCINP", "FITINP":
			sub, err := f.Fields()
			if err != nil {
				return nil, fail("%v", err)
			}
			for _, s := range sub {
				values, err := s.Strings()
				if err != nil {
					return nil, fail("%v", err)
				}
				overrides = append(overrides, override{namelist: key, key: strings.ToUpper(s.Key), values: values})
			}
		default:
			return nil, fail("unknown option %s", f.Key)
		}
	}
	if base == "" {
		return nil, fail("BASE namelist is required")
	}
	resolved, err := env.Config.ResolveData(base)
	if err != nil {
		return nil, fail("BASE: %v", err)
	}

	sources := task.Select[task.PhotometrySource](prior, task.Contains(mask))
	if len(sources) == 0 {
		return nil, fail("MASK %q matched no simulation or data prep task", mask)
	}
	out := make([]task.Task, 0, len(sources))
	for _, src := range sources {
		name := entry.Name + "_" + src.Name()
		fit := &Fit{
			Base:      task.NewBase(task.KindLCFit, name, env.StageDir(task.KindLCFit, name), src),
			env:       env,
			entry:     entry.Name,
			namelist:  resolved,
			source:    src,
			overrides: overrides,
		}
		fit.AddLogs(fit.Path("fit.log"), fit.Path("output.log"))
		out = append(out, fit)
	}
	return out, nil
}

// Entry returns the definition entry the fit was built from.
func (f *Fit) Entry() string { return f.entry }

// Source returns the fitted photometry source.
func (f *Fit) Source() task.PhotometrySource { return f.source }

// Render builds the namelist for the published photometry.
func (f *Fit) Render() (*lineedit.Document, error) {
	phot, err := f.source.Photometry()
	if err != nil {
		return nil, fmt.Errorf("lcfit: %s photometry: %w", f.source.Name(), err)
	}
	if len(phot.Dirs) == 0 {
		return nil, fmt.Errorf("lcfit: %s published no photometry dirs", f.source.Name())
	}
	doc, err := lineedit.Load(f.namelist, lineedit.Namelist)
	if err != nil {
		return nil, err
	}
	versions := make([]string, len(phot.Dirs))
	for i, dir := range phot.Dirs {
		versions[i] = quote(filepath.Base(dir))
	}
	snlc := lineedit.InSection("&SNLCINP", "&END")
	doc.SetUnique("PRIVATE_DATA_PATH", quote(filepath.Dir(phot.Dirs[0])), snlc)
	doc.SetUnique("VERSION_PHOTOMETRY", strings.Join(versions, ","), snlc)
	doc.SetUnique("TEXTFILE_PREFIX", quote(TextPrefix), snlc)
	for _, o := range f.overrides {
		doc.SetUnique(o.key, strings.Join(o.values, ","), lineedit.InSection("&"+o.namelist, "&END"))
	}
	return doc, nil
}

func quote(v string) string { return "'" + v + "'" }

// Prepare renders the namelist and the fitter job.
func (f *Fit) Prepare(context.Context) (task.Submission, error) {
	doc, err := f.Render()
	if err != nil {
		return task.Submission{}, err
	}
	tool := f.env.Config.Tool(toolName)
	exe := tool.Executable
	if exe == "" {
		exe = "snlc_fit.exe"
	}
	body, err := script.Render("lcfit", "cd {{.Dir}}\n{{.Exe}} {{.Input}} > fit.log 2>&1\n", map[string]string{
		"Dir":   f.Dir(),
		"Exe":   exe,
		"Input": InputName,
	})
	if err != nil {
		return task.Submission{}, err
	}
	content, err := script.Build(script.FromTool(f.JobPrefix(), f.Path("output.log"), tool), tool.CondaEnv, body, f.DoneFile())
	if err != nil {
		return task.Submission{}, err
	}
	return task.Submission{
		Mode:   task.ModeBatch,
		Script: content,
		Files:  map[string]string{InputName: doc.String()},
	}, nil
}

// Artifacts implements task.Task.
func (f *Fit) Artifacts() []string { return []string{f.Path(FitresFile)} }

// Publish implements task.Task.
func (f *Fit) Publish() error {
	phot, err := f.source.Photometry()
	if err != nil {
		return err
	}
	f.output.Set(Result{Genversion: phot.Genversion, FitresDir: f.Dir(), FitresFile: f.Path(FitresFile)})
	return nil
}

// Output returns the published result.
func (f *Fit) Output() (Result, error) { return f.output.Get() }
