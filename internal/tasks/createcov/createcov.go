package createcov

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/batchflow/internal/definition"
	"github.com/kingrea/batchflow/internal/task"
	"github.com/kingrea/batchflow/internal/tasks/merge"
	"github.com/kingrea/batchflow/internal/tasks/script"
)

const (
	toolName = "createcov"
	// InputName is the rendered job description.
	InputName = "input.yml"
	// IniDir holds the rendered fitter ini files.
	IniDir = "cosmomc"
	// AllLabel is the covariance option with every systematic.
	AllLabel = "ALL"
	// TemplateDir is searched in data_dirs for <INI>.ini templates.
	TemplateDir = "cosmomc_templates"
)

var covoptPattern = regexp.MustCompile(`^\[([A-Za-z0-9_]+)\]\s*(.*)$`)

// Options is the definition body of a CREATE_COV entry.
type Options struct {
	Mask string `yaml:"MASK"`
	Opts struct {
		CovOpts      []string `yaml:"COVOPTS"`
		IniTemplates []string `yaml:"INI_TEMPLATES"`
	} `yaml:"OPTS"`
}

// CovOpt is one systematic selection.
type CovOpt struct {
	Label  string `yaml:"label"`
	Index  int    `yaml:"index"`
	Option string `yaml:"option,omitempty"`
}

// Result is published once the ini files exist.
type Result struct {
	IniDir  string
	CovOpts map[string]int
	Labels  []string
}

// CreateCov is one CREATE_COV entry over the matching merges.
type CreateCov struct {
	*task.Base
	env       *task.Env
	covopts   []CovOpt
	templates map[string]string
	order     []string
	output    task.Output[Result]
}

// Register installs the CREATE_COV factory.
func Register(reg *task.Registry) {
	reg.MustRegister(task.KindCreateCov, Build)
}

// Build creates one task per entry.
func Build(env *task.Env, section definition.Section, prior []task.Task) ([]task.Task, error) {
	var out []task.Task
	for _, entry := range section.Entries {
		cov, err := New(env, entry, prior)
		if err != nil {
			return nil, err
		}
		out = append(out, cov)
	}
	return out, nil
}

// New validates entry and builds its task.
func New(env *task.Env, entry definition.Entry, prior []task.Task) (*CreateCov, error) {
	fail := func(format string, args ...any) error {
		return task.Configf(entry.Section, entry.Name, format, args...)
	}
	var opts Options
	if err := entry.Decode(&opts); err != nil {
		return nil, fail("%v", err)
	}
	merges := task.Select[*merge.Merger](prior, task.Contains(opts.Mask))
	if len(merges) == 0 {
		return nil, fail("MASK %q matched no merge task", opts.Mask)
	}
	deps := make([]task.Task, len(merges))
	for i, m := range merges {
		deps[i] = m
	}
	c := &CreateCov{
		Base:      task.NewBase(task.KindCreateCov, entry.Name, env.StageDir(task.KindCreateCov, entry.Name), deps...),
		env:       env,
		covopts:   []CovOpt{{Label: AllLabel, Index: 0}},
		templates: map[string]string{},
	}
	for i, raw := range opts.Opts.CovOpts {
		m := covoptPattern.FindStringSubmatch(strings.TrimSpace(raw))
		if m == nil {
			return nil, fail("COVOPTS entry %q must look like [LABEL] options", raw)
		}
		for _, existing := range c.covopts {
			if existing.Label == m[1] {
				return nil, fail("duplicate COVOPTS label %s", m[1])
			}
		}
		c.covopts = append(c.covopts, CovOpt{Label: m[1], Index: i + 1, Option: m[2]})
	}
	if len(opts.Opts.IniTemplates) == 0 {
		return nil, fail("OPTS.INI_TEMPLATES is required")
	}
	for _, name := range opts.Opts.IniTemplates {
		path, err := env.Config.ResolveData(filepath.Join(TemplateDir, name+".ini"))
		if err != nil {
			return nil, fail("ini template %s: %v", name, err)
		}
		if _, dup := c.templates[name]; !dup {
			c.order = append(c.order, name)
		}
		c.templates[name] = path
	}
	c.AddLogs(c.Path("output.log"))
	return c, nil
}

// CovOpts lists the configured options, ALL first. They are known at
// construction so downstream fits can be validated before any job runs.
func (c *CreateCov) CovOpts() []CovOpt { return append([]CovOpt(nil), c.covopts...) }

// CovOpt looks up an option by label.
func (c *CreateCov) CovOpt(label string) (CovOpt, bool) {
	for _, o := range c.covopts {
		if o.Label == label {
			return o, true
		}
	}
	return CovOpt{}, false
}

// HasTemplate reports whether ini files are rendered for template.
func (c *CreateCov) HasTemplate(name string) bool {
	_, ok := c.templates[name]
	return ok
}

// IniFile is the base name of the ini rendered for template and option.
func IniFile(template string, index int) string {
	return fmt.Sprintf("%s_%d.ini", template, index)
}

type jobInput struct {
	Name      string            `yaml:"name"`
	Fitres    []string          `yaml:"fitres"`
	IniDir    string            `yaml:"ini_dir"`
	Templates map[string]string `yaml:"templates"`
	CovOpts   []CovOpt          `yaml:"covopts"`
}

// Prepare renders the job description and the covariance job.
func (c *CreateCov) Prepare(context.Context) (task.Submission, error) {
	in := jobInput{Name: c.Name(), IniDir: c.Path(IniDir), Templates: c.templates, CovOpts: c.covopts}
	for _, m := range task.Deps[*merge.Merger](c) {
		res, err := m.Output()
		if err != nil {
			return task.Submission{}, fmt.Errorf("createcov: %s: %w", m.Name(), err)
		}
		in.Fitres = append(in.Fitres, res.FitresFile)
	}
	data, err := yaml.Marshal(in)
	if err != nil {
		return task.Submission{}, fmt.Errorf("createcov: encode input: %w", err)
	}
	tool := c.env.Config.Tool(toolName)
	body, err := script.Render("createcov", "cd {{.Location}}\nmkdir -p {{.IniDir}}\npython create_covariance.py {{.Input}}\n", map[string]string{
		"Location": tool.Location,
		"IniDir":   in.IniDir,
		"Input":    c.Path(InputName),
	})
	if err != nil {
		return task.Submission{}, err
	}
	content, err := script.Build(script.FromTool(c.JobPrefix(), c.Path("output.log"), tool), tool.CondaEnv, body, c.DoneFile())
	if err != nil {
		return task.Submission{}, err
	}
	inputs := append([]string(nil), in.Fitres...)
	for _, name := range c.order {
		inputs = append(inputs, c.templates[name])
	}
	return task.Submission{
		Mode:   task.ModeBatch,
		Script: content,
		Files:  map[string]string{InputName: string(data)},
		Inputs: inputs,
	}, nil
}

// Artifacts lists every ini file the job must render.
func (c *CreateCov) Artifacts() []string {
	var out []string
	for _, name := range c.order {
		for _, o := range c.covopts {
			out = append(out, c.Path(IniDir, IniFile(name, o.Index)))
		}
	}
	return out
}

// Publish implements task.Task.
func (c *CreateCov) Publish() error {
	res := Result{IniDir: c.Path(IniDir), CovOpts: make(map[string]int, len(c.covopts))}
	for _, o := range c.covopts {
		res.CovOpts[o.Label] = o.Index
		res.Labels = append(res.Labels, o.Label)
	}
	c.output.Set(res)
	return nil
}

// Output returns the published result.
func (c *CreateCov) Output() (Result, error) { return c.output.Get() }
