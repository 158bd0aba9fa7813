package cosmofit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kingrea/batchflow/internal/definition"
	"github.com/kingrea/batchflow/internal/task"
	"github.com/kingrea/batchflow/internal/tasks/createcov"
	"github.com/kingrea/batchflow/internal/tasks/script"
)

const (
	toolName       = "cosmomc"
	chainDir       = "chains"
	defaultWalkers = 4
)

// cosmologyParams maps the trailing INI token to the sampled parameters.
var cosmologyParams = map[string][]string{
	"omw":  {"omegam", "w"},
	"omol": {"omegam", "omegal"},
	"wnu":  {"w", "nu"},
	"wwa":  {"w", "wa"},
}

// Options is the definition body of a COSMOMC entry.
type Options struct {
	MaskCreateCov string `yaml:"MASK_CREATE_COV"`
	Opts          struct {
		Ini        string   `yaml:"INI"`
		CovOpts    []string `yaml:"COVOPTS"`
		NumWalkers int      `yaml:"NUM_WALKERS"`
	} `yaml:"OPTS"`
}

// Result is published once every subjob finished with its chains.
type Result struct {
	ChainDir        string
	Labels          []string
	BaseFiles       map[string]string
	ParamFiles      map[string]string
	ChainFiles      map[string][]string
	CosmologyParams []string
}

// Fit is one COSMOMC entry.
type Fit struct {
	*task.Base
	env     *task.Env
	cov     *createcov.CreateCov
	ini     string
	walkers int
	covopts []createcov.CovOpt
	params  []string
	output  task.Output[Result]
}

// Register installs the COSMOMC factory.
func Register(reg *task.Registry) {
	reg.MustRegister(task.KindCosmoFit, Build)
}

// Build creates one fit per entry.
func Build(env *task.Env, section definition.Section, prior []task.Task) ([]task.Task, error) {
	var out []task.Task
	for _, entry := range section.Entries {
		f, err := New(env, entry, prior)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// New validates entry against the single covariance task it depends on.
func New(env *task.Env, entry definition.Entry, prior []task.Task) (*Fit, error) {
	fail := func(format string, args ...any) error {
		return task.Configf(entry.Section, entry.Name, format, args...)
	}
	var opts Options
	if err := entry.Decode(&opts); err != nil {
		return nil, fail("%v", err)
	}
	f := &Fit{
		Base:    task.NewBase(task.KindCosmoFit, entry.Name, env.StageDir(task.KindCosmoFit, entry.Name)),
		env:     env,
		ini:     strings.TrimSpace(opts.Opts.Ini),
		walkers: opts.Opts.NumWalkers,
	}
	for _, c := range task.Select[*createcov.CreateCov](prior, task.Contains(opts.MaskCreateCov)) {
		f.AddDependency(c)
	}
	cov, err := task.Dep[*createcov.CreateCov](f)
	if err != nil {
		return nil, err
	}
	f.cov = cov

	if f.ini == "" {
		return nil, fail("OPTS.INI is required")
	}
	if !cov.HasTemplate(f.ini) {
		return nil, fail("INI %s is not rendered by %s", f.ini, cov.Name())
	}
	parts := strings.Split(f.ini, "_")
	params, ok := cosmologyParams[parts[len(parts)-1]]
	if !ok {
		return nil, fail("INI %s does not end in a known parameter set (omw, omol, wnu, wwa)", f.ini)
	}
	f.params = params
	if f.walkers == 0 {
		f.walkers = defaultWalkers
	}
	if f.walkers < 0 {
		return nil, fail("NUM_WALKERS must be positive")
	}
	if len(opts.Opts.CovOpts) == 0 {
		f.covopts = cov.CovOpts()
	}
	for _, label := range opts.Opts.CovOpts {
		o, ok := cov.CovOpt(label)
		if !ok {
			return nil, fail("COVOPTS %s is not defined by %s", label, cov.Name())
		}
		f.covopts = append(f.covopts, o)
	}
	f.SetJobCount(len(f.covopts) * f.walkers)
	f.AddLogs(f.Path("output.log"))
	return f, nil
}

// CovOpts returns the sampled covariance options in subjob order.
func (f *Fit) CovOpts() []createcov.CovOpt { return append([]createcov.CovOpt(nil), f.covopts...) }

func (f *Fit) iniFiles() []string {
	out := make([]string, len(f.covopts))
	for i, o := range f.covopts {
		out[i] = createcov.IniFile(f.ini, o.Index)
	}
	return out
}

func (f *Fit) doneFiles() []string {
	out := make([]string, len(f.covopts))
	for i, o := range f.covopts {
		out[i] = fmt.Sprintf("done_%d.txt", o.Index)
	}
	return out
}

// SubjobMarkers implements task.Arrayed.
func (f *Fit) SubjobMarkers() []string {
	done := f.doneFiles()
	for i, name := range done {
		done[i] = f.Path(name)
	}
	return done
}

const body = `export OMP_NUM_THREADS=$SLURM_CPUS_PER_TASK

PARAMS=$(expr ${SLURM_ARRAY_TASK_ID} - 1)
INI_FILES=({{join .Inis " "}})
DONE_FILES=({{join .Done " "}})

cd {{.Dir}}
mkdir -p {{.Chains}}
mpirun {{.Location}}/cosmomc ${INI_FILES[$PARAMS]}

if [ $? -eq 0 ]; then
    echo SUCCESS > ${DONE_FILES[$PARAMS]}
else
    echo FAILURE > ${DONE_FILES[$PARAMS]}
fi
`

// Prepare renders one ini per covariance option from the covariance task
// output and the array job running them.
func (f *Fit) Prepare(context.Context) (task.Submission, error) {
	cov, err := f.cov.Output()
	if err != nil {
		return task.Submission{}, fmt.Errorf("cosmofit: %s: %w", f.cov.Name(), err)
	}
	tool := f.env.Config.Tool(toolName)
	replacer := strings.NewReplacer(
		"{path_to_cosmomc}", tool.Location,
		"{ini_dir}", cov.IniDir,
		"{root_dir}", f.Path(chainDir),
	)
	files := make(map[string]string, len(f.covopts))
	for _, name := range f.iniFiles() {
		data, err := os.ReadFile(filepath.Join(cov.IniDir, name))
		if err != nil {
			return task.Submission{}, fmt.Errorf("cosmofit: ini %s: %w", name, err)
		}
		files[name] = replacer.Replace(string(data))
	}

	rendered, err := script.Render("cosmomc", body, map[string]any{
		"Inis":     f.iniFiles(),
		"Done":     f.doneFiles(),
		"Dir":      f.Dir(),
		"Chains":   chainDir,
		"Location": tool.Location,
	})
	if err != nil {
		return task.Submission{}, err
	}
	res := script.FromTool(f.JobPrefix(), f.Path("output.log"), tool)
	res.NTasks = f.walkers
	res.CPUs = 1
	res.Array = fmt.Sprintf("1-%d", len(f.covopts))
	content, err := script.Build(res, "", rendered, "")
	if err != nil {
		return task.Submission{}, err
	}
	return task.Submission{Mode: task.ModeBatch, Script: content, Files: files}, nil
}

func (f *Fit) chainBase(o createcov.CovOpt) string {
	return f.Path(chainDir, strings.TrimSuffix(createcov.IniFile(f.ini, o.Index), ".ini"))
}

// Artifacts lists every chain and paramnames file.
func (f *Fit) Artifacts() []string {
	var out []string
	for _, o := range f.covopts {
		base := f.chainBase(o)
		out = append(out, base+".paramnames")
		for w := 1; w <= f.walkers; w++ {
			out = append(out, fmt.Sprintf("%s_%d.txt", base, w))
		}
	}
	return out
}

// Publish implements task.Task.
func (f *Fit) Publish() error {
	res := Result{
		ChainDir:        f.Path(chainDir),
		BaseFiles:       map[string]string{},
		ParamFiles:      map[string]string{},
		ChainFiles:      map[string][]string{},
		CosmologyParams: append([]string(nil), f.params...),
	}
	for _, o := range f.covopts {
		label := f.Name() + "_" + o.Label
		base := f.chainBase(o)
		res.Labels = append(res.Labels, label)
		res.BaseFiles[label] = base
		res.ParamFiles[label] = base + ".paramnames"
		for w := 1; w <= f.walkers; w++ {
			res.ChainFiles[label] = append(res.ChainFiles[label], fmt.Sprintf("%s_%d.txt", base, w))
		}
	}
	f.output.Set(res)
	return nil
}

// Output returns the published result.
func (f *Fit) Output() (Result, error) { return f.output.Get() }
