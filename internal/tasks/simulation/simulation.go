package simulation

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/kingrea/batchflow/internal/definition"
	"github.com/kingrea/batchflow/internal/hashstore"
	"github.com/kingrea/batchflow/internal/lineedit"
	"github.com/kingrea/batchflow/internal/task"
	"github.com/kingrea/batchflow/internal/tasks/script"
)

const (
	toolName = "snana"
	// DefaultCombine is the combined input template searched in data_dirs.
	DefaultCombine = "combine.input"
	// LogDir is where sim_SNmix.pl writes its logs, relative to the task dir.
	LogDir = "LOGS"
	// SummaryFile lists per-version written light curve counts.
	SummaryFile = "TOTAL_SUMMARY.LOG"

	genversionEnd = "ENDLIST_GENVERSION"
	maxGenprefix  = 30
	defaultJobs   = 10
)

// directGlobals are GLOBAL keys written as top level input keys. Every other
// GLOBAL key becomes a GENOPT_GLOBAL override.
var directGlobals = map[string]bool{
	"FORMAT_MASK":    true,
	"RANSEED_REPEAT": true,
	"RANSEED_CHANGE": true,
	"BATCH_INFO":     true,
	"BATCH_MEM":      true,
	"NGEN_UNIT":      true,
	"RESET_CIDOFF":   true,
}

// Options is the OPTS block of a SIM entry.
type Options struct {
	Blind   bool   `yaml:"BLIND"`
	Combine string `yaml:"COMBINE"`
}

// Result is published when the simulation succeeded.
type Result struct {
	task.Photometry
	Genprefix     string
	SimFolders    []string
	RanseedChange bool
	Blind         bool
}

type component struct {
	name   string
	base   string
	match  string
	ia     bool
	fields []definition.Field
}

type global struct {
	key   string
	value string
}

// Simulation is one SIM entry.
type Simulation struct {
	*task.Base
	env *task.Env

	genversion string
	genprefix  string
	combine    string
	components []component
	globals    []global
	opts       Options

	derivedBatchInfo string
	ranseedChange    int
	simFolders       []string
	types            map[int]string
	iaTypes          []int
	nonIaTypes       []int

	output task.Output[Result]
}

// Register installs the SIM factory.
func Register(reg *task.Registry) {
	reg.MustRegister(task.KindSim, Build)
}

// Build creates one simulation per entry.
func Build(env *task.Env, section definition.Section, _ []task.Task) ([]task.Task, error) {
	var out []task.Task
	for _, entry := range section.Entries {
		sim, err := New(env, entry)
		if err != nil {
			return nil, err
		}
		env.Logger.Debug().Str("task", sim.Name()).Int("jobs", sim.JobCount()).Str("dir", sim.Dir()).Msg("created simulation task")
		out = append(out, sim)
	}
	return out, nil
}

// New validates entry and builds its simulation.
func New(env *task.Env, entry definition.Entry) (*Simulation, error) {
	fail := func(format string, args ...any) error {
		return task.Configf(entry.Section, entry.Name, format, args...)
	}
	genversion := env.Prefix + "_" + entry.Name
	s := &Simulation{
		Base:       task.NewBase(task.KindSim, entry.Name, env.StageDir(task.KindSim, entry.Name)),
		env:        env,
		genversion: genversion,
		genprefix:  Genprefix(genversion),
		types:      map[int]string{},
	}
	s.SetJobPrefix(s.genprefix + "_0")

	fields, err := entry.Fields()
	if err != nil {
		return nil, fail("%v", err)
	}
	for _, f := range fields {
		switch strings.ToUpper(f.Key) {
		case "OPTS":
			if err := f.Node.Decode(&s.opts); err != nil {
				return nil, fail("OPTS: %v", err)
			}
		case "GLOBAL":
			sub, err := f.Fields()
			if err != nil {
				return nil, fail("%v", err)
			}
			for _, g := range sub {
				if strings.EqualFold(g.Key, "BASE") {
					continue
				}
				v, err := g.Value()
				if err != nil {
					return nil, fail("GLOBAL: %v", err)
				}
				s.globals = append(s.globals, global{key: g.Key, value: v})
			}
		default:
			c, err := s.component(f)
			if err != nil {
				return nil, fail("%v", err)
			}
			s.components = append(s.components, c)
		}
	}
	if len(s.components) == 0 {
		return nil, fail("no components specified, add something to simulate")
	}

	combine := s.opts.Combine
	if combine == "" {
		combine = DefaultCombine
	}
	if s.combine, err = env.Config.ResolveData(combine); err != nil {
		return nil, fail("combine input: %v", err)
	}
	if err := s.deriveJobs(); err != nil {
		return nil, fail("%v", err)
	}

	base := filepath.Join(env.Config.SimDir(), genversion)
	if s.ranseedChange > 0 {
		for i := 1; i <= s.ranseedChange; i++ {
			s.simFolders = append(s.simFolders, fmt.Sprintf("%s-%04d", base, i))
		}
	} else {
		s.simFolders = []string{base}
	}
	s.AddLogs(s.Path(genversion+".LOG"), s.Path(LogDir, "*.LOG"))
	return s, nil
}

// Genprefix shortens long genversions, keeping them unique with a hash.
func Genprefix(genversion string) string {
	if len(genversion) < maxGenprefix {
		return genversion
	}
	return genversion[:25] + hashstore.String(genversion)[:5]
}

func (s *Simulation) component(f definition.Field) (component, error) {
	fields, err := f.Fields()
	if err != nil {
		return component{}, fmt.Errorf("component %s: %w", f.Key, err)
	}
	c := component{name: f.Key}
	var gentype, genmodel string
	for _, sub := range fields {
		switch strings.ToUpper(sub.Key) {
		case "BASE":
			if c.base, err = sub.Value(); err != nil {
				return component{}, err
			}
			continue
		case "GENTYPE":
			gentype, _ = sub.Value()
		case "GENMODEL":
			genmodel, _ = sub.Value()
		}
		c.fields = append(c.fields, sub)
	}
	if c.base == "" {
		return component{}, fmt.Errorf("component %s needs a BASE input file", f.Key)
	}
	resolved, err := s.env.Config.ResolveData(c.base)
	if err != nil {
		return component{}, fmt.Errorf("component %s: %w", f.Key, err)
	}
	c.base = resolved
	c.match = strings.SplitN(filepath.Base(resolved), ".", 2)[0]

	fileType, fileModel, err := scanModel(resolved)
	if err != nil {
		return component{}, err
	}
	if fileType != "" {
		gentype = fileType
	}
	if fileModel != "" {
		genmodel = fileModel
	}
	if gentype == "" {
		return component{}, fmt.Errorf("cannot find GENTYPE for component %s in %s", f.Key, resolved)
	}
	if genmodel == "" {
		return component{}, fmt.Errorf("cannot find GENMODEL for component %s in %s", f.Key, resolved)
	}
	code, err := strconv.Atoi(strings.TrimSpace(gentype))
	if err != nil {
		return component{}, fmt.Errorf("component %s: GENTYPE %q is not numeric", f.Key, gentype)
	}
	code2, _ := strconv.Atoi(fmt.Sprintf("1%02d", code))
	c.ia = strings.Contains(strings.ToUpper(genmodel), "SALT2")
	label := "II"
	if c.ia {
		label = "Ia"
	}
	for _, n := range []int{code, code2} {
		if _, seen := s.types[n]; !seen {
			if c.ia {
				s.iaTypes = append(s.iaTypes, n)
			} else {
				s.nonIaTypes = append(s.nonIaTypes, n)
			}
		}
		s.types[n] = label
	}
	return c, nil
}

func scanModel(path string) (gentype, genmodel string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", fmt.Errorf("simulation: open %s: %w", path, err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.ToUpper(strings.TrimSpace(scanner.Text()))
		switch {
		case strings.HasPrefix(line, "GENTYPE:"):
			gentype = strings.TrimSpace(strings.SplitN(line, ":", 2)[1])
		case strings.HasPrefix(line, "GENMODEL:"):
			genmodel = strings.TrimSpace(strings.SplitN(line, ":", 2)[1])
		}
	}
	return gentype, genmodel, scanner.Err()
}

// deriveJobs estimates the queue footprint from BATCH_INFO or RANSEED.
func (s *Simulation) deriveJobs() error {
	doc, err := lineedit.Load(s.combine, lineedit.Colon)
	if err != nil {
		return err
	}
	defaultInfo, _ := doc.Get("BATCH_INFO")
	batchInfo, hasBatch := s.global("BATCH_INFO")
	ranseed, hasRepeat := s.global("RANSEED_REPEAT")
	if change, ok := s.global("RANSEED_CHANGE"); ok {
		n, err := leadingInt(change)
		if err != nil {
			return fmt.Errorf("RANSEED_CHANGE: %w", err)
		}
		s.ranseedChange = n
		if !hasRepeat {
			ranseed = change
		}
	}

	jobs := defaultJobs
	switch {
	case hasBatch:
		if n, err := trailingInt(batchInfo); err == nil {
			jobs = n
		}
	case ranseed != "":
		n, err := leadingInt(ranseed)
		if err != nil {
			return fmt.Errorf("RANSEED: %w", err)
		}
		jobs = n
		if comps := strings.Fields(defaultInfo); len(comps) > 0 {
			comps[len(comps)-1] = strconv.Itoa(n)
			s.derivedBatchInfo = strings.Join(comps, " ")
		}
	case defaultInfo != "":
		if n, err := trailingInt(defaultInfo); err == nil {
			jobs = n
		}
	default:
		s.env.Logger.Warn().Str("task", s.Name()).Msg("unable to determine how many jobs the simulation has")
	}
	s.SetJobCount(jobs)
	return nil
}

func (s *Simulation) global(key string) (string, bool) {
	for _, g := range s.globals {
		if strings.EqualFold(g.key, key) {
			return g.value, true
		}
	}
	return "", false
}

func leadingInt(v string) (int, error) {
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty value")
	}
	return strconv.Atoi(fields[0])
}

func trailingInt(v string) (int, error) {
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty value")
	}
	return strconv.Atoi(fields[len(fields)-1])
}

// Genversion is <prefix>_<name>.
func (s *Simulation) Genversion() string { return s.genversion }

// Genprefix is the possibly shortened genversion used for job names.
func (s *Simulation) Genprefix() string { return s.genprefix }

// SimFolders lists where SNANA writes photometry, one per realisation.
func (s *Simulation) SimFolders() []string { return append([]string(nil), s.simFolders...) }

func (s *Simulation) inputName() string { return s.genversion + ".input" }

// Render builds the combined input file.
func (s *Simulation) Render() (*lineedit.Document, error) {
	doc, err := lineedit.Load(s.combine, lineedit.Colon)
	if err != nil {
		return nil, err
	}
	inList := lineedit.InSection("", genversionEnd)
	doc.SetUnique("GENVERSION", s.genversion, inList)
	doc.SetUnique("LOGDIR", LogDir, inList)
	for _, c := range s.components {
		for _, f := range c.fields {
			values, err := f.Strings()
			if err != nil {
				return nil, err
			}
			for _, v := range values {
				doc.SetRepeatable("GENOPT("+c.match+")", f.Key+" "+v, genversionEnd)
			}
		}
	}
	if len(s.env.Config.DataDirs) > 0 {
		doc.SetUnique("PATH_USER_INPUT", s.env.Config.DataDirs[0])
	}
	for _, g := range s.globals {
		key := strings.ToUpper(g.key)
		if directGlobals[key] {
			doc.SetUnique(key, g.value)
		} else {
			doc.SetUnique("GENOPT_GLOBAL: "+g.key, g.value, lineedit.Assign(" "))
		}
		switch key {
		case "RANSEED_CHANGE":
			doc.Delete("RANSEED_REPEAT")
		case "RANSEED_REPEAT":
			doc.Delete("RANSEED_CHANGE")
		}
	}
	if s.derivedBatchInfo != "" {
		doc.SetUnique("BATCH_INFO", s.derivedBatchInfo)
	}

	var ia, cc []string
	for _, c := range s.components {
		if c.ia {
			ia = append(ia, filepath.Base(c.base))
		} else {
			cc = append(cc, filepath.Base(c.base))
		}
	}
	setOrDelete(doc, "SIMGEN_INFILE_Ia", ia)
	setOrDelete(doc, "SIMGEN_INFILE_NONIa", cc)
	doc.SetUnique("GENPREFIX", s.genprefix)
	doc.SetUnique("DONE_STAMP", filepath.Base(s.DoneFile()))
	return doc, nil
}

func setOrDelete(doc *lineedit.Document, key string, files []string) {
	if len(files) == 0 {
		doc.Delete(key)
		return
	}
	doc.SetUnique(key, strings.Join(files, " "))
}

// Prepare renders the combined input, the component inputs and any
// INPUT_FILE_INCLUDE files they reference.
func (s *Simulation) Prepare(context.Context) (task.Submission, error) {
	doc, err := s.Render()
	if err != nil {
		return task.Submission{}, err
	}
	files := map[string]string{s.inputName(): doc.String()}
	for _, c := range s.components {
		if err := s.collect(c.base, files); err != nil {
			return task.Submission{}, err
		}
	}

	tool := s.env.Config.Tool(toolName)
	exe := tool.Executable
	if exe == "" {
		exe = "sim_SNmix.pl"
	}
	body, err := script.Render("sim", "cd {{.Dir}}\n{{.Exe}} {{.Input}} > {{.Log}} 2>&1\n", map[string]string{
		"Dir":   s.Dir(),
		"Exe":   exe,
		"Input": s.inputName(),
		"Log":   s.genversion + ".LOG",
	})
	if err != nil {
		return task.Submission{}, err
	}
	res := script.FromTool(s.JobPrefix(), s.Path("output.log"), tool)
	content, err := script.Build(res, tool.CondaEnv, body, "")
	if err != nil {
		return task.Submission{}, err
	}
	return task.Submission{Mode: task.ModeBatch, Script: content, Files: files}, nil
}

// collect adds path to files under its base name, rewriting include
// references to base names and following them.
func (s *Simulation) collect(path string, files map[string]string) error {
	name := filepath.Base(path)
	if _, done := files[name]; done {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("simulation: read %s: %w", path, err)
	}
	lines := strings.Split(string(data), "\n")
	var includes []string
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "INPUT_FILE_INCLUDE") {
			continue
		}
		parts := strings.Split(trimmed, ":")
		ref := strings.TrimSpace(parts[len(parts)-1])
		resolved, err := s.env.Config.ResolveData(ref)
		if err != nil {
			return fmt.Errorf("simulation: include in %s: %w", name, err)
		}
		lines[i] = strings.Replace(line, ref, filepath.Base(resolved), 1)
		includes = append(includes, resolved)
	}
	files[name] = strings.Join(lines, "\n")
	for _, inc := range includes {
		if err := s.collect(inc, files); err != nil {
			return err
		}
	}
	return nil
}

// Artifacts implements task.Task.
func (s *Simulation) Artifacts() []string { return []string{s.Path(s.inputName())} }

// Verify requires the total summary, when present, to report written light
// curves.
func (s *Simulation) Verify() error {
	path := s.Path(LogDir, SummaryFile)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		s.env.Logger.Warn().Str("task", s.Name()).Str("file", path).Msg("cannot find total summary")
		return nil
	}
	if err != nil {
		return fmt.Errorf("simulation: open summary: %w", err)
	}
	defer f.Close()
	total := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || !strings.HasPrefix(fields[0], s.genversion) {
			continue
		}
		n, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		total += n
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("simulation: read summary: %w", err)
	}
	if total == 0 {
		return fmt.Errorf("simulation wrote no light curves according to %s", path)
	}
	return nil
}

// Publish links the simulation folders into the task directory.
func (s *Simulation) Publish() error {
	links := make([]string, len(s.simFolders))
	for i, folder := range s.simFolders {
		link := s.Path(filepath.Base(folder))
		if _, err := os.Lstat(link); os.IsNotExist(err) {
			if err := os.Symlink(folder, link); err != nil {
				return fmt.Errorf("simulation: link %s: %w", folder, err)
			}
		}
		links[i] = link
	}
	types := make(map[int]string, len(s.types))
	for k, v := range s.types {
		types[k] = v
	}
	ia := append([]int(nil), s.iaTypes...)
	nonIa := append([]int(nil), s.nonIaTypes...)
	sort.Ints(ia)
	sort.Ints(nonIa)
	s.output.Set(Result{
		Photometry: task.Photometry{
			Genversion: s.genversion,
			Dirs:       links,
			Types:      types,
			IaTypes:    ia,
			NonIaTypes: nonIa,
		},
		Genprefix:     s.genprefix,
		SimFolders:    s.SimFolders(),
		RanseedChange: s.ranseedChange > 0,
		Blind:         s.opts.Blind,
	})
	return nil
}

// Output returns the published result.
func (s *Simulation) Output() (Result, error) { return s.output.Get() }

// Photometry implements task.PhotometrySource.
func (s *Simulation) Photometry() (task.Photometry, error) {
	res, err := s.output.Get()
	return res.Photometry, err
}
