package classify

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/kingrea/batchflow/internal/definition"
	"github.com/kingrea/batchflow/internal/task"
	"github.com/kingrea/batchflow/internal/tasks/lcfit"
	"github.com/kingrea/batchflow/internal/tasks/script"
)

// Algorithm names a supported classifier.
type Algorithm string

const (
	SuperNNova Algorithm = "SuperNNova"
	SNIRF      Algorithm = "SNIRF"
	FitProb    Algorithm = "FitProb"
)

func parseAlgorithm(v string) (Algorithm, bool) {
	for _, a := range []Algorithm{SuperNNova, SNIRF, FitProb} {
		if strings.EqualFold(v, string(a)) {
			return a, true
		}
	}
	return "", false
}

func (a Algorithm) needsFit() bool { return a != SuperNNova }
func (a Algorithm) trainable() bool { return a != FitProb }

// Mode is train or predict.
type Mode string

const (
	Train   Mode = "train"
	Predict Mode = "predict"
)

const (
	// PredictionsFile holds one row per object: SNID, probability.
	PredictionsFile = "predictions.csv"
	// IDColumn heads the first predictions column.
	IDColumn = "SNID"
)

// Options is the definition body of a CLASSIFY entry.
type Options struct {
	Classifier string            `yaml:"CLASSIFIER"`
	Mode       string            `yaml:"MODE"`
	Mask       string            `yaml:"MASK"`
	MaskSim    string            `yaml:"MASK_SIM"`
	MaskFit    string            `yaml:"MASK_FIT"`
	Opts       map[string]string `yaml:"OPTS"`
}

// Result is published once the classifier finished.
type Result struct {
	PredictionsFile string
	ModelFile       string
	ProbColumn      string
}

// Classifier is one (entry, source[, fit]) combination.
type Classifier struct {
	*task.Base
	env    *task.Env
	entry  string
	algo   Algorithm
	mode   Mode
	source task.PhotometrySource
	fit    *lcfit.Fit
	model  *Classifier
	// modelFile is a pretrained model given by path.
	modelFile string
	opts      map[string]string
	output    task.Output[Result]
}

// Register installs the CLASSIFY factory.
func Register(reg *task.Registry) {
	reg.MustRegister(task.KindClassify, Build)
}

// Build creates a classifier for every matching source or fit. Predict
// entries may name a train entry built earlier in the section as MODEL.
func Build(env *task.Env, section definition.Section, prior []task.Task) ([]task.Task, error) {
	var built []task.Task
	for _, entry := range section.Entries {
		tasks, err := buildEntry(env, entry, prior, built)
		if err != nil {
			return nil, err
		}
		built = append(built, tasks...)
	}
	return built, nil
}

func buildEntry(env *task.Env, entry definition.Entry, prior, built []task.Task) ([]task.Task, error) {
	fail := func(format string, args ...any) error {
		return task.Configf(entry.Section, entry.Name, format, args...)
	}
	var opts Options
	if err := entry.Decode(&opts); err != nil {
		return nil, fail("%v", err)
	}
	algo, ok := parseAlgorithm(opts.Classifier)
	if !ok {
		return nil, fail("unknown CLASSIFIER %q", opts.Classifier)
	}
	mode := Mode(strings.ToLower(strings.TrimSpace(opts.Mode)))
	if mode == "" {
		mode = Predict
	}
	switch {
	case mode != Train && mode != Predict:
		return nil, fail("MODE must be train or predict, got %q", opts.Mode)
	case mode == Train && !algo.trainable():
		return nil, fail("%s has no train mode", algo)
	}
	model := opts.Opts["MODEL"]
	if mode == Predict && algo.trainable() && model == "" {
		return nil, fail("%s in predict mode needs OPTS.MODEL", algo)
	}

	type combo struct {
		source task.PhotometrySource
		fit    *lcfit.Fit
	}
	var combos []combo
	if algo.needsFit() {
		for _, fit := range task.Select[*lcfit.Fit](prior, task.Contains(opts.Mask), task.Contains(opts.MaskFit)) {
			src := fit.Source()
			if task.Contains(opts.Mask).Match(src.Name()) && task.Contains(opts.MaskSim).Match(src.Name()) {
				combos = append(combos, combo{source: src, fit: fit})
			}
		}
	} else {
		for _, src := range task.Select[task.PhotometrySource](prior, task.Contains(opts.Mask), task.Contains(opts.MaskSim)) {
			combos = append(combos, combo{source: src})
		}
	}
	if len(combos) == 0 {
		return nil, fail("masks matched no combination of sources and fits")
	}

	var out []task.Task
	for _, c := range combos {
		target := c.source.Name()
		deps := []task.Task{c.source}
		if c.fit != nil {
			target = c.fit.Name()
			deps = append(deps, c.fit)
		}
		name := entry.Name + "_" + target
		cls := &Classifier{
			Base:   task.NewBase(task.KindClassify, name, env.StageDir(task.KindClassify, name), deps...),
			env:    env,
			entry:  entry.Name,
			algo:   algo,
			mode:   mode,
			source: c.source,
			fit:    c.fit,
			opts:   opts.Opts,
		}
		if mode == Predict && model != "" {
			if trained := findModel(append(append([]task.Task(nil), prior...), built...), model, c.source); trained != nil {
				cls.model = trained
				cls.AddDependency(trained)
			} else if path, err := env.Config.ResolveData(model); err == nil {
				cls.modelFile = path
			} else {
				return nil, fail("MODEL %q is neither a trained classifier nor a model file", model)
			}
		}
		cls.AddLogs(cls.Path("output.log"))
		out = append(out, cls)
	}
	return out, nil
}

// findModel resolves MODEL to a trained classifier: an exact task name, or
// the train entry of that name built for the same source.
func findModel(candidates []task.Task, model string, src task.PhotometrySource) *Classifier {
	trained := task.Select[*Classifier](candidates)
	var byEntry []*Classifier
	for _, c := range trained {
		if c.mode != Train {
			continue
		}
		if c.Name() == model {
			return c
		}
		if c.entry == model {
			byEntry = append(byEntry, c)
		}
	}
	for _, c := range byEntry {
		if c.source == src {
			return c
		}
	}
	if len(byEntry) == 1 {
		return byEntry[0]
	}
	return nil
}

// Entry returns the definition entry the classifier was built from.
func (c *Classifier) Entry() string { return c.entry }

// Algorithm returns the classifier type.
func (c *Classifier) Algorithm() Algorithm { return c.algo }

// Mode returns train or predict.
func (c *Classifier) Mode() Mode { return c.mode }

// ProbColumn is the probability column written into predictions.
func (c *Classifier) ProbColumn() string { return "PROB_" + c.Name() }

func (c *Classifier) modelPath() string {
	if c.algo == SuperNNova {
		return c.Path("model.pt")
	}
	return c.Path("model.pkl")
}

// Prepare renders the classifier job, or the in-process FitProb run.
func (c *Classifier) Prepare(context.Context) (task.Submission, error) {
	phot, err := c.source.Photometry()
	if err != nil {
		return task.Submission{}, fmt.Errorf("classify: %s photometry: %w", c.source.Name(), err)
	}
	var fitres string
	if c.fit != nil {
		out, err := c.fit.Output()
		if err != nil {
			return task.Submission{}, fmt.Errorf("classify: %s fit: %w", c.fit.Name(), err)
		}
		fitres = out.FitresFile
	}
	model := c.modelFile
	if c.model != nil {
		out, err := c.model.Output()
		if err != nil {
			return task.Submission{}, fmt.Errorf("classify: %s model: %w", c.model.Name(), err)
		}
		model = out.ModelFile
	}
	if c.mode == Train {
		model = c.modelPath()
	}

	if c.algo == FitProb {
		return task.Submission{
			Mode:   task.ModeLocal,
			Script: fmt.Sprintf("fitprob %s %s %s", c.Name(), fitres, c.ProbColumn()),
			Inputs: []string{fitres},
			Local: func(context.Context) error {
				return writeFitProb(fitres, c.Path(PredictionsFile), c.ProbColumn())
			},
		}, nil
	}

	types, err := json.Marshal(phot.Types)
	if err != nil {
		return task.Submission{}, fmt.Errorf("classify: encode types: %w", err)
	}
	tool := c.env.Config.Tool(strings.ToLower(string(c.algo)))
	data := map[string]any{
		"Location":    tool.Location,
		"Types":       string(types),
		"Dump":        c.Path("dump"),
		"Raw":         strings.Join(phot.Dirs, " "),
		"Fitres":      fitres,
		"Model":       model,
		"Train":       c.mode == Train,
		"Predictions": c.Path(PredictionsFile),
		"Extra":       c.extraArgs(),
	}
	body, err := script.Render(string(c.algo), bodies[c.algo], data)
	if err != nil {
		return task.Submission{}, err
	}
	res := script.FromTool(c.JobPrefix(), c.Path("output.log"), tool)
	content, err := script.Build(res, tool.CondaEnv, body, c.DoneFile())
	if err != nil {
		return task.Submission{}, err
	}
	sub := task.Submission{Mode: task.ModeBatch, Script: content}
	if c.mode == Train {
		sub.Mode = task.ModeWait
	}
	if fitres != "" {
		sub.Inputs = append(sub.Inputs, fitres)
	}
	if c.mode == Predict && model != "" {
		sub.Inputs = append(sub.Inputs, model)
	}
	return sub, nil
}

var bodies = map[Algorithm]string{
	SuperNNova: `cd {{.Location}}
python run.py --data --sntypes {{quote .Types}} --dump_dir {{.Dump}} --raw_dir {{.Raw}}
{{- if .Train}}
python run.py --use_cuda --sntypes {{quote .Types}} --dump_dir {{.Dump}} --train_rnn{{.Extra}}
cp {{.Dump}}/models/*/*.pt {{.Model}}
{{- else}}
python run.py --use_cuda --sntypes {{quote .Types}} --dump_dir {{.Dump}} --validate_rnn --model_files {{.Model}}{{.Extra}}
cp {{.Dump}}/predictions.csv {{.Predictions}}
{{- end}}
`,
	SNIRF: `cd {{.Location}}
{{- if .Train}}
python SNIRF.py --featsfile {{.Fitres}} --train --model {{.Model}}{{.Extra}}
{{- else}}
python SNIRF.py --featsfile {{.Fitres}} --predict --model {{.Model}} --output {{.Predictions}}{{.Extra}}
{{- end}}
`,
}

// extraArgs turns OPTS other than MODEL into sorted --key value flags.
func (c *Classifier) extraArgs() string {
	keys := make([]string, 0, len(c.opts))
	for k := range c.opts {
		if !strings.EqualFold(k, "MODEL") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " --%s %s", strings.ToLower(k), c.opts[k])
	}
	return b.String()
}

// Artifacts implements task.Task.
func (c *Classifier) Artifacts() []string {
	if c.mode == Train {
		return []string{c.modelPath()}
	}
	return []string{c.Path(PredictionsFile)}
}

// Publish implements task.Task.
func (c *Classifier) Publish() error {
	res := Result{ProbColumn: c.ProbColumn()}
	if c.mode == Train {
		res.ModelFile = c.modelPath()
	} else {
		res.PredictionsFile = c.Path(PredictionsFile)
	}
	c.output.Set(res)
	return nil
}

// Output returns the published result.
func (c *Classifier) Output() (Result, error) { return c.output.Get() }

// writeFitProb copies the fit probability of every object into a
// predictions file.
func writeFitProb(fitres, dest, column string) error {
	tbl, err := lcfit.ReadTable(fitres)
	if err != nil {
		return err
	}
	id, prob := tbl.Column("CID"), tbl.Column("FITPROB")
	if id < 0 || prob < 0 {
		return fmt.Errorf("classify: %s lacks CID or FITPROB columns", fitres)
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("classify: create predictions: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{IDColumn, column}); err != nil {
		f.Close()
		return err
	}
	for _, row := range tbl.Rows {
		p, err := strconv.ParseFloat(row[prob], 64)
		if err != nil {
			f.Close()
			return fmt.Errorf("classify: FITPROB %q: %w", row[prob], err)
		}
		if err := w.Write([]string{row[id], strconv.FormatFloat(p, 'f', 4, 64)}); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("classify: write predictions: %w", err)
	}
	return f.Close()
}
