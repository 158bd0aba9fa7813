package pipeline

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kingrea/batchflow/internal/config"
	"github.com/kingrea/batchflow/internal/definition"
	"github.com/kingrea/batchflow/internal/logging"
	"github.com/kingrea/batchflow/internal/task"
)

// Options narrows construction and execution.
type Options struct {
	// Start forces tasks at or after this stage to rerun. Negative disables it.
	Start int
	// Finish stops construction before this stage. Negative builds everything.
	Finish int
	// Refresh ignores every stored hash.
	Refresh bool
}

// DefaultOptions builds every stage and honours stored hashes.
func DefaultOptions() Options {
	return Options{Start: -1, Finish: -1}
}

// ParseOptions resolves stage names or numbers given on the command line.
// Empty values leave the bound open.
func ParseOptions(start, finish string, refresh bool) (Options, error) {
	opts := DefaultOptions()
	opts.Refresh = refresh
	if strings.TrimSpace(start) != "" {
		n, err := task.ParseStage(start)
		if err != nil {
			return Options{}, fmt.Errorf("pipeline: --start: %w", err)
		}
		opts.Start = n
	}
	if strings.TrimSpace(finish) != "" {
		n, err := task.ParseStage(finish)
		if err != nil {
			return Options{}, fmt.Errorf("pipeline: --finish: %w", err)
		}
		opts.Finish = n
	}
	if opts.Start >= 0 && opts.Finish >= 0 && opts.Start >= opts.Finish {
		return Options{}, fmt.Errorf("pipeline: start stage %d must come before finish stage %d", opts.Start, opts.Finish)
	}
	return opts, nil
}

// Pipeline is a constructed task graph, topologically ordered.
type Pipeline struct {
	Name  string
	Env   *task.Env
	Tasks []task.Task

	opts       Options
	dependents map[task.Task][]task.Task
	byName     map[string]task.Task
}

// Load reads the definition at path and builds it.
func Load(path string, cfg *config.Config, reg *task.Registry, logger zerolog.Logger, opts Options) (*Pipeline, error) {
	def, err := definition.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return Build(def, cfg, reg, logger, opts)
}

// Build runs every registered factory in stage order. Each factory sees all
// tasks built by earlier stages. Any configuration error aborts before a
// single task exists.
func Build(def definition.Definition, cfg *config.Config, reg *task.Registry, logger zerolog.Logger, opts Options) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pipeline: config is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("pipeline: registry is required")
	}
	for _, key := range def.Keys() {
		kind := task.Kind(key)
		if !kind.Valid() {
			return nil, task.Configf(key, "", "unknown section, expected one of %s", kindList())
		}
		if _, ok := reg.Factory(kind); !ok {
			return nil, task.Configf(key, "", "no factory registered")
		}
	}

	log := logging.Component(logger, "pipeline")
	env := task.NewEnv(cfg, def.Name, logger)
	p := &Pipeline{
		Name:       def.Name,
		Env:        env,
		opts:       opts,
		dependents: map[task.Task][]task.Task{},
		byName:     map[string]task.Task{},
	}
	for _, kind := range reg.Kinds() {
		if opts.Finish >= 0 && kind.Stage() >= opts.Finish {
			log.Info().Str("stage", string(kind)).Msg("stopping construction at finish stage")
			break
		}
		section := def.Section(string(kind))
		if len(section.Entries) == 0 {
			continue
		}
		factory, _ := reg.Factory(kind)
		built, err := factory(env, section, append([]task.Task(nil), p.Tasks...))
		if err != nil {
			return nil, err
		}
		for _, t := range built {
			if err := p.add(t); err != nil {
				return nil, err
			}
		}
		log.Debug().Str("stage", string(kind)).Int("tasks", len(built)).Msg("stage constructed")
	}
	log.Info().Int("tasks", len(p.Tasks)).Msg("pipeline constructed")
	return p, nil
}

func (p *Pipeline) add(t task.Task) error {
	if _, dup := p.byName[t.Name()]; dup {
		return task.Configf(string(t.Kind()), t.Name(), "task name is not unique within the pipeline")
	}
	for _, dep := range t.Dependencies() {
		if _, ok := p.byName[dep.Name()]; !ok {
			return fmt.Errorf("pipeline: %s depends on %s which was not constructed earlier", t.Name(), dep.Name())
		}
		p.dependents[dep] = append(p.dependents[dep], t)
	}
	p.byName[t.Name()] = t
	p.Tasks = append(p.Tasks, t)
	return nil
}

// Task looks a task up by name.
func (p *Pipeline) Task(name string) (task.Task, bool) {
	t, ok := p.byName[name]
	return t, ok
}

// Dependents lists the tasks that depend directly on t, in construction order.
func (p *Pipeline) Dependents(t task.Task) []task.Task {
	return append([]task.Task(nil), p.dependents[t]...)
}

// Downstream returns every transitive dependent of t once, breadth first.
func (p *Pipeline) Downstream(t task.Task) []task.Task {
	seen := map[task.Task]struct{}{}
	var out []task.Task
	queue := p.dependents[t]
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if _, ok := seen[next]; ok {
			continue
		}
		seen[next] = struct{}{}
		out = append(out, next)
		queue = append(queue, p.dependents[next]...)
	}
	return out
}

// Force reports whether t must ignore its stored hash.
func (p *Pipeline) Force(t task.Task) bool {
	return p.opts.Refresh || (p.opts.Start >= 0 && t.Kind().Stage() >= p.opts.Start)
}

// Options returns the options the pipeline was built with.
func (p *Pipeline) Options() Options { return p.opts }

// Select returns the tasks whose names match any of masks, in order. No
// masks selects everything.
func (p *Pipeline) Select(masks ...string) []task.Task {
	if len(masks) == 0 {
		return append([]task.Task(nil), p.Tasks...)
	}
	var out []task.Task
	for _, t := range p.Tasks {
		for _, m := range masks {
			if task.Contains(m).Match(t.Name()) {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

func kindList() string {
	kinds := task.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}
