package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LocalOptions configures the local backend.
type LocalOptions struct {
	Shell       string
	WaitTimeout time.Duration
	Run         RunFunc
	Logger      zerolog.Logger
}

// Local runs scripts with a shell on this machine and reports them as
// active while they run. It stands in for a cluster during development.
type Local struct {
	ctx         context.Context
	shell       string
	waitTimeout time.Duration
	run         RunFunc
	logger      zerolog.Logger

	mu      sync.Mutex
	running map[string]int
	wg      sync.WaitGroup
}

// NewLocal builds a local backend. Background scripts stop when ctx ends.
func NewLocal(ctx context.Context, opts LocalOptions) *Local {
	l := &Local{
		ctx:         ctx,
		shell:       opts.Shell,
		waitTimeout: opts.WaitTimeout,
		run:         opts.Run,
		logger:      opts.Logger,
		running:     map[string]int{},
	}
	if l.shell == "" {
		l.shell = "bash"
	}
	if l.run == nil {
		l.run = Run
	}
	if l.waitTimeout <= 0 {
		l.waitTimeout = 12 * time.Hour
	}
	return l
}

// Submit starts the script. Wait jobs run to completion before returning.
func (l *Local) Submit(ctx context.Context, job Job) error {
	if job.Script == "" {
		return fmt.Errorf("batch: job %s has no script", job.Name)
	}
	logPath := job.Log
	if logPath == "" {
		logPath = filepath.Join(job.Dir, "local.log")
	}
	out, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("batch: open log for %s: %w", job.Name, err)
	}

	l.track(job.Name, 1)
	if job.Wait {
		defer out.Close()
		defer l.track(job.Name, -1)
		cctx, cancel := context.WithTimeout(ctx, l.waitTimeout)
		defer cancel()
		l.exec(cctx, job, out)
		return nil
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer out.Close()
		defer l.track(job.Name, -1)
		l.exec(l.ctx, job, out)
	}()
	return nil
}

func (l *Local) exec(ctx context.Context, job Job, out *os.File) {
	res, err := l.run(ctx, Command{
		Binary: l.shell,
		Args:   []string{job.Script},
		Dir:    job.Dir,
		Env:    []string{"BATCHFLOW_JOB_NAME=" + job.Name},
		Output: out,
	})
	level := zerolog.DebugLevel
	if err != nil {
		level = zerolog.WarnLevel
	}
	event := l.logger.WithLevel(level).Err(err)
	if res != nil {
		event = event.Int("exit", res.ExitCode).Dur("took", res.Duration)
	}
	event.Str("job", job.Name).Msg("local job finished")
}

func (l *Local) track(name string, delta int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running[name] += delta
	if l.running[name] <= 0 {
		delete(l.running, name)
	}
}

// ActiveJobNames lists running scripts, one entry per running instance.
func (l *Local) ActiveJobNames(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.running))
	for name, n := range l.running {
		for i := 0; i < n; i++ {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Wait blocks until every background script has exited.
func (l *Local) Wait() {
	l.wg.Wait()
}
