// cmd/batchflow/main.go
//
// This is the entry point for the batchflow driver.
//
// Flow:
// 1. Load the global config and the pipeline definition
// 2. Construct every task stage by stage (configuration errors stop here)
// 3. Run the scheduler loop until every task is terminal
// 4. Print the summary and exit 0 (all succeeded), 1 (failures) or 2
//    (configuration error)

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/batchflow/internal/config"
	"github.com/kingrea/batchflow/internal/definition"
	"github.com/kingrea/batchflow/internal/engine"
	"github.com/kingrea/batchflow/internal/logging"
	"github.com/kingrea/batchflow/internal/pipeline"
	"github.com/kingrea/batchflow/internal/task"
	"github.com/kingrea/batchflow/internal/tasks"
)

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

type globalFlags struct {
	config  string
	verbose bool
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return engine.ExitOK
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", exit.err)
		}
		return exit.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	if task.IsConfigError(err) {
		return engine.ExitConfigError
	}
	return engine.ExitFailure
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "batchflow",
		Short:         "Drive multi-stage scientific batch pipelines on a cluster scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&flags.config, "config", "c", "", "global config file (default ./"+config.DefaultFile+")")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newRunCmd(flags),
		newListCmd(flags),
		newStatusCmd(flags),
		newCleanHashCmd(flags),
	)
	return root
}

// pipelineName mirrors definition.LoadFile: the file name without extension.
func pipelineName(arg string) string {
	base := filepath.Base(arg)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// session is the shared setup of commands that construct a pipeline.
type session struct {
	cfg      *config.Config
	logger   *logging.Logger
	pipeline *pipeline.Pipeline
}

func (s *session) Close() {
	if s != nil && s.logger != nil {
		_ = s.logger.Close()
	}
}

type sessionOptions struct {
	build   pipeline.Options
	console io.Writer
	logFile bool
}

func openSession(flags *globalFlags, path string, opts sessionOptions) (*session, error) {
	cfg, err := config.Load(flags.config)
	if err != nil {
		return nil, &exitError{code: engine.ExitConfigError, err: err}
	}
	def, err := definition.LoadFile(path)
	if err != nil {
		return nil, &exitError{code: engine.ExitConfigError, err: err}
	}
	logOpts := logging.Options{Console: opts.console, Verbose: flags.verbose}
	if opts.logFile {
		logOpts.Dir = cfg.LogsDir(def.Name)
	}
	logger, err := logging.New(cfg.Logging, logOpts)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, logger: logger}
	p, err := pipeline.Build(def, cfg, tasks.NewRegistry(), logger.Logger, opts.build)
	if err != nil {
		s.Close()
		if task.IsConfigError(err) {
			return nil, &exitError{code: engine.ExitConfigError, err: err}
		}
		return nil, err
	}
	s.pipeline = p
	return s, nil
}
