package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/batchflow/internal/batch"
	"github.com/kingrea/batchflow/internal/engine"
	"github.com/kingrea/batchflow/internal/journal"
	"github.com/kingrea/batchflow/internal/logging"
	"github.com/kingrea/batchflow/internal/metrics"
	"github.com/kingrea/batchflow/internal/pipeline"
	"github.com/kingrea/batchflow/internal/queue"
	"github.com/kingrea/batchflow/internal/task"
	"github.com/kingrea/batchflow/internal/tui"
)

type runFlags struct {
	start       string
	finish      string
	refresh     bool
	failFast    bool
	useTUI      bool
	metricsAddr string
}

func newRunCmd(global *globalFlags) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run PIPELINE.yml",
		Short: "Construct the pipeline and drive it to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, global, flags, args[0])
		},
	}
	cmd.Flags().StringVarP(&flags.start, "start", "s", "", "force rerun of tasks at or after this stage (name or number)")
	cmd.Flags().StringVarP(&flags.finish, "finish", "f", "", "stop construction before this stage (name or number)")
	cmd.Flags().BoolVarP(&flags.refresh, "refresh", "r", false, "ignore stored hashes and rerun everything")
	cmd.Flags().BoolVar(&flags.failFast, "fail-fast", false, "stop at the first failed task (overrides global.fail_fast)")
	cmd.Flags().BoolVar(&flags.useTUI, "tui", false, "show the live progress view")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, e.g. :9090")
	return cmd
}

func runPipeline(cmd *cobra.Command, global *globalFlags, flags *runFlags, path string) error {
	build, err := pipeline.ParseOptions(flags.start, flags.finish, flags.refresh)
	if err != nil {
		return &exitError{code: engine.ExitConfigError, err: err}
	}
	opts := sessionOptions{build: build, logFile: true}
	if !flags.useTUI {
		opts.console = cmd.ErrOrStderr()
	}
	s, err := openSession(global, path, opts)
	if err != nil {
		return err
	}
	defer s.Close()
	cfg, p := s.cfg, s.pipeline
	log := logging.Component(s.logger.Logger, "driver")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := batch.New(ctx, cfg, s.logger.Logger)
	if err != nil {
		return &exitError{code: engine.ExitConfigError, err: err}
	}
	monitor := queue.NewMonitor(backend, cfg.Output.QueryTimeout)
	lc := task.NewLifecycle(backend, s.logger.Logger)

	book, err := journal.Open(p.Env.OutputDir)
	if err != nil {
		return err
	}
	engOpts := []engine.Option{
		engine.WithObserver(book),
		engine.WithLogger(s.logger.Logger),
		engine.WithRepository(engine.NewRepository(p.Env.OutputDir)),
		engine.WithPingFrequency(cfg.Output.PingFrequency),
		engine.WithMaxJobs(cfg.Global.MaxJobs, cfg.Global.MaxJobsInQueue),
		engine.WithFailFast(cfg.Global.FailFast || flags.failFast),
	}
	g, gctx := errgroup.WithContext(ctx)
	metricsCtx, stopMetrics := context.WithCancel(gctx)
	defer stopMetrics()
	if flags.metricsAddr != "" {
		rec := metrics.New(p.Name)
		engOpts = append(engOpts, engine.WithObserver(rec))
		g.Go(func() error {
			return rec.Serve(metricsCtx, flags.metricsAddr, log)
		})
	}
	var bridge *tui.Bridge
	if flags.useTUI {
		bridge = tui.NewBridge()
		engOpts = append(engOpts, engine.WithObserver(bridge))
	}
	eng, err := engine.New(p, lc, monitor, engOpts...)
	if err != nil {
		return err
	}
	log.Info().Str("run_id", eng.RunID()).Str("backend", cfg.Global.Backend).Str("log", s.logger.Path()).Msg("driver starting")

	var (
		sum    engine.Summary
		runErr error
	)
	g.Go(func() error {
		defer stopMetrics()
		if bridge != nil {
			sum, runErr = tui.Run(ctx, p.Name, bridge, nil, eng.Run)
		} else {
			sum, runErr = eng.Run(ctx)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Msg("metrics endpoint stopped")
	}

	fmt.Fprint(cmd.OutOrStdout(), tui.RenderSummary(sum, 100))
	if runErr != nil {
		log.Warn().Err(runErr).Msg("driver interrupted, state is resumable from disk")
		return &exitError{code: engine.ExitFailure, err: runErr}
	}
	if code := sum.ExitCode(); code != engine.ExitOK {
		return &exitError{code: code}
	}
	return nil
}
