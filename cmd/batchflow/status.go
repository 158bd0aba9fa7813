package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/batchflow/internal/config"
	"github.com/kingrea/batchflow/internal/engine"
	"github.com/kingrea/batchflow/internal/journal"
	"github.com/kingrea/batchflow/internal/tui"
)

func newStatusCmd(global *globalFlags) *cobra.Command {
	var (
		asYAML bool
		tail   int
	)
	cmd := &cobra.Command{
		Use:   "status PIPELINE",
		Short: "Print the last status snapshot of a pipeline run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(global.config)
			if err != nil {
				return &exitError{code: engine.ExitConfigError, err: err}
			}
			name := pipelineName(args[0])
			dir := cfg.PipelineDir(name)
			status, err := engine.NewRepository(dir).Load()
			if errors.Is(err, engine.ErrStatusNotFound) {
				return fmt.Errorf("no status recorded for %s under %s", name, dir)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asYAML {
				data, err := yaml.Marshal(status)
				if err != nil {
					return fmt.Errorf("encode status: %w", err)
				}
				_, err = out.Write(data)
				return err
			}
			fmt.Fprint(out, tui.RenderStatus(status, 120))
			if status.Phase != engine.PhaseRunning {
				fmt.Fprint(out, tui.RenderSummary(engine.Summarize(status), 100))
			}
			if tail > 0 {
				if lines, total, err := journal.Tail(dir, tail); err == nil {
					fmt.Fprintf(out, "\nLast %d of %d journal entries:\n", len(lines), total)
					for _, line := range lines {
						fmt.Fprintln(out, line)
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&tail, "tail", 10, "print this many recent journal entries")
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print the raw snapshot as YAML")
	return cmd
}
