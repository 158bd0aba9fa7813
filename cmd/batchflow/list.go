package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/batchflow/internal/engine"
	"github.com/kingrea/batchflow/internal/pipeline"
	"github.com/kingrea/batchflow/internal/tui"
)

func newListCmd(global *globalFlags) *cobra.Command {
	var finish string
	cmd := &cobra.Command{
		Use:   "list PIPELINE.yml",
		Short: "Construct the pipeline and print its tasks without submitting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			build, err := pipeline.ParseOptions("", finish, false)
			if err != nil {
				return &exitError{code: engine.ExitConfigError, err: err}
			}
			s, err := openSession(global, args[0], sessionOptions{build: build})
			if err != nil {
				return err
			}
			defer s.Close()
			rows := make([]engine.TaskStatus, 0, len(s.pipeline.Tasks))
			for _, t := range s.pipeline.Tasks {
				var deps []string
				for _, d := range t.Dependencies() {
					deps = append(deps, d.Name())
				}
				detail := t.Dir()
				if len(deps) > 0 {
					detail = "after " + strings.Join(deps, ", ")
				}
				rows = append(rows, engine.TaskStatus{Name: t.Name(), Kind: t.Kind(), State: t.State(), Detail: detail})
			}
			fmt.Fprintln(cmd.OutOrStdout(), tui.RenderTasks(rows, 120))
			fmt.Fprintf(cmd.OutOrStdout(), "%d tasks in %s\n", len(rows), s.pipeline.Name)
			return nil
		},
	}
	cmd.Flags().StringVarP(&finish, "finish", "f", "", "stop construction before this stage")
	return cmd
}
