package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kingrea/batchflow/internal/hashstore"
	"github.com/kingrea/batchflow/internal/pipeline"
)

func newCleanHashCmd(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clean-hash PIPELINE.yml [TASK...]",
		Short: "Remove stored hashes so the selected tasks rerun",
		Long:  "Remove stored hashes so the selected tasks rerun. Task arguments are name masks; none selects every task.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(global, args[0], sessionOptions{build: pipeline.DefaultOptions()})
			if err != nil {
				return err
			}
			defer s.Close()
			selected := s.pipeline.Select(args[1:]...)
			for _, t := range selected {
				if err := hashstore.Clear(t.Dir()); err != nil {
					return fmt.Errorf("clear %s: %w", t.Name(), err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", t.Name())
			}
			if len(selected) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no tasks matched")
			}
			return nil
		},
	}
}
