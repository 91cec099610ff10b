package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nexus-run/nexus/internal/pipeline"
)

func runCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flags] <task> [task...]",
		Short: "Build the execution plan for the given tasks and run it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEngine(cmd)
			if err != nil {
				return err
			}

			continueOnError, _ := cmd.Flags().GetBool("continue-on-error")
			continueOnErrorSet := cmd.Flags().Changed("continue-on-error")
			parallelLimit, _ := cmd.Flags().GetInt("parallel-limit")

			res := e.orch.Run(cmd.Context(), args, pipeline.Options{
				ContinueOnError:    continueOnError,
				ContinueOnErrorSet: continueOnErrorSet,
				ParallelLimit:      parallelLimit,
			})
			printResult(e, res)
			if res.Failed() {
				return fmt.Errorf("run failed")
			}
			return nil
		},
	}
	cmd.Flags().Bool("continue-on-error", false, "keep running every phase despite task failures (overrides the inventory default)")
	cmd.Flags().Int("parallel-limit", 0, "max tasks running concurrently within a phase (0 = default of 10)")
	return cmd
}

func planCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan [flags] <task> [task...]",
		Short: "Print the execution phases for the given tasks without running anything",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEngine(cmd)
			if err != nil {
				return err
			}
			res := e.orch.Run(context.Background(), args, pipeline.Options{DryRun: true})
			printResult(e, res)
			if res.Failed() {
				return fmt.Errorf("planning failed")
			}
			return nil
		},
	}
	return cmd
}

