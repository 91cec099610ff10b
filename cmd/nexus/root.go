// Package main is the nexus demonstration CLI: a thin cobra wrapper that
// loads an inventory file via internal/configio and drives a run through
// internal/pipeline. It exists to exercise the engine end to end, the way
// the teacher's cmd_v2 package wraps internal/agent.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nexus",
		Short: "Run SSH-based deployment tasks described by an inventory file",
	}
	cmd.PersistentFlags().StringP("config", "c", "nexus.yaml", "inventory file path")
	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	cmd.PersistentFlags().String("log-format", "text", "log format: text or json")

	cmd.AddCommand(runCommand())
	cmd.AddCommand(planCommand())
	cmd.AddCommand(metricsCommand())
	return cmd
}
