package main

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/nexus-run/nexus/internal/telemetry"
)

func metricsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve the Prometheus metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			mux := http.NewServeMux()
			mux.Handle("/metrics", telemetry.Handler())
			return http.ListenAndServe(addr, mux)
		},
	}
	cmd.Flags().String("addr", ":9090", "address to serve /metrics on")
	return cmd
}
