package main

import (
	"fmt"

	"github.com/nexus-run/nexus/internal/core"
)

// printResult renders a PipelineResult to stdout, plus a structured summary
// line through the engine's logger for anyone scraping CLI output.
func printResult(e *engine, res core.PipelineResult) {
	if res.Message != "" {
		fmt.Printf("plan failed: %s\n", res.Message)
		e.log.Errorf("plan failed: %s", res.Message)
		return
	}

	fmt.Println("phases:")
	for i, phase := range res.Phases {
		fmt.Printf("  %d: %v\n", i+1, phase)
	}

	if res.DryRun {
		fmt.Println("(dry run: no tasks executed)")
		return
	}

	fmt.Println("tasks:")
	for _, t := range res.Tasks {
		fmt.Printf("  %-20s %-8s %s\n", t.Task, t.Status, t.Duration)
	}

	if res.AbortedAt != "" {
		fmt.Printf("aborted at: %s\n", res.AbortedAt)
	}

	status := "ok"
	if res.Failed() {
		status = "failed"
	}
	e.log.Infof("run %s in %s (%d tasks)", status, res.Duration, len(res.Tasks))
}
