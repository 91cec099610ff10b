// Package pipeline implements the phase-by-phase run orchestrator (C8):
// it turns a target task list into an execution plan via internal/dag,
// drives each phase's tasks through internal/runner bounded by a
// concurrency limit, and schedules notify handlers after each phase.
package pipeline

import (
	"context"
	"time"

	"github.com/nexus-run/nexus/internal/core"
	"github.com/nexus-run/nexus/internal/dag"
	"github.com/nexus-run/nexus/internal/facts"
	"github.com/nexus-run/nexus/internal/runner"
	"github.com/nexus-run/nexus/internal/sshpool"
	"github.com/nexus-run/nexus/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// defaultParallelLimit bounds how many tasks within one phase run
// concurrently when Options.ParallelLimit is unset (spec.md §4.2).
const defaultParallelLimit = 10

// Options configures one Run call.
type Options struct {
	// ContinueOnError overrides Config.ContinueOnError for this run when
	// Set is true: whether a failing task aborts the remaining phases.
	ContinueOnError    bool
	ContinueOnErrorSet bool

	// ParallelLimit bounds concurrent task execution within a phase;
	// defaults to 10.
	ParallelLimit int

	// DryRun, when true, returns the phase plan without running any task.
	DryRun bool
}

func (o Options) effectiveParallelLimit() int {
	if o.ParallelLimit <= 0 {
		return defaultParallelLimit
	}
	return o.ParallelLimit
}

// Orchestrator runs task graphs against a shared Config, connection pool
// and facts cache.
type Orchestrator struct {
	Config core.Config
	Pool   *sshpool.Pool
	Facts  *facts.Cache
	Runner *runner.Runner
	Clock  core.Clock

	// Telemetry is the run's event sink (spec.md §5); it's the same
	// Recorder Runner emits task/command lifecycle events through, kept
	// here too so a caller can drain Telemetry.Events() after Run starts.
	Telemetry *telemetry.Recorder

	// OwnsPool marks whether Run's teardown should shut Pool down. A
	// caller sharing one pool across many Orchestrators should leave this
	// false and close the pool itself.
	OwnsPool bool
}

// New builds an Orchestrator wired to run against cfg.
func New(cfg core.Config, pool *sshpool.Pool, factsCache *facts.Cache, ownsPool bool) *Orchestrator {
	r := runner.New(cfg, pool, factsCache)
	return &Orchestrator{
		Config:    cfg,
		Pool:      pool,
		Facts:     factsCache,
		Runner:    r,
		Telemetry: r.Telemetry,
		OwnsPool:  ownsPool,
	}
}

func (o *Orchestrator) clock() core.Clock {
	if o.Clock == nil {
		return core.RealClock{}
	}
	return o.Clock
}

func (o *Orchestrator) effectiveContinueOnError(opts Options) bool {
	if opts.ContinueOnErrorSet {
		return opts.ContinueOnError
	}
	return o.Config.ContinueOnError
}

// Run executes targets (and their transitive dependencies) to completion,
// phase by phase, per spec.md §4.2. It never returns an error: plan-build
// failures and task failures are both reported inside the returned
// PipelineResult.
func (o *Orchestrator) Run(ctx context.Context, targets []string, opts Options) core.PipelineResult {
	start := o.clock().Now()
	o.Facts.Clear()

	g, err := dag.Build(o.Config)
	if err != nil {
		return o.planFailure(err, start)
	}
	required, err := g.RequiredSet(targets)
	if err != nil {
		return o.planFailure(err, start)
	}
	phases := g.ExecutionPhases(required)

	if opts.DryRun {
		return core.PipelineResult{
			Phases:    phases,
			DryRun:    true,
			StartedAt: start,
			Duration:  o.clock().Now().Sub(start),
		}
	}

	defer o.teardown()

	var allTasks []core.TaskResult
	abortedAt := ""
	for _, phase := range phases {
		results := o.runPhase(ctx, g, phase, opts)
		allTasks = append(allTasks, results...)
		abortedAt = firstFailure(phase, results, o.effectiveContinueOnError(opts))

		// Handlers run even on a phase that's about to abort the pipeline:
		// a task's own steps already completed, so any notify it triggered
		// is owed its handler regardless of a sibling task's failure.
		allTasks = append(allTasks, o.runHandlers(ctx, results)...)

		if abortedAt != "" {
			break
		}
	}

	return core.PipelineResult{
		Phases:    phases,
		Tasks:     allTasks,
		AbortedAt: abortedAt,
		StartedAt: start,
		Duration:  o.clock().Now().Sub(start),
	}
}

func (o *Orchestrator) planFailure(err error, start time.Time) core.PipelineResult {
	return core.PipelineResult{
		Message:   err.Error(),
		StartedAt: start,
		Duration:  o.clock().Now().Sub(start),
	}
}

func (o *Orchestrator) teardown() {
	o.Facts.Clear()
	if o.OwnsPool {
		o.Pool.Shutdown()
	}
}

// runPhase executes every task name in phase concurrently, bounded by
// Options.ParallelLimit, returning results in phase order (not completion
// order) so aggregation and abort selection stay deterministic.
func (o *Orchestrator) runPhase(ctx context.Context, g *dag.Graph, phase []string, opts Options) []core.TaskResult {
	results := make([]core.TaskResult, len(phase))
	var eg errgroup.Group
	eg.SetLimit(opts.effectiveParallelLimit())

	for i, name := range phase {
		i, name := i, name
		eg.Go(func() error {
			task, ok := g.Task(name)
			if !ok {
				// dag.Build/RequiredSet already guarantee every phase
				// entry names a defined task; unreachable in practice.
				results[i] = core.TaskResult{Task: name, Status: "error", Message: "undefined task"}
				return nil
			}
			results[i] = o.Runner.Run(ctx, task)
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

// firstFailure returns the lexicographically first failing task name in
// phase (phase is already name-sorted by dag.ExecutionPhases, so the
// first failing index is the answer), or "" if every task in phase
// succeeded or continueOnErr is set.
func firstFailure(phase []string, results []core.TaskResult, continueOnErr bool) string {
	if continueOnErr {
		return ""
	}
	for i, name := range phase {
		if results[i].Status != "ok" {
			return name
		}
	}
	return ""
}

// runHandlers schedules each distinct handler triggered by results' tasks
// against its owning task's HandlerOn target (defaulting to :local), once
// per phase, after the phase's tasks have all completed (spec.md §4.6).
// Handlers run serially and in deterministic (task, then handler-name)
// order, since one handler run (e.g. "reload nginx") stepping on another's
// in-flight state is the failure mode this ordering exists to avoid.
func (o *Orchestrator) runHandlers(ctx context.Context, results []core.TaskResult) []core.TaskResult {
	scheduled := map[string]bool{}
	var handlerResults []core.TaskResult
	for _, tr := range results {
		task, ok := o.Config.Tasks[tr.Task]
		if !ok {
			continue
		}
		for _, name := range tr.TriggeredHandlers {
			if scheduled[name] {
				continue
			}
			h, ok := o.Config.Handlers[name]
			if !ok {
				continue
			}
			scheduled[name] = true
			handlerResults = append(handlerResults, o.Runner.Run(ctx, handlerTask(h, task.HandlerOn)))
		}
	}
	return handlerResults
}

func handlerTask(h core.Handler, on core.Target) core.Task {
	return core.Task{
		Name:     "handler:" + h.Name,
		On:       on,
		Commands: h.Commands,
	}
}
