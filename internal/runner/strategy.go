package runner

import (
	"context"
	"sync"
	"time"

	"github.com/nexus-run/nexus/internal/core"
	"golang.org/x/sync/errgroup"
)

// driveStrategy fans task out across hosts per spec.md §4.4, returning an
// ordered list of host-results matching hosts' input order.
func (r *Runner) driveStrategy(ctx context.Context, task core.Task, hosts []core.Host) []core.HostResult {
	switch task.EffectiveStrategy() {
	case core.StrategySerial:
		return r.runSerial(ctx, task, hosts)
	case core.StrategyRolling:
		return r.runRolling(ctx, task, hosts)
	case core.StrategyCanary:
		return r.runCanary(ctx, task, hosts)
	default:
		return r.runParallel(ctx, task, hosts)
	}
}

// runParallel fans hosts out concurrently, bounded by the pool size
// (spec.md §4.4's "default = pool size", since core.Task carries no
// per-task override). When continue_on_error is false, the first
// host-failure cancels the others; any host still pending at that point
// reports status "error" with Message "cancelled" without ever running.
func (r *Runner) runParallel(ctx context.Context, task core.Task, hosts []core.Host) []core.HostResult {
	if len(hosts) == 0 {
		return nil
	}
	limit := r.Config.EffectiveMaxConnections()
	continueOnErr := r.effectiveContinueOnError(task)

	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]core.HostResult, len(hosts))
	var g errgroup.Group
	g.SetLimit(limit)
	var failOnce sync.Once

	for i, h := range hosts {
		i, h := i, h
		g.Go(func() error {
			select {
			case <-childCtx.Done():
				results[i] = core.HostResult{Host: h.Name, Status: "error", Message: "cancelled"}
				return nil
			default:
			}

			hr := r.runHost(childCtx, task, h)
			results[i] = hr
			if hr.Status != "ok" && !continueOnErr {
				failOnce.Do(cancel)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// runSerial iterates hosts in input order, halting after the first
// host-failure unless continue_on_error is set.
func (r *Runner) runSerial(ctx context.Context, task core.Task, hosts []core.Host) []core.HostResult {
	continueOnErr := r.effectiveContinueOnError(task)
	results := make([]core.HostResult, 0, len(hosts))
	for _, h := range hosts {
		hr := r.runHost(ctx, task, h)
		results = append(results, hr)
		if hr.Status != "ok" && !continueOnErr {
			break
		}
	}
	return results
}

// runRolling partitions hosts into batch_size batches, running each batch
// in parallel and gating on the task's wait_for steps between batches.
func (r *Runner) runRolling(ctx context.Context, task core.Task, hosts []core.Host) []core.HostResult {
	batchSize := task.EffectiveBatchSize()
	gateSteps := filterWaitFor(task.Commands)

	var all []core.HostResult
	for start := 0; start < len(hosts); start += batchSize {
		end := start + batchSize
		if end > len(hosts) {
			end = len(hosts)
		}
		batch := hosts[start:end]

		batchResults := r.runParallel(ctx, task, batch)
		all = append(all, batchResults...)
		if !allOK(batchResults) {
			break
		}
		if !r.runGateSteps(ctx, task, batch, gateSteps) {
			break
		}
	}
	return all
}

// runCanary runs task.CanaryHosts (default 1) as a head batch, bakes for
// canary_wait_s, re-checks the head's health via the task's wait_for
// steps, then rolls the tail out via the rolling strategy.
func (r *Runner) runCanary(ctx context.Context, task core.Task, hosts []core.Host) []core.HostResult {
	canaryN := task.CanaryHosts
	if canaryN <= 0 {
		canaryN = 1
	}
	if canaryN > len(hosts) {
		canaryN = len(hosts)
	}
	head, tail := hosts[:canaryN], hosts[canaryN:]

	headResults := r.runParallel(ctx, task, head)
	if !allOK(headResults) {
		// canary_failed: the head batch itself didn't come up clean.
		return headResults
	}

	if task.CanaryWaitS > 0 {
		select {
		case <-time.After(time.Duration(task.CanaryWaitS) * time.Second):
		case <-ctx.Done():
			return headResults
		}
	}

	gateSteps := filterWaitFor(task.Commands)
	if !r.runGateSteps(ctx, task, head, gateSteps) {
		// canary_unhealthy: the head came up but failed its bake-time gate.
		return markUnhealthy(headResults, "canary_unhealthy")
	}

	if len(tail) == 0 {
		return headResults
	}
	return append(headResults, r.runRolling(ctx, task, tail)...)
}

// runGateSteps re-executes steps (normally the task's wait_for steps) once
// per host in hosts, reusing the ordinary per-host step loop under a
// synthetic sub-task so a gate failure never touches hosts' real results.
func (r *Runner) runGateSteps(ctx context.Context, task core.Task, hosts []core.Host, steps []core.Step) bool {
	if len(steps) == 0 {
		return true
	}
	gateTask := core.Task{
		Name:               task.Name + ":gate",
		On:                 task.On,
		Commands:           steps,
		ContinueOnErrorSet: true,
		ContinueOnError:    false,
	}
	for _, h := range hosts {
		if r.runHost(ctx, gateTask, h).Status != "ok" {
			return false
		}
	}
	return true
}

func filterWaitFor(steps []core.Step) []core.Step {
	var out []core.Step
	for _, s := range steps {
		if s.Body != nil && s.Body.Kind() == core.StepWaitFor {
			out = append(out, s)
		}
	}
	return out
}

func allOK(results []core.HostResult) bool {
	for _, hr := range results {
		if hr.Status != "ok" {
			return false
		}
	}
	return true
}

func markUnhealthy(results []core.HostResult, reason string) []core.HostResult {
	out := make([]core.HostResult, len(results))
	for i, hr := range results {
		hr.Status = "error"
		if hr.Message == "" {
			hr.Message = reason
		}
		out[i] = hr
	}
	return out
}
