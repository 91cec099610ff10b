// Package runner implements the task runner (C5): the per-host step loop
// against a task's resolved targets, host resolution (spec.md §4.7),
// connection-error surfacing, task-level timeouts, and notify collection.
// The fan-out disciplines themselves (parallel/serial/rolling/canary) live
// in strategy.go (C6), which this package also owns since both share the
// same per-host primitive.
package runner

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/nexus-run/nexus/internal/condition"
	"github.com/nexus-run/nexus/internal/core"
	"github.com/nexus-run/nexus/internal/executor"
	"github.com/nexus-run/nexus/internal/facts"
	"github.com/nexus-run/nexus/internal/sshpool"
	"github.com/nexus-run/nexus/internal/telemetry"
)

// Runner executes one task at a time against its resolved hosts, backed by
// a shared connection pool and fact cache owned by the caller (the
// pipeline orchestrator, C8).
type Runner struct {
	Config core.Config
	Pool   *sshpool.Pool
	Facts  *facts.Cache
	Clock  core.Clock

	// Telemetry receives the task_start/task_stop/command_start/
	// command_stop/command_retry events spec.md §5 names. Nil is valid
	// (e.g. a Runner built without New): events are simply dropped.
	Telemetry *telemetry.Recorder
}

// New builds a Runner. Facts and Pool are long-lived, shared across every
// task in a run; the caller (pipeline) owns their lifecycle.
func New(cfg core.Config, pool *sshpool.Pool, factsCache *facts.Cache) *Runner {
	return &Runner{
		Config:    cfg,
		Pool:      pool,
		Facts:     factsCache,
		Clock:     core.RealClock{},
		Telemetry: telemetry.NewRecorder(0),
	}
}

// Run executes task against its resolved target, per spec.md §4.3.
func (r *Runner) Run(ctx context.Context, task core.Task) core.TaskResult {
	start := r.clock().Now()
	stopTask := r.telemetry().TaskStarted(task.Name)
	runCtx, cancel := withTaskTimeout(ctx, task.TimeoutMS)
	defer cancel()

	var result core.TaskResult
	switch {
	case task.On.Kind == core.TargetLocal:
		hr := r.runHostLocal(runCtx, task, start)
		result = r.aggregate(task, []core.HostResult{hr}, start)
	default:
		hosts, err := r.resolveHosts(task.On)
		if err != nil {
			result = core.TaskResult{
				Task:      task.Name,
				Status:    "error",
				Message:   err.Error(),
				StartedAt: start,
				Duration:  r.clock().Now().Sub(start),
			}
		} else {
			hostResults := r.driveStrategy(runCtx, task, hosts)
			result = r.aggregate(task, hostResults, start)
		}
	}

	stopTask(result.Status)
	return result
}

func (r *Runner) clock() core.Clock {
	if r.Clock == nil {
		return core.RealClock{}
	}
	return r.Clock
}

func (r *Runner) telemetry() *telemetry.Recorder {
	if r.Telemetry == nil {
		return telemetry.NewRecorder(0)
	}
	return r.Telemetry
}

func withTaskTimeout(ctx context.Context, ms int) (context.Context, context.CancelFunc) {
	if ms <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
}

// resolveHosts implements spec.md §4.7 for the non-local cases.
func (r *Runner) resolveHosts(target core.Target) ([]core.Host, error) {
	switch target.Kind {
	case core.TargetHost:
		h, ok := r.Config.Hosts[target.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", core.ErrNoHosts, target.Name)
		}
		return []core.Host{h}, nil
	case core.TargetGroup:
		g, ok := r.Config.Groups[target.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", core.ErrNoHosts, target.Name)
		}
		hosts := make([]core.Host, 0, len(g.Members))
		for _, name := range g.Members {
			if h, ok := r.Config.Hosts[name]; ok {
				hosts = append(hosts, h)
			}
		}
		if len(hosts) == 0 {
			return nil, fmt.Errorf("%w: %s", core.ErrNoHosts, target.Name)
		}
		return hosts, nil
	default:
		return nil, fmt.Errorf("%w: unresolvable target kind", core.ErrNoHosts)
	}
}

func (r *Runner) destination(host core.Host) sshpool.Destination {
	return sshpool.Destination{
		Host:         host.Hostname,
		Port:         strconv.Itoa(r.Config.ResolvedPort(host)),
		User:         r.Config.ResolvedUser(host),
		IdentityFile: host.IdentityFile,
		Password:     host.Password,
	}
}

func (r *Runner) effectiveContinueOnError(task core.Task) bool {
	if task.ContinueOnErrorSet {
		return task.ContinueOnError
	}
	return r.Config.ContinueOnError
}

// runHostLocal runs task's steps once against the local executor, per
// spec.md §4.3's ":local ignores the host list" rule.
func (r *Runner) runHostLocal(ctx context.Context, task core.Task, start time.Time) core.HostResult {
	factMap, err := r.Facts.Get(ctx, ":local", core.Host{Name: ":local"})
	if err != nil {
		return connectFailure(":local", err, start, r.clock())
	}
	condCtx := condition.MapContext(factMap)
	hr, _ := r.runStepLoop(ctx, task, ":local", executor.LocalTransport{}, condCtx, start)
	return hr
}

// runHost runs task's steps against one remote host, checking out a single
// pooled session for the whole step sequence so steps share one
// connection, per spec.md §4.5.
func (r *Runner) runHost(ctx context.Context, task core.Task, host core.Host) core.HostResult {
	start := r.clock().Now()

	factMap, err := r.Facts.Get(ctx, host.Name, host)
	if err != nil {
		return connectFailure(host.Name, err, start, r.clock())
	}
	condCtx := condition.MapContext(factMap)

	var hr core.HostResult
	var ranSteps bool
	dest := r.destination(host)
	checkoutErr := r.Pool.Checkout(ctx, dest, func(sess sshpool.Session) error {
		t, ok := sess.(executor.Transport)
		if !ok {
			return fmt.Errorf("%w: session does not implement a transport", core.ErrTransport)
		}
		var transportTrouble bool
		hr, transportTrouble = r.runStepLoop(ctx, task, host.Name, t, condCtx, start)
		ranSteps = true
		if transportTrouble {
			return fmt.Errorf("%w: a step reported a transport failure", core.ErrTransport)
		}
		return nil
	})
	if checkoutErr != nil && !ranSteps {
		return connectFailure(host.Name, checkoutErr, start, r.clock())
	}
	return hr
}

// connectFailure synthesizes the single step-result spec.md §4.4's
// "Connection-error surfacing" describes when the pool never produces a
// working session for a host.
func connectFailure(hostName string, err error, start time.Time, clock core.Clock) core.HostResult {
	now := clock.Now()
	return core.HostResult{
		Host:   hostName,
		Status: "error",
		Steps: []core.StepResult{{
			Description: "connect",
			Status:      "error",
			ExitCode:    -1,
			Attempts:    1,
			Output:      err.Error(),
			StartedAt:   start,
			Duration:    now.Sub(start),
		}},
		StartedAt: start,
		Duration:  now.Sub(start),
	}
}

// runStepLoop is the per-host step loop from spec.md §4.3: evaluate each
// step's guard (inside executor.Execute), dispatch, halt on an
// unrecovered error unless continue_on_error, and report the task's own
// overall timeout as a synthetic "timeout" result on the in-flight step.
// The returned bool reports whether any step indicated a transport-level
// failure, which the caller uses to decide whether to drop the pooled
// session.
func (r *Runner) runStepLoop(ctx context.Context, task core.Task, hostName string, t executor.Transport, condCtx condition.Context, start time.Time) (core.HostResult, bool) {
	continueOnErr := r.effectiveContinueOnError(task)
	hr := core.HostResult{Host: hostName, StartedAt: start}
	transportTrouble := false

	for _, step := range task.Commands {
		stepStart := r.clock().Now()
		desc := describeStep(step)
		stopCmd := r.telemetry().CommandStarted(task.Name, hostName, desc, 1)
		res := executor.Execute(ctx, t, step, condCtx, core.Host{Name: hostName})
		sr := toStepResult(step, res, stepStart, r.clock().Now())
		stopCmd(sr.Status)
		for attempt := 2; attempt <= sr.Attempts; attempt++ {
			r.telemetry().CommandRetried(task.Name, hostName, desc, attempt)
		}

		if ctx.Err() == context.DeadlineExceeded {
			sr.Status = "error"
			sr.Output = core.ErrTaskTimeout.Error()
			hr.Steps = append(hr.Steps, sr)
			hr.Message = core.ErrTaskTimeout.Error()
			break
		}

		hr.Steps = append(hr.Steps, sr)
		if sr.Status == "error" {
			transportTrouble = true
			if !continueOnErr {
				break
			}
		}
	}

	hr.Duration = r.clock().Now().Sub(start)
	if hr.OK() {
		hr.Status = "ok"
	} else {
		hr.Status = "error"
	}
	return hr, transportTrouble
}

func toStepResult(step core.Step, res executor.Result, started, finished time.Time) core.StepResult {
	return core.StepResult{
		Description: describeStep(step),
		Status:      string(res.Status),
		Output:      res.Output,
		ExitCode:    res.ExitCode,
		Message:     res.Message,
		Attempts:    res.Attempts,
		Notify:      res.Notify,
		StartedAt:   started,
		Duration:    finished.Sub(started),
	}
}

func describeStep(step core.Step) string {
	if step.Description != "" {
		return step.Description
	}
	switch b := step.Body.(type) {
	case core.ShellStep:
		return b.Cmd
	case core.UploadStep:
		return "upload " + b.LocalPath + " -> " + b.RemotePath
	case core.DownloadStep:
		return "download " + b.RemotePath + " -> " + b.LocalPath
	case core.TemplateStep:
		return "template " + b.Source + " -> " + b.Destination
	case core.WaitForStep:
		return "wait_for " + string(b.Type) + " " + b.Target
	case core.GuardedCommandStep:
		return b.Cmd
	case core.ResourceStep:
		return string(b.ResourceKind) + " " + b.Name
	default:
		return ""
	}
}

// aggregate builds the TaskResult from per-host results, collecting the
// notify handlers triggered across every host per spec.md §4.6's "Notify
// collection" paragraph.
func (r *Runner) aggregate(task core.Task, hostResults []core.HostResult, start time.Time) core.TaskResult {
	status := "ok"
	seen := map[string]bool{}
	var handlers []string
	for _, hr := range hostResults {
		if hr.Status != "ok" {
			status = "error"
		}
		for _, s := range hr.Steps {
			if s.Notify != "" && !seen[s.Notify] {
				seen[s.Notify] = true
				handlers = append(handlers, s.Notify)
			}
		}
	}
	sort.Strings(handlers)

	return core.TaskResult{
		Task:              task.Name,
		Status:            status,
		Hosts:             hostResults,
		TriggeredHandlers: handlers,
		StartedAt:         start,
		Duration:          r.clock().Now().Sub(start),
	}
}
