// Package executor implements the step executors (C4): shell, file
// transfer (upload/download/template), wait_for probes, the guarded
// command, and the six declarative resource kinds (package, service,
// file, directory, user, group). Every executor is transport-agnostic:
// it talks to a Transport, which is either a local os/exec shell or a
// pooled SSH session, so the same code runs a step against :local or
// against a remote host.
package executor

import (
	"context"
	"time"

	"github.com/nexus-run/nexus/internal/condition"
	"github.com/nexus-run/nexus/internal/core"
	"github.com/nexus-run/nexus/internal/health"
	"github.com/nexus-run/nexus/internal/sshtransport"
)

// Transport is the capability every executor needs from its connection,
// whether that connection is a local shell or a remote SSH session.
// *sshtransport.Session already satisfies this; LocalTransport is the
// :local implementation.
type Transport interface {
	Run(ctx context.Context, cmd string, timeout time.Duration) (sshtransport.RunResult, error)
	WriteFile(path string, data []byte, mode *uint32) error
	ReadFile(path string) ([]byte, error)
	RunSudoMove(ctx context.Context, src, dst string, mode *uint32, sudoUser string, timeout time.Duration) error
}

var _ Transport = (*sshtransport.Session)(nil)

// Status is a step result's outcome.
type Status string

const (
	StatusOK      Status = "ok"      // ran, exit 0 / resource already matched desired state
	StatusChanged Status = "changed" // resource step actually changed something
	StatusFailed  Status = "failed"  // ran, non-zero exit / apply failed
	StatusError   Status = "error"   // transport-level failure, never completed
	StatusSkipped Status = "skipped" // guard or `when` prevented execution
)

// Result is the outcome of running one Step against one host.
type Result struct {
	Status   Status
	Output   string
	ExitCode int
	Message  string
	Attempts int
	// Notify carries the step's handler name forward when the step
	// succeeded (or changed state); empty otherwise.
	Notify string
}

func skipped() Result {
	return Result{Status: StatusSkipped, Message: core.ErrGuardSkip.Error(), Attempts: 0}
}

// defaultCommandTimeout caps an executor-level command when the step
// itself specifies none.
const defaultCommandTimeout = 60 * time.Second

func timeoutOrDefault(ms int) time.Duration {
	if ms <= 0 {
		return defaultCommandTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

// Execute runs step against t, using facts as the condition.Context for
// its `when` guard. It dispatches on step.Body's concrete type.
func Execute(ctx context.Context, t Transport, step core.Step, facts condition.Context, host core.Host) Result {
	if step.When != nil && !condition.Eval(facts, step.When) {
		return skipped()
	}

	var res Result
	switch body := step.Body.(type) {
	case core.ShellStep:
		res = runShell(ctx, t, body)
	case core.UploadStep:
		res = runUpload(ctx, t, body)
	case core.DownloadStep:
		res = runDownload(ctx, t, body)
	case core.TemplateStep:
		res = runTemplate(ctx, t, body)
	case core.WaitForStep:
		res = runWaitFor(ctx, t, host, body)
	case core.GuardedCommandStep:
		res = runGuardedCommand(ctx, t, body)
	case core.ResourceStep:
		res = runResource(ctx, t, facts, body)
	default:
		res = Result{Status: StatusError, Message: "unknown step body"}
	}

	if notifiable(step.Body, res.Status) && step.Notify != "" {
		res.Notify = step.Notify
	}
	return res
}

// notifiable reports whether a result of this status can ever trigger a
// `notify` handler: a plain step needs exit-0 success, a resource step
// needs an actual state change (spec.md §4.6, "Only results with status =
// changed trigger the step's notify handler").
func notifiable(body core.StepBody, s Status) bool {
	if _, ok := body.(core.ResourceStep); ok {
		return s == StatusChanged
	}
	return s == StatusOK
}

// healthCommandRunner adapts a Transport into health.CommandRunner for
// the wait_for "command" probe kind.
func healthCommandRunner(t Transport) health.CommandRunner {
	return func(ctx context.Context, host core.Host, cmd string, timeout time.Duration) (string, error) {
		res, err := t.Run(ctx, cmd, timeout)
		if err != nil {
			return "", err
		}
		if res.ExitCode != 0 {
			return res.Output, core.ErrCommandFailed
		}
		return res.Output, nil
	}
}
