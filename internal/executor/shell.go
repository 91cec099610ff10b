package executor

import (
	"context"
	"strings"
	"time"

	"github.com/nexus-run/nexus/internal/backoff"
	"github.com/nexus-run/nexus/internal/core"
)

// shellQuote single-quotes s for safe embedding in a shell command line,
// escaping embedded single quotes with the standard '\'' trick
// (spec.md §4.6).
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// assembleShellCommand builds the effective command line for a shell
// step: wrap in sudo (optionally as another user) via `sh -c`, exactly
// as spec.md §4.6 describes.
func assembleShellCommand(cmd string, sudo bool, sudoUser string) string {
	if !sudo {
		return cmd
	}
	inner := "sh -c " + shellQuote(cmd)
	if sudoUser != "" {
		return "sudo -u " + shellQuote(sudoUser) + " -- " + inner
	}
	return "sudo -- " + inner
}

func retryDelay(ms int) time.Duration {
	if ms <= 0 {
		return 2 * time.Second
	}
	return time.Duration(ms) * time.Millisecond
}

// stepRetryJitterPct is the "20% uniform jitter" from spec.md §4.3's
// retry wrapper law: retry_delay * 2^(attempt-1) * (1 + U[0, 0.2]).
const stepRetryJitterPct = 0.2

// uniformJitterPolicy wraps a base policy, widening (never shrinking)
// each computed interval via backoff.UniformJitter. NewJitterFunc's
// FullJitter/Jitter strategies can shrink an interval below the base,
// which the spec's one-sided law explicitly rules out.
type uniformJitterPolicy struct {
	base backoff.RetryPolicy
	pct  float64
}

func (p uniformJitterPolicy) ComputeNextInterval(retryCount int, elapsed time.Duration, err error) (time.Duration, error) {
	interval, computeErr := p.base.ComputeNextInterval(retryCount, elapsed, err)
	if computeErr != nil {
		return 0, computeErr
	}
	return backoff.UniformJitter(interval, p.pct), nil
}

func stepRetryPolicy(retryDelayMS, retries int) backoff.RetryPolicy {
	exp := backoff.NewExponentialBackoffPolicy(retryDelay(retryDelayMS))
	exp.MaxRetries = retries
	return uniformJitterPolicy{base: exp, pct: stepRetryJitterPct}
}

// runShell retries a step's own TimeoutMS/Retries/RetryDelayMS budget
// per spec.md §4.3's retry wrapper, independent of any DSL-level retry
// wrapper above it.
func runShell(ctx context.Context, t Transport, s core.ShellStep) Result {
	cmd := assembleShellCommand(s.Cmd, s.Sudo, s.SudoUser)
	timeout := timeoutOrDefault(s.TimeoutMS)

	if s.Retries <= 0 {
		// backoff.ExponentialBackoffPolicy treats MaxRetries == 0 as
		// "unlimited", which collides with the step's own "0 retries"
		// meaning "run once, never retry". Skip the retrier entirely
		// rather than hand it a MaxRetries value it would misread.
		return runShellOnce(ctx, t, cmd, timeout)
	}

	retrier := backoff.NewRetrier(stepRetryPolicy(s.RetryDelayMS, s.Retries))

	attempts := 0
	for {
		attempts++
		res, err := t.Run(ctx, cmd, timeout)
		if err == nil && res.ExitCode == 0 {
			return Result{Status: StatusOK, Output: res.Output, ExitCode: 0, Attempts: attempts}
		}

		if waitErr := retrier.Next(ctx, err); waitErr != nil {
			if err != nil {
				return Result{Status: StatusError, Message: err.Error(), Attempts: attempts}
			}
			return Result{Status: StatusFailed, Output: res.Output, ExitCode: res.ExitCode, Attempts: attempts}
		}
	}
}

func runShellOnce(ctx context.Context, t Transport, cmd string, timeout time.Duration) Result {
	res, err := t.Run(ctx, cmd, timeout)
	if err == nil && res.ExitCode == 0 {
		return Result{Status: StatusOK, Output: res.Output, ExitCode: 0, Attempts: 1}
	}
	if err != nil {
		return Result{Status: StatusError, Message: err.Error(), Attempts: 1}
	}
	return Result{Status: StatusFailed, Output: res.Output, ExitCode: res.ExitCode, Attempts: 1}
}
