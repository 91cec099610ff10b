package core

import (
	"errors"
	"strings"
)

// ErrorList joins zero or more errors, printing them separated by "; " and
// supporting errors.Is/errors.As against any member via Unwrap.
type ErrorList []error

func (e ErrorList) Error() string {
	if len(e) == 0 {
		return ""
	}
	parts := make([]string, len(e))
	for i, err := range e {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}

// ToStringList renders each error's message, preserving order.
func (e ErrorList) ToStringList() []string {
	out := make([]string, len(e))
	for i, err := range e {
		out[i] = err.Error()
	}
	return out
}

// Unwrap exposes the member errors so errors.Is/errors.As can traverse them.
func (e ErrorList) Unwrap() []error {
	if len(e) == 0 {
		return nil
	}
	return []error(e)
}

// Error-kind sentinels. Components wrap one of these with %w plus
// contextual detail (host, task, step index) so callers can classify a
// failure with errors.Is instead of string-matching a message. These
// mirror the taxonomy in spec.md §7.
var (
	// ErrConfigError covers configuration load and validation failures
	// reported by internal/configio.
	ErrConfigError = errors.New("configuration error")
	// ErrUnknownTasks is what dag.UnknownTasksError unwraps to when
	// targets or dependencies name undefined tasks.
	ErrUnknownTasks = errors.New("unknown tasks")
	// ErrCycle is what dag.CycleError unwraps to when the dependency graph
	// contains a cycle.
	ErrCycle = errors.New("dependency cycle")
	// ErrNoHosts is returned when a task's target selector resolves to
	// zero hosts (unknown host/group name, or an empty group).
	ErrNoHosts = errors.New("no hosts resolved for target")

	// ErrConnection covers pool dial/checkout failures.
	ErrConnection = errors.New("connection error")
	// ErrPoolClosed is returned by a pool that has been shut down.
	ErrPoolClosed = errors.New("pool closed")
	// ErrCheckoutTimeout is returned when a checkout could not acquire a
	// session within its configured timeout.
	ErrCheckoutTimeout = errors.New("checkout timeout")
	// ErrPoolLockTimeout is returned when single-flight pool creation
	// could not acquire its lock within its retry budget.
	ErrPoolLockTimeout = errors.New("pool_lock_timeout")

	// ErrTransport covers in-flight SSH/SFTP send-receive failures.
	ErrTransport = errors.New("transport error")
	// ErrStepTimeout is returned when a single step exceeds its timeout.
	ErrStepTimeout = errors.New("step timeout")
	// ErrTaskTimeout is returned when a task exceeds its overall timeout.
	ErrTaskTimeout = errors.New("task timeout")
	// ErrCommandFailed is returned for a non-zero exit status.
	ErrCommandFailed = errors.New("command failed")
	// ErrGuardSkip is not a failure: it signals a step was skipped by a
	// guard (when/creates/removes/unless/onlyif) and had no side effect.
	ErrGuardSkip = errors.New("guard skip")
	// ErrRetriesExhausted is returned by a backoff.RetryPolicy once its
	// MaxRetries budget is spent; callers classify it against the step's
	// own retry count rather than string-matching a message.
	ErrRetriesExhausted = errors.New("retries exhausted")
)
