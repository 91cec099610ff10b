package executor

import (
	"context"
	"sort"
	"strings"

	"github.com/nexus-run/nexus/internal/core"
)

// runGuardedCommand checks creates/removes/unless/onlyif in order and,
// if none of them skip the step, assembles and dispatches the effective
// command line through the shell executor (spec.md §4.6).
func runGuardedCommand(ctx context.Context, t Transport, s core.GuardedCommandStep) Result {
	if s.Creates != "" && pathExists(ctx, t, s.Creates) {
		return skipped()
	}
	if s.Removes != "" && !pathExists(ctx, t, s.Removes) {
		return skipped()
	}
	if s.Unless != "" && commandSucceeds(ctx, t, s.Unless) {
		return skipped()
	}
	if s.OnlyIf != "" && !commandSucceeds(ctx, t, s.OnlyIf) {
		return skipped()
	}

	cmd := s.Cmd
	if len(s.Env) > 0 {
		cmd = "sh -c " + shellQuote(envPrefix(s.Env)+cmd)
	}
	if s.Cwd != "" {
		cmd = "cd " + shellQuote(s.Cwd) + " && " + cmd
	}

	shellStep := core.ShellStep{
		Cmd:          cmd,
		Sudo:         s.Sudo,
		SudoUser:     s.SudoUser,
		TimeoutMS:    s.TimeoutMS,
		Retries:      s.Retries,
		RetryDelayMS: s.RetryDelayMS,
	}
	res := runShell(ctx, t, shellStep)
	if res.Status == StatusOK {
		return res
	}
	// spec.md §4.6: a guarded command's result is ok for a zero exit,
	// error otherwise, regardless of whether the non-zero exit came
	// from the command itself or from a transport failure.
	return Result{Status: StatusError, Output: res.Output, ExitCode: res.ExitCode, Message: res.Message, Attempts: res.Attempts}
}

func envPrefix(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(shellQuote(env[k]))
		b.WriteString(" ")
	}
	return b.String()
}

func pathExists(ctx context.Context, t Transport, path string) bool {
	res, err := t.Run(ctx, "test -e "+shellQuote(path), timeoutOrDefault(0))
	return err == nil && res.ExitCode == 0
}

func commandSucceeds(ctx context.Context, t Transport, cmd string) bool {
	res, err := t.Run(ctx, cmd, timeoutOrDefault(0))
	return err == nil && res.ExitCode == 0
}
