package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/nexus-run/nexus/internal/core"
	"github.com/nexus-run/nexus/internal/health"
)

const defaultWaitForInterval = 2 * time.Second

func runWaitFor(ctx context.Context, t Transport, host core.Host, s core.WaitForStep) Result {
	var probe health.Prober
	switch s.Type {
	case core.WaitForHTTP:
		probe = health.NewHTTPProbe(s.Target, s.ExpectedStatus, s.ExpectedBody, s.ExpectedBodyIsRegex)
	case core.WaitForTCP:
		probe = &health.TCPProbe{Address: s.Target}
	case core.WaitForCommand:
		probe = &health.CommandProbe{
			Run:     healthCommandRunner(t),
			Host:    host,
			Cmd:     s.Target,
			Timeout: timeoutOrDefault(0),
		}
	default:
		return Result{Status: StatusError, Message: fmt.Sprintf("unknown wait_for type %q", s.Type)}
	}

	timeout := timeoutOrDefault(s.TimeoutMS)
	interval := intervalOrDefault(s.IntervalMS)

	if err := health.PollUntilReady(ctx, probe, interval, timeout); err != nil {
		return Result{Status: StatusError, Message: err.Error()}
	}
	return Result{Status: StatusOK, Attempts: 1}
}

func intervalOrDefault(ms int) time.Duration {
	if ms <= 0 {
		return defaultWaitForInterval
	}
	return time.Duration(ms) * time.Millisecond
}
