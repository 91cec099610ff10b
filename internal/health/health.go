// Package health implements the HTTP/TCP/command probes behind a
// WaitFor step (C3): poll check_once on a fixed interval until success
// or the overall deadline expires.
package health

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/nexus-run/nexus/internal/core"
)

// CommandRunner matches internal/facts.CommandRunner's shape: health
// stays transport-agnostic the same way, so the command probe can run
// locally or over a pooled SSH session without this package importing
// either.
type CommandRunner func(ctx context.Context, host core.Host, cmd string, timeout time.Duration) (stdout string, err error)

const tcpDialTimeout = 5 * time.Second

// Prober performs one check_once attempt. A nil error with ok=false
// means "not ready yet, keep polling"; a non-nil error reports a
// failed attempt. PollUntilReady keeps polling after either until its
// deadline.
type Prober interface {
	CheckOnce(ctx context.Context) (ok bool, err error)
}

// HTTPProbe implements the WaitFor "http" kind: GET the URL, succeed iff
// the status matches (default 200) and the body matches, when given.
type HTTPProbe struct {
	Client              *resty.Client
	URL                 string
	ExpectedStatus      int
	ExpectedBody        string
	ExpectedBodyIsRegex bool
}

// NewHTTPProbe builds an HTTPProbe with a short-lived resty client sized
// for a single polling attempt.
func NewHTTPProbe(url string, expectedStatus int, expectedBody string, isRegex bool) *HTTPProbe {
	client := resty.New().SetTimeout(5 * time.Second)
	return &HTTPProbe{Client: client, URL: url, ExpectedStatus: expectedStatus, ExpectedBody: expectedBody, ExpectedBodyIsRegex: isRegex}
}

func (p *HTTPProbe) wantStatus() int {
	if p.ExpectedStatus <= 0 {
		return 200
	}
	return p.ExpectedStatus
}

func (p *HTTPProbe) CheckOnce(ctx context.Context) (bool, error) {
	resp, err := p.Client.R().SetContext(ctx).Get(p.URL)
	if err != nil {
		// A connection refused / timeout just means "not up yet".
		return false, nil
	}
	if resp.StatusCode() != p.wantStatus() {
		return false, nil
	}
	if p.ExpectedBody == "" {
		return true, nil
	}
	body := string(resp.Body())
	if p.ExpectedBodyIsRegex {
		matched, err := regexp.MatchString(p.ExpectedBody, body)
		if err != nil {
			return false, fmt.Errorf("wait_for: invalid expected_body regex: %w", err)
		}
		return matched, nil
	}
	return strings.Contains(body, p.ExpectedBody), nil
}

// TCPProbe implements the WaitFor "tcp" kind: success iff a connect to
// host:port succeeds within a short timeout.
type TCPProbe struct {
	Address string // host:port
}

func (p *TCPProbe) CheckOnce(ctx context.Context) (bool, error) {
	d := net.Dialer{Timeout: tcpDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return false, nil
	}
	_ = conn.Close()
	return true, nil
}

// CommandProbe implements the WaitFor "command" kind: success iff cmd
// exits 0, run either locally or over a pooled connection via Run.
type CommandProbe struct {
	Run     CommandRunner
	Host    core.Host
	Cmd     string
	Timeout time.Duration
}

func (p *CommandProbe) CheckOnce(ctx context.Context) (bool, error) {
	_, err := p.Run(ctx, p.Host, p.Cmd, p.Timeout)
	if err != nil {
		// A transport failure (can't even reach the host) isn't
		// "not ready", it's an error the caller should see, but during
		// normal polling a non-zero exit is reported the same way a
		// CommandRunner surfaces it: as an error. Either way, keep
		// polling until the deadline; the final error wins if it
		// never resolves.
		return false, err
	}
	return true, nil
}

// PollUntilReady calls probe.CheckOnce on a fixed interval (capped so we
// never sleep past the deadline) until it reports ready, the deadline
// passes, or ctx is canceled. A non-nil CheckOnce error does not abort
// the poll immediately: it's remembered and returned only if the
// deadline is reached without ever succeeding, mirroring "keep trying
// until timeout" rather than "fail fast on the first hiccup".
func PollUntilReady(ctx context.Context, probe Prober, interval, timeout time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.Now().Add(timeout)

	var lastErr error
	for {
		ok, err := probe.CheckOnce(ctx)
		if err != nil {
			lastErr = err
		}
		if ok {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if lastErr != nil {
				return fmt.Errorf("%w: %v", core.ErrStepTimeout, lastErr)
			}
			return core.ErrStepTimeout
		}

		sleep := interval
		if sleep > remaining {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
