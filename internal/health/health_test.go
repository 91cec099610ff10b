package health_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-run/nexus/internal/core"
	"github.com/nexus-run/nexus/internal/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProbe_SucceedsOnStatusAndBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("all systems go"))
	}))
	defer srv.Close()

	probe := health.NewHTTPProbe(srv.URL, 0, "systems go", false)
	ok, err := probe.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHTTPProbe_FailsOnWrongStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	probe := health.NewHTTPProbe(srv.URL, 0, "", false)
	ok, err := probe.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHTTPProbe_RegexBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("build 42 ready"))
	}))
	defer srv.Close()

	probe := health.NewHTTPProbe(srv.URL, 0, `build \d+ ready`, true)
	ok, err := probe.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHTTPProbe_ConnectionRefusedIsNotReadyNotError(t *testing.T) {
	t.Parallel()

	probe := health.NewHTTPProbe("http://127.0.0.1:1", 0, "", false)
	ok, err := probe.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTCPProbe_SucceedsWhenListening(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	probe := &health.TCPProbe{Address: ln.Addr().String()}
	ok, err := probe.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTCPProbe_FailsWhenNothingListening(t *testing.T) {
	t.Parallel()

	probe := &health.TCPProbe{Address: "127.0.0.1:1"}
	ok, err := probe.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCommandProbe_SucceedsOnNilError(t *testing.T) {
	t.Parallel()

	probe := &health.CommandProbe{
		Run: func(ctx context.Context, h core.Host, cmd string, timeout time.Duration) (string, error) {
			return "", nil
		},
		Cmd: "systemctl is-active myapp",
	}
	ok, err := probe.CheckOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPollUntilReady_SucceedsAfterRetries(t *testing.T) {
	t.Parallel()

	var attempts int32
	probe := pollFunc(func(ctx context.Context) (bool, error) {
		n := atomic.AddInt32(&attempts, 1)
		return n >= 3, nil
	})

	err := health.PollUntilReady(context.Background(), probe, 2*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&attempts)), 3)
}

func TestPollUntilReady_TimesOut(t *testing.T) {
	t.Parallel()

	probe := pollFunc(func(ctx context.Context) (bool, error) { return false, nil })

	err := health.PollUntilReady(context.Background(), probe, 2*time.Millisecond, 20*time.Millisecond)
	require.ErrorIs(t, err, core.ErrStepTimeout)
}

func TestPollUntilReady_CarriesLastErrorIntoTimeout(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("connection reset")
	probe := pollFunc(func(ctx context.Context) (bool, error) { return false, wantErr })

	err := health.PollUntilReady(context.Background(), probe, 2*time.Millisecond, 10*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrStepTimeout)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestPollUntilReady_RespectsContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	probe := pollFunc(func(ctx context.Context) (bool, error) { return false, nil })

	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := health.PollUntilReady(ctx, probe, 50*time.Millisecond, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

type pollFunc func(ctx context.Context) (bool, error)

func (f pollFunc) CheckOnce(ctx context.Context) (bool, error) { return f(ctx) }
