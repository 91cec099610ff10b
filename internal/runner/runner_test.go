package runner_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-run/nexus/internal/core"
	"github.com/nexus-run/nexus/internal/facts"
	"github.com/nexus-run/nexus/internal/runner"
	"github.com/nexus-run/nexus/internal/sshpool"
	"github.com/nexus-run/nexus/internal/sshtransport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession is a scriptable sshpool.Session + executor.Transport double:
// every Run call reports ExitCode 0 unless the command appears in
// FailCmds.
type fakeSession struct {
	FailCmds map[string]bool
	closed   int32
}

func (f *fakeSession) Run(ctx context.Context, cmd string, timeout time.Duration) (sshtransport.RunResult, error) {
	if f.FailCmds[cmd] {
		return sshtransport.RunResult{ExitCode: 1, Output: "boom"}, nil
	}
	return sshtransport.RunResult{ExitCode: 0, Output: "ok"}, nil
}

func (f *fakeSession) WriteFile(path string, data []byte, mode *uint32) error { return nil }
func (f *fakeSession) ReadFile(path string) ([]byte, error)                  { return nil, nil }
func (f *fakeSession) RunSudoMove(ctx context.Context, src, dst string, mode *uint32, sudoUser string, timeout time.Duration) error {
	return nil
}
func (f *fakeSession) Probe(ctx context.Context) error { return nil }
func (f *fakeSession) Close() error                    { atomic.AddInt32(&f.closed, 1); return nil }

func newTestPool(failCmds map[string]bool) *sshpool.Pool {
	return sshpool.New(func(ctx context.Context, dest sshpool.Destination) (sshpool.Session, error) {
		return &fakeSession{FailCmds: failCmds}, nil
	}, sshpool.Config{})
}

func newFailingPool(err error) *sshpool.Pool {
	return sshpool.New(func(ctx context.Context, dest sshpool.Destination) (sshpool.Session, error) {
		return nil, err
	}, sshpool.Config{CheckoutTimeout: 20 * time.Millisecond})
}

type fakeProber struct{}

func (fakeProber) Probe(ctx context.Context, host core.Host) (map[string]any, error) {
	return map[string]any{"os_family": "linux"}, nil
}

func shellTask(name string, cmds ...string) core.Task {
	steps := make([]core.Step, len(cmds))
	for i, c := range cmds {
		steps[i] = core.Step{Body: core.ShellStep{Cmd: c}}
	}
	return core.Task{Name: name, Commands: steps}
}

func cfgWithHosts(names ...string) core.Config {
	hosts := map[string]core.Host{}
	for _, n := range names {
		hosts[n] = core.Host{Name: n, Hostname: n}
	}
	return core.Config{Hosts: hosts, DefaultUser: "deploy", DefaultPort: 22, MaxConnections: 4}
}

func TestRun_LocalTaskRunsOnce(t *testing.T) {
	t.Parallel()

	r := runner.New(core.Config{}, newTestPool(nil), facts.NewCache(fakeProber{}))
	task := shellTask("deploy", "echo hi")
	task.On = core.Target{Kind: core.TargetLocal}

	res := r.Run(context.Background(), task)
	assert.Equal(t, "ok", res.Status)
	require.Len(t, res.Hosts, 1)
	assert.Equal(t, ":local", res.Hosts[0].Host)
}

func TestRun_ParallelAllHostsOK(t *testing.T) {
	t.Parallel()

	cfg := cfgWithHosts("web1", "web2", "web3")
	r := runner.New(cfg, newTestPool(nil), facts.NewCache(fakeProber{}))
	task := shellTask("deploy", "echo hi")
	task.On = core.Target{Kind: core.TargetGroup, Name: "web"}
	cfg.Groups = map[string]core.HostGroup{"web": {Name: "web", Members: []string{"web1", "web2", "web3"}}}
	r.Config = cfg

	res := r.Run(context.Background(), task)
	assert.Equal(t, "ok", res.Status)
	assert.Len(t, res.Hosts, 3)
}

func TestRun_UnknownTargetFails(t *testing.T) {
	t.Parallel()

	r := runner.New(cfgWithHosts(), newTestPool(nil), facts.NewCache(fakeProber{}))
	task := shellTask("deploy", "echo hi")
	task.On = core.Target{Kind: core.TargetHost, Name: "ghost"}

	res := r.Run(context.Background(), task)
	assert.Equal(t, "error", res.Status)
	assert.Contains(t, res.Message, core.ErrNoHosts.Error())
}

func TestRun_SerialHaltsOnFirstFailure(t *testing.T) {
	t.Parallel()

	cfg := cfgWithHosts("a", "b", "c")
	cfg.Groups = map[string]core.HostGroup{"all": {Name: "all", Members: []string{"a", "b", "c"}}}
	r := runner.New(cfg, newTestPool(map[string]bool{"false": true}), facts.NewCache(fakeProber{}))
	task := shellTask("deploy", "false")
	task.On = core.Target{Kind: core.TargetGroup, Name: "all"}
	task.Strategy = core.StrategySerial

	res := r.Run(context.Background(), task)
	assert.Equal(t, "error", res.Status)
	// Halts after the first host: a failed step's status is "failed" (a
	// non-zero exit, not a transport error), so serial sees a non-ok host
	// and stops without trying b or c.
	assert.Len(t, res.Hosts, 1)
}

func TestRun_ContinueOnErrorRunsEveryHostSerially(t *testing.T) {
	t.Parallel()

	cfg := cfgWithHosts("a", "b", "c")
	cfg.Groups = map[string]core.HostGroup{"all": {Name: "all", Members: []string{"a", "b", "c"}}}
	cfg.ContinueOnError = true
	r := runner.New(cfg, newTestPool(map[string]bool{"false": true}), facts.NewCache(fakeProber{}))
	task := shellTask("deploy", "false")
	task.On = core.Target{Kind: core.TargetGroup, Name: "all"}
	task.Strategy = core.StrategySerial

	res := r.Run(context.Background(), task)
	assert.Equal(t, "error", res.Status)
	assert.Len(t, res.Hosts, 3)
}

func TestRun_ConnectionFailureSynthesizesConnectStep(t *testing.T) {
	t.Parallel()

	cfg := cfgWithHosts("a")
	r := runner.New(cfg, newFailingPool(core.ErrConnection), facts.NewCache(fakeProber{}))
	task := shellTask("deploy", "echo hi")
	task.On = core.Target{Kind: core.TargetHost, Name: "a"}

	res := r.Run(context.Background(), task)
	assert.Equal(t, "error", res.Status)
	require.Len(t, res.Hosts, 1)
	require.Len(t, res.Hosts[0].Steps, 1)
	assert.Equal(t, "connect", res.Hosts[0].Steps[0].Description)
	assert.Equal(t, -1, res.Hosts[0].Steps[0].ExitCode)
	assert.Equal(t, 1, res.Hosts[0].Steps[0].Attempts)
}

func TestRun_NotifyCollectionIsDeduplicatedAndSorted(t *testing.T) {
	t.Parallel()

	cfg := cfgWithHosts("a", "b")
	cfg.Groups = map[string]core.HostGroup{"all": {Name: "all", Members: []string{"a", "b"}}}
	r := runner.New(cfg, newTestPool(nil), facts.NewCache(fakeProber{}))

	task := core.Task{
		Name: "deploy",
		On:   core.Target{Kind: core.TargetGroup, Name: "all"},
		Commands: []core.Step{
			{Body: core.ShellStep{Cmd: "echo a"}, Notify: "reload-b"},
			{Body: core.ShellStep{Cmd: "echo b"}, Notify: "reload-a"},
		},
	}

	res := r.Run(context.Background(), task)
	assert.Equal(t, []string{"reload-a", "reload-b"}, res.TriggeredHandlers)
}

func TestRun_RollingGateAbortsRemainingBatches(t *testing.T) {
	t.Parallel()

	cfg := cfgWithHosts("a", "b", "c", "d")
	cfg.Groups = map[string]core.HostGroup{"all": {Name: "all", Members: []string{"a", "b", "c", "d"}}}
	r := runner.New(cfg, newTestPool(map[string]bool{"curl -f http://health": true}), facts.NewCache(fakeProber{}))

	task := core.Task{
		Name: "deploy",
		On:   core.Target{Kind: core.TargetGroup, Name: "all"},
		Commands: []core.Step{
			{Body: core.ShellStep{Cmd: "echo deployed"}},
			{Body: core.WaitForStep{Type: core.WaitForCommand, Target: "curl -f http://health", TimeoutMS: 10, IntervalMS: 1}},
		},
		Strategy:  core.StrategyRolling,
		BatchSize: 2,
	}

	res := r.Run(context.Background(), task)
	assert.Equal(t, "error", res.Status)
	// Only the first batch runs; the gate fails (the wait_for command
	// always fails), aborting the second batch entirely.
	assert.Len(t, res.Hosts, 2)
}

func TestRun_CanaryRollsTailAfterHeadPasses(t *testing.T) {
	t.Parallel()

	cfg := cfgWithHosts("a", "b", "c")
	cfg.Groups = map[string]core.HostGroup{"all": {Name: "all", Members: []string{"a", "b", "c"}}}
	r := runner.New(cfg, newTestPool(nil), facts.NewCache(fakeProber{}))

	task := core.Task{
		Name:        "deploy",
		On:          core.Target{Kind: core.TargetGroup, Name: "all"},
		Commands:    []core.Step{{Body: core.ShellStep{Cmd: "echo deployed"}}},
		Strategy:    core.StrategyCanary,
		CanaryHosts: 1,
	}

	res := r.Run(context.Background(), task)
	assert.Equal(t, "ok", res.Status)
	assert.Len(t, res.Hosts, 3)
}
