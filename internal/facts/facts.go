// Package facts implements the per-host fact cache (C9): a small map of
// OS family, architecture, CPU count, memory, and hostname, gathered once
// per host per run and shared read-many across every task that targets
// that host.
package facts

import (
	"bufio"
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nexus-run/nexus/internal/core"
	"golang.org/x/sync/singleflight"
)

// Keys present in a gathered fact map.
const (
	OSFamily = "os_family"
	Arch     = "arch"
	CPUCount = "cpu_count"
	MemMB    = "mem_mb"
	Hostname = "hostname"
)

// CommandRunner executes a short probe command against host and returns
// its combined output. Facts is transport-agnostic: the caller supplies a
// CommandRunner backed by either a local exec or a pooled SSH session, so
// this package never imports internal/sshpool directly.
type CommandRunner func(ctx context.Context, host core.Host, cmd string, timeout time.Duration) (stdout string, err error)

// probeScript prints one bare fact value per line, in the fixed order OS
// name, architecture, CPU count, memory in MB, hostname; it's POSIX sh,
// deliberately avoiding bash-only constructs since the remote shell is
// unknown.
const probeScript = `
uname -s
uname -m
(nproc 2>/dev/null || getconf _NPROCESSORS_ONLN 2>/dev/null || echo 1)
(awk '/MemTotal/{printf "%d\n", $2/1024}' /proc/meminfo 2>/dev/null || echo 0)
hostname
`

const probeTimeout = 10 * time.Second

// Prober gathers the fact map for one host.
type Prober interface {
	Probe(ctx context.Context, host core.Host) (map[string]any, error)
}

// ShellProber is the standard Prober: it runs probeScript and parses its
// five fixed output lines.
type ShellProber struct {
	Run CommandRunner
}

func (p ShellProber) Probe(ctx context.Context, host core.Host) (map[string]any, error) {
	out, err := p.Run(ctx, host, probeScript, probeTimeout)
	if err != nil {
		return nil, err
	}
	return parseProbeOutput(out), nil
}

func parseProbeOutput(out string) map[string]any {
	lines := make([]string, 0, 5)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	facts := map[string]any{}
	get := func(i int) string {
		if i < len(lines) {
			return lines[i]
		}
		return ""
	}
	facts[OSFamily] = normalizeOSFamily(get(0))
	facts[Arch] = get(1)
	if n, err := strconv.Atoi(get(2)); err == nil {
		facts[CPUCount] = n
	} else {
		facts[CPUCount] = 0
	}
	if n, err := strconv.Atoi(get(3)); err == nil {
		facts[MemMB] = n
	} else {
		facts[MemMB] = 0
	}
	facts[Hostname] = get(4)
	return facts
}

func normalizeOSFamily(uname string) string {
	switch strings.ToLower(strings.TrimSpace(uname)) {
	case "linux":
		return "linux"
	case "darwin":
		return "darwin"
	default:
		return strings.ToLower(strings.TrimSpace(uname))
	}
}

// Cache is the shared, write-once-per-host, read-many fact store for one
// run. Concurrent first-miss lookups on the same host are serialized via
// singleflight.Group; losers observe the winner's result, per spec.md §5.
type Cache struct {
	prober Prober

	mu    sync.RWMutex
	byKey map[string]map[string]any

	sf singleflight.Group
}

// NewCache builds a Cache backed by prober.
func NewCache(prober Prober) *Cache {
	return &Cache{prober: prober, byKey: map[string]map[string]any{}}
}

// Get returns the cached facts for host, gathering and caching them on
// first access. key is the cache/single-flight key (typically the host's
// name, or ":local" for the local target).
func (c *Cache) Get(ctx context.Context, key string, host core.Host) (map[string]any, error) {
	c.mu.RLock()
	if f, ok := c.byKey[key]; ok {
		c.mu.RUnlock()
		return f, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.sf.Do(key, func() (any, error) {
		// Re-check under the single-flight lock: another goroutine may have
		// populated the cache while we waited to enter Do for a different
		// in-flight key collision window.
		c.mu.RLock()
		if f, ok := c.byKey[key]; ok {
			c.mu.RUnlock()
			return f, nil
		}
		c.mu.RUnlock()

		f, err := c.prober.Probe(ctx, host)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.byKey[key] = f
		c.mu.Unlock()
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

// Clear empties the cache. Called by the orchestrator at run teardown.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey = map[string]map[string]any{}
}
