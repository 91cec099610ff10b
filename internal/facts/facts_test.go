package facts_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-run/nexus/internal/core"
	"github.com/nexus-run/nexus/internal/facts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProber struct {
	calls  int32
	output map[string]any
}

func (s *stubProber) Probe(ctx context.Context, host core.Host) (map[string]any, error) {
	atomic.AddInt32(&s.calls, 1)
	time.Sleep(5 * time.Millisecond)
	return s.output, nil
}

func TestCache_CachesPerHost(t *testing.T) {
	t.Parallel()

	prober := &stubProber{output: map[string]any{facts.OSFamily: "linux"}}
	cache := facts.NewCache(prober)

	host := core.Host{Name: "h1"}
	f1, err := cache.Get(context.Background(), "h1", host)
	require.NoError(t, err)
	assert.Equal(t, "linux", f1[facts.OSFamily])

	_, err = cache.Get(context.Background(), "h1", host)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&prober.calls))
}

func TestCache_SerializesConcurrentMiss(t *testing.T) {
	t.Parallel()

	prober := &stubProber{output: map[string]any{facts.OSFamily: "linux"}}
	cache := facts.NewCache(prober)
	host := core.Host{Name: "h1"}

	const n = 20
	results := make(chan map[string]any, n)
	for i := 0; i < n; i++ {
		go func() {
			f, err := cache.Get(context.Background(), "h1", host)
			require.NoError(t, err)
			results <- f
		}()
	}
	for i := 0; i < n; i++ {
		<-results
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&prober.calls))
}

func TestCache_Clear(t *testing.T) {
	t.Parallel()

	prober := &stubProber{output: map[string]any{facts.OSFamily: "linux"}}
	cache := facts.NewCache(prober)
	host := core.Host{Name: "h1"}

	_, err := cache.Get(context.Background(), "h1", host)
	require.NoError(t, err)
	cache.Clear()
	_, err = cache.Get(context.Background(), "h1", host)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&prober.calls))
}
