// Package sshpool implements the connection pool (C2): up to P sessions
// per destination key, lazy asynchronous dial, validate-before-hand-out,
// idle reaping, and single-flight per-key pool creation. spec.md §9's
// REDESIGN FLAG retires the original's shared ETS-style registry in
// favor of a concurrent map guarded by a singleflight.Group keyed on the
// destination — exactly the pattern golang.org/x/sync already brings in.
package sshpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-run/nexus/internal/core"
	"golang.org/x/sync/singleflight"
)

// Session is the subset of *sshtransport.Session the pool depends on.
// Keeping it an interface lets tests fake a transport without dialing
// real SSH connections.
type Session interface {
	Probe(ctx context.Context) error
	Close() error
}

// Destination identifies one pool (host:port:user) plus the auth material
// dial needs to reach it. IdentityFile and Password aren't part of the
// pool key: two Destinations with the same host:port:user always share a
// pool, since a given user on a given host has exactly one set of valid
// credentials at a time.
type Destination struct {
	Host string
	Port string
	User string

	IdentityFile string
	Password     string
}

// Key returns the destination's pool key, per spec.md §4.5.
func (d Destination) Key() string {
	return d.Host + ":" + d.Port + ":" + d.User
}

// DialFunc opens one new session to dest. The pool calls this lazily,
// never on its own control-path goroutine that holds a lock.
type DialFunc func(ctx context.Context, dest Destination) (Session, error)

// Config holds the pool's tunables, mirroring core.Config's
// *_ms fields but as time.Duration.
type Config struct {
	MaxSize         int
	CheckoutTimeout time.Duration // default 30s
	IdleTimeout     time.Duration // default 300s
	PoolLockTimeout time.Duration // default 5s
}

func (c Config) maxSize() int {
	if c.MaxSize <= 0 {
		return 5
	}
	return c.MaxSize
}

func (c Config) checkoutTimeout() time.Duration {
	if c.CheckoutTimeout <= 0 {
		return 30 * time.Second
	}
	return c.CheckoutTimeout
}

func (c Config) idleTimeout() time.Duration {
	if c.IdleTimeout <= 0 {
		return 300 * time.Second
	}
	return c.IdleTimeout
}

func (c Config) poolLockTimeout() time.Duration {
	if c.PoolLockTimeout <= 0 {
		return 5 * time.Second
	}
	return c.PoolLockTimeout
}

// Pool owns one destPool per destination key.
type Pool struct {
	dial DialFunc
	cfg  Config

	mu     sync.Mutex
	dests  map[string]*destPool
	closed bool

	sf singleflight.Group
}

// New builds a Pool that dials sessions with dial.
func New(dial DialFunc, cfg Config) *Pool {
	return &Pool{dial: dial, cfg: cfg, dests: map[string]*destPool{}}
}

// Checkout blocks up to the pool's checkout timeout for a session to
// dest, runs fn against it, and returns the session to the pool
// afterward. A session is dropped instead of returned whenever fn's
// error wraps core.ErrTransport, since that signals the connection
// itself (not just the command) is no longer trustworthy.
func (p *Pool) Checkout(ctx context.Context, dest Destination, fn func(Session) error) error {
	dp, err := p.getOrCreate(dest)
	if err != nil {
		return err
	}
	sess, err := dp.acquire(ctx)
	if err != nil {
		return err
	}
	fnErr := fn(sess)
	dp.release(sess, fnErr != nil && errors.Is(fnErr, core.ErrTransport))
	return fnErr
}

// getOrCreate returns the destPool for dest, creating it if needed. Only
// one goroutine ever constructs the destPool for a given key, even under
// concurrent first access, via p.sf.
func (p *Pool) getOrCreate(dest Destination) (*destPool, error) {
	key := dest.Key()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, core.ErrPoolClosed
	}
	if dp, ok := p.dests[key]; ok {
		p.mu.Unlock()
		return dp, nil
	}
	p.mu.Unlock()

	type outcome struct {
		dp  *destPool
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err, _ := p.sf.Do(key, func() (any, error) {
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.closed {
				return nil, core.ErrPoolClosed
			}
			if dp, ok := p.dests[key]; ok {
				return dp, nil
			}
			dp := newDestPool(dest, p.dial, p.cfg)
			p.dests[key] = dp
			return dp, nil
		})
		if err != nil {
			done <- outcome{err: err}
			return
		}
		done <- outcome{dp: v.(*destPool)}
	}()

	select {
	case o := <-done:
		return o.dp, o.err
	case <-time.After(p.cfg.poolLockTimeout()):
		return nil, fmt.Errorf("%w: %s", core.ErrPoolLockTimeout, key)
	}
}

// Shutdown closes every destination pool and every session in it.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, dp := range p.dests {
		dp.closeAll()
	}
}

// destPool is a single destination's bounded set of sessions.
type destPool struct {
	dest Destination
	dial DialFunc

	maxSize         int
	checkoutTimeout time.Duration
	idleTimeout     time.Duration

	mu     sync.Mutex
	idle   []*pooledSlot
	closed bool

	// tokens holds one value per session slot not currently occupied by
	// a live (idle or checked-out) session. Acquiring a token means
	// "you may dial"; a token returns to the channel only when a
	// session is actually destroyed.
	tokens chan struct{}

	stopReaper chan struct{}
}

type pooledSlot struct {
	sess     Session
	lastUsed time.Time
}

func newDestPool(dest Destination, dial DialFunc, cfg Config) *destPool {
	size := cfg.maxSize()
	dp := &destPool{
		dest:            dest,
		dial:            dial,
		maxSize:         size,
		checkoutTimeout: cfg.checkoutTimeout(),
		idleTimeout:     cfg.idleTimeout(),
		tokens:          make(chan struct{}, size),
		stopReaper:      make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		dp.tokens <- struct{}{}
	}
	go dp.reapLoop()
	return dp
}

// acquire hands out an existing idle session (after a liveness probe) or
// dials a fresh one, blocking up to the pool's checkout timeout.
func (dp *destPool) acquire(ctx context.Context) (Session, error) {
	deadline := time.Now().Add(dp.checkoutTimeout)

	for {
		dp.mu.Lock()
		if dp.closed {
			dp.mu.Unlock()
			return nil, core.ErrPoolClosed
		}
		if n := len(dp.idle); n > 0 {
			s := dp.idle[n-1]
			dp.idle = dp.idle[:n-1]
			dp.mu.Unlock()

			if err := s.sess.Probe(ctx); err != nil {
				_ = s.sess.Close()
				dp.tokens <- struct{}{}
				continue
			}
			return s.sess, nil
		}
		dp.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, core.ErrCheckoutTimeout
		}

		timer := time.NewTimer(remaining)
		select {
		case <-dp.tokens:
			timer.Stop()
			sess, err := dp.dial(ctx, dp.dest)
			if err != nil {
				dp.tokens <- struct{}{} // dial failed: slot stays empty for the next attempt
				return nil, fmt.Errorf("%w: %v", core.ErrConnection, err)
			}
			return sess, nil
		case <-timer.C:
			return nil, core.ErrCheckoutTimeout
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// release returns sess to the idle list, or closes it and frees its
// token when remove is true.
func (dp *destPool) release(sess Session, remove bool) {
	dp.mu.Lock()
	if dp.closed {
		dp.mu.Unlock()
		_ = sess.Close()
		return
	}
	if remove {
		dp.mu.Unlock()
		_ = sess.Close()
		dp.tokens <- struct{}{}
		return
	}
	dp.idle = append(dp.idle, &pooledSlot{sess: sess, lastUsed: time.Now()})
	dp.mu.Unlock()
}

func (dp *destPool) reapLoop() {
	interval := dp.idleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-dp.stopReaper:
			return
		case <-ticker.C:
			dp.reapOnce()
		}
	}
}

func (dp *destPool) reapOnce() {
	cutoff := time.Now().Add(-dp.idleTimeout)

	dp.mu.Lock()
	var keep []*pooledSlot
	var stale []Session
	for _, s := range dp.idle {
		if s.lastUsed.Before(cutoff) {
			stale = append(stale, s.sess)
		} else {
			keep = append(keep, s)
		}
	}
	dp.idle = keep
	dp.mu.Unlock()

	for _, sess := range stale {
		_ = sess.Close()
		dp.tokens <- struct{}{}
	}
}

func (dp *destPool) closeAll() {
	close(dp.stopReaper)

	dp.mu.Lock()
	dp.closed = true
	idle := dp.idle
	dp.idle = nil
	dp.mu.Unlock()

	for _, s := range idle {
		_ = s.sess.Close()
	}
}
