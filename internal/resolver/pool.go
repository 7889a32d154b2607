package resolver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nabbar/socks5-acl-proxy/internal/metrics"
)

// pooledConn is one idle upstream connection awaiting reuse.
type pooledConn struct {
	conn    net.Conn
	lastUse time.Time
}

// PoolConfig tunes the connection pool's caps.
type PoolConfig struct {
	MaxIdlePerDest int
	MaxTotal       int
	IdleTimeout    time.Duration
}

// PoolStats reports pool activity: total dials, hits, misses, active,
// idle, evicted.
type PoolStats struct {
	Dials    uint64
	Hits     uint64
	Misses   uint64
	Active   int
	Idle     int
	Evicted  uint64
}

// Pool is a bounded, per-destination cache of idle upstream
// connections. acquire returns a pooled connection that passes a
// liveness check, or dials a fresh one; release returns a connection to
// the pool if it's still within its idle timeout and the pool has room.
type Pool struct {
	cfg PoolConfig
	dial func(ctx context.Context, network, address string) (net.Conn, error)
	m   *metrics.Metrics

	mu      sync.Mutex
	idle    map[string][]pooledConn
	idleLen int
	active  int

	dials, hits, misses, evicted uint64
}

// NewPool builds a connection pool with the given caps. dialFunc
// defaults to net.Dialer.DialContext if nil.
func NewPool(cfg PoolConfig, dialFunc func(ctx context.Context, network, address string) (net.Conn, error), m *metrics.Metrics) *Pool {
	if dialFunc == nil {
		d := &net.Dialer{Control: tuneSocket}
		dialFunc = d.DialContext
	}
	return &Pool{
		cfg:  cfg,
		dial: dialFunc,
		m:    m,
		idle: make(map[string][]pooledConn),
	}
}

func key(network, address string) string { return network + "|" + address }

// Acquire returns a live pooled connection for (network, address) if
// one is available and passes a liveness check, otherwise dials a fresh
// one.
func (p *Pool) Acquire(ctx context.Context, network, address string) (net.Conn, error) {
	k := key(network, address)

	p.mu.Lock()
	list := p.idle[k]
	for len(list) > 0 {
		pc := list[len(list)-1]
		list = list[:len(list)-1]
		p.idle[k] = list
		p.idleLen--

		if time.Since(pc.lastUse) >= p.cfg.IdleTimeout || !isAlive(pc.conn) {
			pc.conn.Close()
			p.evicted++
			continue
		}

		p.active++
		p.hits++
		p.mu.Unlock()
		if p.m != nil {
			p.m.PoolHits.Inc()
		}
		return pc.conn, nil
	}
	p.idle[k] = list
	p.misses++
	p.dials++
	p.mu.Unlock()

	if p.m != nil {
		p.m.PoolMisses.Inc()
	}

	conn, err := p.dial(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("resolver: dial %s %s: %w", network, address, err)
	}

	p.mu.Lock()
	p.active++
	p.mu.Unlock()
	return conn, nil
}

// Release returns conn to the pool for (network, address) if it's
// within the idle cap and timeout budget, otherwise closes it.
func (p *Pool) Release(network, address string, conn net.Conn) {
	k := key(network, address)

	p.mu.Lock()
	p.active--
	if len(p.idle[k]) >= p.cfg.MaxIdlePerDest || p.idleLen >= p.cfg.MaxTotal {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.idle[k] = append(p.idle[k], pooledConn{conn: conn, lastUse: time.Now()})
	p.idleLen++
	p.mu.Unlock()
}

// Stats returns a point-in-time snapshot of pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Dials:   p.dials,
		Hits:    p.hits,
		Misses:  p.misses,
		Active:  p.active,
		Idle:    p.idleLen,
		Evicted: p.evicted,
	}
}

// isAlive performs a non-blocking liveness check: a zero-duration read
// deadline followed by a Read that must return a timeout (not EOF or
// data) for the connection to be considered usable.
func isAlive(conn net.Conn) bool {
	if err := conn.SetReadDeadline(time.Now()); err != nil {
		return false
	}
	defer conn.SetReadDeadline(time.Time{})

	var buf [1]byte
	_, err := conn.Read(buf[:])
	if err == nil {
		return false
	}
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
