package qos

import (
	"fmt"
	"sync"
	"time"

	"github.com/nabbar/socks5-acl-proxy/internal/metrics"
)

// Engine is the QoS subsystem entry point: per-user bandwidth
// allocations (optionally grouped into HTB parents) plus connection
// limiters, all driven from a single Config document.
type Engine struct {
	mu     sync.Mutex
	cfg    *Config
	groups map[string]*Group
	users  map[string]*userState
	m      *metrics.Metrics
}

type userState struct {
	alloc   *UserAllocation
	limiter *ConnLimiter
	rateBps float64
}

// NewEngine builds a QoS engine from a validated config. m may be nil in
// tests.
func NewEngine(cfg *Config, m *metrics.Metrics) (*Engine, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		groups: make(map[string]*Group),
		users:  make(map[string]*userState),
		m:      m,
	}
	for name, g := range cfg.Groups {
		e.groups[name] = NewGroup(name, g.BurstBytes, g.RateBps)
	}
	return e, nil
}

// userFor lazily builds (and caches) the allocation and limiter for a
// user the first time it's referenced. Lookup and construction both
// happen under the engine's single mutex.
func (e *Engine) userFor(user string) *userState {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.users[user]; ok {
		return s
	}

	eff := e.cfg.resolve(user)
	var parent *Group
	if eff.Group != "" {
		parent = e.groups[eff.Group]
	}

	s := &userState{
		alloc:   NewUserAllocation(user, eff.BurstBytes, eff.RateBps, parent),
		limiter: NewConnLimiter(eff.MaxConcurrent, eff.MaxPerHost),
		rateBps: eff.RateBps,
	}
	e.users[user] = s
	if e.m != nil && e.m.QosActiveUsers != nil {
		e.m.QosActiveUsers.Inc()
	}
	return s
}

// AcquireConnection checks the user's concurrency and per-host caps
// before a new relay connection is dialed.
func (e *Engine) AcquireConnection(user, host string) error {
	s := e.userFor(user)
	if err := s.limiter.Acquire(host); err != nil {
		if e.m != nil && e.m.QosConnLimitRejections != nil {
			e.m.QosConnLimitRejections.WithLabelValues(user).Inc()
		}
		return fmt.Errorf("qos: %w", err)
	}
	return nil
}

// ReleaseConnection returns a previously acquired connection slot.
func (e *Engine) ReleaseConnection(user, host string) {
	e.userFor(user).limiter.Release(host)
}

// RateFor returns a user's effective configured rate_bps, for callers
// that need a blocking limiter rather than Take's cooperative
// reservation (e.g. UDP ASSOCIATE datagram shaping, see
// NewDatagramLimiter).
func (e *Engine) RateFor(user string) float64 {
	return e.userFor(user).rateBps
}

// Take reserves up to n bytes of bandwidth for user, returning the
// amount actually granted and how long the caller should suspend before
// requesting the remainder.
func (e *Engine) Take(user string, n uint64) (given uint64, wait time.Duration) {
	given, wait = e.userFor(user).alloc.Take(n)
	if e.m != nil {
		if e.m.QosBandwidthAllocated != nil {
			e.m.QosBandwidthAllocated.WithLabelValues(user).Add(float64(given))
		}
		if wait > 0 && e.m.QosAllocationWait != nil {
			e.m.QosAllocationWait.Observe(wait.Seconds())
		}
	}
	return given, wait
}

// Reload swaps in a new QoS config. Existing per-user state is rebuilt
// lazily on next use; in-flight allocations keep their old bucket until
// then, matching the ACL engine's reload-does-not-disturb-in-flight
// contract from the caller's point of view.
func (e *Engine) Reload(cfg *Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	e.groups = make(map[string]*Group)
	for name, g := range cfg.Groups {
		e.groups[name] = NewGroup(name, g.BurstBytes, g.RateBps)
	}
	e.users = make(map[string]*userState)
	return nil
}
