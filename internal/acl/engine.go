// Package acl implements the rule-priority access-control evaluator:
// typed matchers, user/group inheritance flattened at load time, and an
// atomically-published snapshot so hot-path evaluation never blocks on
// a reload.
package acl

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/nabbar/socks5-acl-proxy/internal/addr"
)

// Decision is the outcome of evaluating a request against the current
// snapshot.
type Decision struct {
	Action      Action
	MatchedRule string // empty if the decision came from the global default
}

// Engine evaluates (user, dest, port, protocol) tuples against an
// atomically-published Config snapshot and tracks per-user hit counters.
// The zero value is not usable; construct with NewEngine.
type Engine struct {
	snapshot atomic.Pointer[compiled]
	stats    *statsRegistry
	clock    func() time.Time
}

// NewEngine builds an Engine from an initial Config. A nil or invalid
// config is rejected exactly as Reload would reject it.
func NewEngine(cfg *Config) (*Engine, error) {
	e := &Engine{stats: newStatsRegistry(), clock: time.Now}
	if err := e.Reload(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload validates and compiles a new Config, then swaps it in with a
// single atomic store. On validation failure the currently running
// snapshot is left untouched and the error is returned to the caller
// (the operator), never surfaced to in-flight evaluators.
func (e *Engine) Reload(cfg *Config) error {
	if cfg == nil {
		return errors.New("acl: nil config")
	}
	c, err := compile(cfg)
	if err != nil {
		return err
	}
	e.snapshot.Store(c)
	return nil
}

// Decide evaluates a single connection attempt. Readers observe either
// the entire old snapshot or the entire new one: the snapshot pointer is
// cloned (via Load) once at the start of evaluation and never revisited,
// so a concurrent Reload cannot produce a torn read.
func (e *Engine) Decide(user string, dest addr.Address, port uint16, proto addr.Protocol) Decision {
	snap := e.snapshot.Load()
	now := e.clock()

	rules := snap.rulesForUser(user)
	for _, r := range rules {
		if r.Matches(dest, port, proto, now) {
			d := Decision{Action: r.Action, MatchedRule: r.Name}
			e.stats.record(user, r.Name, d.Action)
			return d
		}
	}

	d := Decision{Action: snap.defaultAction}
	e.stats.record(user, "", d.Action)
	return d
}

// UserStats is a point-in-time snapshot of one user's evaluation
// counters.
type UserStats struct {
	Evaluations uint64
	Allows      uint64
	Denies      uint64
	RuleHits    map[string]uint64
}

// Stats returns an eventually-consistent snapshot of a user's counters.
// Absent users (never evaluated) return the zero value.
func (e *Engine) Stats(user string) UserStats {
	return e.stats.snapshot(user)
}
