package session

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nabbar/socks5-acl-proxy/internal/metrics"
)

// Store is the persistence collaborator: batches of closed sessions and
// periodic metric snapshots are handed off to it. Implementations may
// be in-memory, SQLite-backed, etc; the registry assumes at-most-once
// semantics and never retries a failed batch.
type Store interface {
	SaveBatch(sessions []Snapshot) error
	InsertMetric(snap MetricsSnapshot) error
}

// Registry is the concurrent in-memory table of active sessions plus
// aggregate counters for sessions that have already left it. Lookups
// and iteration take a read lock; creation/removal take a write lock,
// favoring a read-mostly concurrent map over a single global mutex.
type Registry struct {
	mu      sync.RWMutex
	active  map[string]*Session
	total   uint64
	rejected uint64
	closedBytes uint64 // bytes attributable to sessions that have already left the registry

	batch *BatchWriter
	m     *metrics.Metrics
}

// NewRegistry builds an empty registry backed by the given batch writer
// (may be nil, in which case closed sessions are dropped after being
// snapshotted — useful for tests).
func NewRegistry(batch *BatchWriter, m *metrics.Metrics) *Registry {
	return &Registry{
		active: make(map[string]*Session),
		batch:  batch,
		m:      m,
	}
}

// Create assigns a fresh session id, inserts an Active session into the
// registry, and increments the registry total and the session metrics.
// These counters are not broken down by user.
func (r *Registry) Create(user string, conn ConnectionInfo, action, matchedRule string) (*Session, error) {
	id, err := NewID()
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:          id,
		User:        user,
		Connection:  conn,
		Action:      action,
		MatchedRule: matchedRule,
		Status:      StatusActive,
		StartTime:   time.Now(),
	}

	r.mu.Lock()
	r.active[id] = s
	r.total++
	r.mu.Unlock()

	if r.m != nil {
		r.m.SessionsActive.Inc()
		r.m.SessionsTotal.Inc()
	}
	return s, nil
}

// RecordRejected accounts for a session that never entered the Active
// registry because ACL denied it, before a session would otherwise be created.
func (r *Registry) RecordRejected(user string, conn ConnectionInfo, matchedRule string) {
	r.mu.Lock()
	r.rejected++
	r.mu.Unlock()

	if r.batch != nil {
		now := time.Now()
		r.batch.Enqueue(Snapshot{
			ID:          mustID(),
			User:        user,
			Connection:  conn,
			Action:      "deny",
			MatchedRule: matchedRule,
			Status:      StatusRejected,
			StartTime:   now,
			EndTime:     now,
		})
	}
}

func mustID() string {
	id, err := NewID()
	if err != nil {
		return "unknown"
	}
	return id
}

// Close transitions a session to Closed, removes it from the registry,
// and hands its final snapshot to the batch writer.
func (r *Registry) Close(id, reason string) error {
	r.mu.Lock()
	s, ok := r.active[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("session: %s not found in registry", id)
	}
	delete(r.active, id)
	r.closedBytes += s.TotalBytes()
	r.mu.Unlock()

	s.EndTime = time.Now()
	s.Status = StatusClosed
	s.CloseReason = reason

	if r.m != nil {
		r.m.SessionsActive.Dec()
	}
	if r.batch != nil {
		r.batch.Enqueue(s.Snapshot())
	}
	return nil
}

// Get returns the active session with the given id, if any.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.active[id]
	return s, ok
}

// Stats is the aggregate summary returned by get_stats.
type Stats struct {
	Active     int
	Total      uint64
	Rejected   uint64
	TotalBytes uint64
}

// GetStats summarizes active/total/rejected/total_bytes across the live
// registry and the counters for sessions that have already closed.
// lookback is accepted for interface parity with the periodic collector
// but the core registry has no time-bucketed history of its own — that
// lives in the History ring.
func (r *Registry) GetStats(_ time.Duration) Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var liveBytes uint64
	for _, s := range r.active {
		liveBytes += s.TotalBytes()
	}

	return Stats{
		Active:     len(r.active),
		Total:      r.total,
		Rejected:   r.rejected,
		TotalBytes: r.closedBytes + liveBytes,
	}
}

// Filter selects sessions for List. Zero-valued fields are not applied.
type Filter struct {
	User         string
	Status       *Status
	DestContains string
	Since        time.Time
	Until        time.Time
}

// List returns active sessions matching filter, ordered by start_time
// descending.
func (r *Registry) List(f Filter) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.active))
	for _, s := range r.active {
		if f.User != "" && s.User != f.User {
			continue
		}
		if f.Status != nil && s.Status != *f.Status {
			continue
		}
		if f.DestContains != "" && !strings.Contains(s.Connection.Dest.String(), f.DestContains) {
			continue
		}
		if !f.Since.IsZero() && s.StartTime.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && s.StartTime.After(f.Until) {
			continue
		}
		out = append(out, s.Snapshot())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}
