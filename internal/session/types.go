// Package session implements the concurrent session registry: traffic
// accounting, batched write-behind persistence, and a bounded metrics
// history ring.
package session

import (
	"sync/atomic"
	"time"

	"github.com/nabbar/socks5-acl-proxy/internal/addr"
)

// Status is a session's lifecycle state.
type Status int

const (
	StatusActive Status = iota
	StatusClosed
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusClosed:
		return "closed"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ConnectionInfo describes the connection a session was opened for.
type ConnectionInfo struct {
	SourceIP   string
	SourcePort uint16
	Dest       addr.Address
	DestPort   uint16
	Protocol   addr.Protocol
}

// Session is a single proxied connection's record. BytesSent and
// BytesReceived are updated by the owning relay goroutines via atomic
// operations so both directions can progress without contention; every
// other field is written only by the creator and the single closer.
type Session struct {
	ID             string
	User           string
	Connection     ConnectionInfo
	Action         string
	MatchedRule    string
	Status         Status
	CloseReason    string
	StartTime      time.Time
	EndTime        time.Time
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
}

// AddBytesSent atomically increments the sent-byte counter.
func (s *Session) AddBytesSent(n uint64) { s.bytesSent.Add(n) }

// AddBytesReceived atomically increments the received-byte counter.
func (s *Session) AddBytesReceived(n uint64) { s.bytesReceived.Add(n) }

// BytesSent returns the current sent-byte count.
func (s *Session) BytesSent() uint64 { return s.bytesSent.Load() }

// BytesReceived returns the current received-byte count.
func (s *Session) BytesReceived() uint64 { return s.bytesReceived.Load() }

// TotalBytes returns sent plus received, for metrics.
func (s *Session) TotalBytes() uint64 { return s.bytesSent.Load() + s.bytesReceived.Load() }

// Snapshot is an immutable point-in-time copy of a Session, safe to
// hand to the batch writer or a filtered list result without racing the
// live counters.
type Snapshot struct {
	ID            string
	User          string
	Connection    ConnectionInfo
	Action        string
	MatchedRule   string
	Status        Status
	CloseReason   string
	StartTime     time.Time
	EndTime       time.Time
	BytesSent     uint64
	BytesReceived uint64
}

// Snapshot captures the session's current state.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		ID:            s.ID,
		User:          s.User,
		Connection:    s.Connection,
		Action:        s.Action,
		MatchedRule:   s.MatchedRule,
		Status:        s.Status,
		CloseReason:   s.CloseReason,
		StartTime:     s.StartTime,
		EndTime:       s.EndTime,
		BytesSent:     s.bytesSent.Load(),
		BytesReceived: s.bytesReceived.Load(),
	}
}

// MetricsSnapshot is a single point-in-time sample of aggregate session
// stats, retained in the bounded history ring.
type MetricsSnapshot struct {
	Timestamp      time.Time
	ActiveSessions uint64
	TotalSessions  uint64
	TotalBytes     uint64
}
