package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// History is a bounded, age-bounded ring of MetricsSnapshots, evicting
// the oldest entries first when either bound is exceeded.
type History struct {
	mu          sync.RWMutex
	snapshots   []MetricsSnapshot
	maxSnapshots int
	maxAge      time.Duration
}

// NewHistory builds a history ring. maxSnapshots (e.g. 1440 for 2h at a
// 5s collector interval) and maxAge bound retention together.
func NewHistory(maxSnapshots int, maxAge time.Duration) *History {
	if maxSnapshots < 1 {
		maxSnapshots = 1
	}
	return &History{
		snapshots:    make([]MetricsSnapshot, 0, maxSnapshots),
		maxSnapshots: maxSnapshots,
		maxAge:       maxAge,
	}
}

// Add appends a snapshot, first evicting anything older than maxAge,
// then trimming the front until the size cap is satisfied.
func (h *History) Add(s MetricsSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-h.maxAge)
	i := 0
	for i < len(h.snapshots) && h.snapshots[i].Timestamp.Before(cutoff) {
		i++
	}
	h.snapshots = h.snapshots[i:]

	h.snapshots = append(h.snapshots, s)
	if over := len(h.snapshots) - h.maxSnapshots; over > 0 {
		h.snapshots = h.snapshots[over:]
	}
}

// All returns every retained snapshot, oldest first.
func (h *History) All() []MetricsSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]MetricsSnapshot, len(h.snapshots))
	copy(out, h.snapshots)
	return out
}

// Since returns snapshots recorded within the last `lookback` duration.
func (h *History) Since(lookback time.Duration) []MetricsSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cutoff := time.Now().Add(-lookback)
	out := make([]MetricsSnapshot, 0, len(h.snapshots))
	for _, s := range h.snapshots {
		if !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// StartCollector runs a background task that periodically samples the
// registry's stats and pushes a MetricsSnapshot into the history,
// persisting it via the store if one is configured. It returns when ctx
// is cancelled.
func StartCollector(ctx context.Context, reg *Registry, h *History, store Store, interval time.Duration, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := reg.GetStats(24 * time.Hour)
			snap := MetricsSnapshot{
				Timestamp:      time.Now(),
				ActiveSessions: uint64(stats.Active),
				TotalSessions:  stats.Total,
				TotalBytes:     stats.TotalBytes,
			}
			h.Add(snap)

			if store != nil {
				if err := store.InsertMetric(snap); err != nil {
					log.Warn("failed to persist metrics snapshot", "error", err)
				}
			}
		}
	}
}
