package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nabbar/socks5-acl-proxy/internal/metrics"
)

// BatchConfig tunes the batch writer's flush thresholds.
type BatchConfig struct {
	BatchSize     int
	BatchInterval time.Duration
}

// DefaultBatchConfig matches the documented default batch_size=100,
// batch_interval=1s.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{BatchSize: 100, BatchInterval: time.Second}
}

// BatchWriter coalesces closed-session persistence into fixed-size or
// time-bounded batches, draining into the Store on whichever threshold
// is hit first. Enqueue only ever blocks on a short mutex, never on I/O.
type BatchWriter struct {
	store  Store
	cfg    BatchConfig
	log    *slog.Logger
	m      *metrics.Metrics

	mu    sync.Mutex
	queue []Snapshot

	flush    chan struct{}
	shutdown chan struct{}
	done     chan struct{}
}

// NewBatchWriter builds a batch writer. Call Start to begin the
// background flush loop.
func NewBatchWriter(store Store, cfg BatchConfig, log *slog.Logger, m *metrics.Metrics) *BatchWriter {
	if log == nil {
		log = slog.Default()
	}
	return &BatchWriter{
		store:    store,
		cfg:      cfg,
		log:      log,
		m:        m,
		queue:    make([]Snapshot, 0, cfg.BatchSize),
		flush:    make(chan struct{}, 1),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Enqueue appends a closed session's snapshot to the pending batch,
// triggering an immediate flush if the batch-size threshold is reached.
func (w *BatchWriter) Enqueue(s Snapshot) {
	w.mu.Lock()
	w.queue = append(w.queue, s)
	full := len(w.queue) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flush <- struct{}{}:
		default:
		}
	}
}

// Flush drains the pending batch into the store, if non-empty. Errors
// are logged; the batch is dropped (at-most-once persistence, no retry
// queue).
func (w *BatchWriter) Flush() {
	w.mu.Lock()
	if len(w.queue) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.queue
	w.queue = make([]Snapshot, 0, w.cfg.BatchSize)
	w.mu.Unlock()

	if err := w.store.SaveBatch(batch); err != nil {
		w.log.Error("failed to persist session batch", "count", len(batch), "error", err)
		if w.m != nil {
			w.m.SessionBatchErrors.Inc()
		}
		return
	}
	if w.m != nil {
		w.m.SessionBatchFlush.Inc()
	}
	w.log.Debug("session batch persisted", "count", len(batch))
}

// Start launches the background flush loop: a ticker for the interval
// threshold plus a channel for the size threshold, whichever fires
// first.
func (w *BatchWriter) Start() {
	go func() {
		ticker := time.NewTicker(w.cfg.BatchInterval)
		defer ticker.Stop()
		defer close(w.done)

		for {
			select {
			case <-ticker.C:
				w.Flush()
			case <-w.flush:
				w.Flush()
			case <-w.shutdown:
				w.Flush()
				return
			}
		}
	}()
}

// Shutdown stops the flush loop after a final flush and waits for it to
// exit. Calling it again after it has returned is a no-op.
func (w *BatchWriter) Shutdown() {
	select {
	case <-w.shutdown:
	default:
		close(w.shutdown)
	}
	<-w.done
}
