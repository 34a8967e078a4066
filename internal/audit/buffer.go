// Package audit is the C2 Audit Buffer: a bounded, non-blocking queue that
// decouples the request path from the durability of the audit trail.
//
// Grounded on the teacher's pkg/logging.Audit event shape and
// internal/services/base.go start/stop lifecycle pattern, generalized from
// a fire-and-log helper into a buffered, spill-capable component per
// spec.md §4.1.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"ambassador/internal/metrics"
	"ambassador/internal/store"
	"ambassador/pkg/logging"
)

// Sink accepts a batch of events durably. internal/store.AppendAuditEvents
// implements this.
type Sink interface {
	AppendAuditEvents(ctx context.Context, events []store.AuditEvent) error
}

// Stats mirrors spec.md §4.1's stats() contract.
type Stats struct {
	Received       uint64
	Flushed        uint64
	Dropped        uint64
	Spilled        uint64
	OverflowEvents uint64
	CurrentSize    int
}

// Config is spec.md §4.1's {size, flush_interval_ms, spill_to_disk, spill_path}.
type Config struct {
	Size          int
	FlushInterval time.Duration
	SpillToDisk   bool
	SpillPath     string
}

// Buffer is the C2 Audit Buffer.
type Buffer struct {
	cfg  Config
	sink Sink

	mu       sync.Mutex
	queue    []store.AuditEvent
	received uint64
	flushed  uint64
	dropped  uint64
	spilled  uint64
	overflow uint64

	spillFile *os.File
	spillMu   sync.Mutex

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// New constructs a Buffer. Call Start to begin the periodic flush timer.
func New(cfg Config, sink Sink) (*Buffer, error) {
	b := &Buffer{
		cfg:    cfg,
		sink:   sink,
		queue:  make([]store.AuditEvent, 0, cfg.Size),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if cfg.SpillToDisk {
		f, err := os.OpenFile(cfg.SpillPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, err
		}
		b.spillFile = f
	}
	return b, nil
}

// Add is non-blocking and always succeeds: the event is buffered, or (if
// the queue is full) the oldest buffered event is displaced to disk-spill
// or dropped, and the new event takes its place (spec.md §4.1).
func (b *Buffer) Add(event store.AuditEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.received++
	if len(b.queue) >= b.cfg.Size {
		oldest := b.queue[0]
		b.queue = b.queue[1:]
		b.overflow++
		if b.cfg.SpillToDisk {
			b.spillLocked(oldest)
		} else {
			b.dropped++
			metrics.AuditBufferDropped.Inc()
		}
	}
	b.queue = append(b.queue, event)
	metrics.AuditBufferSize.Set(float64(len(b.queue)))
}

func (b *Buffer) spillLocked(event store.AuditEvent) {
	b.spillMu.Lock()
	defer b.spillMu.Unlock()
	if b.spillFile == nil {
		b.dropped++
		return
	}
	line, err := json.Marshal(event)
	if err != nil {
		b.dropped++
		return
	}
	w := bufio.NewWriter(b.spillFile)
	if _, err := w.Write(line); err != nil {
		b.dropped++
		return
	}
	_ = w.WriteByte('\n')
	if err := w.Flush(); err != nil {
		b.dropped++
		return
	}
	b.spilled++
}

// Flush atomically snapshots the queue and hands it to the sink. On sink
// error, the events are re-buffered at the head so a subsequent flush
// retries them (spec.md §4.1).
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.queue
	b.queue = make([]store.AuditEvent, 0, b.cfg.Size)
	metrics.AuditBufferSize.Set(0)
	b.mu.Unlock()

	if err := b.sink.AppendAuditEvents(ctx, batch); err != nil {
		b.mu.Lock()
		b.queue = append(batch, b.queue...)
		metrics.AuditBufferSize.Set(float64(len(b.queue)))
		b.mu.Unlock()
		logging.Warn("audit", "flush failed, %d events re-buffered: %v", len(batch), err)
		return err
	}

	b.mu.Lock()
	b.flushed += uint64(len(batch))
	b.mu.Unlock()
	return nil
}

// Start begins the periodic flush timer.
func (b *Buffer) Start() {
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
	go func() {
		defer close(b.doneCh)
		ticker := time.NewTicker(b.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				_ = b.Flush(ctx)
				cancel()
			case <-b.stopCh:
				return
			}
		}
	}()
}

// Shutdown stops the timer, drains once more, and closes the spill file.
func (b *Buffer) Shutdown(ctx context.Context) error {
	close(b.stopCh)
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if started {
		<-b.doneCh
	}
	err := b.Flush(ctx)
	if b.spillFile != nil {
		_ = b.spillFile.Close()
	}
	return err
}

// Stats returns the current counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Received:       b.received,
		Flushed:        b.flushed,
		Dropped:        b.dropped,
		Spilled:        b.spilled,
		OverflowEvents: b.overflow,
		CurrentSize:    len(b.queue),
	}
}
