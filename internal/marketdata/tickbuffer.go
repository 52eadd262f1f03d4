package marketdata

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"quantdesk/internal/storage"
	"quantdesk/internal/telemetry"
	"quantdesk/pkg/types"
)

// TickBuffer accumulates ticks in memory between flushes. Beyond the cap the
// oldest ticks are dropped with a warning, so a stuck flush never grows
// memory without bound.
type TickBuffer struct {
	mu      sync.Mutex
	ticks   []types.Tick
	cap     int
	dropped int64
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

func NewTickBuffer(capacity int, logger *slog.Logger, metrics *telemetry.Metrics) *TickBuffer {
	return &TickBuffer{
		cap:     capacity,
		logger:  logger.With("component", "tick_buffer"),
		metrics: metrics,
	}
}

// Add appends one tick, evicting the oldest if the buffer is full.
func (b *TickBuffer) Add(t types.Tick) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ticks) >= b.cap {
		b.ticks = b.ticks[1:]
		b.dropped++
		b.metrics.TicksDropped.Inc()
		if b.dropped%100 == 1 {
			b.logger.Warn("tick buffer full, dropping oldest", "cap", b.cap, "dropped_total", b.dropped)
		}
	}
	b.ticks = append(b.ticks, t)
	b.metrics.TicksIngested.Inc()
}

// Drain returns the buffered ticks and empties the buffer.
func (b *TickBuffer) Drain() []types.Tick {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.ticks
	b.ticks = nil
	return out
}

// Requeue puts ticks back at the front after a failed flush, still subject
// to the cap (oldest beyond it are dropped).
func (b *TickBuffer) Requeue(ticks []types.Tick) {
	b.mu.Lock()
	defer b.mu.Unlock()
	merged := append(ticks, b.ticks...)
	if over := len(merged) - b.cap; over > 0 {
		merged = merged[over:]
		b.dropped += int64(over)
		b.metrics.TicksDropped.Add(float64(over))
		b.logger.Warn("tick backlog over cap after failed flush", "dropped", over)
	}
	b.ticks = merged
}

// Len returns the number of buffered ticks.
func (b *TickBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ticks)
}

// Flusher periodically drains the tick buffer into the live-buffer writer.
// A failed write requeues the batch; the buffer cap bounds the backlog.
type Flusher struct {
	buf      *TickBuffer
	writer   *storage.LiveBufferWriter
	interval time.Duration
	logger   *slog.Logger
	metrics  *telemetry.Metrics
}

func NewFlusher(buf *TickBuffer, writer *storage.LiveBufferWriter, interval time.Duration, logger *slog.Logger, metrics *telemetry.Metrics) *Flusher {
	return &Flusher{
		buf:      buf,
		writer:   writer,
		interval: interval,
		logger:   logger.With("component", "tick_flusher"),
		metrics:  metrics,
	}
}

// Run flushes on a ticker until ctx is cancelled, then performs one final
// flush so shutdown does not lose the tail of the session.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			f.flush(context.Background())
			return
		case <-ticker.C:
			f.flush(ctx)
		}
	}
}

func (f *Flusher) flush(ctx context.Context) {
	batch := f.buf.Drain()
	if len(batch) == 0 {
		return
	}
	if err := f.writer.WriteTicks(ctx, batch); err != nil {
		f.metrics.FlushFailures.Inc()
		f.logger.Warn("tick flush failed, requeueing batch", "ticks", len(batch), "error", err)
		f.buf.Requeue(batch)
	}
}
