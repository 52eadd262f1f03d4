// Package telemetry is the best-effort observability fan-out: a pub/sub Bus
// for snapshots and alerts, plus Prometheus counters for the hot paths.
// Nothing here is authoritative; delivery is lossy by design and no caller
// ever blocks on the bus.
package telemetry

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// Topic names. Per-node topics append the node name.
const (
	TopicMetrics   = "telemetry.metrics"
	TopicPositions = "telemetry.positions"
	TopicHealth    = "telemetry.health."
	TopicLogs      = "telemetry.logs."
)

// Bus publishes JSON-encoded snapshots to a topic. Publish never blocks on
// slow consumers; errors mean the message was dropped, nothing more.
type Bus interface {
	Publish(topic string, v any) error
	Close()
}

// NATSBus publishes over a NATS connection, fire-and-forget.
type NATSBus struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// Connect dials the NATS server. The connection retries in the background;
// publishes while disconnected are buffered or dropped by the client.
func Connect(url string, logger *slog.Logger) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	return &NATSBus{nc: nc, logger: logger.With("component", "telemetry")}, nil
}

func (b *NATSBus) Publish(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Warn("telemetry encode failed", "topic", topic, "error", err)
		return err
	}
	if err := b.nc.Publish(topic, data); err != nil {
		b.logger.Warn("telemetry publish dropped", "topic", topic, "error", err)
		return err
	}
	return nil
}

func (b *NATSBus) Close() {
	b.nc.Drain()
}

// MemoryBus retains only the most recent message per topic (last-wins
// snapshot semantics). Used in tests and by in-process tools.
type MemoryBus struct {
	mu   sync.RWMutex
	last map[string][]byte
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{last: make(map[string][]byte)}
}

func (b *MemoryBus) Publish(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.last[topic] = data
	b.mu.Unlock()
	return nil
}

// Last returns the most recent message on a topic; ok is false when nothing
// has been published there.
func (b *MemoryBus) Last(topic string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.last[topic]
	return data, ok
}

// Topics returns every topic that has received at least one message.
func (b *MemoryBus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.last))
	for t := range b.last {
		out = append(out, t)
	}
	return out
}

func (b *MemoryBus) Close() {}

// NopBus discards everything. The default when telemetry is disabled.
type NopBus struct{}

func (NopBus) Publish(string, any) error { return nil }
func (NopBus) Close()                    {}
