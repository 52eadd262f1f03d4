package telemetry

import (
	"encoding/json"
	"testing"
)

func TestMemoryBusLastWins(t *testing.T) {
	t.Parallel()
	bus := NewMemoryBus()

	type snap struct {
		Seq int `json:"seq"`
	}
	for i := 1; i <= 3; i++ {
		if err := bus.Publish(TopicPositions, snap{Seq: i}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	data, ok := bus.Last(TopicPositions)
	if !ok {
		t.Fatal("Last returned no message")
	}
	var got snap
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Seq != 3 {
		t.Errorf("retained seq = %d, want 3 (last-wins)", got.Seq)
	}
}

func TestMemoryBusUnknownTopic(t *testing.T) {
	t.Parallel()
	bus := NewMemoryBus()

	if _, ok := bus.Last("telemetry.nothing"); ok {
		t.Error("Last on unpublished topic reported ok")
	}
}

func TestMemoryBusTopics(t *testing.T) {
	t.Parallel()
	bus := NewMemoryBus()

	bus.Publish(TopicMetrics, 1)
	bus.Publish(TopicHealth+"node-a", "ok")

	if got := len(bus.Topics()); got != 2 {
		t.Errorf("Topics() len = %d, want 2", got)
	}
}
