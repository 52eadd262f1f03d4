package marketdata

import (
	"io"
	"log/slog"
	"testing"

	"quantdesk/internal/telemetry"
	"quantdesk/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTickBufferDropsOldestBeyondCap(t *testing.T) {
	t.Parallel()

	buf := NewTickBuffer(3, discardLogger(), telemetry.NewMetrics())
	for i := 0; i < 5; i++ {
		buf.Add(types.Tick{Symbol: "X", ExchangeTSMs: int64(i), Price: float64(i)})
	}

	got := buf.Drain()
	if len(got) != 3 {
		t.Fatalf("len = %d, want cap 3", len(got))
	}
	// Ticks 0 and 1 were evicted.
	if got[0].ExchangeTSMs != 2 || got[2].ExchangeTSMs != 4 {
		t.Errorf("kept ticks %d..%d, want 2..4", got[0].ExchangeTSMs, got[2].ExchangeTSMs)
	}
}

func TestTickBufferRequeuePreservesOrder(t *testing.T) {
	t.Parallel()

	buf := NewTickBuffer(10, discardLogger(), telemetry.NewMetrics())
	buf.Add(types.Tick{ExchangeTSMs: 1})
	buf.Add(types.Tick{ExchangeTSMs: 2})

	batch := buf.Drain()
	buf.Add(types.Tick{ExchangeTSMs: 3})
	buf.Requeue(batch)

	got := buf.Drain()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []int64{1, 2, 3} {
		if got[i].ExchangeTSMs != want {
			t.Errorf("got[%d].ExchangeTSMs = %d, want %d", i, got[i].ExchangeTSMs, want)
		}
	}
}

func TestTickBufferRequeueRespectsCap(t *testing.T) {
	t.Parallel()

	buf := NewTickBuffer(2, discardLogger(), telemetry.NewMetrics())
	buf.Add(types.Tick{ExchangeTSMs: 3})
	buf.Requeue([]types.Tick{{ExchangeTSMs: 1}, {ExchangeTSMs: 2}})

	got := buf.Drain()
	if len(got) != 2 {
		t.Fatalf("len = %d, want cap 2", len(got))
	}
	// The oldest requeued tick is dropped, never the newest live ones.
	if got[0].ExchangeTSMs != 2 || got[1].ExchangeTSMs != 3 {
		t.Errorf("kept %d,%d, want 2,3", got[0].ExchangeTSMs, got[1].ExchangeTSMs)
	}
}
