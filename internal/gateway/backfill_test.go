package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"quantdesk/internal/config"
	"quantdesk/pkg/types"
)

func newTestBackfill(t *testing.T, handler http.Handler) *Backfill {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewBackfill(config.BrokerConfig{BackfillURL: srv.URL, APIKey: "test-key"}, discardLogger())
}

func TestFetchCandles(t *testing.T) {
	t.Parallel()

	from := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	to := from.Add(2 * time.Minute)

	b := newTestBackfill(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("symbol") != testSymbol || q.Get("timeframe") != "1m" {
			t.Errorf("query = %v", q)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(candleResponse{Candles: []candleRow{
			{TSMs: from.UnixMilli(), Open: 100, High: 101, Low: 99.5, Close: 100.5, Volume: 1200},
			{TSMs: from.Add(time.Minute).UnixMilli(), Open: 100.5, High: 101.5, Low: 100, Close: 101, Volume: 800},
		}})
	}))

	bars, err := b.FetchCandles(context.Background(), testSymbol, from, to, types.TF1Min)
	if err != nil {
		t.Fatalf("FetchCandles: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("bars = %d, want 2", len(bars))
	}
	first := bars[0]
	if first.Symbol != testSymbol || !first.Timestamp.Equal(from) || first.Timeframe != types.TF1Min {
		t.Errorf("bar identity = %+v", first)
	}
	if first.Open != 100 || first.High != 101 || first.Low != 99.5 || first.Close != 100.5 || first.Volume != 1200 {
		t.Errorf("bar values = %+v", first)
	}
}

func TestFetchCandlesErrorStatus(t *testing.T) {
	t.Parallel()

	b := newTestBackfill(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	_, err := b.FetchCandles(context.Background(), testSymbol, time.Now().Add(-time.Hour), time.Now(), types.TF1Min)
	var be *BrokerError
	if !errors.As(err, &be) {
		t.Fatalf("error = %v, want *BrokerError", err)
	}
	if be.Transient {
		t.Error("403 classified transient")
	}
}
