package storage

import (
	"context"
	"testing"
	"time"
)

func TestInsightInsertAndList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t)
	s, err := NewSignalStore(ctx, m, discardLogger())
	if err != nil {
		t.Fatalf("NewSignalStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	base := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	for i, payload := range []string{`{"score":1}`, `{"score":2}`, `{"score":3}`} {
		err := s.Insert(ctx, Insight{
			Symbol: testSymbol, Source: "scanner", Kind: "analytics",
			Payload: payload, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	got, err := s.ListBySymbol(ctx, testSymbol, 2)
	if err != nil {
		t.Fatalf("ListBySymbol: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("insights = %d, want 2 (limit)", len(got))
	}
	if got[0].Payload != `{"score":3}` || got[1].Payload != `{"score":2}` {
		t.Errorf("payloads = %q, %q, want newest first", got[0].Payload, got[1].Payload)
	}
}

func TestInsightReaderLatest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTestManager(t)

	// Missing signals file reads as no data, same as the live buffer.
	r := NewInsightReader(m, discardLogger())
	if in, err := r.Latest(ctx, testSymbol, "analytics"); err != nil || in != nil {
		t.Fatalf("Latest on missing file = %+v, %v, want nil, nil", in, err)
	}

	s, err := NewSignalStore(ctx, m, discardLogger())
	if err != nil {
		t.Fatalf("NewSignalStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	base := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	rows := []Insight{
		{Symbol: testSymbol, Source: "scanner", Kind: "analytics", Payload: `{"values":{"atr_14":2.5}}`, CreatedAt: base},
		{Symbol: testSymbol, Source: "scanner", Kind: "regime", Payload: `{"regime":"trend"}`, CreatedAt: base.Add(time.Minute)},
		{Symbol: testSymbol, Source: "scanner", Kind: "analytics", Payload: `{"values":{"atr_14":2.8}}`, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, in := range rows {
		if err := s.Insert(ctx, in); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	got, err := r.Latest(ctx, testSymbol, "analytics")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got == nil {
		t.Fatal("Latest = nil, want the newest analytics insight")
	}
	if got.Payload != `{"values":{"atr_14":2.8}}` {
		t.Errorf("payload = %q, want the newest analytics row", got.Payload)
	}
	if !got.CreatedAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("created at = %s, want %s", got.CreatedAt, base.Add(2*time.Minute))
	}

	if miss, err := r.Latest(ctx, "NSE_EQ|INE009A01021", "analytics"); err != nil || miss != nil {
		t.Errorf("Latest for unknown symbol = %+v, %v, want nil, nil", miss, err)
	}
}
