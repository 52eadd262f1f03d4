package storage

import (
	"context"
	"os"
	"testing"
)

// initAllPartitions opens every partition once so files and dirs exist.
func initAllPartitions(t *testing.T, m *Manager) {
	t.Helper()
	ctx := context.Background()

	w, err := NewLiveBufferWriter(ctx, m, discardLogger())
	if err != nil {
		t.Fatalf("live buffer: %v", err)
	}
	w.Close()
	ts, err := NewTradingStore(ctx, m, discardLogger())
	if err != nil {
		t.Fatalf("trading: %v", err)
	}
	ts.Close()
	ss, err := NewSignalStore(ctx, m, discardLogger())
	if err != nil {
		t.Fatalf("signals: %v", err)
	}
	ss.Close()
	cs, err := NewConfigStore(ctx, m, discardLogger())
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cs.Close()
	bi, err := NewBacktestIndex(ctx, m, discardLogger())
	if err != nil {
		t.Fatalf("backtest: %v", err)
	}
	bi.Close()
	if err := os.MkdirAll(m.PartitionDir(PartitionHistorical), 0o755); err != nil {
		t.Fatalf("historical dir: %v", err)
	}
}

func TestHealthCheckAfterInit(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	initAllPartitions(t, m)

	findings := NewHealthChecker(m, discardLogger()).CheckAll()
	if len(findings) == 0 {
		t.Fatal("no findings")
	}
	for _, f := range findings {
		if f.Level == HealthError {
			t.Errorf("unexpected error finding: %+v", f)
		}
	}
	if !Healthy(findings) {
		t.Error("Healthy = false after clean init")
	}
}

func TestHealthCheckFlagsMissingPartition(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	initAllPartitions(t, m)
	if err := os.RemoveAll(m.PartitionDir(PartitionTrading)); err != nil {
		t.Fatalf("remove trading dir: %v", err)
	}

	findings := NewHealthChecker(m, discardLogger()).CheckAll()
	if Healthy(findings) {
		t.Error("Healthy = true with a missing partition directory")
	}
	found := false
	for _, f := range findings {
		if f.Partition == PartitionTrading && f.Level == HealthError {
			found = true
		}
	}
	if !found {
		t.Error("no error finding for the missing trading partition")
	}
}

func TestHealthCheckFlagsCorruptDatabase(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	initAllPartitions(t, m)
	if err := os.WriteFile(m.ConfigPath(), []byte("not a database"), 0o644); err != nil {
		t.Fatalf("corrupt config db: %v", err)
	}

	findings := NewHealthChecker(m, discardLogger()).CheckAll()
	if Healthy(findings) {
		t.Error("Healthy = true with a corrupt database file")
	}
}

func TestHealthCheckReportsActiveWriter(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	initAllPartitions(t, m)

	ts, err := NewTradingStore(context.Background(), m, discardLogger())
	if err != nil {
		t.Fatalf("trading store: %v", err)
	}
	defer ts.Close()

	findings := NewHealthChecker(m, discardLogger()).CheckAll()
	for _, f := range findings {
		if f.Partition == PartitionTrading && f.Level != HealthOK {
			t.Errorf("live writer flagged: %+v", f)
		}
	}
}
