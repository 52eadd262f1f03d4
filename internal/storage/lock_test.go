package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestWriterLockExcludesSecondWriter(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	w, err := NewLiveBufferWriter(context.Background(), m, discardLogger())
	if err != nil {
		t.Fatalf("first writer: %v", err)
	}

	// A second writer must not wait the full lock timeout when the caller's
	// context expires first.
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = NewLiveBufferWriter(ctx, m, discardLogger())
	var ce *ContentionError
	if !errors.As(err, &ce) {
		t.Fatalf("second writer error = %v, want *ContentionError", err)
	}
	if ce.Partition != PartitionLiveBuffer {
		t.Errorf("partition = %s, want %s", ce.Partition, PartitionLiveBuffer)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	w2, err := NewLiveBufferWriter(context.Background(), m, discardLogger())
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	w2.Close()
}

func TestLocksArePerPartition(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	// Holding the live-buffer lock must not block the trading partition.
	w, err := NewLiveBufferWriter(context.Background(), m, discardLogger())
	if err != nil {
		t.Fatalf("live buffer writer: %v", err)
	}
	defer w.Close()

	ts, err := NewTradingStore(context.Background(), m, discardLogger())
	if err != nil {
		t.Fatalf("trading store alongside live writer: %v", err)
	}
	ts.Close()
}

func TestLockFileRecordsOwnerPid(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	w, err := NewLiveBufferWriter(context.Background(), m, discardLogger())
	if err != nil {
		t.Fatalf("NewLiveBufferWriter: %v", err)
	}
	dir := m.PartitionDir(PartitionLiveBuffer)

	pid, err := lockOwner(dir)
	if err != nil {
		t.Fatalf("lockOwner: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("lock owner = %d, want this process (%d)", pid, os.Getpid())
	}

	// Clean release empties the pid record so a crashed owner is
	// distinguishable from a clean shutdown.
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	pid, err = lockOwner(dir)
	if err != nil {
		t.Fatalf("lockOwner after release: %v", err)
	}
	if pid != 0 {
		t.Errorf("lock owner after release = %d, want 0", pid)
	}
}
