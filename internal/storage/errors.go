// Package storage owns all persistence for the runtime: six partitions with
// disjoint write authority, cross-process writer locks, retry under
// contention, and read-only enforcement for everything that is not the
// partition's single writer.
package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// Partition names one storage ownership domain. Every partition has exactly
// one cross-process writer lock and one in-process mutex.
type Partition string

const (
	PartitionHistorical Partition = "historical"
	PartitionLiveBuffer Partition = "live_buffer"
	PartitionTrading    Partition = "trading"
	PartitionSignals    Partition = "signals"
	PartitionConfig     Partition = "config"
	PartitionBacktest   Partition = "backtest"
)

// ContentionError reports a writer-lock timeout or a transient IO failure
// that survived all retry attempts.
type ContentionError struct {
	Partition Partition
	Op        string
	Attempts  int
	Err       error
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("storage contention on %s during %s after %d attempts: %v", e.Partition, e.Op, e.Attempts, e.Err)
}

func (e *ContentionError) Unwrap() error { return e.Err }

// ReadOnlyError reports an attempted write through a read-only handle.
// Never retried.
type ReadOnlyError struct {
	Partition Partition
	Op        string
}

func (e *ReadOnlyError) Error() string {
	return fmt.Sprintf("read-only violation on %s during %s", e.Partition, e.Op)
}

// IntegrityError reports structural damage or a schema version mismatch in a
// partition file. Fatal; escalated to the operator.
type IntegrityError struct {
	Partition Partition
	Path      string
	Detail    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity failure in %s (%s): %s", e.Partition, e.Path, e.Detail)
}

// retryable reports whether err is transient lock/IO contention worth
// retrying, as opposed to a structural failure that must surface at once.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	var ro *ReadOnlyError
	var integ *IntegrityError
	if errors.As(err, &ro) || errors.As(err, &integ) {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "file in use")
}

// classify maps low-level sqlite errors onto the typed catalog. Read-only
// writes become ReadOnlyError; corruption becomes IntegrityError; everything
// else passes through for the retry policy to inspect.
func classify(err error, partition Partition, op, path string) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrReadonly:
			return &ReadOnlyError{Partition: partition, Op: op}
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return &IntegrityError{Partition: partition, Path: path, Detail: se.Error()}
		}
	}
	if strings.Contains(err.Error(), "attempt to write a readonly database") {
		return &ReadOnlyError{Partition: partition, Op: op}
	}
	return err
}
