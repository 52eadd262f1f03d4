package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

const lockFileName = ".writer.lock"

// WriterLock is the cross-process exclusive lock for one partition. The lock
// file carries the owning pid for diagnostics; the lock itself is the OS
// advisory lock, so a stale pid never blocks a new acquirer.
type WriterLock struct {
	partition Partition
	fl        *flock.Flock
}

// acquireWriterLock waits up to lockWaitTimeout for the partition's OS lock,
// then truncates and rewrites the lock file with the owning pid. It never
// blocks indefinitely: timeout surfaces as ContentionError.
func acquireWriterLock(ctx context.Context, logger *slog.Logger, partition Partition, dir string) (*WriterLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s dir: %w", partition, err)
	}
	path := filepath.Join(dir, lockFileName)
	fl := flock.New(path)

	lockCtx, cancel := context.WithTimeout(ctx, lockWaitTimeout)
	defer cancel()
	ok, err := fl.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, &ContentionError{Partition: partition, Op: "acquire writer lock", Attempts: 1, Err: err}
	}
	if !ok {
		return nil, &ContentionError{
			Partition: partition,
			Op:        "acquire writer lock",
			Attempts:  1,
			Err:       fmt.Errorf("not acquired within %s", lockWaitTimeout),
		}
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		logger.Warn("could not record pid in lock file", "partition", partition, "path", path, "error", err)
	}
	return &WriterLock{partition: partition, fl: fl}, nil
}

// Release empties the pid record and drops the OS lock. An empty lock file
// distinguishes clean shutdown from a crashed owner.
func (l *WriterLock) Release() error {
	_ = os.WriteFile(l.fl.Path(), nil, 0o644)
	return l.fl.Unlock()
}

// lockOwner reads the pid recorded in a partition's lock file.
// Returns 0 when the file is absent or empty.
func lockOwner(dir string) (int, error) {
	raw, err := os.ReadFile(filepath.Join(dir, lockFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unparseable lock file contents %q", s)
	}
	return pid, nil
}

// pidAlive reports whether a process with the given pid exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
