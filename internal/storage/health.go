package storage

import (
	"fmt"
	"log/slog"
	"os"
	"syscall"
)

// HealthLevel grades one finding.
type HealthLevel string

const (
	HealthOK      HealthLevel = "ok"
	HealthWarning HealthLevel = "warning"
	HealthError   HealthLevel = "error"
)

// Finding is one health check result.
type Finding struct {
	Partition Partition
	Level     HealthLevel
	Detail    string
}

// minFreeDiskBytes is the free-space floor before the checker warns.
const minFreeDiskBytes = 1 << 30

// HealthChecker verifies directory layout, database integrity, stale locks
// and disk headroom. It never mutates anything.
type HealthChecker struct {
	m      *Manager
	logger *slog.Logger
}

func NewHealthChecker(m *Manager, logger *slog.Logger) *HealthChecker {
	return &HealthChecker{m: m, logger: logger.With("component", "health")}
}

// CheckAll runs every check and returns the findings, one per observation.
func (h *HealthChecker) CheckAll() []Finding {
	var out []Finding

	for _, p := range []Partition{
		PartitionHistorical, PartitionLiveBuffer, PartitionTrading,
		PartitionSignals, PartitionConfig, PartitionBacktest,
	} {
		dir := h.m.PartitionDir(p)
		if _, err := os.Stat(dir); err != nil {
			out = append(out, Finding{p, HealthError, "missing directory " + dir})
			continue
		}
		out = append(out, h.checkLock(p, dir))
	}

	out = append(out, h.checkDatabase(PartitionTrading, h.m.TradingPath()))
	out = append(out, h.checkDatabase(PartitionSignals, h.m.SignalsPath()))
	out = append(out, h.checkDatabase(PartitionConfig, h.m.ConfigPath()))
	out = append(out, h.checkDatabase(PartitionBacktest, h.m.BacktestIndexPath()))
	out = append(out, h.checkDatabase(PartitionLiveBuffer, h.m.LiveTicksPath()))
	out = append(out, h.checkDatabase(PartitionLiveBuffer, h.m.LiveCandlesPath()))

	out = append(out, h.checkDiskSpace())
	return out
}

// Healthy reports whether no finding is an error.
func Healthy(findings []Finding) bool {
	for _, f := range findings {
		if f.Level == HealthError {
			return false
		}
	}
	return true
}

// checkLock flags lock files whose recorded pid is no longer alive. A stale
// file never blocks acquisition; it only signals an unclean shutdown.
func (h *HealthChecker) checkLock(p Partition, dir string) Finding {
	pid, err := lockOwner(dir)
	if err != nil {
		return Finding{p, HealthWarning, "unreadable lock file: " + err.Error()}
	}
	if pid == 0 {
		return Finding{p, HealthOK, "no active writer"}
	}
	if !pidAlive(pid) {
		return Finding{p, HealthWarning, fmt.Sprintf("stale lock: owner pid %d not alive", pid)}
	}
	return Finding{p, HealthOK, fmt.Sprintf("writer pid %d", pid)}
}

func (h *HealthChecker) checkDatabase(p Partition, path string) Finding {
	if !fileExists(path) {
		return Finding{p, HealthWarning, "not initialized: " + path}
	}
	if err := integrityCheck(path, p); err != nil {
		return Finding{p, HealthError, err.Error()}
	}
	return Finding{p, HealthOK, "integrity ok: " + path}
}

func (h *HealthChecker) checkDiskSpace() Finding {
	var st syscall.Statfs_t
	if err := syscall.Statfs(h.m.Root(), &st); err != nil {
		return Finding{"", HealthWarning, "statfs failed: " + err.Error()}
	}
	free := uint64(st.Bavail) * uint64(st.Bsize)
	if free < minFreeDiskBytes {
		return Finding{"", HealthWarning, fmt.Sprintf("low disk space: %d MiB free", free>>20)}
	}
	return Finding{"", HealthOK, fmt.Sprintf("disk space: %d MiB free", free>>20)}
}
