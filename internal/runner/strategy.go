package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"quantdesk/pkg/types"
)

// Strategy consumes one bar at a time and may emit a signal. Concrete
// strategies live outside this module; the runner only needs the contract.
type Strategy interface {
	ID() string
	ProcessBar(bar types.OHLCVBar, sctx StrategyContext) (*types.SignalEvent, error)
}

// StrategyContext is the read-only view handed to a strategy with each bar.
type StrategyContext struct {
	Symbol    string
	Position  types.Position
	Analytics *types.AnalyticsSnapshot // nil when no snapshot is available
	Regime    string
	Params    map[string]float64
}

// AnalyticsSnapshotReader serves the latest derived analytics for a symbol,
// typically backed by the signals partition.
type AnalyticsSnapshotReader interface {
	GetLatest(ctx context.Context, symbol string) (*types.AnalyticsSnapshot, error)
}

// Factory builds a strategy instance from its config params.
type Factory func(params map[string]float64) (Strategy, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// RegisterStrategy makes a factory available by id. Panics on duplicates,
// the same way a double flag registration would.
func RegisterStrategy(id string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[id]; dup {
		panic("runner: duplicate strategy registration: " + id)
	}
	registry[id] = f
}

// NewStrategy instantiates a registered strategy.
func NewStrategy(id string, params map[string]float64) (Strategy, error) {
	registryMu.RLock()
	f, ok := registry[id]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("runner: unknown strategy %q (registered: %v)", id, RegisteredStrategies())
	}
	return f(params)
}

// RegisteredStrategies lists the known strategy ids, sorted.
func RegisteredStrategies() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for id := range registry {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
