package execution

import (
	"context"
	"fmt"

	"quantdesk/pkg/types"
)

// BrokerAdapter is the dispatch surface the engine talks to. LIVE wires the
// gateway client, PAPER wires the simulator; DRY_RUN never calls it.
type BrokerAdapter interface {
	PlaceOrder(ctx context.Context, order types.NormalizedOrder) (brokerOrderID string, err error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	Positions(ctx context.Context) ([]types.BrokerPosition, error)
}

// FillSource delivers execution reports. Exactly one subscriber (the
// engine's fill intake) is expected; brokers call fn once per fill.
type FillSource interface {
	SubscribeFills(fn func(types.FillEvent))
}

// RuleError marks an execution-rule violation, e.g. a nested
// ProcessSignal invocation.
type RuleError struct {
	Detail string
}

func (e *RuleError) Error() string {
	return "execution: rule violation: " + e.Detail
}

// FactoryError means the signal could not be converted into an order.
type FactoryError struct {
	Signal types.SignalEvent
	Detail string
}

func (e *FactoryError) Error() string {
	return fmt.Sprintf("execution: cannot build order from %s signal for %s: %s",
		e.Signal.Type, e.Signal.Symbol, e.Detail)
}
