package execution

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"quantdesk/internal/position"
	"quantdesk/internal/telemetry"
	"quantdesk/pkg/types"
)

// AlertKind classifies a reconciliation mismatch.
type AlertKind string

const (
	AlertQtyMismatch  AlertKind = "qty_mismatch"
	AlertOrphanLocal  AlertKind = "orphan_local"  // tracker has it, broker does not
	AlertOrphanBroker AlertKind = "orphan_broker" // broker has it, tracker does not
)

// Alert is one position discrepancy between the tracker and the broker.
// Alerts surface; nothing auto-corrects.
type Alert struct {
	Kind      AlertKind `json:"kind"`
	Symbol    string    `json:"symbol"`
	LocalQty  int64     `json:"local_qty"`
	BrokerQty int64     `json:"broker_qty"`
	Time      time.Time `json:"time"`
}

// Reconciler periodically diffs tracker positions against the broker's
// report and publishes mismatches.
type Reconciler struct {
	positions *position.Tracker
	broker    BrokerAdapter
	interval  time.Duration
	topic     string
	bus       telemetry.Bus
	metrics   *telemetry.Metrics
	logger    *slog.Logger
}

func NewReconciler(positions *position.Tracker, broker BrokerAdapter, interval time.Duration, node string, bus telemetry.Bus, metrics *telemetry.Metrics, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		positions: positions,
		broker:    broker,
		interval:  interval,
		topic:     telemetry.TopicHealth + node,
		bus:       bus,
		metrics:   metrics,
		logger:    logger.With("component", "reconcile"),
	}
}

// Run checks on every tick until the context ends.
func (r *Reconciler) Run(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.CheckOnce(ctx); err != nil {
					r.logger.Warn("reconcile pass failed", "error", err)
				}
			}
		}
	}()
}

// CheckOnce runs one reconciliation pass and returns the alerts it raised,
// sorted by symbol.
func (r *Reconciler) CheckOnce(ctx context.Context) ([]Alert, error) {
	brokerPositions, err := r.broker.Positions(ctx)
	if err != nil {
		return nil, err
	}

	brokerBySymbol := make(map[string]int64, len(brokerPositions))
	for _, p := range brokerPositions {
		brokerBySymbol[p.Symbol] = p.Quantity
	}

	now := time.Now().UTC()
	var alerts []Alert
	seen := make(map[string]bool)
	for _, pos := range r.positions.Snapshot() {
		if pos.Side == types.Flat {
			continue
		}
		symbol := pos.Instrument.Key()
		seen[symbol] = true
		local := pos.SignedQuantity()
		brokerQty, held := brokerBySymbol[symbol]
		switch {
		case !held:
			alerts = append(alerts, Alert{Kind: AlertOrphanLocal, Symbol: symbol, LocalQty: local, Time: now})
		case brokerQty != local:
			alerts = append(alerts, Alert{Kind: AlertQtyMismatch, Symbol: symbol, LocalQty: local, BrokerQty: brokerQty, Time: now})
		}
	}
	for symbol, qty := range brokerBySymbol {
		if !seen[symbol] && qty != 0 {
			alerts = append(alerts, Alert{Kind: AlertOrphanBroker, Symbol: symbol, BrokerQty: qty, Time: now})
		}
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].Symbol < alerts[j].Symbol })

	for _, a := range alerts {
		r.metrics.ReconcileMismatches.Inc()
		r.logger.Warn("position mismatch",
			"kind", string(a.Kind),
			"symbol", a.Symbol,
			"local_qty", a.LocalQty,
			"broker_qty", a.BrokerQty,
		)
		r.bus.Publish(r.topic, a)
	}
	return alerts, nil
}
