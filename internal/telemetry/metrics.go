package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the runtime's Prometheus collectors. One instance per
// process, injected into the components that increment them.
type Metrics struct {
	registry *prometheus.Registry

	TicksIngested       prometheus.Counter
	BarsEmitted         prometheus.Counter
	FlushFailures       prometheus.Counter
	TicksDropped        prometheus.Counter
	OrdersPlaced        prometheus.Counter
	OrdersRejected      prometheus.Counter
	Fills               prometheus.Counter
	RiskRejections      prometheus.Counter
	ReconcileMismatches prometheus.Counter
	OpenPositions       prometheus.Gauge
	Equity              prometheus.Gauge
}

// NewMetrics builds and registers all collectors on a private registry so
// tests can run many instances side by side.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		TicksIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quantdesk_ticks_ingested_total",
			Help: "Ticks received from the feed.",
		}),
		BarsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quantdesk_bars_emitted_total",
			Help: "1-minute bars written to the live buffer.",
		}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quantdesk_flush_failures_total",
			Help: "Tick buffer flushes that exhausted all retries.",
		}),
		TicksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quantdesk_ticks_dropped_total",
			Help: "Ticks dropped because the in-memory buffer hit its cap.",
		}),
		OrdersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quantdesk_orders_placed_total",
			Help: "Orders dispatched to the broker.",
		}),
		OrdersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quantdesk_orders_rejected_total",
			Help: "Orders rejected by the broker.",
		}),
		Fills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quantdesk_fills_total",
			Help: "Fill events applied to the trackers.",
		}),
		RiskRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quantdesk_risk_rejections_total",
			Help: "Orders rejected by the pre-trade risk gate.",
		}),
		ReconcileMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quantdesk_reconcile_mismatches_total",
			Help: "Position mismatches found against broker state.",
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quantdesk_open_positions",
			Help: "Symbols with a non-flat position.",
		}),
		Equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quantdesk_equity",
			Help: "Current account equity.",
		}),
	}
	reg.MustRegister(
		m.TicksIngested, m.BarsEmitted, m.FlushFailures, m.TicksDropped,
		m.OrdersPlaced, m.OrdersRejected, m.Fills, m.RiskRejections,
		m.ReconcileMismatches, m.OpenPositions, m.Equity,
	)
	return m
}

// Serve exposes /metrics on addr until ctx is cancelled. Intended to be run
// in its own goroutine; errors other than a clean shutdown are logged.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "error", err)
	}
}
