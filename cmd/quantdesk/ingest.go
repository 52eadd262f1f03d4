package main

import (
	"context"
	"errors"
	"sync"

	"quantdesk/internal/clock"
	"quantdesk/internal/gateway"
	"quantdesk/internal/marketdata"
	"quantdesk/internal/storage"
	"quantdesk/internal/telemetry"
)

// cmdMarketIngestor owns the live-buffer partition for the day: it backfills
// any gap since the last stored bar, then streams WS ticks through the
// in-memory buffer into the ticks file while the aggregator rolls them into
// 1-minute bars.
func cmdMarketIngestor(args []string) error {
	fs := newFlagSet("market_ingestor")
	fs.Parse(args)

	a, err := newApp()
	if err != nil {
		return err
	}
	symbols := a.cfg.Market.Symbols
	if len(symbols) == 0 {
		a.logger.Error("no symbols configured (market.symbols)")
		return errors.New("no symbols configured")
	}
	if a.cfg.Broker.FeedWSURL == "" {
		a.logger.Error("broker.feed_ws_url is required for the ingestor")
		return errors.New("feed url missing")
	}

	ctx, stop := signalContext()
	defer stop()

	clk := clock.NewReal()
	metrics := telemetry.NewMetrics()
	if addr := a.cfg.Telemetry.MetricsAddr; addr != "" {
		go metrics.Serve(ctx, addr, a.logger)
	}
	bus := a.connectBus()
	defer bus.Close()

	writer, err := storage.NewLiveBufferWriter(ctx, a.manager, a.logger)
	if err != nil {
		a.logger.Error("failed to open live buffer", "error", err)
		return err
	}
	defer writer.Close()
	reader := storage.NewLiveBufferReader(a.manager, a.logger)

	// Close the stored-bar gap before streaming so the runner never sees a
	// hole between restart and first live bar.
	if a.cfg.Broker.BackfillURL != "" {
		backfill := gateway.NewBackfill(a.cfg.Broker, a.logger)
		rec := marketdata.NewRecoveryManager(writer, backfill, clk, a.cfg.Ingest.RecoveryGapBars, a.logger)
		for _, rerr := range rec.Run(ctx, symbols) {
			a.logger.Warn("recovery incomplete", "error", rerr)
		}
	}

	buf := marketdata.NewTickBuffer(a.cfg.Ingest.BufferCap, a.logger, metrics)
	flusher := marketdata.NewFlusher(buf, writer, a.cfg.Ingest.FlushInterval, a.logger, metrics)
	agg := marketdata.NewAggregator(reader, writer, a.cfg.Ingest.AggregateInterval, a.logger, metrics)
	feed := gateway.NewTickFeed(a.cfg.Broker, clk, a.logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		flusher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		agg.Run(ctx)
	}()
	go heartbeat(ctx, bus, a.cfg.Telemetry.Node, "market_ingestor")

	a.logger.Info("market ingestor started", "symbols", len(symbols))
	feed.Subscribe(ctx, symbols, buf.Add)
	stop()
	wg.Wait()

	// Finalize any bucket still open when the feed went quiet.
	if err := agg.FlushSession(context.Background()); err != nil {
		a.logger.Warn("session flush failed", "error", err)
	}
	a.logger.Info("market ingestor stopped")
	return nil
}
