// quantdesk — an intraday trading runtime for Indian equities and
// derivatives, built around six single-writer SQLite partitions.
//
// Commands:
//
//	init_db          — create every partition with its schema and version stamp
//	market_ingestor  — WS ticks → buffer → live partition → 1m bars, with gap backfill
//	live_runner      — bar-driven strategy loop → risk gate → broker dispatch
//	backtest run     — replay a date range through the same loop, record trades
//	eod_rollover     — promote today's live buffer into the historical partition
//	health_check     — lock, integrity and disk findings for all partitions
//
// Exit codes: 0 success, 1 runtime failure, 2 usage error.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quantdesk/internal/config"
	"quantdesk/internal/storage"
	"quantdesk/internal/telemetry"
	"quantdesk/pkg/types"
)

// errUsage maps to exit code 2. The message has already been printed.
var errUsage = errors.New("usage error")

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "init_db":
		err = cmdInitDB(os.Args[2:])
	case "market_ingestor":
		err = cmdMarketIngestor(os.Args[2:])
	case "live_runner":
		err = cmdLiveRunner(os.Args[2:])
	case "backtest":
		err = cmdBacktest(os.Args[2:])
	case "eod_rollover":
		err = cmdEODRollover(os.Args[2:])
	case "health_check":
		err = cmdHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		os.Exit(2)
	default:
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: quantdesk <command> [flags]

commands:
  init_db          initialize all storage partitions
  market_ingestor  stream ticks into the live buffer and aggregate 1m bars
  live_runner      run strategies against live bars and dispatch orders
  backtest run     replay a date range and record trades + metrics
  eod_rollover     promote the live buffer into the historical partition
  health_check     report partition lock, integrity and disk findings

Config is read from configs/config.yaml, or the path in QDESK_CONFIG.
`)
}

// app is the shared dependency root every command starts from.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	manager *storage.Manager
}

func newApp() (*app, error) {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("QDESK_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return nil, err
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	return &app{
		cfg:     cfg,
		logger:  logger,
		manager: storage.NewManager(cfg.Storage.DataDir, logger),
	}, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newFlagSet exits with code 2 on parse errors, matching the usage-error
// convention for the whole CLI.
func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ExitOnError)
}

// signalContext cancels on SIGINT/SIGTERM for graceful shutdown.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// connectBus returns the NATS bus when configured, a no-op otherwise.
// Telemetry is best-effort: a connect failure downgrades, never aborts.
func (a *app) connectBus() telemetry.Bus {
	if a.cfg.Telemetry.NATSURL == "" {
		return telemetry.NopBus{}
	}
	bus, err := telemetry.Connect(a.cfg.Telemetry.NATSURL, a.logger)
	if err != nil {
		a.logger.Warn("telemetry bus unavailable, continuing without", "error", err)
		return telemetry.NopBus{}
	}
	return bus
}

// heartbeat publishes a per-node liveness record every 30s.
func heartbeat(ctx context.Context, bus telemetry.Bus, node, service string) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			bus.Publish(telemetry.TopicHealth+node, map[string]any{
				"node":    node,
				"service": service,
				"ts":      t.UTC(),
			})
		}
	}
}

func cmdInitDB(args []string) error {
	fs := newFlagSet("init_db")
	fs.Parse(args)

	a, err := newApp()
	if err != nil {
		return err
	}
	ctx := context.Background()

	// Opening each partition writable creates its directory, applies the
	// schema and stamps the version; reopening an initialized partition is
	// a no-op.
	opens := []struct {
		name string
		open func() (interface{ Close() error }, error)
	}{
		{"live_buffer", func() (interface{ Close() error }, error) {
			return storage.NewLiveBufferWriter(ctx, a.manager, a.logger)
		}},
		{"trading", func() (interface{ Close() error }, error) {
			return storage.NewTradingStore(ctx, a.manager, a.logger)
		}},
		{"signals", func() (interface{ Close() error }, error) {
			return storage.NewSignalStore(ctx, a.manager, a.logger)
		}},
		{"config", func() (interface{ Close() error }, error) {
			return storage.NewConfigStore(ctx, a.manager, a.logger)
		}},
		{"backtest", func() (interface{ Close() error }, error) {
			return storage.NewBacktestIndex(ctx, a.manager, a.logger)
		}},
	}
	for _, o := range opens {
		s, err := o.open()
		if err != nil {
			a.logger.Error("partition init failed", "partition", o.name, "error", err)
			return err
		}
		if err := s.Close(); err != nil {
			a.logger.Error("partition close failed", "partition", o.name, "error", err)
			return err
		}
		a.logger.Info("partition initialized", "partition", o.name)
	}

	// The historical partition and backup area have no schema until the
	// first rollover; create the directories now so health checks pass.
	for _, dir := range []string{
		a.manager.PartitionDir(storage.PartitionHistorical),
		a.manager.BackupDir("rollover"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			a.logger.Error("mkdir failed", "dir", dir, "error", err)
			return err
		}
	}

	a.logger.Info("storage initialized", "root", a.manager.Root())
	return nil
}

func cmdEODRollover(args []string) error {
	fs := newFlagSet("eod_rollover")
	dateStr := fs.String("date", "", "trading date to roll (YYYY-MM-DD, default today)")
	fs.Parse(args)

	a, err := newApp()
	if err != nil {
		return err
	}

	date := types.TradingDate(time.Now().UTC())
	if *dateStr != "" {
		d, err := time.Parse("2006-01-02", *dateStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --date %q: want YYYY-MM-DD\n", *dateStr)
			return errUsage
		}
		date = d
	}

	ctx, stop := signalContext()
	defer stop()

	roll := storage.NewRollover(a.manager, a.logger, a.cfg.Market.Exchange)
	if err := roll.Run(ctx, date); err != nil {
		a.logger.Error("rollover failed", "date", date.Format("2006-01-02"), "error", err)
		return err
	}
	a.logger.Info("rollover complete", "date", date.Format("2006-01-02"))
	return nil
}

func cmdHealthCheck(args []string) error {
	fs := newFlagSet("health_check")
	fs.Parse(args)

	a, err := newApp()
	if err != nil {
		return err
	}

	findings := storage.NewHealthChecker(a.manager, a.logger).CheckAll()
	for _, f := range findings {
		fmt.Printf("%-12s %-8s %s\n", f.Partition, f.Level, f.Detail)
	}
	if !storage.Healthy(findings) {
		return errors.New("storage unhealthy")
	}
	return nil
}
