package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"quantdesk/internal/backtest"
	"quantdesk/internal/clock"
	"quantdesk/internal/storage"
	"quantdesk/pkg/types"
)

// cmdBacktest runs `backtest run`: one strategy over one symbol and date
// range, replayed through the same loop the live runner uses. The run id
// is printed even on failure so the indexed error can be looked up.
func cmdBacktest(args []string) error {
	if len(args) < 1 || args[0] != "run" {
		fmt.Fprintln(os.Stderr, "usage: quantdesk backtest run --strategy ID --symbol KEY --start YYYY-MM-DD --end YYYY-MM-DD [--timeframe TF] [--params k=v,...]")
		return errUsage
	}

	fs := newFlagSet("backtest run")
	strategy := fs.String("strategy", "", "strategy id (vec: prefix selects the batch path)")
	symbol := fs.String("symbol", "", "canonical symbol key")
	startStr := fs.String("start", "", "first trading date (YYYY-MM-DD)")
	endStr := fs.String("end", "", "last trading date (YYYY-MM-DD)")
	tfStr := fs.String("timeframe", "", "bar timeframe, default 1m")
	paramsStr := fs.String("params", "", "comma-separated k=v strategy params")
	fs.Parse(args[1:])

	if *strategy == "" || *symbol == "" || *startStr == "" || *endStr == "" {
		fmt.Fprintln(os.Stderr, "backtest run: --strategy, --symbol, --start and --end are required")
		return errUsage
	}
	start, err := time.Parse("2006-01-02", *startStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --start %q: want YYYY-MM-DD\n", *startStr)
		return errUsage
	}
	end, err := time.Parse("2006-01-02", *endStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --end %q: want YYYY-MM-DD\n", *endStr)
		return errUsage
	}
	if end.Before(start) {
		fmt.Fprintln(os.Stderr, "backtest run: --end is before --start")
		return errUsage
	}
	var tf types.Timeframe
	if *tfStr != "" {
		if tf, err = types.ParseTimeframe(*tfStr); err != nil {
			fmt.Fprintf(os.Stderr, "invalid --timeframe %q: %v\n", *tfStr, err)
			return errUsage
		}
	}
	params, err := parseParams(*paramsStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return errUsage
	}

	a, err := newApp()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	o := backtest.New(backtest.Params{
		Manager:       a.manager,
		Risk:          a.cfg.Risk,
		Execution:     a.cfg.Execution,
		Exchange:      a.cfg.Market.Exchange,
		InitialEquity: a.cfg.Backtest.InitialEquity,
		Clock:         clock.NewReal(),
		Logger:        a.logger,
	})

	runID, err := o.Run(ctx, backtest.RunRequest{
		StrategyID: *strategy,
		Symbol:     *symbol,
		Start:      types.SessionOpen(start),
		End:        types.SessionClose(end),
		Timeframe:  tf,
		Params:     params,
	})
	if runID != "" {
		fmt.Printf("run_id: %s\n", runID)
	}
	if err != nil {
		a.logger.Error("backtest failed", "run_id", runID, "error", err)
		return err
	}
	return printRunSummary(ctx, a, runID)
}

func printRunSummary(ctx context.Context, a *app, runID string) error {
	index, err := storage.NewBacktestIndex(ctx, a.manager, a.logger)
	if err != nil {
		return err
	}
	defer index.Close()
	run, ok, err := index.Get(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("run %s not in index", runID)
	}

	m := run.Metrics
	fmt.Printf("status: %s\n", run.Status)
	fmt.Printf("bars: %d  signals: %d  trades: %d\n", m.Bars, m.Signals, m.Trades)
	fmt.Printf("final_equity: %.2f  fees: %.2f\n", m.FinalEquity, m.TotalFees)
	fmt.Printf("max_drawdown: %.2f%%  win_rate: %.2f%%  sharpe: %.2f\n",
		m.MaxDrawdown*100, m.WinRate*100, m.Sharpe)
	return nil
}

// parseParams turns "atr_period=14,meta_model=on" into a map.
func parseParams(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --params entry %q: want k=v", pair)
		}
		out[k] = v
	}
	return out, nil
}
