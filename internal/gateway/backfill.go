package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"quantdesk/internal/config"
	"quantdesk/pkg/types"
)

// Backfill is the REST implementation of the recovery manager's
// marketdata.BackfillPort. It talks to the broker's historical candle
// endpoint, which serves intraday data for the current session.
type Backfill struct {
	http   *resty.Client
	rl     *RateLimiter
	logger *slog.Logger
}

func NewBackfill(cfg config.BrokerConfig, logger *slog.Logger) *Backfill {
	httpClient := resty.New().
		SetBaseURL(cfg.BackfillURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("X-Api-Key", cfg.APIKey)

	return &Backfill{
		http:   httpClient,
		rl:     NewRateLimiter(),
		logger: logger.With("component", "backfill"),
	}
}

type candleRow struct {
	TSMs   int64   `json:"ts_ms"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

type candleResponse struct {
	Candles []candleRow `json:"candles"`
}

// FetchCandles pulls [from, to] candles for one symbol. Bars come back in
// timestamp order with the requested timeframe stamped on.
func (b *Backfill) FetchCandles(ctx context.Context, symbol string, from, to time.Time, tf types.Timeframe) ([]types.OHLCVBar, error) {
	if err := b.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	var result candleResponse
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":    symbol,
			"timeframe": string(tf),
			"from":      strconv.FormatInt(from.UnixMilli(), 10),
			"to":        strconv.FormatInt(to.UnixMilli(), 10),
		}).
		SetResult(&result).
		Get("/candles")
	if err != nil {
		return nil, brokerErr("fetch candles", 0, err.Error())
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, brokerErr("fetch candles", resp.StatusCode(), resp.String())
	}

	bars := make([]types.OHLCVBar, 0, len(result.Candles))
	for _, c := range result.Candles {
		bars = append(bars, types.OHLCVBar{
			Symbol:    symbol,
			Timestamp: time.UnixMilli(c.TSMs).UTC(),
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
			Timeframe: tf,
		})
	}
	b.logger.Debug("candles fetched", "symbol", symbol, "count", len(bars))
	return bars, nil
}
