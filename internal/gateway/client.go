// Package gateway ships the production adapters behind the runtime's ports:
// a REST broker client (orders, positions, fill polling), a REST historical
// backfill, and a WebSocket tick feed. Every request is rate-limited per
// API category and retried on 5xx.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"quantdesk/internal/config"
	"quantdesk/pkg/types"
)

// Client is the broker REST adapter. It satisfies execution.BrokerAdapter
// and, through PollFills, execution.FillSource. Orders carry the engine's
// correlation id as the broker-side tag, which is how polled trades are
// joined back to orders.
type Client struct {
	http   *resty.Client
	rl     *RateLimiter
	logger *slog.Logger

	pollInterval time.Duration

	fillMu sync.Mutex
	onFill func(types.FillEvent)

	cursorMu  sync.Mutex
	lastTrade int64 // broker trade sequence already delivered
}

func NewClient(cfg config.BrokerConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Api-Key", cfg.APIKey).
		SetHeader("X-Api-Secret", cfg.APISecret)

	return &Client{
		http:         httpClient,
		rl:           NewRateLimiter(),
		logger:       logger.With("component", "broker_client"),
		pollInterval: time.Second,
	}
}

type orderRequest struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Quantity  int64   `json:"quantity"`
	OrderType string  `json:"order_type"`
	Price     float64 `json:"price,omitempty"`
	Tag       string  `json:"tag"`
}

type orderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// PlaceOrder submits one order and returns the broker's order id. The
// correlation id travels as the order tag.
func (c *Client) PlaceOrder(ctx context.Context, order types.NormalizedOrder) (string, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return "", err
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(orderRequest{
			Symbol:    order.Instrument.Key(),
			Side:      string(order.Side),
			Quantity:  order.Quantity,
			OrderType: string(order.Type),
			Price:     order.LimitPrice,
			Tag:       order.CorrelationID,
		}).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return "", brokerErr("place order", 0, err.Error())
	}
	if resp.StatusCode() != http.StatusOK {
		return "", brokerErr("place order", resp.StatusCode(), resp.String())
	}
	c.logger.Info("order submitted",
		"symbol", order.Instrument.Key(),
		"side", order.Side,
		"qty", order.Quantity,
		"broker_order_id", result.OrderID,
	)
	return result.OrderID, nil
}

// CancelOrder cancels one order by its broker id.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/orders/" + brokerOrderID)
	if err != nil {
		return brokerErr("cancel order", 0, err.Error())
	}
	if resp.StatusCode() != http.StatusOK {
		return brokerErr("cancel order", resp.StatusCode(), resp.String())
	}
	c.logger.Info("order cancelled", "broker_order_id", brokerOrderID)
	return nil
}

type positionRow struct {
	Symbol   string  `json:"symbol"`
	Quantity int64   `json:"quantity"` // signed: positive long, negative short
	AvgPrice float64 `json:"avg_price"`
}

// Positions fetches the broker's net positions for reconciliation.
func (c *Client) Positions(ctx context.Context) ([]types.BrokerPosition, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}
	var rows []positionRow
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&rows).
		Get("/positions")
	if err != nil {
		return nil, brokerErr("positions", 0, err.Error())
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, brokerErr("positions", resp.StatusCode(), resp.String())
	}
	out := make([]types.BrokerPosition, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.BrokerPosition{
			Symbol:   r.Symbol,
			Quantity: r.Quantity,
			AvgPrice: r.AvgPrice,
		})
	}
	return out, nil
}

// SubscribeFills registers the engine's fill callback.
func (c *Client) SubscribeFills(fn func(types.FillEvent)) {
	c.fillMu.Lock()
	c.onFill = fn
	c.fillMu.Unlock()
}

type tradeRow struct {
	Seq      int64   `json:"seq"`
	OrderID  string  `json:"order_id"`
	Tag      string  `json:"tag"`
	Quantity int64   `json:"quantity"`
	Price    float64 `json:"price"`
	Fees     float64 `json:"fees"`
	TSMs     int64   `json:"ts_ms"`
}

// PollFills polls the broker's trade stream and forwards new trades to the
// subscribed callback until ctx is cancelled. Poll errors are logged and
// retried on the next tick; the cursor only advances on delivery.
func (c *Client) PollFills(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.pollOnce(ctx); err != nil {
				c.logger.Warn("fill poll failed", "error", err)
			}
		}
	}
}

func (c *Client) pollOnce(ctx context.Context) error {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return err
	}
	c.cursorMu.Lock()
	since := c.lastTrade
	c.cursorMu.Unlock()

	var rows []tradeRow
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("since", strconv.FormatInt(since, 10)).
		SetResult(&rows).
		Get("/trades")
	if err != nil {
		return brokerErr("trades", 0, err.Error())
	}
	if resp.StatusCode() != http.StatusOK {
		return brokerErr("trades", resp.StatusCode(), resp.String())
	}

	c.fillMu.Lock()
	fn := c.onFill
	c.fillMu.Unlock()

	for _, r := range rows {
		if r.Seq <= since {
			continue
		}
		if fn != nil {
			fn(types.FillEvent{
				CorrelationID: r.Tag,
				BrokerOrderID: r.OrderID,
				Quantity:      r.Quantity,
				Price:         r.Price,
				Time:          time.UnixMilli(r.TSMs).UTC(),
				Fees:          r.Fees,
			})
		}
		c.cursorMu.Lock()
		c.lastTrade = r.Seq
		c.cursorMu.Unlock()
	}
	return nil
}
