package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"quantdesk/internal/clock"
	"quantdesk/internal/config"
	"quantdesk/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // keep-alive cadence
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	writeTimeout     = 10 * time.Second
	maxReconnectWait = 30 * time.Second
)

// TickFeed is the WebSocket implementation of marketdata.TickSource. It
// auto-reconnects with exponential backoff (1s doubling to 30s) and
// re-subscribes the full symbol set on every reconnection. A read deadline
// catches silent server failures.
type TickFeed struct {
	url    string
	apiKey string
	clk    clock.Clock
	logger *slog.Logger

	// initial backoff; tests shorten it
	reconnectWait time.Duration

	connMu sync.Mutex
	conn   *websocket.Conn
}

func NewTickFeed(cfg config.BrokerConfig, clk clock.Clock, logger *slog.Logger) *TickFeed {
	return &TickFeed{
		url:           cfg.FeedWSURL,
		apiKey:        cfg.APIKey,
		clk:           clk,
		logger:        logger.With("component", "tick_feed"),
		reconnectWait: time.Second,
	}
}

// Subscribe connects and delivers ticks for symbols until ctx is cancelled.
// Connection loss is handled internally; the error return is ctx.Err().
func (f *TickFeed) Subscribe(ctx context.Context, symbols []string, fn func(types.Tick)) error {
	backoff := f.reconnectWait
	for {
		err := f.connectAndRead(ctx, symbols, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("tick feed disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

type subscribeMsg struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

type tickMsg struct {
	Type   string  `json:"type"`
	Symbol string  `json:"symbol"`
	TSMs   int64   `json:"ts_ms"`
	Price  float64 `json:"ltp"`
	Volume int64   `json:"ltq"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
}

func (f *TickFeed) connectAndRead(ctx context.Context, symbols []string, fn func(types.Tick)) error {
	header := http.Header{}
	if f.apiKey != "" {
		header.Set("X-Api-Key", f.apiKey)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.writeJSON(subscribeMsg{Action: "subscribe", Symbols: symbols}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.logger.Info("tick feed connected", "symbols", len(symbols))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(msg, fn)
	}
}

func (f *TickFeed) dispatch(data []byte, fn func(types.Tick)) {
	var msg tickMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Debug("ignoring non-json feed message", "data", string(data))
		return
	}
	if msg.Type != "tick" {
		// Subscription acks and heartbeats.
		f.logger.Debug("ignoring feed event", "type", msg.Type)
		return
	}
	fn(types.Tick{
		Symbol:       msg.Symbol,
		ExchangeTSMs: msg.TSMs,
		IngestTS:     f.clk.Now(),
		Price:        msg.Price,
		Volume:       msg.Volume,
		Bid:          msg.Bid,
		Ask:          msg.Ask,
	})
}

func (f *TickFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *TickFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *TickFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
