package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"quantdesk/pkg/types"
)

// TradingStore is the execution engine's partition: orders, fills and
// position snapshots in one WAL database. The engine is the sole writer;
// dashboards read the same file through their own read-only connections.
type TradingStore struct {
	m      *Manager
	lock   *WriterLock
	mu     *sync.Mutex
	logger *slog.Logger
	db     *sqlx.DB
}

// NewTradingStore locks the trading partition and opens the database.
func NewTradingStore(ctx context.Context, m *Manager, logger *slog.Logger) (*TradingStore, error) {
	lock, err := acquireWriterLock(ctx, m.logger, PartitionTrading, m.PartitionDir(PartitionTrading))
	if err != nil {
		return nil, err
	}
	db, err := openWritable(m.TradingPath(), true)
	if err != nil {
		lock.Release()
		return nil, err
	}
	if err := ensureSchema(db, PartitionTrading, m.TradingPath(), tradingSchema, tradingSchemaVersion); err != nil {
		db.Close()
		lock.Release()
		return nil, err
	}
	return &TradingStore{
		m:      m,
		lock:   lock,
		mu:     m.partitionMutex(PartitionTrading),
		logger: logger.With("component", "trading_store"),
		db:     db,
	}, nil
}

func (s *TradingStore) Close() error {
	s.db.Close()
	return s.lock.Release()
}

// SaveOrder inserts a freshly created order in CREATED status.
func (s *TradingStore) SaveOrder(ctx context.Context, o types.NormalizedOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withRetry(ctx, s.logger, PartitionTrading, "save order", func() error {
		_, err := s.db.Exec(
			`INSERT INTO orders (correlation_id, signal_id, strategy_id, symbol, side, quantity,
				order_type, limit_price, group_id, status, created_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.CorrelationID, o.SignalID, o.StrategyID, o.Instrument.Key(), string(o.Side), o.Quantity,
			string(o.Type), o.LimitPrice, o.GroupID, string(types.OrderCreated), toMS(o.CreatedAt),
		)
		return classify(err, PartitionTrading, "save order", s.m.TradingPath())
	})
}

// SetBrokerOrderID records the broker's id once dispatch succeeds.
func (s *TradingStore) SetBrokerOrderID(ctx context.Context, correlationID, brokerOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withRetry(ctx, s.logger, PartitionTrading, "set broker id", func() error {
		_, err := s.db.Exec(`UPDATE orders SET broker_order_id = ? WHERE correlation_id = ?`,
			brokerOrderID, correlationID)
		return classify(err, PartitionTrading, "set broker id", s.m.TradingPath())
	})
}

// UpdateOrderStatus persists a lifecycle transition.
func (s *TradingStore) UpdateOrderStatus(ctx context.Context, correlationID string, status types.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withRetry(ctx, s.logger, PartitionTrading, "update order status", func() error {
		_, err := s.db.Exec(`UPDATE orders SET status = ? WHERE correlation_id = ?`,
			string(status), correlationID)
		return classify(err, PartitionTrading, "update order status", s.m.TradingPath())
	})
}

// AppendFill records one incremental fill.
func (s *TradingStore) AppendFill(ctx context.Context, f types.FillEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withRetry(ctx, s.logger, PartitionTrading, "append fill", func() error {
		_, err := s.db.Exec(
			`INSERT INTO fills (correlation_id, broker_order_id, quantity, price, fill_time_ms, fees)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			f.CorrelationID, f.BrokerOrderID, f.Quantity, f.Price, toMS(f.Time), f.Fees,
		)
		return classify(err, PartitionTrading, "append fill", s.m.TradingPath())
	})
}

// SavePositionSnapshot upserts the net position for one symbol.
func (s *TradingStore) SavePositionSnapshot(ctx context.Context, p types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withRetry(ctx, s.logger, PartitionTrading, "save position", func() error {
		_, err := s.db.Exec(
			`INSERT INTO positions (symbol, side, quantity, avg_entry_price, realized_pnl, last_update_ms)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(symbol) DO UPDATE SET
				side = excluded.side,
				quantity = excluded.quantity,
				avg_entry_price = excluded.avg_entry_price,
				realized_pnl = excluded.realized_pnl,
				last_update_ms = excluded.last_update_ms`,
			p.Instrument.Key(), string(p.Side), p.Quantity, p.AvgEntryPrice, p.RealizedPnL, toMS(p.LastUpdate),
		)
		return classify(err, PartitionTrading, "save position", s.m.TradingPath())
	})
}

type orderRow struct {
	CorrelationID string  `db:"correlation_id"`
	SignalID      string  `db:"signal_id"`
	StrategyID    string  `db:"strategy_id"`
	Symbol        string  `db:"symbol"`
	Side          string  `db:"side"`
	Quantity      int64   `db:"quantity"`
	OrderType     string  `db:"order_type"`
	LimitPrice    float64 `db:"limit_price"`
	GroupID       string  `db:"group_id"`
	BrokerOrderID string  `db:"broker_order_id"`
	Status        string  `db:"status"`
	CreatedAtMs   int64   `db:"created_at_ms"`
}

// StoredOrder is an order row ready for replay: the normalized order plus
// its persisted status and broker id.
type StoredOrder struct {
	Order         types.NormalizedOrder
	Status        types.OrderStatus
	BrokerOrderID string
}

// LoadOrders returns all orders in creation order for state rebuild.
// Symbol keys that fail to parse are surfaced as integrity errors since
// only this process ever writes them.
func (s *TradingStore) LoadOrders(ctx context.Context) ([]StoredOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StoredOrder
	err := withRetry(ctx, s.logger, PartitionTrading, "load orders", func() error {
		var rows []orderRow
		if err := s.db.Select(&rows,
			`SELECT correlation_id, signal_id, strategy_id, symbol, side, quantity, order_type,
				limit_price, group_id, broker_order_id, status, created_at_ms
			 FROM orders ORDER BY created_at_ms, correlation_id`,
		); err != nil {
			return classify(err, PartitionTrading, "load orders", s.m.TradingPath())
		}
		out = out[:0]
		for _, r := range rows {
			inst, err := types.ParseSymbolKey(r.Symbol)
			if err != nil {
				return &IntegrityError{Partition: PartitionTrading, Path: s.m.TradingPath(),
					Detail: "unparseable symbol key in orders: " + r.Symbol}
			}
			out = append(out, StoredOrder{
				Order: types.NormalizedOrder{
					CorrelationID: r.CorrelationID,
					SignalID:      r.SignalID,
					StrategyID:    r.StrategyID,
					Instrument:    inst,
					Side:          types.OrderSide(r.Side),
					Quantity:      r.Quantity,
					Type:          types.OrderType(r.OrderType),
					LimitPrice:    r.LimitPrice,
					CreatedAt:     fromMS(r.CreatedAtMs),
					GroupID:       r.GroupID,
				},
				Status:        types.OrderStatus(r.Status),
				BrokerOrderID: r.BrokerOrderID,
			})
		}
		return nil
	})
	return out, err
}

// LoadFills returns all fills ordered by (correlation_id, fill_time) for
// deterministic replay.
func (s *TradingStore) LoadFills(ctx context.Context) ([]types.FillEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.FillEvent
	err := withRetry(ctx, s.logger, PartitionTrading, "load fills", func() error {
		type fillRow struct {
			CorrelationID string  `db:"correlation_id"`
			BrokerOrderID string  `db:"broker_order_id"`
			Quantity      int64   `db:"quantity"`
			Price         float64 `db:"price"`
			FillTimeMs    int64   `db:"fill_time_ms"`
			Fees          float64 `db:"fees"`
		}
		var rows []fillRow
		if err := s.db.Select(&rows,
			`SELECT correlation_id, broker_order_id, quantity, price, fill_time_ms, fees
			 FROM fills ORDER BY correlation_id, fill_time_ms, id`,
		); err != nil {
			return classify(err, PartitionTrading, "load fills", s.m.TradingPath())
		}
		out = out[:0]
		for _, r := range rows {
			out = append(out, types.FillEvent{
				CorrelationID: r.CorrelationID,
				BrokerOrderID: r.BrokerOrderID,
				Quantity:      r.Quantity,
				Price:         r.Price,
				Time:          fromMS(r.FillTimeMs),
				Fees:          r.Fees,
			})
		}
		return nil
	})
	return out, err
}

// LoadPositions returns the persisted position snapshots.
func (s *TradingStore) LoadPositions(ctx context.Context) ([]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Position
	err := withRetry(ctx, s.logger, PartitionTrading, "load positions", func() error {
		type posRow struct {
			Symbol        string  `db:"symbol"`
			Side          string  `db:"side"`
			Quantity      int64   `db:"quantity"`
			AvgEntryPrice float64 `db:"avg_entry_price"`
			RealizedPnL   float64 `db:"realized_pnl"`
			LastUpdateMs  int64   `db:"last_update_ms"`
		}
		var rows []posRow
		if err := s.db.Select(&rows,
			`SELECT symbol, side, quantity, avg_entry_price, realized_pnl, last_update_ms
			 FROM positions ORDER BY symbol`,
		); err != nil {
			return classify(err, PartitionTrading, "load positions", s.m.TradingPath())
		}
		out = out[:0]
		for _, r := range rows {
			inst, err := types.ParseSymbolKey(r.Symbol)
			if err != nil {
				return &IntegrityError{Partition: PartitionTrading, Path: s.m.TradingPath(),
					Detail: "unparseable symbol key in positions: " + r.Symbol}
			}
			out = append(out, types.Position{
				Instrument:    inst,
				Side:          types.PositionSide(r.Side),
				Quantity:      r.Quantity,
				AvgEntryPrice: r.AvgEntryPrice,
				RealizedPnL:   r.RealizedPnL,
				LastUpdate:    fromMS(r.LastUpdateMs),
			})
		}
		return nil
	})
	return out, err
}

// CountTradesSince counts orders created at or after cutoff, for the daily
// trade limit.
func (s *TradingStore) CountTradesSince(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := withRetry(ctx, s.logger, PartitionTrading, "count trades", func() error {
		return classify(
			s.db.Get(&n, `SELECT COUNT(*) FROM orders WHERE created_at_ms >= ?`, toMS(cutoff)),
			PartitionTrading, "count trades", s.m.TradingPath(),
		)
	})
	return n, err
}
