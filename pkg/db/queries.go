// Package db provides account-isolated persistence for orders, trades,
// positions and simulation runs.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrAccountRequired = errors.New("account is required for data isolation")
	ErrNotFound        = errors.New("record not found")
)

// Queries provides account-isolated database queries.
type Queries struct {
	db *sql.DB
}

// NewQueries creates a new Queries instance.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// ----------------------------------------
// Order Queries
// ----------------------------------------

// CreateOrder inserts a new order row.
func (q *Queries) CreateOrder(ctx context.Context, o Order) error {
	if o.Account == "" {
		return ErrAccountRequired
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO orders (id, subscription_id, account, symbol, side, order_type, price, qty, filled_qty, avg_fill_price, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.SubscriptionID, o.Account, o.Symbol, o.Side, o.OrderType, o.Price, o.Qty, o.FilledQty, o.AvgFillPrice, o.Status)

	return err
}

// UpdateOrderStatus records a lifecycle transition for an order.
func (q *Queries) UpdateOrderStatus(ctx context.Context, orderID, status string, filledQty, avgFillPrice float64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, filled_qty = ?, avg_fill_price = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, filledQty, avgFillPrice, orderID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// OrdersByAccount returns the most recent orders for an account.
func (q *Queries) OrdersByAccount(ctx context.Context, account string, limit int) ([]Order, error) {
	if account == "" {
		return nil, ErrAccountRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, COALESCE(subscription_id, ''), account, symbol, side, order_type, price, qty,
		       COALESCE(filled_qty, 0), COALESCE(avg_fill_price, 0), status, created_at, updated_at
		FROM orders
		WHERE account = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, account, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// OpenOrdersByAccount returns orders still working at the broker.
func (q *Queries) OpenOrdersByAccount(ctx context.Context, account string) ([]Order, error) {
	if account == "" {
		return nil, ErrAccountRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, COALESCE(subscription_id, ''), account, symbol, side, order_type, price, qty,
		       COALESCE(filled_qty, 0), COALESCE(avg_fill_price, 0), status, created_at, updated_at
		FROM orders
		WHERE account = ?
		  AND status IN ('SUBMITTED', 'PARTIALLY_FILLED')
		ORDER BY created_at DESC
	`, account)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

func scanOrders(rows *sql.Rows) ([]Order, error) {
	var orders []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.SubscriptionID, &o.Account, &o.Symbol, &o.Side, &o.OrderType,
			&o.Price, &o.Qty, &o.FilledQty, &o.AvgFillPrice, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ----------------------------------------
// Trade Queries
// ----------------------------------------

// CreateTrade inserts a new trade (fill) row.
func (q *Queries) CreateTrade(ctx context.Context, t Trade) error {
	if t.Account == "" {
		return ErrAccountRequired
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO trades (id, order_id, subscription_id, account, symbol, side, price, qty, fee, realized_pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.OrderID, t.SubscriptionID, t.Account, t.Symbol, t.Side, t.Price, t.Qty, t.Fee, t.RealizedPnL)

	return err
}

// TradesByAccount returns the most recent trades for an account.
func (q *Queries) TradesByAccount(ctx context.Context, account string, limit int) ([]Trade, error) {
	if account == "" {
		return nil, ErrAccountRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, order_id, COALESCE(subscription_id, ''), account, symbol, side, price, qty,
		       COALESCE(fee, 0), COALESCE(realized_pnl, 0), created_at
		FROM trades
		WHERE account = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, account, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.OrderID, &t.SubscriptionID, &t.Account, &t.Symbol, &t.Side,
			&t.Price, &t.Qty, &t.Fee, &t.RealizedPnL, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// CreateRoundTrip inserts a completed position cycle.
func (q *Queries) CreateRoundTrip(ctx context.Context, rt RoundTrip) error {
	if rt.Account == "" {
		return ErrAccountRequired
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO round_trips (id, subscription_id, account, symbol, side, qty,
			entry_order_id, exit_order_id, entry_price, exit_price, realized_pnl,
			opened_at, closed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rt.ID, rt.SubscriptionID, rt.Account, rt.Symbol, rt.Side, rt.Qty,
		rt.EntryOrderID, rt.ExitOrderID, rt.EntryPrice, rt.ExitPrice, rt.RealizedPnL,
		rt.OpenedAt, rt.ClosedAt, rt.DurationMs)

	return err
}

// RoundTripsByAccount returns the most recently closed round trips.
func (q *Queries) RoundTripsByAccount(ctx context.Context, account string, limit int) ([]RoundTrip, error) {
	if account == "" {
		return nil, ErrAccountRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, COALESCE(subscription_id, ''), account, symbol, side, qty,
		       entry_order_id, exit_order_id, entry_price, exit_price, realized_pnl,
		       opened_at, closed_at, duration_ms
		FROM round_trips
		WHERE account = ?
		ORDER BY closed_at DESC
		LIMIT ?
	`, account, limit)
	if err != nil {
		return nil, fmt.Errorf("query round trips: %w", err)
	}
	defer rows.Close()

	var trips []RoundTrip
	for rows.Next() {
		var rt RoundTrip
		if err := rows.Scan(&rt.ID, &rt.SubscriptionID, &rt.Account, &rt.Symbol, &rt.Side, &rt.Qty,
			&rt.EntryOrderID, &rt.ExitOrderID, &rt.EntryPrice, &rt.ExitPrice, &rt.RealizedPnL,
			&rt.OpenedAt, &rt.ClosedAt, &rt.DurationMs); err != nil {
			return nil, fmt.Errorf("scan round trip: %w", err)
		}
		trips = append(trips, rt)
	}
	return trips, rows.Err()
}

// DayRealizedPnL sums realized PnL for an account on a UTC calendar day.
func (q *Queries) DayRealizedPnL(ctx context.Context, account, day string) (float64, error) {
	if account == "" {
		return 0, ErrAccountRequired
	}

	var pnl sql.NullFloat64
	err := q.db.QueryRowContext(ctx, `
		SELECT SUM(realized_pnl) FROM trades
		WHERE account = ? AND date(created_at) = ?
	`, account, day).Scan(&pnl)
	if err != nil {
		return 0, fmt.Errorf("query day pnl: %w", err)
	}
	return pnl.Float64, nil
}

// ----------------------------------------
// Position Queries
// ----------------------------------------

// UpsertPosition creates or updates the position for an account and symbol.
func (q *Queries) UpsertPosition(ctx context.Context, p Position) error {
	if p.Account == "" {
		return ErrAccountRequired
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO positions (account, symbol, qty, avg_price, realized_pnl, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account, symbol) DO UPDATE SET
			qty = excluded.qty,
			avg_price = excluded.avg_price,
			realized_pnl = excluded.realized_pnl,
			updated_at = CURRENT_TIMESTAMP
	`, p.Account, p.Symbol, p.Qty, p.AvgPrice, p.RealizedPnL)

	return err
}

// PositionsByAccount returns all positions for an account.
func (q *Queries) PositionsByAccount(ctx context.Context, account string) ([]Position, error) {
	if account == "" {
		return nil, ErrAccountRequired
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT account, symbol, qty, avg_price, COALESCE(realized_pnl, 0), updated_at
		FROM positions
		WHERE account = ?
	`, account)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.Account, &p.Symbol, &p.Qty, &p.AvgPrice, &p.RealizedPnL, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ----------------------------------------
// Strategy State Queries
// ----------------------------------------

// SaveStrategyState upserts the serialized state for a subscription.
func (q *Queries) SaveStrategyState(ctx context.Context, subscriptionID string, state []byte) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO strategy_states (subscription_id, state_data, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(subscription_id) DO UPDATE SET
			state_data = excluded.state_data,
			updated_at = CURRENT_TIMESTAMP
	`, subscriptionID, string(state))
	return err
}

// LoadStrategyState returns the serialized state for a subscription, or
// ErrNotFound when no snapshot has been saved.
func (q *Queries) LoadStrategyState(ctx context.Context, subscriptionID string) ([]byte, error) {
	var state string
	err := q.db.QueryRowContext(ctx, `
		SELECT state_data FROM strategy_states WHERE subscription_id = ?
	`, subscriptionID).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query strategy state: %w", err)
	}
	return []byte(state), nil
}

// ----------------------------------------
// Backtest Run Queries
// ----------------------------------------

// CreateBacktestRun inserts a pending run row.
func (q *Queries) CreateBacktestRun(ctx context.Context, r BacktestRun) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO backtest_runs (id, strategy_type, symbol, interval, parameters, start_time, end_time, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.StrategyType, r.Symbol, r.Interval, r.Parameters, r.StartTime, r.EndTime, r.Status)
	return err
}

// FinishBacktestRun records the terminal status and result of a run.
func (q *Queries) FinishBacktestRun(ctx context.Context, id, status, result, errMsg string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE backtest_runs
		SET status = ?, result = ?, error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, result, errMsg, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetBacktestRun returns a run by ID.
func (q *Queries) GetBacktestRun(ctx context.Context, id string) (*BacktestRun, error) {
	var r BacktestRun
	err := q.db.QueryRowContext(ctx, `
		SELECT id, strategy_type, symbol, interval, parameters, start_time, end_time,
		       status, COALESCE(result, ''), COALESCE(error, ''), created_at, updated_at
		FROM backtest_runs
		WHERE id = ?
	`, id).Scan(&r.ID, &r.StrategyType, &r.Symbol, &r.Interval, &r.Parameters, &r.StartTime, &r.EndTime,
		&r.Status, &r.Result, &r.Error, &r.CreatedAt, &r.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query backtest run: %w", err)
	}
	return &r, nil
}

// ListBacktestRuns returns the most recent runs.
func (q *Queries) ListBacktestRuns(ctx context.Context, limit int) ([]BacktestRun, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, strategy_type, symbol, interval, parameters, start_time, end_time,
		       status, COALESCE(result, ''), COALESCE(error, ''), created_at, updated_at
		FROM backtest_runs
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query backtest runs: %w", err)
	}
	defer rows.Close()

	var runs []BacktestRun
	for rows.Next() {
		var r BacktestRun
		if err := rows.Scan(&r.ID, &r.StrategyType, &r.Symbol, &r.Interval, &r.Parameters, &r.StartTime, &r.EndTime,
			&r.Status, &r.Result, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan backtest run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
