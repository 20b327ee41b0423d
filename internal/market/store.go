package market

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CandleStore persists candles in SQLite and serves them back as a CandleSource.
type CandleStore struct {
	db *sql.DB
}

// NewCandleStore wraps an open database handle. The candles table is created
// by the schema migration in pkg/db.
func NewCandleStore(db *sql.DB) *CandleStore {
	return &CandleStore{db: db}
}

// Insert upserts a batch of candles inside one transaction.
func (s *CandleStore) Insert(ctx context.Context, candles []Candle) error {
	if len(candles) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (symbol, interval, open_time, close_time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, interval, open_time) DO UPDATE SET
			close_time = excluded.close_time,
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx,
			c.Symbol, c.Interval, c.OpenTime.UnixMilli(), c.CloseTime.UnixMilli(),
			c.Open, c.High, c.Low, c.Close, c.Volume,
		); err != nil {
			return fmt.Errorf("insert candle %s %s: %w", c.Symbol, c.OpenTime, err)
		}
	}
	return tx.Commit()
}

// Candles returns candles in [start, end] ordered by open time ascending.
func (s *CandleStore) Candles(ctx context.Context, symbol, interval string, start, end time.Time) ([]Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, interval, open_time, close_time, open, high, low, close, volume
		FROM candles
		WHERE symbol = ? AND interval = ? AND open_time >= ? AND open_time <= ?
		ORDER BY open_time ASC
	`, symbol, interval, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Candle
	for rows.Next() {
		var c Candle
		var openMs, closeMs int64
		if err := rows.Scan(&c.Symbol, &c.Interval, &openMs, &closeMs, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		c.OpenTime = time.UnixMilli(openMs).UTC()
		c.CloseTime = time.UnixMilli(closeMs).UTC()
		res = append(res, c)
	}
	return res, rows.Err()
}
