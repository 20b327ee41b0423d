package engine

import (
	"context"
	"sync"
	"time"

	"quantcore/internal/risk"
	"quantcore/pkg/db"
)

// accountBook builds risk snapshots from the trade ledger and positions.
// Starting capital comes from config; the equity high-water mark is tracked
// in memory per account, and open positions are valued at the latest mark
// price seen on the tick stream.
type accountBook struct {
	queries *db.Queries
	capital float64

	mu        sync.Mutex
	highWater map[string]float64
	marks     map[string]float64
}

func newAccountBook(queries *db.Queries, capital float64) *accountBook {
	return &accountBook{
		queries:   queries,
		capital:   capital,
		highWater: make(map[string]float64),
		marks:     make(map[string]float64),
	}
}

// SetMark records the latest traded price for a symbol.
func (b *accountBook) SetMark(symbol string, price float64) {
	if price <= 0 {
		return
	}
	b.mu.Lock()
	b.marks[symbol] = price
	b.mu.Unlock()
}

func (b *accountBook) Snapshot(ctx context.Context, account string) (risk.AccountSnapshot, error) {
	day := time.Now().UTC().Format("2006-01-02")
	dayPnL, err := b.queries.DayRealizedPnL(ctx, account, day)
	if err != nil {
		return risk.AccountSnapshot{}, err
	}
	positions, err := b.queries.PositionsByAccount(ctx, account)
	if err != nil {
		return risk.AccountSnapshot{}, err
	}

	b.mu.Lock()
	marks := make(map[string]float64, len(b.marks))
	for sym, price := range b.marks {
		marks[sym] = price
	}
	b.mu.Unlock()

	var open int
	var exposure, realized, unrealized float64
	for _, p := range positions {
		realized += p.RealizedPnL
		if p.Qty == 0 {
			continue
		}
		open++
		mark, ok := marks[p.Symbol]
		if !ok {
			// No tick seen yet: value at cost.
			mark = p.AvgPrice
		}
		exposure += p.Qty * mark
		unrealized += p.Qty * (mark - p.AvgPrice)
	}

	equity := b.capital + realized + unrealized
	available := equity - exposure
	if available < 0 {
		available = 0
	}

	b.mu.Lock()
	if equity > b.highWater[account] {
		b.highWater[account] = equity
	}
	hwm := b.highWater[account]
	b.mu.Unlock()

	return risk.AccountSnapshot{
		Account:          account,
		Capital:          b.capital,
		Available:        available,
		OpenPositions:    open,
		DayRealizedPnL:   dayPnL,
		DayUnrealizedPnL: unrealized,
		Equity:           equity,
		EquityHighWater:  hwm,
	}, nil
}
