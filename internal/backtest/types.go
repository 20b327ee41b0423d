package backtest

import (
	"encoding/json"
	"time"

	"quantcore/internal/risk"
)

const defaultInitialCapital = 10000

// Request describes one backtest run.
type Request struct {
	StrategyType   string          `json:"strategy_type"`
	Params         json.RawMessage `json:"params,omitempty"`
	Symbol         string          `json:"symbol"`
	Interval       string          `json:"interval"`
	Start          time.Time       `json:"start"`
	End            time.Time       `json:"end"`
	InitialCapital float64         `json:"initial_capital"`
	SlippageBps    float64         `json:"slippage_bps"`
	CommissionRate float64         `json:"commission_rate"`

	// RiskLimits, when set, applies live risk checks to simulated orders so
	// their effect on the outcome can be measured.
	RiskLimits *risk.Config `json:"risk_limits,omitempty"`
}

// Trade is one simulated fill, bookkept the same way the live path does.
type Trade struct {
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Qty         float64   `json:"qty"`
	Price       float64   `json:"price"`
	Fee         float64   `json:"fee"`
	RealizedPnL float64   `json:"realized_pnl"`
	Ts          time.Time `json:"ts"`
}

// RoundTrip is a completed position cycle, matched the same way the live
// runner matches entry fills to the exit that flattens them.
type RoundTrip struct {
	Symbol      string        `json:"symbol"`
	Side        string        `json:"side"` // LONG or SHORT
	Qty         float64       `json:"qty"`
	EntryPrice  float64       `json:"entry_price"`
	ExitPrice   float64       `json:"exit_price"`
	RealizedPnL float64       `json:"realized_pnl"`
	OpenedAt    time.Time     `json:"opened_at"`
	ClosedAt    time.Time     `json:"closed_at"`
	Duration    time.Duration `json:"duration"`
}

// EquityPoint marks account equity at one candle close.
type EquityPoint struct {
	Ts     time.Time `json:"ts"`
	Equity float64   `json:"equity"`
}

// Result is the immutable outcome of one run.
type Result struct {
	Trades     []Trade       `json:"trades"`
	RoundTrips []RoundTrip   `json:"round_trips"`
	Equity     []EquityPoint `json:"equity"`
	Metrics    Metrics       `json:"metrics"`
}
