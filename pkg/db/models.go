package db

import "time"

// Order represents a trading order stored in the DB.
type Order struct {
	ID             string
	SubscriptionID string
	Account        string
	Symbol         string
	Side           string
	OrderType      string
	Price          float64
	Qty            float64
	FilledQty      float64
	AvgFillPrice   float64
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Trade represents a fill stored in the DB.
type Trade struct {
	ID             string
	OrderID        string
	SubscriptionID string
	Account        string
	Symbol         string
	Side           string
	Price          float64
	Qty            float64
	Fee            float64
	RealizedPnL    float64
	CreatedAt      time.Time
}

// RoundTrip is a completed position cycle: opened from flat and later closed
// back to flat. A fill that flips through zero closes one trip and opens the
// next on the same order.
type RoundTrip struct {
	ID             string
	SubscriptionID string
	Account        string
	Symbol         string
	Side           string  // LONG or SHORT
	Qty            float64 // peak absolute exposure over the trip
	EntryOrderID   string
	ExitOrderID    string
	EntryPrice     float64
	ExitPrice      float64
	RealizedPnL    float64 // net of fees over the whole trip
	OpenedAt       time.Time
	ClosedAt       time.Time
	DurationMs     int64
}

// Position tracks net position per account and symbol.
type Position struct {
	Account     string
	Symbol      string
	Qty         float64
	AvgPrice    float64
	RealizedPnL float64
	UpdatedAt   time.Time
}

// Subscription represents a configured strategy subscription row.
type Subscription struct {
	ID           string
	Account      string
	StrategyType string
	Symbol       string
	Interval     string
	Broker       string
	Parameters   string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BacktestRun records a simulation request and its outcome.
type BacktestRun struct {
	ID           string
	StrategyType string
	Symbol       string
	Interval     string
	Parameters   string
	StartTime    time.Time
	EndTime      time.Time
	Status       string // PENDING, RUNNING, DONE, FAILED
	Result       string // JSON-encoded result, empty until DONE
	Error        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
