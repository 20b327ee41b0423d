package market

import (
	"context"
	"time"
)

// Tick is a single price update for one symbol.
type Tick struct {
	Symbol string
	Price  float64
	Ts     time.Time
}

// Candle is an OHLCV bar.
type Candle struct {
	Symbol    string
	Interval  string
	OpenTime  time.Time
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// CandleSource supplies historical candles for backtesting, ordered by OpenTime ascending.
type CandleSource interface {
	Candles(ctx context.Context, symbol, interval string, start, end time.Time) ([]Candle, error)
}
