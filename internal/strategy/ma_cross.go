package strategy

import (
	"encoding/json"
	"fmt"
)

// MACrossStrategy implements a simple moving average crossover strategy.
// Generates BUY signal when fast MA crosses above slow MA (golden cross).
// Generates SELL signal when fast MA crosses below slow MA (death cross).
type MACrossStrategy struct {
	id         string
	symbol     string
	fastPeriod int     // e.g., 10
	slowPeriod int     // e.g., 30
	size       float64 // order size
	stopPct    float64 // optional stop-loss distance in percent
	takePct    float64 // optional take-profit distance in percent

	fastMA     float64
	slowMA     float64
	prices     []float64
	prevSignal string // track last signal to avoid repeats
}

type maCrossParams struct {
	FastPeriod    int     `json:"fast_period"`
	SlowPeriod    int     `json:"slow_period"`
	Size          float64 `json:"size"`
	StopLossPct   float64 `json:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct"`
}

func newMACrossFromParams(id, symbol string, params json.RawMessage) (Strategy, error) {
	p := maCrossParams{FastPeriod: 10, SlowPeriod: 30, Size: 1}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("ma_cross: bad parameters: %w", err)
		}
	}
	if p.FastPeriod <= 0 || p.SlowPeriod <= p.FastPeriod {
		return nil, fmt.Errorf("ma_cross: invalid periods fast=%d slow=%d", p.FastPeriod, p.SlowPeriod)
	}
	return NewMACrossStrategy(id, symbol, p.FastPeriod, p.SlowPeriod, p.Size, p.StopLossPct, p.TakeProfitPct), nil
}

// NewMACrossStrategy creates a new MA cross strategy.
func NewMACrossStrategy(id, symbol string, fastPeriod, slowPeriod int, size, stopPct, takePct float64) *MACrossStrategy {
	return &MACrossStrategy{
		id:         id,
		symbol:     symbol,
		fastPeriod: fastPeriod,
		slowPeriod: slowPeriod,
		size:       size,
		stopPct:    stopPct,
		takePct:    takePct,
		prices:     make([]float64, 0, slowPeriod),
		prevSignal: ActionHold,
	}
}

func (s *MACrossStrategy) ID() string {
	return s.id
}

func (s *MACrossStrategy) Name() string {
	return fmt.Sprintf("MA_Cross_%d_%d", s.fastPeriod, s.slowPeriod)
}

// MACrossState defines the serializable state for MACrossStrategy.
type MACrossState struct {
	PrevSignal string    `json:"prev_signal"`
	FastMA     float64   `json:"fast_ma"`
	SlowMA     float64   `json:"slow_ma"`
	Prices     []float64 `json:"prices"`
}

func (s *MACrossStrategy) GetState() (json.RawMessage, error) {
	state := MACrossState{
		PrevSignal: s.prevSignal,
		FastMA:     s.fastMA,
		SlowMA:     s.slowMA,
		Prices:     s.prices,
	}
	return json.Marshal(state)
}

func (s *MACrossStrategy) SetState(data json.RawMessage) error {
	var state MACrossState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	s.prevSignal = state.PrevSignal
	s.fastMA = state.FastMA
	s.slowMA = state.SlowMA
	if state.Prices != nil {
		s.prices = state.Prices
	}
	return nil
}

func (s *MACrossStrategy) OnOrderUpdate(u OrderUpdate) {
	// Crossover logic is position-agnostic; fills do not change the signal path.
}

func (s *MACrossStrategy) OnTick(symbol string, price float64) (*Signal, error) {
	// Only trade configured symbol
	if symbol != "" && symbol != s.symbol {
		return nil, nil
	}

	// Update price history
	s.prices = append(s.prices, price)
	if len(s.prices) > s.slowPeriod {
		s.prices = s.prices[1:]
	}

	// Need enough data for slow MA
	if len(s.prices) < s.slowPeriod {
		return nil, nil
	}

	oldFastMA := s.fastMA
	oldSlowMA := s.slowMA

	s.fastMA = calculateMA(s.prices, s.fastPeriod)
	s.slowMA = calculateMA(s.prices, s.slowPeriod)

	signal := s.detectCross(oldFastMA, oldSlowMA, price)

	if signal != nil && signal.Action != s.prevSignal {
		s.prevSignal = signal.Action
		return signal, nil
	}

	return nil, nil
}

func (s *MACrossStrategy) detectCross(oldFast, oldSlow, price float64) *Signal {
	// Golden cross: fast MA crosses above slow MA
	if oldFast <= oldSlow && s.fastMA > s.slowMA {
		sig := &Signal{
			Action: ActionBuy,
			Symbol: s.symbol,
			Size:   s.size,
			Note:   fmt.Sprintf("Golden cross: MA%d(%.2f) > MA%d(%.2f)", s.fastPeriod, s.fastMA, s.slowPeriod, s.slowMA),
		}
		if s.stopPct > 0 {
			sig.StopLoss = price * (1 - s.stopPct/100)
		}
		if s.takePct > 0 {
			sig.TakeProfit = price * (1 + s.takePct/100)
		}
		return sig
	}

	// Death cross: fast MA crosses below slow MA
	if oldFast >= oldSlow && s.fastMA < s.slowMA {
		sig := &Signal{
			Action: ActionSell,
			Symbol: s.symbol,
			Size:   s.size,
			Note:   fmt.Sprintf("Death cross: MA%d(%.2f) < MA%d(%.2f)", s.fastPeriod, s.fastMA, s.slowPeriod, s.slowMA),
		}
		if s.stopPct > 0 {
			sig.StopLoss = price * (1 + s.stopPct/100)
		}
		if s.takePct > 0 {
			sig.TakeProfit = price * (1 - s.takePct/100)
		}
		return sig
	}

	return nil
}

// calculateMA calculates simple moving average for the last n periods.
func calculateMA(prices []float64, period int) float64 {
	if len(prices) < period {
		return 0
	}

	sum := 0.0
	start := len(prices) - period
	for i := start; i < len(prices); i++ {
		sum += prices[i]
	}

	return sum / float64(period)
}
