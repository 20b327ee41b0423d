package strategy

import (
	"encoding/json"
	"fmt"
	"math"
)

// RSIStrategy implements RSI (Relative Strength Index) overbought/oversold strategy.
// BUY when RSI < oversoldThreshold (default 30)
// SELL when RSI > overboughtThreshold (default 70)
type RSIStrategy struct {
	id                  string
	symbol              string
	period              int     // RSI period (typically 14)
	oversoldThreshold   float64 // e.g., 30
	overboughtThreshold float64 // e.g., 70
	size                float64 // order size

	prices     []float64
	rsi        float64
	prevSignal string
}

type rsiParams struct {
	Period     int     `json:"period"`
	Oversold   float64 `json:"oversold"`
	Overbought float64 `json:"overbought"`
	Size       float64 `json:"size"`
}

func newRSIFromParams(id, symbol string, params json.RawMessage) (Strategy, error) {
	p := rsiParams{Period: 14, Oversold: 30, Overbought: 70, Size: 1}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("rsi: bad parameters: %w", err)
		}
	}
	if p.Period <= 1 {
		return nil, fmt.Errorf("rsi: invalid period %d", p.Period)
	}
	if p.Oversold >= p.Overbought {
		return nil, fmt.Errorf("rsi: oversold %.1f must be below overbought %.1f", p.Oversold, p.Overbought)
	}
	return NewRSIStrategy(id, symbol, p.Period, p.Oversold, p.Overbought, p.Size), nil
}

// NewRSIStrategy creates a new RSI strategy.
func NewRSIStrategy(id, symbol string, period int, oversold, overbought, size float64) *RSIStrategy {
	return &RSIStrategy{
		id:                  id,
		symbol:              symbol,
		period:              period,
		oversoldThreshold:   oversold,
		overboughtThreshold: overbought,
		size:                size,
		prices:              make([]float64, 0, period+1),
		prevSignal:          ActionHold,
	}
}

func (s *RSIStrategy) ID() string {
	return s.id
}

func (s *RSIStrategy) Name() string {
	return fmt.Sprintf("RSI_%d", s.period)
}

// RSIState defines the serializable state for RSIStrategy.
type RSIState struct {
	PrevSignal string    `json:"prev_signal"`
	RSI        float64   `json:"rsi"`
	Prices     []float64 `json:"prices"`
}

func (s *RSIStrategy) GetState() (json.RawMessage, error) {
	state := RSIState{
		PrevSignal: s.prevSignal,
		RSI:        s.rsi,
		Prices:     s.prices,
	}
	return json.Marshal(state)
}

func (s *RSIStrategy) SetState(data json.RawMessage) error {
	var state RSIState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	s.prevSignal = state.PrevSignal
	s.rsi = state.RSI
	if state.Prices != nil {
		s.prices = state.Prices
	}
	return nil
}

func (s *RSIStrategy) OnOrderUpdate(u OrderUpdate) {
	// Threshold logic does not depend on fills.
}

func (s *RSIStrategy) OnTick(symbol string, price float64) (*Signal, error) {
	if symbol != "" && symbol != s.symbol {
		return nil, nil
	}

	// Update price history
	s.prices = append(s.prices, price)
	if len(s.prices) > s.period+1 {
		s.prices = s.prices[1:]
	}

	// Need enough data to calculate RSI
	if len(s.prices) < s.period+1 {
		return nil, nil
	}

	s.calculateRSI()

	signal := s.generateSignal()

	if signal != nil && signal.Action != s.prevSignal {
		s.prevSignal = signal.Action
		return signal, nil
	}

	return nil, nil
}

func (s *RSIStrategy) calculateRSI() {
	avgGain := 0.0
	avgLoss := 0.0

	for i := 1; i < len(s.prices); i++ {
		change := s.prices[i] - s.prices[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss += math.Abs(change)
		}
	}

	avgGain /= float64(s.period)
	avgLoss /= float64(s.period)

	if avgLoss == 0 {
		s.rsi = 100
		return
	}

	rs := avgGain / avgLoss
	s.rsi = 100 - (100 / (1 + rs))
}

func (s *RSIStrategy) generateSignal() *Signal {
	// Oversold: BUY signal
	if s.rsi < s.oversoldThreshold {
		return &Signal{
			Action: ActionBuy,
			Symbol: s.symbol,
			Size:   s.size,
			Note:   fmt.Sprintf("RSI oversold: %.2f < %.2f", s.rsi, s.oversoldThreshold),
		}
	}

	// Overbought: SELL signal
	if s.rsi > s.overboughtThreshold {
		return &Signal{
			Action: ActionSell,
			Symbol: s.symbol,
			Size:   s.size,
			Note:   fmt.Sprintf("RSI overbought: %.2f > %.2f", s.rsi, s.overboughtThreshold),
		}
	}

	return &Signal{
		Action: ActionHold,
		Symbol: s.symbol,
		Size:   0,
		Note:   fmt.Sprintf("RSI neutral: %.2f", s.rsi),
	}
}
