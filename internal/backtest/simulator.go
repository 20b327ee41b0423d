package backtest

import (
	"time"

	"quantcore/internal/broker"
	"quantcore/internal/strategy"
)

// pendingOrder is a market order waiting for the next candle to fill.
type pendingOrder struct {
	side string
	qty  float64
}

// simulator is the backtest-time stand-in for a broker adapter. Orders
// submitted on one candle fill at the next candle's open so a signal can
// never trade on the close it was computed from.
type simulator struct {
	slippageBps    float64
	commissionRate float64

	cash    float64
	posQty  float64 // signed, negative when short
	posAvg  float64
	pending []pendingOrder
	trades  []Trade

	tripOpenedAt time.Time
	tripPeakQty  float64
	tripRealized float64
	roundTrips   []RoundTrip
}

func newSimulator(initialCapital, slippageBps, commissionRate float64) *simulator {
	return &simulator{
		slippageBps:    slippageBps,
		commissionRate: commissionRate,
		cash:           initialCapital,
	}
}

// submit queues the order implied by a signal. EXIT flattens whatever is
// held; BUY/SELL trade the signal size.
func (s *simulator) submit(sig *strategy.Signal) {
	switch sig.Action {
	case strategy.ActionBuy:
		if sig.Size > 0 {
			s.pending = append(s.pending, pendingOrder{side: broker.SideBuy, qty: sig.Size})
		}
	case strategy.ActionSell:
		if sig.Size > 0 {
			s.pending = append(s.pending, pendingOrder{side: broker.SideSell, qty: sig.Size})
		}
	case strategy.ActionExit:
		open := s.posQty + s.pendingDelta()
		if open > 0 {
			s.pending = append(s.pending, pendingOrder{side: broker.SideSell, qty: open})
		} else if open < 0 {
			s.pending = append(s.pending, pendingOrder{side: broker.SideBuy, qty: -open})
		}
	}
}

func (s *simulator) pendingDelta() float64 {
	var d float64
	for _, p := range s.pending {
		if p.side == broker.SideBuy {
			d += p.qty
		} else {
			d -= p.qty
		}
	}
	return d
}

// fillPending executes all queued orders at the given open price.
func (s *simulator) fillPending(symbol string, open float64, ts time.Time) {
	for _, p := range s.pending {
		s.fill(symbol, p.side, p.qty, s.slip(open, p.side), ts)
	}
	s.pending = s.pending[:0]
}

func (s *simulator) slip(price float64, side string) float64 {
	frac := s.slippageBps / 10000.0
	if frac == 0 {
		return price
	}
	if side == broker.SideBuy {
		return price * (1 + frac)
	}
	return price * (1 - frac)
}

func (s *simulator) fill(symbol, side string, qty, price float64, ts time.Time) {
	fee := price * qty * s.commissionRate
	delta := qty
	if side == broker.SideSell {
		delta = -qty
	}
	prevQty, prevAvg := s.posQty, s.posAvg

	var realized float64
	switch {
	case s.posQty == 0 || (s.posQty > 0) == (delta > 0):
		total := s.posAvg*abs(s.posQty) + price*qty
		s.posQty += delta
		s.posAvg = total / abs(s.posQty)
	default:
		closeQty := qty
		if closeQty > abs(s.posQty) {
			closeQty = abs(s.posQty)
		}
		if s.posQty > 0 {
			realized = (price - s.posAvg) * closeQty
		} else {
			realized = (s.posAvg - price) * closeQty
		}
		s.posQty += delta
		if s.posQty == 0 {
			s.posAvg = 0
		} else if qty > closeQty {
			s.posAvg = price
		}
	}

	if side == broker.SideBuy {
		s.cash -= price * qty
	} else {
		s.cash += price * qty
	}
	s.cash -= fee

	s.trades = append(s.trades, Trade{
		Symbol:      symbol,
		Side:        side,
		Qty:         qty,
		Price:       price,
		Fee:         fee,
		RealizedPnL: realized - fee,
		Ts:          ts,
	})
	s.trackRoundTrip(symbol, price, ts, prevQty, prevAvg, realized-fee)
}

// trackRoundTrip mirrors the live runner's entry/exit matching: a trip opens
// when the position leaves flat and closes when it returns to (or crosses)
// flat, carrying its fees and realized PnL.
func (s *simulator) trackRoundTrip(symbol string, price float64, ts time.Time, prevQty, prevAvg, realized float64) {
	if prevQty == 0 {
		if s.posQty != 0 {
			s.tripOpenedAt = ts
			s.tripPeakQty = abs(s.posQty)
			s.tripRealized = realized
		}
		return
	}

	closed := s.posQty == 0 || (prevQty > 0) != (s.posQty > 0)
	if !closed {
		s.tripRealized += realized
		if abs(s.posQty) > s.tripPeakQty {
			s.tripPeakQty = abs(s.posQty)
		}
		return
	}

	s.tripRealized += realized
	side := "LONG"
	if prevQty < 0 {
		side = "SHORT"
	}
	s.roundTrips = append(s.roundTrips, RoundTrip{
		Symbol:      symbol,
		Side:        side,
		Qty:         s.tripPeakQty,
		EntryPrice:  prevAvg,
		ExitPrice:   price,
		RealizedPnL: s.tripRealized,
		OpenedAt:    s.tripOpenedAt,
		ClosedAt:    ts,
		Duration:    ts.Sub(s.tripOpenedAt),
	})

	if s.posQty != 0 {
		s.tripOpenedAt = ts
		s.tripPeakQty = abs(s.posQty)
		s.tripRealized = 0
	} else {
		s.tripOpenedAt = time.Time{}
		s.tripPeakQty = 0
		s.tripRealized = 0
	}
}

// equity marks account value at the given price.
func (s *simulator) equity(price float64) float64 {
	return s.cash + s.posQty*price
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
