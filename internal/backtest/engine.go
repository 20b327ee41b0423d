// Package backtest replays historical candles through the same strategy
// logic the live runner executes, fills orders with a deterministic
// simulator, and scores the outcome.
package backtest

import (
	"context"
	"fmt"
	"log"

	"quantcore/internal/market"
	"quantcore/internal/risk"
	"quantcore/internal/strategy"
)

// Engine runs backtests against a candle source.
type Engine struct {
	candles market.CandleSource
}

func NewEngine(candles market.CandleSource) *Engine {
	return &Engine{candles: candles}
}

// Run replays the requested window through a fresh strategy instance.
// Signals computed on candle i fill at candle i+1's open; a signal on the
// final candle never trades. The same request always yields the same result.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	if req.StrategyType == "" || req.Symbol == "" {
		return nil, fmt.Errorf("backtest: strategy type and symbol are required")
	}
	if req.InitialCapital <= 0 {
		req.InitialCapital = defaultInitialCapital
	}
	if !req.End.After(req.Start) {
		return nil, fmt.Errorf("backtest: end %s is not after start %s", req.End, req.Start)
	}

	strat, err := strategy.New(req.StrategyType, "backtest", req.Symbol, req.Params)
	if err != nil {
		return nil, fmt.Errorf("backtest: %w", err)
	}

	candles, err := e.candles.Candles(ctx, req.Symbol, req.Interval, req.Start, req.End)
	if err != nil {
		return nil, fmt.Errorf("backtest: load candles: %w", err)
	}
	for i := 1; i < len(candles); i++ {
		if !candles[i].OpenTime.After(candles[i-1].OpenTime) {
			return nil, fmt.Errorf("backtest: candles out of order at %s", candles[i].OpenTime)
		}
	}

	var gate *risk.Manager
	if req.RiskLimits != nil {
		gate = risk.NewManager(nil, nil, *req.RiskLimits)
	}

	sim := newSimulator(req.InitialCapital, req.SlippageBps, req.CommissionRate)
	equity := make([]EquityPoint, 0, len(candles))

	for _, c := range candles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Orders queued on the previous candle fill at this open.
		sim.fillPending(req.Symbol, c.Open, c.OpenTime)

		sig, err := strat.OnTick(req.Symbol, c.Close)
		if err != nil {
			log.Printf("backtest: strategy error at %s, skipping candle: %v", c.OpenTime, err)
		} else if sig != nil && sig.Action != strategy.ActionHold {
			if gate == nil || e.approve(ctx, gate, sig, sim, req, c.Close) {
				sim.submit(sig)
			}
		}

		equity = append(equity, EquityPoint{Ts: c.CloseTime, Equity: sim.equity(c.Close)})
	}

	return &Result{
		Trades:     sim.trades,
		RoundTrips: sim.roundTrips,
		Equity:     equity,
		Metrics:    Compute(sim.trades, equity, req.InitialCapital),
	}, nil
}

// approve runs a simulated order through the live risk rule chain using a
// snapshot built from simulator state.
func (e *Engine) approve(ctx context.Context, gate *risk.Manager, sig *strategy.Signal, sim *simulator, req Request, price float64) bool {
	open := 0
	if sim.posQty != 0 {
		open = 1
	}
	eq := sim.equity(price)
	snap := risk.AccountSnapshot{
		Account:         "backtest",
		Capital:         req.InitialCapital,
		Available:       sim.cash,
		OpenPositions:   open,
		DayRealizedPnL:  eq - req.InitialCapital,
		Equity:          eq,
		EquityHighWater: req.InitialCapital,
	}
	qty := sig.Size
	if sig.Action == strategy.ActionExit {
		qty = abs(sim.posQty + sim.pendingDelta())
	}
	order := risk.ProposedOrder{
		Account:     "backtest",
		Symbol:      req.Symbol,
		Side:        sig.Action,
		Qty:         qty,
		Price:       price,
		StopLoss:    sig.StopLoss,
		ReducesRisk: sig.Action == strategy.ActionExit,
	}
	return gate.Evaluate(ctx, order, snap).Approved
}
