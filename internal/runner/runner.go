// Package runner hosts one strategy subscription per Runner: it feeds ticks
// to the strategy, routes signals through risk into the broker, and applies
// fills back to the strategy. A single loop serializes ticks and fills so
// order state transitions never race.
package runner

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"quantcore/internal/broker"
	"quantcore/internal/events"
	"quantcore/internal/killswitch"
	"quantcore/internal/market"
	"quantcore/internal/risk"
	"quantcore/internal/strategy"
	"quantcore/pkg/db"
)

const (
	heartbeatInterval = 5 * time.Second
	maxSubmitAttempts = 3
	submitBackoff     = 250 * time.Millisecond
)

// Deps bundles the shared services a runner needs.
type Deps struct {
	Risk       *risk.Manager
	KillSwitch *killswitch.Switch
	Accounts   AccountSource
	Bus        *events.Bus
	Queries    *db.Queries // nil disables persistence
}

type orderTrack struct {
	side      string
	qty       float64
	filledQty float64
	avgPrice  float64
}

// Runner executes one subscription. Create with New, drive with Run; all
// other methods are safe to call from other goroutines.
type Runner struct {
	sub     Subscription
	strat   strategy.Strategy
	adapter broker.Adapter
	deps    Deps

	state    atomic.Value // string
	lastBeat atomic.Int64 // unix ms

	mu          sync.Mutex
	lastPrice   float64
	posQty      float64 // signed: long positive
	posAvg      float64
	posRealized float64
	stopLoss    float64
	takeProfit  float64
	openOrders  map[string]*orderTrack

	// Open round-trip bookkeeping, reset every time the position goes flat.
	tripEntryOrder string
	tripOpenedAt   time.Time
	tripPeakQty    float64
	tripRealized   float64
}

// New wires a runner for the subscription. The adapter must be dedicated to
// this runner so its fill stream is not shared.
func New(sub Subscription, strat strategy.Strategy, adapter broker.Adapter, deps Deps) *Runner {
	r := &Runner{
		sub:        sub,
		strat:      strat,
		adapter:    adapter,
		deps:       deps,
		openOrders: make(map[string]*orderTrack),
	}
	r.state.Store(StateStarting)
	return r
}

// State returns the current lifecycle state.
func (r *Runner) State() string {
	return r.state.Load().(string)
}

// LastHeartbeat returns the last liveness mark in unix milliseconds.
func (r *Runner) LastHeartbeat() int64 {
	return r.lastBeat.Load()
}

// Health snapshots the runner for supervision.
func (r *Runner) Health() Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Health{
		SubscriptionID: r.sub.ID,
		Account:        r.sub.Account,
		Symbol:         r.sub.Symbol,
		State:          r.State(),
		LastHeartbeat:  r.lastBeat.Load(),
		LastPrice:      r.lastPrice,
		PositionQty:    r.posQty,
	}
}

func (r *Runner) setState(s string) {
	r.state.Store(s)
}

func (r *Runner) beat() {
	r.lastBeat.Store(time.Now().UnixMilli())
}

// Run executes the subscription loop until ctx is cancelled or the stream
// dies. A strategy panic marks the runner FAILED; heartbeats stop with the
// loop so the supervisor notices either way.
func (r *Runner) Run(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.setState(StateFailed)
			log.Printf("runner %s: strategy panic: %v", r.sub.ID, p)
			if r.deps.Bus != nil {
				r.deps.Bus.Publish(events.EventRunnerFailed, map[string]string{
					"subscription": r.sub.ID,
					"reason":       fmt.Sprint(p),
				})
			}
			err = fmt.Errorf("runner %s panicked: %v", r.sub.ID, p)
		}
	}()

	if err := r.adapter.Authenticate(ctx); err != nil {
		r.setState(StateDegraded)
		return fmt.Errorf("runner %s: authenticate: %w", r.sub.ID, err)
	}

	r.restoreState(ctx)
	r.restorePosition(ctx)
	r.adoptOpenOrders(ctx)

	ticks, stopStream, err := r.adapter.StreamMarketData(ctx, []string{r.sub.Symbol})
	if err != nil {
		r.setState(StateDegraded)
		return fmt.Errorf("runner %s: market stream: %w", r.sub.ID, err)
	}
	defer stopStream()

	r.setState(StateRunning)
	r.beat()
	log.Printf("runner %s started: %s %s on %s", r.sub.ID, r.sub.StrategyType, r.sub.Symbol, r.adapter.Name())

	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			r.persistState(context.Background())
			r.setState(StateStopped)
			log.Printf("runner %s stopped", r.sub.ID)
			return nil
		case <-hb.C:
			r.beat()
			r.persistState(ctx)
		case tick, ok := <-ticks:
			if !ok {
				r.setState(StateDegraded)
				return fmt.Errorf("runner %s: market stream closed", r.sub.ID)
			}
			r.onTick(ctx, tick.Price)
		case fill, ok := <-r.adapter.Fills():
			if !ok {
				r.setState(StateDegraded)
				return fmt.Errorf("runner %s: fill stream closed", r.sub.ID)
			}
			r.onFill(ctx, fill)
		}
	}
}

// onTick runs the protective exit check first, then the strategy.
func (r *Runner) onTick(ctx context.Context, price float64) {
	r.beat()
	r.mu.Lock()
	r.lastPrice = price
	exit := r.protectiveExitLocked(price)
	r.mu.Unlock()

	if r.deps.Bus != nil {
		r.deps.Bus.Publish(events.EventMarketTick, market.Tick{
			Symbol: r.sub.Symbol,
			Price:  price,
			Ts:     time.Now(),
		})
	}

	if exit != nil {
		r.handleSignal(ctx, exit, price)
		return
	}

	sig, err := r.strat.OnTick(r.sub.Symbol, price)
	if err != nil {
		log.Printf("runner %s: strategy error on tick: %v", r.sub.ID, err)
		return
	}
	if sig != nil {
		sig.SubscriptionID = r.sub.ID
		r.handleSignal(ctx, sig, price)
	}
}

// protectiveExitLocked synthesizes an EXIT when price breaches the stop-loss
// or take-profit attached to the open position. Caller holds the lock.
func (r *Runner) protectiveExitLocked(price float64) *strategy.Signal {
	if r.posQty == 0 {
		return nil
	}
	long := r.posQty > 0
	if r.stopLoss > 0 && ((long && price <= r.stopLoss) || (!long && price >= r.stopLoss)) {
		return &strategy.Signal{
			SubscriptionID: r.sub.ID,
			Action:         strategy.ActionExit,
			Symbol:         r.sub.Symbol,
			Note:           fmt.Sprintf("stop loss hit at %.4f (stop %.4f)", price, r.stopLoss),
		}
	}
	if r.takeProfit > 0 && ((long && price >= r.takeProfit) || (!long && price <= r.takeProfit)) {
		return &strategy.Signal{
			SubscriptionID: r.sub.ID,
			Action:         strategy.ActionExit,
			Symbol:         r.sub.Symbol,
			Note:           fmt.Sprintf("take profit hit at %.4f (target %.4f)", price, r.takeProfit),
		}
	}
	return nil
}

// handleSignal turns a strategy decision into a risk-checked order.
func (r *Runner) handleSignal(ctx context.Context, sig *strategy.Signal, price float64) {
	if sig.Action == strategy.ActionHold {
		return
	}
	if r.deps.Bus != nil {
		r.deps.Bus.Publish(events.EventStrategySignal, map[string]string{
			"subscription": r.sub.ID,
			"action":       sig.Action,
			"note":         sig.Note,
		})
	}

	req := broker.OrderRequest{
		ID:             uuid.NewString(),
		SubscriptionID: r.sub.ID,
		Account:        r.sub.Account,
		Symbol:         r.sub.Symbol,
		Type:           broker.TypeMarket,
		Price:          price,
	}
	reduces := false

	switch sig.Action {
	case strategy.ActionBuy:
		req.Side = broker.SideBuy
		req.Qty = sig.Size
	case strategy.ActionSell:
		req.Side = broker.SideSell
		req.Qty = sig.Size
	case strategy.ActionExit:
		r.mu.Lock()
		qty := r.posQty
		r.mu.Unlock()
		if qty == 0 {
			return
		}
		if qty > 0 {
			req.Side = broker.SideSell
			req.Qty = qty
		} else {
			req.Side = broker.SideBuy
			req.Qty = -qty
		}
		reduces = true
	default:
		log.Printf("runner %s: unknown action %q", r.sub.ID, sig.Action)
		return
	}

	snap, err := r.deps.Accounts.Snapshot(ctx, r.sub.Account)
	if err != nil {
		log.Printf("runner %s: account snapshot failed, dropping order: %v", r.sub.ID, err)
		return
	}

	proposed := risk.ProposedOrder{
		SubscriptionID: r.sub.ID,
		Account:        r.sub.Account,
		Symbol:         r.sub.Symbol,
		Side:           req.Side,
		Qty:            req.Qty,
		Price:          price,
		StopLoss:       sig.StopLoss,
		ReducesRisk:    reduces,
	}
	if res := r.deps.Risk.Evaluate(ctx, proposed, snap); !res.Approved {
		log.Printf("runner %s: order rejected by risk (%s): %s", r.sub.ID, res.ViolatedRule, res.Reason)
		return
	}

	// Last look at the kill switch, synchronously, right before submission.
	if r.deps.KillSwitch != nil && r.deps.KillSwitch.IsTripped(ctx, r.sub.Account) {
		log.Printf("runner %s: kill switch tripped for %s, dropping %s order", r.sub.ID, r.sub.Account, req.Side)
		return
	}

	ack, err := r.submitWithRetry(ctx, req)
	if err != nil {
		log.Printf("runner %s: order submission failed: %v", r.sub.ID, err)
		if r.deps.Bus != nil {
			r.deps.Bus.Publish(events.EventOrderRejected, map[string]string{
				"subscription": r.sub.ID,
				"error":        err.Error(),
			})
		}
		return
	}

	r.mu.Lock()
	r.openOrders[ack.OrderID] = &orderTrack{side: req.Side, qty: req.Qty}
	if sig.StopLoss > 0 {
		r.stopLoss = sig.StopLoss
	}
	if sig.TakeProfit > 0 {
		r.takeProfit = sig.TakeProfit
	}
	r.mu.Unlock()

	r.persistOrder(ctx, req, ack)
	if r.deps.Bus != nil {
		r.deps.Bus.Publish(events.EventOrderSubmitted, map[string]string{
			"subscription": r.sub.ID,
			"order_id":     ack.OrderID,
			"side":         req.Side,
		})
	}
	log.Printf("runner %s: submitted %s %s qty=%.4f (%s)", r.sub.ID, req.Side, req.Symbol, req.Qty, sig.Note)
}

// submitWithRetry retries transient broker failures with doubling backoff.
// Permanent errors fail immediately.
func (r *Runner) submitWithRetry(ctx context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	backoff := submitBackoff
	for attempt := 1; ; attempt++ {
		ack, err := r.adapter.PlaceOrder(ctx, req)
		if err == nil {
			return ack, nil
		}
		if !broker.IsTransient(err) || attempt >= maxSubmitAttempts {
			return broker.OrderAck{}, err
		}
		log.Printf("runner %s: transient broker error (attempt %d/%d): %v", r.sub.ID, attempt, maxSubmitAttempts, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return broker.OrderAck{}, ctx.Err()
		}
		backoff *= 2
	}
}

// onFill applies an execution report: position, ledger, strategy callback.
func (r *Runner) onFill(ctx context.Context, fill broker.Fill) {
	r.beat()

	r.mu.Lock()
	track, known := r.openOrders[fill.OrderID]
	if known {
		total := track.avgPrice*track.filledQty + fill.Price*fill.Qty
		track.filledQty += fill.Qty
		track.avgPrice = total / track.filledQty
		if fill.Final {
			delete(r.openOrders, fill.OrderID)
		}
	}
	prevQty, prevAvg := r.posQty, r.posAvg
	realized := r.applyFillToPositionLocked(fill)
	r.posRealized += realized
	trip := r.trackRoundTripLocked(fill, prevQty, prevAvg, realized)
	if r.posQty == 0 {
		r.stopLoss, r.takeProfit = 0, 0
	}
	status := broker.StatusPartiallyFilled
	if fill.Final {
		status = broker.StatusFilled
	}
	var filledQty, avgPrice float64
	if track != nil {
		filledQty, avgPrice = track.filledQty, track.avgPrice
	} else {
		filledQty, avgPrice = fill.Qty, fill.Price
	}
	posQty, posAvg, posPnL := r.posQty, r.posAvg, r.posRealized
	r.mu.Unlock()

	r.strat.OnOrderUpdate(strategy.OrderUpdate{
		OrderID:   fill.OrderID,
		Symbol:    fill.Symbol,
		Side:      fill.Side,
		Status:    status,
		FilledQty: filledQty,
		AvgPrice:  avgPrice,
	})

	r.persistFill(ctx, fill, status, filledQty, avgPrice, posQty, posAvg, realized, posPnL)
	if trip != nil {
		r.persistRoundTrip(ctx, trip)
	}

	event := events.EventOrderPartiallyFilled
	if fill.Final {
		event = events.EventOrderFilled
	}
	if r.deps.Bus != nil {
		r.deps.Bus.Publish(event, map[string]string{
			"subscription": r.sub.ID,
			"order_id":     fill.OrderID,
			"symbol":       fill.Symbol,
		})
	}
	log.Printf("runner %s: fill %s %s qty=%.4f @ %.4f (final=%v)", r.sub.ID, fill.Side, fill.Symbol, fill.Qty, fill.Price, fill.Final)
}

// trackRoundTripLocked folds a fill into the open round trip and returns the
// finished trip when the fill closes the position back to flat. A fill that
// flips through zero closes the old trip and opens the next one on the same
// order. Caller holds the lock.
func (r *Runner) trackRoundTripLocked(fill broker.Fill, prevQty, prevAvg, realized float64) *db.RoundTrip {
	ts := fill.Ts
	if ts.IsZero() {
		ts = time.Now()
	}

	if prevQty == 0 {
		if r.posQty != 0 {
			r.tripEntryOrder = fill.OrderID
			r.tripOpenedAt = ts
			r.tripPeakQty = absQty(r.posQty)
			r.tripRealized = realized // entry fee
		}
		return nil
	}

	closed := r.posQty == 0 || (prevQty > 0) != (r.posQty > 0)
	if !closed {
		r.tripRealized += realized
		if absQty(r.posQty) > r.tripPeakQty {
			r.tripPeakQty = absQty(r.posQty)
		}
		return nil
	}

	r.tripRealized += realized
	side := "LONG"
	if prevQty < 0 {
		side = "SHORT"
	}
	trip := &db.RoundTrip{
		ID:             uuid.NewString(),
		SubscriptionID: r.sub.ID,
		Account:        r.sub.Account,
		Symbol:         fill.Symbol,
		Side:           side,
		Qty:            r.tripPeakQty,
		EntryOrderID:   r.tripEntryOrder,
		ExitOrderID:    fill.OrderID,
		EntryPrice:     prevAvg,
		ExitPrice:      fill.Price,
		RealizedPnL:    r.tripRealized,
		OpenedAt:       r.tripOpenedAt,
		ClosedAt:       ts,
		DurationMs:     ts.Sub(r.tripOpenedAt).Milliseconds(),
	}

	if r.posQty != 0 {
		// Flipped through zero: the remainder opens the next trip.
		r.tripEntryOrder = fill.OrderID
		r.tripOpenedAt = ts
		r.tripPeakQty = absQty(r.posQty)
		r.tripRealized = 0
	} else {
		r.tripEntryOrder = ""
		r.tripOpenedAt = time.Time{}
		r.tripPeakQty = 0
		r.tripRealized = 0
	}
	return trip
}

// applyFillToPositionLocked updates the signed position and returns realized
// PnL for the closed portion. Caller holds the lock.
func (r *Runner) applyFillToPositionLocked(fill broker.Fill) float64 {
	delta := fill.Qty
	if fill.Side == broker.SideSell {
		delta = -fill.Qty
	}

	var realized float64
	switch {
	case r.posQty == 0 || (r.posQty > 0) == (delta > 0):
		total := r.posAvg*absQty(r.posQty) + fill.Price*fill.Qty
		r.posQty += delta
		r.posAvg = total / absQty(r.posQty)
	default:
		closeQty := fill.Qty
		if closeQty > absQty(r.posQty) {
			closeQty = absQty(r.posQty)
		}
		if r.posQty > 0 {
			realized = (fill.Price - r.posAvg) * closeQty
		} else {
			realized = (r.posAvg - fill.Price) * closeQty
		}
		r.posQty += delta
		if r.posQty == 0 {
			r.posAvg = 0
		} else if fill.Qty > closeQty {
			r.posAvg = fill.Price
		}
	}
	return realized - fill.Fee
}

// adoptOpenOrders resynchronizes with orders still working at the venue
// after a restart, so fills for them are not treated as strangers.
func (r *Runner) adoptOpenOrders(ctx context.Context) {
	open, err := r.adapter.OpenOrders(ctx)
	if err != nil {
		log.Printf("runner %s: open order resync failed: %v", r.sub.ID, err)
		return
	}
	r.mu.Lock()
	for _, o := range open {
		if o.Symbol != r.sub.Symbol {
			continue
		}
		r.openOrders[o.OrderID] = &orderTrack{
			side:      o.Side,
			qty:       o.Qty,
			filledQty: o.FilledQty,
			avgPrice:  o.AvgPrice,
		}
	}
	n := len(r.openOrders)
	r.mu.Unlock()
	if n > 0 {
		log.Printf("runner %s: adopted %d working orders after restart", r.sub.ID, n)
	}
}

func (r *Runner) restoreState(ctx context.Context) {
	if r.deps.Queries == nil {
		return
	}
	state, err := r.deps.Queries.LoadStrategyState(ctx, r.sub.ID)
	if err != nil {
		if err != db.ErrNotFound {
			log.Printf("runner %s: state restore failed: %v", r.sub.ID, err)
		}
		return
	}
	if err := r.strat.SetState(state); err != nil {
		log.Printf("runner %s: state restore rejected by strategy: %v", r.sub.ID, err)
		return
	}
	log.Printf("runner %s: restored strategy state", r.sub.ID)
}

// restorePosition reloads the persisted position for this symbol so fills
// after a restart apply to the real exposure, not a flat book.
func (r *Runner) restorePosition(ctx context.Context) {
	if r.deps.Queries == nil {
		return
	}
	positions, err := r.deps.Queries.PositionsByAccount(ctx, r.sub.Account)
	if err != nil {
		log.Printf("runner %s: position restore failed: %v", r.sub.ID, err)
		return
	}
	for _, p := range positions {
		if p.Symbol != r.sub.Symbol {
			continue
		}
		r.mu.Lock()
		r.posQty, r.posAvg, r.posRealized = p.Qty, p.AvgPrice, p.RealizedPnL
		if p.Qty != 0 {
			// The entry order of the open trip is unknown after a restart;
			// the trip is still closed and timed from here.
			r.tripOpenedAt = p.UpdatedAt
			r.tripPeakQty = absQty(p.Qty)
		}
		r.mu.Unlock()
		if p.Qty != 0 {
			log.Printf("runner %s: restored position %s qty=%.4f @ %.4f", r.sub.ID, p.Symbol, p.Qty, p.AvgPrice)
		}
		return
	}
}

func (r *Runner) persistState(ctx context.Context) {
	if r.deps.Queries == nil {
		return
	}
	state, err := r.strat.GetState()
	if err != nil {
		log.Printf("runner %s: state snapshot failed: %v", r.sub.ID, err)
		return
	}
	if err := r.deps.Queries.SaveStrategyState(ctx, r.sub.ID, state); err != nil {
		log.Printf("runner %s: state persist failed: %v", r.sub.ID, err)
	}
}

func (r *Runner) persistOrder(ctx context.Context, req broker.OrderRequest, ack broker.OrderAck) {
	if r.deps.Queries == nil {
		return
	}
	err := r.deps.Queries.CreateOrder(ctx, db.Order{
		ID:             ack.OrderID,
		SubscriptionID: r.sub.ID,
		Account:        r.sub.Account,
		Symbol:         req.Symbol,
		Side:           req.Side,
		OrderType:      req.Type,
		Price:          req.Price,
		Qty:            req.Qty,
		Status:         ack.Status,
	})
	if err != nil {
		log.Printf("runner %s: order persist failed: %v", r.sub.ID, err)
	}
}

func (r *Runner) persistFill(ctx context.Context, fill broker.Fill, status string, filledQty, avgPrice, posQty, posAvg, fillPnL, posPnL float64) {
	if r.deps.Queries == nil {
		return
	}
	if err := r.deps.Queries.UpdateOrderStatus(ctx, fill.OrderID, status, filledQty, avgPrice); err != nil && err != db.ErrNotFound {
		log.Printf("runner %s: order update failed: %v", r.sub.ID, err)
	}
	err := r.deps.Queries.CreateTrade(ctx, db.Trade{
		ID:             uuid.NewString(),
		OrderID:        fill.OrderID,
		SubscriptionID: r.sub.ID,
		Account:        r.sub.Account,
		Symbol:         fill.Symbol,
		Side:           fill.Side,
		Price:          fill.Price,
		Qty:            fill.Qty,
		Fee:            fill.Fee,
		RealizedPnL:    fillPnL,
	})
	if err != nil {
		log.Printf("runner %s: trade persist failed: %v", r.sub.ID, err)
	}
	err = r.deps.Queries.UpsertPosition(ctx, db.Position{
		Account:     r.sub.Account,
		Symbol:      fill.Symbol,
		Qty:         posQty,
		AvgPrice:    posAvg,
		RealizedPnL: posPnL,
	})
	if err != nil {
		log.Printf("runner %s: position persist failed: %v", r.sub.ID, err)
	}
}

func (r *Runner) persistRoundTrip(ctx context.Context, trip *db.RoundTrip) {
	if r.deps.Queries == nil {
		return
	}
	if err := r.deps.Queries.CreateRoundTrip(ctx, *trip); err != nil {
		log.Printf("runner %s: round trip persist failed: %v", r.sub.ID, err)
	}
	log.Printf("runner %s: closed %s round trip %s qty=%.4f pnl=%.4f", r.sub.ID, trip.Side, trip.Symbol, trip.Qty, trip.RealizedPnL)
}

func absQty(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
