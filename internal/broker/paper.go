package broker

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"quantcore/internal/market"
)

// PaperConfig tunes the simulated venue. The zero value trades with no
// slippage, no commission and full fills, which keeps assertions exact.
type PaperConfig struct {
	InitialBalance float64
	SlippageBps    float64 // applied against the trade direction on market fills
	CommissionRate float64 // decimal, e.g. 0.0004 = 4 bps
	PartialFills   bool    // fill market orders in two chunks
	StartPrice     float64 // synthetic feed start, default 100
	TickInterval   time.Duration
}

// Paper is a deterministic in-process venue. Market orders fill immediately
// at the last marked price, limit orders rest until price crosses the limit
// (boundary inclusive). With PartialFills on, the second chunk of a fill is
// in flight until the next price mark; cancelling such an order applies the
// in-flight chunk before cancelling the remainder.
type Paper struct {
	cfg PaperConfig

	mu        sync.Mutex
	balance   float64
	positions map[string]*Position
	orders    map[string]*paperOrder
	last      map[string]float64
	fills     chan Fill
	closed    bool
}

type paperOrder struct {
	OrderState
	pendingQty   float64
	pendingPrice float64
}

func init() {
	Register("paper", func(settings map[string]string) (Adapter, error) {
		cfg := PaperConfig{InitialBalance: 10000}
		if v := settings["initial_balance"]; v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("paper: bad initial_balance %q", v)
			}
			cfg.InitialBalance = f
		}
		if v := settings["slippage_bps"]; v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("paper: bad slippage_bps %q", v)
			}
			cfg.SlippageBps = f
		}
		if v := settings["commission_rate"]; v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("paper: bad commission_rate %q", v)
			}
			cfg.CommissionRate = f
		}
		cfg.PartialFills = settings["partial_fills"] == "true"
		return NewPaper(cfg), nil
	})
}

// NewPaper creates a paper venue with the given simulation settings.
func NewPaper(cfg PaperConfig) *Paper {
	if cfg.StartPrice <= 0 {
		cfg.StartPrice = 100
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Paper{
		cfg:       cfg,
		balance:   cfg.InitialBalance,
		positions: make(map[string]*Position),
		orders:    make(map[string]*paperOrder),
		last:      make(map[string]float64),
		fills:     make(chan Fill, 256),
	}
}

func (p *Paper) Name() string { return "paper" }

func (p *Paper) Authenticate(ctx context.Context) error { return nil }

// PlaceOrder validates and executes against the last marked price.
func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if req.Side != SideBuy && req.Side != SideSell {
		return OrderAck{}, fmt.Errorf("paper: invalid side %q", req.Side)
	}
	if req.Qty <= 0 {
		return OrderAck{}, fmt.Errorf("paper: invalid qty %v", req.Qty)
	}
	if req.Type == "" {
		req.Type = TypeMarket
	}
	if req.Type == TypeLimit && req.Price <= 0 {
		return OrderAck{}, fmt.Errorf("paper: limit order requires price")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	o := &paperOrder{OrderState: OrderState{
		OrderID: req.ID,
		Symbol:  req.Symbol,
		Side:    req.Side,
		Type:    req.Type,
		Price:   req.Price,
		Qty:     req.Qty,
		Status:  StatusSubmitted,
	}}

	switch req.Type {
	case TypeMarket:
		base := p.last[req.Symbol]
		if base <= 0 {
			base = req.Price
		}
		if base <= 0 {
			return OrderAck{}, fmt.Errorf("paper: no price available for %s", req.Symbol)
		}
		exec := p.slip(base, req.Side)
		if req.Side == SideBuy {
			cost := exec*req.Qty + exec*req.Qty*p.cfg.CommissionRate
			if cost > p.balance {
				return OrderAck{}, fmt.Errorf("paper: insufficient balance: need %.2f, have %.2f", cost, p.balance)
			}
		}
		p.orders[req.ID] = o
		if p.cfg.PartialFills && req.Qty > 1 {
			half := req.Qty / 2
			p.applyFill(o, half, exec)
			o.pendingQty = req.Qty - half
			o.pendingPrice = exec
		} else {
			p.applyFill(o, req.Qty, exec)
		}
	case TypeLimit:
		p.orders[req.ID] = o
		if last, ok := p.last[req.Symbol]; ok {
			p.tryFillLimit(o, last)
		}
	default:
		return OrderAck{}, fmt.Errorf("paper: unsupported order type %q", req.Type)
	}

	return OrderAck{OrderID: req.ID, Status: o.Status, SubmittedAt: time.Now()}, nil
}

// CancelOrder cancels a working order, honoring any fill already in flight.
func (p *Paper) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return ErrUnknownOrder
	}
	if isTerminal(o.Status) {
		return ErrTerminal
	}

	// A scheduled partial fill beats the cancel; only the rest is cancelled.
	if o.pendingQty > 0 {
		p.applyFill(o, o.pendingQty, o.pendingPrice)
		o.pendingQty = 0
	}
	if o.Status != StatusFilled {
		o.Status = StatusCancelled
		log.Printf("paper: cancelled order %s (%s %s, filled %.4f/%.4f)",
			o.OrderID, o.Side, o.Symbol, o.FilledQty, o.Qty)
	}
	return nil
}

// MarkPrice records a new price and settles any orders it triggers. The
// synthetic feed calls this for every tick; tests and backtests may drive it
// directly.
func (p *Paper) MarkPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last[symbol] = price

	for _, id := range p.sortedOrderIDs() {
		o := p.orders[id]
		if o.Symbol != symbol || isTerminal(o.Status) {
			continue
		}
		if o.pendingQty > 0 {
			qty := o.pendingQty
			o.pendingQty = 0
			p.applyFill(o, qty, p.slip(price, o.Side))
			continue
		}
		if o.Type == TypeLimit {
			p.tryFillLimit(o, price)
		}
	}
}

// tryFillLimit fills a resting limit order when price touches the limit.
// Boundary prices count as crossed. Caller holds the lock.
func (p *Paper) tryFillLimit(o *paperOrder, last float64) {
	crossed := (o.Side == SideBuy && last <= o.Price) ||
		(o.Side == SideSell && last >= o.Price)
	if !crossed {
		return
	}
	remaining := o.Qty - o.FilledQty
	if p.cfg.PartialFills && remaining > 1 {
		half := remaining / 2
		p.applyFill(o, half, o.Price)
		o.pendingQty = remaining - half
		o.pendingPrice = o.Price
		return
	}
	p.applyFill(o, remaining, o.Price)
}

// applyFill settles qty at price: cash, position and fill event. Caller
// holds the lock.
func (p *Paper) applyFill(o *paperOrder, qty, price float64) {
	fee := price * qty * p.cfg.CommissionRate
	if o.Side == SideBuy {
		p.balance -= price*qty + fee
	} else {
		p.balance += price*qty - fee
	}

	p.updatePosition(o.Symbol, o.Side, qty, price)

	total := o.AvgPrice*o.FilledQty + price*qty
	o.FilledQty += qty
	o.AvgPrice = total / o.FilledQty
	if o.FilledQty >= o.Qty {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}

	fill := Fill{
		OrderID: o.OrderID,
		Symbol:  o.Symbol,
		Side:    o.Side,
		Qty:     qty,
		Price:   price,
		Fee:     fee,
		Final:   o.Status == StatusFilled,
		Ts:      time.Now(),
	}
	if p.closed {
		return
	}
	select {
	case p.fills <- fill:
	default:
		log.Printf("paper: fill channel full, dropping fill for order %s", o.OrderID)
	}
}

func (p *Paper) updatePosition(symbol, side string, qty, price float64) {
	delta := qty
	if side == SideSell {
		delta = -qty
	}

	pos, ok := p.positions[symbol]
	if !ok {
		p.positions[symbol] = &Position{Symbol: symbol, Qty: delta, AvgPrice: price}
		return
	}

	switch {
	case pos.Qty == 0 || (pos.Qty > 0) == (delta > 0):
		// Extending in the same direction: weighted average entry.
		total := pos.AvgPrice*abs(pos.Qty) + price*qty
		pos.Qty += delta
		pos.AvgPrice = total / abs(pos.Qty)
	default:
		// Reducing or flipping: realize PnL on the closed portion.
		closeQty := qty
		if closeQty > abs(pos.Qty) {
			closeQty = abs(pos.Qty)
		}
		if pos.Qty > 0 {
			pos.RealizedPnL += (price - pos.AvgPrice) * closeQty
		} else {
			pos.RealizedPnL += (pos.AvgPrice - price) * closeQty
		}
		pos.Qty += delta
		if pos.Qty == 0 {
			pos.AvgPrice = 0
		} else if qty > closeQty {
			// Flipped through zero: the remainder opens at the fill price.
			pos.AvgPrice = price
		}
	}
}

func (p *Paper) OpenOrders(ctx context.Context) ([]OrderState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []OrderState
	for _, id := range p.sortedOrderIDs() {
		o := p.orders[id]
		if !isTerminal(o.Status) {
			out = append(out, o.OrderState)
		}
	}
	return out, nil
}

func (p *Paper) Positions(ctx context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	symbols := make([]string, 0, len(p.positions))
	for s := range p.positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	out := make([]Position, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, *p.positions[s])
	}
	return out, nil
}

func (p *Paper) Quote(ctx context.Context, symbol string) (Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.last[symbol]
	if !ok {
		return Quote{}, fmt.Errorf("paper: no quote for %s", symbol)
	}
	return Quote{Symbol: symbol, Price: price, Ts: time.Now()}, nil
}

// Balance returns the remaining cash balance.
func (p *Paper) Balance() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance
}

// StreamMarketData emits a deterministic random walk per symbol, seeded from
// the symbol name so runs repeat exactly.
func (p *Paper) StreamMarketData(ctx context.Context, symbols []string) (<-chan market.Tick, func(), error) {
	out := make(chan market.Tick, 100)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() { close(done) })
	}

	rngs := make(map[string]*rand.Rand, len(symbols))
	prices := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		h := fnv.New64a()
		h.Write([]byte(sym))
		rngs[sym] = rand.New(rand.NewSource(int64(h.Sum64())))
		prices[sym] = p.cfg.StartPrice
		p.MarkPrice(sym, p.cfg.StartPrice)
	}

	go func() {
		defer close(out)
		ticker := time.NewTicker(p.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				for _, sym := range symbols {
					step := (rngs[sym].Float64() - 0.5) * 0.002
					prices[sym] *= 1 + step
					p.MarkPrice(sym, prices[sym])
					tick := market.Tick{Symbol: sym, Price: prices[sym], Ts: time.Now()}
					select {
					case out <- tick:
					default:
					}
				}
			}
		}
	}()

	return out, stop, nil
}

func (p *Paper) Fills() <-chan Fill { return p.fills }

func (p *Paper) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.fills)
	}
	return nil
}

func (p *Paper) sortedOrderIDs() []string {
	ids := make([]string, 0, len(p.orders))
	for id := range p.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// slip applies the configured slippage against the trade direction.
func (p *Paper) slip(price float64, side string) float64 {
	frac := p.cfg.SlippageBps / 10000.0
	if frac == 0 {
		return price
	}
	if side == SideBuy {
		return price * (1 + frac)
	}
	return price * (1 - frac)
}

func isTerminal(status string) bool {
	switch status {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
