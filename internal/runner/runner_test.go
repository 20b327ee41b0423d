package runner

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"quantcore/internal/broker"
	"quantcore/internal/coord"
	"quantcore/internal/killswitch"
	"quantcore/internal/market"
	"quantcore/internal/risk"
	"quantcore/internal/strategy"
	"quantcore/pkg/db"
)

// fakeAdapter is a scripted venue: the test pushes ticks and fills, and
// observes placed orders.
type fakeAdapter struct {
	mu            sync.Mutex
	ticks         chan market.Tick
	fills         chan broker.Fill
	placed        chan broker.OrderRequest
	transientLeft int // PlaceOrder fails this many times first
	attempts      int
	autoFill      bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		ticks:  make(chan market.Tick, 16),
		fills:  make(chan broker.Fill, 16),
		placed: make(chan broker.OrderRequest, 16),
	}
}

func (f *fakeAdapter) Name() string                                     { return "fake" }
func (f *fakeAdapter) Authenticate(ctx context.Context) error           { return nil }
func (f *fakeAdapter) CancelOrder(ctx context.Context, id string) error { return nil }
func (f *fakeAdapter) OpenOrders(ctx context.Context) ([]broker.OrderState, error) {
	return nil, nil
}
func (f *fakeAdapter) Positions(ctx context.Context) ([]broker.Position, error) { return nil, nil }
func (f *fakeAdapter) Quote(ctx context.Context, symbol string) (broker.Quote, error) {
	return broker.Quote{}, nil
}
func (f *fakeAdapter) Fills() <-chan broker.Fill { return f.fills }
func (f *fakeAdapter) Close() error              { return nil }

func (f *fakeAdapter) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	f.mu.Lock()
	f.attempts++
	if f.transientLeft > 0 {
		f.transientLeft--
		f.mu.Unlock()
		return broker.OrderAck{}, broker.Transient(context.DeadlineExceeded)
	}
	auto := f.autoFill
	f.mu.Unlock()

	f.placed <- req
	if auto {
		f.fills <- broker.Fill{
			OrderID: req.ID,
			Symbol:  req.Symbol,
			Side:    req.Side,
			Qty:     req.Qty,
			Price:   req.Price,
			Final:   true,
			Ts:      time.Now(),
		}
	}
	return broker.OrderAck{OrderID: req.ID, Status: broker.StatusFilled, SubmittedAt: time.Now()}, nil
}

func (f *fakeAdapter) StreamMarketData(ctx context.Context, symbols []string) (<-chan market.Tick, func(), error) {
	return f.ticks, func() {}, nil
}

func (f *fakeAdapter) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// scriptedStrategy emits a fixed signal on the first tick, then holds.
type scriptedStrategy struct {
	signal  *strategy.Signal
	emitted bool
	panicOn bool
}

func (s *scriptedStrategy) ID() string   { return "scripted" }
func (s *scriptedStrategy) Name() string { return "scripted" }
func (s *scriptedStrategy) OnTick(symbol string, price float64) (*strategy.Signal, error) {
	if s.panicOn {
		panic("deliberate strategy failure")
	}
	if s.emitted {
		return nil, nil
	}
	s.emitted = true
	return s.signal, nil
}
func (s *scriptedStrategy) OnOrderUpdate(u strategy.OrderUpdate) {}
func (s *scriptedStrategy) GetState() (json.RawMessage, error)   { return json.RawMessage(`{}`), nil }
func (s *scriptedStrategy) SetState(data json.RawMessage) error  { return nil }

type fixedAccounts struct {
	snap risk.AccountSnapshot
}

func (a *fixedAccounts) Snapshot(ctx context.Context, account string) (risk.AccountSnapshot, error) {
	return a.snap, nil
}

func testDeps(ks *killswitch.Switch) Deps {
	return Deps{
		Risk:       risk.NewManager(ks, nil, risk.Config{}),
		KillSwitch: ks,
		Accounts: &fixedAccounts{snap: risk.AccountSnapshot{
			Account:         "acct-1",
			Capital:         100000,
			Available:       100000,
			Equity:          100000,
			EquityHighWater: 100000,
		}},
	}
}

func testSub() Subscription {
	return Subscription{ID: "sub-1", Account: "acct-1", StrategyType: "scripted", Symbol: "BTCUSDT", Broker: "fake"}
}

func startRunner(t *testing.T, r *Runner) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return cancel, done
}

func waitOrder(t *testing.T, f *fakeAdapter, timeout time.Duration) broker.OrderRequest {
	t.Helper()
	select {
	case req := <-f.placed:
		return req
	case <-time.After(timeout):
		t.Fatal("no order placed in time")
		return broker.OrderRequest{}
	}
}

func TestRunnerPlacesOrderOnSignal(t *testing.T) {
	f := newFakeAdapter()
	ks := killswitch.New(coord.NewMemStore(), nil)
	strat := &scriptedStrategy{signal: &strategy.Signal{Action: strategy.ActionBuy, Symbol: "BTCUSDT", Size: 2}}
	r := New(testSub(), strat, f, testDeps(ks))

	cancel, done := startRunner(t, r)
	defer cancel()

	f.ticks <- market.Tick{Symbol: "BTCUSDT", Price: 100, Ts: time.Now()}

	req := waitOrder(t, f, time.Second)
	if req.Side != broker.SideBuy || req.Qty != 2 {
		t.Fatalf("order = %s qty %.1f, want BUY 2", req.Side, req.Qty)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if r.State() != StateStopped {
		t.Fatalf("state = %s, want STOPPED", r.State())
	}
}

func TestRunnerDropsOrderWhenKillSwitchTripped(t *testing.T) {
	f := newFakeAdapter()
	ks := killswitch.New(coord.NewMemStore(), nil)
	if err := ks.Trip(context.Background(), "acct-1", "halt"); err != nil {
		t.Fatalf("trip: %v", err)
	}
	strat := &scriptedStrategy{signal: &strategy.Signal{Action: strategy.ActionBuy, Symbol: "BTCUSDT", Size: 1}}
	r := New(testSub(), strat, f, testDeps(ks))

	cancel, done := startRunner(t, r)
	defer cancel()

	f.ticks <- market.Tick{Symbol: "BTCUSDT", Price: 100, Ts: time.Now()}

	select {
	case req := <-f.placed:
		t.Fatalf("order placed despite kill switch: %+v", req)
	case <-time.After(200 * time.Millisecond):
	}
	cancel()
	<-done
}

func TestRunnerRetriesTransientErrors(t *testing.T) {
	f := newFakeAdapter()
	f.transientLeft = 2
	ks := killswitch.New(coord.NewMemStore(), nil)
	strat := &scriptedStrategy{signal: &strategy.Signal{Action: strategy.ActionBuy, Symbol: "BTCUSDT", Size: 1}}
	r := New(testSub(), strat, f, testDeps(ks))

	cancel, done := startRunner(t, r)
	defer cancel()

	f.ticks <- market.Tick{Symbol: "BTCUSDT", Price: 100, Ts: time.Now()}

	// Two transient failures, then success on the third attempt.
	waitOrder(t, f, 3*time.Second)
	if got := f.attemptCount(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	cancel()
	<-done
}

func TestRunnerPanicMarksFailed(t *testing.T) {
	f := newFakeAdapter()
	ks := killswitch.New(coord.NewMemStore(), nil)
	r := New(testSub(), &scriptedStrategy{panicOn: true}, f, testDeps(ks))

	cancel, done := startRunner(t, r)
	defer cancel()

	f.ticks <- market.Tick{Symbol: "BTCUSDT", Price: 100, Ts: time.Now()}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("run returned nil after panic")
		}
	case <-time.After(time.Second):
		t.Fatal("runner did not terminate after panic")
	}
	if r.State() != StateFailed {
		t.Fatalf("state = %s, want FAILED", r.State())
	}
}

func TestRunnerStopLossExit(t *testing.T) {
	f := newFakeAdapter()
	f.autoFill = true
	ks := killswitch.New(coord.NewMemStore(), nil)
	strat := &scriptedStrategy{signal: &strategy.Signal{
		Action: strategy.ActionBuy, Symbol: "BTCUSDT", Size: 1, StopLoss: 95,
	}}
	r := New(testSub(), strat, f, testDeps(ks))

	cancel, done := startRunner(t, r)
	defer cancel()

	f.ticks <- market.Tick{Symbol: "BTCUSDT", Price: 100, Ts: time.Now()}
	entry := waitOrder(t, f, time.Second)
	if entry.Side != broker.SideBuy {
		t.Fatalf("entry side = %s", entry.Side)
	}

	// Give the fill time to apply, then breach the stop.
	time.Sleep(50 * time.Millisecond)
	f.ticks <- market.Tick{Symbol: "BTCUSDT", Price: 94, Ts: time.Now()}

	exit := waitOrder(t, f, time.Second)
	if exit.Side != broker.SideSell || exit.Qty != 1 {
		t.Fatalf("exit = %s qty %.1f, want SELL 1", exit.Side, exit.Qty)
	}
	cancel()
	<-done
}

func TestRunnerRecordsRoundTripOnClose(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ks := killswitch.New(coord.NewMemStore(), nil)
	deps := testDeps(ks)
	deps.Queries = database.Queries()
	r := New(testSub(), &scriptedStrategy{}, newFakeAdapter(), deps)

	ctx := context.Background()
	opened := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r.onFill(ctx, broker.Fill{
		OrderID: "ord-entry", Symbol: "BTCUSDT", Side: broker.SideBuy,
		Qty: 2, Price: 100, Final: true, Ts: opened,
	})
	r.onFill(ctx, broker.Fill{
		OrderID: "ord-exit", Symbol: "BTCUSDT", Side: broker.SideSell,
		Qty: 2, Price: 110, Final: true, Ts: opened.Add(time.Minute),
	})

	trips, err := deps.Queries.RoundTripsByAccount(ctx, "acct-1", 10)
	if err != nil {
		t.Fatalf("query round trips: %v", err)
	}
	if len(trips) != 1 {
		t.Fatalf("got %d round trips, want 1", len(trips))
	}
	rt := trips[0]
	if rt.EntryOrderID != "ord-entry" || rt.ExitOrderID != "ord-exit" {
		t.Fatalf("order refs = %s -> %s", rt.EntryOrderID, rt.ExitOrderID)
	}
	if rt.Side != "LONG" || rt.Qty != 2 {
		t.Fatalf("trip = %s qty %.1f, want LONG 2", rt.Side, rt.Qty)
	}
	if rt.RealizedPnL != 20 {
		t.Fatalf("realized = %.2f, want 20", rt.RealizedPnL)
	}
	if rt.DurationMs != 60_000 {
		t.Fatalf("duration = %dms, want 60000", rt.DurationMs)
	}
}

func TestRunnerFlipThroughZeroSplitsRoundTrips(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ks := killswitch.New(coord.NewMemStore(), nil)
	deps := testDeps(ks)
	deps.Queries = database.Queries()
	r := New(testSub(), &scriptedStrategy{}, newFakeAdapter(), deps)

	ctx := context.Background()
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r.onFill(ctx, broker.Fill{
		OrderID: "ord-1", Symbol: "BTCUSDT", Side: broker.SideBuy,
		Qty: 1, Price: 100, Final: true, Ts: t0,
	})
	// Selling 3 closes the long and opens a 2-unit short on the same order.
	r.onFill(ctx, broker.Fill{
		OrderID: "ord-2", Symbol: "BTCUSDT", Side: broker.SideSell,
		Qty: 3, Price: 105, Final: true, Ts: t0.Add(time.Minute),
	})
	r.onFill(ctx, broker.Fill{
		OrderID: "ord-3", Symbol: "BTCUSDT", Side: broker.SideBuy,
		Qty: 2, Price: 95, Final: true, Ts: t0.Add(2 * time.Minute),
	})

	trips, err := deps.Queries.RoundTripsByAccount(ctx, "acct-1", 10)
	if err != nil {
		t.Fatalf("query round trips: %v", err)
	}
	if len(trips) != 2 {
		t.Fatalf("got %d round trips, want 2", len(trips))
	}
	// Newest first: the short closed last.
	short, long := trips[0], trips[1]
	if long.Side != "LONG" || long.EntryOrderID != "ord-1" || long.ExitOrderID != "ord-2" || long.RealizedPnL != 5 {
		t.Fatalf("long trip = %+v", long)
	}
	if short.Side != "SHORT" || short.EntryOrderID != "ord-2" || short.ExitOrderID != "ord-3" || short.RealizedPnL != 20 {
		t.Fatalf("short trip = %+v", short)
	}
}

func TestRunnerFillUpdatesPosition(t *testing.T) {
	f := newFakeAdapter()
	f.autoFill = true
	ks := killswitch.New(coord.NewMemStore(), nil)
	strat := &scriptedStrategy{signal: &strategy.Signal{Action: strategy.ActionBuy, Symbol: "BTCUSDT", Size: 3}}
	r := New(testSub(), strat, f, testDeps(ks))

	cancel, done := startRunner(t, r)
	defer cancel()

	f.ticks <- market.Tick{Symbol: "BTCUSDT", Price: 100, Ts: time.Now()}
	waitOrder(t, f, time.Second)
	time.Sleep(50 * time.Millisecond)

	h := r.Health()
	if h.PositionQty != 3 {
		t.Fatalf("position qty = %.1f, want 3", h.PositionQty)
	}
	cancel()
	<-done
}
