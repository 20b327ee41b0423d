package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"quantcore/internal/coord"
	"quantcore/internal/events"
	"quantcore/internal/market"
	"quantcore/internal/strategy"
	"quantcore/pkg/db"
)

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

func TestSnapshotMarksOpenPositionsToMarket(t *testing.T) {
	database := newTestDB(t)
	q := database.Queries()
	book := newAccountBook(q, 10000)
	ctx := context.Background()

	err := q.UpsertPosition(ctx, db.Position{Account: "acct-1", Symbol: "BTCUSDT", Qty: 10, AvgPrice: 100})
	if err != nil {
		t.Fatalf("upsert position: %v", err)
	}

	// Before any tick the position is valued at cost.
	snap, err := book.Snapshot(ctx, "acct-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.DayUnrealizedPnL != 0 || snap.Equity != 10000 {
		t.Fatalf("cost-valued snapshot = %+v", snap)
	}

	// Mark halves: the open position is 500 underwater and equity must see it
	// before any of the loss is realized.
	book.SetMark("BTCUSDT", 50)
	snap, err = book.Snapshot(ctx, "acct-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.DayUnrealizedPnL != -500 {
		t.Fatalf("unrealized = %.2f, want -500", snap.DayUnrealizedPnL)
	}
	if snap.Equity != 9500 {
		t.Fatalf("equity = %.2f, want 9500", snap.Equity)
	}
	if snap.OpenPositions != 1 {
		t.Fatalf("open positions = %d, want 1", snap.OpenPositions)
	}
}

func TestSnapshotHighWaterDoesNotDropWithMark(t *testing.T) {
	database := newTestDB(t)
	q := database.Queries()
	book := newAccountBook(q, 10000)
	ctx := context.Background()

	err := q.UpsertPosition(ctx, db.Position{Account: "acct-1", Symbol: "BTCUSDT", Qty: 1, AvgPrice: 100})
	if err != nil {
		t.Fatalf("upsert position: %v", err)
	}

	book.SetMark("BTCUSDT", 300)
	if _, err := book.Snapshot(ctx, "acct-1"); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	book.SetMark("BTCUSDT", 120)
	snap, err := book.Snapshot(ctx, "acct-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.EquityHighWater != 10200 {
		t.Fatalf("high water = %.2f, want 10200", snap.EquityHighWater)
	}
	if snap.Equity != 10020 {
		t.Fatalf("equity = %.2f, want 10020", snap.Equity)
	}
}

func TestTickEventsFeedMarkPrices(t *testing.T) {
	database := newTestDB(t)
	bus := events.NewBus()
	eng := New(database, coord.NewMemStore(), bus, Config{})
	ctx := context.Background()

	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Stop()

	q := database.Queries()
	err := q.UpsertPosition(ctx, db.Position{Account: "acct-1", Symbol: "ETHUSDT", Qty: 2, AvgPrice: 2000})
	if err != nil {
		t.Fatalf("upsert position: %v", err)
	}

	bus.Publish(events.EventMarketTick, market.Tick{Symbol: "ETHUSDT", Price: 1500, Ts: time.Now()})

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, err := eng.accounts.Snapshot(ctx, "acct-1")
		if err == nil && snap.DayUnrealizedPnL == -1000 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("tick never reached the account book: %+v", snap)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBrokerSettingsAppliedToNewSubscriptions(t *testing.T) {
	database := newTestDB(t)
	eng := New(database, coord.NewMemStore(), events.NewBus(), Config{})
	ctx := context.Background()

	eng.SetBrokerSettings("paper", map[string]string{"slippage_bps": "5"})
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Stop()

	// Settings writes racing subscription starts must stay consistent.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			eng.SetBrokerSettings("binance", map[string]string{"api_key": "k", "api_secret": "s"})
		}
	}()

	cfg := strategy.SubscriptionConfig{
		ID: "sub-settings-1", Account: "acct-1", Type: "ma_cross",
		Symbol: "BTCUSDT", Interval: "1m", Broker: "paper", IsActive: true,
	}
	if err := eng.StartSubscription(ctx, cfg); err != nil {
		t.Fatalf("start subscription: %v", err)
	}
	wg.Wait()

	eng.mu.Lock()
	sub := eng.desired["sub-settings-1"]
	eng.mu.Unlock()
	if sub.BrokerSettings["slippage_bps"] != "5" {
		t.Fatalf("broker settings not applied: %+v", sub.BrokerSettings)
	}
}
