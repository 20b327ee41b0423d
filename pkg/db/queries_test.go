package db

import (
	"context"
	"testing"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestQueriesRequireAccount(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	t.Run("OrdersByAccount requires account", func(t *testing.T) {
		_, err := q.OrdersByAccount(ctx, "", 100)
		if err != ErrAccountRequired {
			t.Errorf("expected ErrAccountRequired, got %v", err)
		}
	})

	t.Run("TradesByAccount requires account", func(t *testing.T) {
		_, err := q.TradesByAccount(ctx, "", 100)
		if err != ErrAccountRequired {
			t.Errorf("expected ErrAccountRequired, got %v", err)
		}
	})

	t.Run("PositionsByAccount requires account", func(t *testing.T) {
		_, err := q.PositionsByAccount(ctx, "")
		if err != ErrAccountRequired {
			t.Errorf("expected ErrAccountRequired, got %v", err)
		}
	})

	t.Run("CreateOrder requires account", func(t *testing.T) {
		if err := q.CreateOrder(ctx, Order{ID: "o1"}); err != ErrAccountRequired {
			t.Errorf("expected ErrAccountRequired, got %v", err)
		}
	})
}

func TestAccountIsolation(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	acctA := "acct-a"
	acctB := "acct-b"

	orderA := Order{
		ID:      "order-a-1",
		Account: acctA,
		Symbol:  "BTCUSDT",
		Side:    "BUY",
		Price:   50000,
		Qty:     0.1,
		Status:  "SUBMITTED",
	}
	orderB := Order{
		ID:      "order-b-1",
		Account: acctB,
		Symbol:  "ETHUSDT",
		Side:    "SELL",
		Price:   3000,
		Qty:     1.0,
		Status:  "SUBMITTED",
	}

	if err := q.CreateOrder(ctx, orderA); err != nil {
		t.Fatalf("Failed to create order A: %v", err)
	}
	if err := q.CreateOrder(ctx, orderB); err != nil {
		t.Fatalf("Failed to create order B: %v", err)
	}

	t.Run("account A sees only its orders", func(t *testing.T) {
		orders, err := q.OrdersByAccount(ctx, acctA, 100)
		if err != nil {
			t.Fatalf("Failed to get orders: %v", err)
		}
		if len(orders) != 1 || orders[0].ID != "order-a-1" {
			t.Errorf("expected [order-a-1], got %+v", orders)
		}
	})

	t.Run("unknown account sees no orders", func(t *testing.T) {
		orders, err := q.OrdersByAccount(ctx, "acct-unknown", 100)
		if err != nil {
			t.Fatalf("Failed to get orders: %v", err)
		}
		if len(orders) != 0 {
			t.Errorf("expected 0 orders, got %d", len(orders))
		}
	})
}

func TestOrderLifecycleAndOpenOrders(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	o := Order{ID: "o1", Account: "acct-1", Symbol: "BTCUSDT", Side: "BUY", OrderType: "MARKET", Price: 100, Qty: 10, Status: "SUBMITTED"}
	if err := q.CreateOrder(ctx, o); err != nil {
		t.Fatalf("create order: %v", err)
	}

	open, err := q.OpenOrdersByAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected 1 open order, got %d", len(open))
	}

	if err := q.UpdateOrderStatus(ctx, "o1", "FILLED", 10, 100); err != nil {
		t.Fatalf("update status: %v", err)
	}
	open, err = q.OpenOrdersByAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("filled order still reported open: %+v", open)
	}

	if err := q.UpdateOrderStatus(ctx, "missing", "FILLED", 0, 0); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for missing order, got %v", err)
	}
}

func TestPositionUpsert(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	p := Position{Account: "acct-1", Symbol: "BTCUSDT", Qty: 10, AvgPrice: 100}
	if err := q.UpsertPosition(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	p.Qty = 15
	p.AvgPrice = 110
	if err := q.UpsertPosition(ctx, p); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := q.PositionsByAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 position, got %d", len(got))
	}
	if got[0].Qty != 15 || got[0].AvgPrice != 110 {
		t.Errorf("position not updated: %+v", got[0])
	}
}

func TestStrategyStateRoundTrip(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	if _, err := q.LoadStrategyState(ctx, "sub-1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for missing state, got %v", err)
	}

	state := []byte(`{"prev_signal":"BUY"}`)
	if err := q.SaveStrategyState(ctx, "sub-1", state); err != nil {
		t.Fatalf("save state: %v", err)
	}
	got, err := q.LoadStrategyState(ctx, "sub-1")
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if string(got) != string(state) {
		t.Errorf("state round-trip mismatch: %s", got)
	}
}
