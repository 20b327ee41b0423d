package broker

import (
	"context"
	"testing"
)

func TestPaperMarketBuy(t *testing.T) {
	p := NewPaper(PaperConfig{InitialBalance: 10000})
	ctx := context.Background()
	p.MarkPrice("BTCUSDT", 100.00)

	ack, err := p.PlaceOrder(ctx, OrderRequest{
		Account: "acct-1", Symbol: "BTCUSDT", Side: SideBuy, Type: TypeMarket, Qty: 10,
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if ack.Status != StatusFilled {
		t.Fatalf("ack status = %s, want FILLED", ack.Status)
	}

	positions, err := p.Positions(ctx)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	if positions[0].Qty != 10 || positions[0].AvgPrice != 100.00 {
		t.Fatalf("position = qty %.4f @ %.4f, want 10 @ 100.00", positions[0].Qty, positions[0].AvgPrice)
	}
	if got := p.Balance(); got != 9000 {
		t.Fatalf("balance = %.2f, want 9000.00", got)
	}

	select {
	case f := <-p.Fills():
		if f.Qty != 10 || f.Price != 100 || !f.Final {
			t.Fatalf("fill = %+v, want final 10 @ 100", f)
		}
	default:
		t.Fatal("no fill emitted")
	}
}

func TestPaperMarketBuySlippage(t *testing.T) {
	p := NewPaper(PaperConfig{InitialBalance: 10000, SlippageBps: 10})
	ctx := context.Background()
	p.MarkPrice("BTCUSDT", 100.00)

	if _, err := p.PlaceOrder(ctx, OrderRequest{
		Account: "acct-1", Symbol: "BTCUSDT", Side: SideBuy, Type: TypeMarket, Qty: 1,
	}); err != nil {
		t.Fatalf("place order: %v", err)
	}

	positions, _ := p.Positions(ctx)
	if len(positions) != 1 || positions[0].AvgPrice != 100.1 {
		t.Fatalf("avg price = %.4f, want 100.10 (10 bps against the buy)", positions[0].AvgPrice)
	}
}

func TestPaperInsufficientBalance(t *testing.T) {
	p := NewPaper(PaperConfig{InitialBalance: 100})
	ctx := context.Background()
	p.MarkPrice("BTCUSDT", 100.00)

	_, err := p.PlaceOrder(ctx, OrderRequest{
		Account: "acct-1", Symbol: "BTCUSDT", Side: SideBuy, Type: TypeMarket, Qty: 10,
	})
	if err == nil {
		t.Fatal("expected insufficient balance error")
	}
	if IsTransient(err) {
		t.Fatal("rejection must not be transient")
	}
}

func TestPaperLimitBoundaryFills(t *testing.T) {
	p := NewPaper(PaperConfig{InitialBalance: 10000})
	ctx := context.Background()
	p.MarkPrice("BTCUSDT", 100.00)

	ack, err := p.PlaceOrder(ctx, OrderRequest{
		Account: "acct-1", Symbol: "BTCUSDT", Side: SideBuy, Type: TypeLimit, Price: 99, Qty: 1,
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if ack.Status != StatusSubmitted {
		t.Fatalf("ack status = %s, want SUBMITTED while resting", ack.Status)
	}

	// Touching the limit exactly counts as crossed.
	p.MarkPrice("BTCUSDT", 99.00)

	open, _ := p.OpenOrders(ctx)
	if len(open) != 0 {
		t.Fatalf("order still open after boundary touch: %+v", open)
	}
	positions, _ := p.Positions(ctx)
	if len(positions) != 1 || positions[0].AvgPrice != 99 {
		t.Fatalf("limit fill price = %+v, want 99", positions)
	}
}

func TestPaperCancelHonorsInFlightFill(t *testing.T) {
	p := NewPaper(PaperConfig{InitialBalance: 10000, PartialFills: true})
	ctx := context.Background()
	p.MarkPrice("BTCUSDT", 100.00)

	ack, err := p.PlaceOrder(ctx, OrderRequest{
		Account: "acct-1", Symbol: "BTCUSDT", Side: SideBuy, Type: TypeMarket, Qty: 10,
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if ack.Status != StatusPartiallyFilled {
		t.Fatalf("ack status = %s, want PARTIALLY_FILLED", ack.Status)
	}

	// The second chunk is in flight; cancel must apply it before acting.
	if err := p.CancelOrder(ctx, ack.OrderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	positions, _ := p.Positions(ctx)
	if len(positions) != 1 || positions[0].Qty != 10 {
		t.Fatalf("in-flight fill lost on cancel: %+v", positions)
	}

	// Order completed, so a second cancel hits a terminal order.
	if err := p.CancelOrder(ctx, ack.OrderID); err != ErrTerminal {
		t.Fatalf("cancel terminal order: got %v, want ErrTerminal", err)
	}
}

func TestPaperCancelUnknownOrder(t *testing.T) {
	p := NewPaper(PaperConfig{InitialBalance: 10000})
	if err := p.CancelOrder(context.Background(), "nope"); err != ErrUnknownOrder {
		t.Fatalf("got %v, want ErrUnknownOrder", err)
	}
}

func TestPaperSellRealizesPnL(t *testing.T) {
	p := NewPaper(PaperConfig{InitialBalance: 10000})
	ctx := context.Background()
	p.MarkPrice("BTCUSDT", 100.00)

	if _, err := p.PlaceOrder(ctx, OrderRequest{
		Account: "acct-1", Symbol: "BTCUSDT", Side: SideBuy, Type: TypeMarket, Qty: 10,
	}); err != nil {
		t.Fatalf("buy: %v", err)
	}

	p.MarkPrice("BTCUSDT", 110.00)
	if _, err := p.PlaceOrder(ctx, OrderRequest{
		Account: "acct-1", Symbol: "BTCUSDT", Side: SideSell, Type: TypeMarket, Qty: 10,
	}); err != nil {
		t.Fatalf("sell: %v", err)
	}

	positions, _ := p.Positions(ctx)
	if len(positions) != 1 {
		t.Fatalf("expected flat position record, got %+v", positions)
	}
	if positions[0].Qty != 0 || positions[0].RealizedPnL != 100 {
		t.Fatalf("position = %+v, want qty 0 realized 100", positions[0])
	}
	if got := p.Balance(); got != 10100 {
		t.Fatalf("balance = %.2f, want 10100.00", got)
	}
}
