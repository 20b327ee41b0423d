package risk

import (
	"context"
	"testing"

	"quantcore/internal/coord"
	"quantcore/internal/killswitch"
)

func newTestManager(cfg Config) (*Manager, *killswitch.Switch) {
	ks := killswitch.New(coord.NewMemStore(), nil)
	return NewManager(ks, nil, cfg), ks
}

func baseSnapshot() AccountSnapshot {
	return AccountSnapshot{
		Account:         "acct-1",
		Capital:         10000,
		Available:       10000,
		Equity:          10000,
		EquityHighWater: 10000,
	}
}

func baseOrder() ProposedOrder {
	return ProposedOrder{
		SubscriptionID: "sub-1",
		Account:        "acct-1",
		Symbol:         "BTCUSDT",
		Side:           "BUY",
		Qty:            1,
		Price:          100,
	}
}

func TestTrippedAccountRejectsBeforeOtherRules(t *testing.T) {
	mgr, ks := newTestManager(Config{})
	ctx := context.Background()

	if err := ks.Trip(ctx, "acct-1", "manual halt"); err != nil {
		t.Fatalf("trip: %v", err)
	}

	res := mgr.Evaluate(ctx, baseOrder(), baseSnapshot())
	if res.Approved {
		t.Fatal("order approved for a halted account")
	}
	if res.ViolatedRule != RuleKillSwitch {
		t.Fatalf("violated rule = %s, want %s", res.ViolatedRule, RuleKillSwitch)
	}
}

func TestGlobalTripRejectsEveryAccount(t *testing.T) {
	mgr, ks := newTestManager(Config{})
	ctx := context.Background()

	if err := ks.Trip(ctx, killswitch.ScopeGlobal, "exchange outage"); err != nil {
		t.Fatalf("trip: %v", err)
	}

	res := mgr.Evaluate(ctx, baseOrder(), baseSnapshot())
	if res.Approved || res.ViolatedRule != RuleKillSwitch {
		t.Fatalf("result = %+v, want kill_switch rejection", res)
	}

	// Resetting global restores the account.
	if err := ks.Reset(ctx, killswitch.ScopeGlobal, "ops"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if res := mgr.Evaluate(ctx, baseOrder(), baseSnapshot()); !res.Approved {
		t.Fatalf("order rejected after reset: %s", res.Reason)
	}
}

func TestDailyLossLimitBreachTripsKillSwitch(t *testing.T) {
	mgr, ks := newTestManager(Config{DailyLossLimitPct: 0.05})
	ctx := context.Background()

	// $10,000 capital with a 5% limit: a $500 loss is a breach, exactly at
	// the boundary included.
	snap := baseSnapshot()
	snap.DayRealizedPnL = -300
	snap.DayUnrealizedPnL = -200

	res := mgr.Evaluate(ctx, baseOrder(), snap)
	if res.Approved {
		t.Fatal("order approved despite daily loss at limit")
	}
	if res.ViolatedRule != RuleDailyLossLimit {
		t.Fatalf("violated rule = %s, want %s", res.ViolatedRule, RuleDailyLossLimit)
	}
	if !ks.IsTripped(ctx, "acct-1") {
		t.Fatal("kill switch not tripped on daily loss breach")
	}
}

func TestDailyLossJustUnderLimitApproved(t *testing.T) {
	mgr, ks := newTestManager(Config{DailyLossLimitPct: 0.05})
	ctx := context.Background()

	snap := baseSnapshot()
	snap.DayRealizedPnL = -499.99

	res := mgr.Evaluate(ctx, baseOrder(), snap)
	if !res.Approved {
		t.Fatalf("order rejected below the limit: %s", res.Reason)
	}
	if ks.IsTripped(ctx, "acct-1") {
		t.Fatal("kill switch tripped without a breach")
	}
}

func TestMaxDrawdownBreachTripsKillSwitch(t *testing.T) {
	mgr, ks := newTestManager(Config{MaxDrawdownPct: 0.20})
	ctx := context.Background()

	snap := baseSnapshot()
	snap.EquityHighWater = 12000
	snap.Equity = 9600 // exactly 20% off the high water mark

	res := mgr.Evaluate(ctx, baseOrder(), snap)
	if res.Approved {
		t.Fatal("order approved at max drawdown")
	}
	if res.ViolatedRule != RuleMaxDrawdown {
		t.Fatalf("violated rule = %s, want %s", res.ViolatedRule, RuleMaxDrawdown)
	}
	if !ks.IsTripped(ctx, "acct-1") {
		t.Fatal("kill switch not tripped on drawdown breach")
	}
}

func TestSoftLimitsDoNotTrip(t *testing.T) {
	mgr, ks := newTestManager(Config{MaxOpenPositions: 2})
	ctx := context.Background()

	snap := baseSnapshot()
	snap.OpenPositions = 2

	res := mgr.Evaluate(ctx, baseOrder(), snap)
	if res.Approved {
		t.Fatal("order approved over position limit")
	}
	if res.ViolatedRule != RuleMaxOpenPositions {
		t.Fatalf("violated rule = %s, want %s", res.ViolatedRule, RuleMaxOpenPositions)
	}
	if ks.IsTripped(ctx, "acct-1") {
		t.Fatal("soft rejection must not trip the kill switch")
	}
}

func TestRuleOrderShortCircuits(t *testing.T) {
	// An invalid order with a loss breach must report validity, not the
	// breach: checks run in order and stop at the first violation.
	mgr, ks := newTestManager(Config{DailyLossLimitPct: 0.05})
	ctx := context.Background()

	snap := baseSnapshot()
	snap.DayRealizedPnL = -9000

	order := baseOrder()
	order.Qty = 0

	res := mgr.Evaluate(ctx, order, snap)
	if res.ViolatedRule != RuleOrderValidity {
		t.Fatalf("violated rule = %s, want %s", res.ViolatedRule, RuleOrderValidity)
	}
	if ks.IsTripped(ctx, "acct-1") {
		t.Fatal("kill switch tripped before reaching the hard rule")
	}
}

func TestStopLossDistance(t *testing.T) {
	mgr, _ := newTestManager(Config{MaxStopLossPct: 0.10})
	ctx := context.Background()

	tests := []struct {
		name     string
		stop     float64
		approved bool
	}{
		{"within limit", 95, true},
		{"at limit", 90, true},
		{"too far", 85, false},
		{"no stop attached", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := baseOrder()
			order.StopLoss = tt.stop
			res := mgr.Evaluate(ctx, order, baseSnapshot())
			if res.Approved != tt.approved {
				t.Fatalf("approved = %v, want %v (%s)", res.Approved, tt.approved, res.Reason)
			}
		})
	}
}

func TestCapitalCheckSkippedForRiskReducingOrders(t *testing.T) {
	mgr, _ := newTestManager(Config{MaxOpenPositions: 1})
	ctx := context.Background()

	snap := baseSnapshot()
	snap.Available = 10
	snap.OpenPositions = 1

	order := baseOrder()
	order.Side = "SELL"
	order.ReducesRisk = true

	res := mgr.Evaluate(ctx, order, snap)
	if !res.Approved {
		t.Fatalf("exit order rejected: %s", res.Reason)
	}
}

func TestAccountConfigOverride(t *testing.T) {
	mgr, _ := newTestManager(Config{MaxOpenPositions: 10})
	ctx := context.Background()

	mgr.SetAccountConfig("acct-1", Config{MaxOpenPositions: 1})

	snap := baseSnapshot()
	snap.OpenPositions = 1

	res := mgr.Evaluate(ctx, baseOrder(), snap)
	if res.Approved {
		t.Fatal("override limit not applied")
	}
}
