package killswitch

import (
	"context"
	"testing"

	"quantcore/internal/coord"
)

func TestTripIsIdempotent(t *testing.T) {
	ks := New(coord.NewMemStore(), nil)
	ctx := context.Background()

	if err := ks.Trip(ctx, "acct-1", "manual halt"); err != nil {
		t.Fatalf("trip errored: %v", err)
	}
	if !ks.IsTripped(ctx, "acct-1") {
		t.Fatal("scope not tripped after Trip")
	}

	// Second trip records the new reason but stays tripped.
	if err := ks.Trip(ctx, "acct-1", "daily loss limit"); err != nil {
		t.Fatalf("re-trip errored: %v", err)
	}
	if !ks.IsTripped(ctx, "acct-1") {
		t.Fatal("re-trip un-tripped the scope")
	}
	f, _ := ks.State(ctx, "acct-1")
	if f.Reason != "daily loss limit" {
		t.Fatalf("latest reason not recorded: %q", f.Reason)
	}
}

func TestGlobalTripCoversAccounts(t *testing.T) {
	ks := New(coord.NewMemStore(), nil)
	ctx := context.Background()

	if err := ks.Trip(ctx, ScopeGlobal, "exchange outage"); err != nil {
		t.Fatalf("trip errored: %v", err)
	}
	if !ks.IsTripped(ctx, "acct-9") {
		t.Fatal("global trip does not halt account scope")
	}

	// Resetting the global scope does not invent an account trip.
	if err := ks.Reset(ctx, ScopeGlobal, "ops"); err != nil {
		t.Fatalf("reset errored: %v", err)
	}
	if ks.IsTripped(ctx, "acct-9") {
		t.Fatal("account still tripped after global reset")
	}
}

func TestResetRequiresActor(t *testing.T) {
	ks := New(coord.NewMemStore(), nil)
	ctx := context.Background()

	_ = ks.Trip(ctx, "acct-2", "halt")
	if err := ks.Reset(ctx, "acct-2", ""); err != ErrUnauthorized {
		t.Fatalf("reset without actor: got %v, want ErrUnauthorized", err)
	}
	if !ks.IsTripped(ctx, "acct-2") {
		t.Fatal("unauthorized reset cleared the trip")
	}

	if err := ks.Reset(ctx, "acct-2", "ops@desk"); err != nil {
		t.Fatalf("authorized reset errored: %v", err)
	}
	if ks.IsTripped(ctx, "acct-2") {
		t.Fatal("scope still tripped after authorized reset")
	}
}

func TestResetUntrippedScopeIsNoop(t *testing.T) {
	ks := New(coord.NewMemStore(), nil)
	if err := ks.Reset(context.Background(), "acct-3", "ops"); err != nil {
		t.Fatalf("reset of untripped scope errored: %v", err)
	}
}
