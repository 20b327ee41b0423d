package coord

import (
	"context"
	"testing"
	"time"
)

func TestLockMutualExclusion(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "runner:sub-1", "proc-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire failed: ok=%v err=%v", ok, err)
	}

	ok, err = s.AcquireLock(ctx, "runner:sub-1", "proc-b", time.Minute)
	if err != nil {
		t.Fatalf("second acquire errored: %v", err)
	}
	if ok {
		t.Fatal("lock acquired by second owner while held")
	}

	// Same owner re-acquires (refresh) without contention.
	ok, _ = s.AcquireLock(ctx, "runner:sub-1", "proc-a", time.Minute)
	if !ok {
		t.Fatal("holder could not re-acquire its own lock")
	}
}

func TestLockExpiryAllowsTakeover(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if ok, _ := s.AcquireLock(ctx, "runner:sub-2", "proc-a", 10*time.Millisecond); !ok {
		t.Fatal("initial acquire failed")
	}
	time.Sleep(20 * time.Millisecond)

	ok, _ := s.AcquireLock(ctx, "runner:sub-2", "proc-b", time.Minute)
	if !ok {
		t.Fatal("expired lock not reclaimable by another owner")
	}

	// Stale owner can no longer renew.
	if ok, _ := s.RenewLock(ctx, "runner:sub-2", "proc-a", time.Minute); ok {
		t.Fatal("stale owner renewed a lock it lost")
	}
}

func TestRenewAndRelease(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if ok, _ := s.AcquireLock(ctx, "runner:sub-3", "proc-a", time.Minute); !ok {
		t.Fatal("acquire failed")
	}
	if ok, _ := s.RenewLock(ctx, "runner:sub-3", "proc-a", time.Minute); !ok {
		t.Fatal("holder could not renew")
	}

	// Release by a non-holder is a no-op.
	if err := s.ReleaseLock(ctx, "runner:sub-3", "proc-b"); err != nil {
		t.Fatalf("foreign release errored: %v", err)
	}
	if owner, held := s.LockHolder("runner:sub-3"); !held || owner != "proc-a" {
		t.Fatalf("lock lost after foreign release: owner=%q held=%v", owner, held)
	}

	if err := s.ReleaseLock(ctx, "runner:sub-3", "proc-a"); err != nil {
		t.Fatalf("release errored: %v", err)
	}
	if ok, _ := s.AcquireLock(ctx, "runner:sub-3", "proc-b", time.Minute); !ok {
		t.Fatal("released lock not acquirable")
	}
}

func TestFlags(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	f, err := s.Flag(ctx, "killswitch:acct-1")
	if err != nil {
		t.Fatalf("flag read errored: %v", err)
	}
	if f.Set {
		t.Fatal("unset flag reads as set")
	}

	want := Flag{Set: true, Reason: "daily loss limit", By: "risk", At: time.Now()}
	if err := s.SetFlag(ctx, "killswitch:acct-1", want); err != nil {
		t.Fatalf("set flag errored: %v", err)
	}
	got, _ := s.Flag(ctx, "killswitch:acct-1")
	if !got.Set || got.Reason != want.Reason || got.By != want.By {
		t.Fatalf("flag round-trip mismatch: %+v", got)
	}
}
