package killswitch

import (
	"context"
	"errors"
	"log"
	"time"

	"quantcore/internal/coord"
	"quantcore/internal/events"
)

// ScopeGlobal halts trading for every account. Any other scope value is
// treated as an account identifier and halts only that account.
const ScopeGlobal = "global"

// ErrUnauthorized is returned by Reset when no authorizing actor is supplied.
var ErrUnauthorized = errors.New("killswitch: reset requires an authorizing actor")

// Switch is the shared trading halt flag. State lives in the coordination
// store so every process in the cluster observes a trip immediately. Once
// tripped a scope stays tripped until an explicit authorized reset.
type Switch struct {
	store coord.Store
	bus   *events.Bus
}

// New creates a kill switch over the given coordination store. bus may be nil.
func New(store coord.Store, bus *events.Bus) *Switch {
	return &Switch{store: store, bus: bus}
}

func key(scope string) string {
	if scope == "" {
		scope = ScopeGlobal
	}
	return "killswitch:" + scope
}

// Trip halts trading for the scope. Tripping an already-tripped scope records
// the latest reason but never un-trips.
func (s *Switch) Trip(ctx context.Context, scope, reason string) error {
	f := coord.Flag{Set: true, Reason: reason, By: "engine", At: time.Now()}
	if err := s.store.SetFlag(ctx, key(scope), f); err != nil {
		return err
	}
	log.Printf("killswitch: TRIPPED scope=%s reason=%s", scope, reason)
	if s.bus != nil {
		s.bus.Publish(events.EventKillSwitchTripped, map[string]string{
			"scope":  scope,
			"reason": reason,
		})
	}
	return nil
}

// IsTripped reports whether trading is halted for the scope. A per-account
// check also honors a global trip. Callers on the order path must call this
// synchronously immediately before submission, never from a cached result.
func (s *Switch) IsTripped(ctx context.Context, scope string) bool {
	if scope != ScopeGlobal && scope != "" {
		if f, err := s.store.Flag(ctx, key(ScopeGlobal)); err == nil && f.Set {
			return true
		}
	}
	f, err := s.store.Flag(ctx, key(scope))
	if err != nil {
		// Fail closed: an unreachable store must not let orders through.
		log.Printf("killswitch: store read failed (%v); treating scope %s as tripped", err, scope)
		return true
	}
	return f.Set
}

// State returns the raw flag for a scope without the global overlay.
func (s *Switch) State(ctx context.Context, scope string) (coord.Flag, error) {
	return s.store.Flag(ctx, key(scope))
}

// Reset clears the trip for a scope. It is never automatic: authorizedBy must
// name the actor. Resetting a scope that is not tripped is a no-op.
func (s *Switch) Reset(ctx context.Context, scope, authorizedBy string) error {
	if authorizedBy == "" {
		return ErrUnauthorized
	}
	f, err := s.store.Flag(ctx, key(scope))
	if err != nil {
		return err
	}
	if !f.Set {
		return nil
	}
	cleared := coord.Flag{Set: false, Reason: "", By: authorizedBy, At: time.Now()}
	if err := s.store.SetFlag(ctx, key(scope), cleared); err != nil {
		return err
	}
	log.Printf("killswitch: reset scope=%s by=%s", scope, authorizedBy)
	if s.bus != nil {
		s.bus.Publish(events.EventKillSwitchReset, map[string]string{
			"scope": scope,
			"by":    authorizedBy,
		})
	}
	return nil
}
