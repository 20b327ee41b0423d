// Package supervisor keeps the desired set of subscriptions running: it
// acquires a distributed lock per subscription so each runs on at most one
// process, watches heartbeats, and restarts crashed runners with backoff.
package supervisor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"quantcore/internal/broker"
	"quantcore/internal/coord"
	"quantcore/internal/events"
	"quantcore/internal/runner"
	"quantcore/internal/strategy"
)

const (
	defaultLockTTL          = 30 * time.Second
	defaultHeartbeatTimeout = 30 * time.Second
	defaultWatchInterval    = 5 * time.Second
	defaultMaxRestarts      = 5
	maxRestartBackoff       = 30 * time.Second
)

// AdapterFactory builds a dedicated adapter for one subscription.
type AdapterFactory func(sub runner.Subscription) (broker.Adapter, error)

// Options tune supervision timing; zero values take defaults.
type Options struct {
	LockTTL          time.Duration
	HeartbeatTimeout time.Duration
	WatchInterval    time.Duration
	MaxRestarts      int
}

type managed struct {
	sub    runner.Subscription
	cancel context.CancelFunc // stops the whole run loop
	done   chan struct{}

	mu            sync.Mutex
	r             *runner.Runner
	attemptCancel context.CancelFunc // stops only the current attempt
	restarts      int
	forceRestart  bool
	degraded      bool
}

// Supervisor owns the runners of one process.
type Supervisor struct {
	owner string
	store coord.Store
	bus   *events.Bus
	deps  runner.Deps
	newAd AdapterFactory
	opts  Options

	mu      sync.Mutex
	runners map[string]*managed
}

// New creates a supervisor with a fresh process identity. adapters may be
// nil, in which case the broker registry is used directly.
func New(store coord.Store, bus *events.Bus, deps runner.Deps, adapters AdapterFactory, opts Options) *Supervisor {
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if opts.WatchInterval <= 0 {
		opts.WatchInterval = defaultWatchInterval
	}
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = defaultMaxRestarts
	}
	if adapters == nil {
		adapters = func(sub runner.Subscription) (broker.Adapter, error) {
			return broker.New(sub.Broker, sub.BrokerSettings)
		}
	}
	return &Supervisor{
		owner:   uuid.NewString(),
		store:   store,
		bus:     bus,
		deps:    deps,
		newAd:   adapters,
		opts:    opts,
		runners: make(map[string]*managed),
	}
}

// Owner returns the process identity used for lock ownership.
func (s *Supervisor) Owner() string { return s.owner }

func lockKey(subID string) string { return "runner:" + subID }

// Reconcile drives the managed set toward desired: new subscriptions start,
// removed ones stop, running ones are left alone.
func (s *Supervisor) Reconcile(ctx context.Context, desired []runner.Subscription) {
	want := make(map[string]runner.Subscription, len(desired))
	for _, sub := range desired {
		want[sub.ID] = sub
	}

	s.mu.Lock()
	var toStop []*managed
	for id, m := range s.runners {
		if _, ok := want[id]; !ok {
			toStop = append(toStop, m)
			delete(s.runners, id)
		}
	}
	var toStart []runner.Subscription
	for id, sub := range want {
		if _, ok := s.runners[id]; !ok {
			toStart = append(toStart, sub)
		}
	}
	s.mu.Unlock()

	for _, m := range toStop {
		log.Printf("supervisor: stopping runner %s (no longer desired)", m.sub.ID)
		m.cancel()
	}
	for _, sub := range toStart {
		s.start(ctx, sub)
	}
}

// start acquires the subscription lock and launches the runner loop. Losing
// the lock race is not an error: another process owns the subscription.
func (s *Supervisor) start(ctx context.Context, sub runner.Subscription) {
	ok, err := s.store.AcquireLock(ctx, lockKey(sub.ID), s.owner, s.opts.LockTTL)
	if err != nil {
		log.Printf("supervisor: lock acquire error for %s: %v", sub.ID, err)
		return
	}
	if !ok {
		log.Printf("supervisor: subscription %s is owned by another process, skipping", sub.ID)
		return
	}

	rctx, cancel := context.WithCancel(ctx)
	m := &managed{sub: sub, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.runners[sub.ID] = m
	s.mu.Unlock()

	go s.runLoop(rctx, m)
}

// runLoop runs the subscription until it stops cleanly or exhausts its
// restart budget. Every restart gets a fresh strategy and adapter; the
// runner re-adopts working orders from the venue on startup.
func (s *Supervisor) runLoop(ctx context.Context, m *managed) {
	defer close(m.done)
	defer func() {
		rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.store.ReleaseLock(rctx, lockKey(m.sub.ID), s.owner); err != nil {
			log.Printf("supervisor: lock release error for %s: %v", m.sub.ID, err)
		}
		rcancel()
	}()

	backoff := time.Second
	for {
		strat, err := strategy.New(m.sub.StrategyType, m.sub.ID, m.sub.Symbol, m.sub.Params)
		if err != nil {
			log.Printf("supervisor: cannot build strategy for %s: %v", m.sub.ID, err)
			s.markDegraded(m, "strategy construction failed: "+err.Error())
			return
		}
		adapter, err := s.newAd(m.sub)
		if err != nil {
			log.Printf("supervisor: cannot build adapter for %s: %v", m.sub.ID, err)
			s.markDegraded(m, "adapter construction failed: "+err.Error())
			return
		}

		r := runner.New(m.sub, strat, adapter, s.deps)
		attemptCtx, attemptCancel := context.WithCancel(ctx)
		m.mu.Lock()
		m.r = r
		m.attemptCancel = attemptCancel
		m.forceRestart = false
		m.mu.Unlock()

		runErr := r.Run(attemptCtx)
		attemptCancel()
		adapter.Close()

		m.mu.Lock()
		forced := m.forceRestart
		m.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if runErr == nil && !forced {
			// Clean stop without cancellation: desired-state removal.
			return
		}

		m.mu.Lock()
		m.restarts++
		restarts := m.restarts
		m.mu.Unlock()
		if restarts > s.opts.MaxRestarts {
			s.markDegraded(m, "restart budget exhausted")
			return
		}

		log.Printf("supervisor: runner %s down (err=%v forced=%v), restart %d/%d in %v",
			m.sub.ID, runErr, forced, restarts, s.opts.MaxRestarts, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		if backoff < maxRestartBackoff {
			backoff *= 2
		}
	}
}

// markDegraded parks the subscription and alerts; a human decides what next.
func (s *Supervisor) markDegraded(m *managed, reason string) {
	m.mu.Lock()
	m.degraded = true
	m.mu.Unlock()
	log.Printf("supervisor: subscription %s DEGRADED: %s", m.sub.ID, reason)
	if s.bus != nil {
		s.bus.Publish(events.EventRunnerDegraded, map[string]string{
			"subscription": m.sub.ID,
			"reason":       reason,
		})
	}
}

// Watch renews locks and enforces heartbeat timeouts until ctx is cancelled.
func (s *Supervisor) Watch(ctx context.Context) {
	ticker := time.NewTicker(s.opts.WatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.patrol(ctx)
		}
	}
}

func (s *Supervisor) patrol(ctx context.Context) {
	s.mu.Lock()
	managedNow := make([]*managed, 0, len(s.runners))
	for _, m := range s.runners {
		managedNow = append(managedNow, m)
	}
	s.mu.Unlock()

	now := time.Now().UnixMilli()
	for _, m := range managedNow {
		ok, err := s.store.RenewLock(ctx, lockKey(m.sub.ID), s.owner, s.opts.LockTTL)
		if err != nil {
			log.Printf("supervisor: lock renew error for %s: %v", m.sub.ID, err)
		} else if !ok {
			// Lost the lock: stop immediately, someone else may own it now.
			log.Printf("supervisor: lost lock for %s, stopping runner", m.sub.ID)
			m.cancel()
			continue
		}

		m.mu.Lock()
		r := m.r
		m.mu.Unlock()
		if r == nil || r.State() != runner.StateRunning {
			continue
		}
		last := r.LastHeartbeat()
		if last > 0 && now-last > s.opts.HeartbeatTimeout.Milliseconds() {
			log.Printf("supervisor: runner %s heartbeat stale (%.1fs), forcing restart",
				m.sub.ID, float64(now-last)/1000)
			m.mu.Lock()
			m.forceRestart = true
			attemptCancel := m.attemptCancel
			m.mu.Unlock()
			if attemptCancel != nil {
				attemptCancel()
			}
		}
	}
}

// Runners reports health for every managed subscription.
func (s *Supervisor) Runners() []runner.Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]runner.Health, 0, len(s.runners))
	for _, m := range s.runners {
		m.mu.Lock()
		r := m.r
		degraded := m.degraded
		restarts := m.restarts
		m.mu.Unlock()

		var h runner.Health
		if r != nil {
			h = r.Health()
		} else {
			h = runner.Health{SubscriptionID: m.sub.ID, Account: m.sub.Account, Symbol: m.sub.Symbol, State: runner.StateStarting}
		}
		if degraded {
			h.State = runner.StateDegraded
		}
		h.Restarts = restarts
		out = append(out, h)
	}
	return out
}

// Running reports whether the supervisor currently manages the subscription.
func (s *Supervisor) Running(subID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runners[subID]
	return ok
}

// Stop cancels all runners and waits for them to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	all := make([]*managed, 0, len(s.runners))
	for _, m := range s.runners {
		all = append(all, m)
	}
	s.runners = make(map[string]*managed)
	s.mu.Unlock()

	for _, m := range all {
		m.cancel()
	}
	for _, m := range all {
		<-m.done
	}
	log.Printf("supervisor: all runners stopped")
}
