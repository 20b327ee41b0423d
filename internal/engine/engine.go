// Package engine is the composition root for live trading and simulation:
// it owns the supervisor, risk manager, kill switch and job execution, and
// is the only surface the API layer talks to.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"quantcore/internal/backtest"
	"quantcore/internal/coord"
	"quantcore/internal/events"
	"quantcore/internal/killswitch"
	"quantcore/internal/market"
	"quantcore/internal/optimize"
	"quantcore/internal/risk"
	"quantcore/internal/runner"
	"quantcore/internal/strategy"
	"quantcore/internal/supervisor"
	"quantcore/pkg/db"
)

// Engine ties the live execution path and the simulation path together.
type Engine struct {
	cfg        Config
	database   *db.Database
	queries    *db.Queries
	bus        *events.Bus
	killSwitch *killswitch.Switch
	riskMgr    *risk.Manager
	accounts   *accountBook
	sup        *supervisor.Supervisor
	backtests  *backtest.Engine
	optimizer  *optimize.Optimizer

	mu          sync.Mutex
	running     bool
	startedAt   time.Time
	desired     map[string]runner.Subscription
	stopWatch   context.CancelFunc
	brokerCfg   map[string]map[string]string
	historyRows int
}

// New wires the engine. The supervisor builds adapters through the broker
// registry; per-venue settings come from cfg via SetBrokerSettings.
func New(database *db.Database, store coord.Store, bus *events.Bus, cfg Config) *Engine {
	if cfg.DefaultCapital <= 0 {
		cfg.DefaultCapital = 10000
	}
	if cfg.BacktestHistory <= 0 {
		cfg.BacktestHistory = 50
	}

	queries := database.Queries()
	ks := killswitch.New(store, bus)
	riskMgr := risk.NewManager(ks, bus, cfg.RiskLimits)
	accounts := newAccountBook(queries, cfg.DefaultCapital)
	deps := runner.Deps{
		Risk:       riskMgr,
		KillSwitch: ks,
		Accounts:   accounts,
		Bus:        bus,
		Queries:    queries,
	}
	candles := market.NewCandleStore(database.DB)
	bt := backtest.NewEngine(candles)

	return &Engine{
		cfg:         cfg,
		database:    database,
		queries:     queries,
		bus:         bus,
		killSwitch:  ks,
		riskMgr:     riskMgr,
		accounts:    accounts,
		sup:         supervisor.New(store, bus, deps, nil, supervisor.Options{}),
		backtests:   bt,
		optimizer:   optimize.New(bt),
		desired:     make(map[string]runner.Subscription),
		brokerCfg:   make(map[string]map[string]string),
		historyRows: cfg.BacktestHistory,
	}
}

// SetBrokerSettings installs per-venue adapter settings (API keys etc).
// Must be called before Start.
func (e *Engine) SetBrokerSettings(venue string, settings map[string]string) {
	e.mu.Lock()
	e.brokerCfg[venue] = settings
	e.mu.Unlock()
}

// Start loads the desired subscription set and brings runners up.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.startedAt = time.Now()
	watchCtx, cancel := context.WithCancel(context.Background())
	e.stopWatch = cancel
	e.mu.Unlock()

	if e.cfg.SubscriptionsFile != "" {
		configs, err := strategy.LoadSubscriptions(e.cfg.SubscriptionsFile)
		if err != nil {
			e.abort()
			return fmt.Errorf("load subscriptions: %w", err)
		}
		if err := strategy.SyncSubscriptionsToDB(e.database.DB, configs); err != nil {
			e.abort()
			return fmt.Errorf("sync subscriptions: %w", err)
		}
		for _, cfg := range configs {
			if !cfg.IsActive {
				continue
			}
			sub, err := e.toRunnerSub(cfg)
			if err != nil {
				e.abort()
				return err
			}
			e.mu.Lock()
			e.desired[sub.ID] = sub
			e.mu.Unlock()
		}
	}

	go e.sup.Watch(watchCtx)
	go e.watchMarks(watchCtx)
	e.reconcile(ctx)
	log.Printf("engine: started with %d subscriptions, owner %s", len(e.desired), e.sup.Owner())
	return nil
}

// Stop halts all runners and releases their locks.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.stopWatch
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.sup.Stop()
	log.Printf("engine: stopped")
}

func (e *Engine) abort() {
	e.mu.Lock()
	e.running = false
	cancel := e.stopWatch
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// watchMarks keeps the account book's mark prices current from runner ticks
// so risk snapshots value open positions at the market, not at cost.
func (e *Engine) watchMarks(ctx context.Context) {
	ch, unsub := e.bus.Subscribe(events.EventMarketTick, 256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if tick, ok := msg.(market.Tick); ok {
				e.accounts.SetMark(tick.Symbol, tick.Price)
			}
		}
	}
}

func (e *Engine) toRunnerSub(cfg strategy.SubscriptionConfig) (runner.Subscription, error) {
	params, err := cfg.Params()
	if err != nil {
		return runner.Subscription{}, fmt.Errorf("subscription %s: %w", cfg.ID, err)
	}
	e.mu.Lock()
	settings := e.brokerCfg[cfg.Broker]
	e.mu.Unlock()
	return runner.Subscription{
		ID:             cfg.ID,
		Account:        cfg.Account,
		StrategyType:   cfg.Type,
		Symbol:         cfg.Symbol,
		Interval:       cfg.Interval,
		Broker:         cfg.Broker,
		BrokerSettings: settings,
		Params:         params,
	}, nil
}

func (e *Engine) reconcile(ctx context.Context) {
	e.mu.Lock()
	subs := make([]runner.Subscription, 0, len(e.desired))
	for _, sub := range e.desired {
		subs = append(subs, sub)
	}
	e.mu.Unlock()
	e.sup.Reconcile(ctx, subs)
}

// StartSubscription adds one subscription to the desired set.
func (e *Engine) StartSubscription(ctx context.Context, cfg strategy.SubscriptionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	sub, err := e.toRunnerSub(cfg)
	if err != nil {
		return err
	}
	if err := strategy.SyncSubscriptionsToDB(e.database.DB, []strategy.SubscriptionConfig{cfg}); err != nil {
		return fmt.Errorf("persist subscription: %w", err)
	}

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine is not running")
	}
	e.desired[sub.ID] = sub
	e.mu.Unlock()

	e.reconcile(ctx)
	return nil
}

// StopSubscription removes one subscription from the desired set.
func (e *Engine) StopSubscription(ctx context.Context, id string) error {
	e.mu.Lock()
	if _, ok := e.desired[id]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("unknown subscription %s", id)
	}
	delete(e.desired, id)
	e.mu.Unlock()

	e.reconcile(ctx)
	return nil
}

// Status reports the engine and every runner it manages.
func (e *Engine) Status() Status {
	e.mu.Lock()
	running := e.running
	startedAt := e.startedAt
	n := len(e.desired)
	e.mu.Unlock()

	return Status{
		Running:       running,
		StartedAt:     startedAt,
		Owner:         e.sup.Owner(),
		Subscriptions: n,
		Runners:       e.sup.Runners(),
	}
}

// Runners reports per-runner health.
func (e *Engine) Runners() []runner.Health { return e.sup.Runners() }

// Positions returns the persisted positions for an account.
func (e *Engine) Positions(ctx context.Context, account string) ([]db.Position, error) {
	return e.queries.PositionsByAccount(ctx, account)
}

// Orders returns recent orders for an account.
func (e *Engine) Orders(ctx context.Context, account string, limit int) ([]db.Order, error) {
	return e.queries.OrdersByAccount(ctx, account, limit)
}

// Trades returns recent fills for an account.
func (e *Engine) Trades(ctx context.Context, account string, limit int) ([]db.Trade, error) {
	return e.queries.TradesByAccount(ctx, account, limit)
}

// RoundTrips returns recently closed position cycles for an account.
func (e *Engine) RoundTrips(ctx context.Context, account string, limit int) ([]db.RoundTrip, error) {
	return e.queries.RoundTripsByAccount(ctx, account, limit)
}

// TripKillSwitch manually halts a scope ("global" or an account).
func (e *Engine) TripKillSwitch(ctx context.Context, scope, reason string) error {
	return e.killSwitch.Trip(ctx, scope, reason)
}

// ResetKillSwitch re-enables a halted scope; authorizedBy is required.
func (e *Engine) ResetKillSwitch(ctx context.Context, scope, authorizedBy string) error {
	return e.killSwitch.Reset(ctx, scope, authorizedBy)
}

// KillSwitch reports the flag state for a scope.
func (e *Engine) KillSwitch(ctx context.Context, scope string) (KillSwitchState, error) {
	flag, err := e.killSwitch.State(ctx, scope)
	if err != nil {
		return KillSwitchState{}, err
	}
	return KillSwitchState{
		Scope:   scope,
		Tripped: flag.Set,
		Reason:  flag.Reason,
		By:      flag.By,
		At:      flag.At,
	}, nil
}

// SubmitBacktest queues a run and returns its ID immediately. The result is
// persisted when the run completes.
func (e *Engine) SubmitBacktest(ctx context.Context, req backtest.Request) (string, error) {
	id := uuid.NewString()
	params, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	if err := e.queries.CreateBacktestRun(ctx, db.BacktestRun{
		ID:           id,
		StrategyType: req.StrategyType,
		Symbol:       req.Symbol,
		Interval:     req.Interval,
		Parameters:   string(params),
		StartTime:    req.Start,
		EndTime:      req.End,
		Status:       "RUNNING",
	}); err != nil {
		return "", err
	}

	go func() {
		res, err := e.backtests.Run(context.Background(), req)
		e.finishRun(id, res, err)
	}()
	return id, nil
}

// SubmitOptimization queues a Monte Carlo job; results land in the same run
// store as backtests.
func (e *Engine) SubmitOptimization(ctx context.Context, req optimize.Request) (string, error) {
	id := uuid.NewString()
	params, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	if err := e.queries.CreateBacktestRun(ctx, db.BacktestRun{
		ID:           id,
		StrategyType: req.StrategyType,
		Symbol:       req.Symbol,
		Interval:     req.Interval,
		Parameters:   string(params),
		StartTime:    req.Start,
		EndTime:      req.End,
		Status:       "RUNNING",
	}); err != nil {
		return "", err
	}

	go func() {
		results, err := e.optimizer.Optimize(context.Background(), req)
		e.finishRun(id, results, err)
	}()
	return id, nil
}

func (e *Engine) finishRun(id string, result any, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if runErr != nil {
		log.Printf("engine: run %s failed: %v", id, runErr)
		if err := e.queries.FinishBacktestRun(ctx, id, "FAILED", "", runErr.Error()); err != nil {
			log.Printf("engine: persist run %s failure: %v", id, err)
		}
		return
	}
	blob, err := json.Marshal(result)
	if err != nil {
		log.Printf("engine: encode run %s result: %v", id, err)
		e.queries.FinishBacktestRun(ctx, id, "FAILED", "", err.Error())
		return
	}
	if err := e.queries.FinishBacktestRun(ctx, id, "DONE", string(blob), ""); err != nil {
		log.Printf("engine: persist run %s: %v", id, err)
	}
}

// GetRun returns a backtest or optimization run by ID.
func (e *Engine) GetRun(ctx context.Context, id string) (*db.BacktestRun, error) {
	return e.queries.GetBacktestRun(ctx, id)
}

// ListRuns returns recent runs, newest first.
func (e *Engine) ListRuns(ctx context.Context) ([]db.BacktestRun, error) {
	return e.queries.ListBacktestRuns(ctx, e.historyRows)
}
