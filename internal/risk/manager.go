// Package risk approves or rejects every order before it reaches a venue.
// Soft limits reject the single order; hard breaches (daily loss, drawdown)
// also trip the kill switch for the account.
package risk

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"

	"quantcore/internal/events"
	"quantcore/internal/killswitch"
)

// Manager evaluates proposed orders against per-account limits.
type Manager struct {
	killSwitch *killswitch.Switch
	bus        *events.Bus

	mu        sync.RWMutex
	defaults  Config
	overrides map[string]Config
}

// NewManager creates a risk manager. bus may be nil.
func NewManager(ks *killswitch.Switch, bus *events.Bus, defaults Config) *Manager {
	return &Manager{
		killSwitch: ks,
		bus:        bus,
		defaults:   defaults,
		overrides:  make(map[string]Config),
	}
}

// SetAccountConfig installs per-account limits overriding the defaults.
func (m *Manager) SetAccountConfig(account string, cfg Config) {
	m.mu.Lock()
	m.overrides[account] = cfg
	m.mu.Unlock()
}

// ConfigFor returns the limits in force for an account.
func (m *Manager) ConfigFor(account string) Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cfg, ok := m.overrides[account]; ok {
		return cfg
	}
	return m.defaults
}

// Evaluate runs the ordered rule chain and stops at the first violation.
// Orders that only reduce exposure skip the capital and position-count
// checks so a capital-starved account can still be flattened.
func (m *Manager) Evaluate(ctx context.Context, order ProposedOrder, snap AccountSnapshot) CheckResult {
	cfg := m.ConfigFor(order.Account)

	// 1. Kill switch. A tripped scope, account or global, halts everything;
	// IsTripped honors the global overlay for account scopes.
	if m.killSwitch != nil && m.killSwitch.IsTripped(ctx, order.Account) {
		return m.reject(order, RuleKillSwitch,
			fmt.Sprintf("trading halted for account %s", order.Account))
	}

	// 2. Order validity.
	if order.Qty <= 0 {
		return m.reject(order, RuleOrderValidity, fmt.Sprintf("invalid quantity %.4f", order.Qty))
	}
	if order.Price <= 0 {
		return m.reject(order, RuleOrderValidity, fmt.Sprintf("invalid price %.4f", order.Price))
	}

	// 3. Available capital.
	if !order.ReducesRisk {
		notional := order.Qty * order.Price
		if notional > snap.Available {
			return m.reject(order, RuleCapital,
				fmt.Sprintf("order notional %.2f exceeds available %.2f", notional, snap.Available))
		}
	}

	// 4. Open position count.
	if !order.ReducesRisk && cfg.MaxOpenPositions > 0 && snap.OpenPositions >= cfg.MaxOpenPositions {
		return m.reject(order, RuleMaxOpenPositions,
			fmt.Sprintf("open positions %d at limit %d", snap.OpenPositions, cfg.MaxOpenPositions))
	}

	// 5. Stop-loss distance.
	if order.StopLoss > 0 && cfg.MaxStopLossPct > 0 {
		dist := math.Abs(order.Price-order.StopLoss) / order.Price
		if dist > cfg.MaxStopLossPct {
			return m.reject(order, RuleMaxStopLoss,
				fmt.Sprintf("stop distance %.2f%% exceeds limit %.2f%%", dist*100, cfg.MaxStopLossPct*100))
		}
	}

	// 6. Daily loss limit. Realized plus unrealized; reaching the limit
	// exactly counts as a breach.
	if cfg.DailyLossLimitPct > 0 && snap.Capital > 0 {
		dayLoss := -(snap.DayRealizedPnL + snap.DayUnrealizedPnL)
		limit := snap.Capital * cfg.DailyLossLimitPct
		if dayLoss >= limit {
			return m.escalate(ctx, order, RuleDailyLossLimit,
				fmt.Sprintf("daily loss %.2f reached limit %.2f", dayLoss, limit))
		}
	}

	// 7. Max drawdown from the equity high water mark.
	if cfg.MaxDrawdownPct > 0 && snap.EquityHighWater > 0 {
		dd := (snap.EquityHighWater - snap.Equity) / snap.EquityHighWater
		if dd >= cfg.MaxDrawdownPct {
			return m.escalate(ctx, order, RuleMaxDrawdown,
				fmt.Sprintf("drawdown %.2f%% reached limit %.2f%%", dd*100, cfg.MaxDrawdownPct*100))
		}
	}

	return approved()
}

// reject records a soft violation: the order dies, trading continues.
func (m *Manager) reject(order ProposedOrder, rule, reason string) CheckResult {
	log.Printf("risk: rejected %s %s for %s: %s", order.Side, order.Symbol, order.Account, reason)
	if m.bus != nil {
		m.bus.Publish(events.EventRiskRejection, map[string]string{
			"account":      order.Account,
			"subscription": order.SubscriptionID,
			"rule":         rule,
			"reason":       reason,
		})
	}
	return rejected(rule, reason)
}

// escalate records a hard breach: the order dies and the account is halted
// until someone resets the kill switch.
func (m *Manager) escalate(ctx context.Context, order ProposedOrder, rule, reason string) CheckResult {
	log.Printf("risk: HARD BREACH %s for %s: %s", rule, order.Account, reason)
	if m.bus != nil {
		m.bus.Publish(events.EventRiskEscalation, map[string]string{
			"account": order.Account,
			"rule":    rule,
			"reason":  reason,
		})
	}
	if m.killSwitch != nil {
		if err := m.killSwitch.Trip(ctx, order.Account, rule+": "+reason); err != nil {
			log.Printf("risk: kill switch trip failed for %s: %v", order.Account, err)
		}
	}
	return rejected(rule, reason)
}
