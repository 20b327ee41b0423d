package engine

import (
	"time"

	"quantcore/internal/risk"
	"quantcore/internal/runner"
)

// Status is the engine-level view returned to the API layer.
type Status struct {
	Running       bool            `json:"running"`
	StartedAt     time.Time       `json:"started_at"`
	Owner         string          `json:"owner"`
	Subscriptions int             `json:"subscriptions"`
	Runners       []runner.Health `json:"runners"`
}

// KillSwitchState is the flag view for one scope.
type KillSwitchState struct {
	Scope   string    `json:"scope"`
	Tripped bool      `json:"tripped"`
	Reason  string    `json:"reason,omitempty"`
	By      string    `json:"by,omitempty"`
	At      time.Time `json:"at,omitempty"`
}

// Config wires the engine's collaborators and policy.
type Config struct {
	SubscriptionsFile string
	RiskLimits        risk.Config
	DefaultCapital    float64 // per-account starting capital for risk snapshots
	BacktestHistory   int     // rows returned by ListBacktests
}
