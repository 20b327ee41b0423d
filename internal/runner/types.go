package runner

import (
	"context"
	"encoding/json"

	"quantcore/internal/risk"
)

// Runner lifecycle states.
const (
	StateStarting = "STARTING"
	StateRunning  = "RUNNING"
	StateDegraded = "DEGRADED"
	StateStopped  = "STOPPED"
	StateFailed   = "FAILED"
)

// Subscription binds one strategy instance to one account, symbol and venue.
type Subscription struct {
	ID             string
	Account        string
	StrategyType   string
	Symbol         string
	Interval       string
	Broker         string
	BrokerSettings map[string]string
	Params         json.RawMessage
}

// AccountSource supplies the account state risk checks are judged against.
type AccountSource interface {
	Snapshot(ctx context.Context, account string) (risk.AccountSnapshot, error)
}

// Health is a point-in-time view of a runner for supervision and the API.
type Health struct {
	SubscriptionID string  `json:"subscription_id"`
	Account        string  `json:"account"`
	Symbol         string  `json:"symbol"`
	State          string  `json:"state"`
	LastHeartbeat  int64   `json:"last_heartbeat_unix_ms"`
	LastPrice      float64 `json:"last_price"`
	PositionQty    float64 `json:"position_qty"`
	Restarts       int     `json:"restarts"`
}
