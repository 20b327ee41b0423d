package strategy

import "encoding/json"

// Signal actions. EXIT closes any open position regardless of direction.
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
	ActionHold = "HOLD"
	ActionExit = "EXIT"
)

// Signal is a decision emitted by a strategy instance. StopLoss and TakeProfit
// are optional price levels; zero means not set.
type Signal struct {
	SubscriptionID string
	Action         string // BUY, SELL, HOLD, EXIT
	Symbol         string
	Size           float64
	StopLoss       float64
	TakeProfit     float64
	Note           string
}

// OrderUpdate notifies a strategy about the lifecycle of an order it caused.
type OrderUpdate struct {
	OrderID   string
	Symbol    string
	Side      string
	Status    string // SUBMITTED, PARTIALLY_FILLED, FILLED, CANCELLED, REJECTED
	FilledQty float64
	AvgPrice  float64
}

// Strategy is a single deterministic decision unit. Implementations hold
// per-instance state only; the runner guarantees OnTick and OnOrderUpdate are
// never called concurrently.
type Strategy interface {
	// ID returns the unique instance ID.
	ID() string
	// Name returns the human-readable name.
	Name() string
	// OnTick processes a price update. A nil Signal means no decision.
	OnTick(symbol string, price float64) (*Signal, error)
	// OnOrderUpdate informs the strategy about fills, rejections and cancels.
	OnOrderUpdate(u OrderUpdate)

	// GetState returns the serializable state of the strategy.
	GetState() (json.RawMessage, error)
	// SetState restores the state of the strategy.
	SetState(data json.RawMessage) error
}
