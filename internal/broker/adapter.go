// Package broker defines the venue abstraction: every execution target,
// real or simulated, is reached through the same Adapter contract.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quantcore/internal/market"
)

// Order sides and types.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	TypeMarket = "MARKET"
	TypeLimit  = "LIMIT"
)

// Order lifecycle statuses as reported by adapters.
const (
	StatusSubmitted       = "SUBMITTED"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCancelled       = "CANCELLED"
	StatusRejected        = "REJECTED"
)

var (
	// ErrTerminal is returned when cancelling an order that is already
	// filled, cancelled or rejected.
	ErrTerminal = errors.New("broker: order already in terminal state")
	// ErrUnknownOrder is returned for operations on order IDs the venue
	// has never seen.
	ErrUnknownOrder = errors.New("broker: unknown order")
)

// TransientError marks a failure worth retrying: timeouts, disconnects,
// venue rate limiting. Validation and rejection errors are never wrapped.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is safe to retry.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// OrderRequest is a normalized order intent.
type OrderRequest struct {
	ID             string // client order ID; adapters generate one when empty
	SubscriptionID string
	Account        string
	Symbol         string
	Side           string  // BUY or SELL
	Type           string  // MARKET or LIMIT
	Price          float64 // limit price; ignored for market orders
	Qty            float64
}

// OrderAck acknowledges acceptance of an order by the venue.
type OrderAck struct {
	OrderID     string
	Status      string
	SubmittedAt time.Time
}

// OrderState describes a working or finished order at the venue, used for
// reconciliation after restarts.
type OrderState struct {
	OrderID   string
	Symbol    string
	Side      string
	Type      string
	Price     float64
	Qty       float64
	FilledQty float64
	AvgPrice  float64
	Status    string
}

// Fill is a (possibly partial) execution report. Final marks the fill that
// completes the order.
type Fill struct {
	OrderID string
	Symbol  string
	Side    string
	Qty     float64
	Price   float64
	Fee     float64
	Final   bool
	Ts      time.Time
}

// Position is the venue's view of net exposure in one symbol.
type Position struct {
	Symbol      string
	Qty         float64
	AvgPrice    float64
	RealizedPnL float64
}

// Quote is a point-in-time price.
type Quote struct {
	Symbol string
	Price  float64
	Ts     time.Time
}

// Adapter is implemented once per venue. All methods are safe for use from a
// single runner goroutine; adapters that talk to real venues must be safe for
// concurrent use because reconciliation may query while the runner trades.
type Adapter interface {
	// Name identifies the venue, e.g. "paper" or "binance".
	Name() string
	// Authenticate verifies credentials and connectivity.
	Authenticate(ctx context.Context) error

	// PlaceOrder submits an order. Transient failures are wrapped with
	// Transient so callers can retry; rejections are plain errors.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	// CancelOrder cancels a working order. Fills already in flight are
	// applied first; cancelling a terminal order returns ErrTerminal.
	CancelOrder(ctx context.Context, orderID string) error
	// OpenOrders lists orders still working at the venue.
	OpenOrders(ctx context.Context) ([]OrderState, error)

	// Positions returns current net positions.
	Positions(ctx context.Context) ([]Position, error)
	// Quote returns the latest known price for a symbol.
	Quote(ctx context.Context, symbol string) (Quote, error)

	// StreamMarketData starts a price stream for the symbols. The returned
	// stop function tears the stream down; the channel is closed after stop.
	StreamMarketData(ctx context.Context, symbols []string) (<-chan market.Tick, func(), error)
	// Fills delivers execution reports for orders placed through this adapter.
	Fills() <-chan Fill

	// Close releases venue resources.
	Close() error
}
