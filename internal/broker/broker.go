package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/openquant/turtle/internal/order"
)

// Error wraps any network/API failure at the broker boundary. Callers
// retry a bounded number of times and then surface a risk event; a
// broker error is never a crash.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err as a broker boundary failure.
func NewError(op string, err error) error {
	return &Error{Op: op, Err: err}
}

// IsBrokerError reports whether err originated at the broker boundary.
// Context timeouts on broker calls count: a stalled broker is a broker
// failure, not a caller bug.
func IsBrokerError(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Position is a holding as the broker reports it. During reconciliation
// this is the truth local state yields to.
type Position struct {
	Ticker        string  `json:"ticker"`
	Quantity      int     `json:"quantity"` // negative for short
	AvgEntryPrice float64 `json:"avg_entry_price"`
	CurrentPrice  float64 `json:"current_price"`
	MarketValue   float64 `json:"market_value"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// AccountInfo is the broker's view of the trading account.
type AccountInfo struct {
	AccountID        string  `json:"account_id"`
	Equity           float64 `json:"equity"`
	Cash             float64 `json:"cash"`
	BuyingPower      float64 `json:"buying_power"`
	PortfolioValue   float64 `json:"portfolio_value"`
	LongMarketValue  float64 `json:"long_market_value"`
	ShortMarketValue float64 `json:"short_market_value"`
	DayTradeCount    int     `json:"day_trade_count"`
	PatternDayTrader bool    `json:"pattern_day_trader"`
	TradingBlocked   bool    `json:"trading_blocked"`
	AccountBlocked   bool    `json:"account_blocked"`
}

// Broker is the execution boundary. Every call is blocking network I/O
// from the driver's perspective; callers attach timeouts via ctx.
type Broker interface {
	// SubmitOrder sends the order and returns it with the
	// broker-assigned id and updated status.
	SubmitOrder(ctx context.Context, o *order.Order) (*order.Order, error)
	// CancelOrder requests cancellation; false means the broker
	// declined (already filled, unknown id).
	CancelOrder(ctx context.Context, id string) (bool, error)
	// GetOrder returns the broker's current view of the order, or nil
	// if the broker does not know it.
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetAccount(ctx context.Context) (AccountInfo, error)
	IsMarketOpen(ctx context.Context) (bool, error)
}
