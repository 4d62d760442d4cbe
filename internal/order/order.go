package order

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Side is the order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the closing side for a position opened on this side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Type is the order type.
type Type string

const (
	TypeMarket       Type = "market"
	TypeLimit        Type = "limit"
	TypeStop         Type = "stop"
	TypeStopLimit    Type = "stop_limit"
	TypeTrailingStop Type = "trailing_stop"
)

// Status is the order lifecycle status.
type Status string

const (
	StatusPending         Status = "pending"
	StatusSubmitted       Status = "submitted"
	StatusAccepted        Status = "accepted"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
	StatusCanceled        Status = "canceled"
	StatusRejected        Status = "rejected"
	StatusExpired         Status = "expired"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// transitions encodes the legal forward edges of the lifecycle.
// Pending → Submitted → Accepted → PartiallyFilled → Filled, with
// cancel/reject/expire reachable from any non-terminal post-submit state.
var transitions = map[Status][]Status{
	StatusPending:         {StatusSubmitted, StatusRejected},
	StatusSubmitted:       {StatusAccepted, StatusPartiallyFilled, StatusFilled, StatusCanceled, StatusRejected, StatusExpired},
	StatusAccepted:        {StatusPartiallyFilled, StatusFilled, StatusCanceled, StatusRejected, StatusExpired},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCanceled, StatusRejected, StatusExpired},
}

func (s Status) canTransitionTo(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is one tracked order. ID is broker-assigned on submission;
// ClientOrderID is the client-side idempotency id assigned at creation.
type Order struct {
	ID            string    `json:"id"`
	ClientOrderID string    `json:"client_order_id"`
	Ticker        string    `json:"ticker"`
	Side          Side      `json:"side"`
	Type          Type      `json:"type"`
	Quantity      int       `json:"quantity"`
	LimitPrice    float64   `json:"limit_price,omitempty"`
	StopPrice     float64   `json:"stop_price,omitempty"`
	TimeInForce   string    `json:"time_in_force"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	SubmittedAt   time.Time `json:"submitted_at,omitempty"`
	FilledAt      time.Time `json:"filled_at,omitempty"`
	FilledPrice   float64   `json:"filled_price,omitempty"`
	FilledQty     int       `json:"filled_qty"`
	Commission    float64   `json:"commission,omitempty"`
	SignalID      string    `json:"signal_id,omitempty"`
}

// New creates a pending order with a fresh client order id.
func New(ticker string, side Side, orderType Type, quantity int) *Order {
	return &Order{
		ClientOrderID: uuid.NewString(),
		Ticker:        ticker,
		Side:          side,
		Type:          orderType,
		Quantity:      quantity,
		TimeInForce:   "day",
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
	}
}

// IsComplete reports whether the order reached any terminal status.
func (o *Order) IsComplete() bool { return o.Status.IsTerminal() }

// IsFilled reports whether the order is fully filled.
func (o *Order) IsFilled() bool { return o.Status == StatusFilled }

// RemainingQty returns the unfilled share count.
func (o *Order) RemainingQty() int { return o.Quantity - o.FilledQty }

// FillValue is filled quantity times the weighted fill price.
func (o *Order) FillValue() float64 {
	return o.FilledPrice * float64(o.FilledQty)
}

// Transition moves the order to a new status. Moves out of a terminal
// status are rejected so completed orders stay immutable.
func (o *Order) Transition(to Status) error {
	if o.Status == to {
		return nil
	}
	if o.Status.IsTerminal() {
		return fmt.Errorf("order %s: illegal transition %s -> %s: order is complete", o.ClientOrderID, o.Status, to)
	}
	if !o.Status.canTransitionTo(to) {
		return fmt.Errorf("order %s: illegal transition %s -> %s", o.ClientOrderID, o.Status, to)
	}
	o.Status = to
	switch to {
	case StatusSubmitted:
		o.SubmittedAt = time.Now().UTC()
	case StatusFilled:
		if o.FilledAt.IsZero() {
			o.FilledAt = time.Now().UTC()
		}
	}
	return nil
}

// ApplyFill records a (possibly partial) fill, accumulating the weighted
// average filled price. The order stays partially_filled until quantity
// is complete.
func (o *Order) ApplyFill(qty int, price float64, at time.Time) error {
	if qty <= 0 {
		return fmt.Errorf("order %s: fill qty must be positive, got %d", o.ClientOrderID, qty)
	}
	if o.Status.IsTerminal() {
		return fmt.Errorf("order %s: fill on completed order", o.ClientOrderID)
	}
	if o.FilledQty+qty > o.Quantity {
		return fmt.Errorf("order %s: fill %d exceeds remaining %d", o.ClientOrderID, qty, o.RemainingQty())
	}

	prevValue := o.FilledPrice * float64(o.FilledQty)
	o.FilledQty += qty
	o.FilledPrice = (prevValue + price*float64(qty)) / float64(o.FilledQty)

	if o.FilledQty == o.Quantity {
		o.FilledAt = at
		return o.Transition(StatusFilled)
	}
	return o.Transition(StatusPartiallyFilled)
}

// ExecutionReport is emitted exactly once when a tracked order first
// reaches a terminal state with fills.
type ExecutionReport struct {
	OrderID     string    `json:"order_id"`
	ExecutionID string    `json:"execution_id"`
	Ticker      string    `json:"ticker"`
	Side        Side      `json:"side"`
	Quantity    int       `json:"quantity"`
	Price       float64   `json:"price"`
	Commission  float64   `json:"commission"`
	Timestamp   time.Time `json:"timestamp"`
}

// Value is the executed notional.
func (r ExecutionReport) Value() float64 {
	return r.Price * float64(r.Quantity)
}

// RetryPolicy bounds the execution adapter's submit retries.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy matches the broker adapter defaults used elsewhere
// in the repo: three attempts, five seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Delay: 5 * time.Second}
}
