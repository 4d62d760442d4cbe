// Package executor owns the order lifecycle between the risk manager's
// approval and the broker's terminal report: bounded-retry submission,
// best-effort cancellation, and per-cycle monitoring of every tracked
// order.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openquant/turtle/internal/audit"
	"github.com/openquant/turtle/internal/broker"
	"github.com/openquant/turtle/internal/observ"
	"github.com/openquant/turtle/internal/order"
)

// ReportHandler receives exactly one ExecutionReport per order that
// reaches a terminal state with fills.
type ReportHandler func(order.ExecutionReport)

// Statistics summarizes tracked orders.
type Statistics struct {
	Total     int     `json:"total"`
	Filled    int     `json:"filled"`
	Canceled  int     `json:"canceled"`
	Rejected  int     `json:"rejected"`
	Pending   int     `json:"pending"`
	FillRate  float64 `json:"fill_rate_pct"`
}

// Executor submits, tracks, cancels and reconciles orders against the
// broker boundary. The driver goroutine is the only mutator; the mutex
// covers reads from tests and summaries.
type Executor struct {
	broker      broker.Broker
	audit       audit.Logger
	sessionID   string
	retry       order.RetryPolicy
	callTimeout time.Duration
	onReport    ReportHandler

	mu        sync.Mutex
	tracked   map[string]*order.Order // broker id -> local view
	completed map[string]time.Time    // broker id -> completion seen at
}

// New creates an executor. A zero retry policy falls back to the
// default three attempts five seconds apart.
func New(b broker.Broker, sink audit.Logger, sessionID string, retry order.RetryPolicy) *Executor {
	if retry.MaxAttempts <= 0 {
		retry = order.DefaultRetryPolicy()
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Executor{
		broker:      b,
		audit:       sink,
		sessionID:   sessionID,
		retry:       retry,
		callTimeout: 10 * time.Second,
		tracked:     map[string]*order.Order{},
		completed:   map[string]time.Time{},
	}
}

// SetReportHandler registers the sink for execution reports (the ledger
// or the live driver's fill application).
func (e *Executor) SetReportHandler(h ReportHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onReport = h
}

// SubmitMarketOrder builds and submits a market order.
func (e *Executor) SubmitMarketOrder(ctx context.Context, ticker string, side order.Side, quantity int, signalID string) (*order.Order, error) {
	o := order.New(ticker, side, order.TypeMarket, quantity)
	o.SignalID = signalID
	return e.SubmitOrder(ctx, o)
}

// SubmitStopLossOrder builds and submits a stop order on the closing side.
func (e *Executor) SubmitStopLossOrder(ctx context.Context, ticker string, side order.Side, quantity int, stopPrice float64) (*order.Order, error) {
	o := order.New(ticker, side, order.TypeStop, quantity)
	o.StopPrice = stopPrice
	return e.SubmitOrder(ctx, o)
}

// SubmitOrder sends the order with bounded retry. Exhausting retries
// marks the order Rejected locally, logs a risk event, and returns the
// broker error; it never panics and never hangs past
// MaxAttempts*(timeout+delay).
func (e *Executor) SubmitOrder(ctx context.Context, o *order.Order) (*order.Order, error) {
	var lastErr error

	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		submitted, err := e.broker.SubmitOrder(callCtx, o)
		cancel()

		if err == nil {
			o.ID = submitted.ID
			if transErr := o.Transition(order.StatusSubmitted); transErr != nil {
				observ.Warn("order_transition_rejected", map[string]any{"order": o.ClientOrderID, "error": transErr.Error()})
			}

			e.mu.Lock()
			local := *o
			e.tracked[o.ID] = &local
			e.mu.Unlock()

			e.audit.LogOrder(e.sessionID, *o, fmt.Sprintf("submitted (attempt %d)", attempt))
			observ.Log("order_submitted", map[string]any{
				"order":   o.ID,
				"ticker":  o.Ticker,
				"side":    string(o.Side),
				"qty":     o.Quantity,
				"attempt": attempt,
			})
			observ.IncCounter("orders_submitted_total", map[string]string{"side": string(o.Side)})
			return o, nil
		}

		lastErr = err
		observ.Warn("order_submit_attempt_failed", map[string]any{
			"ticker":  o.Ticker,
			"attempt": attempt,
			"error":   err.Error(),
		})
		if attempt < e.retry.MaxAttempts {
			select {
			case <-time.After(e.retry.Delay):
			case <-ctx.Done():
				lastErr = broker.NewError("submit_order", ctx.Err())
				attempt = e.retry.MaxAttempts // stop retrying
			}
		}
	}

	// Retries exhausted: terminal local status, logged, never raised.
	if transErr := o.Transition(order.StatusRejected); transErr != nil {
		observ.Warn("order_transition_rejected", map[string]any{"order": o.ClientOrderID, "error": transErr.Error()})
	}
	e.audit.LogOrder(e.sessionID, *o, fmt.Sprintf("submission failed after %d attempts: %v", e.retry.MaxAttempts, lastErr))
	e.audit.LogRiskEvent(audit.RiskEventRecord{
		SessionID: e.sessionID,
		EventType: "ORDER_SUBMIT_FAILED",
		Severity:  "high",
		Message:   fmt.Sprintf("submission for %s failed after %d attempts: %v", o.Ticker, e.retry.MaxAttempts, lastErr),
		Ticker:    o.Ticker,
		OrderID:   o.ClientOrderID,
	})
	observ.IncCounter("orders_submit_exhausted_total", nil)
	return o, lastErr
}

// CancelOrder is best-effort: failures are logged and reported as false,
// never raised.
func (e *Executor) CancelOrder(ctx context.Context, id string) bool {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	ok, err := e.broker.CancelOrder(callCtx, id)
	if err != nil {
		observ.Warn("order_cancel_failed", map[string]any{"order": id, "error": err.Error()})
		return false
	}
	if !ok {
		return false
	}

	e.mu.Lock()
	if local, exists := e.tracked[id]; exists && !local.IsComplete() {
		if err := local.Transition(order.StatusCanceled); err == nil {
			e.completed[id] = time.Now()
			e.audit.LogOrder(e.sessionID, *local, "canceled")
		}
	}
	e.mu.Unlock()

	observ.IncCounter("orders_canceled_total", nil)
	return true
}

// CancelAll cancels every tracked non-terminal order and returns how
// many cancellations the broker accepted. Used by clean shutdown and by
// the emergency stop.
func (e *Executor) CancelAll(ctx context.Context) int {
	e.mu.Lock()
	ids := make([]string, 0, len(e.tracked))
	for id, o := range e.tracked {
		if !o.IsComplete() {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	canceled := 0
	for _, id := range ids {
		if e.CancelOrder(ctx, id) {
			canceled++
		}
	}
	return canceled
}

// MonitorOrders polls every non-terminal tracked order once, adopts the
// broker's view, and emits exactly one ExecutionReport per order on its
// first transition into a terminal state.
func (e *Executor) MonitorOrders(ctx context.Context) []order.ExecutionReport {
	e.mu.Lock()
	ids := make([]string, 0, len(e.tracked))
	for id, o := range e.tracked {
		if !o.IsComplete() {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	var reports []order.ExecutionReport
	for _, id := range ids {
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		remote, err := e.broker.GetOrder(callCtx, id)
		cancel()
		if err != nil {
			observ.Warn("order_poll_failed", map[string]any{"order": id, "error": err.Error()})
			continue
		}
		if remote == nil {
			observ.Warn("order_unknown_at_broker", map[string]any{"order": id})
			continue
		}
		if report, emitted := e.adoptRemote(id, remote); emitted {
			reports = append(reports, report)
		}
	}
	return reports
}

// adoptRemote applies the broker's view of one order to the local copy.
// Returns the execution report if this poll completed the order with
// fills.
func (e *Executor) adoptRemote(id string, remote *order.Order) (order.ExecutionReport, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	local, exists := e.tracked[id]
	if !exists || local.IsComplete() {
		return order.ExecutionReport{}, false
	}

	statusChanged := local.Status != remote.Status
	local.FilledQty = remote.FilledQty
	local.FilledPrice = remote.FilledPrice
	local.FilledAt = remote.FilledAt
	local.Commission = remote.Commission
	if statusChanged {
		if err := local.Transition(remote.Status); err != nil {
			// Broker truth wins even when our table disagrees.
			observ.Warn("order_status_reconciled", map[string]any{
				"order": id, "local": string(local.Status), "broker": string(remote.Status),
			})
			local.Status = remote.Status
		}
		e.audit.LogOrder(e.sessionID, *local, "status "+string(local.Status))
	}

	if !local.IsComplete() {
		return order.ExecutionReport{}, false
	}
	e.completed[id] = time.Now()
	observ.IncCounter("orders_completed_total", map[string]string{"status": string(local.Status)})

	if local.FilledQty == 0 {
		return order.ExecutionReport{}, false
	}
	report := order.ExecutionReport{
		OrderID:     id,
		ExecutionID: uuid.NewString(),
		Ticker:      local.Ticker,
		Side:        local.Side,
		Quantity:    local.FilledQty,
		Price:       local.FilledPrice,
		Commission:  local.Commission,
		Timestamp:   local.FilledAt,
	}
	e.audit.LogExecution(e.sessionID, report)
	if e.onReport != nil {
		e.onReport(report)
	}
	return report, true
}

// ActiveOrders returns copies of non-terminal orders, optionally
// filtered by ticker.
func (e *Executor) ActiveOrders(ticker string) []order.Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []order.Order
	for _, o := range e.tracked {
		if o.IsComplete() {
			continue
		}
		if ticker != "" && o.Ticker != ticker {
			continue
		}
		out = append(out, *o)
	}
	return out
}

// PendingOrdersValue conservatively estimates the notional of
// non-terminal orders on one side.
func (e *Executor) PendingOrdersValue(side order.Side) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := 0.0
	for _, o := range e.tracked {
		if o.IsComplete() || o.Side != side {
			continue
		}
		price := o.LimitPrice
		if price == 0 {
			price = o.FilledPrice
		}
		total += price * float64(o.Quantity)
	}
	return total
}

// CleanupCompleted drops terminal orders older than the given age and
// returns how many were removed.
func (e *Executor) CleanupCompleted(olderThan time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, at := range e.completed {
		if at.Before(cutoff) {
			delete(e.tracked, id)
			delete(e.completed, id)
			removed++
		}
	}
	return removed
}

// Stats summarizes tracked orders for driver reporting.
func (e *Executor) Stats() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()

	var s Statistics
	for _, o := range e.tracked {
		s.Total++
		switch {
		case o.IsFilled():
			s.Filled++
		case o.Status == order.StatusCanceled:
			s.Canceled++
		case o.Status == order.StatusRejected:
			s.Rejected++
		case !o.IsComplete():
			s.Pending++
		}
	}
	if s.Total > 0 {
		s.FillRate = float64(s.Filled) / float64(s.Total) * 100
	}
	return s
}
