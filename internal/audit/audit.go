// Package audit is the durable event sink for orders, positions,
// executions, risk events, account snapshots and session lifecycle.
// Every write is fire-and-forget: failures are logged and counted,
// never surfaced to trading logic.
package audit

import (
	"time"

	"github.com/openquant/turtle/internal/broker"
	"github.com/openquant/turtle/internal/order"
	"github.com/openquant/turtle/internal/portfolio"
	"github.com/openquant/turtle/internal/session"
)

// RiskEventRecord is a logged outcome of a risk check or monitoring pass.
type RiskEventRecord struct {
	SessionID   string    `json:"session_id"`
	EventType   string    `json:"event_type"`
	Severity    string    `json:"severity"` // low, medium, high, critical
	Message     string    `json:"message"`
	Ticker      string    `json:"ticker,omitempty"`
	OrderID     string    `json:"order_id,omitempty"`
	ActionTaken string    `json:"action_taken,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Logger is the append-only audit boundary, keyed by session id.
type Logger interface {
	LogOrder(sessionID string, o order.Order, note string)
	LogPosition(sessionID string, p portfolio.Position, note string)
	LogClosedPosition(sessionID string, p portfolio.ClosedPosition)
	LogExecution(sessionID string, r order.ExecutionReport)
	LogRiskEvent(e RiskEventRecord)
	LogAccountSnapshot(sessionID string, a broker.AccountInfo)
	LogSession(s session.Session, note string)
	Close() error
}

// Nop discards everything; the backtest driver's default.
type Nop struct{}

func (Nop) LogOrder(string, order.Order, string)                 {}
func (Nop) LogPosition(string, portfolio.Position, string)       {}
func (Nop) LogClosedPosition(string, portfolio.ClosedPosition)   {}
func (Nop) LogExecution(string, order.ExecutionReport)           {}
func (Nop) LogRiskEvent(RiskEventRecord)                         {}
func (Nop) LogAccountSnapshot(string, broker.AccountInfo)        {}
func (Nop) LogSession(session.Session, string)                   {}
func (Nop) Close() error                                         { return nil }
