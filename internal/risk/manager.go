package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openquant/turtle/internal/audit"
	"github.com/openquant/turtle/internal/broker"
	"github.com/openquant/turtle/internal/executor"
	"github.com/openquant/turtle/internal/observ"
	"github.com/openquant/turtle/internal/order"
	"github.com/openquant/turtle/internal/portfolio"
)

// Severity levels for risk events.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// PriceLookup resolves a reference price for order-value checks on
// market orders, which carry no price of their own.
type PriceLookup func(ticker string) (float64, bool)

// Manager performs pre-trade approval and continuous post-trade
// monitoring, including the latched emergency stop.
type Manager struct {
	mu sync.Mutex

	params    Parameters
	ledger    *portfolio.Ledger
	exec      *executor.Executor
	audit     audit.Logger
	sessionID string
	priceFn   PriceLookup

	emergencyStop   bool
	emergencyReason string
	dailyLoss       float64
	dailyTrades     int
	lastResetDate   string
	exitFired       map[string]bool // ticker -> protective exit already synthesized today
	events          []audit.RiskEventRecord
}

// NewManager validates the parameters and wires the manager to the
// ledger, executor and audit sink it supervises.
func NewManager(params Parameters, ledger *portfolio.Ledger, exec *executor.Executor, sink audit.Logger, sessionID string) (*Manager, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Manager{
		params:        params,
		ledger:        ledger,
		exec:          exec,
		audit:         sink,
		sessionID:     sessionID,
		lastResetDate: time.Now().UTC().Format("2006-01-02"),
		exitFired:     map[string]bool{},
	}, nil
}

// SetPriceLookup registers the reference-price source for market-order
// value checks.
func (m *Manager) SetPriceLookup(fn PriceLookup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priceFn = fn
}

// CheckOrderRisk evaluates the pre-trade rules in order, short-circuiting
// on the first failure. Rejections are advisory (logged, no side effect)
// except that an active emergency stop rejects everything.
func (m *Manager) CheckOrderRisk(o *order.Order, account broker.AccountInfo) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.emergencyStop {
		return false, "Emergency stop activated"
	}

	m.resetDailyCountersLocked(time.Now().UTC())

	if account.Cash < m.params.MinAccountBalance {
		reason := fmt.Sprintf("account balance $%.2f below minimum $%.2f", account.Cash, m.params.MinAccountBalance)
		m.logEventLocked("INSUFFICIENT_BALANCE", SeverityCritical, reason, o.Ticker, o.ClientOrderID, "order rejected")
		return false, reason
	}

	if m.dailyLoss >= m.params.MaxDailyLoss {
		reason := fmt.Sprintf("daily loss $%.2f at limit $%.2f", m.dailyLoss, m.params.MaxDailyLoss)
		m.logEventLocked("DAILY_LOSS_LIMIT", SeverityCritical, reason, o.Ticker, o.ClientOrderID, "order rejected")
		return false, reason
	}

	orderValue := m.orderValueLocked(o)
	if orderValue > m.params.MaxPositionSize {
		reason := fmt.Sprintf("order value $%.2f exceeds position limit $%.2f", orderValue, m.params.MaxPositionSize)
		m.logEventLocked("POSITION_SIZE_LIMIT", SeverityHigh, reason, o.Ticker, o.ClientOrderID, "order rejected")
		return false, reason
	}

	if m.ledger.OpenCount() >= m.params.MaxOpenPositions && !m.isClosingOrderLocked(o) {
		reason := fmt.Sprintf("maximum positions (%d) reached", m.params.MaxOpenPositions)
		m.logEventLocked("MAX_POSITIONS_LIMIT", SeverityMedium, reason, o.Ticker, o.ClientOrderID, "only closing orders allowed")
		return false, reason
	}

	if account.PortfolioValue > 0 && !m.isClosingOrderLocked(o) {
		exposure := (m.ledger.PositionsValue() + orderValue) / account.PortfolioValue
		if exposure > m.params.MaxPortfolioExposure {
			reason := fmt.Sprintf("portfolio exposure %.1f%% exceeds limit %.1f%%", exposure*100, m.params.MaxPortfolioExposure*100)
			m.logEventLocked("PORTFOLIO_EXPOSURE_LIMIT", SeverityHigh, reason, o.Ticker, o.ClientOrderID, "order rejected")
			return false, reason
		}
	}

	if o.Side == order.SideBuy && orderValue > account.BuyingPower {
		reason := fmt.Sprintf("order value $%.2f exceeds buying power $%.2f", orderValue, account.BuyingPower)
		m.logEventLocked("INSUFFICIENT_BUYING_POWER", SeverityMedium, reason, o.Ticker, o.ClientOrderID, "order rejected")
		return false, reason
	}

	observ.IncCounter("risk_checks_passed_total", nil)
	return true, "risk check passed"
}

// MonitorPositions runs once per driver cycle: synthesizes a stop-loss
// order for any position whose unrealized loss fraction breached the
// limit, and warns when aggregate unrealized loss approaches half the
// daily limit. Returns the new risk events.
func (m *Manager) MonitorPositions(ctx context.Context) []audit.RiskEventRecord {
	m.mu.Lock()
	m.resetDailyCountersLocked(time.Now().UTC())
	positions := m.ledger.Positions()
	stopLossPct := m.params.StopLossPct
	takeProfitPct := m.params.TakeProfitPct
	maxDailyLoss := m.params.MaxDailyLoss
	m.mu.Unlock()

	var events []audit.RiskEventRecord

	for _, pos := range positions {
		pnl := pos.UnrealizedPnL()
		basis := pos.CostBasis()
		if basis == 0 {
			continue
		}
		lossFrac := -pnl / basis

		if pnl < 0 && lossFrac >= stopLossPct {
			m.mu.Lock()
			fired := m.exitFired[pos.Ticker]
			if !fired {
				m.exitFired[pos.Ticker] = true
			}
			m.mu.Unlock()
			if fired {
				continue
			}

			reason := fmt.Sprintf("position %s loss %.1f%% breached stop loss %.1f%%", pos.Ticker, lossFrac*100, stopLossPct*100)
			event := m.logEvent("STOP_LOSS_TRIGGERED", SeverityHigh, reason, pos.Ticker, "", "stop order submitted")
			events = append(events, event)

			side := order.SideSell
			if pos.IsShort {
				side = order.SideBuy
			}
			if _, err := m.exec.SubmitStopLossOrder(ctx, pos.Ticker, side, pos.Shares, pos.CurrentPrice); err != nil {
				observ.Error("stop_loss_submit_failed", map[string]any{"ticker": pos.Ticker, "error": err.Error()})
			}
		} else if pnl < -maxDailyLoss/2 {
			reason := fmt.Sprintf("position %s has large unrealized loss $%.2f", pos.Ticker, pnl)
			events = append(events, m.logEvent("LARGE_UNREALIZED_LOSS", SeverityMedium, reason, pos.Ticker, "", ""))
		} else if takeProfitPct > 0 && pnl > 0 && pnl/basis >= takeProfitPct {
			m.mu.Lock()
			fired := m.exitFired[pos.Ticker]
			if !fired {
				m.exitFired[pos.Ticker] = true
			}
			m.mu.Unlock()
			if fired {
				continue
			}

			reason := fmt.Sprintf("position %s gain %.1f%% reached take profit %.1f%%", pos.Ticker, pnl/basis*100, takeProfitPct*100)
			events = append(events, m.logEvent("TAKE_PROFIT_TRIGGERED", SeverityLow, reason, pos.Ticker, "", "market close submitted"))

			side := order.SideSell
			if pos.IsShort {
				side = order.SideBuy
			}
			if _, err := m.exec.SubmitMarketOrder(ctx, pos.Ticker, side, pos.Shares, ""); err != nil {
				observ.Error("take_profit_submit_failed", map[string]any{"ticker": pos.Ticker, "error": err.Error()})
			}
		}
	}

	if total := m.ledger.UnrealizedPnL(); total < -maxDailyLoss/2 {
		reason := fmt.Sprintf("total unrealized loss $%.2f approaching daily limit $%.2f", total, maxDailyLoss)
		events = append(events, m.logEvent("PORTFOLIO_LOSS_WARNING", SeverityHigh, reason, "", "", "monitoring increased"))
	}

	return events
}

// CheckEmergencyConditions latches the emergency stop when the account
// is critically low, aggregate unrealized loss exceeds the daily limit,
// or the broker reports the account blocked. Returns true if the stop
// was (or already is) active.
func (m *Manager) CheckEmergencyConditions(ctx context.Context, account broker.AccountInfo) bool {
	m.mu.Lock()
	active := m.emergencyStop
	minBalance := m.params.MinAccountBalance
	maxDailyLoss := m.params.MaxDailyLoss
	m.mu.Unlock()
	if active {
		return true
	}

	switch {
	case account.Cash < minBalance/2:
		m.ActivateEmergencyStop(ctx, fmt.Sprintf("account balance $%.2f critically low", account.Cash))
		return true
	case m.ledger.UnrealizedPnL() < -maxDailyLoss:
		m.ActivateEmergencyStop(ctx, fmt.Sprintf("total unrealized loss $%.2f exceeds daily limit", m.ledger.UnrealizedPnL()))
		return true
	case account.TradingBlocked || account.AccountBlocked:
		m.ActivateEmergencyStop(ctx, "account trading restrictions detected")
		return true
	}
	return false
}

// ActivateEmergencyStop latches the stop, cancels every non-terminal
// order, and logs a critical event. The flag never self-heals; only
// DeactivateEmergencyStop clears it.
func (m *Manager) ActivateEmergencyStop(ctx context.Context, reason string) {
	m.mu.Lock()
	if m.emergencyStop {
		m.mu.Unlock()
		return
	}
	m.emergencyStop = true
	m.emergencyReason = reason
	m.mu.Unlock()

	canceled := 0
	if m.exec != nil {
		canceled = m.exec.CancelAll(ctx)
	}
	m.logEvent("EMERGENCY_STOP", SeverityCritical, reason, "", "", fmt.Sprintf("all trading halted, %d orders canceled", canceled))
	observ.SetGauge("emergency_stop_active", 1, nil)
	observ.Error("emergency_stop_activated", map[string]any{"reason": reason, "orders_canceled": canceled})
}

// DeactivateEmergencyStop manually clears the latch.
func (m *Manager) DeactivateEmergencyStop(reason string) {
	m.mu.Lock()
	m.emergencyStop = false
	m.emergencyReason = ""
	m.mu.Unlock()

	m.logEvent("EMERGENCY_STOP_CLEARED", SeverityHigh, reason, "", "", "trading resumed")
	observ.SetGauge("emergency_stop_active", 0, nil)
}

// EmergencyStopActive reports the latch state and its reason.
func (m *Manager) EmergencyStopActive() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emergencyStop, m.emergencyReason
}

// RecordRealizedPnL feeds closed-trade P&L into the daily loss counter.
func (m *Manager) RecordRealizedPnL(pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetDailyCountersLocked(time.Now().UTC())
	m.dailyTrades++
	if pnl < 0 {
		m.dailyLoss += -pnl
	}
	observ.SetGauge("risk_daily_loss", m.dailyLoss, nil)
}

// PositionRiskScore rates one open position 0..1 from its unrealized
// loss relative to the stop-loss limit and its size relative to the
// position cap.
func (m *Manager) PositionRiskScore(ticker string) float64 {
	pos, ok := m.ledger.Position(ticker)
	if !ok {
		return 0
	}
	m.mu.Lock()
	stopLossPct := m.params.StopLossPct
	maxSize := m.params.MaxPositionSize
	m.mu.Unlock()

	score := 0.0
	if basis := pos.CostBasis(); basis > 0 && pos.UnrealizedPnL() < 0 {
		lossFrac := -pos.UnrealizedPnL() / basis
		if stopLossPct > 0 {
			score += 0.7 * min(lossFrac/stopLossPct, 1)
		}
	}
	if maxSize > 0 {
		score += 0.3 * min(pos.MarketValue()/maxSize, 1)
	}
	return min(score, 1)
}

// Events returns a copy of all recorded risk events.
func (m *Manager) Events() []audit.RiskEventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audit.RiskEventRecord, len(m.events))
	copy(out, m.events)
	return out
}

// Summary reports current risk state for driver logs.
func (m *Manager) Summary() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"emergency_stop": m.emergencyStop,
		"daily_loss":     m.dailyLoss,
		"daily_trades":   m.dailyTrades,
		"events":         len(m.events),
	}
}

func (m *Manager) orderValueLocked(o *order.Order) float64 {
	price := o.LimitPrice
	if price == 0 {
		price = o.StopPrice
	}
	if price == 0 && m.priceFn != nil {
		if p, ok := m.priceFn(o.Ticker); ok {
			price = p
		}
	}
	return price * float64(o.Quantity)
}

// isClosingOrderLocked: an order that reduces an existing position on
// the opposite side is always allowed through position-count limits.
func (m *Manager) isClosingOrderLocked(o *order.Order) bool {
	pos, ok := m.ledger.Position(o.Ticker)
	if !ok {
		return false
	}
	if pos.IsShort {
		return o.Side == order.SideBuy
	}
	return o.Side == order.SideSell
}

func (m *Manager) resetDailyCountersLocked(now time.Time) {
	today := now.Format("2006-01-02")
	if today == m.lastResetDate {
		return
	}
	m.lastResetDate = today
	m.dailyLoss = 0
	m.dailyTrades = 0
	m.exitFired = map[string]bool{}
}

func (m *Manager) logEvent(eventType, severity, message, ticker, orderID, action string) audit.RiskEventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logEventLocked(eventType, severity, message, ticker, orderID, action)
}

func (m *Manager) logEventLocked(eventType, severity, message, ticker, orderID, action string) audit.RiskEventRecord {
	event := audit.RiskEventRecord{
		SessionID:   m.sessionID,
		EventType:   eventType,
		Severity:    severity,
		Message:     message,
		Ticker:      ticker,
		OrderID:     orderID,
		ActionTaken: action,
		Timestamp:   time.Now().UTC(),
	}
	m.events = append(m.events, event)
	m.audit.LogRiskEvent(event)
	observ.IncCounter("risk_events_total", map[string]string{"type": eventType, "severity": severity})
	observ.Warn("risk_event", map[string]any{
		"type":     eventType,
		"severity": severity,
		"message":  message,
		"ticker":   ticker,
	})
	return event
}
