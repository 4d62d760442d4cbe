package portfolio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openquant/turtle/internal/observ"
	"github.com/openquant/turtle/internal/signal"
)

var (
	// ErrInsufficientCash means the entry cost would breach the cash reserve.
	ErrInsufficientCash = errors.New("insufficient cash")
	// ErrInvalidQuantity means sizing produced zero or negative shares.
	ErrInvalidQuantity = errors.New("invalid quantity")
	// ErrPositionNotFound means no open position exists for the ticker.
	ErrPositionNotFound = errors.New("position not found")
	// ErrPositionExists means the ticker already has an open position.
	ErrPositionExists = errors.New("position already open")
)

// Ledger is the single source of truth for cash, open positions, closed
// positions and daily snapshots. A driver is the single logical owner;
// the mutex only guards against a concurrent reader observing a torn
// mutation.
type Ledger struct {
	mu sync.RWMutex

	initialCapital float64
	cash           float64
	totalValue     float64
	slippagePct    float64

	sizer     *Sizer
	positions map[string]*Position
	closed    []ClosedPosition
	snapshots []DailySnapshot
}

// NewLedger creates a ledger with the given starting capital and sizer.
func NewLedger(initialCapital float64, sizer *Sizer) *Ledger {
	if sizer == nil {
		sizer = NewSizer(0, 0, 0)
	}
	return &Ledger{
		initialCapital: initialCapital,
		cash:           initialCapital,
		totalValue:     initialCapital,
		sizer:          sizer,
		positions:      make(map[string]*Position),
	}
}

// SetSlippagePct sets the per-position slippage percentage applied on
// close (0.3 means 0.3%).
func (l *Ledger) SetSlippagePct(pct float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slippagePct = pct
}

// OpenPosition sizes and opens a long position for an approved signal.
// At most one open position per ticker; a second open for the same
// ticker is rejected without touching cash.
func (l *Ledger) OpenPosition(sig signal.Signal, entryDate time.Time, entryPrice float64) (*Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.positions[sig.Ticker]; exists {
		return nil, fmt.Errorf("%w: %s", ErrPositionExists, sig.Ticker)
	}

	shares, cost := l.sizer.CalculatePositionSize(entryPrice, l.cash)
	if shares <= 0 {
		return nil, fmt.Errorf("%w: %s at %.2f with cash %.2f", ErrInvalidQuantity, sig.Ticker, entryPrice, l.cash)
	}
	if l.cash-l.sizer.MinCashReserve < cost {
		return nil, fmt.Errorf("%w: need %.2f, have %.2f (reserve %.2f)", ErrInsufficientCash, cost, l.cash, l.sizer.MinCashReserve)
	}

	pos := &Position{
		Ticker:       sig.Ticker,
		EntryDate:    entryDate,
		EntryPrice:   entryPrice,
		Shares:       shares,
		EntryRanking: sig.Ranking,
		CurrentPrice: entryPrice,
		SlippagePct:  l.slippagePct,
	}

	l.cash -= cost
	l.positions[sig.Ticker] = pos
	l.recomputeTotalLocked()

	observ.Log("position_opened", map[string]any{
		"ticker":  sig.Ticker,
		"date":    entryDate.Format("2006-01-02"),
		"price":   entryPrice,
		"shares":  shares,
		"cost":    cost,
		"cash":    l.cash,
		"ranking": sig.Ranking,
	})
	return pos, nil
}

// ClosePosition closes the open position for ticker at the given exit,
// credits cash with the proceeds net of slippage, and appends exactly
// one ClosedPosition.
func (l *Ledger) ClosePosition(ticker string, exitDate time.Time, exitPrice float64, reason string) (ClosedPosition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, exists := l.positions[ticker]
	if !exists {
		return ClosedPosition{}, fmt.Errorf("%w: %s", ErrPositionNotFound, ticker)
	}

	slippage := pos.Slippage(exitPrice)
	proceeds := exitPrice*float64(pos.Shares) - slippage
	pnl := signedPnL(pos.EntryPrice, exitPrice, pos.Shares, pos.IsShort) - slippage

	closed := ClosedPosition{
		Ticker:      ticker,
		EntryDate:   pos.EntryDate,
		EntryPrice:  pos.EntryPrice,
		ExitDate:    exitDate,
		ExitPrice:   exitPrice,
		Shares:      pos.Shares,
		IsShort:     pos.IsShort,
		ExitReason:  reason,
		RealizedPnL: pnl,
		HoldingDays: int(exitDate.Sub(pos.EntryDate).Hours() / 24),
	}
	if basis := pos.CostBasis(); basis != 0 {
		closed.RealizedPnLPct = pnl / basis * 100
	}

	l.cash += proceeds
	delete(l.positions, ticker)
	l.closed = append(l.closed, closed)
	l.recomputeTotalLocked()

	observ.Log("position_closed", map[string]any{
		"ticker":       ticker,
		"date":         exitDate.Format("2006-01-02"),
		"price":        exitPrice,
		"shares":       closed.Shares,
		"realized_pnl": pnl,
		"reason":       reason,
		"cash":         l.cash,
	})
	return closed, nil
}

// ClosePositionWithTrade closes from an exit decision. Same formula,
// same accounting as ClosePosition.
func (l *Ledger) ClosePositionWithTrade(exit signal.Exit) (ClosedPosition, error) {
	return l.ClosePosition(exit.Ticker, exit.Date, exit.Price, exit.Reason)
}

// ReconcileShares forces the open position for ticker to the broker's
// share count. The cash difference settles at the entry price, as if the
// surplus (or missing) shares had never been bought.
func (l *Ledger) ReconcileShares(ticker string, shares int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, exists := l.positions[ticker]
	if !exists {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, ticker)
	}
	if shares <= 0 {
		return fmt.Errorf("%w: %s to %d shares", ErrInvalidQuantity, ticker, shares)
	}
	if shares == pos.Shares {
		return nil
	}

	delta := pos.Shares - shares
	l.cash += float64(delta) * pos.EntryPrice
	pos.Shares = shares
	l.recomputeTotalLocked()

	observ.Log("position_reconciled", map[string]any{
		"ticker": ticker,
		"shares": shares,
		"delta":  delta,
		"cash":   l.cash,
	})
	return nil
}

// ApplyCommission debits a broker commission from cash. Zero and
// negative amounts are ignored.
func (l *Ledger) ApplyCommission(ticker string, amount float64) {
	if amount <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cash -= amount
	l.recomputeTotalLocked()

	observ.Log("commission_applied", map[string]any{
		"ticker": ticker,
		"amount": amount,
		"cash":   l.cash,
	})
}

// UpdatePrices marks open positions to the given prices. Tickers absent
// from the map (or from the book) are skipped; totalValue is recomputed
// once after the batch.
func (l *Ledger) UpdatePrices(prices map[string]float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for ticker, price := range prices {
		if pos, ok := l.positions[ticker]; ok && price > 0 {
			pos.CurrentPrice = price
		}
	}
	l.recomputeTotalLocked()
}

// RecordDailySnapshot appends an end-of-day snapshot. Callers must not
// record twice for the same date; the ledger does not dedupe.
func (l *Ledger) RecordDailySnapshot(date time.Time) DailySnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := DailySnapshot{
		Date:           date,
		TotalValue:     l.totalValue,
		Cash:           l.cash,
		PositionsValue: l.positionsValueLocked(),
		PositionCount:  len(l.positions),
	}
	if n := len(l.snapshots); n > 0 {
		prev := l.snapshots[n-1]
		snap.DailyPnL = snap.TotalValue - prev.TotalValue
		if prev.TotalValue != 0 {
			snap.DailyReturn = snap.DailyPnL / prev.TotalValue
		}
	}
	l.snapshots = append(l.snapshots, snap)
	return snap
}

// Position returns a copy of the open position for ticker.
func (l *Ledger) Position(ticker string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[ticker]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Positions returns copies of all open positions.
func (l *Ledger) Positions() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, *pos)
	}
	return out
}

// HeldTickers returns the set of tickers with open positions, in the
// shape the signal selector consumes.
func (l *Ledger) HeldTickers() map[string]bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	held := make(map[string]bool, len(l.positions))
	for ticker := range l.positions {
		held[ticker] = true
	}
	return held
}

// OpenCount returns the number of open positions.
func (l *Ledger) OpenCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

// Cash returns the current cash balance.
func (l *Ledger) Cash() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cash
}

// InitialCapital returns the starting capital.
func (l *Ledger) InitialCapital() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.initialCapital
}

// TotalValue returns cash plus the market value of all open positions.
func (l *Ledger) TotalValue() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalValue
}

// PositionsValue returns the market value of all open positions.
func (l *Ledger) PositionsValue() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.positionsValueLocked()
}

// UnrealizedPnL returns aggregate unrealized P&L across open positions.
func (l *Ledger) UnrealizedPnL() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := 0.0
	for _, pos := range l.positions {
		total += pos.UnrealizedPnL()
	}
	return total
}

// ClosedPositions returns all closed trades in close order.
func (l *Ledger) ClosedPositions() []ClosedPosition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ClosedPosition, len(l.closed))
	copy(out, l.closed)
	return out
}

// Snapshots returns all recorded daily snapshots in date order.
func (l *Ledger) Snapshots() []DailySnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]DailySnapshot, len(l.snapshots))
	copy(out, l.snapshots)
	return out
}

// LastSnapshot returns the most recent snapshot, if any.
func (l *Ledger) LastSnapshot() (DailySnapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.snapshots) == 0 {
		return DailySnapshot{}, false
	}
	return l.snapshots[len(l.snapshots)-1], true
}

func (l *Ledger) positionsValueLocked() float64 {
	total := 0.0
	for _, pos := range l.positions {
		total += pos.MarketValue()
	}
	return total
}

// recomputeTotalLocked maintains the conservation invariant:
// totalValue == cash + sum of open position market values.
func (l *Ledger) recomputeTotalLocked() {
	l.totalValue = l.cash + l.positionsValueLocked()
	observ.SetGauge("ledger_total_value", l.totalValue, nil)
	observ.SetGauge("ledger_cash", l.cash, nil)
	observ.SetGauge("ledger_open_positions", float64(len(l.positions)), nil)
}
