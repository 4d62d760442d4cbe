package portfolio

import (
	"time"
)

// Position is one open holding, owned exclusively by the Ledger. It is
// mutated only through Ledger.UpdatePrices and removed only through the
// close path.
type Position struct {
	Ticker       string    `json:"ticker"`
	EntryDate    time.Time `json:"entry_date"`
	EntryPrice   float64   `json:"entry_price"`
	Shares       int       `json:"shares"` // always > 0; side carried by IsShort
	IsShort      bool      `json:"is_short"`
	EntryRanking int       `json:"entry_ranking"`
	CurrentPrice float64   `json:"current_price"`
	SlippagePct  float64   `json:"slippage_pct"`
}

// MarketValue is the position's current notional.
func (p *Position) MarketValue() float64 {
	return p.CurrentPrice * float64(p.Shares)
}

// CostBasis is the entry notional.
func (p *Position) CostBasis() float64 {
	return p.EntryPrice * float64(p.Shares)
}

// UnrealizedPnL applies the one signed P&L formula: price move times
// shares, negated for shorts.
func (p *Position) UnrealizedPnL() float64 {
	return signedPnL(p.EntryPrice, p.CurrentPrice, p.Shares, p.IsShort)
}

// UnrealizedPnLPct is unrealized P&L as a percentage of cost basis.
func (p *Position) UnrealizedPnLPct() float64 {
	basis := p.CostBasis()
	if basis == 0 {
		return 0
	}
	return p.UnrealizedPnL() / basis * 100
}

// Slippage estimates round-trip slippage in dollars against an exit price:
// midpoint of entry and exit, times the configured percentage, times size.
func (p *Position) Slippage(exitPrice float64) float64 {
	return (p.EntryPrice + exitPrice) / 2 * (p.SlippagePct / 100) * float64(p.Shares)
}

// ClosedPosition is an immutable record of a finished trade, appended
// exactly once per close and never mutated afterward.
type ClosedPosition struct {
	Ticker         string    `json:"ticker"`
	EntryDate      time.Time `json:"entry_date"`
	EntryPrice     float64   `json:"entry_price"`
	ExitDate       time.Time `json:"exit_date"`
	ExitPrice      float64   `json:"exit_price"`
	Shares         int       `json:"shares"`
	IsShort        bool      `json:"is_short"`
	ExitReason     string    `json:"exit_reason"`
	RealizedPnL    float64   `json:"realized_pnl"`
	RealizedPnLPct float64   `json:"realized_pnl_pct"`
	HoldingDays    int       `json:"holding_days"`
}

// DailySnapshot captures end-of-day portfolio state.
type DailySnapshot struct {
	Date           time.Time `json:"date"`
	TotalValue     float64   `json:"total_value"`
	Cash           float64   `json:"cash"`
	PositionsValue float64   `json:"positions_value"`
	PositionCount  int       `json:"position_count"`
	DailyPnL       float64   `json:"daily_pnl"`
	DailyReturn    float64   `json:"daily_return"`
}

// signedPnL is the single realized/unrealized P&L formula for both
// sides. Long: (exit-entry)*shares. Short: the negation.
func signedPnL(entry, exit float64, shares int, isShort bool) float64 {
	pnl := (exit - entry) * float64(shares)
	if isShort {
		return -pnl
	}
	return pnl
}
