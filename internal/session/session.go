package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one bounded trading run, backtest or live. All ledger and
// risk mutations during the run are attributed to it for audit.
// The mutex is held by pointer so audit sinks can take Session copies
// by value.
type Session struct {
	mu *sync.Mutex

	ID             string    `json:"id"`
	StrategyName   string    `json:"strategy_name"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time,omitempty"`
	InitialBalance float64   `json:"initial_balance"`
	CurrentBalance float64   `json:"current_balance"`
	TotalTrades    int       `json:"total_trades"`
	WinningTrades  int       `json:"winning_trades"`
	LosingTrades   int       `json:"losing_trades"`
	TotalPnL       float64   `json:"total_pnl"`
	MaxDrawdown    float64   `json:"max_drawdown"`
	IsActive       bool      `json:"is_active"`
	PaperTrading   bool      `json:"paper_trading"`
	Universe       []string  `json:"universe"`

	peakBalance float64
}

// New starts a session. The caller closes it exactly once at driver stop.
func New(strategyName string, initialBalance float64, paperTrading bool, universe []string) *Session {
	return &Session{
		mu:             &sync.Mutex{},
		ID:             uuid.NewString(),
		StrategyName:   strategyName,
		StartTime:      time.Now().UTC(),
		InitialBalance: initialBalance,
		CurrentBalance: initialBalance,
		IsActive:       true,
		PaperTrading:   paperTrading,
		Universe:       universe,
		peakBalance:    initialBalance,
	}
}

// RecordTrade attributes one closed trade's realized P&L to the session.
func (s *Session) RecordTrade(pnl float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalTrades++
	if pnl >= 0 {
		s.WinningTrades++
	} else {
		s.LosingTrades++
	}
	s.TotalPnL += pnl
}

// UpdateBalance tracks the current balance and the drawdown watermark.
func (s *Session) UpdateBalance(balance float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CurrentBalance = balance
	if balance > s.peakBalance {
		s.peakBalance = balance
	}
	if dd := s.peakBalance - balance; dd > s.MaxDrawdown {
		s.MaxDrawdown = dd
	}
}

// WinRate is the winning percentage of recorded trades.
func (s *Session) WinRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.TotalTrades == 0 {
		return 0
	}
	return float64(s.WinningTrades) / float64(s.TotalTrades) * 100
}

// Active reports whether the session is still running.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.IsActive
}

// Close finalizes the session. Closing twice is a no-op.
func (s *Session) Close(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.IsActive {
		return
	}
	s.IsActive = false
	s.EndTime = at
}

// Snapshot returns a copy safe to hand to the audit sink.
func (s *Session) Snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Session{
		mu:             &sync.Mutex{},
		ID:             s.ID,
		StrategyName:   s.StrategyName,
		StartTime:      s.StartTime,
		EndTime:        s.EndTime,
		InitialBalance: s.InitialBalance,
		CurrentBalance: s.CurrentBalance,
		TotalTrades:    s.TotalTrades,
		WinningTrades:  s.WinningTrades,
		LosingTrades:   s.LosingTrades,
		TotalPnL:       s.TotalPnL,
		MaxDrawdown:    s.MaxDrawdown,
		IsActive:       s.IsActive,
		PaperTrading:   s.PaperTrading,
	}
	out.Universe = append(out.Universe, s.Universe...)
	return out
}
