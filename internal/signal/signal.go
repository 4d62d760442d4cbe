package signal

import (
	"context"
	"errors"
	"time"
)

// ErrDataUnavailable means no historical or live data exists for a
// ticker/date. Callers skip the ticker for the cycle and continue.
var ErrDataUnavailable = errors.New("data unavailable")

// Signal is a ranked entry candidate produced by an external strategy.
type Signal struct {
	Ticker  string    `json:"ticker"`
	Date    time.Time `json:"date"`
	Ranking int       `json:"ranking"` // 1-100 scale
}

// Exit is an exit decision for one open position.
type Exit struct {
	Ticker string    `json:"ticker"`
	Date   time.Time `json:"date"`
	Price  float64   `json:"price"`
	Reason string    `json:"reason"` // e.g. "ema_cross", "max_holding_period"
}

// Bar is one OHLCV bar handed to exit strategies.
type Bar struct {
	Ticker string
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// Source generates ranked entry candidates. Implementations live outside
// this module (ranking strategies, box breakouts); drivers consume them
// through this interface only.
type Source interface {
	GetSignals(ctx context.Context, ticker string, from, to time.Time) ([]Signal, error)
}

// ExitStrategy decides when an open position should be closed.
// CalculateExit must return an error for empty input, never a zero Exit.
type ExitStrategy interface {
	CalculateExit(bars []Bar) (Exit, error)
}

// BarSource provides historical bars for exit evaluation and
// mark-to-market. Returning no bars for a ticker/date range is reported
// as ErrDataUnavailable.
type BarSource interface {
	GetBars(ctx context.Context, ticker string, from, to time.Time) ([]Bar, error)
}
