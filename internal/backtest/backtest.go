// Package backtest replays the trading cycle over historical days:
// exits first, then ranked entries, then mark-to-market and a daily
// snapshot. It shares the ledger and selector contracts with the live
// driver so results carry over.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openquant/turtle/internal/observ"
	"github.com/openquant/turtle/internal/portfolio"
	"github.com/openquant/turtle/internal/signal"
)

// Options wires the driver to its collaborators.
type Options struct {
	Start    time.Time
	End      time.Time
	Universe []string

	Ledger   *portfolio.Ledger
	Selector *signal.Selector
	Source   signal.Source
	Exits    signal.ExitStrategy
	Bars     signal.BarSource
}

// Results summarizes a finished run.
type Results struct {
	Trades         int                       `json:"trades"`
	Wins           int                       `json:"wins"`
	Losses         int                       `json:"losses"`
	WinRate        float64                   `json:"win_rate"` // percent
	TotalReturnPct float64                   `json:"total_return_pct"`
	MaxDrawdown    float64                   `json:"max_drawdown"` // fraction of peak
	FinalValue     float64                   `json:"final_value"`
	Snapshots      []portfolio.DailySnapshot `json:"snapshots"`
}

type Backtester struct {
	opts Options
}

// New validates the options; a start date after the end date is a
// construction error since no run could produce meaningful results.
func New(opts Options) (*Backtester, error) {
	if opts.Start.After(opts.End) {
		return nil, fmt.Errorf("backtest: start %s after end %s",
			opts.Start.Format("2006-01-02"), opts.End.Format("2006-01-02"))
	}
	if opts.Ledger == nil || opts.Selector == nil || opts.Source == nil || opts.Exits == nil || opts.Bars == nil {
		return nil, errors.New("backtest: missing collaborator")
	}
	return &Backtester{opts: opts}, nil
}

// Run iterates every weekday in [start, end]. Per-ticker failures skip
// the ticker; the loop itself only stops on context cancellation.
func (b *Backtester) Run(ctx context.Context) (Results, error) {
	start := time.Now()
	days := 0
	for day := b.opts.Start; !day.After(b.opts.End); day = day.AddDate(0, 0, 1) {
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		if err := ctx.Err(); err != nil {
			return b.results(), err
		}
		b.processDay(ctx, day)
		days++
	}

	res := b.results()
	observ.Log("backtest_complete", map[string]any{
		"days":         days,
		"trades":       res.Trades,
		"return_pct":   res.TotalReturnPct,
		"max_drawdown": res.MaxDrawdown,
		"duration_ms":  time.Since(start).Milliseconds(),
	})
	return res, nil
}

// processDay runs one simulated trading day. Exits run strictly before
// entries so capital freed the same day is available for new positions.
func (b *Backtester) processDay(ctx context.Context, day time.Time) {
	b.processExits(ctx, day)
	b.processEntries(ctx, day)
	b.markToMarket(ctx, day)
	snap := b.opts.Ledger.RecordDailySnapshot(day)
	observ.Log("backtest_day", map[string]any{
		"date":        day.Format("2006-01-02"),
		"total_value": snap.TotalValue,
		"cash":        snap.Cash,
		"positions":   snap.PositionCount,
	})
}

func (b *Backtester) processExits(ctx context.Context, day time.Time) {
	for _, pos := range b.opts.Ledger.Positions() {
		bars, err := b.opts.Bars.GetBars(ctx, pos.Ticker, pos.EntryDate, day)
		if err != nil {
			if !errors.Is(err, signal.ErrDataUnavailable) {
				observ.Warn("exit_bars_failed", map[string]any{"ticker": pos.Ticker, "error": err.Error()})
			}
			continue
		}
		exit, err := b.opts.Exits.CalculateExit(bars)
		if err != nil {
			continue
		}
		if exit.Date.After(day) {
			continue // exit not due yet
		}
		closed, err := b.opts.Ledger.ClosePositionWithTrade(exit)
		if err != nil {
			observ.Warn("backtest_close_failed", map[string]any{"ticker": pos.Ticker, "error": err.Error()})
			continue
		}
		observ.IncCounter("backtest_exits_total", nil)
		observ.Log("backtest_exit", map[string]any{
			"ticker": closed.Ticker,
			"pnl":    closed.RealizedPnL,
			"reason": closed.ExitReason,
		})
	}
}

func (b *Backtester) processEntries(ctx context.Context, day time.Time) {
	var candidates []signal.Signal
	for _, ticker := range b.opts.Universe {
		sigs, err := b.opts.Source.GetSignals(ctx, ticker, day, day)
		if err != nil {
			if !errors.Is(err, signal.ErrDataUnavailable) {
				observ.Warn("signal_fetch_failed", map[string]any{"ticker": ticker, "error": err.Error()})
			}
			continue
		}
		candidates = append(candidates, sigs...)
	}

	slots := b.opts.Selector.AvailableSlots(b.opts.Ledger.OpenCount())
	selected := b.opts.Selector.SelectEntries(candidates, b.opts.Ledger.HeldTickers(), slots)

	for _, sig := range selected {
		price, ok := b.closingPrice(ctx, sig.Ticker, day)
		if !ok {
			continue
		}
		pos, err := b.opts.Ledger.OpenPosition(sig, day, price)
		if err != nil {
			observ.Warn("backtest_open_skipped", map[string]any{"ticker": sig.Ticker, "error": err.Error()})
			continue
		}
		observ.IncCounter("backtest_entries_total", nil)
		observ.Log("backtest_entry", map[string]any{
			"ticker":  pos.Ticker,
			"shares":  pos.Shares,
			"price":   pos.EntryPrice,
			"ranking": sig.Ranking,
		})
	}
}

func (b *Backtester) markToMarket(ctx context.Context, day time.Time) {
	prices := map[string]float64{}
	for _, pos := range b.opts.Ledger.Positions() {
		if price, ok := b.closingPrice(ctx, pos.Ticker, day); ok {
			prices[pos.Ticker] = price
		}
	}
	b.opts.Ledger.UpdatePrices(prices)
}

func (b *Backtester) closingPrice(ctx context.Context, ticker string, day time.Time) (float64, bool) {
	bars, err := b.opts.Bars.GetBars(ctx, ticker, day, day)
	if err != nil || len(bars) == 0 {
		return 0, false
	}
	return bars[len(bars)-1].Close, true
}

func (b *Backtester) results() Results {
	l := b.opts.Ledger
	closed := l.ClosedPositions()

	res := Results{
		Trades:     len(closed),
		FinalValue: l.TotalValue(),
		Snapshots:  l.Snapshots(),
	}
	for _, c := range closed {
		if c.RealizedPnL > 0 {
			res.Wins++
		} else {
			res.Losses++
		}
	}
	if res.Trades > 0 {
		res.WinRate = float64(res.Wins) / float64(res.Trades) * 100
	}
	if initial := l.InitialCapital(); initial > 0 {
		res.TotalReturnPct = (res.FinalValue - initial) / initial * 100
	}

	peak := 0.0
	for _, s := range res.Snapshots {
		if s.TotalValue > peak {
			peak = s.TotalValue
		}
		if peak > 0 {
			if dd := (peak - s.TotalValue) / peak; dd > res.MaxDrawdown {
				res.MaxDrawdown = dd
			}
		}
	}
	return res
}
