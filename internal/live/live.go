// Package live runs the trading cycle against a broker on wall-clock
// ticks. It reuses the ledger, selector and risk contracts of the
// backtest driver so live behavior matches simulated behavior.
package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openquant/turtle/internal/audit"
	"github.com/openquant/turtle/internal/broker"
	"github.com/openquant/turtle/internal/executor"
	"github.com/openquant/turtle/internal/observ"
	"github.com/openquant/turtle/internal/order"
	"github.com/openquant/turtle/internal/portfolio"
	"github.com/openquant/turtle/internal/risk"
	"github.com/openquant/turtle/internal/session"
	"github.com/openquant/turtle/internal/signal"
)

const brokerCallTimeout = 10 * time.Second

// Options wires the driver to its collaborators.
type Options struct {
	Broker   broker.Broker
	Executor *executor.Executor
	Risk     *risk.Manager
	Ledger   *portfolio.Ledger
	Sizer    *portfolio.Sizer
	Selector *signal.Selector
	Source   signal.Source
	Exits    signal.ExitStrategy
	Bars     signal.BarSource
	Audit    audit.Logger
	Session  *session.Session

	Universe     []string
	PollInterval time.Duration
}

// Driver owns the ledger for the run: only runCycle mutates it, and the
// cycle mutex guarantees at most one cycle executes at a time.
type Driver struct {
	opts Options

	cycleMu sync.Mutex
	stateMu sync.Mutex

	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
	pendingEntry map[string]signal.Signal // ticker -> signal awaiting fill
	lastPrices   map[string]float64
	lastSnapshot string // date of the last daily snapshot
	cyclesRun    int
}

func New(opts Options) (*Driver, error) {
	if opts.Broker == nil || opts.Executor == nil || opts.Risk == nil ||
		opts.Ledger == nil || opts.Sizer == nil || opts.Selector == nil ||
		opts.Source == nil || opts.Exits == nil || opts.Bars == nil || opts.Session == nil {
		return nil, errors.New("live: missing collaborator")
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 60 * time.Second
	}
	d := &Driver{
		opts:         opts,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		pendingEntry: map[string]signal.Signal{},
		lastPrices:   map[string]float64{},
	}
	opts.Risk.SetPriceLookup(d.lastPrice)
	return d, nil
}

// Start launches the tick loop. It returns immediately; Stop shuts the
// loop down and completes the session teardown.
func (d *Driver) Start(ctx context.Context) error {
	d.stateMu.Lock()
	if d.running {
		d.stateMu.Unlock()
		return errors.New("live: already running")
	}
	d.running = true
	d.stateMu.Unlock()

	d.opts.Audit.LogSession(d.opts.Session.Snapshot(), "session started")
	observ.Log("live_started", map[string]any{
		"session_id":    d.opts.Session.ID,
		"poll_interval": d.opts.PollInterval.String(),
		"universe":      len(d.opts.Universe),
	})

	go d.loop(ctx)
	return nil
}

func (d *Driver) loop(ctx context.Context) {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	d.runCycle(ctx)
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runCycle(ctx)
		}
	}
}

// Stop finishes the in-flight cycle, cancels all open orders and closes
// the session. Safe to call once; the same teardown runs after an
// emergency stop, minus the reject-everything latch.
func (d *Driver) Stop(ctx context.Context) {
	d.stateMu.Lock()
	if !d.running {
		d.stateMu.Unlock()
		return
	}
	d.running = false
	d.stateMu.Unlock()

	close(d.stopCh)
	<-d.doneCh

	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()

	canceled := d.opts.Executor.CancelAll(ctx)
	d.opts.Session.UpdateBalance(d.opts.Ledger.TotalValue())
	d.opts.Session.Close(time.Now().UTC())
	d.opts.Audit.LogSession(d.opts.Session.Snapshot(), "session closed")

	observ.Log("live_stopped", map[string]any{
		"session_id":      d.opts.Session.ID,
		"orders_canceled": canceled,
		"cycles":          d.cyclesRun,
		"total_pnl":       d.opts.Session.TotalPnL,
	})
}

// runCycle executes one full trading cycle. Systemic broker failures
// abort the remainder of the cycle; per-ticker failures skip the ticker.
func (d *Driver) runCycle(ctx context.Context) {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()
	d.cyclesRun++
	observ.IncCounter("live_cycles_total", nil)

	callCtx, cancel := context.WithTimeout(ctx, brokerCallTimeout)
	open, err := d.opts.Broker.IsMarketOpen(callCtx)
	cancel()
	if err != nil {
		observ.Error("market_clock_failed", map[string]any{"error": err.Error()})
		return
	}
	if !open {
		observ.Log("market_closed", nil)
		return
	}

	callCtx, cancel = context.WithTimeout(ctx, brokerCallTimeout)
	account, err := d.opts.Broker.GetAccount(callCtx)
	cancel()
	if err != nil {
		observ.Error("account_refresh_failed", map[string]any{"error": err.Error()})
		observ.IncCounter("live_cycle_aborts_total", map[string]string{"stage": "account"})
		return
	}

	if err := d.reconcilePositions(ctx); err != nil {
		observ.IncCounter("live_cycle_aborts_total", map[string]string{"stage": "reconcile"})
		return
	}

	d.applyReports(d.opts.Executor.MonitorOrders(ctx))

	d.opts.Risk.MonitorPositions(ctx)
	if d.opts.Risk.CheckEmergencyConditions(ctx, account) {
		observ.Warn("cycle_halted_emergency", map[string]any{"session_id": d.opts.Session.ID})
		return
	}

	d.processExits(ctx)
	d.processEntries(ctx, account)

	d.opts.Session.UpdateBalance(d.opts.Ledger.TotalValue())
	d.opts.Audit.LogAccountSnapshot(d.opts.Session.ID, account)
	d.maybeDailySnapshot()

	observ.SetGauge("portfolio_total_value", d.opts.Ledger.TotalValue(), nil)
	observ.SetGauge("portfolio_open_positions", float64(d.opts.Ledger.OpenCount()), nil)
}

// reconcilePositions pulls the broker's position view and makes the
// ledger match it. Broker truth wins; disagreements become risk events.
func (d *Driver) reconcilePositions(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, brokerCallTimeout)
	remote, err := d.opts.Broker.GetPositions(callCtx)
	cancel()
	if err != nil {
		observ.Error("position_refresh_failed", map[string]any{"error": err.Error()})
		return err
	}

	remoteByTicker := make(map[string]broker.Position, len(remote))
	prices := make(map[string]float64, len(remote))
	for _, p := range remote {
		remoteByTicker[p.Ticker] = p
		prices[p.Ticker] = p.CurrentPrice
	}
	d.setLastPrices(prices)

	for _, local := range d.opts.Ledger.Positions() {
		rp, ok := remoteByTicker[local.Ticker]
		if !ok {
			// Broker no longer holds it: the position was closed out of
			// band. Yield to broker truth and close locally.
			d.logMismatch(local.Ticker, "position missing at broker, closing locally")
			if closed, err := d.opts.Ledger.ClosePosition(local.Ticker, time.Now().UTC(), local.CurrentPrice, "reconciliation"); err == nil {
				d.recordClose(closed)
			}
			continue
		}
		localQty := local.Shares
		if local.IsShort {
			localQty = -localQty
		}
		if rp.Quantity != localQty {
			d.logMismatch(local.Ticker, fmt.Sprintf("quantity mismatch local=%d broker=%d", localQty, rp.Quantity))
			brokerShares := rp.Quantity
			if local.IsShort {
				brokerShares = -brokerShares
			}
			if brokerShares <= 0 {
				// Broker is flat or flipped: closing locally is the
				// nearest truthful state.
				if closed, err := d.opts.Ledger.ClosePosition(local.Ticker, time.Now().UTC(), local.CurrentPrice, "reconciliation"); err == nil {
					d.recordClose(closed)
				}
				continue
			}
			if err := d.opts.Ledger.ReconcileShares(local.Ticker, brokerShares); err != nil {
				observ.Error("reconcile_failed", map[string]any{"ticker": local.Ticker, "error": err.Error()})
			}
		}
	}

	d.opts.Ledger.UpdatePrices(prices)
	return nil
}

// applyReports folds fills into the ledger. Entry fills open positions
// with the signal recorded at submission; exit fills close them.
func (d *Driver) applyReports(reports []order.ExecutionReport) {
	for _, r := range reports {
		if r.Quantity == 0 {
			continue
		}
		pos, held := d.opts.Ledger.Position(r.Ticker)

		switch {
		case r.Side == order.SideBuy && !held:
			sig, ok := d.pendingEntry[r.Ticker]
			if !ok {
				sig = signal.Signal{Ticker: r.Ticker, Date: r.Timestamp}
			}
			delete(d.pendingEntry, r.Ticker)
			opened, err := d.opts.Ledger.OpenPosition(sig, r.Timestamp, r.Price)
			if err != nil {
				observ.Error("fill_apply_failed", map[string]any{"ticker": r.Ticker, "error": err.Error()})
				continue
			}
			d.opts.Ledger.ApplyCommission(r.Ticker, r.Commission)
			d.opts.Audit.LogPosition(d.opts.Session.ID, *opened, "opened from fill")
		case r.Side == order.SideSell && held && !pos.IsShort:
			closed, err := d.opts.Ledger.ClosePosition(r.Ticker, r.Timestamp, r.Price, "live_exit")
			if err != nil {
				observ.Error("fill_apply_failed", map[string]any{"ticker": r.Ticker, "error": err.Error()})
				continue
			}
			d.opts.Ledger.ApplyCommission(r.Ticker, r.Commission)
			d.recordClose(closed)
		default:
			observ.Warn("unmatched_execution", map[string]any{"ticker": r.Ticker, "side": string(r.Side)})
		}
	}
}

func (d *Driver) processExits(ctx context.Context) {
	now := time.Now().UTC()
	for _, pos := range d.opts.Ledger.Positions() {
		if len(d.opts.Executor.ActiveOrders(pos.Ticker)) > 0 {
			continue // an order for this ticker is already in flight
		}
		bars, err := d.opts.Bars.GetBars(ctx, pos.Ticker, pos.EntryDate, now)
		if err != nil {
			if !errors.Is(err, signal.ErrDataUnavailable) {
				observ.Warn("exit_bars_failed", map[string]any{"ticker": pos.Ticker, "error": err.Error()})
			}
			continue
		}
		exit, err := d.opts.Exits.CalculateExit(bars)
		if err != nil || exit.Date.After(now) {
			continue
		}
		side := order.SideSell
		if pos.IsShort {
			side = order.SideBuy
		}
		if _, err := d.opts.Executor.SubmitMarketOrder(ctx, pos.Ticker, side, pos.Shares, ""); err != nil {
			observ.Error("exit_submit_failed", map[string]any{"ticker": pos.Ticker, "error": err.Error()})
			continue
		}
		observ.Log("exit_submitted", map[string]any{"ticker": pos.Ticker, "reason": exit.Reason})
	}
}

func (d *Driver) processEntries(ctx context.Context, account broker.AccountInfo) {
	now := time.Now().UTC()
	var candidates []signal.Signal
	for _, ticker := range d.opts.Universe {
		if _, held := d.opts.Ledger.Position(ticker); held {
			continue
		}
		if len(d.opts.Executor.ActiveOrders(ticker)) > 0 {
			continue
		}
		sigs, err := d.opts.Source.GetSignals(ctx, ticker, now.AddDate(0, 0, -1), now)
		if err != nil {
			if !errors.Is(err, signal.ErrDataUnavailable) {
				observ.Warn("signal_fetch_failed", map[string]any{"ticker": ticker, "error": err.Error()})
			}
			continue
		}
		candidates = append(candidates, sigs...)
	}

	slots := d.opts.Selector.AvailableSlots(d.opts.Ledger.OpenCount())
	selected := d.opts.Selector.SelectEntries(candidates, d.opts.Ledger.HeldTickers(), slots)

	for _, sig := range selected {
		price, ok := d.lastPrice(sig.Ticker)
		if !ok {
			price, ok = d.latestClose(ctx, sig.Ticker, now)
		}
		if !ok {
			continue
		}

		available := d.opts.Ledger.Cash() - d.opts.Executor.PendingOrdersValue(order.SideBuy)
		shares, _ := d.opts.Sizer.CalculatePositionSize(price, available)
		if shares <= 0 {
			continue
		}

		o := order.New(sig.Ticker, order.SideBuy, order.TypeMarket, shares)
		if approved, reason := d.opts.Risk.CheckOrderRisk(o, account); !approved {
			observ.Warn("entry_rejected", map[string]any{"ticker": sig.Ticker, "reason": reason})
			continue
		}
		if _, err := d.opts.Executor.SubmitOrder(ctx, o); err != nil {
			observ.Error("entry_submit_failed", map[string]any{"ticker": sig.Ticker, "error": err.Error()})
			continue
		}
		d.pendingEntry[sig.Ticker] = sig
		observ.Log("entry_submitted", map[string]any{
			"ticker":  sig.Ticker,
			"shares":  shares,
			"ranking": sig.Ranking,
		})
	}
}

func (d *Driver) logMismatch(ticker, detail string) {
	observ.Warn("reconciliation_mismatch", map[string]any{"ticker": ticker, "detail": detail})
	observ.IncCounter("reconciliation_mismatches_total", nil)
	d.opts.Audit.LogRiskEvent(audit.RiskEventRecord{
		SessionID:   d.opts.Session.ID,
		EventType:   "RECONCILIATION_MISMATCH",
		Severity:    risk.SeverityMedium,
		Message:     detail,
		Ticker:      ticker,
		ActionTaken: "local state updated to broker truth",
		Timestamp:   time.Now().UTC(),
	})
}

func (d *Driver) recordClose(closed portfolio.ClosedPosition) {
	d.opts.Session.RecordTrade(closed.RealizedPnL)
	d.opts.Risk.RecordRealizedPnL(closed.RealizedPnL)
	d.opts.Audit.LogClosedPosition(d.opts.Session.ID, closed)
	observ.Log("position_closed", map[string]any{
		"ticker": closed.Ticker,
		"pnl":    closed.RealizedPnL,
		"reason": closed.ExitReason,
	})
}

func (d *Driver) maybeDailySnapshot() {
	today := time.Now().UTC().Format("2006-01-02")
	if today == d.lastSnapshot {
		return
	}
	d.lastSnapshot = today
	d.opts.Ledger.RecordDailySnapshot(time.Now().UTC())
}

func (d *Driver) latestClose(ctx context.Context, ticker string, now time.Time) (float64, bool) {
	bars, err := d.opts.Bars.GetBars(ctx, ticker, now.AddDate(0, 0, -5), now)
	if err != nil || len(bars) == 0 {
		return 0, false
	}
	return bars[len(bars)-1].Close, true
}

func (d *Driver) lastPrice(ticker string) (float64, bool) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	p, ok := d.lastPrices[ticker]
	return p, ok
}

func (d *Driver) setLastPrices(prices map[string]float64) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	for ticker, p := range prices {
		d.lastPrices[ticker] = p
	}
}
