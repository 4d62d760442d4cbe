package live

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openquant/turtle/internal/broker"
	"github.com/openquant/turtle/internal/executor"
	"github.com/openquant/turtle/internal/order"
	"github.com/openquant/turtle/internal/portfolio"
	"github.com/openquant/turtle/internal/risk"
	"github.com/openquant/turtle/internal/session"
	"github.com/openquant/turtle/internal/signal"
)

type fixture struct {
	driver *Driver
	broker *broker.PaperBroker
	exec   *executor.Executor
	ledger *portfolio.Ledger
	sess   *session.Session
	mem    *signal.Memory
}

func newFixture(t *testing.T, latencyMs int) *fixture {
	t.Helper()

	mem := signal.NewMemory()
	pb := broker.NewPaperBroker(broker.PaperConfig{
		InitialCash:  30000,
		LatencyMsMin: latencyMs,
		LatencyMsMax: latencyMs,
	}, func(ticker string) (float64, bool) {
		return mem.LatestClose(ticker, time.Now().UTC())
	})

	sess := session.New("turtle-test", 30000, true, []string{"AAPL"})
	sizer := portfolio.NewSizer(0, 3000, 0)
	ledger := portfolio.NewLedger(30000, sizer)
	exec := executor.New(pb, nil, sess.ID, order.RetryPolicy{MaxAttempts: 1, Delay: 0})

	riskMgr, err := risk.NewManager(risk.DefaultParameters(), ledger, exec, nil, sess.ID)
	require.NoError(t, err)

	d, err := New(Options{
		Broker:       pb,
		Executor:     exec,
		Risk:         riskMgr,
		Ledger:       ledger,
		Sizer:        sizer,
		Selector:     signal.NewSelector(10, 70),
		Source:       mem,
		Exits:        mem,
		Bars:         mem,
		Session:      sess,
		Universe:     []string{"AAPL"},
		PollInterval: time.Hour, // ticks driven manually via runCycle
	})
	require.NoError(t, err)

	return &fixture{driver: d, broker: pb, exec: exec, ledger: ledger, sess: sess, mem: mem}
}

func today() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func TestRunCycle_EntryThroughFill(t *testing.T) {
	f := newFixture(t, 1)
	f.mem.AddSignal(signal.Signal{Ticker: "AAPL", Date: today(), Ranking: 90})
	f.mem.AddBar(signal.Bar{Ticker: "AAPL", Date: today(), Close: 100})

	ctx := context.Background()
	f.driver.runCycle(ctx)

	require.Len(t, f.exec.ActiveOrders("AAPL"), 1, "entry order should be in flight")

	// Let the paper fill land, then reconcile it into the ledger.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && f.ledger.OpenCount() == 0 {
		time.Sleep(5 * time.Millisecond)
		f.driver.runCycle(ctx)
	}

	pos, ok := f.ledger.Position("AAPL")
	require.True(t, ok, "fill must open a ledger position")
	assert.Equal(t, 30, pos.Shares)
	assert.InDelta(t, 27000, f.ledger.Cash(), 1)

	// Held ticker is not re-entered on the next cycle.
	f.driver.runCycle(ctx)
	assert.Equal(t, 1, f.ledger.OpenCount())
	assert.Empty(t, f.exec.ActiveOrders("AAPL"))
}

func TestRunCycle_MarketClosedSkips(t *testing.T) {
	f := newFixture(t, 1)
	f.mem.AddSignal(signal.Signal{Ticker: "AAPL", Date: today(), Ranking: 90})
	f.mem.AddBar(signal.Bar{Ticker: "AAPL", Date: today(), Close: 100})
	f.broker.SetMarketOpen(false)

	f.driver.runCycle(context.Background())
	assert.Empty(t, f.exec.ActiveOrders(""), "no orders while the market is closed")
}

func TestRunCycle_EmergencyHaltsCycle(t *testing.T) {
	f := newFixture(t, 1)
	f.mem.AddSignal(signal.Signal{Ticker: "AAPL", Date: today(), Ranking: 90})
	f.mem.AddBar(signal.Bar{Ticker: "AAPL", Date: today(), Close: 100})
	f.broker.SetTradingBlocked(true)

	f.driver.runCycle(context.Background())

	active, _ := f.driver.opts.Risk.EmergencyStopActive()
	assert.True(t, active, "blocked account must latch the emergency stop")
	assert.Empty(t, f.exec.ActiveOrders(""), "no entries after the halt")
}

func TestReconcile_YieldsToBrokerTruth(t *testing.T) {
	f := newFixture(t, 1)
	f.mem.AddBar(signal.Bar{Ticker: "AAPL", Date: today(), Close: 100})

	// Local position the broker knows nothing about.
	_, err := f.ledger.OpenPosition(signal.Signal{Ticker: "AAPL", Date: today(), Ranking: 90}, today(), 100)
	require.NoError(t, err)

	f.driver.runCycle(context.Background())

	assert.Equal(t, 0, f.ledger.OpenCount(), "orphan position must close locally")
	closed := f.ledger.ClosedPositions()
	require.Len(t, closed, 1)
	assert.Equal(t, "reconciliation", closed[0].ExitReason)
	assert.Equal(t, 1, f.sess.TotalTrades)
}

func TestStartStop_CleanShutdown(t *testing.T) {
	f := newFixture(t, 60000)
	f.mem.AddSignal(signal.Signal{Ticker: "AAPL", Date: today(), Ranking: 90})
	f.mem.AddBar(signal.Bar{Ticker: "AAPL", Date: today(), Close: 100})

	ctx := context.Background()
	require.NoError(t, f.driver.Start(ctx))
	assert.Error(t, f.driver.Start(ctx), "double start is rejected")

	// First cycle runs immediately; give it time to submit the entry.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(f.exec.ActiveOrders("")) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	require.NotEmpty(t, f.exec.ActiveOrders(""))

	f.driver.Stop(ctx)

	assert.False(t, f.sess.Active(), "session must close on stop")
	assert.Empty(t, f.exec.ActiveOrders(""), "open orders must be canceled")

	// Stopping twice is a no-op.
	f.driver.Stop(ctx)
}

// stubBroker reports a fixed position book, for exercising
// reconciliation paths the paper broker cannot produce.
type stubBroker struct {
	positions []broker.Position
}

func (s *stubBroker) SubmitOrder(_ context.Context, o *order.Order) (*order.Order, error) {
	return o, nil
}

func (s *stubBroker) CancelOrder(context.Context, string) (bool, error) { return true, nil }

func (s *stubBroker) GetOrder(context.Context, string) (*order.Order, error) { return nil, nil }

func (s *stubBroker) GetPositions(context.Context) ([]broker.Position, error) {
	return s.positions, nil
}

func (s *stubBroker) GetAccount(context.Context) (broker.AccountInfo, error) {
	return broker.AccountInfo{Equity: 30000, Cash: 30000, BuyingPower: 60000, PortfolioValue: 30000}, nil
}

func (s *stubBroker) IsMarketOpen(context.Context) (bool, error) { return true, nil }

func newStubFixture(t *testing.T, sb *stubBroker) *fixture {
	t.Helper()

	mem := signal.NewMemory()
	sess := session.New("turtle-test", 30000, true, []string{"AAPL"})
	sizer := portfolio.NewSizer(0, 3000, 0)
	ledger := portfolio.NewLedger(30000, sizer)
	exec := executor.New(sb, nil, sess.ID, order.RetryPolicy{MaxAttempts: 1, Delay: 0})

	riskMgr, err := risk.NewManager(risk.DefaultParameters(), ledger, exec, nil, sess.ID)
	require.NoError(t, err)

	d, err := New(Options{
		Broker:       sb,
		Executor:     exec,
		Risk:         riskMgr,
		Ledger:       ledger,
		Sizer:        sizer,
		Selector:     signal.NewSelector(10, 70),
		Source:       mem,
		Exits:        mem,
		Bars:         mem,
		Session:      sess,
		Universe:     []string{"AAPL"},
		PollInterval: time.Hour,
	})
	require.NoError(t, err)

	return &fixture{driver: d, exec: exec, ledger: ledger, sess: sess, mem: mem}
}

func TestReconcile_AdoptsBrokerQuantity(t *testing.T) {
	sb := &stubBroker{positions: []broker.Position{
		{Ticker: "AAPL", Quantity: 20, AvgEntryPrice: 100, CurrentPrice: 100},
	}}
	f := newStubFixture(t, sb)

	// Ledger booked 30 shares; the broker only filled 20.
	_, err := f.ledger.OpenPosition(signal.Signal{Ticker: "AAPL", Date: today(), Ranking: 90}, today(), 100)
	require.NoError(t, err)
	require.Equal(t, 30, mustPosition(t, f.ledger, "AAPL").Shares)

	f.driver.runCycle(context.Background())

	assert.Equal(t, 20, mustPosition(t, f.ledger, "AAPL").Shares, "share count must yield to broker truth")
	assert.InDelta(t, 28000, f.ledger.Cash(), 1e-9, "surplus shares refund at the entry price")

	// The corrected book stays stable on the next cycle.
	f.driver.runCycle(context.Background())
	assert.Equal(t, 20, mustPosition(t, f.ledger, "AAPL").Shares)
}

func TestReconcile_FlatAtBrokerClosesLocally(t *testing.T) {
	sb := &stubBroker{positions: []broker.Position{
		{Ticker: "AAPL", Quantity: 0, AvgEntryPrice: 100, CurrentPrice: 100},
	}}
	f := newStubFixture(t, sb)

	_, err := f.ledger.OpenPosition(signal.Signal{Ticker: "AAPL", Date: today(), Ranking: 90}, today(), 100)
	require.NoError(t, err)

	f.driver.runCycle(context.Background())

	assert.Equal(t, 0, f.ledger.OpenCount(), "a position the broker closed must close locally")
	closed := f.ledger.ClosedPositions()
	require.Len(t, closed, 1)
	assert.Equal(t, "reconciliation", closed[0].ExitReason)
}

func mustPosition(t *testing.T, l *portfolio.Ledger, ticker string) portfolio.Position {
	t.Helper()
	pos, ok := l.Position(ticker)
	require.True(t, ok, "expected open position for %s", ticker)
	return pos
}

func TestApplyReports_DebitsCommission(t *testing.T) {
	f := newStubFixture(t, &stubBroker{})

	f.driver.applyReports([]order.ExecutionReport{{
		OrderID:    "o-1",
		Ticker:     "AAPL",
		Side:       order.SideBuy,
		Quantity:   30,
		Price:      100,
		Commission: 0.15,
		Timestamp:  today(),
	}})

	assert.Equal(t, 30, mustPosition(t, f.ledger, "AAPL").Shares)
	assert.InDelta(t, 30000-3000-0.15, f.ledger.Cash(), 1e-9, "commission must come out of cash")
}
