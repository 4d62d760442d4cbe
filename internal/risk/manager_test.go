package risk

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/openquant/turtle/internal/broker"
	"github.com/openquant/turtle/internal/executor"
	"github.com/openquant/turtle/internal/order"
	"github.com/openquant/turtle/internal/portfolio"
	"github.com/openquant/turtle/internal/signal"
)

func testManager(t *testing.T, params Parameters, ledger *portfolio.Ledger) (*Manager, *executor.Executor, *broker.PaperBroker) {
	t.Helper()
	// Long fill latency keeps orders cancelable for the duration of a test.
	pb := broker.NewPaperBroker(broker.PaperConfig{
		InitialCash:  30000,
		LatencyMsMin: 60000,
		LatencyMsMax: 60000,
	}, func(string) (float64, bool) {
		return 100, true
	})
	exec := executor.New(pb, nil, "test-session", order.RetryPolicy{MaxAttempts: 1, Delay: 0})
	m, err := NewManager(params, ledger, exec, nil, "test-session")
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, exec, pb
}

func healthyAccount() broker.AccountInfo {
	return broker.AccountInfo{
		Equity:         30000,
		Cash:           30000,
		BuyingPower:    60000,
		PortfolioValue: 30000,
	}
}

func openTestPosition(t *testing.T, l *portfolio.Ledger, ticker string, price float64) {
	t.Helper()
	sig := signal.Signal{Ticker: ticker, Date: time.Now().UTC(), Ranking: 80}
	if _, err := l.OpenPosition(sig, time.Now().UTC(), price); err != nil {
		t.Fatalf("open %s: %v", ticker, err)
	}
}

func TestCheckOrderRisk_BelowMinimumBalance(t *testing.T) {
	params := DefaultParameters()
	params.MinAccountBalance = 2000
	ledger := portfolio.NewLedger(1000, nil)
	m, _, _ := testManager(t, params, ledger)

	account := healthyAccount()
	account.Cash = 1000

	o := order.New("AAPL", order.SideBuy, order.TypeMarket, 10)
	for i := 0; i < 2; i++ { // same inputs, same answer
		approved, reason := m.CheckOrderRisk(o, account)
		if approved {
			t.Fatal("want rejection with low balance")
		}
		if !strings.Contains(reason, "below minimum") {
			t.Fatalf("want reason containing 'below minimum', got %q", reason)
		}
	}
}

func TestCheckOrderRisk_PositionSizeLimit(t *testing.T) {
	params := DefaultParameters()
	params.MaxPositionSize = 5000
	ledger := portfolio.NewLedger(30000, nil)
	m, _, _ := testManager(t, params, ledger)

	o := order.New("AAPL", order.SideBuy, order.TypeMarket, 100)
	o.LimitPrice = 60 // $6,000 notional
	approved, reason := m.CheckOrderRisk(o, healthyAccount())
	if approved || !strings.Contains(reason, "position limit") {
		t.Fatalf("want position-size rejection, got %v %q", approved, reason)
	}
}

func TestCheckOrderRisk_MarketOrderUsesPriceLookup(t *testing.T) {
	params := DefaultParameters()
	params.MaxPositionSize = 5000
	ledger := portfolio.NewLedger(30000, nil)
	m, _, _ := testManager(t, params, ledger)
	m.SetPriceLookup(func(string) (float64, bool) { return 120, true })

	o := order.New("AAPL", order.SideBuy, order.TypeMarket, 50) // $6,000 at looked-up price
	approved, _ := m.CheckOrderRisk(o, healthyAccount())
	if approved {
		t.Fatal("want rejection from looked-up market price")
	}
}

func TestCheckOrderRisk_MaxPositionsAllowsClosing(t *testing.T) {
	params := DefaultParameters()
	params.MaxOpenPositions = 2
	ledger := portfolio.NewLedger(30000, portfolio.NewSizer(0, 3000, 0))
	m, _, _ := testManager(t, params, ledger)
	openTestPosition(t, ledger, "AAPL", 100)
	openTestPosition(t, ledger, "MSFT", 100)

	entry := order.New("NVDA", order.SideBuy, order.TypeMarket, 5)
	entry.LimitPrice = 100
	if approved, reason := m.CheckOrderRisk(entry, healthyAccount()); approved || !strings.Contains(reason, "maximum positions") {
		t.Fatalf("want max-positions rejection, got %v %q", approved, reason)
	}

	closing := order.New("AAPL", order.SideSell, order.TypeMarket, 30)
	closing.LimitPrice = 100
	if approved, reason := m.CheckOrderRisk(closing, healthyAccount()); !approved {
		t.Fatalf("closing order must pass: %q", reason)
	}
}

func TestCheckOrderRisk_DailyLossLimit(t *testing.T) {
	params := DefaultParameters()
	params.MaxDailyLoss = 500
	ledger := portfolio.NewLedger(30000, nil)
	m, _, _ := testManager(t, params, ledger)

	m.RecordRealizedPnL(-600)

	o := order.New("AAPL", order.SideBuy, order.TypeMarket, 1)
	o.LimitPrice = 100
	if approved, reason := m.CheckOrderRisk(o, healthyAccount()); approved || !strings.Contains(reason, "daily loss") {
		t.Fatalf("want daily-loss rejection, got %v %q", approved, reason)
	}
}

func TestCheckOrderRisk_ExposureLimit(t *testing.T) {
	params := DefaultParameters()
	params.MaxPortfolioExposure = 0.5
	ledger := portfolio.NewLedger(30000, portfolio.NewSizer(0, 10000, 0))
	m, _, _ := testManager(t, params, ledger)
	openTestPosition(t, ledger, "AAPL", 100) // $10,000 held

	o := order.New("NVDA", order.SideBuy, order.TypeMarket, 80)
	o.LimitPrice = 100 // +$8,000 -> 60% of $30,000
	if approved, reason := m.CheckOrderRisk(o, healthyAccount()); approved || !strings.Contains(reason, "exposure") {
		t.Fatalf("want exposure rejection, got %v %q", approved, reason)
	}
}

func TestEmergencyStop_LatchesAndCancels(t *testing.T) {
	ledger := portfolio.NewLedger(30000, nil)
	m, exec, _ := testManager(t, DefaultParameters(), ledger)
	ctx := context.Background()

	if _, err := exec.SubmitMarketOrder(ctx, "AAPL", order.SideBuy, 10, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}

	m.ActivateEmergencyStop(ctx, "test halt")

	if active, reason := m.EmergencyStopActive(); !active || reason != "test halt" {
		t.Fatalf("want active latch, got %v %q", active, reason)
	}
	if len(exec.ActiveOrders("")) != 0 {
		t.Fatal("want all orders canceled")
	}

	o := order.New("MSFT", order.SideBuy, order.TypeMarket, 1)
	if approved, reason := m.CheckOrderRisk(o, healthyAccount()); approved || reason != "Emergency stop activated" {
		t.Fatalf("want emergency rejection, got %v %q", approved, reason)
	}

	// The latch never self-heals, a healthy account does not clear it.
	if !m.CheckEmergencyConditions(ctx, healthyAccount()) {
		t.Fatal("latch must stay active")
	}

	m.DeactivateEmergencyStop("manual resume")
	if approved, reason := m.CheckOrderRisk(o, healthyAccount()); !approved {
		t.Fatalf("want approval after deactivation, got %q", reason)
	}
}

func TestCheckEmergencyConditions_LowCash(t *testing.T) {
	params := DefaultParameters()
	params.MinAccountBalance = 5000
	ledger := portfolio.NewLedger(30000, nil)
	m, _, _ := testManager(t, params, ledger)

	account := healthyAccount()
	account.Cash = 2000 // below half the minimum
	if !m.CheckEmergencyConditions(context.Background(), account) {
		t.Fatal("want emergency stop on critically low cash")
	}
	if active, _ := m.EmergencyStopActive(); !active {
		t.Fatal("want latch set")
	}
}

func TestMonitorPositions_StopLossOnce(t *testing.T) {
	params := DefaultParameters()
	params.StopLossPct = 0.05
	ledger := portfolio.NewLedger(30000, portfolio.NewSizer(0, 3000, 0))
	m, exec, _ := testManager(t, params, ledger)
	openTestPosition(t, ledger, "AAPL", 100)
	ledger.UpdatePrices(map[string]float64{"AAPL": 90}) // -10%

	ctx := context.Background()
	events := m.MonitorPositions(ctx)
	found := false
	for _, e := range events {
		if e.EventType == "STOP_LOSS_TRIGGERED" {
			found = true
		}
	}
	if !found {
		t.Fatalf("want STOP_LOSS_TRIGGERED, got %+v", events)
	}
	if len(exec.ActiveOrders("AAPL")) == 0 {
		t.Fatal("want stop order submitted")
	}

	// Second pass must not synthesize another stop order.
	if events := m.MonitorPositions(ctx); len(events) != 0 {
		t.Fatalf("want no repeat events, got %+v", events)
	}
}

func TestPositionRiskScore(t *testing.T) {
	ledger := portfolio.NewLedger(30000, portfolio.NewSizer(0, 3000, 0))
	m, _, _ := testManager(t, DefaultParameters(), ledger)

	if got := m.PositionRiskScore("AAPL"); got != 0 {
		t.Fatalf("unknown ticker: want 0, got %.2f", got)
	}

	openTestPosition(t, ledger, "AAPL", 100)
	ledger.UpdatePrices(map[string]float64{"AAPL": 96})
	score := m.PositionRiskScore("AAPL")
	if score <= 0 || score > 1 {
		t.Fatalf("want score in (0,1], got %.3f", score)
	}
}

func TestParameters_Validate(t *testing.T) {
	p := DefaultParameters()
	if err := p.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	p.MaxPortfolioExposure = 1.5
	if err := p.Validate(); err == nil {
		t.Fatal("want error for exposure > 1")
	}
	p = DefaultParameters()
	p.MaxDailyLoss = 0
	if err := p.Validate(); err == nil {
		t.Fatal("want error for zero daily loss")
	}
}
