package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/openquant/turtle/internal/observ"
	"github.com/openquant/turtle/internal/order"
)

// PaperConfig tunes the paper broker's fill simulation.
type PaperConfig struct {
	InitialCash        float64
	LatencyMsMin       int
	LatencyMsMax       int
	SlippageBpsMin     int
	SlippageBpsMax     int
	CommissionPerShare float64
	RequestsPerSecond  int
}

func (c *PaperConfig) applyDefaults() {
	if c.InitialCash == 0 {
		c.InitialCash = 30000
	}
	if c.LatencyMsMin == 0 {
		c.LatencyMsMin = 10
	}
	if c.LatencyMsMax <= c.LatencyMsMin {
		c.LatencyMsMax = c.LatencyMsMin + 40
	}
	if c.SlippageBpsMax < c.SlippageBpsMin {
		c.SlippageBpsMax = c.SlippageBpsMin
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 50
	}
}

// PriceFunc resolves a current price for a ticker. Returning false marks
// the ticker as having no data.
type PriceFunc func(ticker string) (float64, bool)

type paperPosition struct {
	quantity int
	avgPrice float64
}

// PaperBroker is an in-memory Broker for paper trading and tests. Fills
// are applied after a simulated latency window with randomized slippage,
// and every call goes through a rate limiter the way the live HTTP
// clients pace their requests.
type PaperBroker struct {
	cfg     PaperConfig
	prices  PriceFunc
	limiter *rate.Limiter
	random  *rand.Rand

	mu          sync.Mutex
	cash        float64
	orders      map[string]*order.Order
	fillDue     map[string]time.Time
	positions   map[string]*paperPosition
	marketOpen  bool
	blocked     bool
	failSubmits int
}

// NewPaperBroker creates a paper broker backed by the given price source.
func NewPaperBroker(cfg PaperConfig, prices PriceFunc) *PaperBroker {
	cfg.applyDefaults()
	return &PaperBroker{
		cfg:        cfg,
		prices:     prices,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestsPerSecond),
		random:     rand.New(rand.NewSource(time.Now().UnixNano())),
		cash:       cfg.InitialCash,
		orders:     map[string]*order.Order{},
		fillDue:    map[string]time.Time{},
		positions:  map[string]*paperPosition{},
		marketOpen: true,
	}
}

// SetMarketOpen overrides the simulated market clock.
func (b *PaperBroker) SetMarketOpen(open bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marketOpen = open
}

// SetTradingBlocked simulates an account restriction, which drivers
// surface as an emergency condition.
func (b *PaperBroker) SetTradingBlocked(blocked bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocked = blocked
}

// FailSubmits makes the next n submissions fail with a broker error, for
// exercising the retry path.
func (b *PaperBroker) FailSubmits(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSubmits = n
}

func (b *PaperBroker) SubmitOrder(ctx context.Context, o *order.Order) (*order.Order, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, NewError("submit_order", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failSubmits > 0 {
		b.failSubmits--
		return nil, NewError("submit_order", fmt.Errorf("simulated submit failure for %s", o.Ticker))
	}

	price, ok := b.prices(o.Ticker)
	if !ok || price <= 0 {
		return nil, NewError("submit_order", fmt.Errorf("no quote for %s", o.Ticker))
	}

	accepted := *o
	accepted.ID = "paper-" + uuid.NewString()
	accepted.Status = order.StatusAccepted
	accepted.SubmittedAt = time.Now().UTC()

	latency := time.Duration(b.cfg.LatencyMsMin+b.random.Intn(b.cfg.LatencyMsMax-b.cfg.LatencyMsMin+1)) * time.Millisecond
	b.orders[accepted.ID] = &accepted
	b.fillDue[accepted.ID] = time.Now().Add(latency)

	observ.IncCounter("paper_orders_submitted_total", map[string]string{"side": string(o.Side)})
	out := accepted
	return &out, nil
}

func (b *PaperBroker) CancelOrder(ctx context.Context, id string) (bool, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return false, NewError("cancel_order", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	o, exists := b.orders[id]
	if !exists || o.IsComplete() {
		return false, nil
	}
	o.Status = order.StatusCanceled
	delete(b.fillDue, id)
	return true, nil
}

func (b *PaperBroker) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, NewError("get_order", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	o, exists := b.orders[id]
	if !exists {
		return nil, nil
	}
	b.maybeFillLocked(o)
	out := *o
	return &out, nil
}

func (b *PaperBroker) GetPositions(ctx context.Context) ([]Position, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, NewError("get_positions", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Position, 0, len(b.positions))
	for ticker, pos := range b.positions {
		price, ok := b.prices(ticker)
		if !ok {
			price = pos.avgPrice
		}
		out = append(out, Position{
			Ticker:        ticker,
			Quantity:      pos.quantity,
			AvgEntryPrice: pos.avgPrice,
			CurrentPrice:  price,
			MarketValue:   price * float64(pos.quantity),
			UnrealizedPnL: (price - pos.avgPrice) * float64(pos.quantity),
		})
	}
	return out, nil
}

func (b *PaperBroker) GetAccount(ctx context.Context) (AccountInfo, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return AccountInfo{}, NewError("get_account", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	longValue := 0.0
	for ticker, pos := range b.positions {
		price, ok := b.prices(ticker)
		if !ok {
			price = pos.avgPrice
		}
		longValue += price * float64(pos.quantity)
	}

	return AccountInfo{
		AccountID:       "paper",
		Equity:          b.cash + longValue,
		Cash:            b.cash,
		BuyingPower:     b.cash,
		PortfolioValue:  b.cash + longValue,
		LongMarketValue: longValue,
		TradingBlocked:  b.blocked,
		AccountBlocked:  b.blocked,
	}, nil
}

func (b *PaperBroker) IsMarketOpen(ctx context.Context) (bool, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return false, NewError("is_market_open", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.marketOpen, nil
}

// maybeFillLocked applies the simulated fill once the latency window has
// elapsed. Market orders fill in full at the current price adjusted by a
// random slippage inside the configured bps band.
func (b *PaperBroker) maybeFillLocked(o *order.Order) {
	due, pending := b.fillDue[o.ID]
	if !pending || o.IsComplete() || time.Now().Before(due) {
		return
	}
	delete(b.fillDue, o.ID)

	price, ok := b.prices(o.Ticker)
	if !ok || price <= 0 {
		o.Status = order.StatusRejected
		return
	}

	slippageBps := b.cfg.SlippageBpsMin
	if span := b.cfg.SlippageBpsMax - b.cfg.SlippageBpsMin; span > 0 {
		slippageBps += b.random.Intn(span + 1)
	}
	fillPrice := price * (1 + float64(slippageBps)/10000)
	if o.Side == order.SideSell {
		fillPrice = price * (1 - float64(slippageBps)/10000)
	}

	o.FilledQty = o.Quantity
	o.FilledPrice = fillPrice
	o.FilledAt = time.Now().UTC()
	o.Commission = b.cfg.CommissionPerShare * float64(o.Quantity)
	o.Status = order.StatusFilled

	qty := o.Quantity
	if o.Side == order.SideSell {
		qty = -qty
	}
	b.applyFillLocked(o.Ticker, qty, fillPrice)
	b.cash -= o.Commission
	observ.IncCounter("paper_orders_filled_total", map[string]string{"side": string(o.Side)})
}

func (b *PaperBroker) applyFillLocked(ticker string, qty int, price float64) {
	b.cash -= float64(qty) * price

	pos := b.positions[ticker]
	if pos == nil {
		pos = &paperPosition{}
		b.positions[ticker] = pos
	}
	newQty := pos.quantity + qty
	switch {
	case newQty == 0:
		delete(b.positions, ticker)
	case pos.quantity == 0 || (pos.quantity > 0) == (qty > 0):
		totalCost := pos.avgPrice*float64(pos.quantity) + price*float64(qty)
		pos.avgPrice = totalCost / float64(newQty)
		pos.quantity = newQty
	default:
		// reducing or flipping keeps (or resets) the basis
		if (pos.quantity > 0) != (newQty > 0) {
			pos.avgPrice = price
		}
		pos.quantity = newQty
	}
}
