package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openquant/turtle/internal/order"
)

func fastPaper(prices PriceFunc) *PaperBroker {
	return NewPaperBroker(PaperConfig{
		InitialCash:  30000,
		LatencyMsMin: 1,
		LatencyMsMax: 2,
	}, prices)
}

func staticPrice(p float64) PriceFunc {
	return func(string) (float64, bool) { return p, true }
}

func waitForFill(t *testing.T, b *PaperBroker, id string) *order.Order {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		o, err := b.GetOrder(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, o)
		if o.IsComplete() {
			return o
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("order never completed")
	return nil
}

func TestPaperBroker_SubmitAndFill(t *testing.T) {
	b := fastPaper(staticPrice(100))

	o := order.New("AAPL", order.SideBuy, order.TypeMarket, 10)
	accepted, err := b.SubmitOrder(context.Background(), o)
	require.NoError(t, err)
	assert.Contains(t, accepted.ID, "paper-")
	assert.Equal(t, order.StatusAccepted, accepted.Status)

	filled := waitForFill(t, b, accepted.ID)
	assert.Equal(t, order.StatusFilled, filled.Status)
	assert.Equal(t, 10, filled.FilledQty)
	assert.InDelta(t, 100, filled.FilledPrice, 0.1) // slippage band is tight

	positions, err := b.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0].Ticker)
	assert.Equal(t, 10, positions[0].Quantity)

	account, err := b.GetAccount(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 30000, account.PortfolioValue, 1) // buy moves cash into the position
}

func TestPaperBroker_CancelBeforeFill(t *testing.T) {
	b := NewPaperBroker(PaperConfig{
		InitialCash:  30000,
		LatencyMsMin: 60000,
		LatencyMsMax: 60000,
	}, staticPrice(100))

	o := order.New("MSFT", order.SideBuy, order.TypeMarket, 5)
	accepted, err := b.SubmitOrder(context.Background(), o)
	require.NoError(t, err)

	ok, err := b.CancelOrder(context.Background(), accepted.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := b.GetOrder(context.Background(), accepted.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCanceled, got.Status)

	// Cancel is not idempotent-true: a completed order reports false.
	ok, err = b.CancelOrder(context.Background(), accepted.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPaperBroker_SimulatedFailures(t *testing.T) {
	b := fastPaper(staticPrice(100))
	b.FailSubmits(1)

	o := order.New("NVDA", order.SideBuy, order.TypeMarket, 1)
	_, err := b.SubmitOrder(context.Background(), o)
	require.Error(t, err)
	assert.True(t, IsBrokerError(err))

	// Next submit succeeds once the injected failures are consumed.
	_, err = b.SubmitOrder(context.Background(), order.New("NVDA", order.SideBuy, order.TypeMarket, 1))
	assert.NoError(t, err)
}

func TestPaperBroker_NoQuoteRejectsSubmit(t *testing.T) {
	b := fastPaper(func(string) (float64, bool) { return 0, false })
	_, err := b.SubmitOrder(context.Background(), order.New("ZZZZ", order.SideBuy, order.TypeMarket, 1))
	require.Error(t, err)
	assert.True(t, IsBrokerError(err))
}

func TestPaperBroker_MarketClock(t *testing.T) {
	b := fastPaper(staticPrice(100))

	open, err := b.IsMarketOpen(context.Background())
	require.NoError(t, err)
	assert.True(t, open)

	b.SetMarketOpen(false)
	open, err = b.IsMarketOpen(context.Background())
	require.NoError(t, err)
	assert.False(t, open)
}

func TestPaperBroker_BlockedAccountFlags(t *testing.T) {
	b := fastPaper(staticPrice(100))
	b.SetTradingBlocked(true)

	account, err := b.GetAccount(context.Background())
	require.NoError(t, err)
	assert.True(t, account.TradingBlocked)
	assert.True(t, account.AccountBlocked)
}
