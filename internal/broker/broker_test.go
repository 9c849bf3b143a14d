package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/internal/models"
)

func TestRegistry(t *testing.T) {
	paper := NewPaperAdapter(PaperConfig{})
	r := NewRegistry(paper, NewAngelOneAdapter(AngelOneConfig{}))

	got, err := r.Get(models.BrokerPaper)
	require.NoError(t, err)
	assert.Same(t, paper, got)

	_, err = r.Get(models.BrokerZerodha)
	assert.ErrorIs(t, err, apperrors.ErrUnknownBroker)

	assert.Equal(t, []models.BrokerKind{models.BrokerAngelOne, models.BrokerPaper}, r.Kinds())
}

func TestRequireSession(t *testing.T) {
	assert.ErrorIs(t, requireSession(nil), apperrors.ErrNoSession)
	assert.ErrorIs(t, requireSession(&models.Session{}), apperrors.ErrNoSession)
	assert.ErrorIs(t, requireSession(&models.Session{AccessToken: "x", State: models.SessionExpired}), apperrors.ErrSessionExpired)
	assert.NoError(t, requireSession(&models.Session{AccessToken: "x", State: models.SessionAuthenticated}))
}

func TestValidateOrderSpec(t *testing.T) {
	valid := models.OrderSpec{
		Side:     models.OrderSideSell,
		Exchange: models.NSE,
		Symbol:   "INFY",
		Quantity: 10,
		Type:     models.OrderTypeMarket,
		Product:  models.ProductCNC,
	}
	require.NoError(t, ValidateOrderSpec(valid))

	tests := []struct {
		name   string
		mutate func(o *models.OrderSpec)
		field  string
	}{
		{"unknown exchange", func(o *models.OrderSpec) { o.Exchange = "LSE" }, "exchange"},
		{"missing symbol", func(o *models.OrderSpec) { o.Symbol = "" }, "symbol"},
		{"bad side", func(o *models.OrderSpec) { o.Side = "HOLD" }, "side"},
		{"zero quantity", func(o *models.OrderSpec) { o.Quantity = 0 }, "quantity"},
		{"limit without price", func(o *models.OrderSpec) { o.Type = models.OrderTypeLimit }, "price"},
		{"cnc on derivatives", func(o *models.OrderSpec) { o.Exchange = models.NFO }, "product"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := valid
			tt.mutate(&o)
			err := ValidateOrderSpec(o)
			require.ErrorIs(t, err, apperrors.ErrInputValidation)

			var verr *apperrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestRoundToTick(t *testing.T) {
	assert.InDelta(t, 101.05, RoundToTick(models.NSE, 101.04), 1e-9)
	assert.InDelta(t, 101.00, RoundToTick(models.NSE, 101.01), 1e-9)
	assert.InDelta(t, 5002.0, RoundToTick(models.MCX, 5001.6), 1e-9)
	assert.InDelta(t, 12.3456, RoundToTick("LSE", 12.3456), 1e-9)
}

func paperSession(t *testing.T, p *PaperAdapter, owner string) *models.Session {
	t.Helper()
	sess, err := p.Authenticate(context.Background(), models.Credentials{Username: owner})
	require.NoError(t, err)
	return sess
}

func TestPaper_AuthenticateAndRefresh(t *testing.T) {
	ctx := context.Background()
	p := NewPaperAdapter(PaperConfig{})

	_, err := p.Authenticate(ctx, models.Credentials{})
	assert.ErrorIs(t, err, apperrors.ErrAuthentication)

	sess := paperSession(t, p, "alice")
	assert.Equal(t, models.SessionAuthenticated, sess.State)
	p.UpdatePrice("INFY", 1500)

	p.ExpireSessions(true)
	_, err = p.GetLastPrice(ctx, sess, models.Instrument{Exchange: models.NSE, Symbol: "INFY"})
	assert.ErrorIs(t, err, apperrors.ErrSessionExpired)

	refreshed, err := p.RefreshSession(ctx, sess)
	require.NoError(t, err)
	assert.NotEqual(t, sess.AccessToken, refreshed.AccessToken)
	assert.Equal(t, sess.RefreshToken, refreshed.RefreshToken)

	price, err := p.GetLastPrice(ctx, refreshed, models.Instrument{Exchange: models.NSE, Symbol: "INFY"})
	require.NoError(t, err)
	assert.Equal(t, 1500.0, price)

	p.ExpireSessions(false)
	_, err = p.RefreshSession(ctx, refreshed)
	assert.ErrorIs(t, err, apperrors.ErrSessionExpired)
}

func TestPaper_GetLastPriceFallsBackToQuotes(t *testing.T) {
	ctx := context.Background()
	calls := 0
	p := NewPaperAdapter(PaperConfig{
		Quotes: func(ctx context.Context, inst models.Instrument) (float64, error) {
			calls++
			return 250.5, nil
		},
	})
	sess := paperSession(t, p, "alice")
	inst := models.Instrument{Exchange: models.NSE, Symbol: "ITC"}

	price, err := p.GetLastPrice(ctx, sess, inst)
	require.NoError(t, err)
	assert.Equal(t, 250.5, price)

	_, err = p.GetLastPrice(ctx, sess, inst)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "second lookup should hit the cache")

	bare := NewPaperAdapter(PaperConfig{})
	_, err = bare.GetLastPrice(ctx, paperSession(t, bare, "bob"), inst)
	assert.ErrorIs(t, err, apperrors.ErrDataUnavailable)
}

func TestPaper_PlaceOrder(t *testing.T) {
	ctx := context.Background()
	p := NewPaperAdapter(PaperConfig{})
	sess := paperSession(t, p, "alice")

	order := models.OrderSpec{
		Side:     models.OrderSideSell,
		Exchange: models.NSE,
		Symbol:   "INFY",
		Quantity: 5,
		Type:     models.OrderTypeMarket,
		Product:  models.ProductMIS,
	}

	_, err := p.PlaceOrder(ctx, sess, order)
	assert.ErrorIs(t, err, apperrors.ErrOrderRejected, "no price yet")

	p.UpdatePrice("INFY", 1490)
	res, err := p.PlaceOrder(ctx, sess, order)
	require.NoError(t, err)
	assert.Equal(t, 1490.0, res.AveragePrice)
	assert.Contains(t, res.OrderID, "PAPER-")

	fill, err := p.OrderFillPrice(ctx, sess, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, 1490.0, fill)
	_, err = p.OrderFillPrice(ctx, sess, "PAPER-unknown")
	assert.ErrorIs(t, err, apperrors.ErrDataUnavailable)

	p.FailOrders(apperrors.ErrOrderRejected)
	_, err = p.PlaceOrder(ctx, sess, order)
	assert.ErrorIs(t, err, apperrors.ErrOrderRejected)

	require.Len(t, p.Orders(), 1)
	assert.Equal(t, order, p.OrderSpecs()[0])
}

func TestPaper_PushFansOutToSubscriptions(t *testing.T) {
	ctx := context.Background()
	p := NewPaperAdapter(PaperConfig{})

	var mu sync.Mutex
	got := map[string][]float64{}
	handler := func(owner string) TickHandler {
		return func(tick models.Tick) {
			mu.Lock()
			defer mu.Unlock()
			got[owner] = append(got[owner], tick.LTP)
		}
	}

	infy := models.Instrument{Exchange: models.NSE, Symbol: "INFY"}
	tcs := models.Instrument{Exchange: models.NSE, Symbol: "TCS"}

	subA, err := p.SubscribeTicks(ctx, paperSession(t, p, "alice"), []models.Instrument{infy}, handler("alice"))
	require.NoError(t, err)
	subB, err := p.SubscribeTicks(ctx, paperSession(t, p, "bob"), []models.Instrument{infy, tcs}, handler("bob"))
	require.NoError(t, err)

	p.Push(models.Tick{Symbol: "INFY", LTP: 100, Timestamp: time.Now()})
	p.Push(models.Tick{Symbol: "TCS", LTP: 200, Timestamp: time.Now()})

	require.NoError(t, subA.Update([]models.Instrument{tcs}))
	p.Push(models.Tick{Symbol: "TCS", LTP: 201, Timestamp: time.Now()})

	require.NoError(t, subB.Close())
	p.Push(models.Tick{Symbol: "INFY", LTP: 101, Timestamp: time.Now()})

	select {
	case <-subB.Done():
	default:
		t.Fatal("closed subscription should report done")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []float64{100, 201}, got["alice"])
	assert.Equal(t, []float64{100, 200, 201}, got["bob"])
}

func TestPaper_FeedPollsSubscribedInstruments(t *testing.T) {
	var calls atomic.Int32
	p := NewPaperAdapter(PaperConfig{
		Quotes: func(ctx context.Context, inst models.Instrument) (float64, error) {
			calls.Add(1)
			if inst.Symbol == "TCS" {
				return 0, apperrors.ErrDataUnavailable
			}
			return 1500, nil
		},
	})

	ticks := make(chan models.Tick, 16)
	_, err := p.SubscribeTicks(context.Background(), paperSession(t, p, "alice"),
		[]models.Instrument{{Exchange: models.NSE, Symbol: "INFY"}, {Exchange: models.NSE, Symbol: "TCS"}},
		func(tick models.Tick) { ticks <- tick })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Feed(ctx, 10*time.Millisecond) }()

	select {
	case tick := <-ticks:
		assert.Equal(t, "INFY", tick.Symbol)
		assert.Equal(t, 1500.0, tick.LTP)
	case <-time.After(2 * time.Second):
		t.Fatal("no tick from feed")
	}

	cancel()
	require.NoError(t, <-done)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}
