package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/internal/models"
	"autoexit-trader/pkg/id"
)

// PaperConfig holds configuration for the paper adapter.
type PaperConfig struct {
	// Quotes optionally supplies prices for symbols that have not ticked yet,
	// typically a live adapter's GetLastPrice.
	Quotes func(ctx context.Context, inst models.Instrument) (float64, error)
	Logger zerolog.Logger
}

// PaperAdapter simulates a broker in memory. Prices come from Push or
// UpdatePrice; market orders fill immediately at the last known price.
type PaperAdapter struct {
	cfg PaperConfig

	mu            sync.RWMutex
	priceCache    map[string]float64
	accessTokens  map[string]string // token -> owner
	refreshTokens map[string]string
	orders        []models.OrderResult
	orderSpecs    []models.OrderSpec
	orderErr      error
	subs          map[*paperSubscription]struct{}
}

// NewPaperAdapter creates a paper trading adapter.
func NewPaperAdapter(cfg PaperConfig) *PaperAdapter {
	return &PaperAdapter{
		cfg:           cfg,
		priceCache:    make(map[string]float64),
		accessTokens:  make(map[string]string),
		refreshTokens: make(map[string]string),
		subs:          make(map[*paperSubscription]struct{}),
	}
}

// Kind returns BrokerPaper.
func (p *PaperAdapter) Kind() models.BrokerKind {
	return models.BrokerPaper
}

// Authenticate accepts any non-empty username.
func (p *PaperAdapter) Authenticate(ctx context.Context, creds models.Credentials) (*models.Session, error) {
	if creds.Username == "" {
		return nil, apperrors.Wrap(apperrors.ErrAuthentication, "paper login requires a username")
	}

	now := time.Now()
	sess := &models.Session{
		Owner:        creds.Username,
		UserID:       creds.Username,
		BrokerKind:   models.BrokerPaper,
		AccessToken:  uuid.NewString(),
		RefreshToken: uuid.NewString(),
		FeedToken:    uuid.NewString(),
		State:        models.SessionAuthenticated,
		CreatedAt:    now,
		RefreshedAt:  now,
	}

	p.mu.Lock()
	p.accessTokens[sess.AccessToken] = sess.Owner
	p.refreshTokens[sess.RefreshToken] = sess.Owner
	p.mu.Unlock()
	return sess, nil
}

// RefreshSession issues a new access token for a known refresh token.
func (p *PaperAdapter) RefreshSession(ctx context.Context, sess *models.Session) (*models.Session, error) {
	if sess == nil || sess.RefreshToken == "" {
		return nil, apperrors.ErrRefreshUnsupported
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.refreshTokens[sess.RefreshToken]; !ok {
		return nil, apperrors.Wrap(apperrors.ErrSessionExpired, "paper refresh token revoked")
	}

	next := *sess
	next.AccessToken = uuid.NewString()
	next.State = models.SessionAuthenticated
	next.RefreshedAt = time.Now()
	p.accessTokens[next.AccessToken] = next.Owner
	return &next, nil
}

// GetLastPrice returns the cached price, falling back to the Quotes delegate.
func (p *PaperAdapter) GetLastPrice(ctx context.Context, sess *models.Session, inst models.Instrument) (float64, error) {
	if err := p.checkSession(sess); err != nil {
		return 0, err
	}

	if price, ok := p.price(inst.Symbol); ok {
		return price, nil
	}
	if p.cfg.Quotes != nil {
		price, err := p.cfg.Quotes(ctx, inst)
		if err != nil {
			return 0, err
		}
		p.UpdatePrice(inst.Symbol, price)
		return price, nil
	}
	return 0, apperrors.Wrapf(apperrors.ErrDataUnavailable, "no paper price for %s", inst.Key())
}

// PlaceOrder fills market orders at the last price and limit orders at their
// limit price.
func (p *PaperAdapter) PlaceOrder(ctx context.Context, sess *models.Session, order models.OrderSpec) (*models.OrderResult, error) {
	if err := p.checkSession(sess); err != nil {
		return nil, err
	}
	if err := ValidateOrderSpec(order); err != nil {
		return nil, apperrors.NewOrderError("", order.Symbol, string(order.Side), err.Error(), apperrors.ErrOrderRejected)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.orderErr != nil {
		return nil, p.orderErr
	}

	fill := order.Price
	if order.Type == models.OrderTypeMarket {
		price, ok := p.priceCache[order.Symbol]
		if !ok {
			return nil, apperrors.NewOrderError("", order.Symbol, string(order.Side), "no price to fill market order", apperrors.ErrOrderRejected)
		}
		fill = price
	}

	result := models.OrderResult{
		OrderID:      "PAPER-" + id.New(),
		Status:       "COMPLETE",
		AveragePrice: fill,
		PlacedAt:     time.Now(),
	}
	p.orders = append(p.orders, result)
	p.orderSpecs = append(p.orderSpecs, order)

	p.cfg.Logger.Info().
		Str("order_id", result.OrderID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Int("quantity", order.Quantity).
		Float64("price", fill).
		Msg("Paper order filled")

	return &result, nil
}

// OrderFillPrice returns the fill of a paper order.
func (p *PaperAdapter) OrderFillPrice(ctx context.Context, sess *models.Session, orderID string) (float64, error) {
	if err := p.checkSession(sess); err != nil {
		return 0, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, o := range p.orders {
		if o.OrderID == orderID {
			return o.AveragePrice, nil
		}
	}
	return 0, apperrors.Wrapf(apperrors.ErrDataUnavailable, "unknown paper order %s", orderID)
}

// SubscribeTicks registers a subscription fed by Push.
func (p *PaperAdapter) SubscribeTicks(ctx context.Context, sess *models.Session, instruments []models.Instrument, onTick TickHandler) (Subscription, error) {
	if err := p.checkSession(sess); err != nil {
		return nil, err
	}

	sub := &paperSubscription{
		adapter:     p,
		onTick:      onTick,
		instruments: instrumentSet(instruments),
		done:        make(chan struct{}),
	}

	p.mu.Lock()
	p.subs[sub] = struct{}{}
	p.mu.Unlock()
	return sub, nil
}

// Push records tick.LTP and delivers the tick to every subscription holding
// its symbol. Delivery is synchronous.
func (p *PaperAdapter) Push(tick models.Tick) {
	p.mu.Lock()
	p.priceCache[tick.Symbol] = tick.LTP
	targets := make([]*paperSubscription, 0, len(p.subs))
	for sub := range p.subs {
		if sub.wants(tick.Symbol) {
			targets = append(targets, sub)
		}
	}
	p.mu.Unlock()

	for _, sub := range targets {
		sub.onTick(tick)
	}
}

// Feed polls Quotes for every subscribed instrument each interval and pushes
// the prices as ticks. It returns when ctx is done. Without a Quotes source
// there is nothing to poll and Feed only waits.
func (p *PaperAdapter) Feed(ctx context.Context, interval time.Duration) error {
	if p.cfg.Quotes == nil {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for _, inst := range p.subscribed() {
			price, err := p.cfg.Quotes(ctx, inst)
			if err != nil {
				p.cfg.Logger.Debug().Err(err).Str("symbol", inst.Symbol).Msg("Paper quote unavailable")
				continue
			}
			p.Push(models.Tick{
				InstrumentToken: inst.Token,
				Symbol:          inst.Symbol,
				LTP:             price,
				Timestamp:       time.Now(),
			})
		}
	}
}

// subscribed returns the distinct instruments across subscriptions.
func (p *PaperAdapter) subscribed() []models.Instrument {
	p.mu.RLock()
	subs := make([]*paperSubscription, 0, len(p.subs))
	for sub := range p.subs {
		subs = append(subs, sub)
	}
	p.mu.RUnlock()

	seen := make(map[string]models.Instrument)
	for _, sub := range subs {
		sub.mu.RLock()
		for symbol, inst := range sub.instruments {
			seen[symbol] = inst
		}
		sub.mu.RUnlock()
	}

	out := make([]models.Instrument, 0, len(seen))
	for _, inst := range seen {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// DropStreams stops every open subscription the way a broker-side disconnect
// would. Err on each stopped subscription reports err.
func (p *PaperAdapter) DropStreams(err error) {
	p.mu.RLock()
	subs := make([]*paperSubscription, 0, len(p.subs))
	for sub := range p.subs {
		subs = append(subs, sub)
	}
	p.mu.RUnlock()

	for _, sub := range subs {
		sub.stop(err)
	}
}

// Subscriptions returns the number of open subscriptions.
func (p *PaperAdapter) Subscriptions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}

// UpdatePrice sets the simulated price for a symbol without emitting a tick.
func (p *PaperAdapter) UpdatePrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priceCache[symbol] = price
}

// ExpireSessions revokes every issued access token. When keepRefresh is
// false refresh tokens are revoked too, forcing a full login.
func (p *PaperAdapter) ExpireSessions(keepRefresh bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accessTokens = make(map[string]string)
	if !keepRefresh {
		p.refreshTokens = make(map[string]string)
	}
}

// FailOrders makes subsequent PlaceOrder calls return err. Pass nil to clear.
func (p *PaperAdapter) FailOrders(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orderErr = err
}

// Orders returns the filled orders in placement order.
func (p *PaperAdapter) Orders() []models.OrderResult {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.OrderResult, len(p.orders))
	copy(out, p.orders)
	return out
}

// OrderSpecs returns the specs of filled orders in placement order.
func (p *PaperAdapter) OrderSpecs() []models.OrderSpec {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.OrderSpec, len(p.orderSpecs))
	copy(out, p.orderSpecs)
	return out
}

// Reset clears prices and orders. Sessions stay valid.
func (p *PaperAdapter) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priceCache = make(map[string]float64)
	p.orders = nil
	p.orderSpecs = nil
	p.orderErr = nil
}

func (p *PaperAdapter) price(symbol string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.priceCache[symbol]
	return price, ok
}

func (p *PaperAdapter) checkSession(sess *models.Session) error {
	if err := requireSession(sess); err != nil {
		return err
	}
	p.mu.RLock()
	_, ok := p.accessTokens[sess.AccessToken]
	p.mu.RUnlock()
	if !ok {
		return apperrors.NewBrokerError("paper", "TokenException", fmt.Sprintf("access token for %s is no longer valid", sess.Owner), apperrors.ErrSessionExpired)
	}
	return nil
}

func (p *PaperAdapter) remove(sub *paperSubscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, sub)
}

type paperSubscription struct {
	adapter *PaperAdapter
	onTick  TickHandler

	mu          sync.RWMutex
	instruments map[string]models.Instrument // by symbol

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func (s *paperSubscription) wants(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.instruments[symbol]
	return ok
}

func (s *paperSubscription) Update(instruments []models.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instruments = instrumentSet(instruments)
	return nil
}

func (s *paperSubscription) Close() error {
	s.stop(nil)
	return nil
}

func (s *paperSubscription) stop(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.adapter.remove(s)
		close(s.done)
	})
}

func (s *paperSubscription) Done() <-chan struct{} {
	return s.done
}

func (s *paperSubscription) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func instrumentSet(instruments []models.Instrument) map[string]models.Instrument {
	set := make(map[string]models.Instrument, len(instruments))
	for _, inst := range instruments {
		set[inst.Symbol] = inst
	}
	return set
}

var _ Adapter = (*PaperAdapter)(nil)
