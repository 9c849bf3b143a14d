package trading

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"autoexit-trader/internal/broker"
	"autoexit-trader/internal/credentials"
	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/internal/lock"
	"autoexit-trader/internal/models"
	"autoexit-trader/internal/notify"
	"autoexit-trader/internal/session"
	"autoexit-trader/internal/store"
)

// countingStore records every write so tests can assert on store traffic.
type countingStore struct {
	store.PositionStore
	writes   atomic.Int32
	trailing atomic.Int32
	lookups  atomic.Int32
}

func (c *countingStore) ActiveBySymbol(ctx context.Context, symbol string) ([]models.Position, error) {
	c.lookups.Add(1)
	return c.PositionStore.ActiveBySymbol(ctx, symbol)
}

func (c *countingStore) UpdateTrailing(ctx context.Context, id string, highest, base float64) error {
	c.writes.Add(1)
	c.trailing.Add(1)
	return c.PositionStore.UpdateTrailing(ctx, id, highest, base)
}

func (c *countingStore) Claim(ctx context.Context, id string) (bool, error) {
	c.writes.Add(1)
	return c.PositionStore.Claim(ctx, id)
}

func (c *countingStore) Release(ctx context.Context, id string) error {
	c.writes.Add(1)
	return c.PositionStore.Release(ctx, id)
}

func (c *countingStore) CommitExit(ctx context.Context, id string, exit store.ExitRecord) error {
	c.writes.Add(1)
	return c.PositionStore.CommitExit(ctx, id, exit)
}

type harness struct {
	store      *countingStore
	paper      *broker.PaperAdapter
	sessions   *session.Manager
	executor   *Executor
	dispatcher *Dispatcher
	monitor    *Monitor
}

type harnessConfig struct {
	exec ExecutorConfig
	wrap func(*broker.PaperAdapter) broker.Adapter
}

type harnessOption func(cfg *harnessConfig)

func withLocker(l lock.Locker) harnessOption {
	return func(cfg *harnessConfig) { cfg.exec.Locker = l }
}

func withNotifier(n notify.Notifier) harnessOption {
	return func(cfg *harnessConfig) { cfg.exec.Notifier = n }
}

// withPricelessBroker registers a paper broker that never quotes an LTP and
// places orders without an average price. With reportFills the order fill is
// still available through OrderFillPrice.
func withPricelessBroker(reportFills bool) harnessOption {
	return func(cfg *harnessConfig) {
		cfg.wrap = func(p *broker.PaperAdapter) broker.Adapter {
			return pricelessAdapter{PaperAdapter: p, reportFills: reportFills}
		}
	}
}

type pricelessAdapter struct {
	*broker.PaperAdapter
	reportFills bool
}

func (a pricelessAdapter) GetLastPrice(ctx context.Context, sess *models.Session, inst models.Instrument) (float64, error) {
	return 0, apperrors.Wrapf(apperrors.ErrDataUnavailable, "no LTP for %s", inst.Key())
}

func (a pricelessAdapter) PlaceOrder(ctx context.Context, sess *models.Session, order models.OrderSpec) (*models.OrderResult, error) {
	res, err := a.PaperAdapter.PlaceOrder(ctx, sess, order)
	if err != nil {
		return nil, err
	}
	res.AveragePrice = 0
	return res, nil
}

func (a pricelessAdapter) OrderFillPrice(ctx context.Context, sess *models.Session, orderID string) (float64, error) {
	if a.reportFills {
		return a.PaperAdapter.OrderFillPrice(ctx, sess, orderID)
	}
	return 0, apperrors.Wrapf(apperrors.ErrDataUnavailable, "order %s has no fill", orderID)
}

// recordingNotifier keeps every event it is sent.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(ctx context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingNotifier) Events() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	logger := zerolog.Nop()

	cfg := harnessConfig{
		wrap: func(p *broker.PaperAdapter) broker.Adapter { return p },
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	paper := broker.NewPaperAdapter(broker.PaperConfig{Logger: logger})
	sessions := session.NewManager(session.Config{
		Brokers: broker.NewRegistry(cfg.wrap(paper)),
		Credentials: credentials.Static{
			"alice": {Username: "alice", BrokerKind: models.BrokerPaper},
			"bob":   {Username: "bob", BrokerKind: models.BrokerPaper},
		},
		Logger: logger,
	})
	st := &countingStore{PositionStore: store.NewMemoryStore()}

	execCfg := cfg.exec
	execCfg.Store = st
	execCfg.Sessions = sessions
	execCfg.OrderTag = "autoexit"
	execCfg.Timeout = 5 * time.Second
	execCfg.Logger = logger
	executor := NewExecutor(execCfg)

	dispatcher := NewDispatcher(DispatcherConfig{
		Store:    st,
		Sessions: sessions,
		Executor: executor,
		Logger:   logger,
	})
	monitor := NewMonitor(MonitorConfig{
		Store:             st,
		Sessions:          sessions,
		Dispatcher:        dispatcher,
		Executor:          executor,
		ReconcileInterval: time.Hour,
		Logger:            logger,
	})
	t.Cleanup(dispatcher.Close)

	return &harness{
		store:      st,
		paper:      paper,
		sessions:   sessions,
		executor:   executor,
		dispatcher: dispatcher,
		monitor:    monitor,
	}
}

// open creates an ACTIVE long position and returns its id.
func (h *harness) open(t *testing.T, owner, symbol string, entry float64, sl models.StopLossSpec, sell *models.SellSpec) string {
	t.Helper()
	id, err := h.monitor.OpenPosition(context.Background(), OpenRequest{
		Owner:      owner,
		Symbol:     symbol,
		Quantity:   10,
		EntryPrice: entry,
		StopLoss:   sl,
		Sell:       sell,
	})
	require.NoError(t, err)
	return id
}

// tick sets the simulated fill price and dispatches a tick directly.
func (h *harness) tick(symbol string, price float64) {
	h.paper.UpdatePrice(symbol, price)
	h.dispatcher.HandleTick(models.Tick{Symbol: symbol, LTP: price, Timestamp: time.Now()})
}

func (h *harness) get(t *testing.T, id string) *models.Position {
	t.Helper()
	p, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return p
}

func fixedStop(v float64) models.StopLossSpec {
	return models.StopLossSpec{Kind: models.StopLossFixed, Value: v}
}
