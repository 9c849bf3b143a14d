package trading

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"autoexit-trader/internal/broker"
	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/internal/logging"
	"autoexit-trader/internal/models"
	"autoexit-trader/internal/session"
	"autoexit-trader/internal/store"
	"autoexit-trader/pkg/id"
)

const defaultReconcileInterval = 30 * time.Second

// OpenRequest describes a position to monitor.
type OpenRequest struct {
	Owner           string
	Symbol          string
	Exchange        models.Exchange
	InstrumentToken string
	Product         models.ProductType
	Quantity        int
	EntryPrice      float64
	StopLoss        models.StopLossSpec
	Sell            *models.SellSpec
}

// MonitorConfig holds configuration for the monitor.
type MonitorConfig struct {
	Store    store.PositionStore
	Sessions *session.Manager
	// Dispatcher is nil for admin-only use: changes land in the store and a
	// running engine sharing it picks them up on its next reconcile.
	Dispatcher *Dispatcher
	Executor   *Executor

	ReconcileInterval time.Duration
	DefaultExchange   models.Exchange
	DefaultProduct    models.ProductType
	Logger            zerolog.Logger
}

// Monitor is the position admin API and the engine's run loop.
type Monitor struct {
	store      store.PositionStore
	sessions   *session.Manager
	dispatcher *Dispatcher
	executor   *Executor
	logger     zerolog.Logger

	interval        time.Duration
	defaultExchange models.Exchange
	defaultProduct  models.ProductType
	now             func() time.Time
}

// NewMonitor creates a monitor. Full re-authentications reported by the
// session manager resubscribe that owner's stream.
func NewMonitor(cfg MonitorConfig) *Monitor {
	interval := cfg.ReconcileInterval
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	exchange := cfg.DefaultExchange
	if exchange == "" {
		exchange = models.NSE
	}
	product := cfg.DefaultProduct
	if product == "" {
		product = models.ProductMIS
	}

	m := &Monitor{
		store:           cfg.Store,
		sessions:        cfg.Sessions,
		dispatcher:      cfg.Dispatcher,
		executor:        cfg.Executor,
		logger:          cfg.Logger.With().Str("component", "monitor").Logger(),
		interval:        interval,
		defaultExchange: exchange,
		defaultProduct:  product,
		now:             time.Now,
	}
	if cfg.Dispatcher != nil {
		cfg.Sessions.OnReauthenticated(m.onReauthenticated)
	}
	return m
}

// OpenPosition validates req, stores an ACTIVE position and makes sure the
// owner's stream covers its instrument.
func (m *Monitor) OpenPosition(ctx context.Context, req OpenRequest) (string, error) {
	if err := m.validate(&req); err != nil {
		return "", err
	}

	now := m.now().UTC()
	p := &models.Position{
		ID:              id.New(),
		Owner:           req.Owner,
		Symbol:          req.Symbol,
		Exchange:        req.Exchange,
		InstrumentToken: req.InstrumentToken,
		Side:            models.OrderSideBuy,
		Product:         req.Product,
		Quantity:        req.Quantity,
		EntryPrice:      req.EntryPrice,
		StopLoss:        req.StopLoss,
		Sell:            req.Sell,
		HighestPrice:    req.EntryPrice,
		BasePrice:       req.EntryPrice,
		Status:          models.PositionActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.Create(ctx, p); err != nil {
		return "", err
	}

	logger := logging.WithPosition(m.logger, p.ID, p.Owner, p.Symbol)
	logger.Info().
		Float64("entry", p.EntryPrice).
		Str("stop_loss", string(p.StopLoss.Kind)).
		Float64("stop_value", p.StopLoss.Value).
		Msg("Position opened")

	m.reconcileOwner(ctx, p.Owner)
	return p.ID, nil
}

// UpdateConditions replaces the exit conditions of an open position. A nil
// spec leaves that condition unchanged.
func (m *Monitor) UpdateConditions(ctx context.Context, positionID string, stopLoss *models.StopLossSpec, sell *models.SellSpec) error {
	if stopLoss != nil {
		if err := ValidateStopLoss(*stopLoss); err != nil {
			return err
		}
	}
	if err := ValidateSell(sell); err != nil {
		return err
	}
	return m.store.UpdateConditions(ctx, positionID, stopLoss, sell)
}

// ListActivePositions returns open positions for owner, or for everyone when
// owner is empty.
func (m *Monitor) ListActivePositions(ctx context.Context, owner string) ([]models.Position, error) {
	return m.store.ListActive(ctx, owner)
}

// GetPosition returns a position in any state.
func (m *Monitor) GetPosition(ctx context.Context, positionID string) (*models.Position, error) {
	return m.store.Get(ctx, positionID)
}

// ClosePosition cancels monitoring without placing an order. Closing an
// already closed position is a no-op.
func (m *Monitor) ClosePosition(ctx context.Context, positionID string) error {
	p, err := m.store.Get(ctx, positionID)
	if err != nil {
		return err
	}
	if err := m.store.Cancel(ctx, positionID); err != nil {
		return err
	}
	logger := logging.WithPosition(m.logger, p.ID, p.Owner, p.Symbol)
	logger.Info().Msg("Position cancelled")
	m.reconcileOwner(ctx, p.Owner)
	return nil
}

// ExitPosition places a market exit for an open position now.
func (m *Monitor) ExitPosition(ctx context.Context, positionID string) error {
	p, err := m.store.Get(ctx, positionID)
	if err != nil {
		return err
	}
	if p.Status != models.PositionActive {
		if p.Status == models.PositionClaimed {
			return apperrors.ErrExitInProgress
		}
		return apperrors.Wrapf(apperrors.ErrPositionInactive, "%s is %s", p.ID, p.Status)
	}

	var last float64
	err = m.sessions.Do(ctx, p.Owner, func(ctx context.Context, adapter broker.Adapter, sess *models.Session) error {
		price, err := adapter.GetLastPrice(ctx, sess, p.Instrument())
		last = price
		return err
	})
	if err != nil && !apperrors.Is(err, apperrors.ErrDataUnavailable) {
		return err
	}

	exited, err := m.executor.Execute(ctx, p, ReasonManual, last, last)
	if err != nil {
		return err
	}
	if !exited {
		return apperrors.ErrExitInProgress
	}
	logger := logging.WithOperation(logging.WithPosition(m.logger, p.ID, p.Owner, p.Symbol), "manual_exit")
	logger.Info().Float64("last_price", last).Msg("Position exited on request")
	m.reconcileOwner(ctx, p.Owner)
	return nil
}

// Run reconciles subscriptions at start and every interval until ctx is done,
// then closes the dispatcher.
func (m *Monitor) Run(ctx context.Context) error {
	if m.dispatcher == nil {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "monitor has no dispatcher")
	}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := m.dispatcher.Reconcile(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("Initial reconcile incomplete")
		}

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := m.dispatcher.Reconcile(ctx); err != nil {
					m.logger.Warn().Err(err).Msg("Reconcile incomplete")
				}
			}
		}
	})

	m.logger.Info().Dur("reconcile_interval", m.interval).Msg("Monitor started")
	err := g.Wait()
	m.dispatcher.Close()
	m.sessions.Wait()
	m.logger.Info().Msg("Monitor stopped")
	return err
}

func (m *Monitor) onReauthenticated(ctx context.Context, owner string, sess *models.Session) {
	if err := m.dispatcher.Resubscribe(ctx, owner); err != nil {
		logger := logging.WithOwner(m.logger, owner)
		logger.Error().Err(err).Msg("Resubscribe after login failed")
	}
}

// reconcileOwner runs after admin mutations. Failures are retried by Run.
func (m *Monitor) reconcileOwner(ctx context.Context, owner string) {
	if m.dispatcher == nil {
		return
	}
	if err := m.dispatcher.ReconcileOwner(ctx, owner); err != nil {
		logger := logging.WithOwner(m.logger, owner)
		logger.Warn().Err(err).Msg("Reconcile after change failed")
	}
}

func (m *Monitor) validate(req *OpenRequest) error {
	req.Owner = strings.TrimSpace(req.Owner)
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Exchange == "" {
		req.Exchange = m.defaultExchange
	}
	if req.Product == "" {
		req.Product = m.defaultProduct
	}

	if req.Owner == "" {
		return apperrors.NewValidationError("owner", req.Owner, "required")
	}
	if req.Symbol == "" {
		return apperrors.NewValidationError("symbol", req.Symbol, "required")
	}
	if req.Quantity <= 0 {
		return apperrors.NewValidationError("quantity", req.Quantity, "must be positive")
	}
	if req.EntryPrice <= 0 {
		return apperrors.NewValidationError("entry_price", req.EntryPrice, "must be positive")
	}
	if err := ValidateStopLoss(req.StopLoss); err != nil {
		return err
	}
	return ValidateSell(req.Sell)
}
