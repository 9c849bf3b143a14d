package trading

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"autoexit-trader/internal/broker"
	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/internal/lock"
	"autoexit-trader/internal/logging"
	"autoexit-trader/internal/metrics"
	"autoexit-trader/internal/models"
	"autoexit-trader/internal/notify"
	"autoexit-trader/internal/session"
	"autoexit-trader/internal/store"
)

const defaultExitTimeout = 30 * time.Second

// ExecutorConfig holds configuration for the exit executor.
type ExecutorConfig struct {
	Store    store.PositionStore
	Sessions *session.Manager
	// Locker optionally guards the claim across processes sharing a store.
	Locker  lock.Locker
	LockTTL time.Duration
	// OrderTag is attached to every exit order.
	OrderTag string
	Timeout  time.Duration
	// Notifier, when set, is told about every exit and failed exit.
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// Executor places exit orders. It claims the position before submitting so
// at most one exit order is placed per position.
type Executor struct {
	store    store.PositionStore
	sessions *session.Manager
	locker   lock.Locker
	lockTTL  time.Duration
	tag      string
	timeout  time.Duration
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

// NewExecutor creates an exit executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultExitTimeout
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 2 * timeout
	}
	return &Executor{
		store:    cfg.Store,
		sessions: cfg.Sessions,
		locker:   cfg.Locker,
		lockTTL:  ttl,
		tag:      cfg.OrderTag,
		timeout:  timeout,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With().Str("component", "exit").Logger(),
		now:      time.Now,
	}
}

// Execute exits p. A position that is no longer ACTIVE when claimed is left
// alone and Execute returns (false, nil). On order failure the claim is
// released so the next qualifying tick retries.
func (e *Executor) Execute(ctx context.Context, p *models.Position, reason string, trigger, lastPrice float64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	logger := logging.WithPosition(e.logger, p.ID, p.Owner, p.Symbol)

	if e.locker != nil {
		release, err := e.locker.Acquire(ctx, "exit:"+p.ID, e.lockTTL)
		if apperrors.Is(err, apperrors.ErrLockHeld) {
			logger.Debug().Msg("Exit held by another process")
			return false, nil
		}
		if err != nil {
			return false, apperrors.NewExitError(p.ID, p.Owner, p.Symbol, err)
		}
		defer release()
	}

	claimed, err := e.store.Claim(ctx, p.ID)
	if err != nil {
		return false, apperrors.NewExitError(p.ID, p.Owner, p.Symbol, err)
	}
	if !claimed {
		logger.Debug().Msg("Position no longer active, discarding exit")
		return false, nil
	}

	order := exitOrder(p, e.tag)
	var result *models.OrderResult
	err = e.sessions.Do(ctx, p.Owner, func(ctx context.Context, adapter broker.Adapter, sess *models.Session) error {
		r, err := adapter.PlaceOrder(ctx, sess, order)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		// The claim was never committed; give the position back.
		if rerr := e.store.Release(context.WithoutCancel(ctx), p.ID); rerr != nil {
			logger.Error().Err(rerr).Msg("Failed to release claim")
		}
		e.metrics.ExitFailure(failureKind(err))
		xerr := apperrors.NewExitError(p.ID, p.Owner, p.Symbol, err)
		logger.Error().Err(xerr).Str("reason", reason).Msg("Exit order failed")
		e.sendNotification(ctx, exitEvent(p, notify.EventExitFailed, reason, lastPrice, "", err))
		return false, xerr
	}

	fill := result.AveragePrice
	if fill <= 0 {
		fill = e.orderFill(ctx, p.Owner, result.OrderID)
	}
	if fill <= 0 {
		fill = lastPrice
	}
	if fill <= 0 {
		logger.Warn().Str("order_id", result.OrderID).Msg("Exit price unknown, recording exit without a price")
	}
	record := store.ExitRecord{
		Price:   fill,
		Reason:  reason,
		OrderID: result.OrderID,
		At:      e.now(),
	}
	if err := e.store.CommitExit(context.WithoutCancel(ctx), p.ID, record); err != nil {
		// The order is live; the position stays CLAIMED so it is never exited twice.
		logger.Error().Err(err).Str("order_id", result.OrderID).Msg("Exit placed but commit failed")
		return true, apperrors.NewExitError(p.ID, p.Owner, p.Symbol, err)
	}

	e.metrics.Exit(reason)
	logging.LogExit(logging.WithOrderID(logger, result.OrderID), result.OrderID, reason, trigger, fill)
	e.sendNotification(ctx, exitEvent(p, notify.EventExit, reason, fill, result.OrderID, nil))
	return true, nil
}

// orderFill asks the broker for the average price of a placed order. It
// returns 0 when the broker has none yet.
func (e *Executor) orderFill(ctx context.Context, owner, orderID string) float64 {
	var fill float64
	err := e.sessions.Do(ctx, owner, func(ctx context.Context, adapter broker.Adapter, sess *models.Session) error {
		price, err := adapter.OrderFillPrice(ctx, sess, orderID)
		fill = price
		return err
	})
	if err != nil {
		return 0
	}
	return fill
}

// sendNotification runs outside the exit deadline. Failures are logged by
// the notifier and never affect the exit.
func (e *Executor) sendNotification(ctx context.Context, ev notify.Event) {
	if e.notifier == nil {
		return
	}
	ev.Timestamp = e.now()
	_ = e.notifier.Notify(context.WithoutCancel(ctx), ev)
}

func exitEvent(p *models.Position, typ notify.EventType, reason string, price float64, orderID string, err error) notify.Event {
	ev := notify.Event{
		Type:       typ,
		PositionID: p.ID,
		Owner:      p.Owner,
		Exchange:   string(p.Exchange),
		Symbol:     p.Symbol,
		Quantity:   p.Quantity,
		EntryPrice: p.EntryPrice,
		Price:      price,
		Reason:     reason,
		OrderID:    orderID,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// exitOrder builds the opposite-side market order that flattens p.
func exitOrder(p *models.Position, tag string) models.OrderSpec {
	return models.OrderSpec{
		Side:     p.Side.Opposite(),
		Exchange: p.Exchange,
		Symbol:   p.Symbol,
		Token:    p.InstrumentToken,
		Quantity: p.Quantity,
		Type:     models.OrderTypeMarket,
		Product:  p.Product,
		Tag:      tag,
	}
}

func failureKind(err error) string {
	switch {
	case apperrors.Is(err, apperrors.ErrOrderRejected):
		return "rejected"
	case apperrors.Is(err, apperrors.ErrSessionExpired), apperrors.Is(err, apperrors.ErrAuthentication):
		return "session"
	case apperrors.Is(err, apperrors.ErrConnectionFailed):
		return "connection"
	default:
		return "other"
	}
}
