package trading

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"autoexit-trader/internal/broker"
	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/internal/logging"
	"autoexit-trader/internal/metrics"
	"autoexit-trader/internal/models"
	"autoexit-trader/internal/session"
	"autoexit-trader/internal/store"
)

// DispatcherConfig holds the dispatcher's collaborators.
type DispatcherConfig struct {
	Store    store.PositionStore
	Sessions *session.Manager
	Executor *Executor
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// Dispatcher fans ticks out to the active positions on their symbol and keeps
// one broker subscription per owner covering that owner's open instruments.
type Dispatcher struct {
	store    store.PositionStore
	sessions *session.Manager
	executor *Executor
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	positions *keyedMutex
	exits     sync.WaitGroup

	lastMu sync.Mutex
	last   map[string]tickMark // last evaluated tick per symbol

	// ctx bounds work started from tick callbacks, which carry no context.
	ctx    context.Context
	cancel context.CancelFunc

	subMu sync.Mutex // serializes subscription changes
	subs  map[string]*ownerSubscription
}

type tickMark struct {
	ltp float64
	at  time.Time
}

type ownerSubscription struct {
	sub         broker.Subscription
	instruments []models.Instrument
}

// NewDispatcher creates a dispatcher. Call Close to stop its subscriptions.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:     cfg.Store,
		sessions:  cfg.Sessions,
		executor:  cfg.Executor,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With().Str("component", "dispatcher").Logger(),
		positions: newKeyedMutex(),
		last:      make(map[string]tickMark),
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[string]*ownerSubscription),
	}
}

// HandleTick evaluates every ACTIVE position on tick.Symbol. Exits run on
// their own goroutines so a slow order never stalls other positions.
func (d *Dispatcher) HandleTick(tick models.Tick) {
	if d.ctx.Err() != nil {
		return
	}
	if d.repeated(tick) {
		d.metrics.DuplicateTick()
		return
	}

	positions, err := d.store.ActiveBySymbol(d.ctx, tick.Symbol)
	if err != nil {
		logger := logging.WithSymbol(d.logger, tick.Symbol)
		logger.Error().Err(err).Msg("Position lookup failed")
		return
	}
	for i := range positions {
		d.evaluate(positions[i].ID, tick)
	}
}

// repeated reports whether tick carries the same exchange time and LTP as the
// last tick evaluated for its symbol. Owners streaming the same symbol each
// deliver every exchange tick. Ticks without a timestamp are never skipped.
func (d *Dispatcher) repeated(tick models.Tick) bool {
	if tick.Timestamp.IsZero() {
		return false
	}
	mark := tickMark{ltp: tick.LTP, at: tick.Timestamp}

	d.lastMu.Lock()
	defer d.lastMu.Unlock()
	prev, ok := d.last[tick.Symbol]
	if ok && prev.ltp == mark.ltp && prev.at.Equal(mark.at) {
		return true
	}
	d.last[tick.Symbol] = mark
	return false
}

// evaluate runs read, evaluate and persist under the position's lock.
func (d *Dispatcher) evaluate(id string, tick models.Tick) {
	unlock := d.positions.Lock(id)

	p, err := d.store.Get(d.ctx, id)
	if err != nil || p.Status != models.PositionActive {
		unlock()
		return
	}
	logger := logging.WithPosition(d.logger, p.ID, p.Owner, p.Symbol)

	ev := Evaluate(p, tick.LTP)
	d.metrics.Evaluation()

	if ev.Changed(p) {
		if err := d.store.UpdateTrailing(d.ctx, p.ID, ev.HighestPrice, ev.BasePrice); err != nil {
			logger.Error().Err(err).Msg("Trailing update failed")
		}
		p.HighestPrice, p.BasePrice = ev.HighestPrice, ev.BasePrice
	}
	unlock()

	if !ev.Exit {
		return
	}

	logger.Info().
		Str("reason", ev.Reason).
		Float64("ltp", tick.LTP).
		Float64("trigger", ev.TriggerPrice()).
		Msg("Exit triggered")

	d.exits.Add(1)
	go func() {
		defer d.exits.Done()
		// Failures are logged by the executor; the next qualifying tick retries.
		exited, _ := d.executor.Execute(d.ctx, p, ev.Reason, ev.TriggerPrice(), tick.LTP)
		if exited && d.ctx.Err() == nil {
			// Drop the instrument once no position needs it.
			if err := d.ReconcileOwner(d.ctx, p.Owner); err != nil {
				logger.Warn().Err(err).Msg("Reconcile after exit failed")
			}
		}
	}()
}

// Reconcile brings every owner's subscription in line with the open positions.
func (d *Dispatcher) Reconcile(ctx context.Context) error {
	positions, err := d.store.ListActive(ctx, "")
	if err != nil {
		return err
	}
	wanted := instrumentsByOwner(positions)

	d.subMu.Lock()
	for owner := range d.subs {
		if _, ok := wanted[owner]; !ok {
			wanted[owner] = nil
		}
	}
	d.subMu.Unlock()

	owners := make([]string, 0, len(wanted))
	for owner := range wanted {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	var errs []error
	for _, owner := range owners {
		if err := d.reconcileOwner(ctx, owner, wanted[owner]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReconcileOwner updates one owner's subscription.
func (d *Dispatcher) ReconcileOwner(ctx context.Context, owner string) error {
	positions, err := d.store.ListActive(ctx, owner)
	if err != nil {
		return err
	}
	return d.reconcileOwner(ctx, owner, instrumentsByOwner(positions)[owner])
}

// Resubscribe drops the owner's subscription and opens a new one, used after
// a full re-authentication invalidated the old stream.
func (d *Dispatcher) Resubscribe(ctx context.Context, owner string) error {
	d.subMu.Lock()
	if cur, ok := d.subs[owner]; ok {
		delete(d.subs, owner)
		cur.sub.Close()
	}
	d.subMu.Unlock()
	return d.ReconcileOwner(ctx, owner)
}

func (d *Dispatcher) reconcileOwner(ctx context.Context, owner string, instruments []models.Instrument) error {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	logger := logging.WithOwner(d.logger, owner)
	cur := d.subs[owner]

	if len(instruments) == 0 {
		if cur != nil {
			delete(d.subs, owner)
			cur.sub.Close()
			logger.Info().Msg("Subscription closed, no open positions")
		}
		d.metrics.SubscribedInstruments(owner, 0)
		return nil
	}

	if cur != nil && !isDone(cur.sub) {
		if sameInstruments(cur.instruments, instruments) {
			return nil
		}
		err := cur.sub.Update(instruments)
		if err == nil {
			cur.instruments = instruments
			d.metrics.SubscribedInstruments(owner, len(instruments))
			logger.Debug().Int("instruments", len(instruments)).Msg("Subscription updated")
			return nil
		}
		logger.Warn().Err(err).Msg("Subscription update failed, reopening")
	}
	if cur != nil {
		delete(d.subs, owner)
		cur.sub.Close()
	}

	var sub broker.Subscription
	err := d.sessions.Do(ctx, owner, func(ctx context.Context, adapter broker.Adapter, sess *models.Session) error {
		s, err := adapter.SubscribeTicks(ctx, sess, instruments, d.tickHandler(adapter.Kind()))
		if err != nil {
			return err
		}
		sub = s
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("Subscribe failed")
		return apperrors.Wrapf(err, "subscribe %s", owner)
	}

	d.subs[owner] = &ownerSubscription{sub: sub, instruments: instruments}
	d.metrics.SubscribedInstruments(owner, len(instruments))
	logger.Info().Int("instruments", len(instruments)).Msg("Subscribed")

	go d.watch(owner, sub)
	return nil
}

// watch reopens a subscription that stopped on its own.
func (d *Dispatcher) watch(owner string, sub broker.Subscription) {
	select {
	case <-d.ctx.Done():
		return
	case <-sub.Done():
	}

	d.subMu.Lock()
	cur, ok := d.subs[owner]
	current := ok && cur.sub == sub
	d.subMu.Unlock()
	if !current {
		return
	}

	logger := logging.WithOwner(d.logger, owner)
	logger.Warn().Err(sub.Err()).Msg("Subscription stopped, reopening")
	if err := d.ReconcileOwner(d.ctx, owner); err != nil {
		// The periodic reconcile retries.
		logger.Error().Err(err).Msg("Reopen failed")
	}
}

func (d *Dispatcher) tickHandler(kind models.BrokerKind) broker.TickHandler {
	label := string(kind)
	return func(tick models.Tick) {
		d.metrics.Tick(label)
		d.HandleTick(tick)
	}
}

// Subscribed returns the instruments on each owner's subscription.
func (d *Dispatcher) Subscribed() map[string][]models.Instrument {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	out := make(map[string][]models.Instrument, len(d.subs))
	for owner, s := range d.subs {
		out[owner] = append([]models.Instrument(nil), s.instruments...)
	}
	return out
}

// WaitExits blocks until in-flight exits finish.
func (d *Dispatcher) WaitExits() {
	d.exits.Wait()
}

// Close stops all subscriptions and waits for in-flight exits.
func (d *Dispatcher) Close() {
	d.subMu.Lock()
	for owner, s := range d.subs {
		s.sub.Close()
		delete(d.subs, owner)
	}
	d.subMu.Unlock()

	d.exits.Wait()
	d.cancel()
}

// instrumentsByOwner returns each owner's distinct instruments, sorted by key.
func instrumentsByOwner(positions []models.Position) map[string][]models.Instrument {
	seen := make(map[string]map[string]models.Instrument)
	for i := range positions {
		p := &positions[i]
		if seen[p.Owner] == nil {
			seen[p.Owner] = make(map[string]models.Instrument)
		}
		inst := p.Instrument()
		seen[p.Owner][inst.Key()] = inst
	}

	out := make(map[string][]models.Instrument, len(seen))
	for owner, set := range seen {
		list := make([]models.Instrument, 0, len(set))
		for _, inst := range set {
			list = append(list, inst)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Key() < list[j].Key() })
		out[owner] = list
	}
	return out
}

func sameInstruments(a, b []models.Instrument) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func isDone(sub broker.Subscription) bool {
	select {
	case <-sub.Done():
		return true
	default:
		return false
	}
}
