// Package broker provides broker integration interfaces and implementations.
package broker

import (
	"context"
	"sort"
	"sync"

	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/internal/models"
)

// Adapter is the capability set every broker backend provides. Adapters are
// stateless with respect to users: all per-user state travels in the Session.
type Adapter interface {
	Kind() models.BrokerKind

	// Authenticate performs a full login. Bad credentials or a stale one-time
	// code yield ErrAuthentication.
	Authenticate(ctx context.Context, creds models.Credentials) (*models.Session, error)
	// RefreshSession exchanges the refresh token for a new access token.
	// Backends without a refresh flow return ErrRefreshUnsupported.
	RefreshSession(ctx context.Context, sess *models.Session) (*models.Session, error)

	// GetLastPrice returns the LTP or ErrDataUnavailable.
	GetLastPrice(ctx context.Context, sess *models.Session, inst models.Instrument) (float64, error)
	// PlaceOrder submits an order. Errors wrap ErrOrderRejected or ErrSessionExpired.
	PlaceOrder(ctx context.Context, sess *models.Session, order models.OrderSpec) (*models.OrderResult, error)
	// OrderFillPrice returns an order's average fill price, or
	// ErrDataUnavailable while the order has not filled.
	OrderFillPrice(ctx context.Context, sess *models.Session, orderID string) (float64, error)

	// SubscribeTicks opens a push stream for instruments. onTick is invoked from
	// the stream's own goroutine, in arrival order.
	SubscribeTicks(ctx context.Context, sess *models.Session, instruments []models.Instrument, onTick TickHandler) (Subscription, error)
}

// TickHandler receives normalized ticks.
type TickHandler func(models.Tick)

// Subscription is a live tick stream for one session. Transport failures are
// handled inside the subscription by reconnecting and resubscribing.
type Subscription interface {
	// Update replaces the subscribed instrument set.
	Update(instruments []models.Instrument) error
	Close() error
	// Done is closed once the stream has stopped for good; Err then reports why.
	Done() <-chan struct{}
	Err() error
}

// Registry maps broker kinds to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.BrokerKind]Adapter
}

// NewRegistry creates a registry holding the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.BrokerKind]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its kind.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

// Get returns the adapter for kind.
func (r *Registry) Get(kind models.BrokerKind) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrUnknownBroker, "%s", kind)
	}
	return a, nil
}

// Kinds returns the registered broker kinds in sorted order.
func (r *Registry) Kinds() []models.BrokerKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]models.BrokerKind, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// requireSession guards adapter calls made without an authenticated session.
func requireSession(sess *models.Session) error {
	if sess == nil || sess.AccessToken == "" {
		return apperrors.ErrNoSession
	}
	if sess.State == models.SessionExpired {
		return apperrors.ErrSessionExpired
	}
	return nil
}
