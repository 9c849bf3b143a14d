// Package session owns per-owner broker sessions and their recovery chain.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"autoexit-trader/internal/broker"
	"autoexit-trader/internal/credentials"
	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/internal/logging"
	"autoexit-trader/internal/metrics"
	"autoexit-trader/internal/models"
	"autoexit-trader/internal/resilience"
)

// Hook is called after a full re-authentication replaced an owner's session.
type Hook func(ctx context.Context, owner string, sess *models.Session)

// Call is a broker operation executed on behalf of an owner.
type Call func(ctx context.Context, adapter broker.Adapter, sess *models.Session) error

// Config holds the manager's collaborators.
type Config struct {
	Brokers     *broker.Registry
	Credentials credentials.Provider
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger

	// LoginBreaker limits full logins per owner. Zero value uses the defaults.
	LoginBreaker resilience.BreakerConfig
}

// Manager is the session registry. Sessions are keyed by owner and only
// replaced through Login or the recovery chain.
type Manager struct {
	brokers  *broker.Registry
	creds    credentials.Provider
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	breakers *resilience.BreakerSet

	mu       sync.RWMutex
	sessions map[string]*models.Session
	hooks    []Hook

	recovery singleflight.Group
	hookWG   sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(cfg Config) *Manager {
	breakerCfg := cfg.LoginBreaker
	if breakerCfg.FailureThreshold == 0 {
		breakerCfg = resilience.DefaultBreakerConfig()
	}
	if breakerCfg.IsFailure == nil {
		// Network blips should not lock an owner out.
		breakerCfg.IsFailure = func(err error) bool {
			return apperrors.Is(err, apperrors.ErrAuthentication)
		}
	}

	return &Manager{
		brokers:  cfg.Brokers,
		creds:    cfg.Credentials,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With().Str("component", "session").Logger(),
		breakers: resilience.NewBreakerSet(breakerCfg),
		sessions: make(map[string]*models.Session),
	}
}

// OnReauthenticated registers a hook fired after every full re-authentication.
// Hooks run on their own goroutine.
func (m *Manager) OnReauthenticated(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// Login performs a full authentication for owner and stores the session.
func (m *Manager) Login(ctx context.Context, owner string) (*models.Session, error) {
	sess, err := m.authenticate(ctx, owner)
	if err != nil {
		return nil, err
	}
	m.put(sess)
	logger := logging.WithOwner(m.logger, owner)
	logger.Info().Str("broker", string(sess.BrokerKind)).Msg("Logged in")
	return clone(sess), nil
}

// Get returns the owner's current session.
func (m *Manager) Get(owner string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[owner]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrNoSession, "%s", owner)
	}
	return clone(sess), nil
}

// Set installs an externally obtained session, e.g. one restored from a
// Kite request token.
func (m *Manager) Set(sess *models.Session) {
	m.put(clone(sess))
}

// Invalidate drops the owner's session.
func (m *Manager) Invalidate(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, owner)
}

// Owners returns the owners holding a session, sorted.
func (m *Manager) Owners() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owners := make([]string, 0, len(m.sessions))
	for owner := range m.sessions {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners
}

// Ensure returns the owner's session, logging in first if there is none.
func (m *Manager) Ensure(ctx context.Context, owner string) (*models.Session, error) {
	if sess, err := m.Get(owner); err == nil {
		return sess, nil
	}
	return m.Login(ctx, owner)
}

// Do runs fn with the owner's session. If fn reports ErrSessionExpired the
// session is recovered and fn is retried exactly once.
func (m *Manager) Do(ctx context.Context, owner string, fn Call) error {
	sess, err := m.Ensure(ctx, owner)
	if err != nil {
		return err
	}
	adapter, err := m.brokers.Get(sess.BrokerKind)
	if err != nil {
		return err
	}

	err = fn(ctx, adapter, sess)
	if !apperrors.Is(err, apperrors.ErrSessionExpired) {
		return err
	}

	logger := logging.WithOwner(m.logger, owner)
	logger.Warn().Err(err).Msg("Session expired, recovering")
	fresh, rerr := m.Recover(ctx, owner, sess)
	if rerr != nil {
		return rerr
	}
	if fresh.BrokerKind != sess.BrokerKind {
		if adapter, err = m.brokers.Get(fresh.BrokerKind); err != nil {
			return err
		}
	}
	return fn(ctx, adapter, fresh)
}

// Recover runs the refresh then re-authenticate chain for owner. Concurrent
// callers for the same owner share one attempt; a caller whose stale session
// was already replaced gets the replacement without another broker call.
func (m *Manager) Recover(ctx context.Context, owner string, stale *models.Session) (*models.Session, error) {
	v, err, _ := m.recovery.Do(owner, func() (any, error) {
		if cur := m.current(owner); cur != nil && stale != nil &&
			cur.AccessToken != stale.AccessToken && cur.State == models.SessionAuthenticated {
			return cur, nil
		}
		return m.recover(ctx, owner, stale)
	})
	if err != nil {
		return nil, err
	}
	return clone(v.(*models.Session)), nil
}

func (m *Manager) recover(ctx context.Context, owner string, stale *models.Session) (*models.Session, error) {
	logger := logging.WithOwner(m.logger, owner)
	m.markExpired(owner)

	if stale != nil && stale.RefreshToken != "" {
		if fresh, err := m.refresh(ctx, owner, stale); err == nil {
			return fresh, nil
		}
	}

	fresh, err := m.authenticate(ctx, owner)
	logging.LogRecovery(logger, owner, "reauth", err)
	if err != nil {
		m.metrics.SessionRecovery("reauth", "failure")
		return nil, apperrors.Wrapf(apperrors.ErrSessionExpired, "recover session for %s: %v", owner, err)
	}
	m.metrics.SessionRecovery("reauth", "success")
	m.put(fresh)
	m.fireReauthenticated(ctx, owner, fresh)
	return fresh, nil
}

func (m *Manager) refresh(ctx context.Context, owner string, stale *models.Session) (*models.Session, error) {
	logger := logging.WithOwner(m.logger, owner)

	adapter, err := m.brokers.Get(stale.BrokerKind)
	if err != nil {
		return nil, err
	}
	fresh, err := adapter.RefreshSession(ctx, stale)
	if err != nil {
		result := "failure"
		if apperrors.Is(err, apperrors.ErrRefreshUnsupported) {
			result = "unsupported"
		}
		m.metrics.SessionRecovery("refresh", result)
		logging.LogRecovery(logger, owner, "refresh", err)
		return nil, err
	}

	fresh.Owner = owner
	fresh.State = models.SessionAuthenticated
	m.put(fresh)
	m.metrics.SessionRecovery("refresh", "success")
	logging.LogRecovery(logger, owner, "refresh", nil)
	return fresh, nil
}

// authenticate fetches fresh credentials and logs in through the owner's breaker.
func (m *Manager) authenticate(ctx context.Context, owner string) (*models.Session, error) {
	if m.creds == nil {
		return nil, apperrors.Wrap(apperrors.ErrAuthentication, "no credential provider")
	}

	var sess *models.Session
	err := m.breakers.Get(owner).Execute(ctx, func(ctx context.Context) error {
		creds, err := m.creds.Credentials(ctx, owner)
		if err != nil {
			return err
		}
		adapter, err := m.brokers.Get(creds.BrokerKind)
		if err != nil {
			return err
		}
		s, err := adapter.Authenticate(ctx, creds)
		if err != nil {
			return err
		}
		s.Owner = owner
		s.BrokerKind = creds.BrokerKind
		s.State = models.SessionAuthenticated
		if s.CreatedAt.IsZero() {
			s.CreatedAt = time.Now()
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (m *Manager) fireReauthenticated(ctx context.Context, owner string, sess *models.Session) {
	m.mu.RLock()
	hooks := make([]Hook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.RUnlock()
	if len(hooks) == 0 {
		return
	}

	// Hooks may call back into Do for the same owner, which would deadlock on
	// the recovery group if run inline.
	hookCtx := context.WithoutCancel(ctx)
	m.hookWG.Add(1)
	go func() {
		defer m.hookWG.Done()
		for _, h := range hooks {
			h(hookCtx, owner, clone(sess))
		}
	}()
}

// Wait blocks until running hooks have returned.
func (m *Manager) Wait() {
	m.hookWG.Wait()
}

func (m *Manager) current(owner string) *models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sess, ok := m.sessions[owner]; ok {
		return clone(sess)
	}
	return nil
}

func (m *Manager) put(sess *models.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.Owner] = sess
}

func (m *Manager) markExpired(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[owner]; ok {
		sess.State = models.SessionExpired
	}
}

func clone(sess *models.Session) *models.Session {
	if sess == nil {
		return nil
	}
	c := *sess
	return &c
}
