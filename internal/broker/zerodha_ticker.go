package broker

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/internal/models"
)

const kiteConnectTimeout = 30 * time.Second

// kiteSubscription streams full-mode ticks from the Kite websocket. The
// library reconnects on its own; every (re)connect re-applies the current
// instrument set.
type kiteSubscription struct {
	ticker *kiteticker.Ticker
	onTick TickHandler
	logger zerolog.Logger
	cancel context.CancelFunc

	mu          sync.RWMutex
	instruments map[uint32]models.Instrument
	connected   bool
	lastErr     error

	writeMu sync.Mutex // Protects websocket writes (Subscribe, SetMode)

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// SubscribeTicks opens a Kite ticker connection for instruments.
func (z *ZerodhaAdapter) SubscribeTicks(ctx context.Context, sess *models.Session, instruments []models.Instrument, onTick TickHandler) (Subscription, error) {
	if err := requireSession(sess); err != nil {
		return nil, err
	}

	s := &kiteSubscription{
		ticker:      kiteticker.New(z.cfg.APIKey, sess.AccessToken),
		onTick:      onTick,
		logger:      z.logger.With().Str("component", "ticker").Logger(),
		instruments: make(map[uint32]models.Instrument),
		done:        make(chan struct{}),
	}
	if err := s.setInstruments(instruments); err != nil {
		return nil, err
	}

	if z.cfg.TickerURL != "" {
		u, err := url.Parse(z.cfg.TickerURL)
		if err != nil {
			return nil, apperrors.NewValidationError("ticker_url", z.cfg.TickerURL, err.Error())
		}
		s.ticker.SetRootURL(*u)
	}
	s.ticker.SetAutoReconnect(true)
	if z.cfg.MaxReconnects > 0 {
		s.ticker.SetReconnectMaxRetries(z.cfg.MaxReconnects)
	}

	connectedCh := make(chan struct{}, 1)
	s.ticker.OnConnect(func() {
		s.mu.Lock()
		s.connected = true
		s.mu.Unlock()

		s.resubscribe()
		select {
		case connectedCh <- struct{}{}:
		default:
		}
	})
	s.ticker.OnTick(s.handleTick)
	s.ticker.OnError(func(err error) {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.logger.Warn().Err(err).Msg("Ticker error")
	})
	s.ticker.OnClose(func(code int, reason string) {
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		s.logger.Debug().Int("code", code).Str("reason", reason).Msg("Ticker closed")
	})
	s.ticker.OnReconnect(func(attempt int, delay time.Duration) {
		s.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Ticker reconnecting")
	})
	s.ticker.OnNoReconnect(func(attempt int) {
		s.finish(apperrors.Wrapf(apperrors.ErrConnectionFailed, "ticker gave up after %d reconnect attempts", attempt))
	})

	serveCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		s.ticker.ServeWithContext(serveCtx)
		s.finish(nil)
	}()

	// Wait for connection or timeout
	timer := time.NewTimer(kiteConnectTimeout)
	defer timer.Stop()
	select {
	case <-connectedCh:
		return s, nil
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	case <-s.done:
		return nil, s.connectError()
	case <-timer.C:
		err := s.connectError()
		s.Close()
		return nil, err
	}
}

// connectError classifies why the first connection did not come up. The Kite
// websocket rejects expired access tokens with a 403 handshake.
func (s *kiteSubscription) connectError() error {
	s.mu.RLock()
	lastErr := s.lastErr
	s.mu.RUnlock()

	if lastErr != nil && strings.Contains(lastErr.Error(), "403") {
		return apperrors.NewBrokerError("zerodha", "ticker", lastErr.Error(), apperrors.ErrSessionExpired)
	}
	if lastErr != nil {
		return apperrors.NewBrokerError("zerodha", "ticker", lastErr.Error(), apperrors.ErrConnectionFailed)
	}
	return apperrors.Wrap(apperrors.ErrConnectionFailed, "ticker connection timeout")
}

// Update replaces the subscribed instrument set.
func (s *kiteSubscription) Update(instruments []models.Instrument) error {
	s.mu.RLock()
	previous := make(map[uint32]struct{}, len(s.instruments))
	for token := range s.instruments {
		previous[token] = struct{}{}
	}
	s.mu.RUnlock()

	if err := s.setInstruments(instruments); err != nil {
		return err
	}

	s.mu.RLock()
	connected := s.connected
	var added, removed []uint32
	for token := range s.instruments {
		if _, ok := previous[token]; !ok {
			added = append(added, token)
		}
	}
	for token := range previous {
		if _, ok := s.instruments[token]; !ok {
			removed = append(removed, token)
		}
	}
	s.mu.RUnlock()

	if !connected {
		// Applied on the next connect.
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if len(removed) > 0 {
		if err := s.ticker.Unsubscribe(removed); err != nil {
			s.logger.Debug().Err(err).Msg("Unsubscribe failed")
		}
	}
	if len(added) > 0 {
		if err := s.ticker.Subscribe(added); err != nil {
			return apperrors.Wrapf(apperrors.ErrConnectionFailed, "subscribe: %v", err)
		}
		if err := s.ticker.SetMode(kiteticker.ModeFull, added); err != nil {
			return apperrors.Wrapf(apperrors.ErrConnectionFailed, "set mode: %v", err)
		}
	}
	return nil
}

// Close stops the ticker.
func (s *kiteSubscription) Close() error {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()

	if s.cancel != nil {
		s.cancel()
	}
	if connected {
		_ = s.ticker.Close()
	}
	s.finish(nil)
	return nil
}

// Done is closed when the stream stops.
func (s *kiteSubscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the stream stopped.
func (s *kiteSubscription) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *kiteSubscription) finish(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *kiteSubscription) setInstruments(instruments []models.Instrument) error {
	next := make(map[uint32]models.Instrument, len(instruments))
	for _, inst := range instruments {
		token, err := strconv.ParseUint(inst.Token, 10, 32)
		if err != nil {
			return apperrors.NewValidationError("instrument_token", inst.Token, fmt.Sprintf("kite token for %s must be numeric", inst.Key()))
		}
		next[uint32(token)] = inst
	}

	s.mu.Lock()
	s.instruments = next
	s.mu.Unlock()
	return nil
}

// resubscribe applies the full instrument set after a (re)connect.
func (s *kiteSubscription) resubscribe() {
	s.mu.RLock()
	tokens := make([]uint32, 0, len(s.instruments))
	for token := range s.instruments {
		tokens = append(tokens, token)
	}
	s.mu.RUnlock()

	if len(tokens) == 0 {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.ticker.Subscribe(tokens); err != nil {
		s.logger.Warn().Err(err).Msg("Resubscribe failed")
		return
	}
	if err := s.ticker.SetMode(kiteticker.ModeFull, tokens); err != nil {
		s.logger.Warn().Err(err).Msg("Set mode failed")
	}
}

// handleTick runs on the ticker's read goroutine, so ticks reach onTick in
// arrival order.
func (s *kiteSubscription) handleTick(tick kitemodels.Tick) {
	s.mu.RLock()
	inst, ok := s.instruments[tick.InstrumentToken]
	s.mu.RUnlock()
	if !ok {
		return
	}

	ts := tick.Timestamp.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	s.onTick(models.Tick{
		Symbol:          inst.Symbol,
		InstrumentToken: inst.Token,
		LTP:             tick.LastPrice,
		OpenInterest:    int64(tick.OI),
		Volume:          int64(tick.VolumeTraded),
		Timestamp:       ts,
	})
}

var _ Subscription = (*kiteSubscription)(nil)
