package cli

import (
	"context"
	"errors"
	"io/fs"

	"github.com/rs/zerolog"

	"autoexit-trader/internal/broker"
	"autoexit-trader/internal/config"
	"autoexit-trader/internal/credentials"
	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/internal/lock"
	"autoexit-trader/internal/metrics"
	"autoexit-trader/internal/models"
	"autoexit-trader/internal/notify"
	"autoexit-trader/internal/session"
	"autoexit-trader/internal/store"
	"autoexit-trader/internal/trading"
	"autoexit-trader/pkg/utils"
)

// Engine is the wired set of components behind every command.
type Engine struct {
	Config      *config.Config
	Logger      zerolog.Logger
	Store       store.PositionStore
	Metrics     *metrics.Metrics
	Credentials credentials.Provider
	Sessions    *session.Manager
	Executor    *trading.Executor
	Dispatcher  *trading.Dispatcher // nil unless built for run
	Monitor     *trading.Monitor
	Entry       *trading.EntryService
	Paper       *broker.PaperAdapter // set in paper mode

	closers []func() error
}

// engineOptions selects what a command needs.
type engineOptions struct {
	dispatch bool // tick subscriptions and the run loop
}

// NewEngine wires the engine from configuration.
func NewEngine(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts engineOptions) (*Engine, error) {
	e := &Engine{Config: cfg, Logger: logger, Metrics: metrics.New()}

	st, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	e.Store = st
	e.closers = append(e.closers, st.Close)

	creds, err := loadCredentials(cfg.Credentials.UsersFile, logger)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Credentials = creds

	live := broker.NewRegistry()
	if cfg.Brokers.Zerodha.APIKey != "" {
		live.Register(broker.NewZerodhaAdapter(broker.ZerodhaConfig{
			APIKey:    cfg.Brokers.Zerodha.APIKey,
			APISecret: cfg.Brokers.Zerodha.APISecret,
			Logger:    logger,
		}))
	}
	if cfg.Brokers.AngelOne.APIKey != "" {
		live.Register(broker.NewAngelOneAdapter(broker.AngelOneConfig{
			APIKey:    cfg.Brokers.AngelOne.APIKey,
			BaseURL:   cfg.Brokers.AngelOne.BaseURL,
			StreamURL: cfg.Brokers.AngelOne.StreamURL,
			Logger:    logger,
		}))
	}

	if cfg.IsPaperMode() {
		e.Paper = broker.NewPaperAdapter(broker.PaperConfig{
			Quotes: liveQuotes(live, creds, e.Metrics, logger),
			Logger: logger,
		})
		e.Sessions = session.NewManager(session.Config{
			Brokers:     broker.NewRegistry(e.Paper),
			Credentials: credentials.WithBroker(creds, models.BrokerPaper),
			Metrics:     e.Metrics,
			Logger:      logger,
		})
		logger.Info().Msg("Paper trading mode: orders are simulated")
	} else {
		if len(live.Kinds()) == 0 {
			e.Close()
			return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "live mode needs at least one broker api_key")
		}
		e.Sessions = session.NewManager(session.Config{
			Brokers:     live,
			Credentials: creds,
			Metrics:     e.Metrics,
			Logger:      logger,
		})
	}

	var locker lock.Locker
	if cfg.Redis.Enabled {
		rl, err := lock.NewRedisLocker(ctx, lock.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			e.Close()
			return nil, err
		}
		locker = rl
		e.closers = append(e.closers, rl.Close)
	}

	execCfg := trading.ExecutorConfig{
		Store:    st,
		Sessions: e.Sessions,
		Locker:   locker,
		LockTTL:  cfg.Redis.LockTTL,
		OrderTag: cfg.Trading.OrderTag,
		Timeout:  cfg.Trading.ExitTimeout,
		Metrics:  e.Metrics,
		Logger:   logger,
	}
	if n := notify.New(cfg.Notify, logger); n.Enabled() {
		execCfg.Notifier = n
	}
	e.Executor = trading.NewExecutor(execCfg)
	if opts.dispatch {
		e.Dispatcher = trading.NewDispatcher(trading.DispatcherConfig{
			Store:    st,
			Sessions: e.Sessions,
			Executor: e.Executor,
			Metrics:  e.Metrics,
			Logger:   logger,
		})
	}
	e.Monitor = trading.NewMonitor(trading.MonitorConfig{
		Store:             st,
		Sessions:          e.Sessions,
		Dispatcher:        e.Dispatcher,
		Executor:          e.Executor,
		ReconcileInterval: cfg.Trading.ReconcileInterval,
		DefaultExchange:   models.Exchange(cfg.Trading.DefaultExchange),
		DefaultProduct:    models.ProductType(cfg.Trading.DefaultProduct),
		Logger:            logger,
	})
	e.Entry = trading.NewEntryService(e.Sessions, e.Monitor, cfg.Trading.OrderTag, logger)

	return e, nil
}

// Close releases the store and lock connections.
func (e *Engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.StorageConfig) (store.PositionStore, error) {
	switch cfg.Driver {
	case "postgres":
		// The database may still be starting when the engine comes up.
		return utils.RetryWithResult(ctx, utils.DefaultRetryConfig(), func() (store.PositionStore, error) {
			s, err := store.NewPostgresStore(ctx, store.PostgresConfig{
				DSN:      cfg.PostgresDSN,
				MaxConns: cfg.MaxConns,
			})
			if err != nil {
				return nil, err
			}
			return s, nil
		})
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return store.NewSQLiteStore(cfg.SQLitePath)
	}
}

// loadCredentials reads the users file. A missing file yields an empty
// provider so store-only commands work before any owner is configured.
func loadCredentials(path string, logger zerolog.Logger) (credentials.Provider, error) {
	p, err := credentials.NewFileProvider(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn().Str("path", path).Msg("Users file not found, no owners configured")
		return credentials.Static{}, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// liveQuotes prices paper trades from the first owner's live broker session.
// It returns nil, leaving paper prices to ticks, when no live broker or owner
// is configured.
func liveQuotes(live *broker.Registry, creds credentials.Provider, m *metrics.Metrics, logger zerolog.Logger) func(context.Context, models.Instrument) (float64, error) {
	owners := creds.Owners()
	if len(live.Kinds()) == 0 || len(owners) == 0 {
		return nil
	}
	quoteOwner := owners[0]
	sessions := session.NewManager(session.Config{
		Brokers:     live,
		Credentials: creds,
		Metrics:     m,
		Logger:      logger,
	})
	logger.Info().Str("owner", quoteOwner).Msg("Paper quotes from live broker")

	return func(ctx context.Context, inst models.Instrument) (float64, error) {
		var price float64
		err := sessions.Do(ctx, quoteOwner, func(ctx context.Context, adapter broker.Adapter, sess *models.Session) error {
			p, err := adapter.GetLastPrice(ctx, sess, inst)
			price = p
			return err
		})
		return price, err
	}
}
