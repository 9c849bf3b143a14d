package trading

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"autoexit-trader/internal/broker"
	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/internal/logging"
	"autoexit-trader/internal/models"
	"autoexit-trader/internal/session"
)

// BuyConditionKind selects how the entry condition is checked.
type BuyConditionKind string

const (
	BuyFixed      BuyConditionKind = "FIXED"      // ltp >= value
	BuyPercentage BuyConditionKind = "PERCENTAGE" // ltp >= previous close * (1 + value/100)
)

// BuyCondition gates the entry order.
type BuyCondition struct {
	Kind          BuyConditionKind
	Value         float64
	PreviousClose float64
}

// Met reports whether ltp satisfies the condition.
func (c BuyCondition) Met(ltp float64) bool {
	if c.Kind == BuyPercentage {
		return ltp >= c.PreviousClose*(1+c.Value/100)
	}
	return ltp >= c.Value
}

// EntryRequest buys one instrument for one or more owners.
type EntryRequest struct {
	Owners          []string
	Symbol          string
	Exchange        models.Exchange
	InstrumentToken string
	Product         models.ProductType
	Quantity        int
	Condition       BuyCondition
	StopLoss        models.StopLossSpec
	Sell            *models.SellSpec
}

// EntryResult is the outcome for one owner.
type EntryResult struct {
	Owner      string
	LTP        float64
	Skipped    bool // condition not met
	OrderID    string
	PositionID string
	Err        error
}

// EntryService places entry orders and opens the resulting positions.
type EntryService struct {
	sessions *session.Manager
	monitor  *Monitor
	tag      string
	logger   zerolog.Logger
}

// NewEntryService creates an entry service.
func NewEntryService(sessions *session.Manager, monitor *Monitor, orderTag string, logger zerolog.Logger) *EntryService {
	return &EntryService{
		sessions: sessions,
		monitor:  monitor,
		tag:      orderTag,
		logger:   logger.With().Str("component", "entry").Logger(),
	}
}

// Buy runs the entry flow for every owner independently; one owner's
// failure does not affect the others. Results are sorted by owner.
func (s *EntryService) Buy(ctx context.Context, req EntryRequest) ([]EntryResult, error) {
	if err := validateEntry(&req); err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		results = make([]EntryResult, 0, len(req.Owners))
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, owner := range req.Owners {
		owner := owner
		g.Go(func() error {
			res := s.buyFor(ctx, owner, req)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Owner < results[j].Owner })
	return results, nil
}

func (s *EntryService) buyFor(ctx context.Context, owner string, req EntryRequest) EntryResult {
	res := EntryResult{Owner: owner}
	logger := logging.WithSymbol(logging.WithOwner(s.logger, owner), req.Symbol)
	inst := models.Instrument{Exchange: req.Exchange, Symbol: req.Symbol, Token: req.InstrumentToken}

	err := s.sessions.Do(ctx, owner, func(ctx context.Context, adapter broker.Adapter, sess *models.Session) error {
		ltp, err := adapter.GetLastPrice(ctx, sess, inst)
		if err != nil {
			return err
		}
		res.LTP = ltp
		return nil
	})
	if err != nil {
		res.Err = err
		logger.Warn().Err(err).Msg("LTP unavailable")
		return res
	}

	if !req.Condition.Met(res.LTP) {
		res.Skipped = true
		logger.Info().Float64("ltp", res.LTP).Msg("Buy condition not met")
		return res
	}

	order := models.OrderSpec{
		Side:     models.OrderSideBuy,
		Exchange: req.Exchange,
		Symbol:   req.Symbol,
		Token:    req.InstrumentToken,
		Quantity: req.Quantity,
		Type:     models.OrderTypeLimit,
		Product:  req.Product,
		Price:    broker.RoundToTick(req.Exchange, res.LTP),
		Tag:      s.tag,
	}
	err = s.sessions.Do(ctx, owner, func(ctx context.Context, adapter broker.Adapter, sess *models.Session) error {
		r, err := adapter.PlaceOrder(ctx, sess, order)
		if err != nil {
			return err
		}
		res.OrderID = r.OrderID
		return nil
	})
	if err != nil {
		res.Err = apperrors.NewOrderError("", req.Symbol, string(models.OrderSideBuy), "entry order failed", err)
		logger.Error().Err(err).Msg("Entry order failed")
		return res
	}
	logging.LogOrder(logger, res.OrderID, req.Symbol, string(models.OrderSideBuy), "PLACED")

	positionID, err := s.monitor.OpenPosition(ctx, OpenRequest{
		Owner:           owner,
		Symbol:          req.Symbol,
		Exchange:        req.Exchange,
		InstrumentToken: req.InstrumentToken,
		Product:         req.Product,
		Quantity:        req.Quantity,
		EntryPrice:      res.LTP,
		StopLoss:        req.StopLoss,
		Sell:            req.Sell,
	})
	if err != nil {
		res.Err = err
		logger.Error().Err(err).Str("order_id", res.OrderID).Msg("Entry filled but position not opened")
		return res
	}
	res.PositionID = positionID
	return res
}

func validateEntry(req *EntryRequest) error {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if len(req.Owners) == 0 {
		return apperrors.NewValidationError("owners", req.Owners, "at least one owner required")
	}
	if req.Symbol == "" {
		return apperrors.NewValidationError("symbol", req.Symbol, "required")
	}
	if req.Exchange == "" {
		req.Exchange = models.NSE
	}
	if req.Product == "" {
		req.Product = models.ProductMIS
	}
	if req.Quantity <= 0 {
		return apperrors.NewValidationError("quantity", req.Quantity, "must be positive")
	}
	switch req.Condition.Kind {
	case BuyFixed:
		if req.Condition.Value <= 0 {
			return apperrors.NewValidationError("condition.value", req.Condition.Value, "must be positive")
		}
	case BuyPercentage:
		if req.Condition.PreviousClose <= 0 {
			return apperrors.NewValidationError("condition.previous_close", req.Condition.PreviousClose, "required for PERCENTAGE")
		}
	default:
		return apperrors.NewValidationError("condition.kind", req.Condition.Kind, "must be FIXED or PERCENTAGE")
	}
	if err := ValidateStopLoss(req.StopLoss); err != nil {
		return err
	}
	return ValidateSell(req.Sell)
}
