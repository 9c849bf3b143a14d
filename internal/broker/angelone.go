package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/internal/logging"
	"autoexit-trader/internal/models"
)

const (
	defaultAngelBaseURL   = "https://apiconnect.angelone.in"
	defaultAngelStreamURL = "wss://smartapisocket.angelone.in/smart-stream"

	angelLoginPath   = "/rest/auth/angelbroking/user/v1/loginByPassword"
	angelRefreshPath = "/rest/auth/angelbroking/jwt/v1/generateTokens"
	angelLTPPath     = "/rest/secure/angelbroking/order/v1/getLtpData"
	angelOrderPath   = "/rest/secure/angelbroking/order/v1/placeOrder"
	angelBookPath    = "/rest/secure/angelbroking/order/v1/getOrderBook"
)

// SmartAPI error codes that mean the JWT is no longer usable.
var angelExpiredCodes = map[string]bool{
	"AG8001": true, // invalid token
	"AG8002": true, // token expired
	"AG8003": true, // token missing
	"AB1010": true, // session expired
	"AB8050": true, // invalid refresh token
	"AB8051": true, // refresh token expired
}

// AngelOneConfig holds configuration for the SmartAPI adapter.
type AngelOneConfig struct {
	APIKey     string
	BaseURL    string
	StreamURL  string
	HTTPClient *http.Client

	// Reported to SmartAPI in the X-ClientLocalIP/X-ClientPublicIP/X-MACAddress headers.
	LocalIP    string
	PublicIP   string
	MACAddress string

	// MaxReconnects bounds stream reconnection attempts; 0 retries until closed.
	MaxReconnects int
	Logger        zerolog.Logger
}

// AngelOneAdapter implements Adapter for Angel One SmartAPI.
type AngelOneAdapter struct {
	cfg        AngelOneConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewAngelOneAdapter creates a SmartAPI adapter.
func NewAngelOneAdapter(cfg AngelOneConfig) *AngelOneAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAngelBaseURL
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = defaultAngelStreamURL
	}
	if cfg.LocalIP == "" {
		cfg.LocalIP = "127.0.0.1"
	}
	if cfg.PublicIP == "" {
		cfg.PublicIP = "127.0.0.1"
	}
	if cfg.MACAddress == "" {
		cfg.MACAddress = "00:00:00:00:00:00"
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &AngelOneAdapter{
		cfg:        cfg,
		httpClient: hc,
		logger:     cfg.Logger.With().Str("broker", string(models.BrokerAngelOne)).Logger(),
	}
}

// Kind returns BrokerAngelOne.
func (a *AngelOneAdapter) Kind() models.BrokerKind {
	return models.BrokerAngelOne
}

type angelResponse struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

type angelTokens struct {
	JWTToken     string `json:"jwtToken"`
	RefreshToken string `json:"refreshToken"`
	FeedToken    string `json:"feedToken"`
}

// Authenticate logs in with client code, PIN and TOTP.
func (a *AngelOneAdapter) Authenticate(ctx context.Context, creds models.Credentials) (*models.Session, error) {
	if creds.Username == "" || creds.Secret == "" || creds.OneTimeCode == "" {
		return nil, apperrors.Wrap(apperrors.ErrAuthentication, "angelone login needs client code, PIN and one-time code")
	}

	body := map[string]string{
		"clientcode": creds.Username,
		"password":   creds.Secret,
		"totp":       creds.OneTimeCode,
	}
	var tokens angelTokens
	if err := a.do(ctx, http.MethodPost, angelLoginPath, "", body, &tokens, apperrors.ErrAuthentication); err != nil {
		// An expiry code during login is still a failed login.
		if apperrors.Is(err, apperrors.ErrSessionExpired) {
			return nil, apperrors.Wrap(apperrors.ErrAuthentication, err.Error())
		}
		return nil, err
	}
	if tokens.JWTToken == "" {
		return nil, apperrors.Wrap(apperrors.ErrAuthentication, "angelone login returned no token")
	}

	now := time.Now()
	return &models.Session{
		UserID:       creds.Username,
		BrokerKind:   models.BrokerAngelOne,
		AccessToken:  stripBearer(tokens.JWTToken),
		RefreshToken: tokens.RefreshToken,
		FeedToken:    tokens.FeedToken,
		State:        models.SessionAuthenticated,
		CreatedAt:    now,
		RefreshedAt:  now,
	}, nil
}

// RefreshSession calls generateTokens with the stored refresh token.
func (a *AngelOneAdapter) RefreshSession(ctx context.Context, sess *models.Session) (*models.Session, error) {
	if sess == nil || sess.RefreshToken == "" {
		return nil, apperrors.ErrRefreshUnsupported
	}

	var tokens angelTokens
	body := map[string]string{"refreshToken": sess.RefreshToken}
	if err := a.do(ctx, http.MethodPost, angelRefreshPath, sess.AccessToken, body, &tokens, apperrors.ErrSessionExpired); err != nil {
		return nil, err
	}
	if tokens.JWTToken == "" {
		return nil, apperrors.Wrap(apperrors.ErrSessionExpired, "angelone refresh returned no token")
	}

	refreshed := *sess
	refreshed.AccessToken = stripBearer(tokens.JWTToken)
	if tokens.RefreshToken != "" {
		refreshed.RefreshToken = tokens.RefreshToken
	}
	if tokens.FeedToken != "" {
		refreshed.FeedToken = tokens.FeedToken
	}
	refreshed.State = models.SessionAuthenticated
	refreshed.RefreshedAt = time.Now()
	return &refreshed, nil
}

// GetLastPrice fetches the LTP of an instrument. SmartAPI needs the symbol token.
func (a *AngelOneAdapter) GetLastPrice(ctx context.Context, sess *models.Session, inst models.Instrument) (float64, error) {
	if err := requireSession(sess); err != nil {
		return 0, err
	}
	if inst.Token == "" {
		return 0, apperrors.Wrapf(apperrors.ErrDataUnavailable, "no symbol token for %s", inst.Key())
	}

	body := map[string]string{
		"exchange":      string(inst.Exchange),
		"tradingsymbol": inst.Symbol,
		"symboltoken":   inst.Token,
	}
	var data struct {
		LTP float64 `json:"ltp"`
	}
	if err := a.do(ctx, http.MethodPost, angelLTPPath, sess.AccessToken, body, &data, apperrors.ErrDataUnavailable); err != nil {
		return 0, err
	}
	if data.LTP <= 0 {
		return 0, apperrors.Wrapf(apperrors.ErrDataUnavailable, "no LTP for %s", inst.Key())
	}
	return data.LTP, nil
}

// PlaceOrder submits a NORMAL variety order.
func (a *AngelOneAdapter) PlaceOrder(ctx context.Context, sess *models.Session, order models.OrderSpec) (*models.OrderResult, error) {
	if err := requireSession(sess); err != nil {
		return nil, err
	}
	if err := ValidateOrderSpec(order); err != nil {
		return nil, apperrors.NewOrderError("", order.Symbol, string(order.Side), "invalid order", err)
	}

	price := "0"
	if order.Type == models.OrderTypeLimit {
		price = strconv.FormatFloat(order.Price, 'f', 2, 64)
	}
	body := map[string]string{
		"variety":         "NORMAL",
		"tradingsymbol":   order.Symbol,
		"symboltoken":     order.Token,
		"transactiontype": string(order.Side),
		"exchange":        string(order.Exchange),
		"ordertype":       string(order.Type),
		"producttype":     angelProduct(order.Product),
		"duration":        "DAY",
		"price":           price,
		"quantity":        strconv.Itoa(order.Quantity),
		"ordertag":        order.Tag,
	}

	var data struct {
		OrderID       string `json:"orderid"`
		UniqueOrderID string `json:"uniqueorderid"`
	}
	if err := a.do(ctx, http.MethodPost, angelOrderPath, sess.AccessToken, body, &data, apperrors.ErrOrderRejected); err != nil {
		return nil, err
	}
	if data.OrderID == "" {
		return nil, apperrors.NewOrderError("", order.Symbol, string(order.Side), "no order id returned", apperrors.ErrOrderRejected)
	}

	a.logger.Debug().Str("order_id", data.OrderID).Str("symbol", order.Symbol).Msg("Order placed")
	return &models.OrderResult{
		OrderID:      data.OrderID,
		Status:       "PLACED",
		AveragePrice: order.Price,
		PlacedAt:     time.Now(),
	}, nil
}

// OrderFillPrice looks the order up in the day's order book.
func (a *AngelOneAdapter) OrderFillPrice(ctx context.Context, sess *models.Session, orderID string) (float64, error) {
	if err := requireSession(sess); err != nil {
		return 0, err
	}

	var book []struct {
		OrderID      string  `json:"orderid"`
		AveragePrice float64 `json:"averageprice"`
	}
	if err := a.do(ctx, http.MethodGet, angelBookPath, sess.AccessToken, nil, &book, apperrors.ErrDataUnavailable); err != nil {
		return 0, err
	}
	for _, o := range book {
		if o.OrderID == orderID && o.AveragePrice > 0 {
			return o.AveragePrice, nil
		}
	}
	return 0, apperrors.Wrapf(apperrors.ErrDataUnavailable, "order %s has no fill", orderID)
}

// do sends a SmartAPI request and decodes the data field into out. Failures
// that are not session expiries are classified as fallback.
func (a *AngelOneAdapter) do(ctx context.Context, method, path, jwt string, reqBody any, out any, fallback error) error {
	var body io.Reader
	if reqBody != nil {
		payload, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("angelone: marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("angelone: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-ClientLocalIP", a.cfg.LocalIP)
	req.Header.Set("X-ClientPublicIP", a.cfg.PublicIP)
	req.Header.Set("X-MACAddress", a.cfg.MACAddress)
	req.Header.Set("X-PrivateKey", a.cfg.APIKey)
	if jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}

	start := time.Now()
	resp, err := a.httpClient.Do(req)
	logging.LogAPICall(a.logger, method, path, time.Since(start), err)
	if err != nil {
		return apperrors.NewBrokerError("angelone", "transport", err.Error(), apperrors.ErrConnectionFailed)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.NewBrokerError("angelone", "transport", err.Error(), apperrors.ErrConnectionFailed)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return apperrors.NewBrokerError("angelone", strconv.Itoa(resp.StatusCode), strings.TrimSpace(string(raw)), apperrors.ErrSessionExpired)
	}

	var env angelResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		return apperrors.NewBrokerError("angelone", strconv.Itoa(resp.StatusCode), "decode response: "+err.Error(), fallback)
	}
	if !env.Status {
		if angelExpiredCodes[env.ErrorCode] {
			return apperrors.NewBrokerError("angelone", env.ErrorCode, env.Message, apperrors.ErrSessionExpired)
		}
		return apperrors.NewBrokerError("angelone", env.ErrorCode, env.Message, fallback)
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return apperrors.NewBrokerError("angelone", "decode", err.Error(), fallback)
		}
	}
	return nil
}

// angelProduct maps canonical product types to SmartAPI product names.
func angelProduct(p models.ProductType) string {
	switch p {
	case models.ProductCNC:
		return "DELIVERY"
	case models.ProductNRML:
		return "CARRYFORWARD"
	default:
		return "INTRADAY"
	}
}

func stripBearer(token string) string {
	return strings.TrimPrefix(token, "Bearer ")
}

var _ Adapter = (*AngelOneAdapter)(nil)
