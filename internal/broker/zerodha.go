package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/internal/models"
)

const defaultKiteLoginURL = "https://kite.zerodha.com"

// ZerodhaConfig holds configuration for the Kite Connect adapter.
type ZerodhaConfig struct {
	APIKey    string
	APISecret string

	// LoginURL is the Kite web login host used for automated login.
	LoginURL string
	// APIURL overrides the Kite Connect REST root.
	APIURL string
	// TickerURL overrides the Kite websocket root.
	TickerURL  string
	HTTPClient *http.Client

	// MaxReconnects bounds ticker reconnection attempts; 0 uses the library default.
	MaxReconnects int
	Logger        zerolog.Logger
}

// ZerodhaAdapter implements Adapter for Zerodha Kite Connect.
type ZerodhaAdapter struct {
	cfg        ZerodhaConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewZerodhaAdapter creates a Kite Connect adapter.
func NewZerodhaAdapter(cfg ZerodhaConfig) *ZerodhaAdapter {
	if cfg.LoginURL == "" {
		cfg.LoginURL = defaultKiteLoginURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &ZerodhaAdapter{
		cfg:        cfg,
		httpClient: hc,
		logger:     cfg.Logger.With().Str("broker", string(models.BrokerZerodha)).Logger(),
	}
}

// Kind returns BrokerZerodha.
func (z *ZerodhaAdapter) Kind() models.BrokerKind {
	return models.BrokerZerodha
}

// client returns a Kite client bound to the session's access token.
func (z *ZerodhaAdapter) client(sess *models.Session) *kiteconnect.Client {
	c := kiteconnect.New(z.cfg.APIKey)
	c.SetHTTPClient(z.httpClient)
	if z.cfg.APIURL != "" {
		c.SetBaseURI(z.cfg.APIURL)
	}
	if sess != nil {
		c.SetAccessToken(sess.AccessToken)
	}
	return c
}

// Authenticate exchanges a request token for a session. Without a request
// token it performs the web login with user id, password and TOTP first.
func (z *ZerodhaAdapter) Authenticate(ctx context.Context, creds models.Credentials) (*models.Session, error) {
	requestToken := creds.RequestToken
	if requestToken == "" {
		rt, err := z.webLogin(ctx, creds)
		if err != nil {
			return nil, err
		}
		requestToken = rt
	}

	us, err := z.client(nil).GenerateSession(requestToken, z.cfg.APISecret)
	if err != nil {
		var kerr kiteconnect.Error
		if errors.As(err, &kerr) {
			return nil, apperrors.NewBrokerError("zerodha", kerr.ErrorType, kerr.Message, apperrors.ErrAuthentication)
		}
		return nil, apperrors.NewBrokerError("zerodha", "session", err.Error(), apperrors.ErrAuthentication)
	}

	now := time.Now()
	return &models.Session{
		UserID:       creds.Username,
		BrokerKind:   models.BrokerZerodha,
		AccessToken:  us.AccessToken,
		RefreshToken: us.RefreshToken,
		State:        models.SessionAuthenticated,
		CreatedAt:    now,
		RefreshedAt:  now,
	}, nil
}

// RefreshSession renews the access token with the stored refresh token.
func (z *ZerodhaAdapter) RefreshSession(ctx context.Context, sess *models.Session) (*models.Session, error) {
	if sess == nil || sess.RefreshToken == "" {
		return nil, apperrors.ErrRefreshUnsupported
	}

	tokens, err := z.client(nil).RenewAccessToken(sess.RefreshToken, z.cfg.APISecret)
	if err != nil {
		return nil, z.mapError(err, apperrors.ErrSessionExpired)
	}

	refreshed := *sess
	refreshed.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		refreshed.RefreshToken = tokens.RefreshToken
	}
	refreshed.State = models.SessionAuthenticated
	refreshed.RefreshedAt = time.Now()
	return &refreshed, nil
}

// GetLastPrice fetches the LTP of an instrument.
func (z *ZerodhaAdapter) GetLastPrice(ctx context.Context, sess *models.Session, inst models.Instrument) (float64, error) {
	if err := requireSession(sess); err != nil {
		return 0, err
	}

	key := inst.Key()
	ltp, err := z.client(sess).GetLTP(key)
	if err != nil {
		return 0, z.mapError(err, apperrors.ErrDataUnavailable)
	}

	q, ok := ltp[key]
	if !ok || q.LastPrice <= 0 {
		return 0, apperrors.Wrapf(apperrors.ErrDataUnavailable, "no LTP for %s", key)
	}
	return q.LastPrice, nil
}

// PlaceOrder submits a regular-variety order.
func (z *ZerodhaAdapter) PlaceOrder(ctx context.Context, sess *models.Session, order models.OrderSpec) (*models.OrderResult, error) {
	if err := requireSession(sess); err != nil {
		return nil, err
	}
	if err := ValidateOrderSpec(order); err != nil {
		return nil, apperrors.NewOrderError("", order.Symbol, string(order.Side), "invalid order", err)
	}

	params := kiteconnect.OrderParams{
		Exchange:        string(order.Exchange),
		Tradingsymbol:   order.Symbol,
		TransactionType: string(order.Side),
		OrderType:       string(order.Type),
		Product:         string(order.Product),
		Quantity:        order.Quantity,
		Validity:        "DAY",
		Tag:             order.Tag,
	}
	if order.Type == models.OrderTypeLimit {
		params.Price = order.Price
	}

	resp, err := z.client(sess).PlaceOrder(kiteconnect.VarietyRegular, params)
	if err != nil {
		return nil, z.mapError(err, apperrors.ErrOrderRejected)
	}

	z.logger.Debug().Str("order_id", resp.OrderID).Str("symbol", order.Symbol).Msg("Order placed")
	return &models.OrderResult{
		OrderID:      resp.OrderID,
		Status:       "PLACED",
		AveragePrice: order.Price,
		PlacedAt:     time.Now(),
	}, nil
}

// OrderFillPrice reads the average price from the order's latest state.
func (z *ZerodhaAdapter) OrderFillPrice(ctx context.Context, sess *models.Session, orderID string) (float64, error) {
	if err := requireSession(sess); err != nil {
		return 0, err
	}

	history, err := z.client(sess).GetOrderHistory(orderID)
	if err != nil {
		return 0, z.mapError(err, apperrors.ErrDataUnavailable)
	}
	if len(history) == 0 || history[len(history)-1].AveragePrice <= 0 {
		return 0, apperrors.Wrapf(apperrors.ErrDataUnavailable, "order %s has no fill", orderID)
	}
	return history[len(history)-1].AveragePrice, nil
}

// mapError classifies a Kite error. fallback is used for exception types that
// carry no session or transport meaning.
func (z *ZerodhaAdapter) mapError(err error, fallback error) error {
	var kerr kiteconnect.Error
	if !errors.As(err, &kerr) {
		return apperrors.NewBrokerError("zerodha", "transport", err.Error(), apperrors.ErrConnectionFailed)
	}

	switch {
	case kerr.ErrorType == "TokenException" || kerr.Code == http.StatusForbidden:
		return apperrors.NewBrokerError("zerodha", kerr.ErrorType, kerr.Message, apperrors.ErrSessionExpired)
	case kerr.ErrorType == "OrderException" || kerr.ErrorType == "InputException" || kerr.ErrorType == "MarginException":
		return apperrors.NewBrokerError("zerodha", kerr.ErrorType, kerr.Message, apperrors.ErrOrderRejected)
	case kerr.ErrorType == "NetworkException":
		return apperrors.NewBrokerError("zerodha", kerr.ErrorType, kerr.Message, apperrors.ErrConnectionFailed)
	default:
		return apperrors.NewBrokerError("zerodha", kerr.ErrorType, kerr.Message, fallback)
	}
}

// kiteLoginResponse is the envelope of the Kite web login endpoints.
type kiteLoginResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		UserID    string `json:"user_id"`
		RequestID string `json:"request_id"`
		TwofaType string `json:"twofa_type"`
	} `json:"data"`
}

// webLogin drives the Kite web login (password, then TOTP) and captures the
// request token from the redirect to the app's callback URL.
func (z *ZerodhaAdapter) webLogin(ctx context.Context, creds models.Credentials) (string, error) {
	if creds.Username == "" || creds.Secret == "" || creds.OneTimeCode == "" {
		return "", apperrors.Wrap(apperrors.ErrAuthentication, "zerodha login needs user id, password and one-time code")
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return "", err
	}

	var requestToken string
	hc := &http.Client{
		Timeout: z.httpClient.Timeout,
		Jar:     jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if rt := req.URL.Query().Get("request_token"); rt != "" {
				requestToken = rt
				return http.ErrUseLastResponse
			}
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			return nil
		},
	}

	connectURL := fmt.Sprintf("%s/connect/login?v=3&api_key=%s", z.cfg.LoginURL, url.QueryEscape(z.cfg.APIKey))
	resp, err := z.send(ctx, hc, http.MethodGet, connectURL, nil)
	if err != nil {
		return "", apperrors.NewBrokerError("zerodha", "login", err.Error(), apperrors.ErrConnectionFailed)
	}
	resp.Body.Close()
	loginPage := resp.Request.URL.String()

	var login kiteLoginResponse
	form := url.Values{"user_id": {creds.Username}, "password": {creds.Secret}}
	if err := z.postForm(ctx, hc, z.cfg.LoginURL+"/api/login", form, &login); err != nil {
		return "", err
	}

	var twofa kiteLoginResponse
	form = url.Values{
		"user_id":     {creds.Username},
		"request_id":  {login.Data.RequestID},
		"twofa_value": {creds.OneTimeCode},
		"twofa_type":  {"totp"},
		"skip_totp":   {"true"},
	}
	if err := z.postForm(ctx, hc, z.cfg.LoginURL+"/api/twofa", form, &twofa); err != nil {
		return "", err
	}

	sep := "&"
	if !strings.Contains(loginPage, "?") {
		sep = "?"
	}
	resp, err = z.send(ctx, hc, http.MethodGet, loginPage+sep+"skip_session=true", nil)
	if err != nil && requestToken == "" {
		return "", apperrors.NewBrokerError("zerodha", "login", err.Error(), apperrors.ErrConnectionFailed)
	}
	if resp != nil {
		resp.Body.Close()
	}
	if requestToken == "" {
		return "", apperrors.Wrap(apperrors.ErrAuthentication, "zerodha did not issue a request token")
	}

	z.logger.Debug().Str("user_id", creds.Username).Msg("Web login completed")
	return requestToken, nil
}

func (z *ZerodhaAdapter) send(ctx context.Context, hc *http.Client, method, target string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("X-Kite-Version", "3")
	return hc.Do(req)
}

func (z *ZerodhaAdapter) postForm(ctx context.Context, hc *http.Client, target string, form url.Values, out *kiteLoginResponse) error {
	resp, err := z.send(ctx, hc, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return apperrors.NewBrokerError("zerodha", "login", err.Error(), apperrors.ErrConnectionFailed)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.NewBrokerError("zerodha", "login", "decode response: "+err.Error(), apperrors.ErrAuthentication)
	}
	if resp.StatusCode != http.StatusOK || out.Status != "success" {
		return apperrors.NewBrokerError("zerodha", "login", out.Message, apperrors.ErrAuthentication)
	}
	return nil
}

var _ Adapter = (*ZerodhaAdapter)(nil)
