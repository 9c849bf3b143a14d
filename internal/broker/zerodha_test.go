package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/internal/models"
)

// fakeKiteLogin serves the Kite web login pages used by webLogin.
func fakeKiteLogin(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/connect/login", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("skip_session") == "true":
			http.Redirect(w, r, "http://127.0.0.1:1/callback?status=success&request_token=rt-123", http.StatusFound)
		case q.Get("sess_id") == "":
			assert.Equal(t, "key", q.Get("api_key"))
			http.Redirect(w, r, "/connect/login?api_key=key&sess_id=s1", http.StatusFound)
		default:
			w.WriteHeader(http.StatusOK)
		}
	})
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("password") != "secret" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{"status": "error", "message": "Invalid password"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data":   map[string]string{"user_id": r.PostForm.Get("user_id"), "request_id": "req-1", "twofa_type": "totp"},
		})
	})
	mux.HandleFunc("/api/twofa", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("request_id") != "req-1" || r.PostForm.Get("twofa_value") != "123456" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{"status": "error", "message": "Invalid TOTP"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "success"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestZerodha_WebLogin(t *testing.T) {
	srv := fakeKiteLogin(t)
	z := NewZerodhaAdapter(ZerodhaConfig{APIKey: "key", APISecret: "s", LoginURL: srv.URL})

	rt, err := z.webLogin(context.Background(), models.Credentials{Username: "AB1234", Secret: "secret", OneTimeCode: "123456"})
	require.NoError(t, err)
	assert.Equal(t, "rt-123", rt)
}

func TestZerodha_WebLoginFailures(t *testing.T) {
	srv := fakeKiteLogin(t)
	z := NewZerodhaAdapter(ZerodhaConfig{APIKey: "key", APISecret: "s", LoginURL: srv.URL})
	ctx := context.Background()

	tests := []struct {
		name  string
		creds models.Credentials
	}{
		{"wrong password", models.Credentials{Username: "AB1234", Secret: "nope", OneTimeCode: "123456"}},
		{"stale totp", models.Credentials{Username: "AB1234", Secret: "secret", OneTimeCode: "000000"}},
		{"missing totp", models.Credentials{Username: "AB1234", Secret: "secret"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := z.webLogin(ctx, tt.creds)
			assert.ErrorIs(t, err, apperrors.ErrAuthentication)
		})
	}
}

func TestZerodha_MapError(t *testing.T) {
	z := NewZerodhaAdapter(ZerodhaConfig{})

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"token exception", kiteconnect.Error{Code: http.StatusForbidden, ErrorType: "TokenException", Message: "Incorrect api_key or access_token."}, apperrors.ErrSessionExpired},
		{"forbidden", kiteconnect.Error{Code: http.StatusForbidden, ErrorType: "PermissionException", Message: "denied"}, apperrors.ErrSessionExpired},
		{"margin", kiteconnect.Error{Code: http.StatusBadRequest, ErrorType: "MarginException", Message: "Insufficient funds"}, apperrors.ErrOrderRejected},
		{"network", kiteconnect.Error{Code: http.StatusBadGateway, ErrorType: "NetworkException", Message: "upstream"}, apperrors.ErrConnectionFailed},
		{"general", kiteconnect.Error{Code: http.StatusInternalServerError, ErrorType: "GeneralException", Message: "boom"}, apperrors.ErrDataUnavailable},
		{"transport", errors.New("dial tcp: refused"), apperrors.ErrConnectionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, z.mapError(tt.err, apperrors.ErrDataUnavailable), tt.want)
		})
	}
}

func TestZerodha_RequiresSession(t *testing.T) {
	z := NewZerodhaAdapter(ZerodhaConfig{APIKey: "key"})
	ctx := context.Background()
	inst := models.Instrument{Exchange: models.NSE, Symbol: "INFY"}

	_, err := z.GetLastPrice(ctx, nil, inst)
	assert.ErrorIs(t, err, apperrors.ErrNoSession)

	_, err = z.PlaceOrder(ctx, &models.Session{AccessToken: "x", State: models.SessionExpired}, models.OrderSpec{})
	assert.ErrorIs(t, err, apperrors.ErrSessionExpired)

	_, err = z.RefreshSession(ctx, &models.Session{AccessToken: "x"})
	assert.ErrorIs(t, err, apperrors.ErrRefreshUnsupported)
}

func TestZerodha_OrderFillPrice(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/orders/ORD1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data": []map[string]any{
				{"order_id": "ORD1", "status": "OPEN", "average_price": 0},
				{"order_id": "ORD1", "status": "COMPLETE", "average_price": 1480.5},
			},
		})
	})
	mux.HandleFunc("/orders/ORD2", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data":   []map[string]any{{"order_id": "ORD2", "status": "OPEN", "average_price": 0}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	z := NewZerodhaAdapter(ZerodhaConfig{APIKey: "key", APIURL: srv.URL})
	sess := &models.Session{AccessToken: "token", State: models.SessionAuthenticated}

	price, err := z.OrderFillPrice(context.Background(), sess, "ORD1")
	require.NoError(t, err)
	assert.Equal(t, 1480.5, price)

	_, err = z.OrderFillPrice(context.Background(), sess, "ORD2")
	assert.ErrorIs(t, err, apperrors.ErrDataUnavailable)
}
