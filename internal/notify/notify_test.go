package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoexit-trader/internal/config"
)

func exitEvent() Event {
	return Event{
		Type:       EventExit,
		PositionID: "01HX",
		Owner:      "alice",
		Exchange:   "NSE",
		Symbol:     "INFY",
		Quantity:   10,
		EntryPrice: 1500,
		Price:      1480,
		Reason:     "stop_loss",
		OrderID:    "ORD-1",
		Timestamp:  time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC),
	}
}

type recorder struct {
	mu     sync.Mutex
	paths  []string
	bodies []map[string]interface{}
	status int
}

func (r *recorder) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(req.Body).Decode(&body)
		r.mu.Lock()
		r.paths = append(r.paths, req.URL.Path)
		r.bodies = append(r.bodies, body)
		status := r.status
		r.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEvent_Message(t *testing.T) {
	e := exitEvent()
	pnl, ok := e.PnL()
	require.True(t, ok)
	assert.Equal(t, -200.0, pnl)
	assert.Equal(t, "Exited NSE:INFY for alice", e.Title())
	assert.Contains(t, e.Message(), "Exit: ₹1,480.00 (order ORD-1)")
	assert.Contains(t, e.Message(), "P&L: -₹200.00")

	e.Type = EventExitFailed
	e.Error = "order rejected"
	assert.True(t, strings.HasPrefix(e.Title(), "Exit FAILED"))
	assert.Contains(t, e.Message(), "Error: order rejected")
	assert.NotContains(t, e.Message(), "P&L")
}

func TestEvent_MessageWithUnknownPrice(t *testing.T) {
	e := exitEvent()
	e.Price = 0

	_, ok := e.PnL()
	assert.False(t, ok)
	assert.Contains(t, e.Message(), "Exit: price unknown (order ORD-1)")
	assert.Contains(t, e.Message(), "P&L: unknown")
	assert.NotContains(t, e.Message(), "-₹")

	e.Type = EventExitFailed
	assert.Contains(t, e.Message(), "Last: unknown")
}

func TestWebhookNotifier_Send(t *testing.T) {
	rec := &recorder{}
	srv := rec.server(t)

	err := NewWebhookNotifier(srv.URL).Send(context.Background(), exitEvent())
	require.NoError(t, err)

	require.Len(t, rec.bodies, 1)
	body := rec.bodies[0]
	assert.Equal(t, "exit", body["type"])
	assert.Equal(t, "alice", body["owner"])
	assert.Equal(t, "ORD-1", body["order_id"])
	assert.Equal(t, 1480.0, body["price"])
	assert.Equal(t, "2026-10-01T10:00:00Z", body["timestamp"])
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	rec := &recorder{status: http.StatusBadGateway}
	srv := rec.server(t)

	err := NewWebhookNotifier(srv.URL).Send(context.Background(), exitEvent())
	assert.ErrorContains(t, err, "502")
}

func TestTelegramNotifier_Send(t *testing.T) {
	rec := &recorder{}
	srv := rec.server(t)

	tn := NewTelegramNotifier("TOKEN", "42")
	tn.baseURL = srv.URL
	e := exitEvent()
	e.Symbol = "M&M"
	require.NoError(t, tn.Send(context.Background(), e))

	require.Len(t, rec.paths, 1)
	assert.Equal(t, "/botTOKEN/sendMessage", rec.paths[0])
	assert.Equal(t, "42", rec.bodies[0]["chat_id"])
	assert.Equal(t, "HTML", rec.bodies[0]["parse_mode"])
	assert.Contains(t, rec.bodies[0]["text"], "<b>Exited NSE:M&amp;M for alice</b>")
}

func TestMultiNotifier_FromConfig(t *testing.T) {
	assert.False(t, New(config.NotifyConfig{}, zerolog.Nop()).Enabled())

	// Enabled without a destination is ignored.
	mn := New(config.NotifyConfig{Telegram: config.TelegramConfig{Enabled: true, BotToken: "x"}}, zerolog.Nop())
	assert.False(t, mn.Enabled())

	mn = New(config.NotifyConfig{Webhook: config.WebhookConfig{Enabled: true, URL: "http://localhost"}}, zerolog.Nop())
	assert.True(t, mn.Enabled())
}

func TestMultiNotifier_FailingChannelDoesNotStopOthers(t *testing.T) {
	bad := &recorder{status: http.StatusInternalServerError}
	good := &recorder{}
	badSrv, goodSrv := bad.server(t), good.server(t)

	mn := New(config.NotifyConfig{}, zerolog.Nop())
	mn.AddChannel(NewWebhookNotifier(badSrv.URL))
	mn.AddChannel(NewWebhookNotifier(goodSrv.URL))

	err := mn.Notify(context.Background(), exitEvent())
	assert.ErrorContains(t, err, "webhook: unexpected status 500")
	assert.Len(t, good.bodies, 1)
}
