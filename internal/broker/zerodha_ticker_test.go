package broker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kitemodels "github.com/zerodha/gokiteconnect/v4/models"

	"autoexit-trader/internal/models"
)

const (
	infyKiteToken     = 408065
	relianceKiteToken = 738561
)

func kiteInstruments() (models.Instrument, models.Instrument) {
	return models.Instrument{Exchange: models.NSE, Symbol: "INFY", Token: "408065"},
		models.Instrument{Exchange: models.NSE, Symbol: "RELIANCE", Token: "738561"}
}

func TestKiteSubscription_HandleTick(t *testing.T) {
	infy, _ := kiteInstruments()
	var got []models.Tick
	s := &kiteSubscription{onTick: func(tick models.Tick) { got = append(got, tick) }}
	require.NoError(t, s.setInstruments([]models.Instrument{infy}))

	at := time.Date(2026, 10, 16, 10, 15, 0, 0, time.UTC)
	s.handleTick(kitemodels.Tick{InstrumentToken: infyKiteToken, LastPrice: 1500, OI: 7, VolumeTraded: 1200, Timestamp: kitemodels.Time{Time: at}})
	s.handleTick(kitemodels.Tick{InstrumentToken: 999, LastPrice: 10})
	s.handleTick(kitemodels.Tick{InstrumentToken: infyKiteToken, LastPrice: 1498.5})

	require.Len(t, got, 2, "unknown tokens are dropped")
	assert.Equal(t, "INFY", got[0].Symbol)
	assert.Equal(t, "408065", got[0].InstrumentToken)
	assert.Equal(t, 1500.0, got[0].LTP)
	assert.Equal(t, int64(7), got[0].OpenInterest)
	assert.Equal(t, int64(1200), got[0].Volume)
	assert.Equal(t, at, got[0].Timestamp)
	assert.False(t, got[1].Timestamp.IsZero(), "missing exchange time is stamped locally")
}

func TestKiteSubscription_RejectsNonNumericToken(t *testing.T) {
	s := &kiteSubscription{}
	err := s.setInstruments([]models.Instrument{{Exchange: models.NSE, Symbol: "INFY", Token: "INFY-EQ"}})
	assert.Error(t, err)
}

// kiteFrame is a text command received by the fake ticker.
type kiteFrame struct {
	Conn   int32
	Action string
	Tokens []uint32
}

// fakeKiteTicker speaks enough of the Kite websocket protocol to drive
// kiteSubscription: it answers every mode command with one LTP packet per
// token, priced from prices[connection].
type fakeKiteTicker struct {
	t           *testing.T
	prices      map[int32]map[uint32]uint32
	connections atomic.Int32
	frames      chan kiteFrame
	drop        chan struct{}
	dropOnce    sync.Once
}

func newFakeKiteTicker(t *testing.T, prices map[int32]map[uint32]uint32) (*fakeKiteTicker, *httptest.Server) {
	t.Helper()
	f := &fakeKiteTicker{
		t:      t,
		prices: prices,
		frames: make(chan kiteFrame, 32),
		drop:   make(chan struct{}),
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

// dropConnection closes the first connection without a close frame.
func (f *fakeKiteTicker) dropConnection() {
	f.dropOnce.Do(func() { close(f.drop) })
}

func (f *fakeKiteTicker) serve(w http.ResponseWriter, r *http.Request) {
	assert.Equal(f.t, "key", r.URL.Query().Get("api_key"))
	assert.Equal(f.t, "token", r.URL.Query().Get("access_token"))

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	n := f.connections.Add(1)

	if n == 1 {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-f.drop:
				conn.Close()
			case <-stop:
			}
		}()
	}

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		frame, ok := decodeKiteFrame(msg)
		if !ok {
			continue
		}
		frame.Conn = n
		f.frames <- frame

		if frame.Action == "mode" {
			for _, token := range frame.Tokens {
				conn.WriteMessage(websocket.BinaryMessage, kiteLTPFrame(token, f.prices[n][token]))
			}
		}
	}
}

func decodeKiteFrame(msg []byte) (kiteFrame, bool) {
	var in struct {
		A string          `json:"a"`
		V json.RawMessage `json:"v"`
	}
	if err := json.Unmarshal(msg, &in); err != nil {
		return kiteFrame{}, false
	}

	frame := kiteFrame{Action: in.A}
	raw := in.V
	if in.A == "mode" {
		var parts []json.RawMessage
		if err := json.Unmarshal(in.V, &parts); err != nil || len(parts) != 2 {
			return kiteFrame{}, false
		}
		raw = parts[1]
	}
	if err := json.Unmarshal(raw, &frame.Tokens); err != nil {
		return kiteFrame{}, false
	}
	return frame, true
}

// kiteLTPFrame builds a one-packet binary message in LTP mode.
func kiteLTPFrame(token, paise uint32) []byte {
	b := make([]byte, 2+2+8)
	binary.BigEndian.PutUint16(b[0:2], 1)
	binary.BigEndian.PutUint16(b[2:4], 8)
	binary.BigEndian.PutUint32(b[4:8], token)
	binary.BigEndian.PutUint32(b[8:12], paise)
	return b
}

// nextFrame returns the next command matching action.
func nextFrame(t *testing.T, frames <-chan kiteFrame, action string, timeout time.Duration) kiteFrame {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case f := <-frames:
			if f.Action == action {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q command", action)
			return kiteFrame{}
		}
	}
}

// nextTick returns the next tick for symbol.
func nextTick(t *testing.T, ticks <-chan models.Tick, symbol string, timeout time.Duration) models.Tick {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case tick := <-ticks:
			if tick.Symbol == symbol {
				return tick
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s tick", symbol)
			return models.Tick{}
		}
	}
}

func TestZerodha_SubscribeTicksUpdateAndResubscribe(t *testing.T) {
	if testing.Short() {
		t.Skip("the ticker library waits out a fixed liveness interval before reconnecting")
	}

	fake, srv := newFakeKiteTicker(t, map[int32]map[uint32]uint32{
		1: {infyKiteToken: 150000, relianceKiteToken: 250000},
		2: {infyKiteToken: 140000, relianceKiteToken: 240000},
	})
	z := NewZerodhaAdapter(ZerodhaConfig{
		APIKey:    "key",
		TickerURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	})
	sess := &models.Session{Owner: "alice", AccessToken: "token", State: models.SessionAuthenticated}
	infy, reliance := kiteInstruments()

	ticks := make(chan models.Tick, 32)
	sub, err := z.SubscribeTicks(context.Background(), sess, []models.Instrument{infy}, func(tick models.Tick) {
		ticks <- tick
	})
	require.NoError(t, err)
	defer sub.Close()

	f := nextFrame(t, fake.frames, "subscribe", 5*time.Second)
	assert.Equal(t, []uint32{infyKiteToken}, f.Tokens)
	assert.Equal(t, 1500.0, nextTick(t, ticks, "INFY", 5*time.Second).LTP)

	// Adding an instrument subscribes only the new token.
	require.NoError(t, sub.Update([]models.Instrument{infy, reliance}))
	f = nextFrame(t, fake.frames, "subscribe", 5*time.Second)
	assert.Equal(t, []uint32{relianceKiteToken}, f.Tokens)
	assert.Equal(t, 2500.0, nextTick(t, ticks, "RELIANCE", 5*time.Second).LTP)

	require.NoError(t, sub.Update([]models.Instrument{reliance}))
	f = nextFrame(t, fake.frames, "unsubscribe", 5*time.Second)
	assert.Equal(t, []uint32{infyKiteToken}, f.Tokens)

	// A dropped socket reconnects and re-applies the current set.
	fake.dropConnection()
	f = nextFrame(t, fake.frames, "subscribe", 20*time.Second)
	assert.Equal(t, int32(2), f.Conn)
	assert.Equal(t, []uint32{relianceKiteToken}, f.Tokens)
	assert.Equal(t, 2400.0, nextTick(t, ticks, "RELIANCE", 5*time.Second).LTP)
	assert.Equal(t, int32(2), fake.connections.Load())

	select {
	case <-sub.Done():
		t.Fatal("subscription stopped after a dropped connection")
	default:
	}
}
