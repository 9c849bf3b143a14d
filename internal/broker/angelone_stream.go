package broker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/internal/models"
	"autoexit-trader/pkg/utils"
)

const (
	// angelWriteWait is the time allowed to write a message to the peer.
	angelWriteWait = 10 * time.Second

	// angelHeartbeat is how often a text "ping" is sent; SmartStream drops
	// idle clients after roughly a minute.
	angelHeartbeat = 30 * time.Second

	// angelReadWait is the time allowed between inbound frames.
	angelReadWait = 3 * angelHeartbeat

	angelReconnectDelay    = time.Second
	angelMaxReconnectDelay = 60 * time.Second

	angelActionUnsubscribe = 0
	angelActionSubscribe   = 1
	angelModeSnapQuote     = 3

	angelLTPPacketLen   = 51
	angelQuotePacketLen = 123
	angelOIOffset       = 131
)

// SmartStream exchange type codes.
var angelExchangeTypes = map[models.Exchange]int{
	models.NSE: 1,
	models.NFO: 2,
	models.BSE: 3,
	models.MCX: 5,
	models.CDS: 13,
}

type angelSubscribeRequest struct {
	CorrelationID string               `json:"correlationID"`
	Action        int                  `json:"action"`
	Params        angelSubscribeParams `json:"params"`
}

type angelSubscribeParams struct {
	Mode      int              `json:"mode"`
	TokenList []angelTokenList `json:"tokenList"`
}

type angelTokenList struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

// angelStream is a SmartStream v2 websocket subscription. It reconnects with
// exponential backoff and resubscribes the current instrument set on every
// new connection.
type angelStream struct {
	url           string
	header        http.Header
	onTick        TickHandler
	logger        zerolog.Logger
	maxReconnects int

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	conn        *websocket.Conn
	instruments map[string]models.Instrument // key: exchangeType:token
	closed      bool

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// SubscribeTicks opens a SmartStream connection for instruments.
func (a *AngelOneAdapter) SubscribeTicks(ctx context.Context, sess *models.Session, instruments []models.Instrument, onTick TickHandler) (Subscription, error) {
	if err := requireSession(sess); err != nil {
		return nil, err
	}
	if sess.FeedToken == "" {
		return nil, apperrors.Wrap(apperrors.ErrSessionExpired, "angelone session has no feed token")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+sess.AccessToken)
	header.Set("x-api-key", a.cfg.APIKey)
	header.Set("x-client-code", sess.UserID)
	header.Set("x-feed-token", sess.FeedToken)

	streamCtx, cancel := context.WithCancel(context.Background())
	s := &angelStream{
		url:           a.cfg.StreamURL,
		header:        header,
		onTick:        onTick,
		logger:        a.logger.With().Str("component", "smartstream").Logger(),
		maxReconnects: a.cfg.MaxReconnects,
		ctx:           streamCtx,
		cancel:        cancel,
		instruments:   make(map[string]models.Instrument),
		done:          make(chan struct{}),
	}
	if err := s.setInstruments(instruments); err != nil {
		cancel()
		return nil, err
	}

	conn, err := s.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := s.subscribe(conn, angelActionSubscribe, s.snapshot()); err != nil {
		conn.Close()
		cancel()
		return nil, apperrors.Wrapf(apperrors.ErrConnectionFailed, "smartstream subscribe: %v", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go s.run(conn)
	return s, nil
}

// Update replaces the subscribed instrument set.
func (s *angelStream) Update(instruments []models.Instrument) error {
	before := s.snapshot()
	if err := s.setInstruments(instruments); err != nil {
		return err
	}
	after := s.snapshot()

	var added, removed []models.Instrument
	for key, inst := range after {
		if _, ok := before[key]; !ok {
			added = append(added, inst)
		}
	}
	for key, inst := range before {
		if _, ok := after[key]; !ok {
			removed = append(removed, inst)
		}
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		// Applied on reconnect.
		return nil
	}

	if len(removed) > 0 {
		if err := s.subscribe(conn, angelActionUnsubscribe, toSet(removed)); err != nil {
			s.logger.Debug().Err(err).Msg("Unsubscribe failed")
		}
	}
	if len(added) > 0 {
		if err := s.subscribe(conn, angelActionSubscribe, toSet(added)); err != nil {
			return apperrors.Wrapf(apperrors.ErrConnectionFailed, "smartstream subscribe: %v", err)
		}
	}
	return nil
}

// Close shuts down the stream.
func (s *angelStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(angelWriteWait),
		)
		s.writeMu.Unlock()
		conn.Close()
	}
	s.finish(nil)
	return nil
}

// Done is closed when the stream stops.
func (s *angelStream) Done() <-chan struct{} {
	return s.done
}

// Err reports why the stream stopped.
func (s *angelStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *angelStream) finish(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *angelStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *angelStream) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, apperrors.NewBrokerError("angelone", fmt.Sprint(resp.StatusCode), "smartstream handshake rejected", apperrors.ErrSessionExpired)
		}
		return nil, apperrors.NewBrokerError("angelone", "smartstream", err.Error(), apperrors.ErrConnectionFailed)
	}
	return conn, nil
}

// run serves conn and reconnects until the stream is closed or gives up.
func (s *angelStream) run(conn *websocket.Conn) {
	for {
		err := s.serve(conn)
		if s.isClosed() {
			s.finish(nil)
			return
		}
		s.logger.Warn().Err(err).Msg("Stream disconnected")

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()

		conn = s.reconnect()
		if conn == nil {
			return
		}
	}
}

// serve reads frames until the connection fails.
func (s *angelStream) serve(conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go s.heartbeat(conn, stop)

	for {
		conn.SetReadDeadline(time.Now().Add(angelReadWait))
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if mt != websocket.BinaryMessage {
			// "pong" replies and JSON error frames.
			if text := strings.TrimSpace(string(msg)); text != "pong" {
				s.logger.Debug().Str("message", text).Msg("Stream text frame")
			}
			continue
		}
		s.handlePacket(msg)
	}
}

func (s *angelStream) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(angelHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(angelWriteWait))
			err := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// reconnect dials with exponential backoff and resubscribes. It returns nil
// once the stream is finished.
func (s *angelStream) reconnect() *websocket.Conn {
	for attempt := 0; s.maxReconnects == 0 || attempt < s.maxReconnects; attempt++ {
		delay := utils.CalculateBackoff(attempt, angelReconnectDelay, angelMaxReconnectDelay, 2)
		if err := utils.Sleep(s.ctx, delay); err != nil {
			s.finish(nil)
			return nil
		}

		conn, err := s.dial(s.ctx)
		if err != nil {
			if errors.Is(err, apperrors.ErrSessionExpired) {
				s.finish(err)
				return nil
			}
			s.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Reconnect failed")
			continue
		}
		if err := s.subscribe(conn, angelActionSubscribe, s.snapshot()); err != nil {
			conn.Close()
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			s.finish(nil)
			return nil
		}
		s.conn = conn
		s.mu.Unlock()

		s.logger.Info().Int("attempt", attempt+1).Msg("Stream reconnected")
		return conn
	}

	s.finish(apperrors.Wrapf(apperrors.ErrConnectionFailed, "smartstream gave up after %d reconnect attempts", s.maxReconnects))
	return nil
}

func (s *angelStream) subscribe(conn *websocket.Conn, action int, instruments map[string]models.Instrument) error {
	if len(instruments) == 0 {
		return nil
	}

	req := angelSubscribeRequest{
		CorrelationID: strings.ReplaceAll(uuid.NewString(), "-", "")[:10],
		Action:        action,
		Params: angelSubscribeParams{
			Mode:      angelModeSnapQuote,
			TokenList: buildTokenList(instruments),
		},
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(angelWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *angelStream) setInstruments(instruments []models.Instrument) error {
	next := make(map[string]models.Instrument, len(instruments))
	for _, inst := range instruments {
		key, err := angelKey(inst)
		if err != nil {
			return err
		}
		next[key] = inst
	}

	s.mu.Lock()
	s.instruments = next
	s.mu.Unlock()
	return nil
}

func (s *angelStream) snapshot() map[string]models.Instrument {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.Instrument, len(s.instruments))
	for k, v := range s.instruments {
		out[k] = v
	}
	return out
}

// handlePacket runs on the read goroutine, so ticks reach onTick in arrival order.
func (s *angelStream) handlePacket(msg []byte) {
	p, err := parseAngelPacket(msg)
	if err != nil {
		s.logger.Debug().Err(err).Int("len", len(msg)).Msg("Dropping malformed packet")
		return
	}

	s.mu.Lock()
	inst, ok := s.instruments[fmt.Sprintf("%d:%s", p.ExchangeType, p.Token)]
	s.mu.Unlock()
	if !ok {
		return
	}

	s.onTick(models.Tick{
		Symbol:          inst.Symbol,
		InstrumentToken: inst.Token,
		LTP:             p.LTP,
		OpenInterest:    p.OpenInterest,
		Volume:          p.Volume,
		Timestamp:       p.ExchangeTime,
	})
}

func angelKey(inst models.Instrument) (string, error) {
	et, ok := angelExchangeTypes[inst.Exchange]
	if !ok {
		return "", apperrors.NewValidationError("exchange", inst.Exchange, "not available on smartstream")
	}
	if inst.Token == "" {
		return "", apperrors.NewValidationError("instrument_token", inst.Token, "required for "+inst.Key())
	}
	return fmt.Sprintf("%d:%s", et, inst.Token), nil
}

func toSet(instruments []models.Instrument) map[string]models.Instrument {
	out := make(map[string]models.Instrument, len(instruments))
	for _, inst := range instruments {
		if key, err := angelKey(inst); err == nil {
			out[key] = inst
		}
	}
	return out
}

// buildTokenList groups tokens by exchange type in a stable order.
func buildTokenList(instruments map[string]models.Instrument) []angelTokenList {
	grouped := make(map[int][]string)
	for _, inst := range instruments {
		et := angelExchangeTypes[inst.Exchange]
		grouped[et] = append(grouped[et], inst.Token)
	}

	lists := make([]angelTokenList, 0, len(grouped))
	for et, tokens := range grouped {
		sort.Strings(tokens)
		lists = append(lists, angelTokenList{ExchangeType: et, Tokens: tokens})
	}
	sort.Slice(lists, func(i, j int) bool { return lists[i].ExchangeType < lists[j].ExchangeType })
	return lists
}

// angelPacket is a decoded SmartStream binary frame.
type angelPacket struct {
	Mode         byte
	ExchangeType int
	Token        string
	Sequence     int64
	ExchangeTime time.Time
	LTP          float64
	Volume       int64
	OpenInterest int64
}

// parseAngelPacket decodes a little-endian SmartStream frame. All modes share
// the 51-byte LTP prefix; quote frames add volume and snap-quote frames add
// open interest.
func parseAngelPacket(b []byte) (angelPacket, error) {
	if len(b) < angelLTPPacketLen {
		return angelPacket{}, fmt.Errorf("short packet: %d bytes", len(b))
	}

	var p angelPacket
	p.Mode = b[0]
	p.ExchangeType = int(b[1])

	token := b[2:27]
	if i := bytes.IndexByte(token, 0); i >= 0 {
		token = token[:i]
	}
	p.Token = string(token)

	le := binary.LittleEndian
	p.Sequence = int64(le.Uint64(b[27:35]))
	p.ExchangeTime = time.UnixMilli(int64(le.Uint64(b[35:43])))

	// Prices are in paise; currency derivatives use seven decimal places.
	divisor := 100.0
	if p.ExchangeType == angelExchangeTypes[models.CDS] {
		divisor = 10000000.0
	}
	p.LTP = float64(int64(le.Uint64(b[43:51]))) / divisor

	if len(b) >= angelQuotePacketLen {
		p.Volume = int64(le.Uint64(b[67:75]))
	}
	if len(b) >= angelOIOffset+8 {
		p.OpenInterest = int64(le.Uint64(b[angelOIOffset : angelOIOffset+8]))
	}
	return p, nil
}

var _ Subscription = (*angelStream)(nil)
