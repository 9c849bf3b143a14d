// Package notify delivers exit notifications to owners.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"autoexit-trader/internal/config"
	"autoexit-trader/pkg/utils"
)

// EventType identifies what happened to a position.
type EventType string

const (
	EventExit       EventType = "exit"
	EventExitFailed EventType = "exit_failed"
)

// Event describes an exit or a failed exit attempt.
type Event struct {
	Type       EventType
	PositionID string
	Owner      string
	Exchange   string
	Symbol     string
	Quantity   int
	EntryPrice float64
	Price      float64 // fill price, or last price for a failure
	Reason     string
	OrderID    string
	Error      string
	Timestamp  time.Time
}

// PnL is the realised profit of a long exit. ok is false when the exit
// price is unknown.
func (e Event) PnL() (pnl float64, ok bool) {
	if e.Price <= 0 {
		return 0, false
	}
	return (e.Price - e.EntryPrice) * float64(e.Quantity), true
}

// Title is a one-line summary.
func (e Event) Title() string {
	switch e.Type {
	case EventExit:
		return fmt.Sprintf("Exited %s:%s for %s", e.Exchange, e.Symbol, e.Owner)
	default:
		return fmt.Sprintf("Exit FAILED %s:%s for %s", e.Exchange, e.Symbol, e.Owner)
	}
}

// Message is the human-readable body.
func (e Event) Message() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reason: %s\n", e.Reason)
	fmt.Fprintf(&b, "Quantity: %s\n", utils.FormatQuantity(int64(e.Quantity)))
	fmt.Fprintf(&b, "Entry: %s\n", utils.FormatIndianCurrency(e.EntryPrice))
	switch e.Type {
	case EventExit:
		pnl, ok := e.PnL()
		if !ok {
			fmt.Fprintf(&b, "Exit: price unknown (order %s)\n", e.OrderID)
			b.WriteString("P&L: unknown")
			break
		}
		fmt.Fprintf(&b, "Exit: %s (order %s)\n", utils.FormatIndianCurrency(e.Price), e.OrderID)
		fmt.Fprintf(&b, "P&L: %s", utils.FormatPnL(pnl))
	default:
		fmt.Fprintf(&b, "Last: %s\n", formatLast(e.Price))
		fmt.Fprintf(&b, "Error: %s", e.Error)
	}
	return b.String()
}

func formatLast(price float64) string {
	if price <= 0 {
		return "unknown"
	}
	return utils.FormatIndianCurrency(price)
}

// Notifier sends events somewhere an owner will see them.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Channel is a single delivery channel.
type Channel interface {
	Name() string
	Send(ctx context.Context, e Event) error
}

// MultiNotifier fans an event out to every configured channel.
type MultiNotifier struct {
	channels []Channel
	logger   zerolog.Logger
}

// New builds a MultiNotifier from the enabled channels in cfg.
func New(cfg config.NotifyConfig, logger zerolog.Logger) *MultiNotifier {
	mn := &MultiNotifier{logger: logger.With().Str("component", "notify").Logger()}
	if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		mn.AddChannel(NewWebhookNotifier(cfg.Webhook.URL))
	}
	if cfg.Telegram.Enabled && cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		mn.AddChannel(NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID))
	}
	return mn
}

// AddChannel adds a delivery channel.
func (mn *MultiNotifier) AddChannel(ch Channel) {
	mn.channels = append(mn.channels, ch)
}

// Enabled reports whether any channel is configured.
func (mn *MultiNotifier) Enabled() bool {
	return len(mn.channels) > 0
}

// Notify sends e to every channel. A failing channel does not stop the others.
func (mn *MultiNotifier) Notify(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	var errs []error
	for _, ch := range mn.channels {
		if err := ch.Send(ctx, e); err != nil {
			mn.logger.Warn().Err(err).Str("channel", ch.Name()).Str("position_id", e.PositionID).Msg("Notification failed")
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}

var defaultClient = &http.Client{Timeout: 10 * time.Second}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "AutoexitTrader/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// WebhookNotifier posts events as JSON.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook channel.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{url: url, client: defaultClient}
}

func (w *WebhookNotifier) Name() string { return "webhook" }

// Send posts the event.
func (w *WebhookNotifier) Send(ctx context.Context, e Event) error {
	payload := map[string]interface{}{
		"type":        e.Type,
		"title":       e.Title(),
		"message":     e.Message(),
		"position_id": e.PositionID,
		"owner":       e.Owner,
		"exchange":    e.Exchange,
		"symbol":      e.Symbol,
		"quantity":    e.Quantity,
		"entry_price": e.EntryPrice,
		"price":       priceOrNil(e.Price),
		"reason":      e.Reason,
		"order_id":    e.OrderID,
		"error":       e.Error,
		"timestamp":   e.Timestamp.Format(time.RFC3339),
	}
	return postJSON(ctx, w.client, w.url, payload)
}

// priceOrNil encodes an unknown price as JSON null.
func priceOrNil(price float64) any {
	if price <= 0 {
		return nil
	}
	return price
}

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier sends events through a Telegram bot.
type TelegramNotifier struct {
	baseURL  string
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegramNotifier creates a Telegram channel.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		baseURL:  telegramAPI,
		botToken: botToken,
		chatID:   chatID,
		client:   defaultClient,
	}
}

func (t *TelegramNotifier) Name() string { return "telegram" }

// Send sends the event as an HTML-formatted message.
func (t *TelegramNotifier) Send(ctx context.Context, e Event) error {
	text := fmt.Sprintf("<b>%s</b>\n\n%s", escapeHTML(e.Title()), escapeHTML(e.Message()))
	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	return postJSON(ctx, t.client, fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken), payload)
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}
