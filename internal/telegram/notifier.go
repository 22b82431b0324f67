package telegram

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const defaultAPIBase = "https://api.telegram.org"

type Config struct {
	Token    string
	ChatID   string
	Instance string // label included in every alert
	APIBase  string
	Timeout  time.Duration
}

// Notifier sends operator alerts to a Telegram chat.
type Notifier struct {
	cfg    Config
	client *resty.Client
	now    func() time.Time
}

func NewNotifier(cfg Config) *Notifier {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Notifier{
		cfg: cfg,
		client: resty.New().
			SetBaseURL(cfg.APIBase).
			SetTimeout(cfg.Timeout),
		now: time.Now,
	}
}

type sendMessageResp struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// SendAlert posts an HTML formatted message.
func (n *Notifier) SendAlert(ctx context.Context, message string) error {
	var out sendMessageResp
	resp, err := n.client.R().
		SetContext(ctx).
		SetPathParam("token", n.cfg.Token).
		SetBody(map[string]string{
			"chat_id":    n.cfg.ChatID,
			"text":       message,
			"parse_mode": "HTML",
		}).
		SetResult(&out).
		SetError(&out).
		Post("/bot{token}/sendMessage")
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	if resp.IsError() || !out.OK {
		return fmt.Errorf("telegram api status %d: %s", resp.StatusCode(), out.Description)
	}
	return nil
}

// AccountLost implements accounts.Alerter. Delivery happens in the background.
func (n *Notifier) AccountLost(accountID, phone, reason string) {
	if phone == "" {
		phone = "unknown"
	}
	msg := fmt.Sprintf("⚠️ <b>ACCOUNT LOST</b>\n\n🆔 Account: %s\n📱 Phone: %s\n📝 Reason: %s\n🖥️ Instance: %s\n⏰ Time: %s",
		html.EscapeString(accountID),
		html.EscapeString(phone),
		html.EscapeString(reason),
		html.EscapeString(n.cfg.Instance),
		n.now().Format("2006-01-02 15:04:05"))
	n.async(msg)
}

// SessionsRestored reports the outcome of the startup restore.
func (n *Notifier) SessionsRestored(restored, total int) {
	msg := fmt.Sprintf("✅ <b>SESSIONS RESTORED</b>\n\n📊 Restored: %d / %d\n🖥️ Instance: %s\n⏰ Time: %s",
		restored, total, html.EscapeString(n.cfg.Instance), n.now().Format("2006-01-02 15:04:05"))
	n.async(msg)
}

func (n *Notifier) async(msg string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
		defer cancel()
		if err := n.SendAlert(ctx, msg); err != nil {
			zap.L().Warn("telegram: alert failed", zap.Error(err))
		}
	}()
}
