// Package notify delivers password-reset and email-verification secrets.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/adeilh/go-rakh-auth/auth"
	"github.com/adeilh/go-rakh-auth/httpx"
)

const (
	TypePasswordReset     = "password-reset"
	TypeEmailVerification = "email-verification"

	DefaultWebhookPath = "/send-message"
)

// Message is the payload posted to the mailer.
type Message struct {
	Type      string `json:"type"`
	AccountID string `json:"accountId"`
	To        string `json:"to"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Token     string `json:"token"`
}

func newMessage(kind string, account auth.Profile, token string) Message {
	return Message{
		Type:      kind,
		AccountID: account.ID,
		To:        account.Email,
		FirstName: account.FirstName,
		LastName:  account.LastName,
		Token:     token,
	}
}

// Webhook posts each secret to an HTTP mailer service.
type Webhook struct {
	client *httpx.Client
	path   string
	logger *slog.Logger
}

type WebhookOption func(*webhookConfig)

type webhookConfig struct {
	path    string
	apiKey  string
	timeout time.Duration
	retries int
	logger  *slog.Logger
}

func WithPath(path string) WebhookOption {
	return func(c *webhookConfig) {
		if path != "" {
			c.path = path
		}
	}
}

// WithAPIKey sends key in the Api-Key header.
func WithAPIKey(key string) WebhookOption {
	return func(c *webhookConfig) { c.apiKey = key }
}

func WithTimeout(d time.Duration) WebhookOption {
	return func(c *webhookConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithRetries(n int) WebhookOption {
	return func(c *webhookConfig) {
		if n >= 0 {
			c.retries = n
		}
	}
}

func WithLogger(logger *slog.Logger) WebhookOption {
	return func(c *webhookConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewWebhook returns a notifier posting to rootURL + path.
func NewWebhook(rootURL string, opts ...WebhookOption) (*Webhook, error) {
	rootURL = strings.TrimRight(strings.TrimSpace(rootURL), "/")
	if rootURL == "" {
		return nil, errors.New("notify: webhook URL is required")
	}
	cfg := webhookConfig{path: DefaultWebhookPath, timeout: 5 * time.Second, retries: 2, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	headers := map[string]string{"Content-Type": "application/json"}
	if cfg.apiKey != "" {
		headers["Api-Key"] = cfg.apiKey
	}
	client := httpx.NewClient(
		httpx.WithBaseURL(rootURL),
		httpx.WithClientTimeout(cfg.timeout),
		httpx.WithHeaders(headers),
		httpx.WithRetries(cfg.retries),
	)
	return &Webhook{client: client, path: cfg.path, logger: cfg.logger}, nil
}

func (w *Webhook) SendPasswordReset(ctx context.Context, account auth.Profile, token string) error {
	return w.send(ctx, newMessage(TypePasswordReset, account, token))
}

func (w *Webhook) SendEmailVerification(ctx context.Context, account auth.Profile, token string) error {
	return w.send(ctx, newMessage(TypeEmailVerification, account, token))
}

func (w *Webhook) send(ctx context.Context, msg Message) error {
	if _, err := w.client.Post(ctx, w.path, msg, nil); err != nil {
		w.logger.Error("message delivery failed",
			slog.String("type", msg.Type),
			slog.String("account_id", msg.AccountID),
			slog.String("error", err.Error()),
		)
		return err
	}
	w.logger.Debug("message delivered", slog.String("type", msg.Type), slog.String("account_id", msg.AccountID))
	return nil
}

// Log records deliveries in the log instead of sending them. Tokens are
// only written when reveal is set, which is meant for local development.
type Log struct {
	logger *slog.Logger
	reveal bool
}

func NewLog(logger *slog.Logger, reveal bool) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger, reveal: reveal}
}

func (l *Log) SendPasswordReset(ctx context.Context, account auth.Profile, token string) error {
	l.log(ctx, newMessage(TypePasswordReset, account, token))
	return nil
}

func (l *Log) SendEmailVerification(ctx context.Context, account auth.Profile, token string) error {
	l.log(ctx, newMessage(TypeEmailVerification, account, token))
	return nil
}

func (l *Log) log(ctx context.Context, msg Message) {
	attrs := []slog.Attr{slog.String("type", msg.Type), slog.String("account_id", msg.AccountID)}
	if l.reveal {
		attrs = append(attrs, slog.String("token", msg.Token))
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "message not sent, logging only", attrs...)
}

var (
	_ auth.Notifier = (*Webhook)(nil)
	_ auth.Notifier = (*Log)(nil)
)
