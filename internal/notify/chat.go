// Package notify delivers alerts to a Google Chat space through an incoming
// webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/news-sentinel/internal/model"
	"github.com/sells-group/news-sentinel/internal/resilience"
)

// ErrNoWebhook is returned by Ready when no webhook URL is configured.
var ErrNoWebhook = eris.New("notify: webhook url not configured")

// detailRunes is how much of a rejection body is kept.
const detailRunes = 50

// Alert is one item ready to be announced.
type Alert struct {
	Organization string
	Exclusive    bool
	Rationale    string
	Title        string
	URL          string
}

// FormatMessage renders the chat text of an alert.
func FormatMessage(a Alert) string {
	kind := "(fundos não-exclusivos)"
	if a.Exclusive {
		kind = "(fundos exclusivos)"
	}
	return fmt.Sprintf(
		"🚨 *Alerta de Notícias* 🚨\n\n"+
			"A gestora: *%s* foi noticiada! _%s_\n\n"+
			"_Descrição (gerada por IA)_ :%s\n\n"+
			"*%s*\n\n"+
			"Link: %s",
		strings.ToUpper(a.Organization), kind, a.Rationale, a.Title, a.URL,
	)
}

// DeliveryError reports a failed delivery together with how it failed.
type DeliveryError struct {
	Outcome model.DeliveryOutcome
	Detail  string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("notify: %s: %s", e.Outcome, e.Detail)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ChatOptions configures a Chat webhook client.
type ChatOptions struct {
	WebhookURL string
	Timeout    time.Duration
	Retry      resilience.RetryConfig
	Client     *http.Client
}

// Chat posts messages to a Google Chat incoming webhook.
type Chat struct {
	opts   ChatOptions
	client *http.Client
}

// NewChat creates a Chat client.
func NewChat(opts ChatOptions) *Chat {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Chat{opts: opts, client: client}
}

// Ready fails when the webhook is not configured.
func (c *Chat) Ready() error {
	if strings.TrimSpace(c.opts.WebhookURL) == "" {
		return ErrNoWebhook
	}
	return nil
}

// Send formats and posts an alert.
func (c *Chat) Send(ctx context.Context, a Alert) error {
	return c.Post(ctx, FormatMessage(a))
}

type chatReply struct {
	status int
	body   string
}

// Post sends a plain text message. 429 and 5xx answers are retried; a
// final non-2xx answer is a CHAT_REJECTED DeliveryError and a transport
// failure is an HTTP_ERROR DeliveryError.
func (c *Chat) Post(ctx context.Context, text string) error {
	if err := c.Ready(); err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return eris.Wrap(err, "notify: marshal message")
	}

	var last *chatReply
	cfg := c.opts.Retry
	cfg.OnRetry = resilience.RetryLogger("chat", "post")
	_, err = resilience.DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		reply, err := c.post(ctx, payload)
		if err != nil {
			last = nil
			return struct{}{}, err
		}
		last = reply
		if reply.status == http.StatusTooManyRequests || resilience.IsTransientHTTPStatus(reply.status) {
			return struct{}{}, resilience.NewTransientError(
				eris.Errorf("notify: chat returned %d", reply.status), reply.status)
		}
		return struct{}{}, nil
	})

	switch {
	case last != nil && (last.status < 200 || last.status >= 300):
		detail := fmt.Sprintf("%d: %s", last.status, resilience.Truncate(last.body, detailRunes))
		zap.L().Warn("notify: chat rejected message", zap.Int("status", last.status), zap.String("detail", detail))
		return &DeliveryError{Outcome: model.DeliveryChatRejected, Detail: detail, Err: err}
	case err != nil:
		return &DeliveryError{Outcome: model.DeliveryHTTPError, Detail: err.Error(), Err: err}
	}
	return nil
}

func (c *Chat) post(ctx context.Context, payload []byte) (*chatReply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "notify: create request")
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "notify: post webhook")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return &chatReply{status: resp.StatusCode, body: string(body)}, nil
}
