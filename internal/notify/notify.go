// Package notify delivers keyword alerts to DingTalk and WeCom group
// robots over their webhook APIs.
//
// Delivery is best-effort, at-most-once: settings are snapshotted per
// send, failures are logged and never retried.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	logx "keywatch/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrNotConfigured = errors.New("notify: webhook not configured")
	ErrUnsafeURL     = errors.New("notify: webhook host not allowed")
)

// Settings is the per-send snapshot of the webhook configuration.
type Settings struct {
	Type            string // none, dingtalk, wecom
	DingTalkWebhook string
	DingTalkSecret  string
	WeComWebhook    string
}

// Message is one alert ready for delivery.
type Message struct {
	Title string
	Body  string
}

// Alert describes a keyword hit for formatting.
type Alert struct {
	GroupName string
	Sender    string
	Keyword   string
	Content   string
	IsImage   bool
}

// BuildMessage renders an alert as the markdown both channels accept.
func BuildMessage(a Alert) Message {
	sender := a.Sender
	if sender == "" {
		sender = "N/A"
	}
	heading := "Keyword Alert"
	if a.IsImage {
		heading = "Keyword Alert (image text)"
	}
	body := fmt.Sprintf(
		"#### **%s**\n\n> **Group**: %s\n\n> **Sender**: %s\n\n> **Keyword**: %s\n\n> **Message**: %s\n",
		heading, a.GroupName, sender, a.Keyword, a.Content,
	)
	return Message{
		Title: fmt.Sprintf("Keyword '%s' triggered", a.Keyword),
		Body:  body,
	}
}

// Config tunes the dispatcher.
type Config struct {
	RatePerSec int
	Timeout    time.Duration
}

// Dispatcher sends alerts through whichever channel the settings select.
// It is safe for concurrent use.
type Dispatcher struct {
	mu      sync.Mutex
	log     logx.Logger
	client  *http.Client
	limiter *rate.Limiter

	// overridable in tests
	now func() time.Time
}

func New(cfg Config, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		log: log,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		now:     time.Now,
	}
}

// SetTransport swaps the HTTP transport. Tests use it to capture requests.
func (d *Dispatcher) SetTransport(rt http.RoundTripper) {
	d.mu.Lock()
	d.client.Transport = rt
	d.mu.Unlock()
}

// Send delivers m through the channel st selects. A settings snapshot of
// type "none" is a silent no-op.
func (d *Dispatcher) Send(ctx context.Context, st Settings, m Message) error {
	switch st.Type {
	case "dingtalk":
		if st.DingTalkWebhook == "" {
			return ErrNotConfigured
		}
		return d.deliver(ctx, "dingtalk", func() (string, []byte, error) {
			return dingTalkRequest(st, m, d.now())
		})
	case "wecom":
		if st.WeComWebhook == "" {
			return ErrNotConfigured
		}
		return d.deliver(ctx, "wecom", func() (string, []byte, error) {
			return weComRequest(st, m)
		})
	default:
		return nil
	}
}

// Test sends a probe message and reports the outcome as human-readable
// text for the operator UI.
func (d *Dispatcher) Test(ctx context.Context, st Settings) string {
	m := Message{
		Title: "Test notification",
		Body:  "#### **Test notification**\n\nIf you can read this, the webhook works.\n",
	}
	if st.Type == "" || st.Type == "none" {
		return "no notification channel selected"
	}
	if err := d.Send(ctx, st, m); err != nil {
		return fmt.Sprintf("send failed: %v", err)
	}
	return "test message sent"
}

func (d *Dispatcher) deliver(ctx context.Context, channel string, build func() (string, []byte, error)) error {
	endpoint, payload, err := build()
	if err != nil {
		return err
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json;charset=utf-8")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notify: %s returned HTTP %d", channel, resp.StatusCode)
	}
	var r struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return fmt.Errorf("notify: %s response unreadable: %w", channel, err)
	}
	if r.ErrCode != 0 {
		return fmt.Errorf("notify: %s rejected message: %s (errcode %d)", channel, r.ErrMsg, r.ErrCode)
	}
	d.log.Debug("alert delivered", logx.String("channel", channel))
	return nil
}

// checkWebhookHost allows only the official robot endpoints. Anything
// else is refused before a request is built.
func checkWebhookHost(raw string, allowed string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("notify: bad webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, ErrUnsafeURL
	}
	if u.Host != allowed {
		return nil, ErrUnsafeURL
	}
	return u, nil
}
