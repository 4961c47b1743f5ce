package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"authmon/internal/config"
	"authmon/internal/model"
)

// Notification is what a channel receives for one dispatch. Urgency equals
// the alert severity, raised one level for escalations.
type Notification struct {
	Alert     model.Alert    `json:"alert"`
	Escalated bool           `json:"escalated"`
	Urgency   model.Severity `json:"urgency"`
	SentAt    time.Time      `json:"sent_at"`
}

// Sender delivers a notification. A returned error marks the attempt failed;
// the engine never retries.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

type SenderFunc func(ctx context.Context, n Notification) error

func (f SenderFunc) Send(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

type Channel struct {
	Name        string
	Type        string
	Enabled     bool
	MinSeverity model.Severity
	Categories  []model.Category
	Sender      Sender
}

func (c *Channel) matches(a model.Alert) bool {
	if !c.Enabled || c.Sender == nil {
		return false
	}
	if c.MinSeverity != "" && a.Severity.Rank() < c.MinSeverity.Rank() {
		return false
	}
	if len(c.Categories) == 0 {
		return true
	}
	for _, cat := range c.Categories {
		if cat == a.Category {
			return true
		}
	}
	return false
}

type ChannelStats struct {
	Sent      int64     `json:"sent"`
	Failed    int64     `json:"failed"`
	LastSent  time.Time `json:"last_sent,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// ChannelsFromConfig builds channels for cfg. email channels use the sender
// supplied by the host and are skipped when it is nil.
func ChannelsFromConfig(cfg []config.ChannelConfig, logger *slog.Logger, client *http.Client, email Sender) []*Channel {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	out := make([]*Channel, 0, len(cfg))
	for _, c := range cfg {
		ch := &Channel{
			Name:        c.Name,
			Type:        strings.ToLower(c.Type),
			Enabled:     c.Enabled,
			MinSeverity: model.Severity(strings.ToLower(c.MinSeverity)),
		}
		if ch.Name == "" {
			ch.Name = ch.Type
		}
		for _, cat := range c.Categories {
			ch.Categories = append(ch.Categories, model.Category(strings.ToLower(cat)))
		}
		switch ch.Type {
		case "log":
			ch.Sender = NewLogSender(logger)
		case "webhook":
			ch.Sender = NewWebhookSender(c.URL, client)
		case "slack":
			ch.Sender = NewSlackSender(c.URL, client)
		case "email":
			if email == nil {
				if logger != nil {
					logger.Warn("email channel configured without a sender, skipping", "channel", ch.Name)
				}
				continue
			}
			ch.Sender = email
		default:
			continue
		}
		out = append(out, ch)
	}
	return out
}

type logSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) Sender {
	return &logSender{logger: logger}
}

func (l *logSender) Send(ctx context.Context, n Notification) error {
	if l.logger == nil {
		return nil
	}
	level := slog.LevelWarn
	if n.Urgency == model.SeverityCritical {
		level = slog.LevelError
	}
	l.logger.Log(ctx, level, "alert notification",
		"alert_id", n.Alert.ID,
		"rule", n.Alert.RuleName,
		"severity", n.Alert.Severity,
		"urgency", n.Urgency,
		"escalated", n.Escalated,
		"message", n.Alert.Message,
	)
	return nil
}

type webhookSender struct {
	url    string
	client *http.Client
}

func NewWebhookSender(url string, client *http.Client) Sender {
	return &webhookSender{url: url, client: client}
}

func (w *webhookSender) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}
	return postJSON(ctx, w.client, w.url, body)
}

type slackSender struct {
	url    string
	client *http.Client
}

func NewSlackSender(url string, client *http.Client) Sender {
	return &slackSender{url: url, client: client}
}

type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type string     `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (s *slackSender) Send(ctx context.Context, n Notification) error {
	header := "authmon alert"
	if n.Escalated {
		header = "authmon alert (escalated)"
	}
	text := fmt.Sprintf("*[%s]* %s\n`%s` %s\n_%s_",
		strings.ToUpper(string(n.Urgency)),
		n.Alert.Message,
		n.Alert.RuleName,
		n.Alert.ID,
		n.Alert.TriggeredAt.UTC().Format("2006-01-02 15:04 UTC"),
	)
	msg := slackMessage{Blocks: []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: header}},
		{Type: "section", Text: &slackText{Type: "mrkdwn", Text: text}},
	}}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling slack message: %w", err)
	}
	return postJSON(ctx, s.client, s.url, body)
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
