// ABOUTME: Alert notification delivery over telegram and generic webhooks
// ABOUTME: Channel configs decrypt lazily; sends retry on a fixed backoff ladder

package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fleetd-io/fleetd/internal/crypto"
	"github.com/fleetd-io/fleetd/internal/store"
)

// Notification describes one alert lifecycle change pushed to channels.
type Notification struct {
	Kind       string    `json:"kind"` // triggered, resolved
	EventID    int64     `json:"event_id"`
	RuleID     int64     `json:"rule_id"`
	AgentID    int64     `json:"agent_id"`
	MetricType string    `json:"metric_type"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	Operator   string    `json:"operator"`
	Details    string    `json:"details,omitempty"`
	At         time.Time `json:"at"`
}

// Notifier delivers notifications to a set of channels. Implementations must
// not block the caller; delivery and retries run on their own goroutines.
type Notifier interface {
	Notify(ctx context.Context, n Notification, channelIDs []int64)
}

// retrySchedule is the delay before each retry attempt. A send that exhausts
// the ladder is a permanent failure.
var retrySchedule = []time.Duration{
	time.Second, 5 * time.Second, 30 * time.Second, 2 * time.Minute, 10 * time.Minute,
}

type telegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type webhookConfig struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// HTTPNotifier sends over HTTP to telegram and user-supplied webhooks.
type HTTPNotifier struct {
	store         store.Store
	encryptionKey string
	client        *http.Client
	logger        *slog.Logger

	// telegramBase is swapped out in tests.
	telegramBase string
}

// NewHTTPNotifier creates a notifier decrypting channel configs with key.
func NewHTTPNotifier(st store.Store, key string, logger *slog.Logger) *HTTPNotifier {
	return &HTTPNotifier{
		store:         st,
		encryptionKey: key,
		client:        &http.Client{Timeout: 15 * time.Second},
		logger:        logger.With("component", "notify"),
		telegramBase:  "https://api.telegram.org",
	}
}

// Notify fans the notification out to each channel on its own goroutine.
func (n *HTTPNotifier) Notify(ctx context.Context, note Notification, channelIDs []int64) {
	for _, id := range channelIDs {
		go n.deliverWithRetry(context.WithoutCancel(ctx), note, id)
	}
}

func (n *HTTPNotifier) deliverWithRetry(ctx context.Context, note Notification, channelID int64) {
	var lastErr error
	for attempt := 0; attempt <= len(retrySchedule); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retrySchedule[attempt-1]):
			case <-ctx.Done():
				return
			}
		}

		lastErr = n.deliver(ctx, note, channelID)
		if lastErr == nil {
			n.logger.Debug("notification delivered",
				"channel_id", channelID, "event_id", note.EventID, "attempts", attempt+1)
			return
		}
		n.logger.Warn("notification attempt failed",
			"channel_id", channelID, "event_id", note.EventID,
			"attempt", attempt+1, "error", lastErr)
	}

	n.logger.Error("notification permanently failed",
		"channel_id", channelID, "event_id", note.EventID, "error", lastErr)
}

func (n *HTTPNotifier) deliver(ctx context.Context, note Notification, channelID int64) error {
	channel, err := n.store.GetChannel(ctx, channelID)
	if err != nil {
		return fmt.Errorf("loading channel: %w", err)
	}

	configJSON, err := crypto.Decrypt(channel.ConfigEncrypted, n.encryptionKey)
	if err != nil {
		return fmt.Errorf("decrypting channel config: %w", err)
	}

	switch channel.Type {
	case "telegram":
		var cfg telegramConfig
		if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
			return fmt.Errorf("parsing telegram config: %w", err)
		}
		return n.sendTelegram(ctx, cfg, note)

	case "webhook":
		var cfg webhookConfig
		if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
			return fmt.Errorf("parsing webhook config: %w", err)
		}
		return n.sendWebhook(ctx, cfg, note)

	default:
		return fmt.Errorf("unknown channel type %q", channel.Type)
	}
}

func (n *HTTPNotifier) sendTelegram(ctx context.Context, cfg telegramConfig, note Notification) error {
	text := formatMessage(note)
	body, err := json.Marshal(map[string]string{
		"chat_id": cfg.ChatID,
		"text":    text,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.telegramBase, cfg.BotToken)
	return n.post(ctx, url, body, nil)
}

func (n *HTTPNotifier) sendWebhook(ctx context.Context, cfg webhookConfig, note Notification) error {
	body, err := json.Marshal(&note)
	if err != nil {
		return err
	}

	headers := map[string]string{}
	if cfg.Token != "" {
		headers["X-Webhook-Token"] = cfg.Token
	}
	return n.post(ctx, cfg.URL, body, headers)
}

func (n *HTTPNotifier) post(ctx context.Context, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func formatMessage(note Notification) string {
	switch note.Kind {
	case "resolved":
		return fmt.Sprintf("Resolved: %s on agent %d back within threshold (%s %s %.2f)",
			note.MetricType, note.AgentID, note.MetricType, note.Operator, note.Threshold)
	default:
		return fmt.Sprintf("Alert: %s on agent %d is %.2f (%s %.2f)",
			note.MetricType, note.AgentID, note.Value, note.Operator, note.Threshold)
	}
}
