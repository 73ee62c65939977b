package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"delivery-core/internal/domain/entity"
	"delivery-core/internal/resilience/retry"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// SlackConfig contains configuration for Slack webhook alerts.
type SlackConfig struct {
	// WebhookURL is the Slack Incoming Webhook URL (includes authentication token)
	WebhookURL string

	// Timeout is the HTTP request timeout for Slack API calls
	Timeout time.Duration

	// Statuses selects which outcomes raise an alert. Defaults to failed only.
	Statuses []entity.Status

	// QueueSize bounds the alerts waiting to be sent. Alerts beyond it are dropped.
	QueueSize int

	// Retry controls resends of a failed webhook call.
	Retry retry.Config
}

// SlackNotifier posts outcome alerts to Slack via Incoming Webhook.
// Publish only enqueues; Run drains the queue at Slack's webhook limit of
// one message per second.
type SlackNotifier struct {
	config     SlackConfig
	statuses   map[entity.Status]bool
	httpClient *http.Client
	limiter    *rate.Limiter
	queue      chan entity.OutcomeEvent
	dropped    atomic.Int64
}

// NewSlackNotifier creates a SlackNotifier. Call Run to start sending.
func NewSlackNotifier(config SlackConfig) *SlackNotifier {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if len(config.Statuses) == 0 {
		config.Statuses = []entity.Status{entity.StatusFailed}
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = retry.Config{
			MaxAttempts: 2,
			Delay:       retry.Policy{BaseDelay: 5 * time.Second, MaxDelay: 10 * time.Second, JitterMax: 500 * time.Millisecond, Multiplier: 2},
		}
	}

	statuses := make(map[entity.Status]bool, len(config.Statuses))
	for _, s := range config.Statuses {
		statuses[s] = true
	}
	return &SlackNotifier{
		config:     config,
		statuses:   statuses,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(1, 1),
		queue:      make(chan entity.OutcomeEvent, config.QueueSize),
	}
}

// Publish queues an alert for ev if its status is selected. It never blocks.
func (s *SlackNotifier) Publish(_ context.Context, ev entity.OutcomeEvent) error {
	if !s.statuses[ev.Status] {
		return nil
	}
	select {
	case s.queue <- ev:
		return nil
	default:
		s.dropped.Add(1)
		return fmt.Errorf("slack alert queue full, dropped alert for %s", ev.ItemID)
	}
}

// Dropped returns how many alerts were discarded because the queue was full.
func (s *SlackNotifier) Dropped() int64 {
	return s.dropped.Load()
}

// Run sends queued alerts until ctx is cancelled.
func (s *SlackNotifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			s.send(ctx, ev)
		}
	}
}

func (s *SlackNotifier) send(ctx context.Context, ev entity.OutcomeEvent) {
	requestID := uuid.New().String()
	attempt := 0
	err := retry.WithBackoff(ctx, s.config.Retry, func() error {
		attempt++
		return s.sendWebhookRequest(ctx, ev)
	})
	if err != nil {
		slog.Error("Slack alert failed",
			slog.String("request_id", requestID),
			slog.String("item_id", ev.ItemID),
			slog.Int("attempts", attempt),
			slog.Any("error", err))
		return
	}
	slog.Info("Slack alert sent",
		slog.String("request_id", requestID),
		slog.String("item_id", ev.ItemID),
		slog.Int("attempt", attempt))
}

// SlackWebhookPayload represents the JSON payload sent to Slack webhook using Block Kit.
type SlackWebhookPayload struct {
	Text   string       `json:"text"`   // Fallback text (required)
	Blocks []SlackBlock `json:"blocks"` // Rich formatting blocks
}

// SlackBlock represents a Slack Block Kit block.
type SlackBlock struct {
	Type     string            `json:"type"`               // "section", "context"
	Text     *SlackTextObject  `json:"text,omitempty"`     // Text content (for section)
	Elements []SlackTextObject `json:"elements,omitempty"` // Elements (for context)
}

// SlackTextObject represents a text object in Slack Block Kit.
type SlackTextObject struct {
	Type string `json:"type"` // "mrkdwn" or "plain_text"
	Text string `json:"text"`
}

const maxSectionTextLength = 3000

func buildBlockKitPayload(ev entity.OutcomeEvent) SlackWebhookPayload {
	fallback := fmt.Sprintf("Delivery %s %s", ev.ItemID, ev.Status)

	section := fmt.Sprintf("*Delivery %s*\nitem `%s`, retries %d", ev.Status, ev.ItemID, ev.RetryCount)
	if ev.CampaignID != "" {
		section += fmt.Sprintf(", campaign `%s`", ev.CampaignID)
	}
	if ev.Error != "" {
		section += "\n```" + ev.Error + "```"
	}
	if len(section) > maxSectionTextLength {
		section = section[:maxSectionTextLength-3] + "..."
	}

	contextText := ev.OccurredAt.UTC().Format(time.RFC3339)
	if ev.ProviderID != "" {
		contextText = ev.ProviderID + " • " + contextText
	}

	return SlackWebhookPayload{
		Text: fallback,
		Blocks: []SlackBlock{
			{Type: "section", Text: &SlackTextObject{Type: "mrkdwn", Text: section}},
			{Type: "context", Elements: []SlackTextObject{{Type: "mrkdwn", Text: contextText}}},
		},
	}
}

// sendWebhookRequest posts one alert. Non-2xx responses come back as
// *retry.HTTPError so 429 and 5xx are retried and other 4xx are not.
func (s *SlackNotifier) sendWebhookRequest(ctx context.Context, ev entity.OutcomeEvent) error {
	jsonData, err := json.Marshal(buildBlockKitPayload(ev))
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.WebhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &retry.HTTPError{StatusCode: resp.StatusCode, Message: string(body)}
}
