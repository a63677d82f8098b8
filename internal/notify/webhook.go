package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// WebhookPayload 告警回调内容
type WebhookPayload struct {
	Type        string    `json:"type"`
	EventID     string    `json:"event_id"`
	DogID       string    `json:"dog_id"`
	Kind        string    `json:"kind"`
	Label       string    `json:"label"`
	Message     string    `json:"message"`
	SmoothedBPM int       `json:"smoothed_bpm"`
	Confidence  int       `json:"confidence"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// WebhookSink 告警条目 POST 到外部地址
type WebhookSink struct {
	httpClient *resty.Client
	url        string
	logger     *zap.Logger
}

// NewWebhookSink 创建 Webhook 下游
func NewWebhookSink(url string, timeout time.Duration, logger *zap.Logger) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &WebhookSink{
		httpClient: client,
		url:        url,
		logger:     logger,
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Handle(ctx context.Context, e Event) error {
	if !e.IsAlert() {
		return nil
	}

	payload := WebhookPayload{
		Type:        "health_alert",
		EventID:     e.EventID,
		DogID:       e.DogID,
		Kind:        string(e.Entry.Kind),
		Label:       string(e.Entry.Label),
		Message:     e.Entry.Message,
		SmoothedBPM: e.Status.SmoothedBPM,
		Confidence:  e.Status.Confidence,
		OccurredAt:  e.Entry.Time,
	}

	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("failed to call webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}

	s.logger.Info("Health alert delivered to webhook",
		zap.String("dog_id", e.DogID),
		zap.String("label", payload.Label),
	)

	return nil
}
