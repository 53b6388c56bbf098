package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/siem-soar-platform/security-monitor/pkg/repository"
)

// DashboardChannel is the pub/sub channel dashboards subscribe to.
const DashboardChannel = "security:alerts"

// Notification is one delivery of an alert to one channel.
type Notification struct {
	Alert      *Alert          `json:"alert"`
	Channel    Channel         `json:"channel"`
	RuleID     string          `json:"rule_id,omitempty"`
	Recipients []string        `json:"recipients,omitempty"`
	Level      EscalationLevel `json:"level"`
	SentAt     time.Time       `json:"sent_at"`
}

// Sender delivers notifications over one channel.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n Notification) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// WebhookConfig configures a WebhookSender.
type WebhookConfig struct {
	Name       string            `json:"name" yaml:"name"`
	URL        string            `json:"url" yaml:"url"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers"`
	APIKey     string            `json:"-" yaml:"api_key"`
	Timeout    time.Duration     `json:"timeout" yaml:"timeout"`
	RetryCount int               `json:"retry_count" yaml:"retry_count"`
	RetryDelay time.Duration     `json:"retry_delay" yaml:"retry_delay"`
}

// WebhookSender posts notifications as JSON.
type WebhookSender struct {
	config WebhookConfig
	client *http.Client
	logger *slog.Logger
}

// NewWebhookSender creates a webhook sender.
func NewWebhookSender(cfg WebhookConfig, logger *slog.Logger) *WebhookSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "webhook"
	}
	return &WebhookSender{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "webhook-sender", "name", cfg.Name),
	}
}

// Send posts n, retrying non-2xx responses up to RetryCount times.
func (w *WebhookSender) Send(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to serialize notification: %w", err)
	}

	var lastErr error
	for i := 0; i <= w.config.RetryCount; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.config.RetryDelay):
			}
		}

		lastErr = w.post(ctx, data)
		if lastErr == nil {
			return nil
		}
		w.logger.Debug("webhook attempt failed", "attempt", i+1, "alert_id", n.Alert.ID, "error", lastErr)
	}
	return lastErr
}

func (w *WebhookSender) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.config.Headers {
		req.Header.Set(k, v)
	}
	if w.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.config.APIKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}
	return nil
}

// DashboardSender publishes notifications on the shared store so every
// instance's dashboard subscribers see them.
type DashboardSender struct {
	store repository.EventStore
}

// NewDashboardSender creates a dashboard sender.
func NewDashboardSender(store repository.EventStore) *DashboardSender {
	return &DashboardSender{store: store}
}

// Send publishes n on DashboardChannel.
func (d *DashboardSender) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return d.store.Publish(ctx, DashboardChannel, payload)
}

// SyslogSender writes notifications as structured log lines for the host's
// log shipper.
type SyslogSender struct {
	logger *slog.Logger
}

// NewSyslogSender creates a syslog sender.
func NewSyslogSender(logger *slog.Logger) *SyslogSender {
	return &SyslogSender{logger: logger.With("component", "syslog-sender")}
}

// Send logs n at WARN.
func (s *SyslogSender) Send(_ context.Context, n Notification) error {
	s.logger.Warn("security alert",
		"alert_id", n.Alert.ID,
		"title", n.Alert.Title,
		"severity", n.Alert.Severity,
		"category", n.Alert.Category,
		"source_ip", n.Alert.SourceIP,
		"user_id", n.Alert.UserID,
		"escalation_level", n.Level,
		"rule_id", n.RuleID,
	)
	return nil
}

// Producer is the slice of *kgo.Client used to publish alerts.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaSender produces notifications to an alert topic, keyed by alert id.
type KafkaSender struct {
	producer Producer
	topic    string
}

// NewKafkaSender creates a Kafka sender.
func NewKafkaSender(producer Producer, topic string) *KafkaSender {
	return &KafkaSender{producer: producer, topic: topic}
}

// Send produces n synchronously.
func (k *KafkaSender) Send(ctx context.Context, n Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return err
	}
	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(n.Alert.ID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "severity", Value: []byte(n.Alert.Severity)},
			{Key: "channel", Value: []byte(n.Channel)},
		},
	}
	return k.producer.ProduceSync(ctx, record).FirstErr()
}
