package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/elys-network/yieldmover/internal/logger"
	"github.com/rs/zerolog"
)

var notifyLogger = logger.GetForComponent("notify")

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeveritySuccess  Severity = "success"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Sink delivers operator notifications.
type Sink interface {
	SendAlert(ctx context.Context, title, message string, severity Severity) error
}

// LogSink writes alerts to the log at a level matching their severity.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: logger.GetForComponent("alerts")}
}

func (s *LogSink) SendAlert(_ context.Context, title, message string, severity Severity) error {
	var event *zerolog.Event
	switch severity {
	case SeverityCritical:
		event = s.logger.Error().Bool("critical", true)
	case SeverityError:
		event = s.logger.Error()
	case SeverityWarning:
		event = s.logger.Warn()
	default:
		event = s.logger.Info()
	}
	event.Str("severity", string(severity)).Str("title", title).Msg(message)
	return nil
}

type webhookPayload struct {
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
}

// WebhookSink POSTs each alert as JSON.
type WebhookSink struct {
	url        string
	httpClient *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{url: url, httpClient: &http.Client{Timeout: 5 * time.Second}}
}

func (s *WebhookSink) SendAlert(ctx context.Context, title, message string, severity Severity) error {
	body, err := json.Marshal(webhookPayload{
		Title:     title,
		Message:   message,
		Severity:  severity,
		Service:   "yieldmover",
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// MultiSink fans out to every sink. Delivery failures are logged, never returned.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) SendAlert(ctx context.Context, title, message string, severity Severity) error {
	for _, sink := range m.sinks {
		if err := sink.SendAlert(ctx, title, message, severity); err != nil {
			notifyLogger.Error().Err(err).Str("title", title).Str("severity", string(severity)).Msg("Failed to deliver alert")
		}
	}
	return nil
}
