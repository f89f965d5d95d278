// Package dispatch implements reminder.Dispatcher: an in-memory queue for
// dry runs and tests, and a cron-driven dispatcher that delivers due
// reminders through a Sender.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	appLog "classcal/internal/log"
	"classcal/internal/reminder"
)

// Sender delivers a fired reminder to the user.
type Sender interface {
	Send(ctx context.Context, id string, p reminder.Payload) error
	Name() string
}

// LogSender only logs fired reminders.
type LogSender struct{}

func (LogSender) Send(_ context.Context, id string, p reminder.Payload) error {
	appLog.Info("reminder fired",
		"id", id,
		"scope", p.Data[reminder.ScopeKey],
		"title", p.Title,
		"body", p.Body,
	)
	return nil
}

func (LogSender) Name() string { return "log" }

// WebhookConfig configures a WebhookSender.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	// RatePerSecond and Burst bound the load put on the push gateway.
	RatePerSecond float64
	Burst         int
	Headers       map[string]string
}

// WebhookSender posts fired reminders as JSON to a push gateway.
type WebhookSender struct {
	cfg     WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
}

// WebhookBody is the request body sent to the gateway.
type WebhookBody struct {
	Event   string            `json:"event"`
	ID      string            `json:"id"`
	Scope   string            `json:"scope"`
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Data    map[string]string `json:"data,omitempty"`
	FiredAt time.Time         `json:"firedAt"`
}

func NewWebhookSender(cfg WebhookConfig) *WebhookSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &WebhookSender{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, cfg.Burst),
	}
}

func (s *WebhookSender) Send(ctx context.Context, id string, p reminder.Payload) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit: %w", err)
	}

	body, err := json.Marshal(WebhookBody{
		Event:   "class_reminder.fired",
		ID:      id,
		Scope:   p.Data[reminder.ScopeKey],
		Title:   p.Title,
		Body:    p.Body,
		Data:    p.Data,
		FiredAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	appLog.Debug("webhook reminder delivered", "id", id, "status", resp.StatusCode)
	return nil
}

func (s *WebhookSender) Name() string { return "webhook" }
