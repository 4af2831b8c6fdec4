package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/milla-ai/dispatch/internal/store"
)

// Sender performs the actual external delivery of one item. The worker only
// interprets the returned error; transport details live behind this interface.
type Sender interface {
	Name() string
	Send(ctx context.Context, item store.OutboxItem) error
}

// WebhookSender POSTs each item as JSON to a configured endpoint.
type WebhookSender struct {
	URL    string
	Client *http.Client // nil uses a client with a 10s timeout
}

func (s WebhookSender) Name() string { return "webhook" }

func (s WebhookSender) Send(ctx context.Context, item store.OutboxItem) error {
	if s.URL == "" {
		return fmt.Errorf("webhook URL not set")
	}
	body, err := json.Marshal(map[string]any{
		"to":      item.To,
		"subject": item.Subject,
		"body":    item.Body,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// LogSender writes deliveries to the log. It is the default when no webhook
// is configured, so local setups still see at-least-once delivery in action.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Name() string { return "log" }

func (s LogSender) Send(_ context.Context, item store.OutboxItem) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("outbox delivery", "to", item.To, "subject", item.Subject)
	return nil
}
