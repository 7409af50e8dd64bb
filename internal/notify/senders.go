package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fortressbank/transfers/internal/retry"
)

// HTTPSender posts messages to the notification gateway.
type HTTPSender struct {
	url  string
	http *http.Client
}

// NewHTTPSender creates a sender targeting the gateway's delivery endpoint.
func NewHTTPSender(url string) *HTTPSender {
	return &HTTPSender{url: url, http: &http.Client{Timeout: 10 * time.Second}}
}

func (s *HTTPSender) Send(ctx context.Context, msg Message) error {
	payload := map[string]string{
		"userId":        msg.UserID,
		"kind":          string(msg.Kind),
		"transactionId": msg.TransactionID,
		"body":          msg.Body,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal notification: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("notification gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("notification gateway: status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return retry.Permanent(fmt.Errorf("notification rejected: status %d", resp.StatusCode))
	}
	return nil
}

// LogSender writes messages to the log. Used in dev mode, where the OTP
// code in the log is how you complete a challenge locally.
type LogSender struct {
	Logger *slog.Logger
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("notification",
		"user_id", msg.UserID,
		"kind", msg.Kind,
		"transaction_id", msg.TransactionID,
		"body", msg.Body)
	return nil
}
