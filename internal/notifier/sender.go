package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Channel selects which service a message is delivered to.
type Channel string

const (
	ChannelAlert  Channel = "alert"
	ChannelStatus Channel = "status"
)

// Message is one notification.
type Message struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Sender delivers notifications.
type Sender interface {
	Send(ctx context.Context, ch Channel, msg Message) error
}

// HTTPSender posts messages as JSON to a per-channel service URL.
// A channel with an empty URL is silently dropped.
type HTTPSender struct {
	AlertURL  string
	StatusURL string
	Client    *http.Client
}

// NewHTTPSender returns a sender with a bounded request timeout.
func NewHTTPSender(alertURL, statusURL string) *HTTPSender {
	return &HTTPSender{
		AlertURL:  alertURL,
		StatusURL: statusURL,
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSender) url(ch Channel) string {
	switch ch {
	case ChannelAlert:
		return s.AlertURL
	case ChannelStatus:
		return s.StatusURL
	}
	return ""
}

// Send posts msg to the URL configured for ch.
func (s *HTTPSender) Send(ctx context.Context, ch Channel, msg Message) error {
	target := s.url(ch)
	if target == "" {
		return nil
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", ch, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", ch, err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s message: %w", ch, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("send %s message: unexpected status %s", ch, resp.Status)
	}
	return nil
}
