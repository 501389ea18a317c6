// Package email contains the outbound delivery adapter for magic links.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Sender delivers a magic-link URL to a recipient. A delivery failure does
// not invalidate the underlying token; resend is the recovery path.
type Sender interface {
	SendMagicLink(ctx context.Context, recipient, linkURL string) error
}

// HTTPSender posts delivery requests to a transactional email endpoint.
type HTTPSender struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPSender constructs the default Sender. A nil client gets a bounded
// timeout.
func NewHTTPSender(endpoint, apiKey string, client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSender{endpoint: endpoint, apiKey: apiKey, httpClient: client}
}

// SendMagicLink posts the delivery request.
func (s *HTTPSender) SendMagicLink(ctx context.Context, recipient, linkURL string) error {
	payload, err := json.Marshal(map[string]string{
		"to":       recipient,
		"template": "magic_link",
		"link":     linkURL,
	})
	if err != nil {
		return fmt.Errorf("encode delivery request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delivery request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("delivery failed: status=%d", resp.StatusCode)
	}
	return nil
}
