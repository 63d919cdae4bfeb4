// Package actions provides the engine's builtin action handlers. Handlers
// that talk to a chat platform or persistence layer are supplied by the
// embedding process; only transport-neutral actions live here.
package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Craig-0219/potato-sub004/automation"
)

// WebhookHandler implements the send_webhook action: an outbound HTTP POST
// with a JSON body built from the action parameters.
//
// Parameters:
//   - url (required): destination URL
//   - payload (optional): JSON object sent as the request body; defaults to
//     the triggering event payload
//   - headers (optional): map of extra request headers
type WebhookHandler struct {
	client *http.Client
}

// NewWebhookHandler creates a webhook handler. The handler owns its own
// request timeout; the engine only enforces retry counts.
func NewWebhookHandler(timeout time.Duration) *WebhookHandler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookHandler{
		client: &http.Client{Timeout: timeout},
	}
}

// Handle sends the webhook. Any non-2xx response counts as a failed
// attempt so the executor's retry budget applies.
func (h *WebhookHandler) Handle(ctx context.Context, params map[string]any, ectx *automation.ExecutionContext) (bool, error) {
	rawURL, _ := params["url"].(string)
	if rawURL == "" {
		return false, fmt.Errorf("send_webhook: url parameter is required")
	}

	body := params["payload"]
	if body == nil {
		body = ectx.Event.Payload
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("send_webhook: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(encoded))
	if err != nil {
		return false, fmt.Errorf("send_webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("send_webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("send_webhook: destination returned status %d", resp.StatusCode)
	}
	return true, nil
}
