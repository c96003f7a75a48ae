package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// WebhookTransport delivers actions as HTTP POSTs. The target URL comes from
// the step's params under "url"; the attempt id travels in a header so the
// receiver can dedupe retried deliveries.
type WebhookTransport struct {
	client *http.Client
}

func NewWebhookTransport() *WebhookTransport {
	return &WebhookTransport{client: &http.Client{Timeout: 10 * time.Second}}
}

func (t *WebhookTransport) Perform(ctx context.Context, attemptID string, params map[string]any, entity map[string]any) (map[string]any, error) {
	url, _ := params["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("webhook action requires params.url")
	}
	body, err := json.Marshal(map[string]any{"params": params, "entity": entity})
	if err != nil {
		return nil, fmt.Errorf("marshal webhook body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Attempt-ID", attemptID)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return map[string]any{"status_code": resp.StatusCode}, nil
}

// LogTransport records the action instead of performing it, for local
// development and draft automations.
type LogTransport struct {
	log *logrus.Entry
}

func NewLogTransport() *LogTransport {
	return &LogTransport{log: logrus.WithField("component", "log_transport")}
}

func (t *LogTransport) Perform(_ context.Context, attemptID string, params map[string]any, _ map[string]any) (map[string]any, error) {
	t.log.WithFields(logrus.Fields{"attempt_id": attemptID, "params": params}).Info("action performed")
	return map[string]any{"logged": true}, nil
}
