package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"optcore/internal/domain/interfaces"
)

const (
	colorCritical = 0xE74C3C
	footerText    = "optcore engine"
)

// WebhookAlerter posts Discord-compatible embeds to a webhook URL. An empty
// URL disables it.
type WebhookAlerter struct {
	webhookURL string
	client     *http.Client
}

var _ interfaces.Alerter = (*WebhookAlerter)(nil)

func NewWebhookAlerter(webhookURL string) *WebhookAlerter {
	return &WebhookAlerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (w *WebhookAlerter) Enabled() bool {
	return w != nil && w.webhookURL != ""
}

func (w *WebhookAlerter) Alert(ctx context.Context, title, message string) error {
	if !w.Enabled() {
		return nil
	}
	payload := map[string]interface{}{
		"content": title,
		"embeds": []map[string]interface{}{
			{
				"title":       title,
				"description": message,
				"color":       colorCritical,
				"footer":      map[string]string{"text": footerText},
				"timestamp":   time.Now().UTC().Format(time.RFC3339),
			},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.webhookURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("alert webhook returned status: %d", resp.StatusCode)
	}
	return nil
}
