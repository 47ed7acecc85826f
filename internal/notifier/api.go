package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const alertPath = "/api/0/bot_alert"

// APITransport posts records to an alerts service.
type APITransport struct {
	url    string
	apiKey string
	client *http.Client
}

// NewAPITransport posts to baseURL + /api/0/bot_alert. apiKey is sent as
// X-API-KEY when non-empty.
func NewAPITransport(baseURL, apiKey string, client *http.Client) *APITransport {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &APITransport{
		url:    strings.TrimRight(baseURL, "/") + alertPath,
		apiKey: apiKey,
		client: client,
	}
}

func (t *APITransport) Name() string { return "api" }

func (t *APITransport) Send(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("X-API-KEY", t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post alert: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
