package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// webhookTimeout はWebhook送信のタイムアウト。
const webhookTimeout = 10 * time.Second

// WebhookSender はDiscord互換のWebhookにメッセージを送信する。
// safeurlによりプライベートIP、ループバック、リンクローカル、
// メタデータIPへのリクエストが自動的にブロックされる。
type WebhookSender struct {
	httpClient *http.Client
	logger     *slog.Logger
	url        string
}

// NewWebhookSender はWebhookSenderの新しいインスタンスを生成する。
// urlが空の場合はnilを返し、送信側は無効として扱う。
func NewWebhookSender(url string, logger *slog.Logger) *WebhookSender {
	if url == "" {
		return nil
	}

	config := safeurl.GetConfigBuilder().
		SetTimeout(webhookTimeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()

	return &WebhookSender{
		httpClient: safeurl.Client(config).Client,
		logger:     logger,
		url:        url,
	}
}

// webhookPayload はDiscord Webhookのリクエストボディ。
type webhookPayload struct {
	Content string `json:"content"`
}

// Send はWebhookにテキストメッセージを送信する。
// Webhook送信の失敗はリトライせず、ログのみ残す。
func (w *WebhookSender) Send(ctx context.Context, content string) error {
	body, err := json.Marshal(webhookPayload{Content: content})
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	w.logger.Debug("Webhook通知を送信しました")
	return nil
}
