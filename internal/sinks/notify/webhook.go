package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"sharewatch/internal/models"
)

// WebhookTransport отправляет доменные события как JSON POST на заданный URL.
type WebhookTransport struct {
	client    *http.Client
	url       string
	authToken string
}

// NewWebhookTransport создаёт транспорт уведомлений через вебхук.
func NewWebhookTransport(url, authToken string) *WebhookTransport {
	return &WebhookTransport{
		client:    &http.Client{Timeout: 15 * time.Second},
		url:       strings.TrimSpace(url),
		authToken: strings.TrimSpace(authToken),
	}
}

func (w *WebhookTransport) name() string { return "webhook" }

func (w *WebhookTransport) send(event models.DomainEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("ошибка сборки payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("ошибка создания запроса: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.authToken)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("сетевая ошибка при отправке вебхука: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("сервер вебхука ответил ошибкой: %s", resp.Status)
	}
	return nil
}
