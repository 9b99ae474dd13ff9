package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sharewatch/internal/models"
)

// HTTPFetcher реализует Fetcher поверх HTTP API панели, аналогично панели
// в ffxban: GET {baseURL}/api/users?start=..&size=.., Bearer-авторизация,
// терпимый разбор нескольких форм ответа.
type HTTPFetcher struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPFetcher создаёт HTTP-клиент панели. Возвращает nil, если baseURL или
// token не заданы — вызывающий код должен трактовать nil как "панель отключена".
func NewHTTPFetcher(baseURL, token string, timeout time.Duration) *HTTPFetcher {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	token = strings.TrimSpace(token)
	if baseURL == "" || token == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPFetcher{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// FetchPage реализует Fetcher.
func (f *HTTPFetcher) FetchPage(ctx context.Context, start, size int) ([]models.RosterEntry, error) {
	url := fmt.Sprintf("%s/api/users?start=%d&size=%d", f.baseURL, start, size)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+f.token)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, fmt.Errorf("panel API временно недоступен, статус %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("panel API вернул статус %d", resp.StatusCode)
	}

	var payload struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	if len(payload.Response) == 0 {
		return nil, nil
	}

	raw, err := decodeUsers(payload.Response)
	if err != nil {
		return nil, err
	}

	entries := make([]models.RosterEntry, 0, len(raw))
	for _, u := range raw {
		entries = append(entries, extractRosterEntry(u))
	}
	return entries, nil
}

func decodeUsers(raw json.RawMessage) ([]map[string]any, error) {
	var wrapped struct {
		Users []map[string]any `json:"users"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Users) > 0 {
		return wrapped.Users, nil
	}
	var direct []map[string]any
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct, nil
	}
	return nil, fmt.Errorf("неожиданный формат ответа panel API")
}

func extractRosterEntry(user map[string]any) models.RosterEntry {
	return models.RosterEntry{
		Email:       extractString(user, "email", "username", "user_identifier"),
		DeviceLimit: extractInt(user, "hwid_device_limit", "device_limit"),
		TelegramID:  extractString(user, "telegram_id"),
		Description: extractString(user, "description"),
	}
}

func extractString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func extractInt(m map[string]any, keys ...string) int {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		case string:
			if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
				return i
			}
		}
	}
	return 0
}
