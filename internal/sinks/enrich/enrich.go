// Package enrich реализует опциональное обогащение IP информацией об ISP (C7 Enrich).
package enrich

import (
	"context"
	"net"
	"sync"
	"time"
)

// Enrich — контракт обогащения. Отсутствие возможности не должно блокировать
// вызывающий код: реализация кэширующая и неблокирующая, а поход во внешний
// lookup всегда ограничен переданным ctx, а не своим собственным independent
// контекстом — вызывающий (HTTP-хендлер) может отменить его раньше.
type Enrich interface {
	LookupISP(ctx context.Context, ip string) (string, bool)
}

// NoOp — реализация по умолчанию, когда обогащение не настроено.
type NoOp struct{}

func (NoOp) LookupISP(context.Context, string) (string, bool) { return "", false }

type cacheEntry struct {
	isp       string
	expiresAt time.Time
}

// HTTPEnrich обращается к внешнему lookup-сервису и кэширует результат по TTL.
type HTTPEnrich struct {
	lookupURL string
	client    httpDoer
	cacheTTL  time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type httpDoer interface {
	Get(ctx context.Context, url string) (string, error)
}

// NewHTTPEnrich создаёт обогащение поверх lookupURL (плейсхолдер {ip} заменяется
// на адрес) с заданным TTL кэша.
func NewHTTPEnrich(lookupURL string, cacheTTL time.Duration, client httpDoer) *HTTPEnrich {
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	return &HTTPEnrich{
		lookupURL: lookupURL,
		client:    client,
		cacheTTL:  cacheTTL,
		cache:     make(map[string]cacheEntry),
	}
}

// LookupISP возвращает ISP для ip, если известен. Приватные/локальные адреса
// никогда не уходят во внешний lookup. Поход во внешний сервис привязан к ctx
// вызывающего (§4.7 Enrich: "неблокирующая") — свой таймаут 3с действует лишь
// как верхняя граница сверху над дедлайном ctx, никогда как его замена.
func (e *HTTPEnrich) LookupISP(ctx context.Context, ip string) (string, bool) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", false
	}
	if parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsLinkLocalUnicast() {
		return "", false
	}

	if cached, ok := e.getCached(ip); ok {
		return cached, cached != ""
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	isp, err := e.client.Get(lookupCtx, renderLookupURL(e.lookupURL, ip))
	if err != nil {
		return "", false
	}
	e.setCached(ip, isp)
	return isp, isp != ""
}

func (e *HTTPEnrich) getCached(ip string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.cache[ip]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.isp, true
}

func (e *HTTPEnrich) setCached(ip, isp string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache[ip] = cacheEntry{isp: isp, expiresAt: time.Now().Add(e.cacheTTL)}
}

func renderLookupURL(template, ip string) string {
	out := make([]byte, 0, len(template)+len(ip))
	for i := 0; i < len(template); {
		if template[i] == '{' && i+4 <= len(template) && template[i:i+4] == "{ip}" {
			out = append(out, ip...)
			i += 4
			continue
		}
		out = append(out, template[i])
		i++
	}
	return string(out)
}
