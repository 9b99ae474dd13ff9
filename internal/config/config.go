// Package config загружает конфигурацию детектора шаринга из переменных окружения.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config хранит всю конфигурацию приложения.
type Config struct {
	IngestAddr  string
	HTTPAddr    string
	APIToken    string

	PanelURL            string
	PanelToken          string
	PanelReloadInterval time.Duration
	PanelFetchTimeout   time.Duration
	PanelPageSize       int

	ConcurrentWindow        time.Duration
	TriggerPeriod           time.Duration
	TriggerCount            int
	BanlistThresholdSeconds time.Duration
	SubnetGrouping          bool
	WhitelistEmails         map[string]bool
	RetentionSeconds        time.Duration
	ClassifierTick          time.Duration
	RecentRequestsRingSize  int

	IngestMaxLineBytes       int
	IngestIdleTimeout        time.Duration
	HTTPRequestTimeout       time.Duration

	MetricsEnabled bool

	PersistRedisURL string

	NotifyWebhookURL       string
	NotifyWebhookAuthToken string
	NotifyRabbitMQURL      string
	NotifyRabbitMQExchange string

	EnrichLookupURL    string
	EnrichCacheTTL     time.Duration
}

// New загружает конфигурацию из переменных окружения.
func New() *Config {
	cfg := &Config{
		IngestAddr: getEnv("INGEST_ADDR", "0.0.0.0:9999"),
		HTTPAddr:   getEnv("HTTP_ADDR", "0.0.0.0:8080"),
		APIToken:   getEnv("API_TOKEN", ""),

		PanelURL:            getEnv("PANEL_URL", ""),
		PanelToken:          getEnv("PANEL_TOKEN", ""),
		PanelReloadInterval: time.Duration(getEnvInt("PANEL_RELOAD_INTERVAL_SECONDS", 60)) * time.Second,
		PanelFetchTimeout:   time.Duration(getEnvInt("PANEL_FETCH_TIMEOUT_SECONDS", 15)) * time.Second,
		PanelPageSize:       getEnvInt("PANEL_PAGE_SIZE", 200),

		ConcurrentWindow:        time.Duration(getEnvInt("CONCURRENT_WINDOW", 2)) * time.Second,
		TriggerPeriod:           time.Duration(getEnvInt("TRIGGER_PERIOD", 30)) * time.Second,
		TriggerCount:            getEnvInt("TRIGGER_COUNT", 5),
		BanlistThresholdSeconds: time.Duration(getEnvInt("BANLIST_THRESHOLD_SECONDS", 300)) * time.Second,
		SubnetGrouping:          getEnvBool("SUBNET_GROUPING", false),
		WhitelistEmails:         parseSet(getEnv("WHITELIST_EMAILS", "")),
		RetentionSeconds:        time.Duration(getEnvInt("RETENTION_SECONDS", 3600)) * time.Second,
		ClassifierTick:          time.Duration(getEnvInt("CLASSIFIER_TICK_SECONDS", 1)) * time.Second,
		RecentRequestsRingSize:  getEnvInt("RECENT_REQUESTS_RING_SIZE", 200),

		IngestMaxLineBytes: getEnvInt("INGEST_MAX_LINE_BYTES", 16*1024),
		IngestIdleTimeout:  time.Duration(getEnvInt("INGEST_IDLE_TIMEOUT_SECONDS", 300)) * time.Second,
		HTTPRequestTimeout: time.Duration(getEnvInt("HTTP_REQUEST_TIMEOUT_SECONDS", 5)) * time.Second,

		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),

		PersistRedisURL: getEnv("PERSIST_REDIS_URL", ""),

		NotifyWebhookURL:       getEnv("NOTIFY_WEBHOOK_URL", ""),
		NotifyWebhookAuthToken: getEnv("NOTIFY_WEBHOOK_AUTH_TOKEN", ""),
		NotifyRabbitMQURL:      getEnv("NOTIFY_RABBITMQ_URL", ""),
		NotifyRabbitMQExchange: getEnv("NOTIFY_RABBITMQ_EXCHANGE", "sharewatch_events"),

		EnrichLookupURL: getEnv("ENRICH_LOOKUP_URL", ""),
		EnrichCacheTTL:  time.Duration(getEnvInt("ENRICH_CACHE_TTL_SECONDS", 3600)) * time.Second,
	}

	if strings.TrimSpace(cfg.APIToken) == "" {
		log.Fatal("Критическая ошибка: переменная API_TOKEN не задана. Установите токен для доступа к query API")
	}
	if (cfg.PanelURL == "") != (cfg.PanelToken == "") {
		log.Fatal("Критическая ошибка: PANEL_URL и PANEL_TOKEN должны быть заданы вместе либо оба отсутствовать")
	}

	log.Printf("Конфигурация загружена. Ingest: %s, HTTP: %s", cfg.IngestAddr, cfg.HTTPAddr)
	log.Printf(
		"Детекция шаринга: concurrent_window=%v trigger_period=%v trigger_count=%d banlist_threshold=%v subnet_grouping=%t",
		cfg.ConcurrentWindow, cfg.TriggerPeriod, cfg.TriggerCount, cfg.BanlistThresholdSeconds, cfg.SubnetGrouping,
	)
	if len(cfg.WhitelistEmails) > 0 {
		log.Printf("Загружен белый список: %d пользователей", len(cfg.WhitelistEmails))
	}
	if cfg.PanelURL != "" {
		log.Printf("Ростер панели включен: %s, interval=%v", cfg.PanelURL, cfg.PanelReloadInterval)
	} else {
		log.Println("Ростер панели не настроен: все пользователи считаются безлимитными")
	}
	log.Printf("Persist sink: redis_url_set=%t", cfg.PersistRedisURL != "")
	log.Printf("Notify sink: webhook_set=%t rabbitmq_set=%t", cfg.NotifyWebhookURL != "", cfg.NotifyRabbitMQURL != "")
	log.Printf("Enrich sink: lookup_url_set=%t cache_ttl=%v", cfg.EnrichLookupURL != "", cfg.EnrichCacheTTL)
	log.Printf("Prometheus metrics: enabled=%t", cfg.MetricsEnabled)

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if value == "" {
		return defaultValue
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return defaultValue
	}
}

func parseSet(value string) map[string]bool {
	set := make(map[string]bool)
	if value == "" {
		return set
	}
	items := strings.Split(value, ",")
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			set[item] = true
		}
	}
	return set
}
