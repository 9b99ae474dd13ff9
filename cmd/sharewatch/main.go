package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"sharewatch/internal/api"
	"sharewatch/internal/classifier"
	"sharewatch/internal/config"
	"sharewatch/internal/ingest"
	"sharewatch/internal/metrics"
	"sharewatch/internal/models"
	"sharewatch/internal/roster"
	"sharewatch/internal/sinks/enrich"
	"sharewatch/internal/sinks/notify"
	"sharewatch/internal/sinks/persist"
	"sharewatch/internal/tracker"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.New()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	persistSink := buildPersist(cfg)
	notifySink := buildNotify(cfg)
	enrichSink := buildEnrich(cfg)
	defer notifySink.Close()

	userTracker := tracker.New(cfg.SubnetGrouping, cfg.RecentRequestsRingSize, cfg.RetentionSeconds)

	var fetcher roster.Fetcher
	if cfg.PanelURL != "" && cfg.PanelToken != "" {
		fetcher = roster.NewHTTPFetcher(cfg.PanelURL, cfg.PanelToken, cfg.PanelFetchTimeout)
	}
	rosterCache := roster.New(fetcher, cfg.PanelReloadInterval, cfg.PanelPageSize, cfg.WhitelistEmails)

	sink := classifier.NewSink(persistSink, notifySink)
	cls := classifier.New(
		userTracker,
		rosterCache,
		sink,
		cfg.ConcurrentWindow,
		cfg.TriggerPeriod,
		cfg.BanlistThresholdSeconds,
		cfg.TriggerCount,
	)

	if records, err := persistSink.LoadAll(); err != nil {
		log.Printf("Критическая ошибка чтения банлиста не фатальна, продолжаем с пустым состоянием: %v", err)
	} else {
		cls.HydrateBanlist(records)
		log.Printf("Банлист восстановлен из постоянного хранилища: %d записей", len(records))
	}

	ingestServer := ingest.New(cfg.IngestAddr, cfg.IngestMaxLineBytes, cfg.IngestIdleTimeout, userTracker, cfg.SubnetGrouping)
	if err := ingestServer.Listen(ctx); err != nil {
		log.Fatalf("Критическая ошибка: не удалось запустить ingest-сервер на %s: %v", cfg.IngestAddr, err)
	}

	apiServer := api.New(cfg, userTracker, cls, rosterCache, ingestServer, persistSink, enrichSink)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	wg.Add(4)
	go rosterCache.Run(ctx, &wg)
	go notifySink.Run(ctx, &wg, 2)
	go runClassifierLoop(ctx, &wg, cls, userTracker, cfg.ClassifierTick, cfg.RetentionSeconds)
	go func() {
		if err := ingestServer.Run(ctx, &wg); err != nil {
			log.Printf("ingest: сервер остановлен с ошибкой: %v", err)
		}
	}()

	go func() {
		log.Printf("Query API запущен на %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Ошибка запуска query API: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	<-quit

	log.Println("Получен сигнал завершения, начинаю остановку sharewatch...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Ошибка при остановке query API: %v", err)
	} else {
		log.Println("Query API успешно остановлен.")
	}

	cancel()
	wg.Wait()
	log.Println("Все фоновые процессы остановлены. sharewatch завершил работу.")
}

// runClassifierLoop гонит тик классификатора и периодический Prune трекера
// до отмены ctx (§4.3, §4.2 Prune).
func runClassifierLoop(
	ctx context.Context,
	wg *sync.WaitGroup,
	cls *classifier.Classifier,
	t *tracker.Tracker,
	tick time.Duration,
	retention time.Duration,
) {
	defer wg.Done()
	if tick <= 0 {
		tick = time.Second
	}

	classifierTicker := time.NewTicker(tick)
	defer classifierTicker.Stop()

	pruneInterval := retention / 4
	if pruneInterval <= 0 {
		pruneInterval = time.Minute
	}
	pruneTicker := time.NewTicker(pruneInterval)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-classifierTicker.C:
			cls.Tick(now)
			emails := t.KnownEmails()
			violators := 0
			for _, email := range emails {
				switch t.Stage(email) {
				case models.StageViolator, models.StageBanlisted:
					violators++
				}
			}
			metrics.UsersTracked.Set(float64(len(emails)))
			metrics.ViolatorsCount.Set(float64(violators))
		case now := <-pruneTicker.C:
			t.Prune(now)
		}
	}
}

func buildPersist(cfg *config.Config) persist.Persist {
	if cfg.PersistRedisURL == "" {
		log.Println("Persist sink отключен: PERSIST_REDIS_URL не задан, банлист не переживёт перезапуск")
		return persist.NoOp{}
	}
	redisPersist, err := persist.NewRedisPersist(cfg.PersistRedisURL)
	if err != nil {
		log.Fatalf("Критическая ошибка: не удалось инициализировать Persist sink: %v", err)
	}
	log.Println("Persist sink включен: Redis")
	return redisPersist
}

func buildNotify(cfg *config.Config) *notify.Sender {
	var transports []notify.Transport
	if cfg.NotifyWebhookURL != "" {
		transports = append(transports, notify.NewWebhookTransport(cfg.NotifyWebhookURL, cfg.NotifyWebhookAuthToken))
		log.Println("Notify sink: webhook транспорт включен")
	}
	if cfg.NotifyRabbitMQURL != "" {
		rmq, err := notify.NewRabbitMQTransport(cfg.NotifyRabbitMQURL, cfg.NotifyRabbitMQExchange)
		if err != nil {
			log.Printf("Warning: RabbitMQ notify транспорт отключен: %v", err)
		} else {
			transports = append(transports, rmq)
			log.Println("Notify sink: rabbitmq транспорт включен")
		}
	}
	if len(transports) == 0 {
		log.Println("Notify sink отключен: ни один транспорт не настроен")
	}
	return notify.New(transports...)
}

func buildEnrich(cfg *config.Config) enrich.Enrich {
	if cfg.EnrichLookupURL == "" {
		return enrich.NoOp{}
	}
	log.Printf("Enrich sink включен: %s", cfg.EnrichLookupURL)
	return enrich.NewHTTPEnrich(cfg.EnrichLookupURL, cfg.EnrichCacheTTL, &httpGetter{client: &http.Client{Timeout: 5 * time.Second}})
}

// httpGetter адаптирует *http.Client к httpDoer, ожидаемому enrich.HTTPEnrich.
type httpGetter struct {
	client *http.Client
}

func (g *httpGetter) Get(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil
	}
	buf := make([]byte, 256)
	n, _ := resp.Body.Read(buf)
	return string(buf[:n]), nil
}
