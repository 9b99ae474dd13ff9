package classifier

import (
	"log"
	"time"

	"sharewatch/internal/metrics"
	"sharewatch/internal/models"
	"sharewatch/internal/sinks/notify"
	"sharewatch/internal/sinks/persist"
)

const persistRetries = 3

// sinkAdapter объединяет Persist и Notify синки в единый контракт Sink,
// который классификатор видит без ветвления на их присутствие (§4.7/§9).
type sinkAdapter struct {
	persist persist.Persist
	notify  notify.Notify
}

// NewSink собирает Sink поверх Persist- и Notify-синков; любой может быть NoOp.
func NewSink(p persist.Persist, n notify.Notify) Sink {
	return &sinkAdapter{persist: p, notify: n}
}

// Persist записывает продвижение в banlist с ретраями и экспоненциальной задержкой
// (§7: 3 попытки, затем сурфейсится как метрика, in-memory промоушен не откатывается).
func (a *sinkAdapter) Persist(email string, at time.Time, reason string) {
	var lastErr error
	for attempt := 1; attempt <= persistRetries; attempt++ {
		if lastErr = a.persist.Upsert(email, at, reason); lastErr == nil {
			return
		}
		if attempt < persistRetries {
			time.Sleep(time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond)
		}
	}
	metrics.PersistFailuresTotal.Inc()
	log.Printf("persist: не удалось сохранить банлист-запись для %s после %d попыток: %v", email, persistRetries, lastErr)
}

func (a *sinkAdapter) Delete(email string) {
	if err := a.persist.Delete(email); err != nil {
		metrics.PersistFailuresTotal.Inc()
		log.Printf("persist: не удалось удалить банлист-запись для %s: %v", email, err)
	}
}

func (a *sinkAdapter) Clear() {
	if err := a.persist.Clear(); err != nil {
		metrics.PersistFailuresTotal.Inc()
		log.Printf("persist: не удалось очистить банлист: %v", err)
	}
}

func (a *sinkAdapter) Notify(event models.DomainEvent) {
	a.notify.Send(event)
}
