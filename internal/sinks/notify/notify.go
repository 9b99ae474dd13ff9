// Package notify реализует исходящие уведомления (C7 Notify): fire-and-forget,
// ограниченная очередь, ошибки логируются и не повторяются бесконечно.
package notify

import (
	"context"
	"log"
	"sync"

	"sharewatch/internal/metrics"
	"sharewatch/internal/models"
)

// Notify — контракт отправки уведомлений о доменных событиях классификатора.
type Notify interface {
	Send(event models.DomainEvent)
}

// NoOp — реализация по умолчанию, когда ни один канал уведомлений не настроен.
type NoOp struct{}

func (NoOp) Send(models.DomainEvent) {}

// Transport — один канал доставки уведомления.
type Transport interface {
	send(event models.DomainEvent) error
	name() string
}

const queueBufferSize = 100

// Sender отправляет доменные события во все настроенные транспорты через
// ограниченную очередь с фиксированным пулом воркеров; при заполненной очереди
// событие отбрасывается с предупреждением, без повторов.
type Sender struct {
	transports []Transport
	queue      chan models.DomainEvent
}

// New собирает Sender поверх заданных транспортов (webhook и/или rabbitmq).
func New(transports ...Transport) *Sender {
	return &Sender{
		transports: transports,
		queue:      make(chan models.DomainEvent, queueBufferSize),
	}
}

// Run запускает фиксированный пул воркеров, доставляющих события во все
// транспорты, до отмены ctx.
func (s *Sender) Run(ctx context.Context, wg *sync.WaitGroup, workers int) {
	defer wg.Done()
	if workers <= 0 {
		workers = 2
	}

	var workerWg sync.WaitGroup
	for i := 0; i < workers; i++ {
		workerWg.Add(1)
		go func(workerID int) {
			defer workerWg.Done()
			for event := range s.queue {
				select {
				case <-ctx.Done():
				default:
					s.deliver(event)
				}
			}
		}(i + 1)
	}

	<-ctx.Done()
	close(s.queue)
	workerWg.Wait()
}

// Send добавляет событие в очередь доставки; никогда не блокируется.
func (s *Sender) Send(event models.DomainEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Println("notify: попытка записи в закрытую очередь, сервис останавливается")
		}
	}()

	select {
	case s.queue <- event:
	default:
		log.Println("notify: очередь уведомлений заполнена, событие отброшено")
	}
}

type closer interface {
	Close()
}

// Close закрывает каждый настроенный транспорт, реализующий Close (например,
// RabbitMQTransport); транспорты без ресурсов для закрытия (webhook) пропускаются.
func (s *Sender) Close() {
	for _, t := range s.transports {
		if c, ok := t.(closer); ok {
			c.Close()
		}
	}
}

func (s *Sender) deliver(event models.DomainEvent) {
	for _, t := range s.transports {
		if err := t.send(event); err != nil {
			metrics.NotifyFailuresTotal.Inc()
			log.Printf("notify(%s): не удалось отправить уведомление о %s для %s: %v", t.name(), event.Type, event.Email, err)
		}
	}
}
