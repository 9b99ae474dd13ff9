package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"sharewatch/internal/models"
)

// RabbitMQTransport публикует доменные события в fanout-exchange для внешних
// подписчиков. Публикует события (ViolatorOnset/BanlistAdded/...), никогда
// команды блокировки — ядро не блокирует трафик.
type RabbitMQTransport struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewRabbitMQTransport подключается к RabbitMQ и объявляет durable fanout exchange.
func NewRabbitMQTransport(url, exchange string) (*RabbitMQTransport, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка создания канала RabbitMQ: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("ошибка создания exchange: %w", err)
	}
	log.Printf("notify(rabbitmq): подключено, exchange=%s", exchange)
	return &RabbitMQTransport{conn: conn, channel: ch, exchange: exchange}, nil
}

func (r *RabbitMQTransport) name() string { return "rabbitmq" }

func (r *RabbitMQTransport) send(event models.DomainEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("ошибка сериализации события: %w", err)
	}
	return r.channel.Publish(r.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	})
}

// Close закрывает канал и соединение с RabbitMQ.
func (r *RabbitMQTransport) Close() {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		r.conn.Close()
	}
}
