package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"postify/internal/domain"
	"postify/internal/infra/metrics"
)

// AMQPGenerationQueue реализует очередь задач генерации через RabbitMQ.
type AMQPGenerationQueue struct {
	url   string
	queue string

	mu         sync.Mutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery
}

// NewAMQPGenerationQueue создаёт очередь. Очередь объявляется durable,
// подключение ленивое и восстанавливается при обрыве.
func NewAMQPGenerationQueue(url, queue string) (*AMQPGenerationQueue, error) {
	if url == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	return &AMQPGenerationQueue{url: url, queue: queue}, nil
}

func (q *AMQPGenerationQueue) ensureChannel() (*amqp.Channel, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.channel != nil && !q.channel.IsClosed() {
		return q.channel, nil
	}
	if q.conn == nil || q.conn.IsClosed() {
		conn, err := amqp.Dial(q.url)
		if err != nil {
			return nil, fmt.Errorf("amqp dial: %w", err)
		}
		q.conn = conn
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(q.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp queue declare: %w", err)
	}
	q.channel = ch
	q.deliveries = nil
	return ch, nil
}

// Enqueue публикует задачу в очередь.
func (q *AMQPGenerationQueue) Enqueue(ctx context.Context, job domain.GenerationJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	ch, err := q.ensureChannel()
	if err != nil {
		return err
	}
	start := time.Now()
	err = ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу из очереди с ручным подтверждением.
func (q *AMQPGenerationQueue) Receive(ctx context.Context) (domain.GenerationJob, domain.GenerationAckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.GenerationJob{}, nil, err
		}
		deliveries, err := q.ensureDeliveries()
		if err != nil {
			select {
			case <-ctx.Done():
				return domain.GenerationJob{}, nil, ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return domain.GenerationJob{}, nil, ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				q.resetDeliveries()
				continue
			}
			var job domain.GenerationJob
			if err := json.Unmarshal(delivery.Body, &job); err != nil {
				_ = delivery.Nack(false, false)
				return domain.GenerationJob{}, nil, fmt.Errorf("decode job: %w", err)
			}
			ack := func(success bool) error {
				if success {
					return delivery.Ack(false)
				}
				return delivery.Nack(false, true)
			}
			return job, ack, nil
		}
	}
}

func (q *AMQPGenerationQueue) ensureDeliveries() (<-chan amqp.Delivery, error) {
	ch, err := q.ensureChannel()
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deliveries != nil {
		return q.deliveries, nil
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("amqp qos: %w", err)
	}
	deliveries, err := ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("amqp consume: %w", err)
	}
	q.deliveries = deliveries
	return deliveries, nil
}

func (q *AMQPGenerationQueue) resetDeliveries() {
	q.mu.Lock()
	q.deliveries = nil
	q.mu.Unlock()
}

// Close закрывает канал и подключение.
func (q *AMQPGenerationQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.channel != nil {
		_ = q.channel.Close()
		q.channel = nil
	}
	if q.conn != nil {
		err := q.conn.Close()
		q.conn = nil
		return err
	}
	return nil
}
