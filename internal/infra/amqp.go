// README: RabbitMQ connection with connect retry, used for publishing dispatch events.
package infra

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	amqpMaxRetries   = 5
	amqpPublishLimit = 5 * time.Second
)

type MQ struct {
	url  string
	mu   sync.RWMutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewMQ dials url, retrying with a growing delay until ctx is done.
func NewMQ(ctx context.Context, url string) (*MQ, error) {
	mq := &MQ{url: url}
	delay := time.Second
	for attempt := 1; ; attempt++ {
		err := mq.connect()
		if err == nil {
			log.Printf("op=infra.NewMQ status=connected attempt=%d", attempt)
			return mq, nil
		}
		log.Printf("op=infra.NewMQ attempt=%d/%d err=%v", attempt, amqpMaxRetries, err)
		if attempt == amqpMaxRetries {
			return nil, fmt.Errorf("connect rabbitmq after %d attempts: %w", attempt, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
			delay = delay * 3 / 2
		}
	}
}

func (mq *MQ) connect() error {
	conn, err := amqp.Dial(mq.url)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	mq.mu.Lock()
	mq.conn, mq.ch = conn, ch
	mq.mu.Unlock()
	return nil
}

// DeclareTopic declares a durable topic exchange.
func (mq *MQ) DeclareTopic(name string) error {
	mq.mu.RLock()
	ch := mq.ch
	mq.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("rabbitmq channel not available")
	}
	return ch.ExchangeDeclare(name, "topic", true, false, false, false, nil)
}

// Publish sends a persistent JSON message.
func (mq *MQ) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	mq.mu.RLock()
	ch := mq.ch
	mq.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("rabbitmq channel not available")
	}

	ctx, cancel := context.WithTimeout(ctx, amqpPublishLimit)
	defer cancel()
	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
}

func (mq *MQ) Close() {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	if mq.ch != nil {
		_ = mq.ch.Close()
		mq.ch = nil
	}
	if mq.conn != nil {
		_ = mq.conn.Close()
		mq.conn = nil
	}
}
