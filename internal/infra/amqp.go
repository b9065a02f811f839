// README: RabbitMQ connection with JSON publishing to a topic exchange and lazy reconnect.
package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	publishTimeout = 3 * time.Second
	reconnInterval = 5 * time.Second
)

var ErrBrokerClosed = errors.New("amqp connection closed")

type Broker struct {
	ctx context.Context
	url string
	log *zap.Logger

	mu           sync.Mutex
	conn         *amqp.Connection
	ch           *amqp.Channel
	reconnecting bool
	declared     map[string]bool
}

// NewBroker dials url. ctx bounds background reconnect attempts.
func NewBroker(ctx context.Context, url string, log *zap.Logger) (*Broker, error) {
	b := &Broker{ctx: ctx, url: url, log: log, declared: map[string]bool{}}
	if err := b.connect(); err != nil {
		return nil, fmt.Errorf("amqp connect: %w", err)
	}
	return b, nil
}

// PublishJSON publishes msg as a persistent JSON message on a durable topic exchange.
func (b *Broker) PublishJSON(ctx context.Context, exchange, routingKey string, msg any) error {
	if !b.IsAlive() {
		go b.reconnect()
		return ErrBrokerClosed
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	b.mu.Lock()
	ch := b.ch
	if !b.declared[exchange] {
		if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			b.mu.Unlock()
			return fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
		b.declared[exchange] = true
	}
	b.mu.Unlock()

	pubctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return ch.PublishWithContext(pubctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (b *Broker) IsAlive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		return false
	}
	return b.ch != nil && !b.ch.IsClosed()
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil && !b.ch.IsClosed() {
		if err := b.ch.Close(); err != nil {
			return fmt.Errorf("close channel: %w", err)
		}
	}
	if b.conn != nil && !b.conn.IsClosed() {
		if err := b.conn.Close(); err != nil {
			return fmt.Errorf("close connection: %w", err)
		}
	}
	return nil
}

func (b *Broker) connect() error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	b.mu.Lock()
	b.conn = conn
	b.ch = ch
	b.declared = map[string]bool{}
	b.mu.Unlock()
	return nil
}

func (b *Broker) reconnect() {
	b.mu.Lock()
	if b.reconnecting {
		b.mu.Unlock()
		return
	}
	b.reconnecting = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.reconnecting = false
		b.mu.Unlock()
	}()

	t := time.NewTicker(reconnInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := b.connect(); err != nil {
				b.log.Warn("amqp reconnect failed", zap.Error(err))
				continue
			}
			b.log.Info("amqp reconnected")
			return
		case <-b.ctx.Done():
			return
		}
	}
}
