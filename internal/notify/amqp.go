package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"campaign-lifecycle/internal/models"
)

// AMQPPublisher publishes notifications to a topic exchange, routed by severity.
// The chat bridge consumes from queues bound to that exchange.
type AMQPPublisher struct {
	url      string
	exchange string
	log      *zap.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
	done    chan struct{}
}

// DialAMQP connects, declares the exchange and starts watching the connection.
func DialAMQP(url, exchange string, log *zap.Logger) (*AMQPPublisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	p := &AMQPPublisher{
		url:      url,
		exchange: exchange,
		log:      log.With(zap.String("exchange", exchange)),
		done:     make(chan struct{}),
	}
	if err := p.connect(); err != nil {
		return nil, err
	}
	go p.watch()
	return p, nil
}

func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}

	p.mu.Lock()
	p.conn, p.channel = conn, ch
	p.mu.Unlock()
	p.log.Info("connected to amqp")
	return nil
}

func (p *AMQPPublisher) watch() {
	for {
		p.mu.RLock()
		conn := p.conn
		p.mu.RUnlock()

		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-p.done:
			return
		case err := <-closed:
			if err != nil {
				p.log.Warn("amqp connection closed", zap.Error(err))
			}
		}
		if !p.reconnect() {
			return
		}
	}
}

func (p *AMQPPublisher) reconnect() bool {
	delay := time.Second
	for {
		select {
		case <-p.done:
			return false
		case <-time.After(delay):
		}
		if err := p.connect(); err != nil {
			p.log.Warn("amqp reconnect failed", zap.Duration("delay", delay), zap.Error(err))
			delay = min(delay*2, 30*time.Second)
			continue
		}
		return true
	}
}

// Publish sends n as a persistent JSON message with routing key "notify.<severity>".
func (p *AMQPPublisher) Publish(ctx context.Context, n models.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	p.mu.RLock()
	ch := p.channel
	p.mu.RUnlock()
	if ch == nil || ch.IsClosed() {
		return fmt.Errorf("no amqp channel available")
	}
	err = ch.PublishWithContext(ctx, p.exchange, RoutingKey(n.Severity), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.ID,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.exchange, err)
	}
	return nil
}

// RoutingKey maps a severity to its routing key.
func RoutingKey(severity string) string {
	if severity == "" {
		severity = "info"
	}
	return "notify." + severity
}

// Close stops reconnecting and closes the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	if p.conn == nil {
		return nil
	}
	if err := p.conn.Close(); err != nil {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}
