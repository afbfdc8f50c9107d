package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

// RabbitConfig selects the broker and exchange events are published to.
// An empty RoutingKey routes by event type.
type RabbitConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// RabbitNotifier publishes persistent JSON messages to a topic exchange.
type RabbitNotifier struct {
	ch       publisher
	exchange string
	key      string
	close    func() error
}

// DialRabbit connects, opens a channel and declares the exchange.
func DialRabbit(cfg RabbitConfig) (*RabbitNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq notifier: url is required")
	}
	if cfg.Exchange == "" {
		return nil, errors.New("rabbitmq notifier: exchange is required")
	}

	conn, err := amqp091.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq exchange declare %s: %w", cfg.Exchange, err)
	}

	return &RabbitNotifier{
		ch:       ch,
		exchange: cfg.Exchange,
		key:      cfg.RoutingKey,
		close: func() error {
			return errors.Join(ch.Close(), conn.Close())
		},
	}, nil
}

func (n *RabbitNotifier) Notify(ctx context.Context, ev Event) error {
	body, err := encode(ev)
	if err != nil {
		return fmt.Errorf("rabbitmq notifier: encode: %w", err)
	}
	key := n.key
	if key == "" {
		key = string(ev.Type)
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Type:         string(ev.Type),
		MessageId:    string(ev.Type) + "/" + ev.BatchID,
		Timestamp:    ev.At,
		Body:         body,
	}
	if err := n.ch.PublishWithContext(ctx, n.exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("rabbitmq notifier: publish %s: %w", ev.BatchID, err)
	}
	return nil
}

func (n *RabbitNotifier) Close() error {
	if n.close == nil {
		return nil
	}
	return n.close()
}
