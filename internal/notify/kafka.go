package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig selects the brokers and topic events are produced to.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaNotifier produces one JSON record per event, keyed by batch id so all
// events of a batch land on the same partition in order.
type KafkaNotifier struct {
	client producer
	topic  string
}

// NewKafka creates a franz-go client for cfg. Extra options are appended.
func NewKafka(cfg KafkaConfig, opts ...kgo.Opt) (*KafkaNotifier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka notifier: brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka notifier: topic is required")
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	return &KafkaNotifier{client: cl, topic: cfg.Topic}, nil
}

func (n *KafkaNotifier) Notify(ctx context.Context, ev Event) error {
	body, err := encode(ev)
	if err != nil {
		return fmt.Errorf("kafka notifier: encode: %w", err)
	}
	rec := &kgo.Record{
		Topic: n.topic,
		Key:   []byte(ev.BatchID),
		Value: body,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}
	if err := n.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("kafka notifier: produce %s: %w", ev.BatchID, err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error {
	n.client.Close()
	return nil
}
