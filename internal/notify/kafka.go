package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// KafkaNotifier publishes events to a Kafka topic consumed by the delivery
// service (push/email fan-out is its problem, not ours).
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
	logger   *logrus.Logger
}

var _ Notifier = (*KafkaNotifier)(nil)

// NewKafkaNotifier connects a synchronous producer to the given brokers.
func NewKafkaNotifier(brokers []string, topic string, logger *logrus.Logger) (*KafkaNotifier, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}
	return &KafkaNotifier{producer: producer, topic: topic, logger: logger}, nil
}

// Publish sends one event, keyed by strategy so per-strategy ordering holds.
func (k *KafkaNotifier) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(event.StrategyID),
		Value: sarama.ByteEncoder(payload),
	}
	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("sending notification: %w", err)
	}

	k.logger.WithFields(logrus.Fields{
		"topic":     k.topic,
		"partition": partition,
		"offset":    offset,
		"item_id":   event.ItemID,
	}).Debug("notification published")
	return nil
}

// Close shuts the producer down.
func (k *KafkaNotifier) Close() error {
	return k.producer.Close()
}
