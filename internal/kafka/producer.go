package kafka

import (
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

type SaramaProducer struct {
	producer sarama.SyncProducer
	logger   *zap.Logger
}

func NewSaramaProducer(brokers []string, logger *zap.Logger) (*SaramaProducer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Timeout = 5 * time.Second
	prod, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return NewProducerFrom(prod, logger), nil
}

// NewProducerFrom wraps an existing sync producer, e.g. a sarama mock.
func NewProducerFrom(prod sarama.SyncProducer, logger *zap.Logger) *SaramaProducer {
	return &SaramaProducer{producer: prod, logger: logger}
}

// Publish sends one message. key selects the partition, so all events of one
// tracking number stay ordered.
func (p *SaramaProducer) Publish(topic, key string, value []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.Error("kafka send failed", zap.String("topic", topic), zap.Error(err))
		return err
	}
	p.logger.Debug("kafka message stored",
		zap.String("topic", topic), zap.Int32("partition", partition), zap.Int64("offset", offset))
	return nil
}

func (p *SaramaProducer) Close() error {
	return p.producer.Close()
}
