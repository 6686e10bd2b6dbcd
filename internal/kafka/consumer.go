package kafka

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"gitlab.ozon.dev/qwestard/shiptrack/internal/events"
)

// Envelope is the Kafka wire form of a domain event.
type Envelope struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

func Encode(e events.Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Name: e.Name(), Payload: payload})
}

var ErrUnknownEvent = errors.New("unknown event")

func Decode(data []byte) (events.Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Name {
	case events.ShipmentUpdatedName:
		var e events.ShipmentUpdated
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	}
	return nil, ErrUnknownEvent
}

// RelayHandler replays domain events from Kafka into a local handler, which is
// the live broker when updates fan out across instances.
type RelayHandler struct {
	target events.Handler
	logger *zap.Logger
}

func NewRelayHandler(target events.Handler, logger *zap.Logger) *RelayHandler {
	return &RelayHandler{target: target, logger: logger}
}

func (h *RelayHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *RelayHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *RelayHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.HandleMessage(session.Context(), msg)
		session.MarkMessage(msg, "")
	}
	return nil
}

// HandleMessage decodes and forwards one message. Undecodable messages are
// logged and skipped.
func (h *RelayHandler) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) {
	e, err := Decode(msg.Value)
	if err != nil {
		h.logger.Warn("skipping kafka message",
			zap.String("topic", msg.Topic), zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset), zap.Error(err))
		return
	}
	if err := h.target.Handle(ctx, e); err != nil {
		h.logger.Warn("relayed event handler failed", zap.String("event", e.Name()), zap.Error(err))
	}
}

func NewConsumerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	// live fan-out only cares about what happens from now on
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Return.Errors = true
	return cfg
}

// StartSaramaConsumer consumes topics until ctx is done.
func StartSaramaConsumer(ctx context.Context, cfg *sarama.Config, brokers []string, groupID string, topics []string, handler sarama.ConsumerGroupHandler, logger *zap.Logger) error {
	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := consumerGroup.Close(); err != nil {
			logger.Error("closing consumer group failed", zap.Error(err))
		}
	}()

	go func() {
		for err := range consumerGroup.Errors() {
			logger.Warn("consumer group error", zap.Error(err))
		}
	}()

	for {
		if err := consumerGroup.Consume(ctx, topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			logger.Error("error from consumer", zap.Error(err))
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
