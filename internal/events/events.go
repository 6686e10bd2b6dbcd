// Package events is the in-process domain event stream. The lifecycle layer
// emits after a commit; the live broker and the Kafka outbox subscribe.
package events

import (
	"context"

	"go.uber.org/zap"

	"gitlab.ozon.dev/qwestard/shiptrack/internal/models"
)

const ShipmentUpdatedName = "shipment.updated"

type Event interface {
	Name() string
}

// ShipmentUpdated is emitted after a narrated update has been committed.
type ShipmentUpdated struct {
	TrackingNumber string                  `json:"tracking_number"`
	Snapshot       models.TrackingSnapshot `json:"snapshot"`
}

func (ShipmentUpdated) Name() string { return ShipmentUpdatedName }

type Handler interface {
	Handle(ctx context.Context, e Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e Event) error

func (f HandlerFunc) Handle(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Bus dispatches synchronously in subscription order. Handlers are registered
// during wiring, before the first Emit.
type Bus struct {
	handlers []Handler
	logger   *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger}
}

func (b *Bus) Subscribe(h Handler) {
	b.handlers = append(b.handlers, h)
}

// Emit runs every handler. A failing handler is logged and does not stop the
// ones after it.
func (b *Bus) Emit(ctx context.Context, e Event) {
	for _, h := range b.handlers {
		if err := h.Handle(ctx, e); err != nil {
			b.logger.Warn("event handler failed", zap.String("event", e.Name()), zap.Error(err))
		}
	}
}
