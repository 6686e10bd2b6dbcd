// Package broker fans live tracking updates out to the connections that joined
// a tracking number's room.
package broker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"gitlab.ozon.dev/qwestard/shiptrack/internal/events"
)

const EventShipmentUpdated = "shipmentUpdated"

var ErrClosed = errors.New("broker is closed")

// Message is the envelope delivered to subscribers.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Subscriber is one live connection. Send must not block.
type Subscriber interface {
	ID() string
	Send(msg Message) error
}

type Broker struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]Subscriber
	members map[string]map[string]struct{} // subscriber id -> rooms
	closed  bool

	logger *zap.Logger
}

func New(logger *zap.Logger) *Broker {
	return &Broker{
		rooms:   make(map[string]map[string]Subscriber),
		members: make(map[string]map[string]struct{}),
		logger:  logger,
	}
}

// Join adds sub to the room of trackingNumber. Joining twice is a no-op.
func (b *Broker) Join(trackingNumber string, sub Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	room, ok := b.rooms[trackingNumber]
	if !ok {
		room = make(map[string]Subscriber)
		b.rooms[trackingNumber] = room
	}
	room[sub.ID()] = sub
	joined, ok := b.members[sub.ID()]
	if !ok {
		joined = make(map[string]struct{})
		b.members[sub.ID()] = joined
	}
	joined[trackingNumber] = struct{}{}
	return nil
}

func (b *Broker) Leave(trackingNumber string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leave(trackingNumber, sub.ID())
}

// LeaveAll drops sub from every room it joined.
func (b *Broker) LeaveAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for tn := range b.members[sub.ID()] {
		b.leave(tn, sub.ID())
	}
	delete(b.members, sub.ID())
}

func (b *Broker) leave(trackingNumber, subID string) {
	if room, ok := b.rooms[trackingNumber]; ok {
		delete(room, subID)
		if len(room) == 0 {
			delete(b.rooms, trackingNumber)
		}
	}
	if joined, ok := b.members[subID]; ok {
		delete(joined, trackingNumber)
		if len(joined) == 0 {
			delete(b.members, subID)
		}
	}
}

// Publish delivers event to every member of the room and returns how many
// accepted it. Delivery failures are dropped.
func (b *Broker) Publish(trackingNumber, event string, payload any) int {
	b.mu.RLock()
	room := b.rooms[trackingNumber]
	targets := make([]Subscriber, 0, len(room))
	for _, sub := range room {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	msg := Message{Event: event, Data: payload}
	delivered := 0
	for _, sub := range targets {
		if err := sub.Send(msg); err != nil {
			b.logger.Debug("live delivery dropped",
				zap.String("tracking_number", trackingNumber),
				zap.String("subscriber", sub.ID()),
				zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

func (b *Broker) RoomSize(trackingNumber string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[trackingNumber])
}

// Handle makes the broker an events.Handler for local fan-out.
func (b *Broker) Handle(_ context.Context, e events.Event) error {
	upd, ok := e.(events.ShipmentUpdated)
	if !ok {
		return nil
	}
	n := b.Publish(upd.TrackingNumber, EventShipmentUpdated, upd.Snapshot)
	b.logger.Debug("shipment update broadcast",
		zap.String("tracking_number", upd.TrackingNumber), zap.Int("delivered", n))
	return nil
}

// Close empties all rooms. Later joins fail with ErrClosed.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.rooms = make(map[string]map[string]Subscriber)
	b.members = make(map[string]map[string]struct{})
}
