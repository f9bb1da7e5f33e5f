// Package dispatch delivers normalized webhook events to registered
// subscribers.
package dispatch

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/esp-gateway/internal/logger"
	"github.com/example/esp-gateway/internal/models"
)

// TrackingFunc receives one normalized tracking event.
type TrackingFunc func(ctx context.Context, event models.TrackingEvent)

// InboundFunc receives one normalized inbound message event.
type InboundFunc func(ctx context.Context, event models.InboundEvent)

// Dispatcher invokes every subscriber once per event, synchronously, in
// registration order, on the goroutine handling the webhook request. A
// panicking subscriber is isolated: it is logged and delivery continues to
// the remaining subscribers.
//
// The dispatcher does not deduplicate: the same raw webhook delivered twice
// produces two dispatches carrying the same event id. Deduplication belongs
// to the subscriber.
type Dispatcher struct {
	mu       sync.RWMutex
	tracking []TrackingFunc
	inbound  []InboundFunc
	logger   zerolog.Logger
}

// New constructs a Dispatcher.
func New(base zerolog.Logger) *Dispatcher {
	return &Dispatcher{logger: logger.Component(base, "dispatcher")}
}

// SubscribeTracking registers a tracking-event subscriber.
func (d *Dispatcher) SubscribeTracking(fn TrackingFunc) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	d.tracking = append(d.tracking, fn)
	d.mu.Unlock()
}

// SubscribeInbound registers an inbound-event subscriber.
func (d *Dispatcher) SubscribeInbound(fn InboundFunc) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	d.inbound = append(d.inbound, fn)
	d.mu.Unlock()
}

// DispatchTracking delivers one tracking event to all subscribers.
func (d *Dispatcher) DispatchTracking(ctx context.Context, event models.TrackingEvent) {
	d.mu.RLock()
	subscribers := append([]TrackingFunc(nil), d.tracking...)
	d.mu.RUnlock()

	for i, fn := range subscribers {
		d.deliver(i, event.ESPName, event.EventID, func() { fn(ctx, event) })
	}
}

// DispatchInbound delivers one inbound event to all subscribers.
func (d *Dispatcher) DispatchInbound(ctx context.Context, event models.InboundEvent) {
	d.mu.RLock()
	subscribers := append([]InboundFunc(nil), d.inbound...)
	d.mu.RUnlock()

	for i, fn := range subscribers {
		d.deliver(i, event.ESPName, event.EventID, func() { fn(ctx, event) })
	}
}

func (d *Dispatcher) deliver(index int, espName, eventID string, invoke func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Int("subscriber", index).
				Str("esp", espName).
				Str("event_id", eventID).
				Interface("panic", r).
				Msg("subscriber panicked; continuing with remaining subscribers")
		}
	}()
	invoke()
}
