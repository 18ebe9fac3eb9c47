package audit

import (
	"context"
	"fmt"

	"github.com/SanteonNL/xdsmediator/events"
	"github.com/SanteonNL/xdsmediator/messaging"
	"github.com/rs/zerolog/log"
)

// Entity is the message broker entity audit events are distributed through.
var Entity = messaging.Entity{Name: "atna-audit"}

var _ events.Type = Recorded{}
var _ events.Correlated = Recorded{}

// Recorded is published when an audit event is recorded.
type Recorded struct {
	Event Event `json:"event"`
}

func (r Recorded) Entity() messaging.Entity {
	return Entity
}

func (r Recorded) Instance() events.Type {
	return &Recorded{}
}

func (r Recorded) CorrelationID() string {
	return r.Event.UniqueID
}

var _ Sink = &BrokerSink{}

// BrokerSink publishes audit events to the message broker, from which the Forwarder picks them up.
type BrokerSink struct {
	manager events.Manager
}

func NewBrokerSink(manager events.Manager) *BrokerSink {
	return &BrokerSink{manager: manager}
}

func (b *BrokerSink) Record(ctx context.Context, event Event) error {
	return b.manager.Notify(ctx, Recorded{Event: event})
}

// Sender delivers a rendered audit message to the audit record repository.
type Sender interface {
	Send(ctx context.Context, message string) error
}

// Forwarder renders recorded audit events and delivers them to the audit record repository.
type Forwarder struct {
	renderer       *Renderer
	sender         Sender
	circuitBreaker *CircuitBreaker
	metrics        *Metrics
}

func NewForwarder(renderer *Renderer, sender Sender, circuitBreaker *CircuitBreaker, metrics *Metrics) *Forwarder {
	return &Forwarder{
		renderer:       renderer,
		sender:         sender,
		circuitBreaker: circuitBreaker,
		metrics:        metrics,
	}
}

// Subscribe registers the forwarder for recorded audit events.
func (f *Forwarder) Subscribe(manager events.Manager) error {
	return manager.Subscribe(Recorded{}, func(ctx context.Context, event events.Type) error {
		recorded, ok := event.(*Recorded)
		if !ok {
			return fmt.Errorf("unexpected event type: %T", event)
		}
		return f.Forward(ctx, recorded.Event)
	})
}

// Forward renders and delivers the event. Events are dropped while the circuit breaker is open.
func (f *Forwarder) Forward(ctx context.Context, event Event) error {
	if !f.circuitBreaker.Allow() {
		f.metrics.CircuitBreakerDropped.Inc()
		log.Ctx(ctx).Warn().Msgf("Audit: repository unavailable, dropping %s event", event.Type)
		return nil
	}
	message, err := f.renderer.Render(event)
	if err != nil {
		// Rendering won't succeed on redelivery, so don't return the error.
		log.Ctx(ctx).Error().Err(err).Msgf("Audit: failed to render %s event", event.Type)
		return nil
	}
	if err := f.sender.Send(ctx, message); err != nil {
		f.circuitBreaker.RecordFailure()
		f.metrics.DeliveryFailures.Inc()
		f.metrics.setCircuitBreakerState(f.circuitBreaker.IsOpen())
		return fmt.Errorf("deliver %s audit message: %w", event.Type, err)
	}
	f.circuitBreaker.RecordSuccess()
	f.metrics.setCircuitBreakerState(false)
	f.metrics.Delivered.WithLabelValues(string(event.Type)).Inc()
	log.Ctx(ctx).Debug().Msgf("Audit: delivered %s event", event.Type)
	return nil
}
