package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/SanteonNL/xdsmediator/messaging"
)

// Type is an event that can be published through the message broker.
type Type interface {
	Entity() messaging.Entity
	Instance() Type
}

// Correlated is implemented by events that carry a correlation ID, which is passed on to the broker.
type Correlated interface {
	CorrelationID() string
}

type Manager interface {
	Subscribe(eventType Type, handler HandleFunc) error
	Notify(ctx context.Context, instance Type) error
	HasSubscribers(eventType Type) bool
}

func NewManager(messageBroker messaging.Broker) *DefaultManager {
	return &DefaultManager{
		messageBroker: messageBroker,
		subscribers:   map[string]bool{},
	}
}

var _ Manager = &DefaultManager{}

type DefaultManager struct {
	messageBroker messaging.Broker
	mux           sync.RWMutex
	subscribers   map[string]bool
}

func (d *DefaultManager) HasSubscribers(eventType Type) bool {
	d.mux.RLock()
	defer d.mux.RUnlock()
	return d.subscribers[eventType.Entity().Name]
}

func (d *DefaultManager) Subscribe(eventType Type, handler HandleFunc) error {
	d.mux.Lock()
	d.subscribers[eventType.Entity().Name] = true
	d.mux.Unlock()
	return d.messageBroker.Receive(eventType.Entity(), func(ctx context.Context, message messaging.Message) error {
		event := eventType.Instance()
		if err := json.Unmarshal(message.Body, event); err != nil {
			return fmt.Errorf("event %T unmarshal: %w", eventType, err)
		}
		if err := handler(ctx, event); err != nil {
			return fmt.Errorf("event handler %T: %w", event, err)
		}
		return nil
	})
}

func (d *DefaultManager) Notify(ctx context.Context, instance Type) error {
	messageData, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	message := &messaging.Message{
		Body:        messageData,
		ContentType: "application/json",
	}
	if correlated, ok := instance.(Correlated); ok {
		correlationID := correlated.CorrelationID()
		message.CorrelationID = &correlationID
	}
	if err = d.messageBroker.SendMessage(ctx, instance.Entity(), message); err != nil {
		return fmt.Errorf("event send %T: %w", instance, err)
	}
	return nil
}

type HandleFunc func(ctx context.Context, event Type) error
