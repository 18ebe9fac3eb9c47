package messaging

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

var _ Broker = &MemoryBroker{}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		handlers: make(map[string][]func(context.Context, Message) error),
	}
}

// MemoryBroker delivers messages to handlers in the same process, synchronously.
type MemoryBroker struct {
	mux              sync.RWMutex
	handlers         map[string][]func(context.Context, Message) error
	LastHandlerError atomic.Pointer[error]
}

func (m *MemoryBroker) Receive(entity Entity, handler func(context.Context, Message) error) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.handlers[entity.Name] = append(m.handlers[entity.Name], handler)
	return nil
}

func (m *MemoryBroker) SendMessage(_ context.Context, entity Entity, message *Message) error {
	m.mux.RLock()
	handlers := m.handlers[entity.Name]
	m.mux.RUnlock()
	if len(handlers) == 0 {
		return fmt.Errorf("no handlers for entity %s", entity.Name)
	}
	// Handlers run detached from the sender's context, as they would with a real broker
	ctx := context.Background()
	for _, handler := range handlers {
		if err := handler(ctx, *message); err != nil {
			m.LastHandlerError.Store(&err)
			log.Warn().Err(err).Msgf("Handler for entity %s failed", entity.Name)
		}
	}
	return nil
}

func (m *MemoryBroker) Close(_ context.Context) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.handlers = map[string][]func(context.Context, Message) error{}
	return nil
}
