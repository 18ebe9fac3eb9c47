//go:generate mockgen -destination=./service_mock.go -package=messaging -source=service.go
package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// New creates the broker for the given entities. Azure Service Bus takes precedence over Kafka.
// If neither is configured, an in-memory broker is used, so messages are only delivered within this process.
// An HTTP endpoint, if configured, receives a copy of every message.
func New(config Config, entities []Entity) (Broker, error) {
	var broker Broker
	var err error
	switch {
	case config.AzureServiceBus.Enabled():
		log.Info().Msg("Messaging: using Azure Service Bus")
		broker, err = newAzureServiceBusBroker(config.AzureServiceBus, entities, config.EntityPrefix)
		if err != nil {
			return nil, fmt.Errorf("azure service bus: %w", err)
		}
	case config.Kafka.Enabled():
		log.Info().Msgf("Messaging: using Kafka (brokers: %v)", config.Kafka.Brokers)
		broker, err = newKafkaBroker(config.Kafka, config.EntityPrefix)
		if err != nil {
			return nil, fmt.Errorf("kafka: %w", err)
		}
	default:
		log.Info().Msg("Messaging: no broker configured, using in-memory broker")
		broker = NewMemoryBroker()
	}
	if config.HTTP.Endpoint != "" {
		log.Info().Msgf("Messaging: sending messages over HTTP to %s", config.HTTP.Endpoint)
		broker = NewHTTPBroker(config.HTTP, broker)
	}
	return broker, nil
}

// Config holds the configuration for messaging.
type Config struct {
	// AzureServiceBus holds the configuration for messaging using Azure ServiceBus.
	AzureServiceBus AzureServiceBusConfig `koanf:"azureservicebus"`
	// Kafka holds the configuration for messaging using Kafka.
	Kafka KafkaConfig      `koanf:"kafka"`
	HTTP  HTTPBrokerConfig `koanf:"http"`
	// EntityPrefix is prepended to queue and topic names, e.g. to share a namespace between environments.
	EntityPrefix string `koanf:"entityprefix"`
}

func (c Config) Validate(strictMode bool) error {
	if strictMode && c.HTTP.Endpoint != "" {
		return errors.New("http endpoint is not allowed in strict mode")
	}
	if c.AzureServiceBus.Enabled() && c.Kafka.Enabled() {
		return errors.New("configure either Azure ServiceBus or Kafka, not both")
	}
	if c.Kafka.Enabled() && c.Kafka.ConsumerGroup == "" {
		return errors.New("kafka consumer group is required")
	}
	return nil
}

// Entity is a queue or topic on the broker.
type Entity struct {
	Name string
}

// FullName returns the name of the entity on the broker.
func (e Entity) FullName(prefix string) string {
	return prefix + e.Name
}

type Message struct {
	Body          []byte
	ContentType   string
	CorrelationID *string
}

// Broker defines an interface for interacting with a message broker, including sending messages and closing connections.
type Broker interface {
	Close(ctx context.Context) error
	SendMessage(ctx context.Context, entity Entity, message *Message) error
	// Receive registers a handler for messages sent to the entity. Messages of which the handler returns an error
	// are redelivered, if the broker supports it.
	Receive(entity Entity, handler func(context.Context, Message) error) error
}
