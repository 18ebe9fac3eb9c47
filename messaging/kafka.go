package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

var _ Broker = &KafkaBroker{}

const kafkaHeaderContentType = "content-type"
const kafkaHeaderCorrelationID = "correlation-id"

// KafkaConfig holds the configuration for messaging using Kafka.
type KafkaConfig struct {
	Brokers       []string `koanf:"brokers"`
	ConsumerGroup string   `koanf:"consumergroup"`
}

func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// kgoClient is the subset of *kgo.Client used by the broker.
type kgoClient interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	PollFetches(ctx context.Context) kgo.Fetches
	AddConsumeTopics(topics ...string)
	Close()
}

func newKafkaBroker(conf KafkaConfig, entityPrefix string) (*KafkaBroker, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(conf.Brokers...),
		kgo.ConsumerGroup(conf.ConsumerGroup),
		kgo.ClientID("xds-mediator"),
	)
	if err != nil {
		return nil, err
	}
	return newKafkaBrokerWithClient(client, entityPrefix), nil
}

func newKafkaBrokerWithClient(client kgoClient, entityPrefix string) *KafkaBroker {
	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaBroker{
		client:       client,
		entityPrefix: entityPrefix,
		handlers:     map[string]func(context.Context, Message) error{},
		ctx:          ctx,
		ctxCancel:    cancel,
	}
}

// KafkaBroker sends and receives messages through Kafka topics, one topic per entity.
// All entities share a single consumer group client, which is polled by one goroutine.
type KafkaBroker struct {
	client       kgoClient
	entityPrefix string
	mux          sync.Mutex
	handlers     map[string]func(context.Context, Message) error
	pollOnce     sync.Once
	ctx          context.Context
	ctxCancel    context.CancelFunc
	poller       sync.WaitGroup
}

func (k *KafkaBroker) SendMessage(ctx context.Context, entity Entity, message *Message) error {
	record := &kgo.Record{
		Topic: entity.FullName(k.entityPrefix),
		Value: message.Body,
		Headers: []kgo.RecordHeader{
			{Key: kafkaHeaderContentType, Value: []byte(message.ContentType)},
		},
	}
	if message.CorrelationID != nil {
		record.Key = []byte(*message.CorrelationID)
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: kafkaHeaderCorrelationID, Value: []byte(*message.CorrelationID)})
	}
	if err := k.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("kafka: produce to %s: %w", record.Topic, err)
	}
	return nil
}

func (k *KafkaBroker) Receive(entity Entity, handler func(context.Context, Message) error) error {
	topic := entity.FullName(k.entityPrefix)
	k.mux.Lock()
	if _, exists := k.handlers[topic]; exists {
		k.mux.Unlock()
		return fmt.Errorf("kafka: handler already registered (topic=%s)", topic)
	}
	k.handlers[topic] = handler
	k.mux.Unlock()
	k.client.AddConsumeTopics(topic)
	k.pollOnce.Do(func() {
		k.poller.Add(1)
		go k.poll()
	})
	return nil
}

func (k *KafkaBroker) poll() {
	defer k.poller.Done()
	for k.ctx.Err() == nil {
		fetches := k.client.PollFetches(k.ctx)
		if fetches.IsClientClosed() {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if !errors.Is(err, context.Canceled) {
				log.Ctx(k.ctx).Err(err).Msgf("Kafka: fetch failed (topic=%s, partition=%d)", topic, partition)
			}
		})
		if fetches.NumRecords() == 0 && len(fetches.Errors()) > 0 {
			// Avoid spinning on a broker that keeps failing.
			select {
			case <-k.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		fetches.EachRecord(func(record *kgo.Record) {
			k.handle(record)
		})
	}
}

func (k *KafkaBroker) handle(record *kgo.Record) {
	k.mux.Lock()
	handler, ok := k.handlers[record.Topic]
	k.mux.Unlock()
	if !ok {
		log.Ctx(k.ctx).Warn().Msgf("Kafka: no handler for record (topic=%s)", record.Topic)
		return
	}
	message := Message{Body: record.Value}
	for _, header := range record.Headers {
		switch header.Key {
		case kafkaHeaderContentType:
			message.ContentType = string(header.Value)
		case kafkaHeaderCorrelationID:
			correlationID := string(header.Value)
			message.CorrelationID = &correlationID
		}
	}
	if err := handler(k.ctx, message); err != nil {
		// Kafka has no per-message redelivery, so the failure is logged and the offset moves on.
		log.Ctx(k.ctx).Warn().Err(err).Msgf("Kafka: message handler failed (topic=%s, offset=%d)", record.Topic, record.Offset)
	}
}

func (k *KafkaBroker) Close(ctx context.Context) error {
	log.Ctx(ctx).Debug().Msg("Kafka: closing...")
	k.ctxCancel()
	k.client.Close()
	k.poller.Wait()
	log.Ctx(ctx).Debug().Msg("Kafka: closed")
	return nil
}
