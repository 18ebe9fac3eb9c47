package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"
)

var _ Broker = &AzureServiceBusBroker{}

// AzureServiceBusConfig holds the configuration for connecting to an Azure Service Bus namespace.
// When only the hostname is set, the default Azure credential chain (e.g. managed identity) is used.
type AzureServiceBusConfig struct {
	Hostname         string `koanf:"hostname"`
	ConnectionString string `koanf:"connectionstring"`
	// ReceiveBackoff is the time to wait before retrying after a failed receive.
	ReceiveBackoff time.Duration `koanf:"receivebackoff"`
}

func (a AzureServiceBusConfig) Enabled() bool {
	return a.Hostname != "" || a.ConnectionString != ""
}

// serviceBusSender is the part of azservicebus.Sender the broker uses.
type serviceBusSender interface {
	SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error
	Close(ctx context.Context) error
}

// serviceBusReceiver is the part of azservicebus.Receiver the broker uses.
type serviceBusReceiver interface {
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
}

func newAzureServiceBusBroker(conf AzureServiceBusConfig, entities []Entity, entityPrefix string) (*AzureServiceBusBroker, error) {
	var client *azservicebus.Client
	var err error
	if conf.ConnectionString != "" {
		client, err = azservicebus.NewClientFromConnectionString(conf.ConnectionString, nil)
	} else if conf.Hostname != "" {
		var cred *azidentity.DefaultAzureCredential
		cred, err = azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, err
		}
		client, err = azservicebus.NewClient(conf.Hostname, cred, nil)
	} else {
		return nil, errors.New("configuration is missing hostname or connection string")
	}
	if err != nil {
		return nil, err
	}
	senders := map[string]serviceBusSender{}
	for _, entity := range entities {
		sender, err := client.NewSender(entity.FullName(entityPrefix), nil)
		if err != nil {
			return nil, fmt.Errorf("create sender (queue=%s): %w", entity.FullName(entityPrefix), err)
		}
		senders[entity.Name] = sender
	}
	broker := newServiceBusBroker(senders, entityPrefix, conf.ReceiveBackoff)
	broker.client = client
	broker.newReceiver = func(queue string) (serviceBusReceiver, error) {
		return client.NewReceiverForQueue(queue, &azservicebus.ReceiverOptions{})
	}
	return broker, nil
}

func newServiceBusBroker(senders map[string]serviceBusSender, entityPrefix string, receiveBackoff time.Duration) *AzureServiceBusBroker {
	if receiveBackoff == 0 {
		receiveBackoff = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AzureServiceBusBroker{
		senders:        senders,
		entityPrefix:   entityPrefix,
		receiveBackoff: receiveBackoff,
		pollInterval:   time.Second,
		ctx:            ctx,
		ctxCancel:      cancel,
	}
}

// AzureServiceBusBroker sends and receives messages through Azure Service Bus queues, one queue per entity.
// Senders are created up front for the entities passed at construction.
type AzureServiceBusBroker struct {
	client         *azservicebus.Client
	newReceiver    func(queue string) (serviceBusReceiver, error)
	senders        map[string]serviceBusSender
	senderLock     sync.RWMutex
	entityPrefix   string
	receiveBackoff time.Duration
	pollInterval   time.Duration
	ctx            context.Context
	ctxCancel      context.CancelFunc
	receivers      sync.WaitGroup
}

// Close stops the receivers, then closes the senders and the client. All close failures are returned together.
func (c *AzureServiceBusBroker) Close(ctx context.Context) error {
	c.senderLock.Lock()
	defer c.senderLock.Unlock()

	log.Ctx(ctx).Debug().Msg("AzureServiceBus: stopping receivers")
	c.ctxCancel()
	c.receivers.Wait()

	var errs []error
	for name, sender := range c.senders {
		if err := sender.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close sender (queue=%s): %w", name, err))
		}
		delete(c.senders, name)
	}
	if c.client != nil {
		if err := c.client.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close client: %w", err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{errors.New("azure service bus: close() failures")}, errs...)...)
	}
	log.Ctx(ctx).Debug().Msg("AzureServiceBus: closed")
	return nil
}

func (c *AzureServiceBusBroker) Receive(entity Entity, handler func(context.Context, Message) error) error {
	queue := entity.FullName(c.entityPrefix)
	receiver, err := c.newReceiver(queue)
	if err != nil {
		return fmt.Errorf("AzureServiceBus: create receiver (queue=%s): %w", queue, err)
	}
	c.receivers.Add(1)
	go func() {
		defer c.receivers.Done()
		c.receive(receiver, queue, handler)
	}()
	return nil
}

// receive polls the queue one message at a time until the broker is closed.
func (c *AzureServiceBusBroker) receive(receiver serviceBusReceiver, queue string, handler func(context.Context, Message) error) {
	for c.ctx.Err() == nil {
		messages, err := receiver.ReceiveMessages(c.ctx, 1, nil)
		wait := time.Duration(0)
		switch {
		case err != nil:
			if !errors.Is(err, context.Canceled) {
				log.Ctx(c.ctx).Err(err).Msgf("AzureServiceBus: receive failed, backing off for %s (queue=%s)", c.receiveBackoff, queue)
			}
			wait = c.receiveBackoff
		case len(messages) == 0:
			wait = c.pollInterval
		default:
			c.handle(receiver, queue, messages[0], handler)
		}
		if wait > 0 {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
}

// handle passes the message to the handler. It's completed when handled, and abandoned for redelivery otherwise,
// recording the failure on the message.
func (c *AzureServiceBusBroker) handle(receiver serviceBusReceiver, queue string, received *azservicebus.ReceivedMessage, handler func(context.Context, Message) error) {
	message := Message{
		Body:          received.Body,
		CorrelationID: received.CorrelationID,
	}
	if received.ContentType != nil {
		message.ContentType = *received.ContentType
	}
	if err := handler(c.ctx, message); err != nil {
		log.Ctx(c.ctx).Warn().Err(err).Msgf("AzureServiceBus: handler failed, abandoning message for redelivery (queue=%s, deliveries=%d)", queue, received.DeliveryCount)
		options := &azservicebus.AbandonMessageOptions{
			PropertiesToModify: map[string]any{
				"deliveryfailure-" + strconv.Itoa(int(received.DeliveryCount)): err.Error(),
			},
		}
		if err := receiver.AbandonMessage(c.ctx, received, options); err != nil {
			log.Ctx(c.ctx).Err(err).Msgf("AzureServiceBus: abandon message failed (queue=%s)", queue)
		}
		return
	}
	if err := receiver.CompleteMessage(c.ctx, received, nil); err != nil {
		log.Ctx(c.ctx).Err(err).Msgf("AzureServiceBus: complete message failed (queue=%s)", queue)
	}
}

func (c *AzureServiceBusBroker) SendMessage(ctx context.Context, entity Entity, message *Message) error {
	c.senderLock.RLock()
	defer c.senderLock.RUnlock()
	sender, ok := c.senders[entity.Name]
	if !ok {
		return fmt.Errorf("AzureServiceBus: sender not found (queue=%s)", entity.Name)
	}
	contentType := message.ContentType
	return sender.SendMessage(ctx, &azservicebus.Message{
		Body:          message.Body,
		ContentType:   &contentType,
		CorrelationID: message.CorrelationID,
	}, nil)
}
