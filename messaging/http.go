package messaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var _ Broker = &HTTPBroker{}

type HTTPBrokerConfig struct {
	Endpoint string `koanf:"endpoint"`
	// EntityFilter is a list of entities that should be sent over HTTP. If empty, all entities are sent.
	EntityFilter []string `koanf:"entityfilter"`
}

// NewHTTPBroker creates a broker that POSTs every message to <endpoint>/<entity name>,
// before passing it on to the underlying broker (if any).
func NewHTTPBroker(config HTTPBrokerConfig, underlyingBroker Broker) *HTTPBroker {
	return &HTTPBroker{
		underlyingBroker: underlyingBroker,
		endpoint:         config.Endpoint,
		entityFilter:     config.EntityFilter,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   5 * time.Second,
		},
	}
}

type HTTPBroker struct {
	underlyingBroker Broker
	endpoint         string
	entityFilter     []string
	client           *http.Client
}

func (h HTTPBroker) Receive(entity Entity, handler func(context.Context, Message) error) error {
	if h.underlyingBroker == nil {
		return nil
	}
	return h.underlyingBroker.Receive(entity, handler)
}

func (h HTTPBroker) Close(ctx context.Context) error {
	if h.underlyingBroker == nil {
		return nil
	}
	return h.underlyingBroker.Close(ctx)
}

func (h HTTPBroker) SendMessage(ctx context.Context, entity Entity, message *Message) error {
	var errs []error
	if len(h.entityFilter) == 0 || slices.Contains(h.entityFilter, entity.Name) {
		if err := h.doSend(ctx, entity, message); err != nil {
			errs = append(errs, fmt.Errorf("failed to send message over HTTP: %w", err))
		}
	}
	if h.underlyingBroker != nil {
		if err := h.underlyingBroker.SendMessage(ctx, entity, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h HTTPBroker) doSend(ctx context.Context, entity Entity, message *Message) error {
	endpoint, err := url.Parse(h.endpoint)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.JoinPath(entity.Name).String(), bytes.NewReader(message.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", message.ContentType)
	if message.CorrelationID != nil {
		req.Header.Set("X-Correlation-ID", *message.CorrelationID)
	}
	client := h.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("received non-OK response: %d", resp.StatusCode)
	}
	return nil
}
