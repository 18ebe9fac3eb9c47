package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/SanteonNL/xdsmediator/lib/otel"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultHTTPTimeout bounds a single HTTP exchange.
const DefaultHTTPTimeout = 30 * time.Second

// maxReplySize limits how much of a reply body is read.
const maxReplySize = 50 * 1024 * 1024

var _ Connector = &HTTPConnector{}

// NewHTTPClient returns an HTTP client that propagates and records traces.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   timeout,
	}
}

// NewHTTPConnector creates a connector that POSTs messages to the given endpoint.
func NewHTTPConnector(endpoint string, client *http.Client, handler ReplyHandler) *HTTPConnector {
	if client == nil {
		client = NewHTTPClient(DefaultHTTPTimeout)
	}
	return &HTTPConnector{
		endpoint: endpoint,
		client:   client,
		handler:  handler,
	}
}

// HTTPConnector delivers messages with an HTTP POST. Non-2xx replies are delivered as-is, with their status code;
// it's up to the handler to interpret them.
type HTTPConnector struct {
	endpoint string
	client   *http.Client
	handler  ReplyHandler
}

func (c *HTTPConnector) Send(ctx context.Context, message Message) error {
	if c.handler == nil {
		return errors.New("HTTP connector has no reply handler")
	}
	request, err := c.newRequest(context.WithoutCancel(ctx), message)
	if err != nil {
		return err
	}
	go c.exchange(request, message)
	return nil
}

func (c *HTTPConnector) newRequest(ctx context.Context, message Message) (*http.Request, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(message.Body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request (endpoint=%s): %w", c.endpoint, err)
	}
	if message.ContentType != "" {
		request.Header.Set("Content-Type", message.ContentType)
	}
	return request, nil
}

func (c *HTTPConnector) exchange(request *http.Request, message Message) {
	ctx, span := tracer.Start(request.Context(), "http.exchange",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(otel.HTTPURL, c.endpoint),
			attribute.String("orchestration", message.Orchestration),
		),
	)
	defer span.End()

	reply := Reply{CorrelationID: message.CorrelationID}
	response, err := c.client.Do(request.WithContext(ctx))
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msgf("HTTP exchange '%s' with %s failed", message.Orchestration, c.endpoint)
		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.Join(ErrTimeout, err)
		}
		reply.Err = otel.Error(span, err)
		c.handler(ctx, reply)
		return
	}
	defer response.Body.Close()
	span.SetAttributes(attribute.Int(otel.HTTPStatusCode, response.StatusCode))
	reply.StatusCode = response.StatusCode
	reply.ContentType = response.Header.Get("Content-Type")
	reply.Body, err = io.ReadAll(io.LimitReader(response.Body, maxReplySize))
	if err != nil {
		reply.Err = otel.Error(span, fmt.Errorf("read HTTP response (endpoint=%s): %w", c.endpoint, err))
	}
	c.handler(ctx, reply)
}
