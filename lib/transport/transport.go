//go:generate mockgen -destination=./transport_mock.go -package=transport -source=transport.go

// Package transport sends request payloads to remote systems and hands their replies back asynchronously.
package transport

import (
	"context"
	"errors"

	baseotel "go.opentelemetry.io/otel"
)

var tracer = baseotel.Tracer("transport")

// ErrTimeout is reported when the remote system didn't reply in time.
var ErrTimeout = errors.New("timeout waiting for reply")

// Message is an outbound request payload.
type Message struct {
	// CorrelationID is echoed in the Reply, so the sender can match it with the original request.
	CorrelationID string
	// Orchestration describes the exchange, e.g. "PIX Query", for logging and tracing.
	Orchestration string
	Body          []byte
	ContentType   string
}

// Reply is the reply of a remote system to a Message. Err is set if no reply could be obtained.
type Reply struct {
	CorrelationID string
	Body          []byte
	ContentType   string
	// StatusCode is the HTTP status code for HTTP exchanges, 0 otherwise.
	StatusCode int
	Err        error
}

// ReplyHandler is invoked exactly once for every message that was accepted by Connector.Send.
type ReplyHandler func(ctx context.Context, reply Reply)

// Connector sends messages to a remote system. Send returns as soon as the message has been accepted;
// the reply is delivered to the connector's ReplyHandler.
type Connector interface {
	Send(ctx context.Context, message Message) error
}
