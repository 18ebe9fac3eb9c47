package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/SanteonNL/xdsmediator/lib/otel"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MLLP block delimiters.
const (
	startBlock     byte = 0x0b
	endBlock       byte = 0x1c
	carriageReturn byte = 0x0d
)

// DefaultMLLPTimeout bounds connecting to, writing to and reading from the remote system.
const DefaultMLLPTimeout = 30 * time.Second

var _ Connector = &MLLPConnector{}

// NewMLLPConnector creates a connector that exchanges HL7 v2 messages over TCP using the Minimal Lower Layer Protocol.
// If tlsConfig is non-nil, the connection is secured using TLS.
func NewMLLPConnector(address string, tlsConfig *tls.Config, timeout time.Duration, handler ReplyHandler) *MLLPConnector {
	if timeout <= 0 {
		timeout = DefaultMLLPTimeout
	}
	return &MLLPConnector{
		address:   address,
		tlsConfig: tlsConfig,
		timeout:   timeout,
		handler:   handler,
	}
}

// MLLPConnector opens a connection per message, writes the framed message and reads a single framed reply.
type MLLPConnector struct {
	address   string
	tlsConfig *tls.Config
	timeout   time.Duration
	handler   ReplyHandler
}

func (c *MLLPConnector) Send(ctx context.Context, message Message) error {
	if c.handler == nil {
		return errors.New("MLLP connector has no reply handler")
	}
	// The exchange outlives the dispatching request
	go c.exchange(context.WithoutCancel(ctx), message)
	return nil
}

func (c *MLLPConnector) exchange(ctx context.Context, message Message) {
	ctx, span := tracer.Start(ctx, "mllp.exchange",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("mllp.address", c.address),
			attribute.String("orchestration", message.Orchestration),
			attribute.Bool("mllp.tls", c.tlsConfig != nil),
		),
	)
	defer span.End()

	reply := Reply{CorrelationID: message.CorrelationID}
	body, err := c.roundTrip(ctx, message.Body)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msgf("MLLP exchange '%s' with %s failed", message.Orchestration, c.address)
		reply.Err = otel.Error(span, err)
	} else {
		reply.Body = body
	}
	c.handler(ctx, reply)
}

func (c *MLLPConnector) roundTrip(ctx context.Context, payload []byte) ([]byte, error) {
	dialer := &net.Dialer{Timeout: c.timeout}
	var conn net.Conn
	var err error
	if c.tlsConfig != nil {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: c.tlsConfig}).DialContext(ctx, "tcp", c.address)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", c.address)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", c.address, err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, fmt.Errorf("write to %s: %w", c.address, wrapTimeout(err))
	}
	body, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, fmt.Errorf("read from %s: %w", c.address, wrapTimeout(err))
	}
	return body, nil
}

func wrapTimeout(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return errors.Join(ErrTimeout, err)
	}
	return err
}

// WriteFrame writes an MLLP framed payload.
func WriteFrame(w io.Writer, payload []byte) error {
	frame := make([]byte, 0, len(payload)+3)
	frame = append(frame, startBlock)
	frame = append(frame, payload...)
	frame = append(frame, endBlock, carriageReturn)
	_, err := w.Write(frame)
	return err
}

// ReadFrame reads an MLLP framed payload. Bytes preceding the start block are discarded.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	if _, err := r.ReadBytes(startBlock); err != nil {
		return nil, err
	}
	var payload []byte
	for {
		chunk, err := r.ReadBytes(endBlock)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		payload = append(payload, chunk[:len(chunk)-1]...)
		next, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if next == carriageReturn {
			return bytes.Clone(payload), nil
		}
		// End block byte that is part of the payload
		payload = append(payload, endBlock)
		if err := r.UnreadByte(); err != nil {
			return nil, err
		}
	}
}
